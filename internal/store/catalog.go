package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/simpleflo/kbchat/pkg/models"
)

// UpsertFile records the latest indexing outcome for a file.
func (s *Store) UpsertFile(ctx context.Context, f models.KBFile) error {
	var indexedAt sql.NullString
	if f.IndexedAt != nil {
		indexedAt = formatTime(*f.IndexedAt)
	}
	status := f.Status
	if status == "" {
		status = models.FileStatusIndexed
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kb_files (
			path, category, file_name, size, modified_at, chunk_count,
			status, error, global_mirrored, indexed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			category = excluded.category,
			file_name = excluded.file_name,
			size = excluded.size,
			modified_at = excluded.modified_at,
			chunk_count = excluded.chunk_count,
			status = excluded.status,
			error = excluded.error,
			global_mirrored = excluded.global_mirrored,
			indexed_at = excluded.indexed_at
	`,
		f.Path,
		f.Category,
		f.Name,
		f.Size,
		formatTime(f.ModifiedAt),
		f.ChunkCount,
		status,
		nullString(f.Error),
		f.GlobalMirrored,
		indexedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert file: %w", err)
	}
	return nil
}

// MarkMirrored flags a file as present in the global index.
func (s *Store) MarkMirrored(ctx context.Context, path string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kb_files SET global_mirrored = 1, error = NULL WHERE path = ?
	`, path)
	if err != nil {
		return fmt.Errorf("mark mirrored: %w", err)
	}
	return nil
}

// ListFiles returns every catalogued file ordered by path.
func (s *Store) ListFiles(ctx context.Context) ([]models.KBFile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, category, file_name, size, modified_at, chunk_count,
			status, error, global_mirrored, indexed_at
		FROM kb_files
		ORDER BY path
	`)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	defer rows.Close()

	files := []models.KBFile{}
	for rows.Next() {
		var (
			f                     models.KBFile
			modifiedAt, indexedAt sql.NullString
			errMsg                sql.NullString
		)
		if err := rows.Scan(
			&f.Path, &f.Category, &f.Name, &f.Size, &modifiedAt, &f.ChunkCount,
			&f.Status, &errMsg, &f.GlobalMirrored, &indexedAt,
		); err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		f.ModifiedAt = parseTime(modifiedAt)
		f.Error = errMsg.String
		if t := parseTime(indexedAt); !t.IsZero() {
			f.IndexedAt = &t
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// DeleteCategory forgets every file in category and its nested categories.
func (s *Store) DeleteCategory(ctx context.Context, category string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM kb_files WHERE category = ? OR category LIKE ? ESCAPE '\'
	`, category, escapeLike(category)+"/%")
	if err != nil {
		return fmt.Errorf("delete category: %w", err)
	}
	return nil
}

// ResetFiles clears the file table ahead of a full rebuild.
func (s *Store) ResetFiles(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kb_files`); err != nil {
		return fmt.Errorf("reset files: %w", err)
	}
	return nil
}

// RecordRebuild appends a rebuild to the history.
func (s *Store) RecordRebuild(ctx context.Context, r models.RebuildRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kb_rebuilds (
			rebuild_id, scope, started_at, finished_at, indexed, skipped, records, failures
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Scope,
		formatTime(r.StartedAt),
		formatTime(r.FinishedAt),
		r.Indexed,
		r.Skipped,
		r.Records,
		r.Failures,
	)
	if err != nil {
		return fmt.Errorf("record rebuild: %w", err)
	}
	return nil
}

// ListRebuilds returns up to limit rebuilds, newest first.
func (s *Store) ListRebuilds(ctx context.Context, limit int) ([]models.RebuildRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rebuild_id, scope, started_at, finished_at, indexed, skipped, records, failures
		FROM kb_rebuilds
		ORDER BY started_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list rebuilds: %w", err)
	}
	defer rows.Close()

	var out []models.RebuildRecord
	for rows.Next() {
		var (
			r                 models.RebuildRecord
			started, finished sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Scope, &started, &finished,
			&r.Indexed, &r.Skipped, &r.Records, &r.Failures); err != nil {
			return nil, fmt.Errorf("scan rebuild: %w", err)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
