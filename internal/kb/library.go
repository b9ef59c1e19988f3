package kb

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/simpleflo/kbchat/internal/observability"
	"github.com/simpleflo/kbchat/pkg/models"
)

// Library is the file layer under the knowledge root: one directory per
// category holding the original documents. It never touches indexes.
type Library struct {
	root   string
	loader *Loader
	logger zerolog.Logger
}

// NewLibrary creates a library over root. The loader decides which files
// count as documents.
func NewLibrary(root string, loader *Loader) *Library {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	return &Library{
		root:   root,
		loader: loader,
		logger: observability.Logger("kb.library"),
	}
}

// Root returns the absolute knowledge root.
func (l *Library) Root() string {
	return l.root
}

// CategoryDir returns the directory of a validated category.
func (l *Library) CategoryDir(category string) (string, error) {
	if err := ValidateCategory(category); err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(category)), nil
}

func validateFileName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return models.NewError(models.ErrInvalidFileName, "file name is required")
	case name != filepath.Base(name), strings.ContainsAny(name, `/\`):
		return models.NewError(models.ErrInvalidFileName, fmt.Sprintf("invalid file name %q", name))
	case strings.HasPrefix(name, "."):
		return models.NewError(models.ErrInvalidFileName, fmt.Sprintf("hidden file name %q", name))
	}
	return nil
}

// Save writes a document into a category, creating the category when
// needed. An existing file with the same name is replaced.
func (l *Library) Save(category, filename string, r io.Reader) (string, error) {
	dir, err := l.CategoryDir(category)
	if err != nil {
		return "", err
	}
	if err := validateFileName(filename); err != nil {
		return "", err
	}
	if !l.loader.Supported(filename) {
		return "", UnsupportedFormatError(filename, strings.ToLower(filepath.Ext(filename)))
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", models.Wrap(models.ErrStorageUnavailable, "failed to create category directory", err).
			WithDetails("category", category)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", models.Wrap(models.ErrStorageUnavailable, "failed to save document", err).
			WithDetails("category", category)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", filename, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("write %s: %w", filename, err)
	}

	dest := filepath.Join(dir, filename)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("save %s: %w", filename, err)
	}

	l.logger.Info().
		Str("category", category).
		Str("file", filename).
		Msg("document saved")
	return dest, nil
}

// ListFiles returns the documents directly inside a category, sorted by name.
func (l *Library) ListFiles(category string) ([]FileRef, error) {
	dir, err := l.CategoryDir(category)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, models.NewError(models.ErrFileNotFound, fmt.Sprintf("category %q does not exist", category))
		}
		return nil, fmt.Errorf("list %s: %w", category, err)
	}

	var files []FileRef
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !l.loader.Supported(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, FileRef{
			Path:     filepath.Join(dir, e.Name()),
			Category: category,
			Name:     e.Name(),
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}
	return files, nil
}

// Delete removes a document from disk. Its vectors stay in the indexes
// until the next rebuild.
func (l *Library) Delete(category, filename string) error {
	dir, err := l.CategoryDir(category)
	if err != nil {
		return err
	}
	if err := validateFileName(filename); err != nil {
		return err
	}

	p := filepath.Join(dir, filename)
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.NewError(models.ErrFileNotFound, fmt.Sprintf("%s/%s does not exist", category, filename))
		}
		return fmt.Errorf("delete %s: %w", p, err)
	}

	l.logger.Info().
		Str("category", category).
		Str("file", filename).
		Msg("document deleted")
	return nil
}

// DeleteCategory removes a category directory and everything under it.
func (l *Library) DeleteCategory(category string) error {
	dir, err := l.CategoryDir(category)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return models.NewError(models.ErrFileNotFound, fmt.Sprintf("category %q does not exist", category))
		}
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete category %s: %w", category, err)
	}
	pruneEmptyDirs(filepath.Dir(dir), l.root)
	return nil
}

// Categories returns every category directory, nested ones included,
// sorted by name.
func (l *Library) Categories() ([]string, error) {
	var categories []string
	err := l.walkDirs(func(category, _ string) {
		categories = append(categories, category)
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(categories)
	return categories, nil
}

// Walk returns every supported document under the knowledge root that
// lives in a category. Files directly in the root have no category and
// are skipped.
func (l *Library) Walk() ([]FileRef, error) {
	var files []FileRef
	err := l.walkDirs(func(category, dir string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			l.logger.Warn().Err(err).Str("category", category).Msg("failed to read category")
			return
		}
		for _, e := range entries {
			if e.IsDir() || strings.HasPrefix(e.Name(), ".") || !l.loader.Supported(e.Name()) {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			files = append(files, FileRef{
				Path:     filepath.Join(dir, e.Name()),
				Category: category,
				Name:     e.Name(),
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			})
		}
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].Category != files[j].Category {
			return files[i].Category < files[j].Category
		}
		return files[i].Name < files[j].Name
	})
	return files, nil
}

// walkDirs calls fn for every valid category directory.
func (l *Library) walkDirs(fn func(category, dir string)) error {
	err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == l.root && errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return err
		}
		if !d.IsDir() || p == l.root {
			return nil
		}
		rel, err := filepath.Rel(l.root, p)
		if err != nil {
			return nil
		}
		category := filepath.ToSlash(rel)
		if ValidateCategory(category) != nil {
			return filepath.SkipDir
		}
		fn(category, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk knowledge root: %w", err)
	}
	return nil
}

// Ref describes the document at path, deriving its category from its
// location under the knowledge root.
func (l *Library) Ref(p string) (FileRef, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return FileRef{}, fmt.Errorf("resolve %s: %w", p, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FileRef{}, models.NewError(models.ErrFileNotFound, fmt.Sprintf("%s does not exist", abs))
		}
		return FileRef{}, err
	}

	ref := FileRef{
		Path:    abs,
		Name:    filepath.Base(abs),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}
	if category, ok := l.CategoryOf(abs); ok {
		ref.Category = category
	}
	return ref, nil
}

// CategoryOf returns the category directory containing path, if path is
// inside the knowledge root.
func (l *Library) CategoryOf(p string) (string, bool) {
	rel, err := filepath.Rel(l.root, filepath.Dir(p))
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	category := filepath.ToSlash(rel)
	if ValidateCategory(category) != nil {
		return "", false
	}
	return category, true
}

// ResolveDocument maps a selected document to its absolute source path.
// doc may be a bare file name, a path relative to the category, or a path
// relative to the knowledge root that starts with the category.
func (l *Library) ResolveDocument(category, doc string) (string, error) {
	dir, err := l.CategoryDir(category)
	if err != nil {
		return "", err
	}

	d := strings.Trim(strings.ReplaceAll(strings.TrimSpace(doc), "\\", "/"), "/")
	if d == "" {
		return "", models.NewError(models.ErrDocumentsRequired, "empty document name")
	}
	d = path.Clean(d)
	if d == ".." || strings.HasPrefix(d, "../") {
		return "", models.NewError(models.ErrFileNotFound, fmt.Sprintf("document %q is outside category %q", doc, category))
	}

	if rest, ok := strings.CutPrefix(d, category+"/"); ok {
		if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(d))); err != nil {
			d = rest
		}
	}
	return filepath.Join(dir, filepath.FromSlash(d)), nil
}
