package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/simpleflo/kbchat/internal/kb"
	"github.com/simpleflo/kbchat/pkg/models"
)

// Version info, set by the daemon binary at startup.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// maxUploadMemory is how much of a multipart upload is held in memory;
// the rest spills to temporary files.
const maxUploadMemory = 32 << 20

// Response helpers

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Code    models.ErrorCode       `json:"code"`
	Kind    models.ErrorKind       `json:"kind"`
	Message string                 `json:"message"`
	Remedy  string                 `json:"remedy,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	kbErr, ok := models.AsKBError(err)
	if !ok {
		if errors.Is(err, context.DeadlineExceeded) {
			kbErr = models.Wrap(models.ErrTimeout, "operation timed out", err)
		} else {
			kbErr = models.NewError(models.ErrInternal, err.Error())
		}
	}

	msg := kbErr.Message
	if kbErr.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, kbErr.Cause)
	}
	writeJSON(w, statusFor(kbErr), map[string]interface{}{
		"error": errorBody{
			Code:    kbErr.Code,
			Kind:    kbErr.Kind,
			Message: msg,
			Remedy:  kbErr.Remedy,
			Details: kbErr.Details,
		},
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(err *models.KBError) int {
	switch err.Kind {
	case models.KindPrecondition:
		if err.Code == models.ErrFileNotFound {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case models.KindConsistency:
		return http.StatusConflict
	case models.KindTransient:
		if err.Code == models.ErrTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusServiceUnavailable
	case models.KindPartial:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return models.Wrap(models.ErrInvalidRequest, "invalid request body", err)
	}
	return nil
}

// Health endpoints

// handleHealth returns the health status of the daemon.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := map[string]string{
		"database": "ok",
	}

	// Check database connectivity
	if err := d.store.Health(r.Context()); err != nil {
		status = "unhealthy"
		checks["database"] = err.Error()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    status,
		"checks":    checks,
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleReady returns whether the daemon is ready to serve requests.
func (d *Daemon) handleReady(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if !d.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":     d.Ready(),
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Daemon struct {
		Version   string `json:"version"`
		BuildTime string `json:"build_time"`
		Uptime    string `json:"uptime"`
		Ready     bool   `json:"ready"`
		Watching  bool   `json:"watching"`
	} `json:"daemon"`
	Embedding   kb.HealthStatus `json:"embedding"`
	VectorStore struct {
		Backend  string `json:"backend"`
		Location string `json:"location"`
		Degraded bool   `json:"degraded"`
	} `json:"vector_store"`
	Indexes       map[string]int `json:"indexes"`
	SchemaVersion int            `json:"schema_version"`
	Chat          struct {
		Provider     string   `json:"provider"`
		DefaultModel string   `json:"default_model"`
		Models       []string `json:"models"`
	} `json:"chat"`
	KnowledgeRoot string `json:"knowledge_root"`
	Timestamp     string `json:"timestamp"`
}

// handleStatus reports the daemon, its backends and the record count of
// every index.
func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Get record counts by index
	counts, err := d.indexer.Counts(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	version, err := d.store.SchemaVersion(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	var resp StatusResponse
	d.mu.RLock()
	start := d.startTime
	d.mu.RUnlock()

	resp.Daemon.Version = Version
	resp.Daemon.BuildTime = BuildTime
	if !start.IsZero() {
		resp.Daemon.Uptime = time.Since(start).Truncate(time.Second).String()
	}
	resp.Daemon.Ready = d.Ready()
	resp.Daemon.Watching = d.watcher != nil

	// Build backend status
	resp.Embedding = d.checkEmbedderHealth(ctx)

	resp.VectorStore.Backend = d.cfg.Vector.Backend
	resp.VectorStore.Location = d.vectors.Location()
	resp.VectorStore.Degraded = d.vectors.Degraded()

	resp.Indexes = counts
	resp.SchemaVersion = version

	provider := d.chat.Provider()
	resp.Chat.Provider = provider.Name()
	resp.Chat.DefaultModel = provider.DefaultModel()
	resp.Chat.Models = provider.Models()

	resp.KnowledgeRoot = d.library.Root()
	resp.Timestamp = time.Now().Format(time.RFC3339)

	writeJSON(w, http.StatusOK, resp)
}

// Category endpoints

func (d *Daemon) handleListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := d.indexer.Categories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"categories": categories,
	})
}

// handleDeleteCategory removes a category, nested categories included.
// DELETE /api/v1/kb/categories/{category...}
func (d *Daemon) handleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	category, err := kb.NormalizeCategory(chi.URLParam(r, "*"))
	if err != nil {
		writeError(w, err)
		return
	}

	if err := d.indexer.DeleteCategory(r.Context(), category); err != nil {
		writeError(w, err)
		return
	}

	d.events.Publish(EventCategoryDeleted, CategoryEventData{Category: category})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": category,
	})
}

// File endpoints

// handleListFiles lists documents with their catalog state. Without a
// category every document under the knowledge root is listed.
func (d *Daemon) handleListFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var (
		refs []kb.FileRef
		err  error
	)
	if c := r.URL.Query().Get("category"); c != "" {
		category, nerr := kb.NormalizeCategory(c)
		if nerr != nil {
			writeError(w, nerr)
			return
		}
		refs, err = d.library.ListFiles(category)
	} else {
		refs, err = d.library.Walk()
	}
	if err != nil {
		writeError(w, err)
		return
	}

	entries, err := d.store.ListFiles(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	byPath := make(map[string]models.KBFile, len(entries))
	for _, e := range entries {
		byPath[e.Path] = e
	}

	files := make([]models.KBFile, 0, len(refs))
	for _, ref := range refs {
		f, ok := byPath[ref.Path]
		if !ok {
			f = models.KBFile{Path: ref.Path, Status: models.FileStatusPending}
		}
		f.Category = ref.Category
		f.Name = ref.Name
		f.Size = ref.Size
		f.ModifiedAt = ref.ModTime
		files = append(files, f)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files": files,
	})
}

// handleUploadFiles saves multipart "file" parts into the "category"
// field's category and indexes them. Files that cannot be saved are
// reported alongside indexing failures; the rest still go through.
// POST /api/v1/kb/files
func (d *Daemon) handleUploadFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, models.Wrap(models.ErrInvalidRequest, "invalid multipart upload", err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	raw := r.FormValue("category")
	if strings.TrimSpace(raw) == "" {
		writeError(w, models.NewError(models.ErrCategoryRequired, "category is required"))
		return
	}
	category, err := kb.NormalizeCategory(raw)
	if err != nil {
		writeError(w, err)
		return
	}

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, models.NewError(models.ErrDocumentsRequired, "no files uploaded"))
		return
	}

	var (
		paths    []string
		failures []kb.FileFailure
	)
	for _, fh := range headers {
		name := filepath.Base(fh.Filename)
		f, err := fh.Open()
		if err != nil {
			failures = append(failures, kb.NewFileFailure(name, category, err))
			continue
		}
		p, err := d.library.Save(category, name, f)
		f.Close()
		if err != nil {
			failures = append(failures, kb.NewFileFailure(name, category, err))
			continue
		}
		paths = append(paths, p)
	}

	report := &kb.BatchReport{}
	if len(paths) > 0 {
		report, err = d.indexer.IndexBatch(r.Context(), category, paths)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	report.Failures = append(failures, report.Failures...)

	d.events.publishBatch("upload", report)
	writeJSON(w, http.StatusOK, report)
}

// handleDeleteFile removes a document from disk. Its vectors remain until
// the next rebuild.
// DELETE /api/v1/kb/files?category=&name=
func (d *Daemon) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("category")) == "" {
		writeError(w, models.NewError(models.ErrCategoryRequired, "category is required"))
		return
	}
	category, err := kb.NormalizeCategory(q.Get("category"))
	if err != nil {
		writeError(w, err)
		return
	}
	name := q.Get("name")

	if err := d.library.Delete(category, name); err != nil {
		writeError(w, err)
		return
	}

	d.events.Publish(EventFileDeleted, FileEventData{
		Path:     category + "/" + name,
		Category: category,
		Origin:   "api",
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": category + "/" + name,
	})
}

// Index endpoints

// handleIndex indexes files already in the knowledge root. Paths may be
// absolute or relative to the category; no paths means the whole category.
// POST /api/v1/kb/index
func (d *Daemon) handleIndex(w http.ResponseWriter, r *http.Request) {
	var req models.IndexRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Category) == "" {
		writeError(w, models.NewError(models.ErrCategoryRequired, "category is required"))
		return
	}
	category, err := kb.NormalizeCategory(req.Category)
	if err != nil {
		writeError(w, err)
		return
	}

	var paths []string
	if len(req.Paths) == 0 {
		refs, err := d.library.ListFiles(category)
		if err != nil {
			writeError(w, err)
			return
		}
		for _, ref := range refs {
			paths = append(paths, ref.Path)
		}
	} else {
		for _, p := range req.Paths {
			if filepath.IsAbs(p) {
				paths = append(paths, p)
				continue
			}
			abs, err := d.library.ResolveDocument(category, p)
			if err != nil {
				writeError(w, err)
				return
			}
			paths = append(paths, abs)
		}
	}

	report, err := d.indexer.IndexBatch(r.Context(), category, paths)
	if err != nil {
		writeError(w, err)
		return
	}

	d.events.publishBatch("index", report)
	writeJSON(w, http.StatusOK, report)
}

// handleRebuild rebuilds every index, or only the global mirror with
// ?scope=global.
// POST /api/v1/kb/rebuild
func (d *Daemon) handleRebuild(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = kb.RebuildScopeAll
	}

	var rebuild func(context.Context) (*kb.RebuildReport, error)
	switch scope {
	case kb.RebuildScopeAll:
		rebuild = d.indexer.RebuildAll
	case kb.RebuildScopeGlobal:
		rebuild = d.indexer.RebuildGlobal
	default:
		writeError(w, models.NewError(models.ErrInvalidRequest, fmt.Sprintf("unknown rebuild scope %q", scope)).
			WithRemedy("use scope all or global"))
		return
	}

	d.events.Publish(EventRebuildStarted, RebuildEventData{Scope: scope})

	report, err := rebuild(r.Context())
	if err != nil {
		d.events.Publish(EventRebuildFailed, RebuildEventData{Scope: scope, Error: err.Error()})
		writeError(w, err)
		return
	}

	d.events.Publish(EventRebuildCompleted, rebuildEvent(report))
	writeJSON(w, http.StatusOK, report)
}

// handleListRebuilds returns recent rebuilds, newest first.
// GET /api/v1/kb/rebuilds?limit=
func (d *Daemon) handleListRebuilds(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	rebuilds, err := d.store.ListRebuilds(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rebuilds": rebuilds,
	})
}

// handleDrift reports where the file tree and the indexes disagree.
// GET /api/v1/kb/drift
func (d *Daemon) handleDrift(w http.ResponseWriter, r *http.Request) {
	report, err := d.indexer.Drift(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		*kb.DriftReport
		Clean bool `json:"clean"`
	}{report, report.Clean()})
}

// Search and chat

// handleSearch resolves the mode's scope and returns the nearest
// segments without calling the language model. An empty mode searches
// the global index.
// POST /api/v1/kb/search
func (d *Daemon) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, models.NewError(models.ErrQuestionRequired, "query is required"))
		return
	}
	if req.Mode == "" {
		req.Mode = models.ModeKnowledgeChat
	}
	k := req.Limit
	if k <= 0 {
		k = d.cfg.KB.SearchK
	}

	start := time.Now()
	retriever, err := d.retrieval.Resolve(r.Context(), kb.ResolveRequest{
		Mode:         req.Mode,
		Category:     req.Category,
		SelectedDocs: req.SelectedDocs,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	hits, err := retriever.Search(r.Context(), query, k)
	if err != nil {
		writeError(w, err)
		return
	}

	results := make([]models.SearchHit, 0, len(hits))
	for _, h := range hits {
		results = append(results, models.SearchHit{
			Text:         h.Text,
			Source:       h.Source(),
			RelativePath: h.Metadata[kb.MetaRelativePath],
			Category:     h.Metadata[kb.MetaCategory],
			Score:        h.Score,
			Metadata:     h.Metadata,
		})
	}

	writeJSON(w, http.StatusOK, models.SearchResult{
		Results:    results,
		Query:      query,
		Scope:      retriever.Scope(),
		SearchTime: float64(time.Since(start).Microseconds()) / 1000,
	})
}

// handleChat answers a question in the requested chat mode.
// POST /api/v1/chat
func (d *Daemon) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	resp, err := d.chat.Answer(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleModels lists the chat models a request may select.
// GET /api/v1/models
func (d *Daemon) handleModels(w http.ResponseWriter, r *http.Request) {
	provider := d.chat.Provider()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider": provider.Name(),
		"default":  provider.DefaultModel(),
		"models":   provider.Models(),
	})
}
