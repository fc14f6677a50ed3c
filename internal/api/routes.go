package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cnk113/cacoa/internal/cache"
	"github.com/cnk113/cacoa/internal/clusterfree"
	"github.com/cnk113/cacoa/internal/data/mtx"
	"github.com/cnk113/cacoa/internal/dataset"
	"github.com/cnk113/cacoa/internal/jobstore"
	"github.com/cnk113/cacoa/internal/render"
	"github.com/cnk113/cacoa/internal/service"
	"github.com/cnk113/cacoa/internal/sparse"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Service     *service.ScoreService
	Cache       *cache.Manager
	Renderer    *render.HeatmapRenderer
	Logger      *zap.Logger
}

type handlers struct {
	jm       *JobManager
	svc      *service.ScoreService
	cache    *cache.Manager
	renderer *render.HeatmapRenderer
	log      *zap.Logger
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	h := &handlers{
		jm:       cfg.JobManager,
		svc:      cfg.Service,
		cache:    cfg.Cache,
		renderer: cfg.Renderer,
		log:      cfg.Logger.Named("api"),
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Route("/api", func(r chi.Router) {
			r.Get("/info", datasetInfoHandler)

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", h.jobSubmit)
				r.Get("/", h.jobList)
				r.Get("/{job_id}", h.jobStatus)
				r.Delete("/{job_id}", h.jobDelete)
				r.Post("/{job_id}/cancel", h.jobCancel)
				r.Get("/{job_id}/result", h.jobResult)
				r.Get("/{job_id}/matrix.mtx", h.jobMatrix)
				r.Get("/{job_id}/heatmap.png", h.jobHeatmap)
			})
		})
	})

	return r
}

// Context key for the dataset source
type ctxKey string

const datasetSourceKey ctxKey = "datasetSource"

// datasetMiddleware resolves the dataset from URL and injects its source into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			src := registry.Get(datasetID)
			if src == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetSourceKey, src)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetSource(r *http.Request) *dataset.Source {
	if src, ok := r.Context().Value(datasetSourceKey).(*dataset.Source); ok {
		return src
	}
	return nil
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

// datasetInfoHandler loads the dataset if needed and returns its summary.
func datasetInfoHandler(w http.ResponseWriter, r *http.Request) {
	src := getDatasetSource(r)
	if src == nil {
		http.Error(w, "dataset source not available", http.StatusInternalServerError)
		return
	}
	ds, err := src.Get()
	if err != nil {
		http.Error(w, "failed to load dataset: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, ds.Info())
}

// jobSubmitRequest is the body of a job submission. Omitted thresholds use
// the server's scoring defaults.
type jobSubmitRequest struct {
	Kind string `json:"kind"`

	MinSamplesPerCondition *int     `json:"min_samples_per_condition"`
	MinObsPerSample        *int     `json:"min_obs_per_sample"`
	Robust                 *bool    `json:"robust"`
	MinZ                   *float64 `json:"min_z"`

	MinBetween *int   `json:"min_between"`
	MinWithin  *int   `json:"min_within"`
	NormAll    *bool  `json:"norm_all"`
	Metric     string `json:"metric"`
	LogVecs    *bool  `json:"log_vecs"`
}

func (h *handlers) ready(w http.ResponseWriter) bool {
	if h.jm == nil || h.svc == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return false
	}
	return true
}

func (h *handlers) jobSubmit(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}

	var req jobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	params := jobstore.JobParams{
		DatasetID:              chi.URLParam(r, "dataset"),
		Kind:                   jobstore.JobKind(strings.ToLower(req.Kind)),
		MinSamplesPerCondition: req.MinSamplesPerCondition,
		MinObsPerSample:        req.MinObsPerSample,
		Robust:                 req.Robust,
		MinZ:                   req.MinZ,
		MinBetween:             req.MinBetween,
		MinWithin:              req.MinWithin,
		NormAll:                req.NormAll,
		Metric:                 req.Metric,
		LogVecs:                req.LogVecs,
	}
	if err := h.svc.ValidateParams(params); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	job, err := h.jm.Submit(params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrQueueFull) {
			status = http.StatusServiceUnavailable
		}
		http.Error(w, "failed to submit job: "+err.Error(), status)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": job.ID,
		"kind":   job.Kind,
		"status": job.Status,
	})
}

func (h *handlers) jobList(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	jobs := h.jm.Store().ListJobsByDataset(chi.URLParam(r, "dataset"))
	if jobs == nil {
		jobs = []*jobstore.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// lookupJob returns the job named in the URL when it belongs to the URL's
// dataset; otherwise it writes a 404.
func (h *handlers) lookupJob(w http.ResponseWriter, r *http.Request) *jobstore.Job {
	if !h.ready(w) {
		return nil
	}
	job := h.jm.Get(chi.URLParam(r, "job_id"))
	if job == nil || job.DatasetID != chi.URLParam(r, "dataset") {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	return job
}

// completedResult returns the result of a completed job, writing an error
// response otherwise.
func (h *handlers) completedResult(w http.ResponseWriter, r *http.Request) (*jobstore.Job, *jobstore.Result) {
	job := h.lookupJob(w, r)
	if job == nil {
		return nil, nil
	}
	if job.Status != jobstore.JobStatusCompleted {
		http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusConflict)
		return nil, nil
	}
	res := h.jm.Result(job.ID)
	if res == nil {
		http.Error(w, "job result missing", http.StatusInternalServerError)
		return nil, nil
	}
	return job, res
}

func (h *handlers) jobStatus(w http.ResponseWriter, r *http.Request) {
	job := h.lookupJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *handlers) jobCancel(w http.ResponseWriter, r *http.Request) {
	job := h.lookupJob(w, r)
	if job == nil {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":    job.ID,
		"cancelled": h.jm.Cancel(job.ID),
	})
}

func (h *handlers) jobDelete(w http.ResponseWriter, r *http.Request) {
	job := h.lookupJob(w, r)
	if job == nil {
		return
	}
	if err := h.jm.Delete(job.ID); err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":  job.ID,
		"deleted": true,
	})
}

// zscoreEntry is a stored z-score; Z is null for NaN.
type zscoreEntry struct {
	Gene string   `json:"gene"`
	Z    *float64 `json:"z"`
}

type zscoreItem struct {
	Index   int           `json:"index"`
	Cell    string        `json:"cell"`
	Entries []zscoreEntry `json:"entries"`
}

// shiftItem is one neighborhood score; Score is null for NaN.
type shiftItem struct {
	Index int      `json:"index"`
	Name  string   `json:"name"`
	Score *float64 `json:"score"`
}

// jobResult returns a page of results. Z-score pages are over cells
// (matrix columns); shift pages are over neighborhoods.
func (h *handlers) jobResult(w http.ResponseWriter, r *http.Request) {
	job, res := h.completedResult(w, r)
	if job == nil {
		return
	}

	offset := 0
	limit := defaultPageLimit
	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if v, err := strconv.Atoi(offsetStr); err == nil && v >= 0 {
			offset = v
		}
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
			limit = min(v, maxPageLimit)
		}
	}

	cacheKey := cache.PageKey(job.ID, offset, limit, nil)
	if h.cache != nil {
		if data, ok := h.cache.GetQuery(cacheKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.Write(data)
			return
		}
	}

	page := map[string]interface{}{
		"job_id": job.ID,
		"kind":   job.Kind,
		"offset": offset,
		"limit":  limit,
	}
	switch {
	case res.ZScores != nil:
		total, items := zscorePage(res.ZScores, offset, limit)
		page["total"] = total
		page["items"] = items
	case res.Shifts != nil:
		total, items := shiftPage(res.Shifts, offset, limit)
		page["total"] = total
		page["items"] = items
	default:
		http.Error(w, "job result is empty", http.StatusInternalServerError)
		return
	}

	data, err := json.Marshal(page)
	if err != nil {
		http.Error(w, "failed to encode result: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if h.cache != nil {
		h.cache.SetQuery(cacheKey, data)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "MISS")
	w.Write(data)
}

func zscorePage(m *sparse.CSC, offset, limit int) (int, []zscoreItem) {
	_, cols := m.Dims()
	items := []zscoreItem{}
	for j := offset; j < cols && j < offset+limit; j++ {
		item := zscoreItem{Index: j, Cell: label(m.ColNames, j), Entries: []zscoreEntry{}}
		it := m.Col(j)
		for it.Next() {
			item.Entries = append(item.Entries, zscoreEntry{
				Gene: label(m.RowNames, it.Row()),
				Z:    nullable(it.Value()),
			})
		}
		items = append(items, item)
	}
	return cols, items
}

func shiftPage(res *clusterfree.ShiftResult, offset, limit int) (int, []shiftItem) {
	n := len(res.Scores)
	items := []shiftItem{}
	for i := offset; i < n && i < offset+limit; i++ {
		items = append(items, shiftItem{
			Index: i,
			Name:  label(res.Names, i),
			Score: nullable(res.Scores[i]),
		})
	}
	return n, items
}

// jobMatrix streams a z-score result as a MatrixMarket file.
func (h *handlers) jobMatrix(w http.ResponseWriter, r *http.Request) {
	job, res := h.completedResult(w, r)
	if job == nil {
		return
	}
	if res.ZScores == nil {
		http.Error(w, "matrix download is only available for zscore jobs", http.StatusBadRequest)
		return
	}

	var buf bytes.Buffer
	if err := mtx.WriteMatrixMarket(&buf, res.ZScores); err != nil {
		http.Error(w, "failed to encode matrix: "+err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+job.ID+`.mtx"`)
	w.Write(buf.Bytes())
}

// jobHeatmap renders the z-score matrix of a job. Query parameters:
// genes (comma-separated names), max_genes, max_cells, colormap, zlimit, seed.
func (h *handlers) jobHeatmap(w http.ResponseWriter, r *http.Request) {
	job, res := h.completedResult(w, r)
	if job == nil {
		return
	}
	if res.ZScores == nil {
		http.Error(w, "heatmap is only available for zscore jobs", http.StatusBadRequest)
		return
	}
	if h.renderer == nil {
		http.Error(w, "renderer not configured", http.StatusNotImplemented)
		return
	}

	q := r.URL.Query()
	opts := render.Options{Colormap: q.Get("colormap")}
	params := map[string]string{}
	for _, k := range []string{"genes", "max_genes", "max_cells", "colormap", "zlimit", "seed"} {
		if v := q.Get(k); v != "" {
			params[k] = v
		}
	}
	var err error
	if opts.MaxGenes, err = intParam(q.Get("max_genes")); err != nil {
		http.Error(w, "invalid max_genes", http.StatusBadRequest)
		return
	}
	if opts.MaxCells, err = intParam(q.Get("max_cells")); err != nil {
		http.Error(w, "invalid max_cells", http.StatusBadRequest)
		return
	}
	if z := q.Get("zlimit"); z != "" {
		opts.ZLimit, err = strconv.ParseFloat(z, 64)
		if err != nil || opts.ZLimit <= 0 {
			http.Error(w, "invalid zlimit", http.StatusBadRequest)
			return
		}
	}
	if seed := q.Get("seed"); seed != "" {
		if opts.Seed, err = strconv.ParseInt(seed, 10, 64); err != nil {
			http.Error(w, "invalid seed", http.StatusBadRequest)
			return
		}
	}
	if genes := q.Get("genes"); genes != "" {
		opts.Genes, err = resolveRows(res.ZScores, strings.Split(genes, ","))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	cacheKey := cache.HeatmapKey(job.ID, params)
	if h.cache != nil {
		if data, ok := h.cache.GetImage(cacheKey); ok {
			writePNG(w, data, "HIT")
			return
		}
	}

	data, err := h.renderer.RenderZScores(res.ZScores, opts)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, render.ErrEmpty) {
			status = http.StatusNotFound
		}
		http.Error(w, "failed to render heatmap: "+err.Error(), status)
		return
	}
	if h.cache != nil {
		if err := h.cache.SetImage(cacheKey, data); err != nil {
			h.log.Debug("heatmap not cached", zap.String("job", job.ID), zap.Error(err))
		}
	}
	writePNG(w, data, "MISS")
}

func writePNG(w http.ResponseWriter, data []byte, cacheStatus string) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.Header().Set("X-Cache", cacheStatus)
	w.Write(data)
}

// resolveRows maps gene names (or row indices when the matrix is unlabeled)
// to row indices.
func resolveRows(m *sparse.CSC, names []string) ([]int, error) {
	rows, _ := m.Dims()
	index := make(map[string]int, len(m.RowNames))
	for i, n := range m.RowNames {
		index[n] = i
	}
	out := make([]int, 0, len(names))
	for _, raw := range names {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		if i, ok := index[name]; ok {
			out = append(out, i)
			continue
		}
		if m.RowNames == nil {
			if i, err := strconv.Atoi(name); err == nil && i >= 0 && i < rows {
				out = append(out, i)
				continue
			}
		}
		return nil, errors.New("unknown gene: " + name)
	}
	return out, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, errors.New("invalid integer")
	}
	return v, nil
}

func label(names []string, i int) string {
	if i < len(names) {
		return names[i]
	}
	return strconv.Itoa(i)
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrBadParams), errors.Is(err, clusterfree.ErrFatalInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
