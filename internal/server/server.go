package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/jo-hoe/articlegen/internal/common"
	"github.com/jo-hoe/articlegen/internal/config"
	"github.com/jo-hoe/articlegen/internal/jobs"
	"github.com/jo-hoe/articlegen/internal/processor"
	"github.com/jo-hoe/articlegen/internal/util"
)

// Enqueuer hands a job to the worker pool.
type Enqueuer interface {
	Enqueue(jobID string) error
}

// Pipeline starts and cancels job orchestration.
type Pipeline interface {
	StartPipeline(ctx context.Context, jobID string) error
	CancelPipeline(ctx context.Context, jobID string) (jobs.Status, error)
}

type Service struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Store    jobs.Store
	Queue    Enqueuer
	Pipeline Pipeline
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodGet+" "+common.PathHealthz, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc(http.MethodPost+" "+common.PathJobs, svc.withCommon(svc.handleCreateJob))
	mux.HandleFunc(http.MethodGet+" "+common.PathJobs+"/{id}", svc.withCommon(svc.handleGetJob))
	mux.HandleFunc(http.MethodPost+" "+common.PathJobs+"/{id}/start", svc.withCommon(svc.handleStartJob))
	mux.HandleFunc(http.MethodPost+" "+common.PathJobs+"/{id}/cancel", svc.withCommon(svc.handleCancelJob))

	s := &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      loggingMiddleware(recoveryMiddleware(mux, svc.Log), svc.Log),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
	return s
}

func (svc *Service) withCommon(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Enforce API key if configured
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		if max := safeInt64(svc.Cfg.Server.MaxBodySize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	}
}

type createRequest struct {
	UserID        string   `json:"user_id"`
	CategoryID    string   `json:"category_id"`
	AuthorID      string   `json:"author_id"`
	BrandID       string   `json:"brand_id"`
	Keyword       string   `json:"keyword"`
	CategoryName  string   `json:"category_name"`
	AuthorName    string   `json:"author_name"`
	BrandName     string   `json:"brand_name"`
	Knowledge     []string `json:"knowledge"`
	TargetReaders string   `json:"target_readers"`
}

func (c createRequest) validate() error {
	var missing []string
	for name, v := range map[string]string{
		"user_id": c.UserID, "category_id": c.CategoryID, "author_id": c.AuthorID, "brand_id": c.BrandID, "keyword": c.Keyword,
	} {
		if strings.TrimSpace(v) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return errors.New("missing required fields: " + strings.Join(sorted(missing), ", "))
	}
	return nil
}

type acceptedResponse struct {
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
}

// handleCreateJob persists a PENDING job. With Prefer: respond-async the job is also queued.
func (svc *Service) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var in createRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := in.validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := jobs.Job{
		ID:         util.NewID(),
		UserID:     strings.TrimSpace(in.UserID),
		CategoryID: strings.TrimSpace(in.CategoryID),
		AuthorID:   strings.TrimSpace(in.AuthorID),
		BrandID:    strings.TrimSpace(in.BrandID),
		Context: jobs.Context{
			Keyword:       strings.TrimSpace(in.Keyword),
			CategoryName:  in.CategoryName,
			AuthorName:    in.AuthorName,
			BrandName:     in.BrandName,
			Knowledge:     in.Knowledge,
			TargetReaders: in.TargetReaders,
		},
		Status:        jobs.StatusPending,
		StatusMessage: "queued",
		CreatedAt:     time.Now().UTC(),
	}
	if err := svc.Store.CreateJob(r.Context(), &job); err != nil {
		svc.Log.Error("persist job", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	svc.Log.Info("job created", "job_id", job.ID, "keyword", job.Context.Keyword)

	if preferAsync(r) {
		svc.enqueue(w, job.ID)
		return
	}
	writeJSON(w, http.StatusCreated, acceptedResponse{JobID: job.ID, StatusURL: statusURL(job.ID)})
}

// handleStartJob runs the pipeline inline, or queues it with Prefer: respond-async.
func (svc *Service) handleStartJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := svc.Store.GetJob(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		svc.Log.Error("load job", "job_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if job.Status.Terminal() {
		http.Error(w, "job already "+string(job.Status), http.StatusConflict)
		return
	}

	if preferAsync(r) {
		svc.enqueue(w, id)
		return
	}

	runErr := svc.Pipeline.StartPipeline(r.Context(), id)
	if errors.Is(runErr, processor.ErrAlreadyRunning) {
		http.Error(w, "job is already running", http.StatusConflict)
		return
	}
	job, err = svc.Store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// A failed stage is a job outcome, not a server error.
	if runErr != nil && !job.Status.Terminal() {
		svc.Log.Error("pipeline aborted", "job_id", id, "error", runErr)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	svc.writeJob(w, r, job)
}

func (svc *Service) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	status, err := svc.Pipeline.CancelPipeline(r.Context(), id)
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, jobs.ErrTerminal):
		writeJSON(w, http.StatusConflict, map[string]string{"job_id": id, "status": string(status), "error": "job already finished"})
	case err != nil:
		svc.Log.Error("cancel job", "job_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": string(status)})
	}
}

func (svc *Service) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(w, r)
	if !ok {
		return
	}
	job, err := svc.Store.GetJob(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		svc.Log.Error("load job", "job_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	svc.writeJob(w, r, job)
}

func (svc *Service) writeJob(w http.ResponseWriter, r *http.Request, job *jobs.Job) {
	recs, err := svc.Store.ListStages(r.Context(), job.ID)
	if err != nil {
		svc.Log.Error("list stages", "job_id", job.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, jobToOut(job, recs))
}

func (svc *Service) enqueue(w http.ResponseWriter, id string) {
	if err := svc.Queue.Enqueue(id); err != nil {
		svc.Log.Warn("enqueue failed", "job_id", id, "error", err)
		http.Error(w, "queue full, try later", http.StatusServiceUnavailable)
		return
	}
	svc.Log.Info("job enqueued", "job_id", id)
	writeJSON(w, http.StatusAccepted, acceptedResponse{JobID: id, StatusURL: statusURL(id)})
}

type stageOut struct {
	Ordinal      int             `json:"ordinal"`
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	Tokens       int             `json:"tokens"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
}

type jobOut struct {
	JobID         string                     `json:"job_id"`
	UserID        string                     `json:"user_id"`
	CategoryID    string                     `json:"category_id"`
	AuthorID      string                     `json:"author_id"`
	BrandID       string                     `json:"brand_id"`
	Context       jobs.Context               `json:"context"`
	Status        string                     `json:"status"`
	Progress      int                        `json:"progress"`
	CurrentStage  int                        `json:"current_stage"`
	StatusMessage string                     `json:"status_message"`
	StageOutputs  map[string]json.RawMessage `json:"stage_outputs"`
	Error         *string                    `json:"error,omitempty"`
	NeedsReview   bool                       `json:"needs_review"`
	ReviewReasons []string                   `json:"review_reasons,omitempty"`
	QualityScore  *int                       `json:"quality_score,omitempty"`
	QualityIssues []string                   `json:"quality_issues,omitempty"`
	TotalTokens   int                        `json:"total_tokens"`
	ArticleID     *string                    `json:"article_id,omitempty"`
	Stages        []stageOut                 `json:"stages"`
	CreatedAt     time.Time                  `json:"created_at"`
	StartedAt     *time.Time                 `json:"started_at,omitempty"`
	CompletedAt   *time.Time                 `json:"completed_at,omitempty"`
}

func jobToOut(job *jobs.Job, recs []jobs.StageRecord) jobOut {
	out := jobOut{
		JobID:         job.ID,
		UserID:        job.UserID,
		CategoryID:    job.CategoryID,
		AuthorID:      job.AuthorID,
		BrandID:       job.BrandID,
		Context:       job.Context,
		Status:        string(job.Status),
		Progress:      job.Progress,
		CurrentStage:  job.CurrentStage,
		StatusMessage: job.StatusMessage,
		StageOutputs:  job.StageOutputs,
		Error:         job.ErrorMessage,
		NeedsReview:   job.NeedsReview,
		ReviewReasons: job.ReviewReasons,
		QualityScore:  job.QualityScore,
		QualityIssues: job.QualityIssues,
		TotalTokens:   job.TotalTokens,
		ArticleID:     job.ArticleID,
		Stages:        make([]stageOut, 0, len(recs)),
		CreatedAt:     job.CreatedAt,
		StartedAt:     job.StartedAt,
		CompletedAt:   job.CompletedAt,
	}
	for _, r := range recs {
		out.Stages = append(out.Stages, stageOut{
			Ordinal:      r.Ordinal,
			Name:         r.Name,
			Status:       string(r.Status),
			Output:       r.Output,
			ErrorCode:    r.ErrorCode,
			ErrorMessage: r.ErrorMessage,
			Tokens:       r.Tokens,
			StartedAt:    r.StartedAt,
			FinishedAt:   r.FinishedAt,
		})
	}
	return out
}

// jobID reads the {id} path value. Ids are issued by NewID, so anything else cannot exist.
func jobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !util.IsID(id) {
		http.Error(w, "not found", http.StatusNotFound)
		return "", false
	}
	return id, true
}

func preferAsync(r *http.Request) bool {
	prefer := strings.ToLower(strings.TrimSpace(r.Header.Get(common.HeaderPrefer)))
	return strings.Contains(prefer, common.PreferRespondAsync)
}

func statusURL(id string) string {
	return path.Join(common.PathJobs, id)
}

func sorted(s []string) []string {
	slices.Sort(s)
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &writeWrap{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(ww, r)
		log.Info("http",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.code,
			"duration", time.Since(start).String(),
			"remote", r.RemoteAddr)
	})
}

type writeWrap struct {
	http.ResponseWriter
	code int
}

func (w *writeWrap) WriteHeader(statusCode int) {
	w.code = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func recoveryMiddleware(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic in handler", "path", r.URL.Path, "panic", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
