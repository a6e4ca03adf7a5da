package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle status of an article generation job.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// StageStatus is the status of one (job, stage) record.
type StageStatus string

const (
	StagePending   StageStatus = "PENDING"
	StageRunning   StageStatus = "RUNNING"
	StageSucceeded StageStatus = "SUCCEEDED"
	StageFailed    StageStatus = "FAILED"
	StageSkipped   StageStatus = "SKIPPED"
)

var (
	ErrNotFound       = errors.New("job not found")
	ErrTerminal       = errors.New("job already in a terminal status")
	ErrStageSucceeded = errors.New("stage already succeeded")
	ErrStageBusy      = errors.New("another stage is running for this job")
	ErrStageOrder     = errors.New("stage started before its predecessors succeeded")
	ErrJobNotRunning  = errors.New("job is not running")
)

// Context is everything the stages need to know about the requested article.
// It is persisted with the job before orchestration starts.
type Context struct {
	Keyword       string   `json:"keyword"`
	CategoryName  string   `json:"category_name,omitempty"`
	AuthorName    string   `json:"author_name,omitempty"`
	BrandName     string   `json:"brand_name,omitempty"`
	Knowledge     []string `json:"knowledge,omitempty"` // reference snippets the article should draw on
	TargetReaders string   `json:"target_readers,omitempty"`
}

// Job describes one keyword-to-article generation request.
type Job struct {
	ID            string
	UserID        string
	CategoryID    string
	AuthorID      string
	BrandID       string
	Context       Context
	Status        Status
	Progress      int    // 0..100
	CurrentStage  int    // ordinal of the next stage to run
	StatusMessage string // human readable
	// StageOutputs maps stage name to that stage's successful payload. Append-only.
	StageOutputs  map[string]json.RawMessage
	ErrorMessage  *string
	NeedsReview   bool
	ReviewReasons []string
	QualityScore  *int
	QualityIssues []string
	TotalTokens   int
	ArticleID     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
}

// StageRecord is the durable record of one stage of one job.
type StageRecord struct {
	JobID        string
	Ordinal      int
	Name         string
	Status       StageStatus
	Output       json.RawMessage
	ErrorCode    string
	ErrorMessage *string
	Tokens       int
	StartedAt    *time.Time
	FinishedAt   *time.Time
}

// StageOutcome is what the orchestrator persists on the job after a stage succeeds.
type StageOutcome struct {
	StageName     string
	Output        json.RawMessage
	CurrentStage  int
	Progress      int
	StatusMessage string
	Tokens        int
}

// Review carries advisory triage data attached to a job.
type Review struct {
	NeedsReview   bool
	Reasons       []string
	QualityScore  *int
	QualityIssues []string
}

// Store defines persistence for jobs and their stage records.
//
// Every mutation is scoped to one job id. Status transitions are one-directional:
// methods that change status refuse to leave a terminal status and return ErrTerminal.
type Store interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	// ListActive returns ids of jobs that are PENDING or RUNNING, oldest first.
	ListActive(ctx context.Context) ([]string, error)
	// MarkRunning moves a PENDING job to RUNNING (RUNNING is left as is).
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error
	// SaveStageOutput merges the stage output into StageOutputs and, while the job is
	// RUNNING, advances CurrentStage/Progress (never backwards). It returns the job
	// status as stored after the write, so callers can observe a cancellation.
	SaveStageOutput(ctx context.Context, id string, out StageOutcome) (Status, error)
	SaveReview(ctx context.Context, id string, review Review) error
	// Finish moves a non-terminal job to a terminal status.
	Finish(ctx context.Context, id string, status Status, errMsg *string, articleID *string, completedAt time.Time) error
	// RequestCancel flips a non-terminal job to CANCELLED and returns the resulting status.
	RequestCancel(ctx context.Context, id string) (Status, error)

	// StartStage inserts or restarts a stage record as RUNNING. It refuses with
	// ErrTerminal once the job is finished or cancelled and with ErrJobNotRunning
	// while it is still PENDING.
	StartStage(ctx context.Context, jobID string, ordinal int, name string, startedAt time.Time) error
	// FinishStage moves a RUNNING stage record to a terminal stage status.
	FinishStage(ctx context.Context, rec StageRecord) error
	ListStages(ctx context.Context, jobID string) ([]StageRecord, error)

	Close() error
}
