package jobs

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jo-hoe/articlegen/internal/common"
)

type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	// Busy timeout to avoid SQLITE_BUSY in concurrent access.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)", path, common.SQLiteBusyTimeoutMS)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Read-modify-write transactions must not race for the write lock.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		category_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		brand_id TEXT NOT NULL,
		context_json TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_stage INTEGER NOT NULL DEFAULT 0,
		status_message TEXT NOT NULL DEFAULT '',
		stage_outputs_json TEXT NOT NULL DEFAULT '{}',
		error_message TEXT,
		needs_review INTEGER NOT NULL DEFAULT 0,
		review_reasons_json TEXT,
		quality_score INTEGER,
		quality_issues_json TEXT,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		article_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE TABLE IF NOT EXISTS job_stages (
		job_id TEXT NOT NULL,
		ordinal INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		output_json TEXT,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT,
		tokens INTEGER NOT NULL DEFAULT 0,
		started_at TEXT,
		finished_at TEXT,
		PRIMARY KEY (job_id, ordinal)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if job.ID == "" {
		return errors.New("job.ID is required")
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt
	if job.Status == "" {
		job.Status = StatusPending
	}
	ctxJSON, err := json.Marshal(job.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, user_id, category_id, author_id, brand_id, context_json, status, progress, current_stage,
			status_message, stage_outputs_json, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, ?, '{}', ?, ?)`,
		job.ID, job.UserID, job.CategoryID, job.AuthorID, job.BrandID, string(ctxJSON), string(job.Status),
		job.StatusMessage, fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

const jobColumns = `id, user_id, category_id, author_id, brand_id, context_json, status, progress, current_stage,
	status_message, stage_outputs_json, error_message, needs_review, review_reasons_json, quality_score,
	quality_issues_json, total_tokens, article_id, created_at, updated_at, started_at, completed_at`

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)

	var job Job
	var ctxJSON, status, outputs, created, updated string
	var errMsg, reasons, issues, articleID, started, completed sql.NullString
	var needsReview int
	var score sql.NullInt64

	if err := row.Scan(
		&job.ID, &job.UserID, &job.CategoryID, &job.AuthorID, &job.BrandID,
		&ctxJSON, &status, &job.Progress, &job.CurrentStage,
		&job.StatusMessage, &outputs, &errMsg, &needsReview, &reasons, &score,
		&issues, &job.TotalTokens, &articleID, &created, &updated, &started, &completed,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal([]byte(ctxJSON), &job.Context); err != nil {
		return nil, fmt.Errorf("decode job context: %w", err)
	}
	job.StageOutputs = map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(outputs), &job.StageOutputs); err != nil {
		return nil, fmt.Errorf("decode stage outputs: %w", err)
	}
	job.Status = Status(status)
	job.NeedsReview = needsReview != 0
	job.ErrorMessage = nullString(errMsg)
	job.ArticleID = nullString(articleID)
	if reasons.Valid && reasons.String != "" {
		// Leave nil on error; do not fail retrieval.
		_ = json.Unmarshal([]byte(reasons.String), &job.ReviewReasons)
	}
	if issues.Valid && issues.String != "" {
		_ = json.Unmarshal([]byte(issues.String), &job.QualityIssues)
	}
	if score.Valid {
		v := int(score.Int64)
		job.QualityScore = &v
	}
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	job.StartedAt = parseNullTime(started)
	job.CompletedAt = parseNullTime(completed)
	return &job, nil
}

func (s *SQLiteStore) ListActive(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status IN (?, ?) ORDER BY created_at`,
		string(StatusPending), string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = COALESCE(started_at, ?), status_message = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(StatusRunning), fmtTime(startedAt), "running", fmtTime(time.Now().UTC()),
		id, string(StatusPending), string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) SaveStageOutput(ctx context.Context, id string, out StageOutcome) (Status, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status, outputs string
	var progress, current int
	err = tx.QueryRowContext(ctx,
		`SELECT status, stage_outputs_json, progress, current_stage FROM jobs WHERE id = ?`, id,
	).Scan(&status, &outputs, &progress, &current)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("load job: %w", err)
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal([]byte(outputs), &merged); err != nil {
		return "", fmt.Errorf("decode stage outputs: %w", err)
	}
	merged[out.StageName] = out.Output
	b, err := marshalJSON(merged)
	if err != nil {
		return "", fmt.Errorf("encode stage outputs: %w", err)
	}

	// Outputs are kept even for a cancelled job; position only moves while RUNNING.
	msg := ""
	if Status(status) == StatusRunning {
		progress = max(progress, out.Progress)
		current = max(current, out.CurrentStage)
		msg = out.StatusMessage
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET stage_outputs_json = ?, progress = ?, current_stage = ?,
			status_message = CASE WHEN ? = '' THEN status_message ELSE ? END,
			total_tokens = total_tokens + ?, updated_at = ?
		 WHERE id = ?`,
		string(b), progress, current, msg, msg, out.Tokens, fmtTime(time.Now().UTC()), id,
	)
	if err != nil {
		return "", fmt.Errorf("save stage output: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return Status(status), nil
}

func (s *SQLiteStore) SaveReview(ctx context.Context, id string, review Review) error {
	reasons, err := json.Marshal(review.Reasons)
	if err != nil {
		return fmt.Errorf("marshal review reasons: %w", err)
	}
	issues, err := json.Marshal(review.QualityIssues)
	if err != nil {
		return fmt.Errorf("marshal quality issues: %w", err)
	}
	var score any
	if review.QualityScore != nil {
		score = *review.QualityScore
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET needs_review = ?, review_reasons_json = ?, quality_score = ?, quality_issues_json = ?, updated_at = ?
		 WHERE id = ?`,
		boolToInt(review.NeedsReview), string(reasons), score, string(issues), fmtTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("save review: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Finish(ctx context.Context, id string, status Status, errMsg *string, articleID *string, completedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finish with non-terminal status %q", status)
	}
	msg := string(status)
	switch status {
	case StatusCompleted:
		msg = "completed"
	case StatusFailed:
		msg = "failed"
	case StatusCancelled:
		msg = "cancelled"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, article_id = COALESCE(?, article_id), status_message = ?,
			progress = CASE WHEN ? = ? THEN 100 ELSE progress END,
			completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(status), nullableString(errMsg), nullableString(articleID), msg,
		string(status), string(StatusCompleted),
		fmtTime(completedAt), fmtTime(time.Now().UTC()),
		id, string(StatusPending), string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return s.checkTransition(ctx, res, id)
}

func (s *SQLiteStore) RequestCancel(ctx context.Context, id string) (Status, error) {
	now := fmtTime(time.Now().UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, status_message = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(StatusCancelled), "cancellation requested", now, now,
		id, string(StatusPending), string(StatusRunning),
	)
	if err != nil {
		return "", fmt.Errorf("request cancel: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return StatusCancelled, nil
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return "", err
	}
	return job.Status, ErrTerminal
}

// checkTransition turns a guarded UPDATE that touched no row into ErrNotFound or ErrTerminal.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, id string) error {
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load status: %w", err)
	}
	return ErrTerminal
}

func (s *SQLiteStore) StartStage(ctx context.Context, jobID string, ordinal int, name string, startedAt time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The job row is read in the same transaction so a cancel that lands after the
	// orchestrator's boundary check still keeps the stage from starting.
	var jobStatus string
	err = tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&jobStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load job status: %w", err)
	}
	switch st := Status(jobStatus); {
	case st.Terminal():
		return ErrTerminal
	case st != StatusRunning:
		return ErrJobNotRunning
	}

	var succeededBefore, runningElsewhere int
	var existing sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT
			(SELECT COUNT(*) FROM job_stages WHERE job_id = ? AND ordinal < ? AND status = ?),
			(SELECT COUNT(*) FROM job_stages WHERE job_id = ? AND ordinal <> ? AND status = ?),
			(SELECT status FROM job_stages WHERE job_id = ? AND ordinal = ?)`,
		jobID, ordinal, string(StageSucceeded),
		jobID, ordinal, string(StageRunning),
		jobID, ordinal,
	).Scan(&succeededBefore, &runningElsewhere, &existing)
	if err != nil {
		return fmt.Errorf("load stage state: %w", err)
	}
	if existing.Valid && StageStatus(existing.String) == StageSucceeded {
		return ErrStageSucceeded
	}
	if runningElsewhere > 0 {
		return ErrStageBusy
	}
	if succeededBefore != ordinal {
		return ErrStageOrder
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_stages (job_id, ordinal, name, status, started_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, ordinal) DO UPDATE SET
			status = excluded.status, started_at = excluded.started_at, finished_at = NULL,
			output_json = NULL, error_code = '', error_message = NULL, tokens = 0`,
		jobID, ordinal, name, string(StageRunning), fmtTime(startedAt),
	)
	if err != nil {
		return fmt.Errorf("start stage: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FinishStage(ctx context.Context, rec StageRecord) error {
	finished := time.Now().UTC()
	if rec.FinishedAt != nil {
		finished = *rec.FinishedAt
	}
	var output any
	if len(rec.Output) > 0 {
		output = string(rec.Output)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE job_stages SET status = ?, output_json = ?, error_code = ?, error_message = ?, tokens = ?, finished_at = ?
		 WHERE job_id = ? AND ordinal = ? AND status = ?`,
		string(rec.Status), output, rec.ErrorCode, nullableString(rec.ErrorMessage), rec.Tokens, fmtTime(finished),
		rec.JobID, rec.Ordinal, string(StageRunning),
	)
	if err != nil {
		return fmt.Errorf("finish stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish stage %d of job %s: stage is not running", rec.Ordinal, rec.JobID)
	}
	return nil
}

func (s *SQLiteStore) ListStages(ctx context.Context, jobID string) ([]StageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, ordinal, name, status, output_json, error_code, error_message, tokens, started_at, finished_at
		 FROM job_stages WHERE job_id = ? ORDER BY ordinal`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StageRecord
	for rows.Next() {
		var rec StageRecord
		var status string
		var output, errMsg, started, finished sql.NullString
		if err := rows.Scan(&rec.JobID, &rec.Ordinal, &rec.Name, &status, &output, &rec.ErrorCode, &errMsg,
			&rec.Tokens, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		rec.Status = StageStatus(status)
		if output.Valid && output.String != "" {
			rec.Output = json.RawMessage(output.String)
		}
		rec.ErrorMessage = nullString(errMsg)
		rec.StartedAt = parseNullTime(started)
		rec.FinishedAt = parseNullTime(finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// marshalJSON encodes v without escaping <, > and & so stored HTML stays readable.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullableString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
