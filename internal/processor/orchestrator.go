package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/jo-hoe/articlegen/internal/common"
	"github.com/jo-hoe/articlegen/internal/config"
	"github.com/jo-hoe/articlegen/internal/images"
	"github.com/jo-hoe/articlegen/internal/jobs"
	"github.com/jo-hoe/articlegen/internal/quality"
	"github.com/jo-hoe/articlegen/internal/repair"
	"github.com/jo-hoe/articlegen/internal/stages"
	"github.com/jo-hoe/articlegen/internal/util"
)

// ErrAlreadyRunning is returned when this process is already orchestrating the job.
var ErrAlreadyRunning = errors.New("pipeline already running for job")

// StageRunner executes one named stage.
type StageRunner interface {
	Run(ctx context.Context, name string, jc jobs.Context, prior stages.Outputs) (stages.Result, error)
}

// Orchestrator drives a job through the stage sequence. It implements jobs.Processor.
type Orchestrator struct {
	Log     *slog.Logger
	Cfg     *config.Config
	Store   jobs.Store
	Runner  StageRunner
	Emitter images.Emitter

	running sync.Map // job id -> struct{}
	now     func() time.Time
}

var _ jobs.Processor = (*Orchestrator)(nil)

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, runner StageRunner, emitter images.Emitter) *Orchestrator {
	return &Orchestrator{
		Log:     log,
		Cfg:     cfg,
		Store:   store,
		Runner:  runner,
		Emitter: emitter,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) Process(ctx context.Context, item jobs.WorkItem) error {
	err := o.StartPipeline(ctx, item.JobID)
	if errors.Is(err, ErrAlreadyRunning) {
		o.Log.Debug("duplicate trigger ignored", "job_id", item.JobID)
		return nil
	}
	return err
}

// CancelPipeline flags the job CANCELLED. A running pipeline halts at the next stage boundary.
func (o *Orchestrator) CancelPipeline(ctx context.Context, jobID string) (jobs.Status, error) {
	status, err := o.Store.RequestCancel(ctx, jobID)
	if err == nil {
		o.Log.Info("cancellation requested", "job_id", jobID)
	}
	return status, err
}

// StartPipeline begins or resumes orchestration of a persisted job. Stages that already
// SUCCEEDED are skipped and their outputs reused. A cooperative cancellation returns nil.
// If ctx ends mid-pipeline the job is left RUNNING so it can be resumed later.
func (o *Orchestrator) StartPipeline(ctx context.Context, jobID string) error {
	if _, loaded := o.running.LoadOrStore(jobID, struct{}{}); loaded {
		return ErrAlreadyRunning
	}
	defer o.running.Delete(jobID)

	log := o.Log.With("job_id", jobID)

	job, err := o.Store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		log.Info("job already finished, nothing to do", "status", job.Status)
		return nil
	}
	if err := o.Store.MarkRunning(ctx, jobID, o.now()); err != nil {
		if errors.Is(err, jobs.ErrTerminal) {
			log.Info("job finished before start")
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}

	records, err := o.Store.ListStages(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list stages: %w", err)
	}
	done := make(map[int]bool, len(records))
	for _, r := range records {
		if r.Status == jobs.StageSucceeded {
			done[r.Ordinal] = true
		}
	}

	prior := stages.Outputs(maps.Clone(job.StageOutputs))
	if prior == nil {
		prior = stages.Outputs{}
	}
	var lastReport *quality.Report

	for ordinal, name := range stages.Sequence {
		if done[ordinal] {
			continue
		}
		stageLog := log.With("stage", name, "ordinal", ordinal)

		halt, err := o.cancelled(ctx, jobID)
		if err != nil {
			return err
		}
		if halt {
			stageLog.Info("job cancelled, not starting stage")
			return nil
		}
		if err := ctx.Err(); err != nil {
			stageLog.Info("stopping before stage, job stays resumable", "err", err)
			return err
		}

		if err := o.Store.StartStage(ctx, jobID, ordinal, name, o.now()); err != nil {
			if errors.Is(err, jobs.ErrTerminal) {
				stageLog.Info("job cancelled at stage boundary, not starting stage")
				return nil
			}
			return fmt.Errorf("start stage %s: %w", name, err)
		}
		started := time.Now()
		res, runErr := o.Runner.Run(ctx, name, job.Context, prior)
		elapsed := time.Since(started).Milliseconds()

		if runErr != nil {
			if ctx.Err() != nil {
				// Aborted by shutdown, not by the model. The RUNNING stage is restarted on resume.
				stageLog.Warn("stage interrupted", "err", runErr, "elapsed_ms", elapsed)
				return ctx.Err()
			}
			return o.failStage(ctx, stageLog, jobID, ordinal, name, res, runErr)
		}

		rec := jobs.StageRecord{
			JobID:   jobID,
			Ordinal: ordinal,
			Status:  jobs.StageSucceeded,
			Output:  res.JSON,
			Tokens:  res.Usage.TotalTokens,
		}
		if res.UnresolvedTables > 0 {
			msg := fmt.Sprintf("%d table(s) could not be repaired", res.UnresolvedTables)
			rec.ErrorCode = string(common.CodeRepairUnresolved)
			rec.ErrorMessage = &msg
		}
		finished := o.now()
		rec.FinishedAt = &finished
		if err := o.Store.FinishStage(ctx, rec); err != nil {
			return fmt.Errorf("finish stage %s: %w", name, err)
		}

		status, err := o.Store.SaveStageOutput(ctx, jobID, jobs.StageOutcome{
			StageName:     name,
			Output:        res.JSON,
			CurrentStage:  ordinal + 1,
			Progress:      (ordinal + 1) * 100 / len(stages.Sequence),
			StatusMessage: name + " completed",
			Tokens:        res.Usage.TotalTokens,
		})
		if err != nil {
			return fmt.Errorf("save %s output: %w", name, err)
		}
		prior[name] = res.JSON
		if res.Quality != nil {
			lastReport = res.Quality
		}
		stageLog.Info("stage succeeded", "elapsed_ms", elapsed, "tokens", res.Usage.TotalTokens,
			"header_repaired", res.HeaderRepaired)

		if status == jobs.StatusCancelled {
			stageLog.Info("job cancelled during stage, halting")
			return nil
		}
	}

	return o.complete(ctx, log, job, prior, lastReport)
}

func (o *Orchestrator) cancelled(ctx context.Context, jobID string) (bool, error) {
	cur, err := o.Store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("reload job: %w", err)
	}
	return cur.Status == jobs.StatusCancelled, nil
}

// failStage records the failure on the stage and the job. There are no automatic retries.
func (o *Orchestrator) failStage(ctx context.Context, log *slog.Logger, jobID string, ordinal int, name string, res stages.Result, runErr error) error {
	code := common.CodeOf(runErr)
	msg := runErr.Error()
	stageMsg := msg
	if raw := common.RawOf(runErr); raw != "" && code == common.CodeParse {
		stageMsg = msg + "\nraw: " + raw
	}
	finished := o.now()
	if err := o.Store.FinishStage(ctx, jobs.StageRecord{
		JobID:        jobID,
		Ordinal:      ordinal,
		Status:       jobs.StageFailed,
		ErrorCode:    string(code),
		ErrorMessage: &stageMsg,
		Tokens:       res.Usage.TotalTokens,
		FinishedAt:   &finished,
	}); err != nil {
		log.Error("failed to record stage failure", "err", err)
	}

	jobMsg := fmt.Sprintf("stage %s failed: %s", name, msg)
	if err := o.Store.Finish(ctx, jobID, jobs.StatusFailed, &jobMsg, nil, finished); err != nil {
		if !errors.Is(err, jobs.ErrTerminal) {
			log.Error("failed to mark job failed", "err", err)
		}
	}
	log.Warn("stage failed", "code", code, "err", runErr)
	return fmt.Errorf("stage %s: %w", name, runErr)
}

func (o *Orchestrator) complete(ctx context.Context, log *slog.Logger, job *jobs.Job, prior stages.Outputs, report *quality.Report) error {
	article := prior.LatestHTML()
	seo, _ := stages.Lookup[stages.SEOOutput](prior, stages.SEO)
	if report == nil {
		// Every stage was done before this run; score the persisted article.
		r := quality.Score(article, quality.Meta{MetaTitle: seo.MetaTitle, MetaDescription: seo.MetaDescription})
		report = &r
	}

	review := o.review(article, *report)
	if err := o.Store.SaveReview(ctx, job.ID, review); err != nil {
		return fmt.Errorf("save review: %w", err)
	}

	articleID := util.NewID()
	if err := o.Store.Finish(ctx, job.ID, jobs.StatusCompleted, nil, &articleID, o.now()); err != nil {
		if errors.Is(err, jobs.ErrTerminal) {
			log.Info("job cancelled after its last stage, not completing")
			return nil
		}
		return fmt.Errorf("complete job: %w", err)
	}
	log.Info("job completed", "article_id", articleID, "score", *review.QualityScore, "needs_review", review.NeedsReview)

	o.emitImages(ctx, log, job, articleID, article, prior)
	return nil
}

// review flags the job for a human when tables stayed broken or the score is below the threshold.
func (o *Orchestrator) review(article string, report quality.Report) jobs.Review {
	score := report.Clamped()
	r := jobs.Review{QualityScore: &score, QualityIssues: report.Issues}
	if n := repair.Unresolved(article); n > 0 {
		r.Reasons = append(r.Reasons, fmt.Sprintf("%s: %d table(s) could not be repaired", common.CodeRepairUnresolved, n))
	}
	if threshold := o.Cfg.Quality.Threshold(); score < threshold {
		r.Reasons = append(r.Reasons, fmt.Sprintf("quality score %d is below review threshold %d", score, threshold))
	}
	r.NeedsReview = len(r.Reasons) > 0
	return r
}

func (o *Orchestrator) emitImages(ctx context.Context, log *slog.Logger, job *jobs.Job, articleID, article string, prior stages.Outputs) {
	placeholders := images.ExtractPlaceholders(article)
	if len(placeholders) == 0 {
		log.Info("article has no image placeholders, no image request emitted")
		return
	}
	title := job.Context.Keyword
	if s, ok := stages.Lookup[stages.StructureOutput](prior, stages.Structure); ok && s.Title != "" {
		title = s.Title
	}
	req := images.Request{
		ArticleID:         articleID,
		JobID:             job.ID,
		ImagePlaceholders: placeholders,
		ArticleTitle:      title,
	}
	if err := o.Emitter.Emit(ctx, req); err != nil {
		log.Warn("image request failed", "err", err)
		return
	}
	log.Info("image request emitted", "placeholders", len(placeholders))
}
