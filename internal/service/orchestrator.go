package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"

	"knock-pipeline/internal/agent"
	"knock-pipeline/internal/entity"
	"knock-pipeline/internal/logging"
)

var ErrInvalidInput = errors.New("invalid pipeline input")

const (
	msgStageStarted   = "started"
	msgStageCompleted = "completed"
	msgSkipped        = "skipped after earlier failure"
	msgInterrupted    = "pipeline interrupted"
	msgAbandoned      = "skipped, attempt no longer running"
	msgRetry          = "retry requested"
	msgCancelled      = "cancelled by admin"
)

// JobStore is the persistence port (implementations: postgresql.Store, sqlite.Store).
type JobStore interface {
	CreateJob(ctx context.Context, job *entity.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*entity.Job, error)
	// StartAttempt moves a failed job back to processing with attempt+1.
	// Returns entity.ErrNotFailed when the job is in another status.
	StartAttempt(ctx context.Context, id uuid.UUID, startedAt time.Time) (*entity.Job, error)
	// CompleteJob and FailJob only touch a job that is processing the given
	// attempt and return entity.ErrNotProcessing otherwise.
	CompleteJob(ctx context.Context, id uuid.UUID, c entity.JobCompletion) error
	FailJob(ctx context.Context, id uuid.UUID, attempt int, message string, executionTimeMs int64, at time.Time) error
	AppendStageLog(ctx context.Context, log *entity.StageLog) error
	FinishStageLog(ctx context.Context, id uuid.UUID, res entity.StageResult) error
	ListStageLogs(ctx context.Context, jobID uuid.UUID) ([]entity.StageLog, error)
	ListJobsByUser(ctx context.Context, userID string, f entity.JobFilter) ([]entity.Job, error)
}

// JobQueue is the only queue capability the orchestrator needs.
type JobQueue interface {
	Enqueue(ctx context.Context, jobID string, priority int) error
}

type ExecuteResult struct {
	JobID  uuid.UUID        `json:"jobId"`
	Status entity.JobStatus `json:"status"`
}

type OrchestratorOptions struct {
	Store  JobStore
	Stages []agent.Stage
	// Queue is optional. Without it jobs run on in-process goroutines.
	Queue  JobQueue
	Scorer QualityScorer
	Logger *logging.Logger
	Now    func() time.Time
}

// Orchestrator drives the stages for one job at a time and owns every job
// state transition.
type Orchestrator struct {
	store  JobStore
	stages []agent.Stage
	queue  JobQueue
	scorer QualityScorer
	logger *logging.Logger
	now    func() time.Time

	wg sync.WaitGroup
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	o := &Orchestrator{
		store:  opts.Store,
		stages: opts.Stages,
		queue:  opts.Queue,
		scorer: opts.Scorer,
		logger: opts.Logger,
		now:    opts.Now,
	}
	if o.scorer == nil {
		o.scorer = CompletenessScorer{}
	}
	if o.logger == nil {
		l := logging.Nop()
		o.logger = &l
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Execute persists a processing job and hands it off; it does not wait for the stages.
func (o *Orchestrator) Execute(ctx context.Context, in entity.PipelineInput) (ExecuteResult, error) {
	in, err := normalizeInput(in)
	if err != nil {
		return ExecuteResult{}, err
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return ExecuteResult{}, fmt.Errorf("encode input: %w", err)
	}

	now := o.now().UTC()
	job := &entity.Job{
		ID:        uuid.New(),
		UserID:    in.UserID,
		Status:    entity.StatusProcessing,
		Attempt:   1,
		Input:     raw,
		StartedAt: now,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return ExecuteResult{}, fmt.Errorf("create job: %w", err)
	}

	o.logger.Info().
		Str("job_id", job.ID.String()).
		Str("user_id", job.UserID).
		Bool("dry_run", in.DryRun).
		Msg("pipeline job created")

	if err := o.dispatch(ctx, job, PriorityNormal); err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{JobID: job.ID, Status: entity.StatusProcessing}, nil
}

func normalizeInput(in entity.PipelineInput) (entity.PipelineInput, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.UserName = strings.TrimSpace(in.UserName)
	in.TemplateID = strings.TrimSpace(in.TemplateID)
	if in.UserID == "" {
		return in, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if in.UserData.Empty() {
		return in, fmt.Errorf("%w: at least one of domains, keywords or interests is required", ErrInvalidInput)
	}
	if lang := strings.TrimSpace(in.Language); lang != "" {
		tag, err := language.Parse(lang)
		if err != nil {
			return in, fmt.Errorf("%w: language %q: %v", ErrInvalidInput, lang, err)
		}
		in.Language = tag.String()
	}
	return in, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, job *entity.Job, priority int) error {
	if o.queue != nil {
		if err := o.queue.Enqueue(ctx, job.ID.String(), priority); err != nil {
			o.failQuietly(context.WithoutCancel(ctx), job, "dispatch failed: "+err.Error())
			return fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		return nil
	}

	o.wg.Add(1)
	go func(ctx context.Context, id uuid.UUID) {
		defer o.wg.Done()
		if err := o.Run(ctx, id); err != nil {
			o.logger.Error().Err(err).Str("job_id", id.String()).Msg("pipeline run failed")
		}
	}(context.WithoutCancel(ctx), job.ID)
	return nil
}

// Wait blocks until in-process runs started by Execute or RetryJob are done.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Run executes the current attempt of a processing job. Jobs in any other
// status are left alone. Stage failures end the job as failed and are not
// returned; only persistence errors are.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) error {
	// writes must land even if the caller gives up mid-run
	ctx = context.WithoutCancel(ctx)

	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	log := o.logger.With().Str("job_id", job.ID.String()).Int("attempt", job.Attempt).Logger()

	if job.Status != entity.StatusProcessing {
		log.Debug().Str("status", string(job.Status)).Msg("job not processing, nothing to run")
		return nil
	}

	logs, err := o.store.ListStageLogs(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("list stage logs: %w", err)
	}
	if started := entity.AttemptLogs(logs, job.Attempt); len(started) > 0 {
		log.Warn().Int("logs", len(started)).Msg("attempt already started, closing it as interrupted")
		return o.closeInterrupted(ctx, job, started)
	}

	var in entity.PipelineInput
	if err := json.Unmarshal(job.Input, &in); err != nil {
		return o.finishFailed(ctx, job, "decode input: "+err.Error())
	}

	st := &agent.State{Input: in}
	for i, stage := range o.stages {
		if i > 0 {
			running, err := o.stillRunning(ctx, job)
			if err != nil {
				return err
			}
			if !running {
				log.Info().Str("agent", string(stage.Name())).Msg("attempt cancelled or superseded, stopping")
				return o.skipFrom(ctx, job, i, msgAbandoned)
			}
		}

		entry := &entity.StageLog{
			ID:        uuid.New(),
			JobID:     job.ID,
			Attempt:   job.Attempt,
			Seq:       i + 1,
			AgentName: stage.Name(),
			Status:    entity.StageProcessing,
			Message:   msgStageStarted,
			InputData: snapshot(stage.Input(st)),
			CreatedAt: o.now().UTC(),
		}
		if err := o.store.AppendStageLog(ctx, entry); err != nil {
			return fmt.Errorf("append %s log: %w", stage.Name(), err)
		}

		started := o.now()
		out, runErr := stage.Run(ctx, st)
		elapsed := o.now().Sub(started).Milliseconds()

		if runErr != nil {
			log.Warn().
				Err(runErr).
				Str("agent", string(stage.Name())).
				Str("status", string(entity.StageError)).
				Int64("duration_ms", elapsed).
				Msg("stage failed")
			if err := o.store.FinishStageLog(ctx, entry.ID, entity.StageResult{
				Status:          entity.StageError,
				Message:         runErr.Error(),
				ExecutionTimeMs: elapsed,
			}); err != nil {
				return fmt.Errorf("finish %s log: %w", stage.Name(), err)
			}
			if err := o.skipFrom(ctx, job, i+1, msgSkipped); err != nil {
				return err
			}
			return o.finishFailed(ctx, job, runErr.Error())
		}

		if err := o.store.FinishStageLog(ctx, entry.ID, entity.StageResult{
			Status:          entity.StageCompleted,
			Message:         msgStageCompleted,
			OutputData:      snapshot(out),
			ExecutionTimeMs: elapsed,
		}); err != nil {
			return fmt.Errorf("finish %s log: %w", stage.Name(), err)
		}
		log.Info().
			Str("agent", string(stage.Name())).
			Str("status", string(entity.StageCompleted)).
			Int64("duration_ms", elapsed).
			Msg("stage completed")
	}

	return o.finishCompleted(ctx, job, in, st)
}

func (o *Orchestrator) finishCompleted(ctx context.Context, job *entity.Job, in entity.PipelineInput, st *agent.State) error {
	now := o.now().UTC()
	out := entity.PipelineOutput{
		NeedVector:  st.Needs,
		Profile:     st.Profile,
		Prompt:      st.Prompt,
		ImagePrompt: st.ImagePrompt,
		Asset:       st.Asset,
		DryRun:      in.DryRun,
	}

	completion := entity.JobCompletion{
		Attempt:         job.Attempt,
		QualityScore:    o.scorer.Score(out),
		ExecutionTimeMs: now.Sub(job.StartedAt).Milliseconds(),
		CompletedAt:     now,
	}
	if !in.DryRun {
		persona := &entity.Persona{
			ID:              uuid.New(),
			UserID:          job.UserID,
			JobID:           job.ID,
			Name:            st.Profile.PersonaName,
			ArchetypeID:     st.Profile.ArchetypeID,
			SystemPrompt:    st.Prompt.Text,
			TemplateID:      st.Prompt.TemplateID,
			TemplateVersion: st.Prompt.TemplateVersion,
			Language:        st.Prompt.Language,
			Profile:         st.Profile,
			CreatedAt:       now,
		}
		room := &entity.Room{
			ID:          uuid.New(),
			PersonaID:   persona.ID,
			UserID:      job.UserID,
			ImageRef:    st.Asset.ImageRef,
			ImageSource: st.Asset.Source,
			ImagePrompt: st.ImagePrompt.Text,
			CreatedAt:   now,
		}
		completion.Persona, completion.Room = persona, room
		out.PersonaID, out.RoomID = &persona.ID, &room.ID
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return o.finishFailed(ctx, job, "encode output: "+err.Error())
	}
	completion.Output = raw

	if err := o.store.CompleteJob(ctx, job.ID, completion); err != nil {
		if errors.Is(err, entity.ErrNotProcessing) {
			o.logger.Info().Str("job_id", job.ID.String()).Msg("job finished elsewhere, result dropped")
			return nil
		}
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	o.logger.Info().
		Str("job_id", job.ID.String()).
		Int("attempt", job.Attempt).
		Int("quality_score", completion.QualityScore).
		Int64("duration_ms", completion.ExecutionTimeMs).
		Str("image_source", string(st.Asset.Source)).
		Msg("pipeline completed")
	return nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, job *entity.Job, message string) error {
	now := o.now().UTC()
	err := o.store.FailJob(ctx, job.ID, job.Attempt, message, now.Sub(job.StartedAt).Milliseconds(), now)
	if errors.Is(err, entity.ErrNotProcessing) {
		o.logger.Info().Str("job_id", job.ID.String()).Msg("job finished elsewhere")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	o.logger.Warn().
		Str("job_id", job.ID.String()).
		Int("attempt", job.Attempt).
		Str("error", message).
		Msg("pipeline failed")
	return nil
}

func (o *Orchestrator) failQuietly(ctx context.Context, job *entity.Job, message string) {
	if err := o.finishFailed(ctx, job, message); err != nil {
		o.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("could not mark job failed")
	}
}

// stillRunning reports whether job is still processing the attempt this run owns.
func (o *Orchestrator) stillRunning(ctx context.Context, job *entity.Job) (bool, error) {
	cur, err := o.store.GetJob(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("reload job %s: %w", job.ID, err)
	}
	return cur.Status == entity.StatusProcessing && cur.Attempt == job.Attempt, nil
}

func (o *Orchestrator) skipFrom(ctx context.Context, job *entity.Job, from int, message string) error {
	for i := from; i < len(o.stages); i++ {
		if err := o.appendSkipped(ctx, job, i, message); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) appendSkipped(ctx context.Context, job *entity.Job, i int, message string) error {
	name := o.stages[i].Name()
	if err := o.store.AppendStageLog(ctx, &entity.StageLog{
		ID:        uuid.New(),
		JobID:     job.ID,
		Attempt:   job.Attempt,
		Seq:       i + 1,
		AgentName: name,
		Status:    entity.StageSkipped,
		Message:   message,
		CreatedAt: o.now().UTC(),
	}); err != nil {
		return fmt.Errorf("append %s skip log: %w", name, err)
	}
	return nil
}

// closeInterrupted finishes an attempt whose worker died: open rows become
// errors, stages without a row are skipped and the job fails.
func (o *Orchestrator) closeInterrupted(ctx context.Context, job *entity.Job, started []entity.StageLog) error {
	seen := map[entity.AgentName]bool{}
	for _, l := range started {
		seen[l.AgentName] = true
		if l.Status != entity.StageProcessing {
			continue
		}
		if err := o.store.FinishStageLog(ctx, l.ID, entity.StageResult{
			Status:  entity.StageError,
			Message: msgInterrupted,
		}); err != nil {
			return fmt.Errorf("close %s log: %w", l.AgentName, err)
		}
	}
	for i, s := range o.stages {
		if seen[s.Name()] {
			continue
		}
		if err := o.appendSkipped(ctx, job, i, msgSkipped); err != nil {
			return err
		}
	}
	return o.finishFailed(ctx, job, msgInterrupted)
}

// GetJobStatus returns the job with its logs in execution order.
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*entity.JobWithLogs, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	logs, err := o.store.ListStageLogs(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list stage logs: %w", err)
	}
	if logs == nil {
		logs = []entity.StageLog{}
	}
	return &entity.JobWithLogs{Job: *job, Logs: logs}, nil
}

// GetJobResult returns the stored output of a completed job.
func (o *Orchestrator) GetJobResult(ctx context.Context, jobID uuid.UUID) (json.RawMessage, error) {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != entity.StatusCompleted {
		return nil, entity.ErrNotCompleted
	}
	return job.Output, nil
}

// RetryJob re-runs a failed job under the same id as a new attempt.
func (o *Orchestrator) RetryJob(ctx context.Context, jobID uuid.UUID) (ExecuteResult, error) {
	job, err := o.store.StartAttempt(ctx, jobID, o.now().UTC())
	if err != nil {
		return ExecuteResult{}, err
	}
	if err := o.appendSystemLog(ctx, job, 0, msgRetry); err != nil {
		o.failQuietly(context.WithoutCancel(ctx), job, err.Error())
		return ExecuteResult{}, err
	}

	o.logger.Info().
		Str("job_id", job.ID.String()).
		Int("attempt", job.Attempt).
		Msg("pipeline retry requested")

	if err := o.dispatch(ctx, job, PriorityHigh); err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{JobID: job.ID, Status: entity.StatusProcessing}, nil
}

// CancelJob marks a processing job failed. A stage already running is not interrupted;
// its result is discarded when it tries to finish the job.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != entity.StatusProcessing {
		return entity.ErrNotProcessing
	}

	now := o.now().UTC()
	if err := o.store.FailJob(ctx, job.ID, job.Attempt, msgCancelled, now.Sub(job.StartedAt).Milliseconds(), now); err != nil {
		return err
	}
	if err := o.appendSystemLog(ctx, job, len(o.stages)+1, msgCancelled); err != nil {
		return err
	}
	o.logger.Info().Str("job_id", job.ID.String()).Int("attempt", job.Attempt).Msg("pipeline cancelled")
	return nil
}

func (o *Orchestrator) appendSystemLog(ctx context.Context, job *entity.Job, seq int, message string) error {
	if err := o.store.AppendStageLog(ctx, &entity.StageLog{
		ID:        uuid.New(),
		JobID:     job.ID,
		Attempt:   job.Attempt,
		Seq:       seq,
		AgentName: entity.AgentSystem,
		Status:    entity.StageCompleted,
		Message:   message,
		CreatedAt: o.now().UTC(),
	}); err != nil {
		return fmt.Errorf("append system log: %w", err)
	}
	return nil
}

// GetUserJobs lists a user's jobs without their logs.
func (o *Orchestrator) GetUserJobs(ctx context.Context, userID string, f entity.JobFilter) ([]entity.Job, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if f.Status != nil && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *f.Status)
	}
	jobs, err := o.store.ListJobsByUser(ctx, userID, f.Normalize())
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []entity.Job{}
	}
	return jobs, nil
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"snapshot_error":%q}`, err.Error()))
	}
	return raw
}
