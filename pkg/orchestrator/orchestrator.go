package orchestrator

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gordowuu/GORGGLES/pkg/adapters"
	"github.com/gordowuu/GORGGLES/pkg/config"
	"github.com/gordowuu/GORGGLES/pkg/fusion"
	"github.com/gordowuu/GORGGLES/pkg/logging"
	"github.com/gordowuu/GORGGLES/pkg/media"
	"github.com/gordowuu/GORGGLES/pkg/metrics"
	"github.com/gordowuu/GORGGLES/pkg/models"
	"github.com/gordowuu/GORGGLES/pkg/ratelimit"
	"github.com/gordowuu/GORGGLES/pkg/retry"
	"github.com/gordowuu/GORGGLES/pkg/store"
	"github.com/gordowuu/GORGGLES/pkg/tracing"
)

// Config holds the orchestrator's runtime knobs in typed form
type Config struct {
	Workers            int
	JobTimeout         time.Duration
	RequireAllBranches bool
	PrepareRetry       retry.Config
	Branch             BranchConfig
	Fusion             fusion.Config
}

// BranchConfig controls the per-modality submit/poll loops
type BranchConfig struct {
	PollInterval time.Duration
	MaxAttempts  int
	BackoffRate  float64
	PollRPS      float64
	TimeBudget   map[models.ModalityKind]time.Duration
}

// FromConfig converts the flat daemon configuration into typed form
func FromConfig(c *config.Config) Config {
	return Config{
		Workers:            c.Orchestrator.Workers,
		JobTimeout:         seconds(c.Orchestrator.JobTimeoutSeconds),
		RequireAllBranches: c.Orchestrator.RequireAllBranches,
		PrepareRetry: retry.Config{
			MaxAttempts:    c.Orchestrator.PrepareMaxAttempts,
			InitialBackoff: seconds(c.Orchestrator.PrepareInitialIntervalSeconds),
			MaxBackoff:     5 * time.Minute,
			Multiplier:     c.Orchestrator.PrepareBackoffRate,
		},
		Branch: BranchConfig{
			PollInterval: seconds(c.Branch.PollIntervalSeconds),
			MaxAttempts:  c.Branch.MaxAttempts,
			BackoffRate:  c.Branch.BackoffRate,
			PollRPS:      c.Branch.PollRPS,
			TimeBudget: map[models.ModalityKind]time.Duration{
				models.ModalityAudio:  seconds(c.Branch.AudioTimeBudgetSeconds),
				models.ModalityFace:   seconds(c.Branch.FaceTimeBudgetSeconds),
				models.ModalityVisual: seconds(c.Branch.VisualTimeBudgetSeconds),
			},
		},
		Fusion: fusion.Config{
			AudioConfidenceThreshold: c.Fusion.AudioConfidenceThreshold,
			FaceLookupMarginSeconds:  c.Fusion.FaceLookupMarginSeconds,
		},
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Orchestrator drives jobs through the pipeline state machine. Every
// stage transition is a conditional write, so a second invocation for
// the same job observes the store and becomes a no-op instead of
// duplicating work.
type Orchestrator struct {
	store    store.Store
	preparer media.Preparer
	adapters map[models.ModalityKind]adapters.Adapter
	config   Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	tracer   *tracing.Provider
	limiter  *ratelimit.Limiter

	queue  chan string
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an orchestrator. The adapter list determines which
// modality branches fan out per job.
func New(s store.Store, p media.Preparer, adapterList []adapters.Adapter, cfg Config,
	logger *logging.Logger, m *metrics.Metrics, tracer *tracing.Provider) *Orchestrator {

	byKind := make(map[models.ModalityKind]adapters.Adapter, len(adapterList))
	for _, a := range adapterList {
		byKind[a.Kind()] = a
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Branch.PollInterval <= 0 {
		cfg.Branch.PollInterval = 5 * time.Second
	}
	if cfg.Branch.MaxAttempts <= 0 {
		cfg.Branch.MaxAttempts = 3
	}
	pollRPS := cfg.Branch.PollRPS
	if pollRPS <= 0 {
		pollRPS = 2.0
	}

	return &Orchestrator{
		store:    s,
		preparer: p,
		adapters: byKind,
		config:   cfg,
		logger:   logger,
		metrics:  m,
		tracer:   tracer,
		limiter:  ratelimit.NewLimiter(pollRPS, 1),
		queue:    make(chan string, 256),
	}
}

// Start launches the worker pool and requeues jobs that were in
// flight when the previous process died.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)

	for i := 0; i < o.config.Workers; i++ {
		o.wg.Add(1)
		go o.worker(ctx)
	}

	o.recover(ctx)
	o.logger.Info("orchestrator started", map[string]interface{}{
		"workers": o.config.Workers,
	})
}

// Stop drains the queue and waits for in-flight jobs to park at a
// durable state boundary.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	close(o.queue)
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// Enqueue schedules a job for processing. Enqueueing the same job
// twice is safe: the second run finds the store already advanced.
func (o *Orchestrator) Enqueue(jobID string) error {
	select {
	case o.queue <- jobID:
		return nil
	default:
		return fmt.Errorf("orchestrator queue full, job %s not scheduled", jobID)
	}
}

// recover requeues non-terminal jobs found at startup
func (o *Orchestrator) recover(ctx context.Context) {
	for _, state := range []models.JobStatus{
		models.JobStatusCreated,
		models.JobStatusPreparing,
		models.JobStatusProcessing,
		models.JobStatusFusing,
	} {
		jobs, err := o.store.GetJobsInState(state)
		if err != nil {
			o.logger.Error("recovery scan failed", map[string]interface{}{
				"state": state, "error": err.Error(),
			})
			continue
		}
		for _, job := range jobs {
			if err := o.Enqueue(job.ID); err != nil {
				o.logger.Warn("recovery enqueue failed", map[string]interface{}{
					"job_id": job.ID, "error": err.Error(),
				})
			}
		}
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	defer o.wg.Done()
	for jobID := range o.queue {
		select {
		case <-ctx.Done():
			return
		default:
		}
		o.runJob(ctx, jobID)
	}
}

// runJob advances one job from whatever state the store holds through
// to a terminal state
func (o *Orchestrator) runJob(ctx context.Context, jobID string) {
	log := o.logger.WithJob(jobID)

	job, err := o.store.GetJob(jobID)
	if err != nil {
		log.Error("load job", map[string]interface{}{"error": err.Error()})
		return
	}
	if models.IsTerminalState(job.Status) {
		log.Debug("job already terminal, nothing to do", map[string]interface{}{
			"status": job.Status,
		})
		return
	}

	ctx, span := o.tracer.StartJobSpan(ctx, "pipeline.run", jobID)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.config.JobTimeout)
	defer cancel()

	o.metrics.JobStarted()
	log.Info("processing job", map[string]interface{}{"status": job.Status})

	err = o.advance(ctx, log, job)
	if err != nil {
		tracing.SetError(ctx, err)
	}

	final, getErr := o.store.GetJob(jobID)
	if getErr != nil {
		log.Error("load job after run", map[string]interface{}{"error": getErr.Error()})
		o.metrics.JobFinished(models.JobStatusFailed, "")
		return
	}
	o.metrics.JobFinished(final.Status, final.Error)
	log.Info("job run finished", map[string]interface{}{
		"status": final.Status, "error": final.Error,
	})
}

// advance runs the remaining stages for the job's current state
func (o *Orchestrator) advance(ctx context.Context, log *logging.Logger, job *models.Job) error {
	switch job.Status {
	case models.JobStatusCreated, models.JobStatusPreparing:
		if err := o.stagePrepare(ctx, log, job); err != nil {
			return err
		}
		fallthrough
	case models.JobStatusProcessing:
		if err := o.stageBranches(ctx, log, job.ID); err != nil {
			return err
		}
		fallthrough
	case models.JobStatusFusing:
		return o.stageFuse(ctx, log, job.ID)
	default:
		return nil
	}
}

// stagePrepare runs media preparation with retries. Exhaustion is
// fatal to the job: nothing downstream can run without media.
func (o *Orchestrator) stagePrepare(ctx context.Context, log *logging.Logger, job *models.Job) error {
	ctx, span := o.tracer.StartJobSpan(ctx, "pipeline.prepare", job.ID)
	defer span.End()
	started := time.Now()

	if _, err := o.store.TransitionJobState(job.ID, models.JobStatusPreparing, ""); err != nil {
		return fmt.Errorf("transition to preparing: %w", err)
	}

	var refs models.MediaRefs
	err := retry.Do(ctx, o.config.PrepareRetry, func() error {
		var prepErr error
		refs, prepErr = o.preparer.Prepare(ctx, job.ID, job.Bucket, job.Key)
		if prepErr != nil {
			log.Warn("media preparation attempt failed", map[string]interface{}{
				"error": prepErr.Error(),
			})
		}
		return prepErr
	})
	if err != nil {
		return o.failJob(log, job.ID, models.CauseMediaPreparationFailed, err)
	}

	if err := o.store.SetJobMedia(job.ID, refs); err != nil {
		return fmt.Errorf("persist media refs: %w", err)
	}
	if _, err := o.store.TransitionJobState(job.ID, models.JobStatusProcessing, ""); err != nil {
		return fmt.Errorf("transition to processing: %w", err)
	}

	o.metrics.ObserveStage("prepare", time.Since(started).Seconds())
	log.Info("media prepared", map[string]interface{}{
		"audio_key": refs.AudioKey, "frames_prefix": refs.FramesPrefix,
	})
	return nil
}

// stageBranches fans out one runner per modality and joins on all of
// them. The join policy degrades gracefully: one surviving branch is
// enough to fuse unless RequireAllBranches is set.
func (o *Orchestrator) stageBranches(ctx context.Context, log *logging.Logger, jobID string) error {
	ctx, span := o.tracer.StartJobSpan(ctx, "pipeline.branches", jobID)
	defer span.End()
	started := time.Now()

	job, err := o.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job for fan-out: %w", err)
	}

	results := make(chan models.BranchState, len(o.adapters))
	var wg sync.WaitGroup
	for _, kind := range models.Modalities {
		adapter, ok := o.adapters[kind]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(kind models.ModalityKind, adapter adapters.Adapter) {
			defer wg.Done()
			results <- o.runBranch(ctx, log, job, kind, adapter)
		}(kind, adapter)
	}
	wg.Wait()
	close(results)

	succeeded, failed := 0, 0
	var firstFailure string
	for branch := range results {
		switch branch.Status {
		case models.BranchSucceeded:
			succeeded++
		case models.BranchFailed:
			failed++
			if firstFailure == "" {
				firstFailure = fmt.Sprintf("%s: %s", branch.Kind, branch.LastError)
			}
		}
	}
	o.metrics.ObserveStage("branches", time.Since(started).Seconds())

	if ctx.Err() != nil && succeeded == 0 {
		return o.failJob(log, jobID, models.CauseJobTimeout, ctx.Err())
	}
	if succeeded == 0 {
		return o.failJob(log, jobID, models.CauseAllModalitiesFailed,
			fmt.Errorf("no modality produced a result (%s)", firstFailure))
	}
	if o.config.RequireAllBranches && failed > 0 {
		return o.failJob(log, jobID, models.CauseAllModalitiesFailed,
			fmt.Errorf("strict join: %s", firstFailure))
	}

	log.Info("branches joined", map[string]interface{}{
		"succeeded": succeeded, "failed": failed,
	})
	return nil
}

// stageFuse reconciles the surviving branch results and persists the
// immutable output artifact
func (o *Orchestrator) stageFuse(ctx context.Context, log *logging.Logger, jobID string) error {
	ctx, span := o.tracer.StartJobSpan(ctx, "pipeline.fuse", jobID)
	defer span.End()

	if _, err := o.store.TransitionJobState(jobID, models.JobStatusFusing, ""); err != nil {
		return fmt.Errorf("transition to fusing: %w", err)
	}

	job, err := o.store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("load job for fusion: %w", err)
	}

	input := fusion.Input{}
	for kind, branch := range job.Branches {
		if branch.Status != models.BranchSucceeded || branch.Result == nil {
			continue
		}
		switch kind {
		case models.ModalityAudio:
			input.Audio = branch.Result.Audio
		case models.ModalityFace:
			input.Face = branch.Result.Face
		case models.ModalityVisual:
			input.Visual = branch.Result.Visual
		}
	}

	started := time.Now()
	result, err := o.fuseSafely(input, jobID)
	if err != nil {
		return o.failJob(log, jobID, models.CauseFusionError, err)
	}
	o.metrics.ObserveFusion(time.Since(started).Seconds(), len(result.Segments))

	if err := o.store.PutFusionResult(jobID, result); err != nil {
		return o.failJob(log, jobID, models.CauseFusionError, err)
	}
	if _, err := o.store.TransitionJobState(jobID, models.JobStatusCompleted, ""); err != nil {
		return fmt.Errorf("transition to completed: %w", err)
	}

	log.Info("fusion complete", map[string]interface{}{
		"segments":   result.Metadata.TotalSegments,
		"speakers":   result.Metadata.SpeakersDetected,
		"modalities": result.Metadata.ModalitiesUsed,
	})
	return nil
}

// fuseSafely isolates the fusion step so a panic fails only this job
func (o *Orchestrator) fuseSafely(input fusion.Input, jobID string) (result *models.FusionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fusion panic: %v\n%s", r, debug.Stack())
		}
	}()
	fused := fusion.Fuse(input, o.config.Fusion)
	fused.JobID = jobID
	return &fused, nil
}

// failJob moves a job to the terminal failed state with its cause
func (o *Orchestrator) failJob(log *logging.Logger, jobID, cause string, err error) error {
	log.Error("job failed", map[string]interface{}{
		"cause": cause, "error": err.Error(),
	})
	if _, terr := o.store.TransitionJobState(jobID, models.JobStatusFailed, cause); terr != nil {
		log.Error("record failure", map[string]interface{}{"error": terr.Error()})
	}
	return err
}
