package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/gordowuu/GORGGLES/pkg/adapters"
	"github.com/gordowuu/GORGGLES/pkg/logging"
	"github.com/gordowuu/GORGGLES/pkg/models"
	"github.com/gordowuu/GORGGLES/pkg/retry"
)

// runBranch drives one modality from claim through submit and poll to
// a terminal branch state. The claim flips pending to running exactly
// once, so concurrent invocations for the same job cannot double
// submit; a loser that finds the branch running resumes polling the
// stored handle instead.
func (o *Orchestrator) runBranch(ctx context.Context, log *logging.Logger,
	job *models.Job, kind models.ModalityKind, adapter adapters.Adapter) models.BranchState {

	log = log.WithField("modality", string(kind))
	ctx, span := o.tracer.StartBranchSpan(ctx, job.ID, string(kind))
	defer span.End()

	if budget, ok := o.config.Branch.TimeBudget[kind]; ok && budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	now := time.Now()
	branch := models.BranchState{
		Kind:      kind,
		Status:    models.BranchRunning,
		StartedAt: &now,
	}

	claimed, err := o.store.ClaimBranch(job.ID, kind)
	if err != nil {
		return o.finishBranch(log, job.ID, branch, models.BranchFailed, "claim branch: "+err.Error())
	}
	if !claimed {
		current, err := o.store.GetJob(job.ID)
		if err != nil {
			return o.finishBranch(log, job.ID, branch, models.BranchFailed, "reload job: "+err.Error())
		}
		existing := current.Branches[kind]
		if models.BranchTerminal(existing.Status) {
			log.Debug("branch already finished", map[string]interface{}{
				"status": existing.Status,
			})
			return existing
		}
		if existing.ExternalHandle != "" {
			// A previous invocation submitted and died, pick up its poll
			branch = existing
			log.Info("resuming branch with existing handle", map[string]interface{}{
				"handle": existing.ExternalHandle,
			})
			return o.pollBranch(ctx, log, job.ID, adapter, branch)
		}
		// Claimed but never submitted; deterministic handles make a
		// second submit land on the same external job
	}

	input := adapters.JobInput{
		JobID:  job.ID,
		Bucket: job.Bucket,
		Key:    job.Key,
	}
	if job.Media != nil {
		input.Media = *job.Media
	}

	handle, attempts, err := o.submitBranch(ctx, adapter, input)
	branch.Attempts = attempts
	if err != nil {
		return o.finishBranch(log, job.ID, branch, models.BranchFailed, err.Error())
	}

	branch.ExternalHandle = handle
	if err := o.store.UpdateBranch(job.ID, branch); err != nil {
		log.Warn("persist branch handle", map[string]interface{}{"error": err.Error()})
	}
	log.Info("branch submitted", map[string]interface{}{
		"handle": handle, "attempts": attempts,
	})

	return o.pollBranch(ctx, log, job.ID, adapter, branch)
}

// submitBranch retries transient submission failures with backoff.
// A recognizer rejection is permanent: the same input would be
// rejected again.
func (o *Orchestrator) submitBranch(ctx context.Context, adapter adapters.Adapter,
	input adapters.JobInput) (string, int, error) {

	cfg := retry.Config{
		MaxAttempts:    o.config.Branch.MaxAttempts,
		InitialBackoff: o.config.Branch.PollInterval,
		MaxBackoff:     5 * time.Minute,
		Multiplier:     o.config.Branch.BackoffRate,
	}

	var handle string
	attempts := 0
	err := retry.Do(ctx, cfg, func() error {
		attempts++
		var submitErr error
		handle, submitErr = adapter.Submit(ctx, input)
		if errors.Is(submitErr, adapters.ErrSubmission) {
			return retry.Permanent(submitErr)
		}
		return submitErr
	})
	return handle, attempts, err
}

// pollBranch polls the external job until it reaches a terminal state
// or the branch budget runs out. Polls share a per-modality token
// bucket so many concurrent jobs cannot hammer one recognizer.
func (o *Orchestrator) pollBranch(ctx context.Context, log *logging.Logger, jobID string,
	adapter adapters.Adapter, branch models.BranchState) models.BranchState {

	consecutiveErrs := 0
	for {
		if err := o.limiter.Wait(ctx, string(branch.Kind)); err != nil {
			return o.finishBranch(log, jobID, branch, models.BranchFailed, budgetCause(ctx))
		}

		resp, err := adapter.Poll(ctx, branch.ExternalHandle)
		if err != nil {
			consecutiveErrs++
			log.Warn("poll failed", map[string]interface{}{
				"error": err.Error(), "consecutive": consecutiveErrs,
			})
			if consecutiveErrs >= o.config.Branch.MaxAttempts {
				return o.finishBranch(log, jobID, branch, models.BranchFailed,
					"polling failed: "+err.Error())
			}
		} else {
			consecutiveErrs = 0
			switch resp.State {
			case adapters.StateSucceeded:
				branch.Result = resp.Result
				return o.finishBranch(log, jobID, branch, models.BranchSucceeded, "")
			case adapters.StateFailed:
				return o.finishBranch(log, jobID, branch, models.BranchFailed, resp.Cause)
			}
		}

		select {
		case <-ctx.Done():
			return o.finishBranch(log, jobID, branch, models.BranchFailed, budgetCause(ctx))
		case <-time.After(o.config.Branch.PollInterval):
		}
	}
}

// finishBranch persists the terminal branch state and records metrics.
// A lost race against another invocation's terminal write is fine, the
// store keeps whichever landed first.
func (o *Orchestrator) finishBranch(log *logging.Logger, jobID string,
	branch models.BranchState, status models.BranchStatus, cause string) models.BranchState {

	now := time.Now()
	branch.Status = status
	branch.LastError = cause
	branch.FinishedAt = &now

	if err := o.store.UpdateBranch(jobID, branch); err != nil {
		log.Debug("branch already settled", map[string]interface{}{"error": err.Error()})
		if current, getErr := o.store.GetJob(jobID); getErr == nil {
			if existing, ok := current.Branches[branch.Kind]; ok && models.BranchTerminal(existing.Status) {
				return existing
			}
		}
	}

	if status == models.BranchSucceeded {
		log.Info("branch succeeded", map[string]interface{}{"attempts": branch.Attempts})
	} else {
		log.Warn("branch failed", map[string]interface{}{"cause": cause})
	}
	o.metrics.BranchFinished(branch.Kind, status, branch.Attempts)
	return branch
}

func budgetCause(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "time budget exceeded"
	}
	return "cancelled"
}
