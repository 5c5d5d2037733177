package controller

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/opensafely-core/job-runner/internal/model"
)

// safeIntake wraps intake with a recover boundary: a panic anywhere in the
// expand path must not take down the whole tick.
func (c *Controller) safeIntake(ctx context.Context, backend string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller: intake panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.intake(ctx, backend)
}

// safeExpand wraps expand per JobRequest, so one malformed pipeline document
// only fails that one request.
func (c *Controller) safeExpand(ctx context.Context, jr *model.JobRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller: expand panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.expand(ctx, jr)
}

// safeCancellations wraps cancellations.
func (c *Controller) safeCancellations(ctx context.Context, backend string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller: cancellations panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.cancellations(ctx, backend)
}

// safeMaintenance wraps the DB-maintenance probe issuance and reboot-prep
// cancellation sweep, both of which act on backend-level flags rather than
// individual jobs.
func (c *Controller) safeMaintenance(ctx context.Context, backend string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller: maintenance panic: %v\n%s", r, debug.Stack())
		}
	}()
	if err := c.maybeIssueDBStatusProbe(ctx, backend); err != nil {
		return err
	}
	return c.maybeEnterRebootPrep(ctx, backend)
}

// safeEvaluate wraps the per-backend evaluate pass. evaluate itself wraps
// each individual Job's evaluation in its own recover boundary
// (safeEvaluateJob below), so this one only protects the pass's setup code
// (listing jobs, counting slots) — the actual per-job-evaluation boundary
// spec.md §7 asks for.
func (c *Controller) safeEvaluate(ctx context.Context, backend string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller: evaluate panic: %v\n%s", r, debug.Stack())
		}
	}()
	return c.evaluate(ctx, backend)
}

// safeEvaluateJob evaluates a single Job behind a recover boundary and,
// should it recover from a panic or receive an error from evaluateJob,
// forces the Job to INTERNAL_ERROR once it has done so more than
// MaxTaskRetries times in a row — the same budget governs both non-fatal
// task retries and this escalation threshold, since both represent "how
// many times do we tolerate this job misbehaving before giving up on it".
func (c *Controller) safeEvaluateJob(ctx context.Context, job *model.Job, ec *evalContext) {
	err := c.evaluateJobRecovered(ctx, job, ec)
	if err == nil {
		c.internalErrorStreak[job.ID] = 0
		return
	}

	c.internalErrorStreak[job.ID]++
	streak := c.internalErrorStreak[job.ID]
	c.emitJobEvaluationError(job, err, streak)

	if streak <= c.MaxTaskRetries {
		return
	}

	c.forceInternalError(ctx, job, err, streak)
	delete(c.internalErrorStreak, job.ID)
}

func (c *Controller) evaluateJobRecovered(ctx context.Context, job *model.Job, ec *evalContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("controller: evaluate job %s panic: %v\n%s", job.ID, r, debug.Stack())
		}
	}()
	return c.evaluateJob(ctx, job, ec)
}
