package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// RetryPolicy decides whether and when a failed job runs again.
type RetryPolicy interface {
	ShouldRetry(attemptsMade, maxAttempts uint32) bool
	NextDelay(attemptsMade uint32) time.Duration
}

// Activate moves a WAITING job to ACTIVE. processedAt is stamped only on the
// first dequeue; startedAt is stamped on every episode.
func (j *Job) Activate(now time.Time) error {
	if j.Status != StatusWaiting {
		return transitionError(j, "activate")
	}
	j.Status = StatusActive
	j.DelayUntil = nil
	if j.ProcessedAt == nil {
		j.ProcessedAt = timePtr(now)
	}
	j.StartedAt = timePtr(now)
	j.record(StatusActive, now, fmt.Sprintf("attempt %d of %d started", j.AttemptsMade+1, j.MaxAttempts))
	return nil
}

// Complete moves an ACTIVE job to COMPLETED.
func (j *Job) Complete(result json.RawMessage, now time.Time) error {
	if j.Status != StatusActive {
		return transitionError(j, "complete")
	}
	j.Status = StatusCompleted
	j.Result = cloneBytes(result)
	j.CompletedAt = timePtr(now)
	j.record(StatusCompleted, now, "completed")
	return nil
}

// Fail records a failed attempt of an ACTIVE job. The job goes back to
// WAITING with a backoff delay while attempts remain, otherwise to FAILED.
// It returns true when the job was scheduled for another attempt.
func (j *Job) Fail(cause error, policy RetryPolicy, now time.Time) (bool, error) {
	if j.Status != StatusActive {
		return false, transitionError(j, "fail")
	}
	if cause == nil {
		cause = errors.New("unknown failure")
	}

	j.AttemptsMade++
	j.LastError = cause.Error()
	j.LastFailureKind = KindOf(cause)

	if policy.ShouldRetry(j.AttemptsMade, j.MaxAttempts) {
		delay := policy.NextDelay(j.AttemptsMade)
		j.Status = StatusWaiting
		j.DelayUntil = timePtr(now.Add(delay))
		j.record(StatusWaiting, now, fmt.Sprintf("%s: %s (retry %d/%d in %s)",
			j.LastFailureKind, j.LastError, j.AttemptsMade, j.MaxAttempts, delay))
		return true, nil
	}

	j.Status = StatusFailed
	j.FailedAt = timePtr(now)
	j.record(StatusFailed, now, fmt.Sprintf("%s: %s (attempts exhausted %d/%d)",
		j.LastFailureKind, j.LastError, j.AttemptsMade, j.MaxAttempts))
	return false, nil
}

// Claim identifies one ACTIVE episode of a job. A worker reports its outcome
// against the claim it dequeued, so a job that was recovered and claimed
// again in the meantime rejects the stale report.
type Claim struct {
	JobID     string
	StartedAt time.Time
}

// CurrentClaim returns the episode j is in
func (j *Job) CurrentClaim() Claim {
	c := Claim{JobID: j.ID}
	if j.StartedAt != nil {
		c.StartedAt = *j.StartedAt
	}
	return c
}

// CheckClaim returns ErrInvalidTransition unless j is ACTIVE in episode c
func (j *Job) CheckClaim(c Claim) error {
	if j.Status != StatusActive {
		return transitionError(j, "report")
	}
	if current := j.CurrentClaim(); current.JobID != c.JobID || !current.StartedAt.Equal(c.StartedAt) {
		return fmt.Errorf("%w: job %s was claimed again at %s", ErrInvalidTransition, j.ID,
			current.StartedAt.Format(time.RFC3339Nano))
	}
	return nil
}

func transitionError(j *Job, op string) error {
	return fmt.Errorf("%w: cannot %s job %s in status %s", ErrInvalidTransition, op, j.ID, j.Status)
}
