package reconciler

import "time"

// Retryer paces re-attempts of a failed reconciler action for one task. It is attached as a tag
// on the root holder rather than owned by the engine directly, so each task in a job retries
// independently and the engine merely re-examines the diff on the next trigger (spec.md §4.6
// "Retries").
type Retryer struct {
	Attempts  int
	NextRetry time.Time
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// NewRetryer constructs a Retryer with exponential backoff bounded by maxDelay.
func NewRetryer(baseDelay, maxDelay time.Duration) *Retryer {
	return &Retryer{BaseDelay: baseDelay, MaxDelay: maxDelay}
}

// Ready reports whether a new attempt may be made at now.
func (r *Retryer) Ready(now time.Time) bool {
	return r.Attempts == 0 || !now.Before(r.NextRetry)
}

// RecordFailure advances the backoff after a failed attempt.
func (r *Retryer) RecordFailure(now time.Time) {
	r.Attempts++
	delay := r.BaseDelay << uint(r.Attempts-1)
	if delay <= 0 || delay > r.MaxDelay {
		delay = r.MaxDelay
	}
	r.NextRetry = now.Add(delay)
}

// Reset clears attempt history after a successful action.
func (r *Retryer) Reset() {
	r.Attempts = 0
	r.NextRetry = time.Time{}
}

const retryerTagKey = "retryer"

func msToDuration(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
