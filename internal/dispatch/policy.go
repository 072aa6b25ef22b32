package dispatch

import "checkin-platform/internal/queue"

// RetryPolicy decides where an entry goes after a failed dispatch attempt.
// There is no backoff; the poll interval is the retry spacing.
type RetryPolicy struct{}

// Next assumes the claim already incremented the attempt counter, so an
// entry on its last permitted attempt is exhausted here, not one cycle later.
func (RetryPolicy) Next(e queue.Entry) queue.Status {
	if e.AttemptCount >= e.MaxAttempts {
		return queue.StatusFailed
	}
	return queue.StatusPending
}
