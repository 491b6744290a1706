package bridge

import "time"

// outcome is the result of one stream attempt.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeRetryAfter
	outcomeExhausted
)

// schedule is the bounded retry plan: a fixed attempt budget with
// exponential backoff (base, doubling per attempt).
type schedule struct {
	base        time.Duration
	maxAttempts int
}

// next classifies what follows a failed attempt n (1-based) and, for a
// retry, how long to wait first.
func (s schedule) next(attempt int) (outcome, time.Duration) {
	if attempt >= s.maxAttempts {
		return outcomeExhausted, 0
	}
	return outcomeRetryAfter, s.base << (attempt - 1)
}
