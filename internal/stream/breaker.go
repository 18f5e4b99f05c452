package stream

import (
	"fmt"
	"math"
	"time"
)

// backoffDelay returns the wait after the n-th consecutive failure (n >= 1).
// Failures past the end of the table reuse its last entry.
func backoffDelay(table []time.Duration, n int) time.Duration {
	if len(table) == 0 {
		return 0
	}
	i := n - 1
	if i < 0 {
		i = 0
	}
	if i >= len(table) {
		i = len(table) - 1
	}
	return table[i]
}

// recordFailure counts a failed session and moves the breaker. It returns
// the retry delay, or tripped=true when the breaker opened and the caller must
// wait out the cooldown instead.
func recordFailure(s *Status, err error, now time.Time, set Settings) (delay time.Duration, tripped bool) {
	s.ConsecutiveFailures++
	s.RetryCount++
	s.ExtractorConnected = false
	s.SessionConnected = false

	if s.Breaker == BreakerHalfOpen || s.ConsecutiveFailures >= set.MaxFailures {
		at := now.Add(set.Cooldown)
		s.Breaker = BreakerOpen
		s.BreakerOpenedAt = &now
		s.State = StateFailed
		s.NextRetryAt = &at
		s.LastRetryDelay = set.Cooldown
		s.Error = displayMessage(fmt.Sprintf("%s: %s", breakerMessage(set.Cooldown), displayError(err)))
		s.ErrorCategory = CategoryCircuitOpen
		return 0, true
	}

	delay = backoffDelay(set.Backoff, s.ConsecutiveFailures)
	at := now.Add(delay)
	s.State = StateRetrying
	s.NextRetryAt = &at
	s.LastRetryDelay = delay
	s.Error = displayError(err)
	s.ErrorCategory = categoryOf(err)
	return delay, false
}

// recordSuccess resets failure accounting after a session that streamed audio
// and ended cleanly. The worker reconnects after the first backoff step.
func recordSuccess(s *Status, now time.Time, set Settings) time.Duration {
	delay := backoffDelay(set.Backoff, 1)
	at := now.Add(delay)
	forgive(s)
	s.ExtractorConnected = false
	s.SessionConnected = false
	s.State = StateRetrying
	s.NextRetryAt = &at
	s.LastRetryDelay = delay
	s.Error = ""
	s.ErrorCategory = ""
	return delay
}

// forgive clears the failure streak and closes the breaker.
func forgive(s *Status) {
	s.ConsecutiveFailures = 0
	s.RetryCount = 0
	s.Breaker = BreakerClosed
	s.BreakerOpenedAt = nil
}

func breakerMessage(remaining time.Duration) string {
	return fmt.Sprintf("circuit breaker open, retrying in %ds", int64(math.Ceil(remaining.Seconds())))
}
