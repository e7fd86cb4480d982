// Package backoff holds the per-queue retry policy. Pure: callers log the
// decisions, the policy only computes them.
package backoff

import (
	"time"

	"github.com/you/pulse/internal/domain"
)

type Strategy string

const (
	Fixed       Strategy = "fixed"
	Linear      Strategy = "linear"
	Exponential Strategy = "exponential"
)

// Policy decides whether and when a failed job runs again. Deny lists
// short-circuit to no-retry regardless of attempt count; a non-empty Allow
// list makes every other category non-retryable.
type Policy struct {
	Strategy Strategy
	Initial  time.Duration
	Max      time.Duration
	Deny     []domain.Category
	Allow    []domain.Category
}

// NextDelay returns the delay before the given attempt is retried.
// attempt is the number of finished tries (1 after the first failure).
// The result is monotonically non-decreasing and capped at Max.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Initial
	switch p.Strategy {
	case Linear:
		d = p.Initial * time.Duration(attempt)
	case Exponential:
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.Max > 0 && d >= p.Max {
				d = p.Max
				break
			}
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

// ShouldRetry reports whether a job that failed with err on the given
// finished-attempt count gets another try within maxAttempts.
func (p Policy) ShouldRetry(err error, attempt, maxAttempts int) bool {
	cat := domain.CategoryOf(err)
	for _, d := range p.Deny {
		if cat == d {
			return false
		}
	}
	if len(p.Allow) > 0 {
		allowed := false
		for _, a := range p.Allow {
			if cat == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	return attempt < maxAttempts
}
