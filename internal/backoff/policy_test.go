package backoff

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"

	"github.com/you/pulse/internal/domain"
)

func TestNextDelayFixed(t *testing.T) {
	p := Policy{Strategy: Fixed, Initial: 2 * time.Second}
	assert.Equal(t, 2*time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(5))
}

func TestNextDelayLinear(t *testing.T) {
	p := Policy{Strategy: Linear, Initial: time.Second, Max: 3 * time.Second}
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 3*time.Second, p.NextDelay(3))
	assert.Equal(t, 3*time.Second, p.NextDelay(10), "capped at max")
}

func TestNextDelayExponential(t *testing.T) {
	p := Policy{Strategy: Exponential, Initial: time.Second, Max: time.Minute}
	assert.Equal(t, time.Second, p.NextDelay(1))
	assert.Equal(t, 2*time.Second, p.NextDelay(2))
	assert.Equal(t, 4*time.Second, p.NextDelay(3))
	assert.Equal(t, 32*time.Second, p.NextDelay(6))
	assert.Equal(t, time.Minute, p.NextDelay(7), "capped at max")
	assert.Equal(t, time.Minute, p.NextDelay(50), "large attempt counts stay capped")
}

func TestNextDelayMonotone(t *testing.T) {
	p := Policy{Strategy: Exponential, Initial: 500 * time.Millisecond, Max: 30 * time.Second}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 20; attempt++ {
		d := p.NextDelay(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		prev = d
	}
}

func TestNextDelayAttemptFloor(t *testing.T) {
	p := Policy{Strategy: Exponential, Initial: time.Second}
	assert.Equal(t, time.Second, p.NextDelay(0))
	assert.Equal(t, time.Second, p.NextDelay(-3))
}

func TestShouldRetryBudget(t *testing.T) {
	p := Policy{Strategy: Fixed, Initial: time.Second}
	err := errors.New("boom")
	assert.True(t, p.ShouldRetry(err, 1, 3))
	assert.True(t, p.ShouldRetry(err, 2, 3))
	assert.False(t, p.ShouldRetry(err, 3, 3), "budget exhausted")
}

func TestShouldRetryDenyShortCircuits(t *testing.T) {
	p := Policy{
		Strategy: Fixed,
		Initial:  time.Second,
		Deny:     []domain.Category{domain.CategoryValidation, domain.CategoryPermission},
	}
	bad := domain.Categorize(domain.CategoryValidation, errors.New("malformed"))
	assert.False(t, p.ShouldRetry(bad, 1, 10), "denied category never retries")

	forbidden := domain.Categorize(domain.CategoryPermission, errors.New("forbidden"))
	assert.False(t, p.ShouldRetry(forbidden, 1, 10))

	assert.True(t, p.ShouldRetry(errors.New("boom"), 1, 10), "uncategorized errors still retry")
}

func TestShouldRetryAllowList(t *testing.T) {
	p := Policy{
		Strategy: Fixed,
		Initial:  time.Second,
		Allow:    []domain.Category{domain.CategoryTransient},
	}
	flaky := domain.Categorize(domain.CategoryTransient, errors.New("timeout"))
	assert.True(t, p.ShouldRetry(flaky, 1, 3))

	assert.False(t, p.ShouldRetry(errors.New("boom"), 1, 3),
		"non-allowed category does not retry")
}

func TestShouldRetryDenyWinsOverAllow(t *testing.T) {
	p := Policy{
		Strategy: Fixed,
		Initial:  time.Second,
		Deny:     []domain.Category{domain.CategoryTransient},
		Allow:    []domain.Category{domain.CategoryTransient},
	}
	flaky := domain.Categorize(domain.CategoryTransient, errors.New("timeout"))
	assert.False(t, p.ShouldRetry(flaky, 1, 3))
}
