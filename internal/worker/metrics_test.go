package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsCounts(t *testing.T) {
	var m metrics
	now := time.Now()
	m.success(now)
	m.success(now)
	m.failure(now)

	s := m.snapshot(now)
	assert.Equal(t, uint64(2), s.Processed)
	assert.Equal(t, uint64(1), s.Failed)
	assert.Equal(t, float64(2), s.ProcessedPerMin)
	assert.Equal(t, float64(1), s.FailedPerMin)
}

func TestRateWindowExpires(t *testing.T) {
	var w rateWindow
	now := time.Now()
	w.incr(now)
	w.incr(now)

	assert.Equal(t, float64(2), w.perMinute(now))
	assert.Equal(t, float64(0), w.perMinute(now.Add(2*time.Minute)),
		"events fall out of the trailing minute")
}

func TestRateWindowBucketReuse(t *testing.T) {
	var w rateWindow
	base := time.Now()
	w.incr(base)
	// Same bucket index one minute later must not double-count.
	w.incr(base.Add(time.Minute))
	assert.Equal(t, float64(1), w.perMinute(base.Add(time.Minute)))
}
