package worker

import (
	"sync"
	"time"
)

// rateWindow counts events into per-second buckets over a trailing minute.
type rateWindow struct {
	mu      sync.Mutex
	buckets [60]struct {
		sec   int64
		count uint64
	}
}

func (w *rateWindow) incr(now time.Time) {
	sec := now.Unix()
	i := sec % 60
	w.mu.Lock()
	if w.buckets[i].sec != sec {
		w.buckets[i].sec = sec
		w.buckets[i].count = 0
	}
	w.buckets[i].count++
	w.mu.Unlock()
}

func (w *rateWindow) perMinute(now time.Time) float64 {
	floor := now.Unix() - 60
	var total uint64
	w.mu.Lock()
	for _, b := range w.buckets {
		if b.sec > floor {
			total += b.count
		}
	}
	w.mu.Unlock()
	return float64(total)
}

// Stats is a point-in-time view of one dispatcher.
type Stats struct {
	Processed       uint64  `json:"processed"`
	Failed          uint64  `json:"failed"`
	ProcessedPerMin float64 `json:"processedPerMin"`
	FailedPerMin    float64 `json:"failedPerMin"`
}

type metrics struct {
	mu        sync.Mutex
	processed uint64
	failed    uint64
	procRate  rateWindow
	failRate  rateWindow
}

func (m *metrics) success(now time.Time) {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
	m.procRate.incr(now)
}

func (m *metrics) failure(now time.Time) {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
	m.failRate.incr(now)
}

func (m *metrics) snapshot(now time.Time) Stats {
	m.mu.Lock()
	s := Stats{Processed: m.processed, Failed: m.failed}
	m.mu.Unlock()
	s.ProcessedPerMin = m.procRate.perMinute(now)
	s.FailedPerMin = m.failRate.perMinute(now)
	return s
}
