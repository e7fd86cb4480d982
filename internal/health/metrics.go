package health

import (
	"fmt"
	"io"
	"sort"
)

// WriteMetrics renders a report in a line-oriented exposition format:
// one gauge or counter per line, labels in braces.
func WriteMetrics(w io.Writer, r *Report) {
	up := 1
	if r.Status == Unhealthy {
		up = 0
	}
	fmt.Fprintf(w, "pulse_up %d\n", up)
	fmt.Fprintf(w, "pulse_uptime_seconds %.0f\n", r.UptimeSeconds)
	fmt.Fprintf(w, "pulse_connections %d\n", r.Connections)
	fmt.Fprintf(w, "pulse_online_agents %d\n", r.OnlineAgents)

	for _, c := range r.Checks {
		v := 0
		if c.Status == Healthy {
			v = 1
		}
		fmt.Fprintf(w, "pulse_component_up{component=%q} %d\n", c.Name, v)
		fmt.Fprintf(w, "pulse_component_latency_ms{component=%q} %.3f\n", c.Name, c.LatencyMS)
	}

	names := make([]string, 0, len(r.Queues))
	for name := range r.Queues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		q := r.Queues[name]
		states := []struct {
			state string
			n     int
		}{
			{"waiting", q.Waiting},
			{"active", q.Active},
			{"completed", q.Completed},
			{"failed", q.Failed},
			{"delayed", q.Delayed},
		}
		for _, s := range states {
			fmt.Fprintf(w, "pulse_queue_jobs{queue=%q,state=%q} %d\n", name, s.state, s.n)
		}
		fmt.Fprintf(w, "pulse_queue_processed_per_minute{queue=%q} %.0f\n", name, q.ProcessedPerMin)
		fmt.Fprintf(w, "pulse_queue_failed_per_minute{queue=%q} %.0f\n", name, q.FailedPerMin)
		fmt.Fprintf(w, "pulse_dlq_backlog{queue=%q} %d\n", name, q.DLQBacklog)
	}
}
