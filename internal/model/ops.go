package model

import (
	"sort"
	"time"
)

const (
	maxLatencySamples = 1000
	// Latency samples above this are treated as clock skew and discarded.
	maxSaneLatencyMs = float64(5 * time.Minute / time.Millisecond)
)

// OpCounters aggregates one operation kind's counters and latency samples.
type OpCounters struct {
	Requests   int
	Successes  int
	NotFound   int
	Broadcasts int
	Latencies  []float64
}

// OpStats is the per-operation statistics table.
type OpStats struct {
	Put       OpCounters
	Get       OpCounters
	Update    OpCounters
	Subscribe OpCounters
}

func newOpStats() OpStats {
	return OpStats{}
}

// Counters returns the counter block for an op kind, or nil for kinds that
// are not tracked.
func (o *OpStats) Counters(op string) *OpCounters {
	switch op {
	case "put":
		return &o.Put
	case "get":
		return &o.Get
	case "update":
		return &o.Update
	case "subscribe":
		return &o.Subscribe
	}
	return nil
}

// AddLatency appends one latency sample in milliseconds, keeping the most
// recent maxLatencySamples and discarding insane values.
func (c *OpCounters) AddLatency(ms float64) {
	if ms <= 0 || ms >= maxSaneLatencyMs {
		return
	}
	c.Latencies = append(c.Latencies, ms)
	if len(c.Latencies) > maxLatencySamples {
		c.Latencies = c.Latencies[len(c.Latencies)-maxLatencySamples:]
	}
}

// CompletePending resolves a pending op: removes the entry and, when ok,
// records a latency sample against the op's counters.
func (s *State) CompletePending(txID string, ts int64, recordLatency bool) {
	if txID == "" {
		return
	}
	pending, ok := s.PendingOps[txID]
	if !ok {
		return
	}
	delete(s.PendingOps, txID)
	if !recordLatency {
		return
	}
	if c := s.OpStats.Counters(pending.Op); c != nil {
		c.AddLatency(float64(ts-pending.StartNS) / 1e6)
	}
}

// LatencyPercentiles are the computed latency quantiles in milliseconds.
// Nil fields mean too few samples.
type LatencyPercentiles struct {
	P50 *float64 `json:"p50"`
	P95 *float64 `json:"p95"`
	P99 *float64 `json:"p99"`
}

// Percentiles computes p50/p95/p99 over the retained samples. p95 requires
// at least two samples and p99 at least three.
func (c *OpCounters) Percentiles() LatencyPercentiles {
	n := len(c.Latencies)
	if n == 0 {
		return LatencyPercentiles{}
	}
	sorted := make([]float64, n)
	copy(sorted, c.Latencies)
	sort.Float64s(sorted)

	out := LatencyPercentiles{}
	p50 := sorted[min(int(float64(n)*0.50), n-1)]
	out.P50 = &p50
	if n > 1 {
		p95 := sorted[min(int(float64(n)*0.95), n-1)]
		out.P95 = &p95
	}
	if n > 2 {
		p99 := sorted[min(int(float64(n)*0.99), n-1)]
		out.P99 = &p99
	}
	return out
}
