package sweep

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-observer/telemetry-hub/internal/hub"
	"github.com/mesh-observer/telemetry-hub/internal/model"
)

func testSetup(nowNS int64) (*Sweeper, *model.Model, *hub.Client) {
	m := model.New(model.Limits{})
	m.SetNow(func() int64 { return nowNS })
	h := hub.New(200*time.Millisecond, 100, zap.NewNop())
	c := hub.NewClient(nil, "9.9.9.9", "hash99", "peer-99", false, 100, zap.NewNop())
	h.Add(c)
	return New(m, h, time.Minute, zap.NewNop()), m, c
}

func TestSweep_RemovesStaleAndAnnounces(t *testing.T) {
	now := time.Now().UnixNano()
	s, m, c := testSetup(now)
	m.Update(func(st *model.State) {
		st.RecordPeer("1.2.3.4", 0.25, "STALE", now-(40*time.Minute).Nanoseconds())
		st.RecordPeer("5.6.7.8", 0.75, "FRESH", now)
		st.RecordEdge("1.2.3.4", "5.6.7.8")
	})

	s.sweep()

	m.Read(func(st *model.State) {
		if _, ok := st.Peers["1.2.3.4"]; ok {
			t.Error("stale peer survived")
		}
		if _, ok := st.Peers["5.6.7.8"]; !ok {
			t.Error("fresh peer removed")
		}
		if len(st.Connections) != 0 {
			t.Error("edge to stale peer survived")
		}
	})

	// One removal announcement reaches the client queue.
	if c.QueueLen() != 1 {
		t.Fatalf("queued messages = %d, want 1", c.QueueLen())
	}
}

func TestSweep_QuietWhenNothingStale(t *testing.T) {
	now := time.Now().UnixNano()
	s, m, c := testSetup(now)
	m.Update(func(st *model.State) {
		st.RecordPeer("5.6.7.8", 0.75, "FRESH", now)
	})

	s.sweep()

	if c.QueueLen() != 0 {
		t.Fatalf("queued messages = %d, want 0", c.QueueLen())
	}
}

func TestSweep_DropsLeakedPendingOps(t *testing.T) {
	now := time.Now().UnixNano()
	s, m, _ := testSetup(now)
	m.Update(func(st *model.State) {
		st.PendingOps["old"] = model.PendingOp{Op: "get", StartNS: now - (10 * time.Minute).Nanoseconds()}
		st.PendingOps["new"] = model.PendingOp{Op: "put", StartNS: now}
	})

	s.sweep()

	m.Read(func(st *model.State) {
		if _, ok := st.PendingOps["old"]; ok {
			t.Error("leaked pending op survived")
		}
		if _, ok := st.PendingOps["new"]; !ok {
			t.Error("fresh pending op removed")
		}
	})
}
