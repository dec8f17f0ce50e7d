package model

import (
	"testing"
	"time"

	"github.com/mesh-observer/telemetry-hub/internal/identity"
)

func TestNetworkState_LivePeersOnly(t *testing.T) {
	now := time.Now().UnixNano()
	m := testModel(now)
	m.Update(func(s *State) {
		s.RecordPeer("1.2.3.4", 0.25, "LIVE", now)
		s.RecordPeer("5.6.7.8", 0.75, "STALE", now-(40*time.Minute).Nanoseconds())
	})

	snap := m.NetworkState(nil)
	if snap.Type != "state" {
		t.Fatalf("type = %q", snap.Type)
	}
	if len(snap.Peers) != 1 {
		t.Fatalf("peers = %d, want 1", len(snap.Peers))
	}
	if snap.Peers[0].ID != identity.AnonymizeIP("1.2.3.4") {
		t.Fatalf("wrong peer survived: %+v", snap.Peers[0])
	}
}

func TestNetworkState_EdgesRequireBothLive(t *testing.T) {
	now := time.Now().UnixNano()
	m := testModel(now)
	m.Update(func(s *State) {
		s.RecordPeer("1.2.3.4", 0.25, "", now)
		s.RecordPeer("5.6.7.8", 0.75, "", now-(40*time.Minute).Nanoseconds())
		s.RecordPeer("9.9.9.9", 0.5, "", now)
		s.RecordEdge("1.2.3.4", "5.6.7.8")
		s.RecordEdge("1.2.3.4", "9.9.9.9")
	})

	snap := m.NetworkState(nil)
	if len(snap.Connections) != 1 {
		t.Fatalf("connections = %d, want 1", len(snap.Connections))
	}
}

func TestNetworkState_GatewayDetection(t *testing.T) {
	now := time.Now().UnixNano()
	m := New(Limits{GatewayIPs: []string{"5.9.111.215"}})
	m.SetNow(func() int64 { return now })
	m.Update(func(s *State) {
		s.RecordPeer("5.9.111.215", 0.0, "", now)
		s.RecordPeer("1.2.3.4", 0.25, "GW-BY-FLAG", now)
		s.RecordPeer("9.9.9.9", 0.5, "", now)
		s.Lifecycle["GW-BY-FLAG"] = &Lifecycle{IsGateway: true, StartupTime: now}
		s.RecordEmitterIdentity("GW-BY-FLAG", "1.2.3.4")
	})

	snap := m.NetworkState(nil)
	gateways := make(map[string]bool)
	for _, p := range snap.Peers {
		gateways[p.ID] = p.IsGateway
	}
	if !gateways[identity.AnonymizeIP("5.9.111.215")] {
		t.Error("allowlisted IP not flagged as gateway")
	}
	if !gateways[identity.AnonymizeIP("1.2.3.4")] {
		t.Error("lifecycle gateway flag not applied")
	}
	if gateways[identity.AnonymizeIP("9.9.9.9")] {
		t.Error("ordinary peer flagged as gateway")
	}
}

func TestNetworkState_NamesFilteredToLivePeers(t *testing.T) {
	now := time.Now().UnixNano()
	m := testModel(now)
	m.Update(func(s *State) {
		s.RecordPeer("1.2.3.4", 0.25, "", now)
	})

	names := map[string]string{
		identity.IPHash("1.2.3.4"): "alice",
		identity.IPHash("5.6.7.8"): "ghost",
	}
	snap := m.NetworkState(names)
	if len(snap.PeerNames) != 1 {
		t.Fatalf("peer names = %v", snap.PeerNames)
	}
	if snap.PeerNames[identity.IPHash("1.2.3.4")] != "alice" {
		t.Fatal("live peer name missing")
	}
}

func TestNetworkState_LifecycleSummary(t *testing.T) {
	now := time.Now().UnixNano()
	m := testModel(now)
	m.Update(func(s *State) {
		s.RecordPeer("1.2.3.4", 0.25, "UP", now)
		s.RecordEmitterIdentity("UP", "1.2.3.4")
		s.RecordEmitterIdentity("DOWN", "1.2.3.4")
		shutdownTS := now
		s.Lifecycle["UP"] = &Lifecycle{Version: "0.1.70", StartupTime: now}
		s.Lifecycle["DOWN"] = &Lifecycle{Version: "0.1.69", StartupTime: now, ShutdownTime: &shutdownTS}
	})

	snap := m.NetworkState(nil)
	if snap.PeerLifecycle.ActiveCount != 1 {
		t.Fatalf("active = %d, want 1 (shutdown excluded)", snap.PeerLifecycle.ActiveCount)
	}
	if snap.PeerLifecycle.Versions["0.1.70"] != 1 {
		t.Fatalf("versions = %v", snap.PeerLifecycle.Versions)
	}
	if _, ok := snap.PeerLifecycle.Versions["0.1.69"]; ok {
		t.Error("shutdown peer counted in versions")
	}
}

func TestSubscriptionTrees_View(t *testing.T) {
	m := testModel(0)
	m.Update(func(s *State) {
		sub := s.SubscriptionFor("contractK")
		sub.Subscribers["peer-b"] = struct{}{}
		sub.Tree["peer-a"] = map[string]struct{}{"peer-b": {}}
		st := s.SeedingFor("contractK", "pidA")
		st.IsSeeding = true
		st.DownstreamCount = 2

		views := s.subscriptionTrees(nil)
		v := views["contractK"]
		if v == nil {
			t.Fatal("contract missing from views")
		}
		if !v.AnySeeding || v.TotalDownstream != 2 {
			t.Fatalf("seeding rollup wrong: %+v", v)
		}
		if len(v.Subscribers) != 1 || v.Subscribers[0] != "peer-b" {
			t.Fatalf("subscribers = %v", v.Subscribers)
		}
		if len(v.Tree["peer-a"]) != 1 {
			t.Fatalf("tree = %v", v.Tree)
		}
		if v.ShortKey != "contractK..." {
			t.Fatalf("short key = %q", v.ShortKey)
		}
	})
}

func TestHistorySnapshot(t *testing.T) {
	now := time.Now().UnixNano()
	m := New(Limits{InitialEvents: 2, InitialTransactions: 10})
	m.SetNow(func() int64 { return now })
	m.Update(func(s *State) {
		for i := 0; i < 5; i++ {
			s.AppendHistory(&Event{Timestamp: now + int64(i)})
		}
		s.TrackTransaction(txID(0), "put_request", "", now, "peer-a", "contractKLMNOP")
		s.TrackTransaction(txID(0), "put_success", "", now+int64(5e6), "peer-a", "")
		s.RecordPeer("1.2.3.4", 0.25, "", now)
	})

	h := m.HistorySnapshot()
	if h.Type != "history" {
		t.Fatalf("type = %q", h.Type)
	}
	if len(h.Events) != 2 {
		t.Fatalf("events = %d, want initial cap 2", len(h.Events))
	}
	if h.Events[0].Timestamp != now+3 {
		t.Fatal("initial events are not the most recent")
	}
	// Time range covers the full buffer, not just the delivered slice.
	if h.TimeRange.Start != now || h.TimeRange.End != now+4 {
		t.Fatalf("time range = %+v", h.TimeRange)
	}

	if len(h.Transactions) != 1 {
		t.Fatalf("transactions = %d", len(h.Transactions))
	}
	tx := h.Transactions[0]
	if tx.Op != "put" || tx.Status != "success" || tx.EventCount != 2 {
		t.Fatalf("tx view = %+v", tx)
	}
	if tx.DurationMs == nil || *tx.DurationMs != 5 {
		t.Fatalf("duration = %v, want 5ms", tx.DurationMs)
	}
	if tx.Contract != "contractKLMN..." || tx.ContractFull != "contractKLMNOP" {
		t.Fatalf("contract = %q / %q", tx.Contract, tx.ContractFull)
	}

	if len(h.PeerPresence) != 1 {
		t.Fatalf("presence = %d", len(h.PeerPresence))
	}
}

func TestShortKey(t *testing.T) {
	if got := ShortKey("abcdefghijklmnop"); got != "abcdefghijkl..." {
		t.Fatalf("short key = %q", got)
	}
	if got := ShortKey("short"); got != "short..." {
		t.Fatalf("short key = %q", got)
	}
}
