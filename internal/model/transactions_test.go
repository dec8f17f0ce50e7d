package model

import (
	"fmt"
	"testing"
)

func txID(n int) string {
	return fmt.Sprintf("%026d", n+1)
}

func TestValidTransactionID(t *testing.T) {
	if ValidTransactionID("") {
		t.Error("empty id accepted")
	}
	if ValidTransactionID("short") {
		t.Error("short id accepted")
	}
	if ValidTransactionID(nullTransactionID) {
		t.Error("null id accepted")
	}
	if !ValidTransactionID("01ARZ3NDEKTSV4RRFFQ69G5FAV") {
		t.Error("valid 26-char id rejected")
	}
}

func TestTxClassify(t *testing.T) {
	tests := []struct {
		eventType string
		op        string
		isStart   bool
		isEnd     bool
		status    string
	}{
		{"put_request", "put", true, false, ""},
		{"put_success", "put", false, true, "success"},
		{"get_request", "get", true, false, ""},
		{"get_success", "get", false, true, "success"},
		{"get_not_found", "get", false, true, "not_found"},
		{"update_request", "update", true, false, ""},
		{"update_success", "update", false, true, "success"},
		{"subscribe_request", "subscribe", true, false, ""},
		{"subscribed", "subscribe", false, true, "success"},
		{"connect_request_sent", "connect", true, false, ""},
		{"connect_connected", "connect", false, true, "success"},
		{"disconnect", "disconnect", true, true, "complete"},
		{"update_broadcast_emitted", "update", false, false, ""},
		{"broadcast_emitted", "broadcast", false, false, ""},
		{"seeding_started", "seeding", false, false, ""},
	}
	for _, tt := range tests {
		op, isStart, isEnd, status := txClassify(tt.eventType)
		if op != tt.op || isStart != tt.isStart || isEnd != tt.isEnd || status != tt.status {
			t.Errorf("txClassify(%q) = (%q,%v,%v,%q), want (%q,%v,%v,%q)",
				tt.eventType, op, isStart, isEnd, status, tt.op, tt.isStart, tt.isEnd, tt.status)
		}
	}
}

func TestTrackTransaction_Lifecycle(t *testing.T) {
	m := testModel(0)
	id := txID(0)
	m.Update(func(s *State) {
		s.TrackTransaction(id, "put_request", "", 1000, "peer-a", "contractK")

		tx := s.Transactions[id]
		if tx == nil {
			t.Fatal("transaction not created")
		}
		if tx.Op != "put" || tx.Status != "pending" || tx.StartNS != 1000 {
			t.Fatalf("unexpected transaction: %+v", tx)
		}

		s.TrackTransaction(id, "put_success", "", 3000, "peer-a", "contractK")
		if tx.Status != "success" || tx.EndNS != 3000 {
			t.Fatalf("completion not applied: %+v", tx)
		}
		if len(tx.Events) != 2 {
			t.Fatalf("events = %d, want 2", len(tx.Events))
		}
	})
}

func TestTrackTransaction_OnlyRetainedOpsMaterialize(t *testing.T) {
	m := testModel(0)
	m.Update(func(s *State) {
		s.TrackTransaction(txID(0), "connect_request_sent", "", 1000, "peer-a", "")
		s.TrackTransaction(txID(1), "subscribe_request", "", 1000, "peer-a", "")
		s.TrackTransaction(txID(2), "disconnect", "", 1000, "peer-a", "")
		if len(s.Transactions) != 0 {
			t.Fatalf("non-retained ops materialized: %d", len(s.Transactions))
		}

		// Once a tracked op exists, follow-up events of any kind accrue.
		s.TrackTransaction(txID(3), "get_request", "", 1000, "peer-a", "k")
		s.TrackTransaction(txID(3), "subscribe_request", "", 2000, "peer-a", "")
		if len(s.Transactions[txID(3)].Events) != 2 {
			t.Fatal("follow-up event not accrued")
		}
	})
}

func TestTrackTransaction_InvalidIDIgnored(t *testing.T) {
	m := testModel(0)
	m.Update(func(s *State) {
		s.TrackTransaction("", "put_request", "", 1000, "peer-a", "")
		s.TrackTransaction(nullTransactionID, "put_request", "", 1000, "peer-a", "")
		if len(s.Transactions) != 0 {
			t.Fatal("invalid ids tracked")
		}
	})
}

func TestTrackTransaction_DisplayType(t *testing.T) {
	m := testModel(0)
	m.Update(func(s *State) {
		s.TrackTransaction(txID(0), "get_request", "", 1000, "peer-a", "k")
		s.TrackTransaction(txID(0), "connect", "connected", 2000, "peer-a", "")

		events := s.Transactions[txID(0)].Events
		if events[1].EventType != "connected" {
			t.Fatalf("display type not used: %+v", events[1])
		}
	})
}

func TestTrackTransaction_ContractBackfill(t *testing.T) {
	m := testModel(0)
	m.Update(func(s *State) {
		s.TrackTransaction(txID(0), "put_request", "", 1000, "peer-a", "")
		s.TrackTransaction(txID(0), "put_success", "", 2000, "peer-a", "contractK")
		if s.Transactions[txID(0)].Contract != "contractK" {
			t.Fatal("contract not backfilled")
		}
	})
}

func TestPruneTransactions(t *testing.T) {
	m := New(Limits{MaxTransactions: 5})
	m.Update(func(s *State) {
		for i := 0; i < 8; i++ {
			s.TrackTransaction(txID(i), "put_request", "", int64(i), "peer-a", "")
		}
		if len(s.Transactions) != 5 || len(s.TxOrder) != 5 {
			t.Fatalf("retained = %d/%d, want 5", len(s.Transactions), len(s.TxOrder))
		}
		if _, ok := s.Transactions[txID(0)]; ok {
			t.Error("oldest transaction survived pruning")
		}
		if _, ok := s.Transactions[txID(7)]; !ok {
			t.Error("newest transaction pruned")
		}
	})
}
