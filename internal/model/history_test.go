package model

import (
	"testing"
	"time"
)

func TestAppendHistory_CapacityBound(t *testing.T) {
	m := New(Limits{MaxHistoryEvents: 10})
	m.SetNow(func() int64 { return time.Now().UnixNano() })
	now := time.Now().UnixNano()
	m.Update(func(s *State) {
		for i := 0; i < 25; i++ {
			s.AppendHistory(&Event{Timestamp: now + int64(i)})
		}
		if s.HistoryLen() != 10 {
			t.Fatalf("history len = %d, want 10", s.HistoryLen())
		}
		if s.History.events[0].Timestamp != now+15 {
			t.Fatalf("oldest retained = %d, want %d", s.History.events[0].Timestamp, now+15)
		}
	})
}

func TestPruneOldEvents(t *testing.T) {
	now := time.Now().UnixNano()
	m := testModel(now)
	m.Update(func(s *State) {
		old := now - (3 * time.Hour).Nanoseconds()
		fresh := now - (1 * time.Hour).Nanoseconds()
		s.AppendHistory(&Event{Timestamp: old})
		s.AppendHistory(&Event{Timestamp: fresh})

		s.PruneOldEvents()
		if s.HistoryLen() != 1 {
			t.Fatalf("history len = %d, want 1", s.HistoryLen())
		}
		if s.History.events[0].Timestamp != fresh {
			t.Fatal("wrong event pruned")
		}
	})
}

func TestAppendTransfer_Bound(t *testing.T) {
	m := New(Limits{MaxTransferEvents: 3})
	m.Update(func(s *State) {
		for i := 0; i < 5; i++ {
			s.AppendTransfer(&TransferEvent{Timestamp: int64(i)})
		}
		if len(s.Transfers) != 3 {
			t.Fatalf("transfers = %d, want 3", len(s.Transfers))
		}
		if s.Transfers[0].Timestamp != 2 {
			t.Fatalf("oldest retained = %d, want 2", s.Transfers[0].Timestamp)
		}
	})
}
