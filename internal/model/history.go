package model

// eventHistory is a bounded FIFO of outbound events. Events arrive in
// approximately chronological order, so dropping from the front on overflow
// keeps the most recent window.
type eventHistory struct {
	events  []*Event
	appends int
}

func (h *eventHistory) append(ev *Event, max int) {
	h.events = append(h.events, ev)
	if len(h.events) > max {
		h.events = h.events[1:]
	}
	h.appends++
}

// pruneBefore drops events older than cutoff from the front.
func (h *eventHistory) pruneBefore(cutoff int64) {
	i := 0
	for i < len(h.events) && h.events[i].Timestamp < cutoff {
		i++
	}
	if i > 0 {
		h.events = h.events[i:]
	}
}

// Len returns the number of retained history events.
func (h *eventHistory) Len() int {
	return len(h.events)
}

// AppendHistory stores an outbound event in the history buffer and prunes
// expired events every 100 appends.
func (s *State) AppendHistory(ev *Event) {
	s.History.append(ev, s.limits.MaxHistoryEvents)
	if s.History.appends%100 == 0 {
		s.PruneOldEvents()
	}
}

// PruneOldEvents removes history events older than the retention window.
func (s *State) PruneOldEvents() {
	cutoff := s.nowNS() - s.limits.MaxHistoryAge.Nanoseconds()
	s.History.pruneBefore(cutoff)
}

// HistoryLen returns the current history buffer size.
func (s *State) HistoryLen() int {
	return s.History.Len()
}

// AppendTransfer stores a transport-layer completion record, keeping the
// most recent MaxTransferEvents.
func (s *State) AppendTransfer(t *TransferEvent) {
	s.Transfers = append(s.Transfers, t)
	if len(s.Transfers) > s.limits.MaxTransferEvents {
		s.Transfers = s.Transfers[len(s.Transfers)-s.limits.MaxTransferEvents:]
	}
}
