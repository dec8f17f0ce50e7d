package model

import "strings"

const nullTransactionID = "00000000000000000000000000"

// trackedTxOps are the only operation kinds retained in the transaction log.
// Subscribe and connect transactions are frequent enough to push contract
// operations out of the buffer within minutes.
var trackedTxOps = map[string]bool{
	"put": true, "get": true, "update": true, "broadcast": true,
}

// TxEvent is one correlated event inside a transaction.
type TxEvent struct {
	Timestamp int64  `json:"timestamp"`
	EventType string `json:"event_type"`
	PeerID    string `json:"peer_id"`
}

// Transaction is a correlated sequence of events sharing a transaction id.
type Transaction struct {
	Op       string
	Contract string
	Events   []TxEvent
	StartNS  int64
	EndNS    int64
	Status   string
}

// ValidTransactionID reports whether id is a usable 26-character non-zero
// transaction id.
func ValidTransactionID(id string) bool {
	return len(id) == 26 && id != nullTransactionID
}

// txClassify derives the op kind and terminal semantics from a routing
// event kind.
func txClassify(eventType string) (op string, isStart, isEnd bool, status string) {
	switch {
	case strings.HasPrefix(eventType, "put_"):
		op = "put"
		switch eventType {
		case "put_request":
			isStart = true
		case "put_success":
			isEnd, status = true, "success"
		}
	case strings.HasPrefix(eventType, "get_"):
		op = "get"
		switch eventType {
		case "get_request":
			isStart = true
		case "get_success":
			isEnd, status = true, "success"
		case "get_not_found":
			isEnd, status = true, "not_found"
		}
	case strings.HasPrefix(eventType, "update_"):
		op = "update"
		switch eventType {
		case "update_request":
			isStart = true
		case "update_success":
			isEnd, status = true, "success"
		}
	case strings.HasPrefix(eventType, "subscribe"):
		op = "subscribe"
		switch eventType {
		case "subscribe_request":
			isStart = true
		case "subscribed":
			isEnd, status = true, "success"
		}
	case strings.HasPrefix(eventType, "connect"):
		op = "connect"
		switch eventType {
		case "connect_request_sent":
			isStart = true
		case "connect_connected":
			isEnd, status = true, "success"
		}
	case eventType == "disconnect":
		op = "disconnect"
		isStart, isEnd, status = true, true, "complete"
	case strings.Contains(eventType, "broadcast"):
		op = "broadcast"
	default:
		if i := strings.IndexByte(eventType, '_'); i > 0 {
			op = eventType[:i]
		} else if eventType != "" {
			op = eventType
		} else {
			op = "other"
		}
	}
	return op, isStart, isEnd, status
}

// TrackTransaction accrues one event into the transaction log. The first
// event of a retained op kind materializes the transaction; events for
// non-retained kinds are dropped unless the transaction already exists.
// displayType refines the event kind shown in the timeline (the body type
// for connect-family events).
func (s *State) TrackTransaction(txID, eventType, displayType string, ts int64, peerID, contract string) {
	if !ValidTransactionID(txID) {
		return
	}
	if displayType == "" {
		displayType = eventType
	}

	op, isStart, isEnd, status := txClassify(eventType)

	tx, exists := s.Transactions[txID]
	if !exists {
		if !trackedTxOps[op] {
			return
		}
		st := "complete"
		if isStart && !isEnd {
			st = "pending"
		}
		tx = &Transaction{
			Op:       op,
			Contract: contract,
			StartNS:  ts,
			Status:   st,
		}
		s.Transactions[txID] = tx
		s.TxOrder = append(s.TxOrder, txID)
		s.pruneTransactions()
	}

	tx.Events = append(tx.Events, TxEvent{Timestamp: ts, EventType: displayType, PeerID: peerID})

	if ts < tx.StartNS {
		tx.StartNS = ts
	}
	if isEnd {
		tx.EndNS = ts
		if status == "" {
			status = "complete"
		}
		tx.Status = status
	} else if ts > tx.EndNS {
		tx.EndNS = ts
	}
	if contract != "" && tx.Contract == "" {
		tx.Contract = contract
	}
}

func (s *State) pruneTransactions() {
	max := s.limits.MaxTransactions
	for len(s.TxOrder) > max {
		old := s.TxOrder[0]
		s.TxOrder = s.TxOrder[1:]
		delete(s.Transactions, old)
	}
}
