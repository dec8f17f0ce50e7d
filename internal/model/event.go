package model

// Event is one outbound event streamed to dashboard clients. Optional fields
// are omitted from the wire encoding when unset.
type Event struct {
	Type       string   `json:"type"`
	Timestamp  int64    `json:"timestamp"`
	EventType  string   `json:"event_type"`
	PeerID     string   `json:"peer_id"`
	PeerIPHash string   `json:"peer_ip_hash,omitempty"`
	Location   *float64 `json:"location"`
	TimeStr    string   `json:"time_str,omitempty"`

	FromPeer     string   `json:"from_peer,omitempty"`
	FromLocation *float64 `json:"from_location,omitempty"`
	ToPeer       string   `json:"to_peer,omitempty"`
	ToLocation   *float64 `json:"to_location,omitempty"`

	Connection    []string `json:"connection,omitempty"`
	Disconnection []string `json:"disconnection,omitempty"`

	Contract     string `json:"contract,omitempty"`
	ContractFull string `json:"contract_full,omitempty"`

	StateHash       string `json:"state_hash,omitempty"`
	StateHashBefore string `json:"state_hash_before,omitempty"`
	StateHashAfter  string `json:"state_hash_after,omitempty"`

	TxID string `json:"tx_id,omitempty"`

	// Transfer carries transport-layer completion details when EventType is
	// "transfer_completed"; nil for every other kind.
	Transfer *TransferEvent `json:"transfer,omitempty"`
}

// TransferEvent is one transport-layer completion record kept in the
// transfer ring buffer.
type TransferEvent struct {
	Type          string  `json:"type"`
	Timestamp     int64   `json:"timestamp"`
	PeerID        string  `json:"peer_id"`
	Direction     string  `json:"direction"`
	Bytes         int64   `json:"bytes"`
	ElapsedMs     float64 `json:"elapsed_ms"`
	ThroughputBps float64 `json:"throughput_bps"`
	Cwnd          int64   `json:"cwnd"`
	RttMs         float64 `json:"rtt_ms"`
	Slowdowns     int     `json:"slowdowns"`
	Timeouts      int     `json:"timeouts"`
}
