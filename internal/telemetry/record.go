// Package telemetry decodes the OTEL-style JSONL envelopes written by overlay
// peers into typed records. Each log line is a batch document
// {resourceLogs:[{scopeLogs:[{logRecords:[...]}]}]}; unknown fields anywhere
// in the envelope are tolerated.
package telemetry

import (
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
)

type envelope struct {
	ResourceLogs []struct {
		ScopeLogs []struct {
			LogRecords []rawRecord `json:"logRecords"`
		} `json:"scopeLogs"`
	} `json:"resourceLogs"`
}

type rawRecord struct {
	TimeUnixNano json.RawMessage `json:"timeUnixNano"`
	Attributes   []rawAttribute  `json:"attributes"`
	Body         struct {
		StringValue string `json:"stringValue"`
	} `json:"body"`
}

type rawAttribute struct {
	Key   string `json:"key"`
	Value struct {
		StringValue string   `json:"stringValue"`
		DoubleValue *float64 `json:"doubleValue"`
	} `json:"value"`
}

// Record is one decoded telemetry log record.
type Record struct {
	// Timestamp is integer nanoseconds since the UNIX epoch.
	Timestamp int64
	// Attrs is the flattened attribute map. Double values are rendered the
	// way strconv formats them so downstream code sees strings throughout.
	Attrs map[string]string
	// Body is the decoded JSON body. Zero-valued when the body was empty or
	// malformed; a bad body never fails the record.
	Body Body
}

// Body carries every body field the interpreter consumes. Unknown fields are
// dropped by decoding.
type Body struct {
	Type string `json:"type"`

	ID            string `json:"id"`
	ContractKey   string `json:"contract_key"`
	Key           string `json:"key"`
	InstanceID    string `json:"instance_id"`
	StateHash     string `json:"state_hash"`
	StateHashPre  string `json:"state_hash_before"`
	StateHashPost string `json:"state_hash_after"`

	ThisPeer      string `json:"this_peer"`
	ConnectedPeer string `json:"connected_peer"`
	Target        string `json:"target"`
	Requester     string `json:"requester"`
	Subscriber    string `json:"subscriber"`
	Upstream      string `json:"upstream"`
	Sender        string `json:"sender"`

	FromAddr          string `json:"from_addr"`
	ToAddr            string `json:"to_addr"`
	PeerAddr          string `json:"peer_addr"`
	ThisPeerAddr      string `json:"this_peer_addr"`
	FromPeerAddr      string `json:"from_peer_addr"`
	ConnectedPeerAddr string `json:"connected_peer_addr"`

	BroadcastTo []string `json:"broadcast_to"`

	IsSeeding       bool     `json:"is_seeding"`
	Downstream      []string `json:"downstream"`
	DownstreamCount int      `json:"downstream_count"`
	Reason          string   `json:"reason"`

	Version   string `json:"version"`
	Arch      string `json:"arch"`
	OS        string `json:"os"`
	OSVersion string `json:"os_version"`
	IsGateway bool   `json:"is_gateway"`
	Graceful  bool   `json:"graceful"`

	Direction        string  `json:"direction"`
	BytesTransferred int64   `json:"bytes_transferred"`
	ElapsedMs        float64 `json:"elapsed_ms"`
	AvgThroughputBps float64 `json:"avg_throughput_bps"`
	FinalCwndBytes   int64   `json:"final_cwnd_bytes"`
	FinalSrttMs      float64 `json:"final_srtt_ms"`
	Slowdowns        int     `json:"slowdowns_triggered"`
	TotalTimeouts    int     `json:"total_timeouts"`
}

// Contract returns the contract key, checking the field aliases telemetry
// uses depending on the event kind.
func (b *Body) Contract() string {
	if b.ContractKey != "" {
		return b.ContractKey
	}
	if b.Key != "" {
		return b.Key
	}
	return b.InstanceID
}

// DecodeBatch decodes one JSONL line and returns the contained log records
// in order.
func DecodeBatch(line []byte) ([]Record, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	var out []Record
	for _, rl := range env.ResourceLogs {
		for _, sl := range rl.ScopeLogs {
			for _, rr := range sl.LogRecords {
				out = append(out, decodeRecord(rr))
			}
		}
	}
	return out, nil
}

func decodeRecord(rr rawRecord) Record {
	rec := Record{
		Timestamp: parseUnixNano(rr.TimeUnixNano),
		Attrs:     make(map[string]string, len(rr.Attributes)),
	}
	for _, a := range rr.Attributes {
		if a.Value.StringValue != "" {
			rec.Attrs[a.Key] = a.Value.StringValue
		} else if a.Value.DoubleValue != nil {
			rec.Attrs[a.Key] = strconv.FormatFloat(*a.Value.DoubleValue, 'f', -1, 64)
		}
	}
	if rr.Body.StringValue != "" {
		// Malformed bodies are tolerated; the record still updates liveness.
		_ = json.Unmarshal([]byte(rr.Body.StringValue), &rec.Body)
	}
	return rec
}

// parseUnixNano handles both the stringified form OTEL exporters emit and a
// plain JSON number.
func parseUnixNano(raw json.RawMessage) int64 {
	if len(raw) == 0 {
		return 0
	}
	s := string(raw)
	if len(s) >= 2 && s[0] == '"' {
		s = s[1 : len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// EventType resolves the routing event kind for a record: the event_type
// attribute is authoritative, with the body's type as fallback.
func (r *Record) EventType() string {
	if et, ok := r.Attrs["event_type"]; ok && et != "" {
		return et
	}
	return r.Body.Type
}

// PeerIdentity returns the telemetry-issued identity of the emitting peer.
func (r *Record) PeerIdentity() string {
	return r.Attrs["peer_id"]
}

// TransactionID returns the record's transaction id, preferring the body's
// id over the transaction_id attribute.
func (r *Record) TransactionID() string {
	if r.Body.ID != "" {
		return r.Body.ID
	}
	return r.Attrs["transaction_id"]
}
