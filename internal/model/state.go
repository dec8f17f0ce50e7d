package model

import (
	"github.com/mesh-observer/telemetry-hub/internal/identity"
)

// Peer is a topology node keyed by IP.
type Peer struct {
	ID        string
	IPHash    string
	Location  float64
	LastSeen  int64
	Neighbors map[string]struct{}
	// Identity is the telemetry-issued peer identity last associated with
	// this IP. Changes when the peer restarts.
	Identity string
}

// ConnKey is an undirected connection between two peer IPs, normalized so
// that A < B.
type ConnKey struct {
	A, B string
}

// NewConnKey builds the normalized key for a pair of IPs.
func NewConnKey(ip1, ip2 string) ConnKey {
	if ip1 > ip2 {
		ip1, ip2 = ip2, ip1
	}
	return ConnKey{A: ip1, B: ip2}
}

// Touches reports whether either endpoint is in the given set.
func (c ConnKey) Touches(ips map[string]struct{}) bool {
	_, a := ips[c.A]
	_, b := ips[c.B]
	return a || b
}

// PresenceEntry records when a peer was first observed, for historical
// reconstruction on the client.
type PresenceEntry struct {
	ID        string  `json:"id"`
	IPHash    string  `json:"ip_hash"`
	Location  float64 `json:"location"`
	FirstSeen int64   `json:"first_seen"`
	Identity  string  `json:"peer_id,omitempty"`
}

// Subscription tracks a contract's subscriber set and broadcast tree. Both
// use anonymous peer ids.
type Subscription struct {
	Subscribers map[string]struct{}
	Tree        map[string]map[string]struct{}
}

// SeedingState is one peer's position in a contract's subscription tree.
type SeedingState struct {
	IsSeeding          bool
	Upstream           string
	Downstream         []string
	DownstreamCount    int
	StoppedReason      string
	UnsubscribedReason string
}

// ContractState is the last known state hash reported by one peer for one
// contract. Monotonic in Timestamp.
type ContractState struct {
	Hash      string `json:"hash"`
	Timestamp int64  `json:"timestamp"`
	EventType string `json:"event_type"`
}

// Lifecycle is a peer's startup/shutdown record, keyed by telemetry identity.
type Lifecycle struct {
	Version        string `json:"version"`
	Arch           string `json:"arch"`
	OS             string `json:"os"`
	OSVersion      string `json:"os_version,omitempty"`
	IsGateway      bool   `json:"is_gateway"`
	StartupTime    int64  `json:"startup_time"`
	ShutdownTime   *int64 `json:"shutdown_time"`
	Graceful       *bool  `json:"graceful"`
	ShutdownReason string `json:"shutdown_reason,omitempty"`
}

// PendingOp tracks an in-flight operation for latency measurement.
type PendingOp struct {
	Op      string
	StartNS int64
}

// State is the full set of mutable indexes. Access only through
// Model.Update / Model.Read.
type State struct {
	Peers       map[string]*Peer
	Connections map[ConnKey]struct{}

	// IPToIdentity / IdentityToIP map body-derived peer identities.
	IPToIdentity map[string]string
	IdentityToIP map[string]string
	// EmitterIdentityToIP maps attribute identities (the peer sending the
	// telemetry) to IPs, linking lifecycle records to topology peers.
	EmitterIdentityToIP map[string]string

	Presence map[string]*PresenceEntry

	Subscriptions  map[string]*Subscription
	Seeding        map[string]map[string]*SeedingState
	ContractStates map[string]map[string]*ContractState
	Propagation    map[string]*Propagation

	OpStats    OpStats
	PendingOps map[string]PendingOp

	Transactions map[string]*Transaction
	TxOrder      []string

	Lifecycle map[string]*Lifecycle

	Transfers []*TransferEvent
	History   eventHistory

	limits Limits
	nowNS  func() int64
}

func newState(limits Limits) State {
	return State{
		limits:              limits,
		Peers:               make(map[string]*Peer),
		Connections:         make(map[ConnKey]struct{}),
		IPToIdentity:        make(map[string]string),
		IdentityToIP:        make(map[string]string),
		EmitterIdentityToIP: make(map[string]string),
		Presence:            make(map[string]*PresenceEntry),
		Subscriptions:       make(map[string]*Subscription),
		Seeding:             make(map[string]map[string]*SeedingState),
		ContractStates:      make(map[string]map[string]*ContractState),
		Propagation:         make(map[string]*Propagation),
		OpStats:             newOpStats(),
		PendingOps:          make(map[string]PendingOp),
		Transactions:        make(map[string]*Transaction),
		Lifecycle:           make(map[string]*Lifecycle),
	}
}

// TouchPeer refreshes last-seen for a known peer. No-op for unknown IPs.
func (s *State) TouchPeer(ip string, ts int64) {
	if p, ok := s.Peers[ip]; ok {
		p.LastSeen = ts
	}
}

// RecordPeer creates or updates the peer record for a public IP with a known
// ring location. When the telemetry identity attached to the IP changes, the
// old identity's per-contract records are purged first. Returns true when a
// new peer record was created.
func (s *State) RecordPeer(ip string, loc float64, pid string, ts int64) bool {
	p, ok := s.Peers[ip]
	if !ok {
		p = &Peer{
			ID:        identity.AnonymizeIP(ip),
			IPHash:    identity.IPHash(ip),
			Location:  loc,
			LastSeen:  ts,
			Neighbors: make(map[string]struct{}),
			Identity:  pid,
		}
		s.Peers[ip] = p
		if pid != "" {
			s.IPToIdentity[ip] = pid
			s.IdentityToIP[pid] = ip
		}
	} else {
		p.Location = loc
		p.LastSeen = ts
		if pid != "" {
			if old := s.IPToIdentity[ip]; old != "" && old != pid {
				// Peer restarted with a new identity; drop the ghost.
				s.CleanupStaleIdentity(old)
				delete(s.IdentityToIP, old)
			}
			p.Identity = pid
			s.IPToIdentity[ip] = pid
			s.IdentityToIP[pid] = ip
		}
	}

	if pe, seen := s.Presence[ip]; !seen {
		s.Presence[ip] = &PresenceEntry{
			ID:        p.ID,
			IPHash:    p.IPHash,
			Location:  loc,
			FirstSeen: ts,
			Identity:  pid,
		}
	} else if pid != "" && pe.Identity == "" {
		pe.Identity = pid
	}
	return !ok
}

// RecordEdge inserts an undirected edge between two peer IPs. Returns true
// when the edge was not already present.
func (s *State) RecordEdge(ip1, ip2 string) bool {
	key := NewConnKey(ip1, ip2)
	if _, ok := s.Connections[key]; ok {
		return false
	}
	s.Connections[key] = struct{}{}
	if p, ok := s.Peers[ip1]; ok {
		p.Neighbors[ip2] = struct{}{}
	}
	if p, ok := s.Peers[ip2]; ok {
		p.Neighbors[ip1] = struct{}{}
	}
	return true
}

// RemoveEdge removes the edge between two peer IPs. Returns true when the
// edge existed.
func (s *State) RemoveEdge(ip1, ip2 string) bool {
	key := NewConnKey(ip1, ip2)
	if _, ok := s.Connections[key]; !ok {
		return false
	}
	delete(s.Connections, key)
	if p, ok := s.Peers[ip1]; ok {
		delete(p.Neighbors, ip2)
	}
	if p, ok := s.Peers[ip2]; ok {
		delete(p.Neighbors, ip1)
	}
	return true
}

// RecordEmitterIdentity associates an attribute identity with an IP.
func (s *State) RecordEmitterIdentity(pid, ip string) {
	s.EmitterIdentityToIP[pid] = ip
}
