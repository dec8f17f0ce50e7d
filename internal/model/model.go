// Package model holds the live in-memory view of the overlay network derived
// from telemetry: topology, subscriptions, contract states, propagation
// timelines, operation statistics, transactions, peer lifecycle, transfer
// events and the bounded event history.
//
// All mutation happens under a single writer lock: the interpreter and the
// cleanup sweeps take the write lock for the full duration of one record or
// one sweep, snapshot builders take the read lock. Callers never observe a
// half-applied record.
package model

import (
	"sync"
	"time"
)

// Limits bounds the model's retained data. Zero values select the
// production defaults.
type Limits struct {
	MaxHistoryEvents    int
	MaxHistoryAge       time.Duration
	InitialEvents       int
	MaxTransactions     int
	InitialTransactions int
	MaxTransferEvents   int
	StalePeerThreshold  time.Duration
	StalePendingOp      time.Duration
	StalePropagation    time.Duration

	// MaxConnPerPeer caps the per-peer neighbor fan-out in snapshots. The
	// stored neighbor sets are never truncated.
	MaxConnPerPeer int
	// MaxInitialContracts caps contracts and subscription trees in the
	// initial state snapshot.
	MaxInitialContracts int
	// MaxInitialLifecycle caps the lifecycle list in the initial snapshot.
	MaxInitialLifecycle int
	// SnapshotTransfers caps transfer events included in the state snapshot.
	SnapshotTransfers int

	// GatewayIPs tags these addresses as gateways even without lifecycle
	// telemetry.
	GatewayIPs []string
}

func (l Limits) withDefaults() Limits {
	if l.MaxHistoryEvents == 0 {
		l.MaxHistoryEvents = 50000
	}
	if l.MaxHistoryAge == 0 {
		l.MaxHistoryAge = 2 * time.Hour
	}
	if l.InitialEvents == 0 {
		l.InitialEvents = 20000
	}
	if l.MaxTransactions == 0 {
		l.MaxTransactions = 10000
	}
	if l.InitialTransactions == 0 {
		l.InitialTransactions = 2000
	}
	if l.MaxTransferEvents == 0 {
		l.MaxTransferEvents = 1000
	}
	if l.StalePeerThreshold == 0 {
		l.StalePeerThreshold = 30 * time.Minute
	}
	if l.StalePendingOp == 0 {
		l.StalePendingOp = 5 * time.Minute
	}
	if l.StalePropagation == 0 {
		l.StalePropagation = 2 * time.Hour
	}
	if l.MaxConnPerPeer == 0 {
		l.MaxConnPerPeer = 20
	}
	if l.MaxInitialContracts == 0 {
		l.MaxInitialContracts = 50
	}
	if l.MaxInitialLifecycle == 0 {
		l.MaxInitialLifecycle = 50
	}
	if l.SnapshotTransfers == 0 {
		l.SnapshotTransfers = 200
	}
	return l
}

// Model is the process-wide network model.
type Model struct {
	mu     sync.RWMutex
	state  State
	limits Limits
	nowNS  func() int64
}

// New creates an empty model with the given limits.
func New(limits Limits) *Model {
	limits = limits.withDefaults()
	m := &Model{
		state:  newState(limits),
		limits: limits,
		nowNS:  func() int64 { return time.Now().UnixNano() },
	}
	m.state.nowNS = m.nowNS
	return m
}

// SetNow overrides the model clock. Test hook.
func (m *Model) SetNow(now func() int64) {
	m.nowNS = now
	m.state.nowNS = now
}

// Limits returns the model's configured bounds.
func (m *Model) Limits() Limits {
	return m.limits
}

// Update runs fn with exclusive access to the state. fn must not retain the
// state pointer past its return.
func (m *Model) Update(fn func(s *State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(&m.state)
}

// Read runs fn with shared access to the state. fn must not mutate the state
// or retain the pointer.
func (m *Model) Read(fn func(s *State)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(&m.state)
}

// HasPeer reports whether ip is currently in the peer index. Used by
// admission to grant priority to connections from known peers.
func (m *Model) HasPeer(ip string) bool {
	if ip == "" {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.state.Peers[ip]
	return ok
}
