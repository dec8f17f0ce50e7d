package model

import "time"

// propagationWindowNS bounds how long after first sighting a peer's report
// still counts toward propagation. Later arrivals are catch-ups.
const propagationWindowNS = int64(5 * time.Minute)

// Propagation tracks how the currently-observed state hash of a contract
// spreads across peers.
type Propagation struct {
	CurrentHash string
	FirstSeen   int64
	LastSeen    int64
	// Peers maps telemetry identity to the timestamp it first reported the
	// current hash.
	Peers    map[string]int64
	Previous *PropagationArchive
}

// PropagationArchive is the final state of the previously tracked hash.
type PropagationArchive struct {
	Hash          string `json:"hash"`
	FirstSeen     int64  `json:"first_seen"`
	PropagationMs int64  `json:"propagation_ms"`
	PeerCount     int    `json:"peer_count"`
}

// SubscriptionFor returns the subscription entry for a contract, creating it
// if needed.
func (s *State) SubscriptionFor(contract string) *Subscription {
	sub, ok := s.Subscriptions[contract]
	if !ok {
		sub = &Subscription{
			Subscribers: make(map[string]struct{}),
			Tree:        make(map[string]map[string]struct{}),
		}
		s.Subscriptions[contract] = sub
	}
	return sub
}

// SeedingFor returns the seeding record for a (contract, peer) pair,
// creating it if needed.
func (s *State) SeedingFor(contract, pid string) *SeedingState {
	perPeer, ok := s.Seeding[contract]
	if !ok {
		perPeer = make(map[string]*SeedingState)
		s.Seeding[contract] = perPeer
	}
	st, ok := perPeer[pid]
	if !ok {
		st = &SeedingState{}
		perPeer[pid] = st
	}
	return st
}

// SeedingLookup returns the existing seeding record for a (contract, peer)
// pair without creating one.
func (s *State) SeedingLookup(contract, pid string) *SeedingState {
	if perPeer, ok := s.Seeding[contract]; ok {
		return perPeer[pid]
	}
	return nil
}

// ReplaceSeeding installs a full seeding snapshot for a (contract, peer)
// pair, replacing any prior record.
func (s *State) ReplaceSeeding(contract, pid string, st *SeedingState) {
	perPeer, ok := s.Seeding[contract]
	if !ok {
		perPeer = make(map[string]*SeedingState)
		s.Seeding[contract] = perPeer
	}
	perPeer[pid] = st
}

// UpdateContractState records the state hash one peer reported for a
// contract. Observations older than the stored record are ignored.
// Propagation tracking is invoked only for the update-family kinds that
// represent state spreading.
func (s *State) UpdateContractState(contract, pid, hash string, ts int64, eventType string) {
	if contract == "" || pid == "" || hash == "" {
		return
	}
	perPeer, ok := s.ContractStates[contract]
	if !ok {
		perPeer = make(map[string]*ContractState)
		s.ContractStates[contract] = perPeer
	}
	if existing, ok := perPeer[pid]; ok && existing.Timestamp >= ts {
		return
	}
	perPeer[pid] = &ContractState{Hash: hash, Timestamp: ts, EventType: eventType}

	switch eventType {
	case "update_success", "update_broadcast_applied", "update_broadcast_emitted":
		s.trackPropagation(contract, pid, hash, ts)
	}
}

func (s *State) trackPropagation(contract, pid, hash string, ts int64) {
	prop, ok := s.Propagation[contract]
	if !ok {
		prop = &Propagation{}
		s.Propagation[contract] = prop
	}

	if prop.CurrentHash != hash {
		if prop.CurrentHash != "" && len(prop.Peers) > 0 {
			prop.Previous = &PropagationArchive{
				Hash:          prop.CurrentHash,
				FirstSeen:     prop.FirstSeen,
				PropagationMs: (prop.LastSeen - prop.FirstSeen) / 1e6,
				PeerCount:     len(prop.Peers),
			}
		}
		prop.CurrentHash = hash
		prop.FirstSeen = ts
		prop.LastSeen = ts
		prop.Peers = map[string]int64{pid: ts}
		return
	}

	if _, seen := prop.Peers[pid]; !seen {
		if ts-prop.FirstSeen <= propagationWindowNS {
			if prop.Peers == nil {
				prop.Peers = make(map[string]int64)
			}
			prop.Peers[pid] = ts
			if ts > prop.LastSeen {
				prop.LastSeen = ts
			}
		}
	}
}
