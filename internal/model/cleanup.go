package model

import "github.com/mesh-observer/telemetry-hub/internal/identity"

// SweepResult lists everything removed by one stale-peer sweep so the
// fan-out layer can broadcast a single coherent removal.
type SweepResult struct {
	// RemovedPeers are the anonymous ids of removed topology peers.
	RemovedPeers []string
	// RemovedConnections are the removed edges as anonymous id pairs.
	RemovedConnections [][2]string
	// RemovedIdentities are all telemetry identities that were bound to the
	// removed IPs.
	RemovedIdentities []string
}

// Empty reports whether the sweep removed nothing.
func (r *SweepResult) Empty() bool {
	return len(r.RemovedPeers) == 0 && len(r.RemovedConnections) == 0
}

// CleanupStaleIdentity purges a superseded telemetry identity from every
// per-(contract, peer) index without touching topology. Used when a peer
// restarts and reappears on the same IP under a new identity.
func (s *State) CleanupStaleIdentity(old string) {
	for contract, perPeer := range s.Seeding {
		delete(perPeer, old)
		if len(perPeer) == 0 {
			delete(s.Seeding, contract)
		}
	}
	for contract, perPeer := range s.ContractStates {
		delete(perPeer, old)
		if len(perPeer) == 0 {
			delete(s.ContractStates, contract)
		}
	}
}

// CleanupStalePeers removes every trace of peers whose last-seen is older
// than the stale threshold: the peer index, identity maps, presence,
// lifecycle, edges (repairing survivors' neighbor sets), per-contract
// records, subscriber sets and broadcast trees. Entries that become empty
// are dropped.
func (s *State) CleanupStalePeers() SweepResult {
	cutoff := s.nowNS() - s.limits.StalePeerThreshold.Nanoseconds()

	staleIPs := make(map[string]struct{})
	for ip, p := range s.Peers {
		if p.LastSeen < cutoff {
			staleIPs[ip] = struct{}{}
		}
	}
	if len(staleIPs) == 0 {
		return SweepResult{}
	}

	// Collect every identity bound to a stale IP, from both the body-derived
	// and emitter-attribute maps.
	staleIdentities := make(map[string]struct{})
	for ip := range staleIPs {
		if pid := s.IPToIdentity[ip]; pid != "" {
			staleIdentities[pid] = struct{}{}
		}
		if p := s.Peers[ip]; p != nil && p.Identity != "" {
			staleIdentities[p.Identity] = struct{}{}
		}
	}

	var result SweepResult
	for ip := range staleIPs {
		if p := s.Peers[ip]; p != nil {
			result.RemovedPeers = append(result.RemovedPeers, p.ID)
		}
		delete(s.Peers, ip)

		if pid, ok := s.IPToIdentity[ip]; ok {
			delete(s.IPToIdentity, ip)
			delete(s.IdentityToIP, pid)
		}
		delete(s.Presence, ip)
	}

	for pid, ip := range s.EmitterIdentityToIP {
		if _, stale := staleIPs[ip]; stale {
			delete(s.EmitterIdentityToIP, pid)
			staleIdentities[pid] = struct{}{}
		}
	}

	for pid := range staleIdentities {
		delete(s.Lifecycle, pid)
	}

	// Remove edges touching stale peers and repair the surviving endpoint.
	for key := range s.Connections {
		if !key.Touches(staleIPs) {
			continue
		}
		delete(s.Connections, key)
		result.RemovedConnections = append(result.RemovedConnections,
			[2]string{identity.AnonymizeIP(key.A), identity.AnonymizeIP(key.B)})
		for _, ip := range []string{key.A, key.B} {
			if _, stale := staleIPs[ip]; !stale {
				if p, ok := s.Peers[ip]; ok {
					for staleIP := range staleIPs {
						delete(p.Neighbors, staleIP)
					}
				}
			}
		}
	}

	for pid := range staleIdentities {
		for contract, perPeer := range s.Seeding {
			delete(perPeer, pid)
			if len(perPeer) == 0 {
				delete(s.Seeding, contract)
			}
		}
		for contract, perPeer := range s.ContractStates {
			delete(perPeer, pid)
			if len(perPeer) == 0 {
				delete(s.ContractStates, contract)
			}
		}
	}

	staleAnonIDs := make(map[string]struct{}, len(staleIPs))
	for ip := range staleIPs {
		staleAnonIDs[identity.AnonymizeIP(ip)] = struct{}{}
	}
	for contract, sub := range s.Subscriptions {
		for anon := range staleAnonIDs {
			delete(sub.Subscribers, anon)
		}
		for sender, targets := range sub.Tree {
			if _, stale := staleAnonIDs[sender]; stale {
				delete(sub.Tree, sender)
				continue
			}
			for anon := range staleAnonIDs {
				delete(targets, anon)
			}
			if len(targets) == 0 {
				delete(sub.Tree, sender)
			}
		}
		if len(sub.Subscribers) == 0 && len(sub.Tree) == 0 {
			delete(s.Subscriptions, contract)
		}
	}

	for contract, prop := range s.Propagation {
		for pid := range staleIdentities {
			delete(prop.Peers, pid)
		}
		if len(prop.Peers) == 0 && prop.CurrentHash != "" {
			delete(s.Propagation, contract)
		}
	}

	for pid := range staleIdentities {
		result.RemovedIdentities = append(result.RemovedIdentities, pid)
	}
	return result
}

// CleanupStalePendingOps drops pending operations that never completed
// within the pending-op threshold. Returns the number removed.
func (s *State) CleanupStalePendingOps() int {
	cutoff := s.nowNS() - s.limits.StalePendingOp.Nanoseconds()
	var removed int
	for txID, op := range s.PendingOps {
		if op.StartNS < cutoff {
			delete(s.PendingOps, txID)
			removed++
		}
	}
	return removed
}

// CleanupStalePropagation drops propagation entries whose last sighting is
// beyond the retention window. Returns the number removed.
func (s *State) CleanupStalePropagation() int {
	cutoff := s.nowNS() - s.limits.StalePropagation.Nanoseconds()
	var removed int
	for contract, prop := range s.Propagation {
		last := prop.LastSeen
		if last == 0 {
			last = prop.FirstSeen
		}
		if last < cutoff {
			delete(s.Propagation, contract)
			removed++
		}
	}
	return removed
}
