package model

import (
	"sort"

	"github.com/mesh-observer/telemetry-hub/internal/identity"
)

// PeerSummary is one topology peer as exposed to clients.
type PeerSummary struct {
	ID        string  `json:"id"`
	IPHash    string  `json:"ip_hash"`
	Location  float64 `json:"location"`
	Identity  string  `json:"peer_id,omitempty"`
	IsGateway bool    `json:"is_gateway"`
}

// PeerSeedingView is one peer's role in a contract's subscription tree.
type PeerSeedingView struct {
	PeerID          string   `json:"peer_id"`
	IsSeeding       bool     `json:"is_seeding"`
	Upstream        string   `json:"upstream,omitempty"`
	Downstream      []string `json:"downstream"`
	DownstreamCount int      `json:"downstream_count"`
}

// SubscriptionView is one contract's subscription tree as exposed to clients.
type SubscriptionView struct {
	Subscribers     []string            `json:"subscribers"`
	Tree            map[string][]string `json:"tree"`
	ShortKey        string              `json:"short_key"`
	PeerStates      []PeerSeedingView   `json:"peer_states"`
	TotalDownstream int                 `json:"total_downstream"`
	AnySeeding      bool                `json:"any_seeding"`
	PeerCount       int                 `json:"peer_count"`
}

// OpKindView is the computed statistics for one operation kind.
type OpKindView struct {
	Total       int                 `json:"total"`
	SuccessRate *float64            `json:"success_rate,omitempty"`
	NotFound    *int                `json:"not_found,omitempty"`
	Broadcasts  *int                `json:"broadcasts,omitempty"`
	Latency     *LatencyPercentiles `json:"latency,omitempty"`
}

// OpStatsView is the full per-operation statistics payload.
type OpStatsView struct {
	Put       OpKindView `json:"put"`
	Get       OpKindView `json:"get"`
	Update    OpKindView `json:"update"`
	Subscribe OpKindView `json:"subscribe"`
}

// LifecycleEntry is one lifecycle record with its identity attached.
type LifecycleEntry struct {
	PeerID string `json:"peer_id"`
	Lifecycle
}

// LifecycleSummary aggregates lifecycle data for the state snapshot.
type LifecycleSummary struct {
	ActiveCount  int              `json:"active_count"`
	GatewayCount int              `json:"gateway_count"`
	Versions     map[string]int   `json:"versions"`
	Peers        []LifecycleEntry `json:"peers"`
}

// TimelinePoint is one step of a propagation timeline: peers reached at
// offset t milliseconds from first sighting.
type TimelinePoint struct {
	T     int64 `json:"t"`
	Peers int   `json:"peers"`
}

// PropagationView is one contract's propagation timeline.
type PropagationView struct {
	Hash          string              `json:"hash"`
	FirstSeen     int64               `json:"first_seen"`
	PropagationMs int64               `json:"propagation_ms"`
	PeerCount     int                 `json:"peer_count"`
	Timeline      []TimelinePoint     `json:"timeline"`
	Previous      *PropagationArchive `json:"previous,omitempty"`
}

// StateSnapshot is the full initial-state message sent on connect. The
// Your*/Gateway* fields are filled in by the session layer.
type StateSnapshot struct {
	Type           string                               `json:"type"`
	Peers          []PeerSummary                        `json:"peers"`
	Connections    [][2]string                          `json:"connections"`
	Subscriptions  map[string]*SubscriptionView         `json:"subscriptions"`
	ContractStates map[string]map[string]*ContractState `json:"contract_states"`
	OpStats        OpStatsView                          `json:"op_stats"`
	PeerLifecycle  LifecycleSummary                     `json:"peer_lifecycle"`
	PeerNames      map[string]string                    `json:"peer_names"`
	Transfers      []*TransferEvent                     `json:"transfers"`
	Propagation    map[string]*PropagationView          `json:"propagation"`

	YourIPHash    string  `json:"your_ip_hash"`
	YourPeerID    string  `json:"your_peer_id"`
	GatewayPeerID string  `json:"gateway_peer_id"`
	GatewayIPHash string  `json:"gateway_ip_hash"`
	YouArePeer    bool    `json:"you_are_peer"`
	YourName      *string `json:"your_name"`
	PriorityToken string  `json:"priority_token"`
}

// TransactionView is one transaction in the history payload.
type TransactionView struct {
	TxID         string    `json:"tx_id"`
	Op           string    `json:"op"`
	Contract     string    `json:"contract,omitempty"`
	ContractFull string    `json:"contract_full,omitempty"`
	StartNS      int64     `json:"start_ns"`
	EndNS        int64     `json:"end_ns"`
	DurationMs   *float64  `json:"duration_ms"`
	Status       string    `json:"status"`
	EventCount   int       `json:"event_count"`
	Events       []TxEvent `json:"events"`
}

// TimeRange bounds the events in a history payload.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// HistorySnapshot is the time-travel payload sent after the state snapshot.
type HistorySnapshot struct {
	Type         string            `json:"type"`
	Events       []*Event          `json:"events"`
	Transactions []TransactionView `json:"transactions"`
	PeerPresence []*PresenceEntry  `json:"peer_presence"`
	TimeRange    TimeRange         `json:"time_range"`
}

// ShortKey abbreviates a contract key for display.
func ShortKey(key string) string {
	if len(key) <= 12 {
		return key + "..."
	}
	return key[:12] + "..."
}

// NetworkState builds a consistent point-in-time snapshot of the live
// network. Only live peers appear; edges require both endpoints live and
// respect the per-peer fan-out cap; contracts, trees and lifecycle entries
// are ranked and capped. names is the full display-name map; only names of
// live peers are included.
func (m *Model) NetworkState(names map[string]string) *StateSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := &m.state
	now := m.nowNS()
	cutoff := now - m.limits.StalePeerThreshold.Nanoseconds()

	gatewayIPs := make(map[string]struct{}, len(m.limits.GatewayIPs))
	for _, ip := range m.limits.GatewayIPs {
		gatewayIPs[ip] = struct{}{}
	}

	// Reverse emitter-identity lookup so gateway flags on lifecycle records
	// can reach topology peers.
	ipToEmitters := make(map[string][]string)
	for pid, ip := range s.EmitterIdentityToIP {
		ipToEmitters[ip] = append(ipToEmitters[ip], pid)
	}

	// Active lifecycle records: no shutdown and identity seen on a public IP.
	activeLifecycle := make(map[string]*Lifecycle)
	for pid, lc := range s.Lifecycle {
		if lc.ShutdownTime != nil {
			continue
		}
		if ip, ok := s.EmitterIdentityToIP[pid]; ok && identity.IsPublicIP(ip) {
			activeLifecycle[pid] = lc
		}
	}

	liveIPs := make(map[string]struct{})
	activeIdentities := make(map[string]struct{})
	var peerList []PeerSummary
	for ip, p := range s.Peers {
		if !identity.IsPublicIP(ip) || p.LastSeen < cutoff {
			continue
		}
		liveIPs[ip] = struct{}{}
		if p.Identity != "" {
			activeIdentities[p.Identity] = struct{}{}
		}

		isGateway := false
		if _, ok := gatewayIPs[ip]; ok {
			isGateway = true
		}
		if !isGateway && p.Identity != "" {
			if lc, ok := activeLifecycle[p.Identity]; ok && lc.IsGateway {
				isGateway = true
			}
		}
		if !isGateway {
			for _, pid := range ipToEmitters[ip] {
				if lc, ok := activeLifecycle[pid]; ok && lc.IsGateway {
					isGateway = true
					break
				}
			}
		}

		peerList = append(peerList, PeerSummary{
			ID:        p.ID,
			IPHash:    p.IPHash,
			Location:  p.Location,
			Identity:  p.Identity,
			IsGateway: isGateway,
		})
	}
	sort.Slice(peerList, func(i, j int) bool { return peerList[i].ID < peerList[j].ID })

	// Edges: both endpoints live, per-peer fan-out capped. Disconnects are
	// often missed upstream so stale edges accumulate; the cap keeps the
	// display close to the overlay's real connection limit.
	connCount := make(map[string]int)
	var connList [][2]string
	for key := range s.Connections {
		if _, ok := liveIPs[key.A]; !ok {
			continue
		}
		if _, ok := liveIPs[key.B]; !ok {
			continue
		}
		a1 := identity.AnonymizeIP(key.A)
		a2 := identity.AnonymizeIP(key.B)
		if connCount[a1] >= m.limits.MaxConnPerPeer || connCount[a2] >= m.limits.MaxConnPerPeer {
			continue
		}
		connCount[a1]++
		connCount[a2]++
		connList = append(connList, [2]string{a1, a2})
	}

	versions := make(map[string]int)
	gatewayCount := 0
	for _, lc := range activeLifecycle {
		v := lc.Version
		if v == "" {
			v = "unknown"
		}
		versions[v]++
		if lc.IsGateway {
			gatewayCount++
		}
	}

	// Contract states filtered to live identities, ranked by active-peer
	// count and capped.
	filteredContracts := make(map[string]map[string]*ContractState)
	for contract, perPeer := range s.ContractStates {
		filtered := make(map[string]*ContractState)
		for pid, cs := range perPeer {
			if _, ok := activeIdentities[pid]; ok {
				filtered[pid] = cs
			}
		}
		if len(filtered) > 0 {
			filteredContracts[contract] = filtered
		}
	}
	if len(filteredContracts) > m.limits.MaxInitialContracts {
		filteredContracts = topContracts(filteredContracts, m.limits.MaxInitialContracts)
	}

	subs := s.subscriptionTrees(activeIdentities)
	if len(subs) > m.limits.MaxInitialContracts {
		subs = topSubscriptions(subs, m.limits.MaxInitialContracts)
	}

	// Lifecycle list: identities backing live topology peers first, then
	// other active records up to the cap.
	var topologyLifecycle []LifecycleEntry
	for pid := range activeIdentities {
		if lc, ok := activeLifecycle[pid]; ok {
			topologyLifecycle = append(topologyLifecycle, LifecycleEntry{PeerID: pid, Lifecycle: *lc})
		}
	}
	sort.Slice(topologyLifecycle, func(i, j int) bool { return topologyLifecycle[i].PeerID < topologyLifecycle[j].PeerID })
	var otherLifecycle []LifecycleEntry
	for pid, lc := range activeLifecycle {
		if _, ok := activeIdentities[pid]; ok {
			continue
		}
		otherLifecycle = append(otherLifecycle, LifecycleEntry{PeerID: pid, Lifecycle: *lc})
	}
	sort.Slice(otherLifecycle, func(i, j int) bool { return otherLifecycle[i].PeerID < otherLifecycle[j].PeerID })
	if remaining := m.limits.MaxInitialLifecycle - len(topologyLifecycle); remaining > 0 && len(otherLifecycle) > remaining {
		otherLifecycle = otherLifecycle[:remaining]
	} else if m.limits.MaxInitialLifecycle <= len(topologyLifecycle) {
		otherLifecycle = nil
	}

	activeNames := make(map[string]string)
	for ip := range liveIPs {
		h := identity.IPHash(ip)
		if name, ok := names[h]; ok {
			activeNames[h] = name
		}
	}

	transfers := s.Transfers
	if len(transfers) > m.limits.SnapshotTransfers {
		transfers = transfers[len(transfers)-m.limits.SnapshotTransfers:]
	}
	transfersCopy := make([]*TransferEvent, len(transfers))
	copy(transfersCopy, transfers)

	return &StateSnapshot{
		Type:           "state",
		Peers:          peerList,
		Connections:    connList,
		Subscriptions:  subs,
		ContractStates: filteredContracts,
		OpStats:        s.OpStats.View(),
		PeerLifecycle: LifecycleSummary{
			ActiveCount:  len(activeLifecycle),
			GatewayCount: gatewayCount,
			Versions:     versions,
			Peers:        append(topologyLifecycle, otherLifecycle...),
		},
		PeerNames:   activeNames,
		Transfers:   transfersCopy,
		Propagation: s.propagationData(),
	}
}

// View computes the client-facing operation statistics.
func (o *OpStats) View() OpStatsView {
	rate := func(successes, requests int) *float64 {
		if requests == 0 {
			return nil
		}
		r := float64(int(float64(successes)/float64(requests)*1000+0.5)) / 10
		return &r
	}

	putLat := o.Put.Percentiles()
	getLat := o.Get.Percentiles()
	updLat := o.Update.Percentiles()

	getNF := o.Get.NotFound
	updBC := o.Update.Broadcasts

	view := OpStatsView{
		Put: OpKindView{
			Total:       o.Put.Requests,
			SuccessRate: rate(o.Put.Successes, o.Put.Requests),
			Latency:     &putLat,
		},
		Get: OpKindView{
			// get_success without a matching get_request still counts.
			Total:    o.Get.Requests + o.Get.Successes,
			NotFound: &getNF,
			Latency:  &getLat,
		},
		Update: OpKindView{
			Total:       o.Update.Requests,
			SuccessRate: rate(o.Update.Successes, o.Update.Requests),
			Broadcasts:  &updBC,
			Latency:     &updLat,
		},
		Subscribe: OpKindView{
			Total: o.Subscribe.Successes,
		},
	}
	if resolved := o.Get.Successes + o.Get.NotFound; resolved > 0 {
		view.Get.SuccessRate = rate(o.Get.Successes, resolved)
	}
	return view
}

// subscriptionTrees builds the per-contract subscription views, filtered to
// active identities when a filter set is supplied.
func (s *State) subscriptionTrees(activeIdentities map[string]struct{}) map[string]*SubscriptionView {
	allKeys := make(map[string]struct{})
	for k := range s.Subscriptions {
		allKeys[k] = struct{}{}
	}
	for k := range s.Seeding {
		allKeys[k] = struct{}{}
	}
	for k := range s.ContractStates {
		allKeys[k] = struct{}{}
	}

	result := make(map[string]*SubscriptionView)
	for contract := range allKeys {
		var subscribers []string
		tree := make(map[string][]string)
		if sub, ok := s.Subscriptions[contract]; ok {
			subscribers = sortedKeys(sub.Subscribers)
			for sender, targets := range sub.Tree {
				tree[sender] = sortedKeys(targets)
			}
		}

		var peerStates []PeerSeedingView
		totalDownstream := 0
		anySeeding := false
		for pid, st := range s.Seeding[contract] {
			if activeIdentities != nil {
				if _, ok := activeIdentities[pid]; !ok {
					continue
				}
			}
			if st.IsSeeding {
				anySeeding = true
			}
			totalDownstream += st.DownstreamCount
			downstream := st.Downstream
			if downstream == nil {
				downstream = []string{}
			}
			peerStates = append(peerStates, PeerSeedingView{
				PeerID:          pid,
				IsSeeding:       st.IsSeeding,
				Upstream:        st.Upstream,
				Downstream:      downstream,
				DownstreamCount: st.DownstreamCount,
			})
		}
		sort.Slice(peerStates, func(i, j int) bool { return peerStates[i].PeerID < peerStates[j].PeerID })

		activeCSPeers := 0
		for pid := range s.ContractStates[contract] {
			if activeIdentities == nil {
				activeCSPeers++
				continue
			}
			if _, ok := activeIdentities[pid]; ok {
				activeCSPeers++
			}
		}

		if len(subscribers) == 0 && len(tree) == 0 && len(peerStates) == 0 && activeCSPeers == 0 {
			continue
		}
		if subscribers == nil {
			subscribers = []string{}
		}
		peerCount := len(peerStates)
		if activeCSPeers > peerCount {
			peerCount = activeCSPeers
		}
		result[contract] = &SubscriptionView{
			Subscribers:     subscribers,
			Tree:            tree,
			ShortKey:        ShortKey(contract),
			PeerStates:      peerStates,
			TotalDownstream: totalDownstream,
			AnySeeding:      anySeeding,
			PeerCount:       peerCount,
		}
	}
	return result
}

func (s *State) propagationData() map[string]*PropagationView {
	result := make(map[string]*PropagationView)
	for contract, prop := range s.Propagation {
		if len(prop.Peers) == 0 {
			continue
		}

		type peerTS struct {
			pid string
			ts  int64
		}
		ordered := make([]peerTS, 0, len(prop.Peers))
		for pid, ts := range prop.Peers {
			ordered = append(ordered, peerTS{pid, ts})
		}
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].ts < ordered[j].ts })

		timeline := make([]TimelinePoint, len(ordered))
		for i, pt := range ordered {
			timeline[i] = TimelinePoint{T: (pt.ts - prop.FirstSeen) / 1e6, Peers: i + 1}
		}

		last := prop.LastSeen
		if last == 0 {
			last = prop.FirstSeen
		}
		result[contract] = &PropagationView{
			Hash:          prop.CurrentHash,
			FirstSeen:     prop.FirstSeen,
			PropagationMs: (last - prop.FirstSeen) / 1e6,
			PeerCount:     len(prop.Peers),
			Timeline:      timeline,
			Previous:      prop.Previous,
		}
	}
	return result
}

// HistorySnapshot builds the time-travel payload: the most recent events up
// to the initial cap, retained transactions, and the presence timeline.
func (m *Model) HistorySnapshot() *HistorySnapshot {
	m.mu.Lock()
	m.state.PruneOldEvents()
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	s := &m.state

	all := s.History.events
	events := all
	if len(events) > m.limits.InitialEvents {
		events = events[len(events)-m.limits.InitialEvents:]
	}
	eventsCopy := make([]*Event, len(events))
	copy(eventsCopy, events)

	presence := make([]*PresenceEntry, 0, len(s.Presence))
	for _, pe := range s.Presence {
		presence = append(presence, pe)
	}
	sort.Slice(presence, func(i, j int) bool { return presence[i].FirstSeen < presence[j].FirstSeen })

	var txs []TransactionView
	for _, txID := range s.TxOrder {
		tx, ok := s.Transactions[txID]
		if !ok || !trackedTxOps[tx.Op] {
			continue
		}
		view := TransactionView{
			TxID:       txID,
			Op:         tx.Op,
			StartNS:    tx.StartNS,
			EndNS:      tx.EndNS,
			Status:     tx.Status,
			EventCount: len(tx.Events),
			Events:     tx.Events,
		}
		if view.EndNS == 0 {
			view.EndNS = tx.StartNS
		}
		if tx.Contract != "" {
			view.Contract = ShortKey(tx.Contract)
			view.ContractFull = tx.Contract
		}
		if tx.StartNS != 0 && tx.EndNS != 0 {
			d := float64(tx.EndNS-tx.StartNS) / 1e6
			view.DurationMs = &d
		}
		txs = append(txs, view)
	}
	if len(txs) > m.limits.InitialTransactions {
		txs = txs[len(txs)-m.limits.InitialTransactions:]
	}

	tr := TimeRange{}
	if len(all) > 0 {
		tr.Start = all[0].Timestamp
		tr.End = all[len(all)-1].Timestamp
	}

	return &HistorySnapshot{
		Type:         "history",
		Events:       eventsCopy,
		Transactions: txs,
		PeerPresence: presence,
		TimeRange:    tr,
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func topContracts(in map[string]map[string]*ContractState, max int) map[string]map[string]*ContractState {
	type entry struct {
		key   string
		count int
	}
	ordered := make([]entry, 0, len(in))
	for k, v := range in {
		ordered = append(ordered, entry{k, len(v)})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].key < ordered[j].key
	})
	out := make(map[string]map[string]*ContractState, max)
	for _, e := range ordered[:max] {
		out[e.key] = in[e.key]
	}
	return out
}

func topSubscriptions(in map[string]*SubscriptionView, max int) map[string]*SubscriptionView {
	type entry struct {
		key   string
		count int
	}
	ordered := make([]entry, 0, len(in))
	for k, v := range in {
		ordered = append(ordered, entry{k, v.PeerCount})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].count != ordered[j].count {
			return ordered[i].count > ordered[j].count
		}
		return ordered[i].key < ordered[j].key
	})
	out := make(map[string]*SubscriptionView, max)
	for _, e := range ordered[:max] {
		out[e.key] = in[e.key]
	}
	return out
}
