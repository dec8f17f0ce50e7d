// Package interpret turns decoded telemetry records into model mutations and
// outbound events. One record is applied atomically: the interpreter takes a
// single model update for the full walk through liveness, contract state,
// operation statistics, seeding, lifecycle, topology and history.
package interpret

import (
	"time"

	"go.uber.org/zap"

	"github.com/mesh-observer/telemetry-hub/internal/identity"
	"github.com/mesh-observer/telemetry-hub/internal/model"
	"github.com/mesh-observer/telemetry-hub/internal/telemetry"
)

// HistoryEventTypes are the kinds retained in the history buffer. Routine
// high-volume kinds (connect, subscribe, disconnect, get_request) are still
// processed and streamed live but excluded here so the buffer spans hours
// rather than seconds.
var HistoryEventTypes = map[string]bool{
	"put_request": true, "put_success": true,
	"get_success": true, "get_not_found": true,
	"update_request": true, "update_success": true,

	"update_broadcast_received": true, "update_broadcast_applied": true,
	"update_broadcast_emitted": true, "broadcast_emitted": true,
	"update_broadcast_delivery_summary": true,

	"peer_startup": true, "peer_shutdown": true,

	"seeding_started": true, "seeding_stopped": true,
}

// RealtimeEventTypes are the kinds streamed to connected clients: everything
// history-worthy plus connect/subscribe completions and get requests.
var RealtimeEventTypes = realtimeSet()

func realtimeSet() map[string]bool {
	set := map[string]bool{
		"get_request":       true,
		"connect_connected": true,
		"disconnect":        true,
		"subscribe_success": true,
		"subscribed":        true,
	}
	for k := range HistoryEventTypes {
		set[k] = true
	}
	return set
}

// Interpreter applies telemetry records to the network model.
type Interpreter struct {
	model *model.Model
	log   *zap.Logger
}

// New creates an interpreter bound to a model.
func New(m *model.Model, log *zap.Logger) *Interpreter {
	return &Interpreter{model: m, log: log}
}

// Process applies one record to the model and returns the outbound event, or
// nil when the record produces none. storeHistory controls whether the event
// is retained in the history buffer; replay of already-rotated logs sets it
// to rebuild state without duplicating history delivery.
func (in *Interpreter) Process(rec *telemetry.Record, storeHistory bool) *model.Event {
	eventType := rec.EventType()
	if eventType == "" {
		return nil
	}

	var out *model.Event
	in.model.Update(func(s *model.State) {
		out = in.apply(s, rec, eventType, storeHistory)
	})
	return out
}

func (in *Interpreter) apply(s *model.State, rec *telemetry.Record, eventType string, storeHistory bool) *model.Event {
	body := &rec.Body
	ts := rec.Timestamp
	bodyType := body.Type
	txID := rec.TransactionID()
	contract := body.Contract()

	// The emitting peer: the peer_id attribute is authoritative, with the
	// body peer fields as fallback for both identity and IP.
	eventPeerID := rec.PeerIdentity()
	eventPeerIP := ""
	for _, peerStr := range []string{body.ThisPeer, body.Requester, body.Target} {
		ref := identity.ParsePeerString(peerStr)
		if ref == nil {
			continue
		}
		if eventPeerID == "" {
			eventPeerID = ref.ID
		}
		if eventPeerIP == "" {
			eventPeerIP = ref.IP
		}
		if eventPeerIP != "" {
			break
		}
	}

	// Any event from a known identity refreshes that peer's liveness.
	if eventPeerID != "" {
		if ip, ok := s.IdentityToIP[eventPeerID]; ok {
			s.TouchPeer(ip, ts)
		}
	}

	// Contract state per (contract, peer). Simulated/test peers are skipped.
	if contract != "" && eventPeerID != "" && (eventPeerIP == "" || identity.IsPublicIP(eventPeerIP)) {
		switch eventType {
		case "put_success", "get_success", "broadcast_emitted",
			"update_broadcast_emitted", "update_broadcast_received":
			if body.StateHash != "" {
				s.UpdateContractState(contract, eventPeerID, body.StateHash, ts, eventType)
			}
		case "update_success", "update_broadcast_applied":
			// The post-merge hash is definitive for these kinds.
			if body.StateHashPost != "" {
				s.UpdateContractState(contract, eventPeerID, body.StateHashPost, ts, eventType)
			}
		}
	}

	switch eventType {
	case "put_request":
		s.OpStats.Put.Requests++
		if txID != "" {
			s.PendingOps[txID] = model.PendingOp{Op: "put", StartNS: ts}
		}
	case "put_success":
		s.OpStats.Put.Successes++
		s.CompletePending(txID, ts, true)
	case "get_request":
		s.OpStats.Get.Requests++
		if txID != "" {
			s.PendingOps[txID] = model.PendingOp{Op: "get", StartNS: ts}
		}
	case "get_success":
		s.OpStats.Get.Successes++
		s.CompletePending(txID, ts, true)
	case "get_not_found":
		s.OpStats.Get.NotFound++
		s.CompletePending(txID, ts, false)
	case "update_request":
		s.OpStats.Update.Requests++
		if txID != "" {
			s.PendingOps[txID] = model.PendingOp{Op: "update", StartNS: ts}
		}
	case "update_success":
		s.OpStats.Update.Successes++
		s.CompletePending(txID, ts, true)
	case "update_broadcast_emitted", "broadcast_emitted":
		s.OpStats.Update.Broadcasts++
	case "subscribe_request":
		s.OpStats.Subscribe.Requests++
	case "subscribed":
		s.OpStats.Subscribe.Successes++
	case "transfer_completed":
		return in.applyTransfer(s, body, ts)
	}

	in.applySeeding(s, rec, eventType, body)
	in.applyLifecycle(s, rec, eventType, body, ts)

	thisRef := identity.ParsePeerString(body.ThisPeer)
	otherRef := in.otherPeer(body)

	// Address fields refresh liveness for known peers; gateways stay visible
	// through quiet periods this way.
	for _, addr := range []string{body.FromAddr, body.ToAddr, body.PeerAddr,
		body.ThisPeerAddr, body.FromPeerAddr, body.ConnectedPeerAddr} {
		ip := identity.HostFromAddr(addr)
		if ip != "" && identity.IsPublicIP(ip) {
			s.TouchPeer(ip, ts)
		}
	}

	in.applyEmitterIdentity(s, rec, body, thisRef)

	// Topology peers from the parsed peer strings.
	attrsPeerID := rec.PeerIdentity()
	type peerProbe struct {
		ref *identity.PeerRef
		pid string
	}
	probes := []peerProbe{{thisRef, attrsPeerID}}
	if otherRef != nil {
		probes = append(probes, peerProbe{otherRef, otherRef.ID})
	}
	for _, probe := range probes {
		if probe.ref == nil || !identity.IsPublicIP(probe.ref.IP) {
			continue
		}
		s.TouchPeer(probe.ref.IP, ts)
		created := s.RecordPeer(probe.ref.IP, probe.ref.Location, probe.pid, ts)
		if created && in.log != nil {
			in.log.Debug("new peer",
				zap.String("peer", identity.AnonymizeIP(probe.ref.IP)),
				zap.Float64("location", probe.ref.Location))
		}
	}

	connAdded, connRemoved := in.applyConnections(s, eventType, body, thisRef, otherRef)
	in.applySubscriptionTree(s, eventType, bodyType, body, contract, thisRef, eventPeerIP)

	// The display peer: the reporting peer when public, else the other end.
	var displayIP string
	var displayLoc *float64
	if thisRef != nil && identity.IsPublicIP(thisRef.IP) {
		displayIP = thisRef.IP
		loc := thisRef.Location
		displayLoc = &loc
	} else if otherRef != nil && identity.IsPublicIP(otherRef.IP) {
		displayIP = otherRef.IP
		loc := otherRef.Location
		displayLoc = &loc
	}
	if displayIP == "" {
		return nil
	}

	// Connect events carry a generic kind in attrs; the body type is the
	// specific phase and reads better on the timeline.
	displayEventType := eventType
	if eventType == "connect" && bodyType != "" {
		displayEventType = bodyType
	}

	ev := &model.Event{
		Type:       "event",
		Timestamp:  ts,
		EventType:  displayEventType,
		PeerID:     identity.AnonymizeIP(displayIP),
		PeerIPHash: identity.IPHash(displayIP),
		Location:   displayLoc,
		TimeStr:    time.Unix(0, ts).Format("15:04:05"),
	}
	if thisRef != nil && identity.IsPublicIP(thisRef.IP) {
		ev.FromPeer = identity.AnonymizeIP(thisRef.IP)
		loc := thisRef.Location
		ev.FromLocation = &loc
	}
	if otherRef != nil && identity.IsPublicIP(otherRef.IP) {
		ev.ToPeer = identity.AnonymizeIP(otherRef.IP)
		loc := otherRef.Location
		ev.ToLocation = &loc
	}
	if connAdded != nil {
		ev.Connection = connAdded
	}
	if connRemoved != nil {
		ev.Disconnection = connRemoved
	}
	if contract != "" {
		ev.Contract = model.ShortKey(contract)
		ev.ContractFull = contract
	}
	ev.StateHash = body.StateHash
	ev.StateHashBefore = body.StateHashPre
	ev.StateHashAfter = body.StateHashPost

	if model.ValidTransactionID(txID) {
		ev.TxID = txID
		s.TrackTransaction(txID, eventType, displayEventType, ts, ev.PeerID, contract)
	}

	if storeHistory && HistoryEventTypes[eventType] {
		s.AppendHistory(ev)
	}
	return ev
}

// applyTransfer records a transport-layer completion. The returned event
// carries the transfer payload; it reaches clients through state snapshots
// rather than the realtime stream.
func (in *Interpreter) applyTransfer(s *model.State, body *telemetry.Body, ts int64) *model.Event {
	ip := identity.HostFromAddr(body.PeerAddr)
	if ip == "" || !identity.IsPublicIP(ip) {
		return nil
	}
	direction := body.Direction
	if direction == "" {
		direction = "Send"
	}
	t := &model.TransferEvent{
		Type:          "transfer",
		Timestamp:     ts,
		PeerID:        identity.AnonymizeIP(ip),
		Direction:     direction,
		Bytes:         body.BytesTransferred,
		ElapsedMs:     body.ElapsedMs,
		ThroughputBps: body.AvgThroughputBps,
		Cwnd:          body.FinalCwndBytes,
		RttMs:         body.FinalSrttMs,
		Slowdowns:     body.Slowdowns,
		Timeouts:      body.TotalTimeouts,
	}
	s.AppendTransfer(t)
	return &model.Event{
		Type:      "transfer",
		Timestamp: ts,
		EventType: "transfer_completed",
		PeerID:    t.PeerID,
		Transfer:  t,
	}
}

// applySeeding handles the subscription-tree telemetry kinds, tracked per
// (contract, reporting peer).
func (in *Interpreter) applySeeding(s *model.State, rec *telemetry.Record, eventType string, body *telemetry.Body) {
	switch eventType {
	case "seeding_started", "seeding_stopped", "downstream_added",
		"downstream_removed", "upstream_set", "unsubscribed", "subscription_state":
	default:
		return
	}

	reporting := rec.PeerIdentity()
	if reporting == "" {
		if ref := identity.ParsePeerString(body.ThisPeer); ref != nil {
			reporting = ref.ID
		}
	}
	contract := body.Contract()
	if contract == "" || reporting == "" {
		return
	}
	reason := body.Reason
	if reason == "" {
		reason = "Unknown"
	}

	switch eventType {
	case "seeding_started":
		s.SeedingFor(contract, reporting).IsSeeding = true

	case "seeding_stopped":
		if st := s.SeedingLookup(contract, reporting); st != nil {
			st.IsSeeding = false
			st.StoppedReason = reason
		}

	case "downstream_added":
		st := s.SeedingFor(contract, reporting)
		st.DownstreamCount = body.DownstreamCount
		if sub := body.Subscriber; sub != "" && !contains(st.Downstream, sub) {
			st.Downstream = append(st.Downstream, sub)
		}

	case "downstream_removed":
		if st := s.SeedingLookup(contract, reporting); st != nil {
			st.DownstreamCount = body.DownstreamCount
			if sub := body.Subscriber; sub != "" {
				st.Downstream = remove(st.Downstream, sub)
			}
		}

	case "upstream_set":
		s.SeedingFor(contract, reporting).Upstream = body.Upstream

	case "unsubscribed":
		if st := s.SeedingLookup(contract, reporting); st != nil {
			st.Upstream = ""
			st.UnsubscribedReason = reason
		}

	case "subscription_state":
		s.ReplaceSeeding(contract, reporting, &model.SeedingState{
			IsSeeding:       body.IsSeeding,
			Upstream:        body.Upstream,
			Downstream:      append([]string(nil), body.Downstream...),
			DownstreamCount: body.DownstreamCount,
		})
	}
}

// applyLifecycle handles startup/shutdown records, keyed by the emitting
// identity. Startup events carry no IP, so records are stored unconditionally
// and filtered against known IPs when snapshots are built.
func (in *Interpreter) applyLifecycle(s *model.State, rec *telemetry.Record, eventType string, body *telemetry.Body, ts int64) {
	pid := rec.PeerIdentity()
	if pid == "" {
		return
	}
	switch eventType {
	case "peer_startup":
		lc := &model.Lifecycle{
			Version:     orUnknown(body.Version),
			Arch:        orUnknown(body.Arch),
			OS:          orUnknown(body.OS),
			OSVersion:   body.OSVersion,
			IsGateway:   body.IsGateway,
			StartupTime: ts,
		}
		s.Lifecycle[pid] = lc
		if in.log != nil {
			in.log.Info("peer startup",
				zap.String("version", lc.Version),
				zap.String("os", lc.OS),
				zap.Bool("gateway", lc.IsGateway))
		}
	case "peer_shutdown":
		if lc, ok := s.Lifecycle[pid]; ok {
			shutdown := ts
			graceful := body.Graceful
			lc.ShutdownTime = &shutdown
			lc.Graceful = &graceful
			lc.ShutdownReason = body.Reason
		}
	}
}

// otherPeer resolves the non-reporting peer from the body fields, in
// decreasing order of specificity.
func (in *Interpreter) otherPeer(body *telemetry.Body) *identity.PeerRef {
	for _, peerStr := range []string{body.ConnectedPeer, body.Target,
		body.Requester, body.Subscriber, body.Upstream} {
		if ref := identity.ParsePeerString(peerStr); ref != nil {
			return ref
		}
	}
	return nil
}

// applyEmitterIdentity maintains the attribute-identity to IP mapping that
// links lifecycle records to topology peers. Address fields win over the
// parsed peer string.
func (in *Interpreter) applyEmitterIdentity(s *model.State, rec *telemetry.Record, body *telemetry.Body, thisRef *identity.PeerRef) {
	pid := rec.PeerIdentity()
	if pid == "" {
		return
	}
	if thisRef != nil && identity.IsPublicIP(thisRef.IP) {
		s.RecordEmitterIdentity(pid, thisRef.IP)
	}
	for _, addr := range []string{body.ThisPeerAddr, body.FromPeerAddr} {
		ip := identity.HostFromAddr(addr)
		if ip != "" && identity.IsPublicIP(ip) {
			s.RecordEmitterIdentity(pid, ip)
			break
		}
	}
}

// applyConnections maintains the edge set: connect completions add edges,
// disconnects remove the edge to the address named in the body. Returns the
// anonymous pair for whichever happened.
func (in *Interpreter) applyConnections(s *model.State, eventType string, body *telemetry.Body, thisRef, otherRef *identity.PeerRef) (added, removed []string) {
	switch eventType {
	case "connect", "connected", "connect_connected":
		if thisRef == nil || otherRef == nil {
			return nil, nil
		}
		if !identity.IsPublicIP(thisRef.IP) || !identity.IsPublicIP(otherRef.IP) {
			return nil, nil
		}
		if s.RecordEdge(thisRef.IP, otherRef.IP) {
			added = []string{identity.AnonymizeIP(thisRef.IP), identity.AnonymizeIP(otherRef.IP)}
		}

	case "disconnect":
		if thisRef == nil {
			return nil, nil
		}
		disconnectedIP := identity.HostFromAddr(body.FromPeerAddr)
		if disconnectedIP == "" || !identity.IsPublicIP(thisRef.IP) || !identity.IsPublicIP(disconnectedIP) {
			return nil, nil
		}
		if s.RemoveEdge(thisRef.IP, disconnectedIP) {
			removed = []string{identity.AnonymizeIP(thisRef.IP), identity.AnonymizeIP(disconnectedIP)}
		}
	}
	return added, removed
}

// applySubscriptionTree accrues subscriber sets and broadcast-tree edges for
// a contract from subscribe completions and broadcast events.
func (in *Interpreter) applySubscriptionTree(s *model.State, eventType, bodyType string, body *telemetry.Body, contract string, thisRef *identity.PeerRef, eventPeerIP string) {
	if contract == "" {
		return
	}

	isBroadcast := bodyType == "broadcast_emitted"
	switch eventType {
	case "broadcast_emitted", "update_broadcast_emitted",
		"update_broadcast_received", "update_broadcast_applied":
		isBroadcast = true
	}
	isSubscribe := eventType == "subscribed" || eventType == "subscribe_success"
	if !isBroadcast && !isSubscribe {
		return
	}

	sub := s.SubscriptionFor(contract)

	if isSubscribe {
		subscriberIP := eventPeerIP
		if thisRef != nil && thisRef.IP != "" {
			subscriberIP = thisRef.IP
		}
		if subscriberIP != "" && identity.IsPublicIP(subscriberIP) {
			sub.Subscribers[identity.AnonymizeIP(subscriberIP)] = struct{}{}
		}
	}

	if isBroadcast {
		senderRef := identity.ParsePeerString(body.Sender)
		if senderRef == nil || !identity.IsPublicIP(senderRef.IP) {
			return
		}
		senderID := identity.AnonymizeIP(senderRef.IP)
		targets, ok := sub.Tree[senderID]
		if !ok {
			targets = make(map[string]struct{})
			sub.Tree[senderID] = targets
		}
		for _, targetStr := range body.BroadcastTo {
			ref := identity.ParsePeerString(targetStr)
			if ref == nil || !identity.IsPublicIP(ref.IP) {
				continue
			}
			targetID := identity.AnonymizeIP(ref.IP)
			targets[targetID] = struct{}{}
			sub.Subscribers[targetID] = struct{}{}
		}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func remove(list []string, s string) []string {
	for i, v := range list {
		if v == s {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}
