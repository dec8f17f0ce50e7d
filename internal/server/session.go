package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mesh-observer/telemetry-hub/internal/hub"
	"github.com/mesh-observer/telemetry-hub/internal/metrics"
	"github.com/mesh-observer/telemetry-hub/internal/names"
)

// runSession drives one client from snapshot delivery to disconnect. The
// state and history payloads go out directly before the sender goroutine
// starts; everything after rides the bounded queue.
func (s *Server) runSession(ctx context.Context, client *hub.Client) {
	defer func() {
		s.hub.Remove(client)
		client.Close()
		total, _ := s.hub.Counts()
		s.log.Info("client disconnected",
			zap.String("client", client.IPHash),
			zap.Int64("dropped", client.Dropped()),
			zap.Int("clients", total))
	}()

	if err := s.sendInitial(client); err != nil {
		s.log.Debug("initial send failed", zap.String("client", client.IPHash), zap.Error(err))
		return
	}

	s.hub.Add(client)
	client.Start()
	total, _ := s.hub.Counts()
	s.log.Info("client connected",
		zap.String("client", client.IPHash),
		zap.Bool("priority", client.Priority),
		zap.Int("clients", total))

	s.controlLoop(ctx, client)
}

func (s *Server) sendInitial(client *hub.Client) error {
	state := s.model.NetworkState(s.store.All())
	state.YourIPHash = client.IPHash
	state.YourPeerID = client.PeerID
	state.GatewayPeerID = s.gatewayPeerID
	state.GatewayIPHash = s.gatewayIPHash
	state.YouArePeer = s.model.HasPeer(client.IP)
	if name, ok := s.store.Get(client.IPHash); ok {
		state.YourName = &name
	}
	state.PriorityToken = newPriorityToken()

	msg, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := client.SendDirect(msg); err != nil {
		return err
	}

	history := s.model.HistorySnapshot()
	msg, err = json.Marshal(history)
	if err != nil {
		return err
	}
	return client.SendDirect(msg)
}

type clientMessage struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type nameSetResult struct {
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Name    string `json:"name,omitempty"`
	Error   string `json:"error,omitempty"`
}

type peerNameUpdate struct {
	Type   string `json:"type"`
	IPHash string `json:"ip_hash"`
	Name   string `json:"name"`
}

func (s *Server) controlLoop(ctx context.Context, client *hub.Client) {
	for {
		_, raw, err := client.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "set_peer_name" {
			s.handleSetName(ctx, client, strings.TrimSpace(msg.Name))
		}
	}
}

func (s *Server) handleSetName(ctx context.Context, client *hub.Client, name string) {
	reply := func(res nameSetResult) {
		res.Type = "name_set_result"
		if msg, err := json.Marshal(res); err == nil {
			client.Enqueue(msg)
		}
	}

	if client.IPHash == "" {
		reply(nameSetResult{Success: false, Error: "Cannot identify your peer"})
		return
	}
	if name == "" {
		return
	}

	allowed, wait := s.store.CheckRateLimit(client.IPHash)
	if !allowed {
		metrics.NameChangesTotal.WithLabelValues("rate_limited").Inc()
		minutes := int(wait.Minutes())
		reply(nameSetResult{Success: false,
			Error: "Too many changes. Try again in " + strconv.Itoa(minutes) + " min"})
		return
	}

	sanitized, reason := s.san.Sanitize(ctx, name)
	if sanitized == "" {
		metrics.NameChangesTotal.WithLabelValues("rejected").Inc()
		s.log.Info("peer name rejected",
			zap.String("client", client.IPHash),
			zap.String("reason", reason))
		reply(nameSetResult{Success: false, Error: names.RejectionMessage(reason)})
		return
	}

	s.store.Set(client.IPHash, sanitized)
	metrics.NameChangesTotal.WithLabelValues("accepted").Inc()
	s.log.Info("peer name set", zap.String("client", client.IPHash))

	s.hub.Broadcast(peerNameUpdate{
		Type:   "peer_name_update",
		IPHash: client.IPHash,
		Name:   sanitized,
	})
	reply(nameSetResult{Success: true, Name: sanitized})
}

// newPriorityToken returns 16 hex characters for returning-user recognition.
func newPriorityToken() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}
