// Package sweep runs the periodic cleanup of stale model data and announces
// removals to connected clients.
package sweep

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mesh-observer/telemetry-hub/internal/hub"
	"github.com/mesh-observer/telemetry-hub/internal/metrics"
	"github.com/mesh-observer/telemetry-hub/internal/model"
)

// Sweeper drives the cleanup cycle: stale peers and their dependent records,
// leaked pending operations and expired propagation windows, all removed
// under one model update so clients never see a partially swept state.
type Sweeper struct {
	model    *model.Model
	hub      *hub.Hub
	interval time.Duration
	log      *zap.Logger
}

func New(m *model.Model, h *hub.Hub, interval time.Duration, log *zap.Logger) *Sweeper {
	return &Sweeper{model: m, hub: h, interval: interval, log: log}
}

// peersRemoved is the removal announcement. PeerIDs carries the raw
// telemetry identities so clients can drop contract rows keyed by them.
type peersRemoved struct {
	Type        string      `json:"type"`
	Peers       []string    `json:"peers"`
	PeerIDs     []string    `json:"peer_ids"`
	Connections [][2]string `json:"connections"`
}

// Run sweeps on the configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	var result model.SweepResult
	var pendingRemoved, propagationRemoved int
	s.model.Update(func(st *model.State) {
		result = st.CleanupStalePeers()
		pendingRemoved = st.CleanupStalePendingOps()
		propagationRemoved = st.CleanupStalePropagation()
	})

	if !result.Empty() {
		metrics.StalePeersRemovedTotal.Add(float64(len(result.RemovedPeers)))
		s.log.Info("swept stale peers",
			zap.Int("peers", len(result.RemovedPeers)),
			zap.Int("connections", len(result.RemovedConnections)),
			zap.Int("identities", len(result.RemovedIdentities)))

		connections := result.RemovedConnections
		if connections == nil {
			connections = [][2]string{}
		}
		peerIDs := result.RemovedIdentities
		if peerIDs == nil {
			peerIDs = []string{}
		}
		s.hub.Broadcast(peersRemoved{
			Type:        "peers_removed",
			Peers:       result.RemovedPeers,
			PeerIDs:     peerIDs,
			Connections: connections,
		})
	}
	if pendingRemoved > 0 || propagationRemoved > 0 {
		s.log.Debug("swept auxiliary state",
			zap.Int("pending_ops", pendingRemoved),
			zap.Int("propagation", propagationRemoved))
	}

	s.hub.LogBackpressure()
}
