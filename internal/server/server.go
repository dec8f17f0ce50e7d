// Package server exposes the WebSocket endpoint: admission control, the
// initial state/history exchange and the client control loop.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mesh-observer/telemetry-hub/internal/config"
	"github.com/mesh-observer/telemetry-hub/internal/hub"
	"github.com/mesh-observer/telemetry-hub/internal/identity"
	"github.com/mesh-observer/telemetry-hub/internal/metrics"
	"github.com/mesh-observer/telemetry-hub/internal/model"
	"github.com/mesh-observer/telemetry-hub/internal/names"
)

// closeTryAgainLater is sent when admission refuses a connection.
const closeTryAgainLater = 1013

// Server is the WebSocket front end.
type Server struct {
	cfg   *config.Config
	model *model.Model
	hub   *hub.Hub
	store *names.Store
	san   names.Sanitizer
	log   *zap.Logger

	gatewayPeerID string
	gatewayIPHash string

	upgrader websocket.Upgrader
	http     *http.Server
}

// New builds the server. The first configured gateway IP is advertised to
// clients as the primary gateway.
func New(cfg *config.Config, m *model.Model, h *hub.Hub, store *names.Store, san names.Sanitizer, log *zap.Logger) *Server {
	gatewayIP := ""
	if len(cfg.Network.GatewayIPs) > 0 {
		gatewayIP = cfg.Network.GatewayIPs[0]
	}
	s := &Server{
		cfg:           cfg,
		model:         m,
		hub:           h,
		store:         store,
		san:           san,
		log:           log,
		gatewayPeerID: identity.AnonymizeIP(gatewayIP),
		gatewayIPHash: identity.IPHash(gatewayIP),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   4096,
			EnableCompression: true,
			// The dashboard is served from a different origin than the
			// WebSocket endpoint; the payload is already anonymized.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)
	s.http = &http.Server{
		Addr:    cfg.Service.WSListen,
		Handler: mux,
	}
	return s
}

// Run serves until ctx is done, then shuts down within the configured
// timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("websocket server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	s.hub.CloseAll()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	clientIP := s.realIP(r)
	priority := validPriorityToken(r.URL.Query().Get("token")) || s.model.HasPeer(clientIP)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	total, _ := s.hub.Counts()
	generalLimit := s.cfg.Clients.MaxClients - s.cfg.Clients.PriorityReserved
	switch {
	case total >= s.cfg.Clients.MaxClients:
		metrics.AdmissionRejectsTotal.WithLabelValues("capacity").Inc()
		s.log.Info("connection rejected at capacity", zap.Int("clients", total))
		s.reject(conn, "Server at capacity, please try again later")
		return
	case total >= generalLimit && !priority:
		metrics.AdmissionRejectsTotal.WithLabelValues("general_full").Inc()
		s.log.Info("connection rejected, general capacity reached",
			zap.Int("clients", total))
		s.reject(conn, "Server busy - returning users have priority. Please try again later")
		return
	}

	client := hub.NewClient(conn, clientIP,
		identity.IPHash(clientIP), identity.AnonymizeIP(clientIP),
		priority, s.cfg.Clients.QueueCapacity, s.log)
	s.runSession(r.Context(), client)
}

func (s *Server) reject(conn *websocket.Conn, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(closeTryAgainLater, reason), deadline)
	_ = conn.Close()
}

// realIP resolves the client address: the first X-Forwarded-For entry when
// the reverse proxy supplies one, else the socket peer.
func (s *Server) realIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// validPriorityToken accepts the 16-character lowercase hex tokens issued in
// state snapshots.
func validPriorityToken(token string) bool {
	if len(token) != 16 {
		return false
	}
	for _, c := range token {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
