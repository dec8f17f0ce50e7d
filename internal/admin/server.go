// Package admin serves the operational endpoints: liveness, readiness and
// Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// TailerStatus reports ingest liveness for the readiness check.
type TailerStatus interface {
	LastRecordTime() time.Time
}

// ClientCounter reports connected WebSocket clients.
type ClientCounter interface {
	Counts() (total, priority int)
}

// tailerStaleAfter is how long without a processed record before readiness
// degrades. The overlay emits continuously; a silent tailer usually means a
// wedged log pipeline.
const tailerStaleAfter = 5 * time.Minute

type Server struct {
	srv     *http.Server
	tailer  TailerStatus
	clients ClientCounter
	logger  *zap.Logger
}

func NewServer(addr string, tailer TailerStatus, clients ClientCounter, logger *zap.Logger) *Server {
	s := &Server{
		tailer:  tailer,
		clients: clients,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("admin server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("admin server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]any{}
	allOK := true

	// Check the tailer. No records at all is fine right after startup on a
	// quiet log; records that stopped is not.
	if s.tailer != nil {
		last := s.tailer.LastRecordTime()
		switch {
		case last.IsZero():
			checks["tailer"] = "waiting"
		case time.Since(last) > tailerStaleAfter:
			checks["tailer"] = "stale"
			allOK = false
		default:
			checks["tailer"] = "ok"
		}
	} else {
		checks["tailer"] = "absent"
		allOK = false
	}

	if s.clients != nil {
		total, priority := s.clients.Counts()
		checks["clients"] = map[string]int{"total": total, "priority": priority}
	}

	w.Header().Set("Content-Type", "application/json")
	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}

	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]any{
		"status": status,
		"checks": checks,
	})
}
