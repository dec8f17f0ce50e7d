package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mesh-observer/telemetry-hub/internal/config"
	"github.com/mesh-observer/telemetry-hub/internal/hub"
	"github.com/mesh-observer/telemetry-hub/internal/model"
	"github.com/mesh-observer/telemetry-hub/internal/names"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Names.FilePath = filepath.Join(t.TempDir(), "peer_names.json")

	m := model.New(model.Limits{})
	m.SetNow(func() int64 { return time.Now().UnixNano() })
	h := hub.New(cfg.Clients.FlushInterval(), cfg.Clients.QueueCapacity, zap.NewNop())
	store := names.NewStore(cfg.Names.FilePath, cfg.Names.ChangeLimit, cfg.Names.ChangeWindow(), zap.NewNop())

	srv := New(cfg, m, h, store, names.LocalSanitizer{}, zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("decoding %q: %v", raw, err)
	}
	return msg
}

// waitForClients blocks until the hub registry reaches the expected size.
// Registration happens after the initial snapshot send, so a client that has
// read its snapshots may not be counted yet.
func waitForClients(t *testing.T, srv *Server, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if total, _ := srv.hub.Counts(); total == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	total, _ := srv.hub.Counts()
	t.Fatalf("clients = %d, want %d", total, want)
}

func TestSession_InitialExchange(t *testing.T) {
	_, ts := testServer(t)
	conn := dialWS(t, ts)

	state := readJSON(t, conn)
	if state["type"] != "state" {
		t.Fatalf("first message type = %v", state["type"])
	}
	token, _ := state["priority_token"].(string)
	if !validPriorityToken(token) {
		t.Fatalf("priority token = %q", token)
	}
	if _, ok := state["your_ip_hash"].(string); !ok {
		t.Fatal("your_ip_hash missing")
	}
	if _, ok := state["gateway_peer_id"].(string); !ok {
		t.Fatal("gateway_peer_id missing")
	}

	history := readJSON(t, conn)
	if history["type"] != "history" {
		t.Fatalf("second message type = %v", history["type"])
	}
}

func TestSession_SetPeerName(t *testing.T) {
	_, ts := testServer(t)
	conn := dialWS(t, ts)
	readJSON(t, conn)
	readJSON(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": "set_peer_name", "name": "alice"}); err != nil {
		t.Fatal(err)
	}

	// The broadcast goes out before the direct reply, on the same queue.
	update := readJSON(t, conn)
	if update["type"] != "peer_name_update" || update["name"] != "alice" {
		t.Fatalf("update = %v", update)
	}
	result := readJSON(t, conn)
	if result["type"] != "name_set_result" || result["success"] != true {
		t.Fatalf("result = %v", result)
	}
	if result["name"] != "alice" {
		t.Fatalf("stored name = %v", result["name"])
	}
}

func TestSession_SetPeerNameRejected(t *testing.T) {
	_, ts := testServer(t)
	conn := dialWS(t, ts)
	readJSON(t, conn)
	readJSON(t, conn)

	if err := conn.WriteJSON(map[string]string{"type": "set_peer_name", "name": "<<<>>>"}); err != nil {
		t.Fatal(err)
	}

	result := readJSON(t, conn)
	if result["type"] != "name_set_result" || result["success"] != false {
		t.Fatalf("result = %v", result)
	}
	if _, ok := result["error"].(string); !ok {
		t.Fatal("rejection carries no error message")
	}
}

func TestSession_CapacityRejection(t *testing.T) {
	srv, ts := testServer(t)
	srv.cfg.Clients.MaxClients = 1
	srv.cfg.Clients.PriorityReserved = 0

	first := dialWS(t, ts)
	readJSON(t, first)
	readJSON(t, first)
	waitForClients(t, srv, 1)

	second := dialWS(t, ts)
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := second.ReadMessage()
	if err == nil {
		t.Fatal("expected close, got a message")
	}
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != closeTryAgainLater {
		t.Fatalf("close code = %d, want %d", ce.Code, closeTryAgainLater)
	}
	if !strings.Contains(ce.Text, "capacity") {
		t.Fatalf("close reason = %q", ce.Text)
	}
}

func TestSession_PriorityAdmittedWhenGeneralFull(t *testing.T) {
	srv, ts := testServer(t)
	srv.cfg.Clients.MaxClients = 3
	srv.cfg.Clients.PriorityReserved = 2

	first := dialWS(t, ts)
	readJSON(t, first)
	readJSON(t, first)
	waitForClients(t, srv, 1)

	// General capacity (1) is now exhausted; a plain client is turned away.
	plain := dialWS(t, ts)
	plain.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := plain.ReadMessage(); err == nil {
		t.Fatal("plain client admitted past general capacity")
	}

	// A token holder gets one of the reserved slots.
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?token=0123456789abcdef"
	prio, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("priority dial: %v", err)
	}
	defer prio.Close()
	state := readJSON(t, prio)
	if state["type"] != "state" {
		t.Fatalf("priority client got %v", state["type"])
	}
}
