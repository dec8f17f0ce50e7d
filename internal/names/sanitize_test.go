package names

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

func TestLocalSanitizer(t *testing.T) {
	tests := []struct {
		name       string
		in         string
		want       string
		wantReject bool
	}{
		{"plain", "alice", "alice", false},
		{"trimmed", "  alice  ", "alice", false},
		{"handle punctuation kept", "node-1_a.b!c/d", "node-1_a.b!c/d", false},
		{"disallowed stripped", "al<i>ce;", "alice", false},
		{"truncated to stored length", strings.Repeat("a", 40), strings.Repeat("a", 20), false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"only disallowed chars", "<<<>>>", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := LocalSanitizer{}.Sanitize(context.Background(), tt.in)
			if tt.wantReject {
				if reason == "" {
					t.Fatalf("Sanitize(%q) accepted as %q", tt.in, got)
				}
				return
			}
			if reason != "" {
				t.Fatalf("Sanitize(%q) rejected: %s", tt.in, reason)
			}
			if got != tt.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRejectionMessage(t *testing.T) {
	if msg := RejectionMessage("offensive"); !strings.Contains(msg, "offensive") {
		t.Fatalf("offensive message = %q", msg)
	}
	if msg := RejectionMessage("spam"); msg != "Name not allowed: spam" {
		t.Fatalf("fallback message = %q", msg)
	}
}

func remoteSanitizer(t *testing.T, handler http.HandlerFunc) *RemoteSanitizer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewRemoteSanitizer(srv.URL, "test-key", 2*time.Second, zap.NewNop())
}

func TestRemoteSanitizer_Safe(t *testing.T) {
	var gotAuth string
	r := remoteSanitizer(t, func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		w.Write([]byte("safe"))
	})

	got, reason := r.Sanitize(context.Background(), "alice")
	if reason != "" || got != "alice" {
		t.Fatalf("Sanitize = %q, %q", got, reason)
	}
	if gotAuth != "Bearer test-key" {
		t.Fatalf("auth header = %q", gotAuth)
	}
}

func TestRemoteSanitizer_Reject(t *testing.T) {
	r := remoteSanitizer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("reject: political"))
	})

	got, reason := r.Sanitize(context.Background(), "VOTE NOW")
	if got != "" || reason != "political" {
		t.Fatalf("Sanitize = %q, %q, want rejection with reason political", got, reason)
	}
}

func TestRemoteSanitizer_RejectWithoutReason(t *testing.T) {
	r := remoteSanitizer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("reject"))
	})

	if _, reason := r.Sanitize(context.Background(), "bad"); reason != "inappropriate" {
		t.Fatalf("reason = %q, want inappropriate", reason)
	}
}

func TestRemoteSanitizer_ServerErrorFallsBack(t *testing.T) {
	r := remoteSanitizer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	// Failure degrades to the local character filter.
	got, reason := r.Sanitize(context.Background(), "al<i>ce")
	if reason != "" || got != "alice" {
		t.Fatalf("fallback Sanitize = %q, %q", got, reason)
	}
}

func TestRemoteSanitizer_UnreachableFallsBack(t *testing.T) {
	r := NewRemoteSanitizer("http://127.0.0.1:1/classify", "", 200*time.Millisecond, zap.NewNop())
	got, reason := r.Sanitize(context.Background(), "alice")
	if reason != "" || got != "alice" {
		t.Fatalf("fallback Sanitize = %q, %q", got, reason)
	}
}

func TestRemoteSanitizer_TruncatesBeforeClassifying(t *testing.T) {
	var seen int
	r := remoteSanitizer(t, func(w http.ResponseWriter, req *http.Request) {
		var body classifyRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		seen = len(body.Name)
		w.Write([]byte("safe"))
	})

	got, reason := r.Sanitize(context.Background(), strings.Repeat("a", 100))
	if reason != "" {
		t.Fatalf("rejected: %s", reason)
	}
	if seen != maxSubmittedLen {
		t.Fatalf("classifier saw %d chars, want %d", seen, maxSubmittedLen)
	}
	if len(got) != maxStoredLen {
		t.Fatalf("stored length = %d, want %d", len(got), maxStoredLen)
	}
}
