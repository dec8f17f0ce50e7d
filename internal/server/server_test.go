package server

import (
	"net/http"
	"testing"
)

func TestValidPriorityToken(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{"0123456789abcdef", true},
		{"ffffffffffffffff", true},
		{"", false},
		{"0123456789abcde", false},
		{"0123456789abcdef0", false},
		{"0123456789ABCDEF", false},
		{"0123456789abcdeg", false},
		{"0123456789-bcdef", false},
	}
	for _, tt := range tests {
		if got := validPriorityToken(tt.token); got != tt.want {
			t.Errorf("validPriorityToken(%q) = %v, want %v", tt.token, got, tt.want)
		}
	}
}

func TestRealIP(t *testing.T) {
	s := &Server{}
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{"socket peer", "1.2.3.4:51234", "", "1.2.3.4"},
		{"forwarded single", "127.0.0.1:80", "5.6.7.8", "5.6.7.8"},
		{"forwarded chain takes first", "127.0.0.1:80", "5.6.7.8, 9.9.9.9", "5.6.7.8"},
		{"forwarded with spaces", "127.0.0.1:80", "  5.6.7.8 , 9.9.9.9", "5.6.7.8"},
		{"unparseable remote passed through", "not-an-addr", "", "not-an-addr"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := http.NewRequest(http.MethodGet, "/", nil)
			if err != nil {
				t.Fatal(err)
			}
			r.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				r.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := s.realIP(r); got != tt.want {
				t.Errorf("realIP = %q, want %q", got, tt.want)
			}
		})
	}
}
