package names

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const (
	maxSubmittedLen = 30
	maxStoredLen    = 20
)

// Sanitizer decides whether a submitted display name is acceptable. It
// returns the name to store, or a rejection reason ("political", "offensive",
// "religious" or free text) when the name is refused.
type Sanitizer interface {
	Sanitize(ctx context.Context, name string) (sanitized, rejectReason string)
}

// RejectionMessage maps a moderation reason to the user-facing error.
func RejectionMessage(reason string) string {
	switch reason {
	case "political":
		return "Political slogans and advocacy aren't allowed — use a nickname instead"
	case "offensive":
		return "That name contains offensive content"
	case "religious":
		return "Religious proclamations aren't allowed — use a nickname instead"
	}
	return "Name not allowed: " + reason
}

// allowedChars keeps word characters, whitespace and a small set of handle
// punctuation.
var allowedChars = regexp.MustCompile(`[^\w\s\-_.!/]`)

// LocalSanitizer is the character-filter fallback used when no moderation
// endpoint is configured or the endpoint fails.
type LocalSanitizer struct{}

// Sanitize strips disallowed characters and truncates. Only empty names are
// rejected.
func (LocalSanitizer) Sanitize(_ context.Context, name string) (string, string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "Empty name"
	}
	if len(name) > maxSubmittedLen {
		name = name[:maxSubmittedLen]
	}
	cleaned := allowedChars.ReplaceAllString(name, "")
	if len(cleaned) > maxStoredLen {
		cleaned = cleaned[:maxStoredLen]
	}
	if strings.TrimSpace(cleaned) == "" {
		return "", "Empty name"
	}
	return cleaned, ""
}

// RemoteSanitizer calls an external classifier service. The service receives
// the candidate name and answers "safe" or "reject: <reason>". Any transport
// or protocol failure falls back to local filtering so name changes keep
// working during moderation outages.
type RemoteSanitizer struct {
	endpoint string
	apiKey   string
	client   *http.Client
	fallback LocalSanitizer
	log      *zap.Logger
}

// NewRemoteSanitizer builds a classifier client.
func NewRemoteSanitizer(endpoint, apiKey string, timeout time.Duration, log *zap.Logger) *RemoteSanitizer {
	return &RemoteSanitizer{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

type classifyRequest struct {
	Name string `json:"name"`
}

func (r *RemoteSanitizer) Sanitize(ctx context.Context, name string) (string, string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", "Empty name"
	}
	if len(name) > maxSubmittedLen {
		name = name[:maxSubmittedLen]
	}

	verdict, err := r.classify(ctx, name)
	if err != nil {
		r.log.Warn("name classifier unavailable, using local filter", zap.Error(err))
		return r.fallback.Sanitize(ctx, name)
	}

	if strings.HasPrefix(verdict, "reject") {
		reason := "inappropriate"
		if i := strings.IndexByte(verdict, ':'); i >= 0 {
			reason = strings.TrimSpace(verdict[i+1:])
		}
		return "", reason
	}
	if len(name) > maxStoredLen {
		name = name[:maxStoredLen]
	}
	return name, ""
}

func (r *RemoteSanitizer) classify(ctx context.Context, name string) (string, error) {
	body, err := json.Marshal(classifyRequest{Name: name})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier returned %s", resp.Status)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", err
	}
	return strings.ToLower(strings.TrimSpace(string(raw))), nil
}
