// Package identity derives anonymous peer identifiers from IP addresses and
// parses the peer-string grammar used throughout the overlay telemetry.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
)

// peerPattern matches peer strings like "PeerId@1.2.3.4:5000 (@ 0.25)".
var peerPattern = regexp.MustCompile(`(\w+)@(\d+\.\d+\.\d+\.\d+):(\d+)\s*\(@\s*([\d.]+)\)`)

// AnonymizeIP converts an IP address into a stable anonymous identifier.
func AnonymizeIP(ip string) string {
	if ip == "" {
		return "unknown"
	}
	sum := sha256.Sum256([]byte(ip))
	return "peer-" + hex.EncodeToString(sum[:])[:8]
}

// IPHash returns a short hash of the IP used for client self-identification.
func IPHash(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:6]
}

// IsPublicIP reports whether ip is a public, non-test address. Private,
// loopback, link-scoped test ranges and "localhost" are all excluded.
func IsPublicIP(ip string) bool {
	if ip == "" {
		return false
	}
	if strings.HasPrefix(ip, "127.") || strings.HasPrefix(ip, "172.") ||
		strings.HasPrefix(ip, "10.") || strings.HasPrefix(ip, "192.168.") {
		return false
	}
	if strings.HasPrefix(ip, "0.") || ip == "localhost" {
		return false
	}
	return true
}

// PeerRef is a parsed peer string reference.
type PeerRef struct {
	ID       string
	IP       string
	Location float64
}

// ParsePeerString extracts the peer id, IP and ring location from a peer
// string of the form "<peerId>@<ip>:<port> (@ <location>)". Returns nil
// when the string does not match the grammar.
func ParsePeerString(s string) *PeerRef {
	if s == "" {
		return nil
	}
	m := peerPattern.FindStringSubmatch(s)
	if m == nil {
		return nil
	}
	loc, err := strconv.ParseFloat(m[4], 64)
	if err != nil {
		return nil
	}
	return &PeerRef{ID: m[1], IP: m[2], Location: loc}
}

// HostFromAddr returns the host portion of an "ip:port" address, or "" when
// the address carries no port separator.
func HostFromAddr(addr string) string {
	if addr == "" || !strings.Contains(addr, ":") {
		return ""
	}
	return addr[:strings.Index(addr, ":")]
}
