// Package netlimit implements per-IP concurrent-connection limiting and
// whitelisting, ported from the teacher's RTMPServer.AddIP/RemoveIP/
// isIPExempted (rtmp_server.go) and the play whitelist check in
// rtmp_session_utils.go, generalized into a standalone reusable type
// instead of fields embedded directly on the server struct.
package netlimit

import (
	"net"
	"strings"

	"github.com/netdata/go.d.plugin/pkg/iprange"

	"github.com/riverstream/rtmpd/internal/rtmplog"
)

const defaultIPLimit = 4

// Limiter caps the number of concurrent connections from a single IP,
// except for addresses covered by a whitelist of CIDR/range expressions.
type Limiter struct {
	mu    chan struct{} // 1-buffered mutex, cheap and avoids importing sync for one field
	count map[string]uint32
	limit uint32
	white []iprange.Range
	allAllowed bool
}

// New builds a Limiter. limit <= 0 falls back to the teacher's default of
// 4 concurrent connections per IP. whitelist is a comma-separated list of
// CIDR/IP ranges (or "*" to disable limiting entirely), matching
// CONCURRENT_LIMIT_WHITELIST's format.
func New(limit int, whitelist string) *Limiter {
	l := &Limiter{
		mu:    make(chan struct{}, 1),
		count: make(map[string]uint32),
		limit: defaultIPLimit,
	}
	l.mu <- struct{}{}
	if limit > 0 {
		l.limit = uint32(limit)
	}
	l.setWhitelist(whitelist)
	return l
}

func (l *Limiter) setWhitelist(raw string) {
	if raw == "" {
		return
	}
	if raw == "*" {
		l.allAllowed = true
		return
	}
	for _, part := range strings.Split(raw, ",") {
		r, err := iprange.ParseRange(strings.TrimSpace(part))
		if err != nil {
			rtmplog.Error(err)
			continue
		}
		l.white = append(l.white, r)
	}
}

func (l *Limiter) exempt(ipStr string) bool {
	if l.allAllowed {
		return true
	}
	if len(l.white) == 0 {
		return false
	}
	ip := net.ParseIP(ipStr)
	for _, r := range l.white {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// Allow claims a connection slot for ip, returning false if the IP is at
// its concurrent-connection limit and not whitelisted. Every true result
// must be paired with a later Release.
func (l *Limiter) Allow(ip string) bool {
	if l.exempt(ip) {
		return true
	}
	<-l.mu
	defer func() { l.mu <- struct{}{} }()

	if l.count[ip] >= l.limit {
		return false
	}
	l.count[ip]++
	return true
}

// Release gives back a connection slot claimed by a true Allow result.
// Releasing an exempted IP (never counted) is a harmless no-op.
func (l *Limiter) Release(ip string) {
	<-l.mu
	defer func() { l.mu <- struct{}{} }()

	c := l.count[ip]
	if c <= 1 {
		delete(l.count, ip)
	} else {
		l.count[ip] = c - 1
	}
}

// PlayWhitelist mirrors the same range-matching logic but as a standalone
// allow-list with no counting, for RTMP_PLAY_WHITELIST (spec.md §6.3:
// when set, only matching IPs may play streams).
type PlayWhitelist struct {
	enabled bool
	white   []iprange.Range
}

// NewPlayWhitelist parses RTMP_PLAY_WHITELIST's comma-separated ranges.
// An empty string disables the whitelist (every IP may play).
func NewPlayWhitelist(raw string) *PlayWhitelist {
	pw := &PlayWhitelist{}
	if raw == "" {
		return pw
	}
	pw.enabled = true
	for _, part := range strings.Split(raw, ",") {
		r, err := iprange.ParseRange(strings.TrimSpace(part))
		if err != nil {
			rtmplog.Error(err)
			continue
		}
		pw.white = append(pw.white, r)
	}
	return pw
}

// Allowed reports whether ipStr may play a stream. Always true when the
// whitelist was never configured.
func (pw *PlayWhitelist) Allowed(ipStr string) bool {
	if !pw.enabled {
		return true
	}
	ip := net.ParseIP(ipStr)
	for _, r := range pw.white {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}
