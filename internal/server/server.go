// Package server is the accept-loop façade: it listens for TCP (and,
// optionally, TLS) connections, hands each one to a round-robin reactor
// worker for lifecycle bookkeeping, and runs the connection itself on its
// own goroutine via internal/conn — the shape the teacher's
// rtmp_server.go uses for its Start/handleConnection loop, generalized
// with the worker-pinning and idle-session sweep spec.md §6.6 asks for.
package server

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/riverstream/rtmpd/internal/conn"
	"github.com/riverstream/rtmpd/internal/netlimit"
	"github.com/riverstream/rtmpd/internal/reactor"
	"github.com/riverstream/rtmpd/internal/rtmplog"
	"github.com/riverstream/rtmpd/internal/session"
)

// Config bundles the environment-driven knobs described in SPEC_FULL.md §8.
type Config struct {
	BindAddress string
	RTMPPort    int
	SSLPort     int // 0 disables RTMPS
	TLSConfig   *tls.Config

	NumWorkers        int
	MaxStreamIDLength int
	MaxGOPFrames      int
	GOPByteLimitMB    int

	MaxIPConnections int
	IPWhitelist      string // CONCURRENT_LIMIT_WHITELIST
	PlayWhitelist    string // RTMP_PLAY_WHITELIST

	SweepInterval time.Duration

	// Registry, when non-nil, is used instead of a freshly created one —
	// needed when a caller (e.g. the coordinator/Redis admin wiring in
	// cmd/rtmpserver) must hold a reference to the same registry the
	// server will populate, before the Server itself exists.
	Registry *session.Registry
}

// Server owns the listeners, the session registry, and the reactor pool.
type Server struct {
	cfg      Config
	registry *session.Registry
	loop     *reactor.EventLoop
	limiter  *netlimit.Limiter
	hooks    conn.Hooks

	nextID   uint64
	plain    net.Listener
	tlsList  net.Listener
}

// New builds a Server; call Serve to start accepting. hooks.CanPlay, if
// already set, is consulted in addition to (not instead of) the
// RTMP_PLAY_WHITELIST range check.
func New(cfg Config, hooks conn.Hooks) *Server {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 4
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	playWhitelist := netlimit.NewPlayWhitelist(cfg.PlayWhitelist)
	userCanPlay := hooks.CanPlay
	hooks.CanPlay = func(ip string) bool {
		if !playWhitelist.Allowed(ip) {
			return false
		}
		if userCanPlay != nil {
			return userCanPlay(ip)
		}
		return true
	}

	registry := cfg.Registry
	if registry == nil {
		registry = session.NewRegistry()
	}

	return &Server{
		cfg:      cfg,
		registry: registry,
		loop:     reactor.New(cfg.NumWorkers),
		limiter:  netlimit.New(cfg.MaxIPConnections, cfg.IPWhitelist),
		hooks:    hooks,
	}
}

// Registry exposes the session registry, e.g. for an admin/redis control
// surface that needs to look up or kill a stream by path.
func (s *Server) Registry() *session.Registry { return s.registry }

// Serve opens the configured listeners and blocks, accepting connections
// until Close is called or a fatal listener error occurs.
func (s *Server) Serve() error {
	addr := s.cfg.BindAddress + ":" + strconv.Itoa(s.cfg.RTMPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.plain = ln
	rtmplog.Info("listening on " + addr)

	if s.cfg.SSLPort > 0 && s.cfg.TLSConfig != nil {
		sslAddr := s.cfg.BindAddress + ":" + strconv.Itoa(s.cfg.SSLPort)
		tlsLn, err := tls.Listen("tcp", sslAddr, s.cfg.TLSConfig)
		if err != nil {
			return err
		}
		s.tlsList = tlsLn
		rtmplog.Info("listening (tls) on " + sslAddr)
		go s.acceptLoop(s.tlsList)
	}

	sweeper := s.loop.NextWorker()
	sweeper.AddInterval(s.cfg.SweepInterval, func() {
		if n := s.registry.Sweep(); n > 0 {
			rtmplog.Debug("swept " + strconv.Itoa(n) + " idle sessions")
		}
	})

	return s.acceptLoop(s.plain)
}

// Close shuts down the listeners and the reactor pool.
func (s *Server) Close() {
	if s.plain != nil {
		_ = s.plain.Close()
	}
	if s.tlsList != nil {
		_ = s.tlsList.Close()
	}
	s.loop.Quit()
}

func (s *Server) acceptLoop(ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}

		host, _, _ := net.SplitHostPort(c.RemoteAddr().String())
		if !s.limiter.Allow(host) {
			rtmplog.Warning("rejecting connection from " + host + ": too many concurrent connections")
			_ = c.Close()
			continue
		}

		id := atomic.AddUint64(&s.nextID, 1)
		worker := s.loop.NextWorker()

		cn := conn.New(id, host, c, s.registry, s.hooks, conn.Config{
			MaxStreamIDLength: s.cfg.MaxStreamIDLength,
			MaxGOPFrames:      s.cfg.MaxGOPFrames,
			GOPByteLimit:      int64(s.cfg.GOPByteLimitMB) * 1024 * 1024,
		})

		go func() {
			cn.Serve()
			s.limiter.Release(host)
			// Hand the post-disconnect bookkeeping (none currently
			// needed beyond the limiter release) to the pinned worker
			// so all per-connection housekeeping serializes through
			// one Scheduler, per spec.md §6.6.
			_ = worker.Post(func() {})
		}()
	}
}
