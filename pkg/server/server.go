package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pixperk/mutexd/pkg/acquire"
	"github.com/pixperk/mutexd/pkg/locktable"
	"github.com/pixperk/mutexd/pkg/logging"
	"github.com/pixperk/mutexd/pkg/metrics"
	"github.com/pixperk/mutexd/pkg/session"
	"github.com/pixperk/mutexd/pkg/types"
	"pkt.systems/pslog"
)

// accept retry delays after a failed Accept
const (
	acceptRetryStart = 5 * time.Millisecond
	acceptRetryMax   = time.Second
)

type Config struct {
	Session        session.Config
	MaxConnections int //concurrent session cap, 0 = unlimited
}

// hands every accepted connection to its own session goroutine
// the lock table is shared by all sessions and lives as long as the server
type Server struct {
	cfg    Config
	table  *locktable.Table
	engine *acquire.Engine
	logger pslog.Logger
	sesLog pslog.Logger

	base       context.Context
	cancelBase context.CancelCauseFunc

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	active    int
	draining  bool
	wg        sync.WaitGroup
}

func New(cfg Config, table *locktable.Table, engine *acquire.Engine, logger pslog.Logger) *Server {
	base, cancel := context.WithCancelCause(context.Background())
	return &Server{
		cfg:        cfg,
		table:      table,
		engine:     engine,
		logger:     logging.WithSubsystem(logger, "server.listener"),
		sesLog:     logging.WithSubsystem(logger, "server.session"),
		base:       base,
		cancelBase: cancel,
		listeners:  make(map[net.Listener]struct{}),
	}
}

// Serve accepts connections from ln until ctx is cancelled, ln is closed or
// Shutdown is called. Before returning it stops every session it started and
// waits for them to release their locks. The result is always non-nil;
// types.ErrServerClosed reports a requested stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.trackListener(ln) {
		ln.Close()
		return types.ErrServerClosed
	}
	defer s.untrackListener(ln)

	ctx, cancel := context.WithCancelCause(ctx)
	stopBase := context.AfterFunc(s.base, func() { cancel(context.Cause(s.base)) })
	stopLn := context.AfterFunc(ctx, func() { ln.Close() })

	var sessions sync.WaitGroup
	err := s.acceptLoop(ctx, ln, &sessions)

	stopLn()
	stopBase()
	cancel(types.ErrServerClosed)
	sessions.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, sessions *sync.WaitGroup) error {
	s.logger.Info("server.listen", "addr", ln.Addr().String())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return types.ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: listener closed", types.ErrServerClosed)
			}

			if delay == 0 {
				delay = acceptRetryStart
			} else {
				delay *= 2
			}
			if delay > acceptRetryMax {
				delay = acceptRetryMax
			}
			s.logger.Warn("server.accept.error", "error", err, "retry_in", delay.String())

			select {
			case <-ctx.Done():
				return types.ErrServerClosed
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		if err := s.admit(); err != nil {
			metrics.ConnectionsRejectedTotal.Inc()
			s.logger.Warn("server.accept.rejected", "remote", conn.RemoteAddr().String(), "error", err)
			conn.Close()
			continue
		}

		sessions.Add(1)
		go func() {
			defer sessions.Done()
			s.handle(ctx, conn)
		}()
	}
}

// reserves a session slot, caller must call s.release
func (s *Server) admit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		return types.ErrServerClosed
	}
	if s.cfg.MaxConnections > 0 && s.active >= s.cfg.MaxConnections {
		return types.ErrTooManyConnections
	}
	s.active++
	s.wg.Add(1)
	return nil
}

func (s *Server) release() {
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	sess := session.New(conn, s.table, s.engine, s.cfg.Session, s.sesLog)

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Inc()
	defer func() {
		// the session has already released its locks while unwinding
		if r := recover(); r != nil {
			metrics.SessionPanicTotal.Inc()
			s.logger.Error("server.session.panic",
				"session", sess.ID().String(),
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
		metrics.SessionsActive.Dec()
		s.release()
	}()

	s.logger.Debug("server.accept", "remote", conn.RemoteAddr().String(), "session", sess.ID().String())

	if err := sess.Serve(ctx); err != nil {
		s.logger.Debug("server.session.error", "session", sess.ID().String(), "error", err)
	}
}

// Shutdown stops all listeners, ends every session (releasing its locks) and
// waits for the session goroutines until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	for ln := range s.listeners {
		ln.Close()
	}
	s.mu.Unlock()

	s.cancelBase(types.ErrServerClosed)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("server.shutdown.complete")
		return nil
	case <-ctx.Done():
		s.logger.Warn("server.shutdown.timeout", "sessions", s.Sessions())
		return ctx.Err()
	}
}

func (s *Server) trackListener(ln net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

func (s *Server) untrackListener(ln net.Listener) {
	s.mu.Lock()
	delete(s.listeners, ln)
	s.mu.Unlock()
}

// number of open sessions
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// true once Shutdown has been called
func (s *Server) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

func (s *Server) Stats() types.Stats {
	return s.table.Stats()
}

func (s *Server) Snapshot() []types.Lock {
	return s.table.Snapshot()
}
