// Package session runs the per-connection protocol loop of mutexd.
//
// A Session reads one request frame at a time, dispatches it to the
// acquisition engine or the lock table, and writes exactly one response
// frame. Whatever ends the session (peer disconnect, read or write failure,
// protocol violation, server shutdown, or a panic) every lock it still holds
// is released exactly once before the connection is closed.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/mutexd/pkg/acquire"
	"github.com/pixperk/mutexd/pkg/logging"
	"github.com/pixperk/mutexd/pkg/metrics"
	"github.com/pixperk/mutexd/pkg/protocol"
	"github.com/pixperk/mutexd/pkg/types"
	"pkt.systems/pslog"
)

type State int32

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// lock table operations a session performs directly
type Table interface {
	Release(id string, owner uuid.UUID) bool
	ReleaseAll(owner uuid.UUID) []string
}

type Acquirer interface {
	Acquire(ctx context.Context, id string, owner uuid.UUID, timeout time.Duration) (acquire.Outcome, error)
}

type Config struct {
	MaxFrameBytes int           //request line cap, 0 = protocol default
	WriteTimeout  time.Duration //per-response write deadline, 0 = none
}

type Session struct {
	id     uuid.UUID
	conn   net.Conn
	table  Table
	engine Acquirer
	cfg    Config
	logger pslog.Logger

	mu   sync.Mutex
	held map[string]struct{}

	state      atomic.Int32
	started    atomic.Bool
	closeOnce  sync.Once
	readerDone chan struct{}
}

func New(conn net.Conn, table Table, engine Acquirer, cfg Config, logger pslog.Logger) *Session {
	id := uuid.New()
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Session{
		id:         id,
		conn:       conn,
		table:      table,
		engine:     engine,
		cfg:        cfg,
		logger:     logging.EnsureLogger(logger).With("session", id.String(), "remote", remote),
		held:       make(map[string]struct{}),
		readerDone: make(chan struct{}),
	}
}

// owner token used in the lock table
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// ids this session currently holds, sorted
func (s *Session) Held() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.held))
	for id := range s.held {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Close forces the session to end by closing its connection. Serve observes
// the failure, releases the held locks and returns.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Serve runs the request loop until the connection ends or ctx is cancelled.
// It returns nil for a clean peer disconnect and for cancellation of ctx,
// otherwise the protocol or transport error that ended the session.
func (s *Session) Serve(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return types.ErrSessionClosed
	}
	parent := ctx
	ctx, cancel := context.WithCancelCause(parent)
	defer func() {
		cancel(types.ErrSessionClosed)
		s.close(err)
	}()

	frames := make(chan []byte, maxPendingFrames)
	go s.readLoop(ctx, cancel, frames)

	s.logger.Info("session.open")

	for {
		var frame []byte
		select {
		case <-ctx.Done():
			return s.exitErr(parent, ctx)
		case frame = <-frames:
		}

		cmd, err := protocol.DecodeRequest(frame)
		if err != nil {
			s.protocolError(err)
			return err
		}

		resp, err := s.dispatch(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return s.exitErr(parent, ctx)
			}
			return err
		}

		if err := s.write(resp); err != nil {
			s.logger.Debug("session.write.error", "error", err)
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// frames read ahead of the dispatch loop before the peer is cut off
const maxPendingFrames = 64

// reads frames and queues them for the dispatch loop
// the reader never waits on dispatch, so a disconnect during a lock wait is
// seen at once and cancels the session, which aborts the wait
func (s *Session) readLoop(ctx context.Context, cancel context.CancelCauseFunc, frames chan<- []byte) {
	defer close(s.readerDone)

	fr := protocol.NewFrameReader(s.conn, s.cfg.MaxFrameBytes)
	for {
		line, err := fr.Next()
		if err != nil {
			cancel(err)
			return
		}

		select {
		case frames <- bytes.Clone(line):
		case <-ctx.Done():
			return
		default:
			cancel(fmt.Errorf("%w: more than %d queued", types.ErrTooManyPending, maxPendingFrames))
			return
		}
	}
}

func (s *Session) dispatch(ctx context.Context, cmd types.Command) (types.Response, error) {
	switch c := cmd.(type) {
	case types.LockCommand:
		var timeout time.Duration
		if c.HasTimeout {
			timeout = c.Timeout
		}

		outcome, err := s.engine.Acquire(ctx, c.ID, s.id, timeout)
		if err != nil {
			return types.Response{}, err
		}

		success := outcome == acquire.Acquired
		if success {
			s.mu.Lock()
			s.held[c.ID] = struct{}{}
			s.mu.Unlock()
			metrics.LocksActive.Inc()
		}
		s.logger.Debug("session.lock", "id", c.ID, "timeout", timeout.String(), "outcome", outcome.String())
		return types.ResponseFor(c, success), nil

	case types.ReleaseCommand:
		released := s.table.Release(c.ID, s.id)
		if released {
			s.mu.Lock()
			delete(s.held, c.ID)
			s.mu.Unlock()
			metrics.LocksActive.Dec()
			metrics.LockReleaseTotal.WithLabelValues(metrics.StatusSuccess).Inc()
		} else {
			metrics.LockReleaseTotal.WithLabelValues(metrics.StatusFailure).Inc()
		}
		s.logger.Debug("session.release", "id", c.ID, "released", released)
		return types.ResponseFor(c, released), nil

	default:
		err := fmt.Errorf("%w: %T", types.ErrUnknownCommand, cmd)
		s.protocolError(err)
		return types.Response{}, err
	}
}

func (s *Session) write(resp types.Response) error {
	out, err := protocol.EncodeResponse(resp)
	if err != nil {
		return err
	}
	if s.cfg.WriteTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
			return err
		}
	}
	_, err = s.conn.Write(out)
	return err
}

// translates the session context's cancellation cause into Serve's result
func (s *Session) exitErr(parent, ctx context.Context) error {
	if parent.Err() != nil {
		return nil
	}
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, io.EOF):
		return nil
	case errors.Is(cause, types.ErrFrameTooLarge), errors.Is(cause, types.ErrIncompleteFrame),
		errors.Is(cause, types.ErrTooManyPending):
		s.protocolError(cause)
		return cause
	default:
		return cause
	}
}

func (s *Session) protocolError(err error) {
	reason := "malformed"
	switch {
	case errors.Is(err, types.ErrUnknownCommand):
		reason = "unknown_command"
	case errors.Is(err, types.ErrFrameTooLarge):
		reason = "too_large"
	case errors.Is(err, types.ErrIncompleteFrame):
		reason = "incomplete"
	case errors.Is(err, types.ErrTooManyPending):
		reason = "pipeline_overflow"
	}
	metrics.ProtocolErrorTotal.WithLabelValues(reason).Inc()
	s.logger.Warn("session.protocol_error", "reason", reason, "error", err)
}

// Open -> Closing -> Closed, runs once whatever the exit path
func (s *Session) close(reason error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))

		released := s.table.ReleaseAll(s.id)
		s.mu.Lock()
		clear(s.held)
		s.mu.Unlock()
		if n := len(released); n > 0 {
			metrics.LocksActive.Sub(float64(n))
			metrics.DisconnectReleaseTotal.Add(float64(n))
		}

		_ = s.conn.Close()
		<-s.readerDone
		s.state.Store(int32(StateClosed))

		if reason != nil {
			s.logger.Info("session.close", "released", len(released), "reason", reason.Error())
			return
		}
		s.logger.Info("session.close", "released", len(released))
	})
}
