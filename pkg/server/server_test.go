package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/mutexd/pkg/acquire"
	"github.com/pixperk/mutexd/pkg/locktable"
	"github.com/pixperk/mutexd/pkg/logging"
	"github.com/pixperk/mutexd/pkg/metrics"
	"github.com/pixperk/mutexd/pkg/protocol"
	"github.com/pixperk/mutexd/pkg/session"
	"github.com/pixperk/mutexd/pkg/types"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	srv   *Server
	table *locktable.Table
	addr  string
	done  chan error
}

func startServer(t *testing.T, maxConns int) *testServer {
	t.Helper()

	table := locktable.New()
	engine := acquire.NewEngine(table, acquire.Config{
		PollInterval:    2 * time.Millisecond,
		MaxPollInterval: 10 * time.Millisecond,
		Multiplier:      1.5,
	})
	srv := New(Config{
		Session:        session.Config{WriteTimeout: time.Second},
		MaxConnections: maxConns,
	}, table, engine, logging.NoopLogger())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ts := &testServer{srv: srv, table: table, addr: ln.Addr().String(), done: make(chan error, 1)}
	go func() { ts.done <- srv.Serve(context.Background(), ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return ts
}

type conn struct {
	net.Conn
	r *bufio.Reader
}

func dial(t *testing.T, addr string) *conn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &conn{Conn: c, r: bufio.NewReader(c)}
}

func (c *conn) lock(t *testing.T, id string, timeoutMS int) bool {
	t.Helper()
	frame := fmt.Sprintf(`{"command":"Lock","params":{"id":%q,"timeout_ms":%d}}`+"\n", id, timeoutMS)
	return c.roundTrip(t, frame)
}

func (c *conn) release(t *testing.T, id string) bool {
	t.Helper()
	return c.roundTrip(t, fmt.Sprintf(`{"command":"Release","params":{"id":%q}}`+"\n", id))
}

func (c *conn) roundTrip(t *testing.T, frame string) bool {
	t.Helper()
	_, err := c.Write([]byte(frame))
	require.NoError(t, err)

	require.NoError(t, c.SetReadDeadline(time.Now().Add(10*time.Second)))
	line, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(line[:len(line)-1])
	require.NoError(t, err)
	return resp.Success
}

// waits until the server reports the expected session count
func waitSessions(t *testing.T, srv *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return srv.Sessions() == n }, 5*time.Second, 5*time.Millisecond)
}

// TestMutualExclusion tests that no two clients ever hold the same id at once
func TestMutualExclusion(t *testing.T) {
	ts := startServer(t, 0)

	const (
		clients = 8
		rounds  = 20
	)

	var inside, maxInside, acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		c := dial(t, ts.addr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				if !c.lock(t, "shared", 5000) {
					continue
				}
				acquired.Add(1)
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				assert.True(t, c.release(t, "shared"))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
	assert.Equal(t, int32(clients*rounds), acquired.Load())
	assert.Equal(t, 0, ts.table.Stats().Locks)
}

// TestDisconnectFreesLocks tests that a waiter gets the lock once the holder's connection drops
func TestDisconnectFreesLocks(t *testing.T) {
	ts := startServer(t, 0)

	holder := dial(t, ts.addr)
	require.True(t, holder.lock(t, "a", 0))
	require.True(t, holder.lock(t, "b", 0))

	waiter := dial(t, ts.addr)
	result := make(chan bool, 1)
	go func() { result <- waiter.lock(t, "a", 5000) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, holder.Close())

	select {
	case ok := <-result:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never acquired the released lock")
	}

	require.Eventually(t, func() bool {
		_, held := ts.table.Holder("b")
		return !held
	}, 5*time.Second, 5*time.Millisecond)
}

// TestTimeoutAndIndependentIDs tests bounded waits and that ids do not block each other
func TestTimeoutAndIndependentIDs(t *testing.T) {
	ts := startServer(t, 0)

	a := dial(t, ts.addr)
	b := dial(t, ts.addr)
	require.True(t, a.lock(t, "x", 0))

	start := time.Now()
	assert.False(t, b.lock(t, "x", 100))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	start = time.Now()
	assert.True(t, b.lock(t, "y", 100))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	assert.False(t, b.release(t, "x"), "only the holder can release")
	assert.True(t, a.release(t, "x"))
	assert.True(t, b.lock(t, "x", 0))
}

// TestConnectionCap tests that connections beyond the cap are refused
func TestConnectionCap(t *testing.T) {
	ts := startServer(t, 1)

	first := dial(t, ts.addr)
	require.True(t, first.lock(t, "a", 0))
	waitSessions(t, ts.srv, 1)

	second := dial(t, ts.addr)
	require.NoError(t, second.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := second.r.ReadByte()
	assert.Error(t, err, "excess connection is closed by the server")

	assert.True(t, first.release(t, "a"), "admitted session is unaffected")

	require.NoError(t, first.Close())
	waitSessions(t, ts.srv, 0)
	third := dial(t, ts.addr)
	assert.True(t, third.lock(t, "a", 0))
}

// TestShutdownReleasesEverything tests that shutdown ends sessions and empties the table
func TestShutdownReleasesEverything(t *testing.T) {
	ts := startServer(t, 0)

	c := dial(t, ts.addr)
	require.True(t, c.lock(t, "a", 0))
	require.True(t, c.lock(t, "b", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ts.srv.Shutdown(ctx))

	assert.True(t, ts.srv.Draining())
	assert.Equal(t, 0, ts.srv.Sessions())
	assert.Equal(t, 0, ts.table.Stats().Locks)

	select {
	case err := <-ts.done:
		assert.ErrorIs(t, err, types.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}

	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := c.r.ReadByte()
	assert.Error(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	assert.ErrorIs(t, ts.srv.Serve(context.Background(), ln), types.ErrServerClosed)
}

// TestServeContextCancel tests that cancelling Serve's context stops that listener
func TestServeContextCancel(t *testing.T) {
	table := locktable.New()
	srv := New(Config{}, table, acquire.NewEngine(table, acquire.DefaultConfig()), nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	c := dial(t, ln.Addr().String())
	require.True(t, c.lock(t, "a", 0))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, types.ErrServerClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Equal(t, 0, table.Stats().Locks)
	assert.False(t, srv.Draining())
}

// panics when asked for the id "boom"
type explodingTable struct {
	*locktable.Table
}

func (e explodingTable) TryAcquire(id string, owner uuid.UUID) bool {
	if id == "boom" {
		panic("table exploded")
	}
	return e.Table.TryAcquire(id, owner)
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

// TestSessionPanicRecovered tests that a panicking session is counted, cleaned up
// and does not take the server down
func TestSessionPanicRecovered(t *testing.T) {
	table := locktable.New()
	engine := acquire.NewEngine(explodingTable{Table: table}, acquire.Config{PollInterval: 2 * time.Millisecond})
	srv := New(Config{}, table, engine, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(context.Background(), ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	before := counterValue(t, metrics.SessionPanicTotal)

	c := dial(t, ln.Addr().String())
	require.True(t, c.lock(t, "held", 0))

	_, err = c.Write([]byte(`{"command":"Lock","params":{"id":"boom"}}` + "\n"))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err = c.r.ReadByte()
	assert.Error(t, err, "panicking session is closed")

	require.Eventually(t, func() bool {
		return counterValue(t, metrics.SessionPanicTotal) == before+1
	}, 5*time.Second, 5*time.Millisecond)

	_, held := table.Holder("held")
	assert.False(t, held)
	waitSessions(t, srv, 0)

	other := dial(t, ln.Addr().String())
	assert.True(t, other.lock(t, "held", 0), "server keeps serving")
}
