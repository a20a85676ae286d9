package admin

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pixperk/mutexd/pkg/locktable"
	"github.com/pixperk/mutexd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeSource struct {
	table    *locktable.Table
	sessions int
	draining bool
}

func (f *fakeSource) Stats() types.Stats     { return f.table.Stats() }
func (f *fakeSource) Snapshot() []types.Lock { return f.table.Snapshot() }
func (f *fakeSource) Sessions() int          { return f.sessions }
func (f *fakeSource) Draining() bool         { return f.draining }

func startAdmin(t *testing.T, src Source) (*Server, *Client) {
	t.Helper()

	ln := bufconn.Listen(1 << 20)
	srv := NewServer(src, "test", nil)
	go srv.Serve(ln)
	t.Cleanup(srv.Stop)

	c, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return ln.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return srv, c
}

// TestStatus tests the status summary and health reporting
func TestStatus(t *testing.T) {
	table := locktable.New()
	owner := uuid.New()
	require.True(t, table.TryAcquire("a", owner))
	require.True(t, table.TryAcquire("b", owner))
	require.True(t, table.TryAcquire("c", uuid.New()))

	srv, c := startAdmin(t, &fakeSource{table: table, sessions: 3})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Locks)
	assert.Equal(t, 2, st.Owners)
	assert.Equal(t, 3, st.Sessions)
	assert.False(t, st.Draining)
	assert.Equal(t, "test", st.Version)
	assert.Equal(t, "SERVING", st.ServingHealth)
	assert.GreaterOrEqual(t, st.Uptime, time.Duration(0))

	srv.Drain()
	st, err = c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NOT_SERVING", st.ServingHealth)
}

// TestListLocks tests the lock listing
func TestListLocks(t *testing.T) {
	table := locktable.New()
	owner := uuid.New()
	require.True(t, table.TryAcquire("b", owner))
	require.True(t, table.TryAcquire("a", owner))

	_, c := startAdmin(t, &fakeSource{table: table})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	locks, err := c.ListLocks(ctx)
	require.NoError(t, err)
	require.Len(t, locks, 2)
	assert.Equal(t, "a", locks[0].ID)
	assert.Equal(t, "b", locks[1].ID)
	assert.Equal(t, owner.String(), locks[0].Owner)
	assert.GreaterOrEqual(t, locks[0].Held, time.Duration(0))
}

// TestListLocksWhileDraining tests that listing is refused during shutdown
func TestListLocksWhileDraining(t *testing.T) {
	_, c := startAdmin(t, &fakeSource{table: locktable.New(), draining: true})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := c.ListLocks(ctx)
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

// TestToGRPCError tests domain error mapping
func TestToGRPCError(t *testing.T) {
	assert.NoError(t, toGRPCError(nil))
	assert.Equal(t, codes.Unavailable, status.Code(toGRPCError(types.ErrServerClosed)))
	assert.Equal(t, codes.Internal, status.Code(toGRPCError(errors.New("boom"))))
}
