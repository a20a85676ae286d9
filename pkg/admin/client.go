package admin

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

type Status struct {
	Locks         int
	Owners        int
	Sessions      int
	Draining      bool
	Uptime        time.Duration
	Version       string
	ServingHealth string
}

type LockInfo struct {
	ID    string
	Owner string
	Held  time.Duration
}

type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/Status", &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("status: %w", err)
	}

	f := out.GetFields()
	st := &Status{
		Locks:    int(f["locks"].GetNumberValue()),
		Owners:   int(f["owners"].GetNumberValue()),
		Sessions: int(f["sessions"].GetNumberValue()),
		Draining: f["draining"].GetBoolValue(),
		Uptime:   time.Duration(f["uptime_seconds"].GetNumberValue() * float64(time.Second)),
		Version:  f["version"].GetStringValue(),
	}

	hc, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	st.ServingHealth = hc.GetStatus().String()
	return st, nil
}

func (c *Client) ListLocks(ctx context.Context) ([]LockInfo, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/ListLocks", &emptypb.Empty{}, out); err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}

	values := out.GetFields()["locks"].GetListValue().GetValues()
	locks := make([]LockInfo, 0, len(values))
	for _, v := range values {
		f := v.GetStructValue().GetFields()
		locks = append(locks, LockInfo{
			ID:    f["id"].GetStringValue(),
			Owner: f["owner"].GetStringValue(),
			Held:  time.Duration(f["held_seconds"].GetNumberValue() * float64(time.Second)),
		})
	}
	return locks, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
