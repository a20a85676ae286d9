package client_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pixperk/mutexd/pkg/client"
)

// Run with: go test -bench=. -benchtime=10s ./pkg/client/

func BenchmarkSequential(b *testing.B) {
	addr, _ := startServer(b)
	c := dial(b, addr)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		lock, err := c.Lock(ctx, "bench-lock-sequential", 0)
		if err != nil {
			b.Fatalf("Failed to acquire: %v", err)
		}
		lock.Release(ctx)
	}
}

func BenchmarkParallel(b *testing.B) {
	addr, _ := startServer(b)
	var n atomic.Int64

	b.RunParallel(func(pb *testing.PB) {
		c, err := client.Dial(context.Background(), addr)
		if err != nil {
			b.Errorf("Failed to connect: %v", err)
			return
		}
		defer c.Close()

		ctx := context.Background()
		lockName := fmt.Sprintf("lock-%d", n.Add(1))

		for pb.Next() {
			lock, err := c.Lock(ctx, lockName, 0)
			if err != nil {
				continue
			}
			lock.Release(ctx)
		}
	})
}

func BenchmarkContention(b *testing.B) {
	const numClients = 3
	lockName := "bench-lock-contention"

	addr, _ := startServer(b)
	clients := make([]*client.Client, numClients)
	for i := range clients {
		clients[i] = dial(b, addr)
	}
	ctx := context.Background()

	b.ResetTimer()

	var wg sync.WaitGroup
	opsPerClient := b.N / numClients

	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			for j := 0; j < opsPerClient; j++ {
				lock, err := c.Lock(ctx, lockName, time.Second)
				if err != nil {
					continue
				}
				time.Sleep(1 * time.Millisecond)
				lock.Release(ctx)
			}
		}(clients[i])
	}

	wg.Wait()
}

type latencyStats struct {
	samples []time.Duration
	mu      sync.Mutex
}

func (s *latencyStats) record(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, d)
}

func (s *latencyStats) percentiles() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return nil
	}

	sort.Slice(s.samples, func(i, j int) bool {
		return s.samples[i] < s.samples[j]
	})

	at := func(p float64) time.Duration {
		idx := int(float64(len(s.samples)) * p)
		if idx >= len(s.samples) {
			idx = len(s.samples) - 1
		}
		return s.samples[idx]
	}

	return map[string]time.Duration{
		"min": s.samples[0],
		"p50": at(0.50),
		"p90": at(0.90),
		"p99": at(0.99),
		"max": s.samples[len(s.samples)-1],
	}
}

// Run with: go test -run=Percentile -v ./pkg/client/
func TestPercentileParallel(t *testing.T) {
	if testing.Short() {
		t.Skip("latency sampling skipped in short mode")
	}

	const (
		numClients = 3
		iterations = 300
	)
	addr, _ := startServer(t)
	stats := &latencyStats{}

	var wg sync.WaitGroup
	for i := 0; i < numClients; i++ {
		c := dial(t, addr)
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			ctx := context.Background()
			lockName := fmt.Sprintf("lock-parallel-%d", clientID)

			for j := 0; j < iterations/numClients; j++ {
				start := time.Now()
				lock, err := c.Lock(ctx, lockName, 0)
				if err != nil {
					t.Errorf("Failed to acquire: %v", err)
					return
				}
				lock.Release(ctx)
				stats.record(time.Since(start))
			}
		}(i)
	}
	wg.Wait()

	p := stats.percentiles()
	if p == nil {
		t.Fatal("no samples recorded")
	}
	for _, k := range []string{"min", "p50", "p90", "p99", "max"} {
		t.Logf("%-4s %v", k, p[k])
	}
}
