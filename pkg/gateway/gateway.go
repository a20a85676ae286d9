package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/pixperk/mutexd/pkg/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// read-only view the HTTP endpoints report on
type Source interface {
	Snapshot() []types.Lock
	Draining() bool
}

type lockView struct {
	ID          string  `json:"id"`
	Owner       string  `json:"owner"`
	HeldSeconds float64 `json:"held_seconds"`
}

type Server struct {
	httpServer *http.Server
	source     Source
}

func NewServer(httpAddr string, source Source) *Server {
	s := &Server{source: source}
	s.httpServer = &http.Server{
		Addr:              httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// routes: /metrics (prometheus), /healthz, /locks
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.HandleFunc("GET /locks", s.locks)
	return mux
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if s.source.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, "draining")
		return
	}
	fmt.Fprintln(w, "ok")
}

func (s *Server) locks(w http.ResponseWriter, _ *http.Request) {
	now := time.Now()
	snapshot := s.source.Snapshot()
	out := make([]lockView, 0, len(snapshot))
	for _, l := range snapshot {
		out = append(out, lockView{
			ID:          l.ID,
			Owner:       l.Owner.String(),
			HeldSeconds: now.Sub(l.AcquiredAt).Seconds(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) Start(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP gateway: %w", err)
	}
	return nil
}

// serves on an existing listener, used when the caller needs the bound address
func (s *Server) Serve(ln net.Listener) error {
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP gateway failed: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
