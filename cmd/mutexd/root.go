package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pixperk/mutexd/pkg/acquire"
	"github.com/pixperk/mutexd/pkg/admin"
	"github.com/pixperk/mutexd/pkg/config"
	"github.com/pixperk/mutexd/pkg/gateway"
	"github.com/pixperk/mutexd/pkg/instance"
	"github.com/pixperk/mutexd/pkg/locktable"
	"github.com/pixperk/mutexd/pkg/logging"
	"github.com/pixperk/mutexd/pkg/server"
	"github.com/pixperk/mutexd/pkg/types"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"
)

// overridden at build time with -ldflags "-X main.version=v1.2.3"
var version = "dev"

func submain(ctx context.Context) int {
	cmd := newRootCommand()
	ctx = withSignalCancel(ctx)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "mutexd: %s\n", err)
		}
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "mutexd",
		Short: "mutexd is a network advisory lock service speaking newline-delimited JSON over TCP",
		Long: `mutexd hands out named exclusive locks to TCP clients. A lock belongs to
the connection that took it and is released when that connection closes.`,
		Example: `
  # serve on the default address with metrics and health on :9090
  mutexd --http-addr :9090

  # settings can also come from MUTEXD_* variables or a config file
  MUTEXD_BIND=0.0.0.0:7070 mutexd --config /etc/mutexd.yaml`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logger)
		},
	}

	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		panic(err)
	}
	cmd.AddCommand(newStatusCommand())
	return cmd
}

// run serves until ctx is cancelled, then shuts down in order: health flips
// to draining, sessions end and release their locks, the side listeners stop.
func run(ctx context.Context, cfg config.Config, logger pslog.Logger) error {
	log := logging.WithSubsystem(logger, "cli.root")

	if cfg.LockFile != "" {
		guard, err := instance.Acquire(cfg.LockFile)
		if err != nil {
			return err
		}
		defer func() {
			if err := guard.Release(); err != nil {
				log.Warn("instance.release.error", "error", err)
			}
		}()
	}

	table := locktable.New()
	engine := acquire.NewEngine(table, cfg.Acquire())
	srv := server.New(cfg.Server(), table, engine, logger)

	ln, err := net.Listen("tcp", cfg.Bind)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Bind, err)
	}

	errCh := make(chan error, 3)
	serveCtx := context.WithoutCancel(ctx)
	go func() {
		if err := srv.Serve(serveCtx, ln); err != nil && !errors.Is(err, types.ErrServerClosed) {
			errCh <- fmt.Errorf("lock server: %w", err)
		}
	}()

	var adminSrv *admin.Server
	if cfg.AdminAddr != "" {
		aln, err := net.Listen("tcp", cfg.AdminAddr)
		if err != nil {
			srv.Shutdown(context.Background())
			return fmt.Errorf("failed to listen on %s: %w", cfg.AdminAddr, err)
		}
		adminSrv = admin.NewServer(srv, version, logger)
		go func() {
			if err := adminSrv.Serve(aln); err != nil {
				errCh <- fmt.Errorf("admin server: %w", err)
			}
		}()
	}

	var gw *gateway.Server
	if cfg.HTTPAddr != "" {
		gw = gateway.NewServer(cfg.HTTPAddr, srv)
		go func() {
			if err := gw.Start(serveCtx); err != nil {
				errCh <- err
			}
		}()
	}

	log.Info("mutexd.ready",
		"version", version,
		"bind", ln.Addr().String(),
		"admin", cfg.AdminAddr,
		"http", cfg.HTTPAddr,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("mutexd.shutdown", "reason", context.Cause(ctx).Error())
	case runErr = <-errCh:
		log.Error("mutexd.failed", "error", runErr)
	}

	if adminSrv != nil {
		adminSrv.Drain()
	}

	shutdownCtx := context.Background()
	if cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(shutdownCtx, cfg.ShutdownTimeout)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("mutexd.shutdown.incomplete", "error", err)
	}
	if gw != nil {
		if err := gw.Stop(shutdownCtx); err != nil {
			log.Warn("gateway.stop.error", "error", err)
		}
	}
	if adminSrv != nil {
		adminSrv.Stop()
	}

	log.Info("mutexd.stopped")
	return runErr
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
