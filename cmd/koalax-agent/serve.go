package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/koalax/agent/internal/config"
	"github.com/koalax/agent/internal/logging"
	"github.com/koalax/agent/internal/notify"
	"github.com/koalax/agent/internal/sync/scheduler"
	"github.com/koalax/agent/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			initLogging(cfg)
			return serve(cmd.Context(), cfg, opts.configPath, nil)
		},
	}
}

// serve runs the agent until ctx is cancelled or the config file changes.
// When ready is not nil it receives the listening address once the
// controller is activated.
func serve(ctx context.Context, cfg *config.Config, configPath string, ready chan<- string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := notify.NewHub(nil, cfg.AllowedOrigins)

	a, err := openAgent(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logging.Error("Shutdown failed", err)
		}
	}()

	schedCfg := &scheduler.SchedulerConfig{SyncInterval: cfg.SyncInterval}
	if cfg.ProbeOnline {
		schedCfg.Probe = probe(cfg.APIBaseURL)
	}
	sched := scheduler.NewScheduler(schedCfg)

	wcfg := worker.Config{
		Cache:     a.cache,
		Store:     a.store,
		Engine:    a.engine,
		Scheduler: sched,
		Notifier:  a.notifier,
		Control:   hub,
		Recent:    a.recent,
	}
	if a.push != nil {
		wcfg.Push = a.push
	}
	ctrl, err := worker.New(wcfg)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	hub.SetHandler(ctrl.HandleControl)

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()
	defer func() {
		cancel()
		<-hubDone
	}()

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{
		Handler:           ctrl,
		BaseContext:       func(net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()
	logging.Info("Agent listening", map[string]interface{}{
		"addr":   ln.Addr().String(),
		"origin": cfg.OriginURL,
		"api":    cfg.APIBaseURL,
		"cache":  a.cache.CacheName(),
	})

	if configPath != "" {
		if err := config.Watch(ctx, configPath, func() {
			logging.Info("Config file changed, shutting down", map[string]interface{}{"path": configPath})
			cancel()
		}); err != nil {
			logging.Warn("Config file not watched", map[string]interface{}{"error": err.Error()})
		}
	}

	if err := ctrl.Start(ctx); err != nil {
		shutdown(srv)
		return err
	}
	sched.Start(ctx)
	defer sched.Stop()
	if ready != nil {
		ready <- ln.Addr().String()
	}

	select {
	case <-ctx.Done():
	case err := <-srvErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}
	shutdown(srv)
	return nil
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
}
