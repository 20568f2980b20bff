package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/groupsync/internal/httpapi"
	"github.com/agentworkforce/groupsync/internal/membersync"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the sync triggers over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			events := httpapi.NewEventHub(0)
			application, logger, err := setup(cmd.Context(), events)
			if err != nil {
				return err
			}
			defer application.Close()

			cfg := application.Config
			if addr == "" {
				addr = cfg.ListenAddr
			}
			if cfg.InternalHMACSecret == "" {
				logger.Warn("GROUPSYNC_INTERNAL_HMAC_SECRET is unset; internal routes are disabled")
			}
			drain := &serialDrainer{drain: application.Consumer.Drain, logger: logger}
			handler := httpapi.NewServer(httpapi.Deps{
				Syncer:  application.Service,
				Drainer: drain,
				Queue:   application.Queue,
				Events:  events,
				Logger:  logger,
			}, httpapi.ServerConfig{
				UsernameHeader:       cfg.UsernameHeader,
				AllowedRedirectHosts: cfg.AllowedRedirectHosts,
				InternalHMACSecret:   cfg.InternalHMACSecret,
				InternalMaxSkew:      cfg.InternalMaxSkew,
				RateLimitMax:         cfg.RateLimitMax,
				RateLimitWindow:      cfg.RateLimitWindow,
				MaxBodyBytes:         cfg.MaxBodyBytes,
			})
			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
				IdleTimeout:       120 * time.Second,
			}
			return runServer(cmd.Context(), srv, cfg.DrainSchedule, drain, logger)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default GROUPSYNC_ADDR or :8080)")
	return cmd
}

// runServer serves srv until ctx ends, draining the change queue on
// schedule when one is set.
func runServer(ctx context.Context, srv *http.Server, schedule string, drain *serialDrainer, logger *slog.Logger) error {
	var scheduler *cron.Cron
	if schedule != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(schedule, func() { drain.Run(ctx) }); err != nil {
			return fmt.Errorf("invalid drain schedule %q: %w", schedule, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if scheduler != nil {
		scheduler.Start()
		logger.Info("drain scheduled", "schedule", schedule)
		g.Go(func() error {
			<-gctx.Done()
			<-scheduler.Stop().Done()
			return nil
		})
	}
	return g.Wait()
}

// serialDrainer lets one drain run at a time. A scheduled drain that finds
// another in progress is skipped; an HTTP triggered one waits.
type serialDrainer struct {
	mu     sync.Mutex
	drain  drainFunc
	logger *slog.Logger
}

func (d *serialDrainer) Drain(ctx context.Context) membersync.DrainStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drain(ctx)
}

func (d *serialDrainer) Run(ctx context.Context) {
	if !d.mu.TryLock() {
		d.logger.Info("scheduled drain skipped; previous drain still running")
		return
	}
	defer d.mu.Unlock()
	d.drain(ctx)
}
