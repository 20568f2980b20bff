package main

import (
	"context"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/groupsync/internal/membersync"
)

type drainFunc func(ctx context.Context) membersync.DrainStats

func newDrainCmd(stdout io.Writer) *cobra.Command {
	var (
		watch          bool
		interval       time.Duration
		intervalJitter float64
		timeout        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Drain the change queue and resync every member it names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			application, logger, err := setup(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer application.Close()
			if !watch {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				return printJSON(stdout, application.Consumer.Drain(ctx))
			}
			watchDrain(cmd.Context(), application.Consumer.Drain, logger, interval, intervalJitter, timeout)
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "keep draining until interrupted")
	cmd.Flags().DurationVar(&interval, "interval", durationEnv("GROUPSYNC_DRAIN_INTERVAL", time.Minute), "pause between drains in watch mode")
	cmd.Flags().Float64Var(&intervalJitter, "interval-jitter", floatEnv("GROUPSYNC_DRAIN_INTERVAL_JITTER", 0.2), "interval jitter ratio (0.0-1.0)")
	cmd.Flags().DurationVar(&timeout, "timeout", durationEnv("GROUPSYNC_DRAIN_TIMEOUT", 10*time.Minute), "per-drain timeout")
	return cmd
}

// watchDrain runs drain back to back with a jittered pause until ctx ends.
func watchDrain(ctx context.Context, drain drainFunc, logger *slog.Logger, interval time.Duration, jitter float64, timeout time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	jitter = clampJitterRatio(jitter)

	run := func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		stats := drain(runCtx)
		logger.Debug("drain cycle completed", "fetches", stats.Fetches, "processed", stats.Processed)
	}

	run()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("drain watch stopping", "reason", ctx.Err().Error())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, jitter, rng.Float64()))
		}
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration, using fallback", "name", name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid number, using fallback", "name", name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
