// Package app holds the start-up sequence shared by the pipeline binaries.
package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/config"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
	"github.com/TheBlackmad/AutomatedHome/internal/region"
)

// Flags registers the common flags on the default flag set. Call before
// flag.Parse.
func Flags() *config.Common {
	c := &config.Common{}
	config.RegisterCommon(flag.CommandLine, c)
	return c
}

// Init resolves the configuration for stage and initialises logging. Errors
// are fatal.
func Init(stage string, c *config.Common) *config.Stage {
	st, err := config.Resolve(stage, *c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
		os.Exit(2)
	}

	level, err := logger.ParseLevel(st.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: invalid log level: %v\n", stage, err)
		os.Exit(2)
	}
	if st.LogFile != "" {
		if err := logger.InitFile(level, st.LogFile, st.LogColor); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", stage, err)
			os.Exit(2)
		}
	} else {
		logger.Init(level, os.Stderr, st.LogColor)
	}
	logger.Info("Main", "%s starting for camera %q (log level %s)", stage, st.CameraID, level)
	return st
}

// Context is cancelled on SIGINT or SIGTERM.
func Context() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Metrics creates the stage's metrics, logs cycle timing every
// owner.stats_every and serves them when an address is configured.
func Metrics(ctx context.Context, st *config.Stage) *metrics.Metrics {
	m := metrics.New(st.Name)
	go m.ReportCycles(ctx, st.Owner.StatsEvery)
	if st.MetricsAddr != "" {
		go func() {
			if err := m.StartServer(ctx, st.MetricsAddr); err != nil {
				logger.Error("Main", "Metrics server error: %v", err)
			}
		}()
	}
	return m
}

// Attach waits for the camera's region, up to the configured attach wait.
// A missing region is fatal.
func Attach(ctx context.Context, st *config.Stage) *region.Region {
	wait := st.Owner.AttachWait
	if wait <= 0 {
		wait = 30 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	logger.Info("Main", "Attaching to region %q in %s", st.CameraID, st.Region.Dir)
	reg, err := region.Wait(waitCtx, st.Region.Dir, st.CameraID)
	if err != nil {
		logger.Fatal("Main", "Cannot attach to region %q: %v", st.CameraID, err)
	}
	return reg
}

// WatchExit cancels when the region's Exit flag is set, for stages whose
// loops do not read the flag themselves.
func WatchExit(ctx context.Context, reg *region.Region) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if reg.Flag(region.Exit) {
					logger.Info("Main", "Exit flag set")
					return
				}
			}
		}
	}()
	return ctx
}
