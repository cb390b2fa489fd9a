// Package control owns the shared region: it creates it, sets the initial
// flags, exposes the flags to operators over MQTT and tears the region down
// once every attached stage has stopped.
package control

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/TheBlackmad/AutomatedHome/internal/config"
	"github.com/TheBlackmad/AutomatedHome/internal/logger"
	"github.com/TheBlackmad/AutomatedHome/internal/metrics"
	"github.com/TheBlackmad/AutomatedHome/internal/region"
)

var log = logger.For("Owner")

// Owner runs the lifecycle of one camera's region.
type Owner struct {
	cfg     *config.Config
	metrics *metrics.Metrics
	reg     *region.Region
	plane   *Plane
}

// NewOwner prepares an owner for cfg.CameraID. m may be nil.
func NewOwner(cfg *config.Config, m *metrics.Metrics) *Owner {
	if m == nil {
		m = metrics.New("shmcam")
	}
	return &Owner{cfg: cfg, metrics: m}
}

// Create allocates the region. Run calls it when it has not been called yet.
func (o *Owner) Create() error {
	rc := o.cfg.Region
	reg, err := region.Create(o.cfg.CameraID, region.Options{
		MaxWidth:  rc.MaxWidth,
		MaxHeight: rc.MaxHeight,
		MaxDepth:  rc.MaxDepth,
		MaxBoxes:  rc.MaxBoxes,
		Dir:       rc.Dir,
	})
	if err != nil {
		return err
	}
	o.reg = reg
	w, h, d, b := reg.Capacity()
	log.Info("Created region %q (%dx%dx%d, %d boxes)", o.cfg.CameraID, w, h, d, b)
	return nil
}

// Region returns the owned region, nil before Create.
func (o *Owner) Region() *region.Region { return o.reg }

// Run keeps the region alive until ctx ends or an operator sets Exit, then
// shuts it down.
func (o *Owner) Run(ctx context.Context) error {
	if o.reg == nil {
		if err := o.Create(); err != nil {
			return err
		}
	}
	defer o.shutdown()

	// Stages attach during the pause; flags go live after it.
	select {
	case <-ctx.Done():
		return nil
	case <-time.After(o.cfg.Owner.StartupDelay):
	}
	if err := ApplyFlags(o.reg, o.cfg.Flags); err != nil {
		log.Warn("Initial flags: %v", err)
	}
	log.Info("Flags: %v", o.reg.FlagState())

	if o.cfg.MQTT.Broker != "" {
		o.plane = NewPlane(o.cfg.CameraID, o.cfg.MQTT, o.reg)
		o.plane.attached = o.reg.Attached
		if err := o.plane.Start(); err != nil {
			log.Error("Control plane disabled: %v", err)
			o.plane = nil
		}
	}

	every := o.cfg.Owner.StatsEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	stats := time.NewTicker(every)
	defer stats.Stop()
	poll := time.NewTicker(100 * time.Millisecond)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutdown requested")
			return nil
		case <-poll.C:
			if o.reg.Flag(region.Exit) {
				log.Info("Exit flag set by operator")
				return nil
			}
		case <-stats.C:
			o.logStats()
			if o.plane != nil {
				if err := o.plane.PublishState(); err != nil {
					log.Warn("Publishing state: %v", err)
				}
			}
		}
	}
}

func (o *Owner) logStats() {
	w, h, d, err := o.reg.Shape()
	if err != nil {
		log.Warn("Region shape: %v", err)
	}
	// Attached stages are the owner's clients.
	o.metrics.ActiveClients.Store(uint64(max(o.reg.Attached(), 0)))
	log.Info("Region %q: %d attached, frame %dx%dx%d, %d boxes (v%d), flags %v",
		o.cfg.CameraID, o.reg.Attached(), w, h, d, len(o.reg.Boxes()), o.reg.BoxVersion(), o.reg.FlagState())
}

// shutdown latches Exit, waits for attached stages up to the grace period,
// then closes and unlinks the region.
func (o *Owner) shutdown() {
	if err := o.reg.SetFlag(region.Exit, true); err != nil {
		log.Error("Setting exit flag: %v", err)
	}
	if o.plane != nil {
		if err := o.plane.PublishState(); err != nil {
			log.Debug("Publishing final state: %v", err)
		}
		o.plane.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.Owner.ExitGrace)
	defer cancel()
	if !o.reg.WaitDetached(ctx) {
		log.Warn("%d processes still attached after %v", o.reg.Attached(), o.cfg.Owner.ExitGrace)
	}

	if err := o.reg.Close(); err != nil {
		log.Error("Closing region: %v", err)
	}
	if err := o.reg.Unlink(); err != nil {
		log.Error("Unlinking region: %v", err)
	}
}

// ApplyFlags sets each named flag. Exit cannot be set this way. Unknown names
// are reported after the known ones are applied.
func ApplyFlags(store FlagStore, flags map[string]bool) error {
	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		f, err := region.ParseFlag(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if f == region.Exit {
			errs = append(errs, fmt.Errorf("flag %q cannot be set at startup", name))
			continue
		}
		if err := store.SetFlag(f, flags[name]); err != nil {
			errs = append(errs, fmt.Errorf("set %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
