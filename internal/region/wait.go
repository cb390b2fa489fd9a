package region

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TheBlackmad/AutomatedHome/internal/logger"
)

// waitPoll re-checks the region even without filesystem events; the owner
// flips the ready word without touching the file's metadata.
const waitPoll = 200 * time.Millisecond

// Wait attaches to the region name in dir, waiting for its owner to create
// and initialise it. It returns the last attach error when ctx ends.
func Wait(ctx context.Context, dir, name string) (*Region, error) {
	if dir == "" {
		dir = DefaultDir
	}
	r, err := OpenIn(dir, name)
	if err == nil || !retryable(err) {
		return r, err
	}

	// Without a watcher the ticker alone drives retries.
	var events chan fsnotify.Event
	var errs chan error
	if watcher, werr := fsnotify.NewWatcher(); werr == nil {
		defer watcher.Close()
		if watcher.Add(dir) == nil {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for region %q: %w", name, err)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
		case werr, ok := <-errs:
			if !ok {
				errs = nil
			} else {
				logger.Debug("Region", "Watch error on %s: %v", dir, werr)
			}
			continue
		case <-ticker.C:
		}

		r, err = OpenIn(dir, name)
		if err == nil || !retryable(err) {
			return r, err
		}
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotReady)
}

// WaitDetached blocks until no other process is attached or ctx ends. It
// reports whether all processes detached.
func (r *Region) WaitDetached(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.Attached() <= 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return r.Attached() <= 0
		case <-ticker.C:
		}
	}
}
