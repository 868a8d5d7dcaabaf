package editspool

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

type WatcherOptions struct {
	PollInterval time.Duration
	Logger       Logger
}

// Watcher runs the agent whenever the spool file changes. Filesystem
// notifications give low latency; a poll ticker backstops them because
// editors that replace the file by rename can land between directory
// watches, and some filesystems deliver no events at all.
type Watcher struct {
	agent        *Agent
	pollInterval time.Duration
	logger       Logger
}

func NewWatcher(agent *Agent, opts WatcherOptions) (*Watcher, error) {
	if agent == nil {
		return nil, fmt.Errorf("agent is required")
	}
	pollInterval := opts.PollInterval
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	return &Watcher{
		agent:        agent,
		pollInterval: pollInterval,
		logger:       opts.Logger,
	}, nil
}

// Run applies pending commands once, then blocks until ctx is cancelled,
// re-applying on spool changes and on every poll tick. Apply failures are
// logged and retried on the next trigger.
func (w *Watcher) Run(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		w.logf("filesystem notifications unavailable, polling only: %v", err)
		notifier = nil
	}
	var events chan fsnotify.Event
	var watchErrors chan error
	if notifier != nil {
		defer notifier.Close()
		// Watch the directory, not the file: atomic writers rename a temp
		// file over the spool, which would drop a direct file watch.
		spoolDir := filepath.Dir(w.agent.spoolFile)
		if err := notifier.Add(spoolDir); err != nil {
			w.logf("watching %s failed, polling only: %v", spoolDir, err)
			notifier.Close()
			notifier = nil
		} else {
			events = notifier.Events
			watchErrors = notifier.Errors
		}
	}

	w.apply(ctx)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	spoolName := filepath.Base(w.agent.spoolFile)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Base(event.Name) != spoolName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.apply(ctx)
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			w.logf("spool watch error: %v", err)
		case <-ticker.C:
			w.apply(ctx)
		}
	}
}

func (w *Watcher) apply(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := w.agent.ApplyPending(ctx); err != nil {
		w.logf("applying spool commands: %v", err)
	}
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
