package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rowjay/snapshot-bridge/internal/lock"
	"github.com/rowjay/snapshot-bridge/internal/metrics"
	"github.com/rowjay/snapshot-bridge/internal/snapshot"
)

// SweepResult summarizes one finalize sweep.
type SweepResult struct {
	Examined  int
	Completed []string
	Pending   []string
	Failed    []string
	Duration  time.Duration
}

// FinalizeSnapshots completes every CLEANING_UP snapshot whose source space
// has drained. Each snapshot is handled on its own: a failure is logged and
// counted, and the sweep moves on. Failed snapshots stay in CLEANING_UP and
// are retried by the next sweep.
func (e *Engine) FinalizeSnapshots(ctx context.Context) (result SweepResult) {
	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		metrics.SweepsTotal.Inc()
		metrics.SweepDuration.Observe(result.Duration.Seconds())
	}()

	snaps, err := e.repo.FindSnapshotsByStatus(ctx, snapshot.StatusCleaningUp)
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues("finalize-snapshots").Inc()
		e.log.Error().Err(err).Msg("failed to load snapshots awaiting cleanup")
		return result
	}
	result.Examined = len(snaps)

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.opts.Parallelism)
	for _, snap := range snaps {
		eg.Go(func() error {
			done, err := e.finalizeOne(egCtx, snap)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				metrics.OperationErrorsTotal.WithLabelValues("finalize-snapshot").Inc()
				e.log.Error().Err(err).Str("snapshot", snap.Name).Msg("failed to finalize snapshot")
				result.Failed = append(result.Failed, snap.Name)
			case done:
				result.Completed = append(result.Completed, snap.Name)
			default:
				result.Pending = append(result.Pending, snap.Name)
			}
			// Never abort the sweep on a single snapshot.
			return nil
		})
	}
	_ = eg.Wait()

	e.log.Info().
		Int("examined", result.Examined).
		Int("completed", len(result.Completed)).
		Int("pending", len(result.Pending)).
		Int("failed", len(result.Failed)).
		Msg("finalize sweep finished")
	return result
}

func (e *Engine) finalizeOne(ctx context.Context, snap *snapshot.Snapshot) (bool, error) {
	store, err := e.remote.ContentStore(snap.Source)
	if err != nil {
		return false, err
	}
	objects, err := store.List(ctx, snap.Source.SpaceID)
	if err != nil {
		return false, err
	}
	if len(objects) > 0 {
		e.log.Debug().Str("snapshot", snap.Name).Int("remaining", len(objects)).Msg("space not yet empty")
		return false, nil
	}

	tasks, err := e.remote.TaskClient(snap.Source)
	if err != nil {
		return false, err
	}
	if _, err := tasks.CompleteSnapshot(ctx, snap.Source.SpaceID); err != nil {
		return false, err
	}
	if err := e.complete(ctx, snap); err != nil {
		return false, err
	}
	e.log.Info().Str("snapshot", snap.Name).Msg("snapshot complete")
	e.notifySnapshotComplete(ctx, snap)
	return true, nil
}

// Finalizer runs FinalizeSnapshots on a ticker. A file lock keeps sweeps
// of separate processes from overlapping.
type Finalizer struct {
	engine   *Engine
	interval time.Duration
	lockPath string
	log      zerolog.Logger

	// mu serializes sweeps, loopMu guards the loop handles below.
	mu     sync.Mutex
	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewFinalizer(engine *Engine, interval time.Duration, lockPath string, log zerolog.Logger) *Finalizer {
	return &Finalizer{
		engine:   engine,
		interval: interval,
		lockPath: lockPath,
		log:      log.With().Str("component", "finalizer").Logger(),
	}
}

// Start runs a sweep immediately and then once per interval until Stop is
// called or ctx ends. It does nothing while a loop is already running.
func (f *Finalizer) Start(ctx context.Context) {
	f.loopMu.Lock()
	defer f.loopMu.Unlock()
	if f.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.done = make(chan struct{})
	go f.run(runCtx, f.done)
	f.log.Info().Dur("interval", f.interval).Msg("finalizer started")
}

// Stop cancels the loop and waits for an in-flight sweep to return.
func (f *Finalizer) Stop() {
	f.loopMu.Lock()
	defer f.loopMu.Unlock()
	if f.cancel == nil {
		return
	}
	f.cancel()
	<-f.done
	f.cancel = nil
	f.done = nil
	f.log.Info().Msg("finalizer stopped")
}

func (f *Finalizer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	f.RunOnce(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.RunOnce(ctx)
		}
	}
}

// RunOnce performs one sweep. It reports false without sweeping when the
// lock is held elsewhere.
func (f *Finalizer) RunOnce(ctx context.Context) (SweepResult, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lockPath != "" {
		guard, err := lock.Acquire(f.lockPath)
		if err != nil {
			if errors.Is(err, lock.ErrHeld) {
				metrics.SweepSkippedTotal.Inc()
				f.log.Info().Str("lock", f.lockPath).Msg("sweep skipped, lock held")
			} else {
				f.log.Error().Err(err).Msg("failed to take sweep lock")
			}
			return SweepResult{}, false
		}
		defer guard.Release()
	}
	return f.engine.FinalizeSnapshots(ctx), true
}
