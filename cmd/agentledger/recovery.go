package main

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"AgentLedger/internal/core"
	"AgentLedger/internal/observability"
	"AgentLedger/internal/persistence"
	"AgentLedger/internal/projection"
	"AgentLedger/internal/state"

	"github.com/rs/zerolog"
)

const (
	replayPageSize = 1000
	warmKeyCount   = 100_000
)

// recoverCore restores the latest verified snapshot, replays the event log
// tail through the core and warms the dedup cache. Any divergence from the
// logged state hashes is fatal to startup.
func recoverCore(ctx context.Context, c *core.DeterministicCore, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) error {
	start := time.Now()

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if err := c.RestoreFromSnapshot(snap); err != nil {
			return fmt.Errorf("restore snapshot %d: %w", snap.Sequence, err)
		}
		logger.Info().Int64("sequence", snap.Sequence).Msg("restored snapshot")
	} else {
		logger.Info().Msg("no verified snapshot, cold start from sequence 0")
	}

	replayed, err := replayEventsFromLog(ctx, snapMgr, c)
	if err != nil {
		return err
	}
	if snap != nil && replayed == 0 && c.GetStateHash() != [32]byte(snap.StateHash) {
		return fmt.Errorf("state hash mismatch after restore at sequence %d", snap.Sequence)
	}

	keys, err := snapMgr.RecentIdempotencyKeys(ctx, warmKeyCount)
	if err != nil {
		return fmt.Errorf("load recent idempotency keys: %w", err)
	}
	c.WarmLRU(keys)

	if metrics != nil {
		metrics.ReplayDuration.Set(time.Since(start).Seconds())
	}
	logger.Info().
		Int64("replayed", replayed).
		Int64("sequence", c.GetSequence()).
		Int("warm_keys", len(keys)).
		Dur("took", time.Since(start)).
		Msg("recovery complete")
	return nil
}

func replayEventsFromLog(ctx context.Context, snapMgr *persistence.SnapshotManager, c *core.DeterministicCore) (int64, error) {
	var total int64
	for {
		from := c.GetSequence()
		rows, err := snapMgr.LoadEventsFrom(ctx, from, replayPageSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", from, err)
		}
		if len(rows) == 0 {
			return total, nil
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return total, err
			}
			if err := c.Replay(env); err != nil {
				return total, err
			}
			total++
		}
	}
}

// ledgerAdmin backs the operator API.
type ledgerAdmin struct {
	core     *core.DeterministicCore
	snapMgr  *persistence.SnapshotManager
	rebuild  func(ctx context.Context) (int64, error)
	metrics  *observability.Metrics
	logger   zerolog.Logger
	lastSnap atomic.Int64
}

func newLedgerAdmin(c *core.DeterministicCore, snapMgr *persistence.SnapshotManager, params state.Params, metrics *observability.Metrics) *ledgerAdmin {
	a := &ledgerAdmin{
		core:    c,
		snapMgr: snapMgr,
		metrics: metrics,
		logger:  observability.NewLogger("admin"),
	}
	a.lastSnap.Store(c.GetSequence() - 1)
	a.rebuild = func(ctx context.Context) (int64, error) {
		return projection.Rebuild(ctx, snapMgr.DB(), snapMgr, params, metrics)
	}
	return a
}

func (a *ledgerAdmin) TakeSnapshot(ctx context.Context) (int64, int, error) {
	start := time.Now()
	snap := a.core.CreateSnapshotState()
	size, err := a.snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		return 0, 0, fmt.Errorf("save snapshot %d: %w", snap.Sequence, err)
	}
	a.lastSnap.Store(snap.Sequence)
	if a.metrics != nil {
		a.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		a.metrics.SnapshotTaken.Inc()
		a.metrics.SnapshotSizeBytes.Set(float64(size))
		a.metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	a.logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
	return snap.Sequence, size, nil
}

func (a *ledgerAdmin) RebuildProjections(ctx context.Context) error {
	_, err := a.rebuild(ctx)
	return err
}

func (a *ledgerAdmin) LatestPersistedSequence(ctx context.Context) (int64, error) {
	return a.snapMgr.GetLatestSequence(ctx)
}

// runPeriodicSnapshots snapshots every interval events and verifies pending
// snapshots once the event log has caught up with them.
func (a *ledgerAdmin) runPeriodicSnapshots(ctx context.Context, interval int64, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := a.snapMgr.VerifyPending(ctx); err != nil {
				a.logger.Warn().Err(err).Msg("snapshot verification failed")
			} else if n > 0 {
				a.logger.Info().Int64("snapshots", n).Msg("snapshots verified")
			}
			if a.core.GetSequence()-1-a.lastSnap.Load() < interval {
				continue
			}
			if _, _, err := a.TakeSnapshot(ctx); err != nil {
				a.logger.Error().Err(err).Msg("periodic snapshot failed")
			}
		}
	}
}
