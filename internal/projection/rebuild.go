package projection

import (
	"context"
	"database/sql"
	"fmt"

	"AgentLedger/internal/core"
	"AgentLedger/internal/event"
	"AgentLedger/internal/observability"
	"AgentLedger/internal/persistence"
	"AgentLedger/internal/state"
)

const rebuildPageSize = 1000

// EventSource pages through the persisted event log.
type EventSource interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// Rebuild clears the projection tables and regenerates them from the event
// log. Logged commands are re-submitted to a scratch core so every output
// carries its entity changes; a hash mismatch aborts the rebuild. Accounts
// are recomputed from the journal at the end. Returns the number of events
// applied.
func Rebuild(ctx context.Context, db *sql.DB, src EventSource, params state.Params, metrics *observability.Metrics) (int64, error) {
	if _, err := db.ExecContext(ctx, `
		TRUNCATE projections.balances, projections.orders, projections.disputes, projections.watermarks
	`); err != nil {
		return 0, fmt.Errorf("truncate projections: %w", err)
	}

	out := make(chan core.CoreOutput, 1)
	scratch := core.NewDeterministicCore(0, params, out, nil, nil, nil)
	pw := NewProjectionWorker(db, nil, metrics)

	var applied int64
	from := int64(0)
	for {
		rows, err := src.LoadEventsFrom(ctx, from, rebuildPageSize)
		if err != nil {
			return applied, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return applied, err
			}
			evt, err := event.Decode(env.EventType, env.Payload)
			if err != nil {
				return applied, fmt.Errorf("decode seq %d: %w", env.Sequence, err)
			}
			receipt, err := scratch.Submit(evt)
			if err != nil {
				return applied, fmt.Errorf("re-apply seq %d: %w", env.Sequence, err)
			}
			if receipt.Duplicate || receipt.Sequence != env.Sequence || receipt.StateHash != env.StateHash {
				return applied, fmt.Errorf("re-apply seq %d diverged from the event log", env.Sequence)
			}
			if err := pw.processOutput(ctx, <-out, false); err != nil {
				return applied, fmt.Errorf("project seq %d: %w", env.Sequence, err)
			}
			applied++
			from = env.Sequence + 1
		}
	}

	if err := RebuildAccounts(ctx, db); err != nil {
		return applied, err
	}
	pw.logger.Info().Int64("events", applied).Msg("projections rebuilt")
	return applied, nil
}
