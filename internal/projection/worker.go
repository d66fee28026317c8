package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"AgentLedger/internal/core"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/observability"

	"github.com/rs/zerolog"
)

const watermarkName = "main"

// ProjectionWorker updates the read-side tables from core outputs. The
// projection channel is non-blocking with drop, so the tables are eventually
// consistent and can be rebuilt from the event log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		lastSeq:   -1,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if pw.lastSeq >= 0 && seq != pw.lastSeq+1 {
				// Entity rows self-heal on their next touch; account
				// deltas in the gap are lost until a rebuild.
				pw.logger.Warn().Int64("expected", pw.lastSeq+1).Int64("got", seq).Msg("projection gap")
			}

			start := time.Now()
			if err := pw.processOutput(ctx, output, true); err != nil {
				pw.logger.Warn().Err(err).Int64("seq", seq).Msg("projection update failed")
			} else if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(watermarkName).Observe(time.Since(start).Seconds())
				pw.metrics.QueryFreshnessLag.WithLabelValues(watermarkName).Observe(time.Since(output.Envelope.Timestamp).Seconds())
			}
			pw.lastSeq = seq
		}
	}
}

// processOutput applies one output in a transaction. Entity rows only move
// forward in sequence, so a rebuild running beside the live worker cannot
// overwrite newer rows.
func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput, accounts bool) error {
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if accounts && output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := applyJournal(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("account projection: %w", err)
			}
		}
	}
	if err := applyChanges(ctx, tx, output.Changes, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermarks (projection, sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (projection) DO UPDATE SET sequence = $2, updated_at = NOW()
		WHERE projections.watermarks.sequence < $2
	`, watermarkName, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// applyJournal moves amount from the credit account to the debit account.
func applyJournal(ctx context.Context, tx *sql.Tx, j ledger.Journal, seq int64) error {
	const upsert = `
		INSERT INTO projections.accounts (account_path, balance, sequence)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_path)
		DO UPDATE SET balance = projections.accounts.balance + $2, sequence = $3`

	if _, err := tx.ExecContext(ctx, upsert, j.DebitAccount.AccountPath(), j.Amount, seq); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, upsert, j.CreditAccount.AccountPath(), -j.Amount, seq)
	return err
}

func applyChanges(ctx context.Context, tx *sql.Tx, ch core.Changes, seq int64) error {
	for _, b := range ch.Slots {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (buyer, agent, category, deposited, claimed, available, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (buyer, agent, category)
			DO UPDATE SET deposited = $4, claimed = $5, available = $6, sequence = $7
			WHERE projections.balances.sequence <= $7
		`, b.Buyer.Hex(), b.Agent.Hex(), b.Category, b.Deposited, b.Claimed, b.Available(), seq); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, o := range ch.Orders {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.orders (order_id, buyer, agent, category, budget, state, result_ref, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
			ON CONFLICT (order_id)
			DO UPDATE SET state = $6, result_ref = NULLIF($7, ''), sequence = $8
			WHERE projections.orders.sequence <= $8
		`, int64(o.ID), o.Buyer.Hex(), o.Agent.Hex(), o.Category, o.Budget, o.State.String(), o.ResultRef, seq); err != nil {
			return fmt.Errorf("order projection: %w", err)
		}
	}

	for _, e := range ch.Escrows {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.orders SET escrow = $2, frozen = $3, sequence = $4
			WHERE order_id = $1 AND sequence <= $4
		`, int64(e.OrderID), e.Locked, e.Frozen, seq); err != nil {
			return fmt.Errorf("escrow projection: %w", err)
		}
	}

	for _, d := range ch.Disputes {
		tallies, err := json.Marshal(d.Tallies)
		if err != nil {
			return fmt.Errorf("dispute tallies: %w", err)
		}
		var decision sql.NullString
		if d.Finalized {
			decision = sql.NullString{String: d.Decision.String(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.disputes
				(order_id, voting_deadline, total_weight, tallies, finalized, decision, voters, agent_payout, buyer_refund, sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (order_id)
			DO UPDATE SET tallies = $4, finalized = $5, decision = $6, voters = $7,
				agent_payout = $8, buyer_refund = $9, sequence = $10
			WHERE projections.disputes.sequence <= $10
		`, int64(d.OrderID), d.VotingDeadline, d.TotalWeight, tallies, d.Finalized, decision,
			d.VoterCount(), d.AgentPayout, d.BuyerRefund, seq); err != nil {
			return fmt.Errorf("dispute projection: %w", err)
		}
	}
	return nil
}

// RebuildAccounts recomputes projections.accounts from the journal. Entity
// tables are rebuilt by replaying the event log through a fresh core.
func RebuildAccounts(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `TRUNCATE projections.accounts`); err != nil {
		return fmt.Errorf("truncate accounts: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.accounts (account_path, balance, sequence)
		SELECT account_path, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, -amount, sequence FROM event_log.journal
		) legs
		GROUP BY account_path
	`)
	if err != nil {
		return fmt.Errorf("rebuild accounts: %w", err)
	}
	return tx.Commit()
}
