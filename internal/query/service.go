package query

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"
	"AgentLedger/internal/ledger"

	"github.com/ethereum/go-ethereum/common"
)

// QueryService provides read-only access to projection tables. All responses
// include as_of_sequence, the projection watermark at read time.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

var _ Reader = (*QueryService)(nil)

// GetBalance returns one slot. A slot never deposited into reads as zero.
func (qs *QueryService) GetBalance(ctx context.Context, buyer, agent common.Address, category string) (*BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &BalanceResponse{Buyer: buyer, Agent: agent, Category: category, AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT deposited, claimed, available FROM projections.balances
		WHERE buyer = $1 AND agent = $2 AND category = $3
	`, buyer.Hex(), agent.Hex(), category).Scan(&resp.Deposited, &resp.Claimed, &resp.Available)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return resp, nil
}

const orderColumns = `order_id, buyer, agent, category, budget, state, COALESCE(result_ref, ''), escrow, frozen`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner, asOfSeq int64) (*OrderResponse, error) {
	var (
		o            OrderResponse
		id           int64
		buyer, agent string
	)
	if err := row.Scan(&id, &buyer, &agent, &o.Category, &o.Budget, &o.State, &o.ResultRef, &o.Escrow, &o.Frozen); err != nil {
		return nil, err
	}
	o.ID = uint64(id)
	o.Buyer = common.HexToAddress(buyer)
	o.Agent = common.HexToAddress(agent)
	o.AsOfSequence = asOfSeq
	return &o, nil
}

func (qs *QueryService) GetOrder(ctx context.Context, id uint64) (*OrderResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	row := qs.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM projections.orders WHERE order_id = $1`, int64(id))
	o, err := scanOrder(row, asOfSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.CodeOrderNotFound, errs.WithEntity("order", strconv.FormatUint(id, 10)))
	}
	return o, err
}

// ListOrders returns orders where addr is buyer or agent, newest first.
// Pass afterID > 0 to page past a previous result.
func (qs *QueryService) ListOrders(ctx context.Context, addr common.Address, limit int, afterID uint64) ([]OrderResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `SELECT ` + orderColumns + ` FROM projections.orders WHERE (buyer = $1 OR agent = $1)`
	args := []any{addr.Hex()}
	argIdx := 2

	if afterID > 0 {
		query += fmt.Sprintf(" AND order_id < $%d", argIdx)
		args = append(args, int64(afterID))
		argIdx++
	}
	query += " ORDER BY order_id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []OrderResponse
	for rows.Next() {
		o, err := scanOrder(rows, asOfSeq)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (qs *QueryService) GetDispute(ctx context.Context, orderID uint64) (*DisputeResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	var (
		d        DisputeResponse
		tallies  []byte
		decision sql.NullString
	)
	err = qs.db.QueryRowContext(ctx, `
		SELECT voting_deadline, total_weight, tallies, finalized, decision, voters, agent_payout, buyer_refund
		FROM projections.disputes WHERE order_id = $1
	`, int64(orderID)).Scan(&d.VotingDeadline, &d.TotalWeight, &tallies, &d.Finalized, &decision,
		&d.Voters, &d.AgentPayout, &d.BuyerRefund)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.CodeDisputeNotFound, errs.WithEntity("order", strconv.FormatUint(orderID, 10)))
	}
	if err != nil {
		return nil, err
	}

	var raw [event.NumVoteOptions]int64
	if err := json.Unmarshal(tallies, &raw); err != nil {
		return nil, fmt.Errorf("dispute %d tallies: %w", orderID, err)
	}
	d.OrderID = orderID
	d.Tallies = talliesByName(raw)
	d.Decision = decision.String
	d.AsOfSequence = asOfSeq
	return &d, nil
}

func (qs *QueryService) GetParticipant(ctx context.Context, addr common.Address) (*ParticipantResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	withdrawable, err := qs.getProjectedBalance(ctx, ledger.NewParticipantAccountKey(addr, ledger.SubTypeWithdrawable))
	if err != nil {
		return nil, err
	}
	rewards, err := qs.getProjectedBalance(ctx, ledger.NewParticipantAccountKey(addr, ledger.SubTypeRewards))
	if err != nil {
		return nil, err
	}
	return &ParticipantResponse{
		Address:        addr,
		Withdrawable:   withdrawable,
		PendingRewards: rewards,
		AsOfSequence:   asOfSeq,
	}, nil
}

func (qs *QueryService) GetTreasury(ctx context.Context) (*TreasuryResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}
	bal, err := qs.getProjectedBalance(ctx, ledger.NewSystemAccountKey(ledger.SubTypeTreasury))
	if err != nil {
		return nil, err
	}
	return &TreasuryResponse{Balance: bal, AsOfSequence: asOfSeq}, nil
}

// GetJournalHistory returns journal entries touching a participant's
// accounts, newest first.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	addr common.Address,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	accountPrefix := fmt.Sprintf("participant:%s:%%", addr.Hex())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity and that projected accounts
// sum to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := qs.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(balance), 0) FROM projections.accounts`,
	).Scan(&report.Imbalance); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && report.Imbalance == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT sequence FROM projections.watermarks WHERE projection = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

func (qs *QueryService) getProjectedBalance(ctx context.Context, key ledger.AccountKey) (int64, error) {
	var balance int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT balance FROM projections.accounts WHERE account_path = $1
	`, key.AccountPath()).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}
