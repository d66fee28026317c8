package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.balances[j.DebitAccount] += j.Amount
	bt.balances[j.CreditAccount] -= j.Amount
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	return bt.balances[key]
}

// === Domain balance queries ===

// SlotBalance is the buyer's available balance earmarked for one agent and category.
func (bt *BalanceTracker) SlotBalance(slot common.Hash) int64 {
	return bt.GetBalance(NewSlotAccountKey(slot))
}

// EscrowBalance is the amount still locked for an order.
func (bt *BalanceTracker) EscrowBalance(orderID uint64) int64 {
	return bt.GetBalance(NewOrderAccountKey(orderID, SubTypeEscrow))
}

// DisputePoolBalance is what remains in an order's dispute pool (undistributed dust after finalize).
func (bt *BalanceTracker) DisputePoolBalance(orderID uint64) int64 {
	return bt.GetBalance(NewOrderAccountKey(orderID, SubTypeDisputePool))
}

// Withdrawable is an agent's accumulated earnings.
func (bt *BalanceTracker) Withdrawable(agent common.Address) int64 {
	return bt.GetBalance(NewParticipantAccountKey(agent, SubTypeWithdrawable))
}

// PendingRewards is an arbitrator's accrued, not yet withdrawn reward.
func (bt *BalanceTracker) PendingRewards(arbitrator common.Address) int64 {
	return bt.GetBalance(NewParticipantAccountKey(arbitrator, SubTypeRewards))
}

// Treasury is the platform fee account.
func (bt *BalanceTracker) Treasury() int64 {
	return bt.GetBalance(NewSystemAccountKey(SubTypeTreasury))
}

// === Invariant Checks ===

// ValidateSufficient checks that an account can fund a transfer of required
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required int64) error {
	balance := bt.GetBalance(key)
	if balance < required {
		return fmt.Errorf("insufficient balance in %s: have=%d, need=%d", key.AccountPath(), balance, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 && !key.IsExternal() {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() int64 {
	var total int64
	for _, balance := range bt.balances {
		total += balance
	}
	return total
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances with a previously taken snapshot.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
