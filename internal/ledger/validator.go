package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}

// ValidateAccountsNonNegative checks every internal account in keys is >= 0
func (v *InvariantValidator) ValidateAccountsNonNegative(keys []AccountKey) error {
	for _, k := range keys {
		if err := v.tracker.ValidateNonNegative(k); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSlotMatches checks that the slot account equals the record's
// deposited - claimed.
func (v *InvariantValidator) ValidateSlotMatches(key AccountKey, available int64) error {
	if got := v.tracker.GetBalance(key); got != available {
		return fmt.Errorf("slot %s balance %d != record available %d", key.AccountPath(), got, available)
	}
	return nil
}

// ValidateEscrowMatches checks that an order's escrow account equals its locked amount.
func (v *InvariantValidator) ValidateEscrowMatches(orderID uint64, locked int64) error {
	if got := v.tracker.EscrowBalance(orderID); got != locked {
		return fmt.Errorf("order %d escrow balance %d != locked amount %d", orderID, got, locked)
	}
	return nil
}
