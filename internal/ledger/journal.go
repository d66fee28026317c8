package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeClaim
	JournalTypeRefund
	JournalTypeEarningsWithdrawal
	JournalTypeEscrowLock
	JournalTypeEscrowClaim
	JournalTypeEscrowRelease
	JournalTypeDisputeFee
	JournalTypeSlash
	JournalTypeDisputeAgentShare
	JournalTypeDisputeBuyerShare
	JournalTypePlatformFee
	JournalTypeArbitratorReward
	JournalTypeRewardWithdrawal
)

func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeClaim:
		return "claim"
	case JournalTypeRefund:
		return "refund"
	case JournalTypeEarningsWithdrawal:
		return "earnings_withdrawal"
	case JournalTypeEscrowLock:
		return "escrow_lock"
	case JournalTypeEscrowClaim:
		return "escrow_claim"
	case JournalTypeEscrowRelease:
		return "escrow_release"
	case JournalTypeDisputeFee:
		return "dispute_fee"
	case JournalTypeSlash:
		return "slash"
	case JournalTypeDisputeAgentShare:
		return "dispute_agent_share"
	case JournalTypeDisputeBuyerShare:
		return "dispute_buyer_share"
	case JournalTypePlatformFee:
		return "platform_fee"
	case JournalTypeArbitratorReward:
		return "arbitrator_reward"
	case JournalTypeRewardWithdrawal:
		return "reward_withdrawal"
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Minor units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Command timestamp (unix seconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves a single positive amount from the credit account to the
// debit account, so every entry is balanced on its own. Multi-leg settlements
// (dispute finalization) are several entries under one batch_id.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		// no self-transfers
		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// Accounts returns every account touched by the batch, debit side first.
func (b *Batch) Accounts() []AccountKey {
	seen := make(map[AccountKey]struct{}, 2*len(b.Journals))
	out := make([]AccountKey, 0, 2*len(b.Journals))
	for _, j := range b.Journals {
		for _, k := range [2]AccountKey{j.DebitAccount, j.CreditAccount} {
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}
