package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// JournalGenerator creates balanced journal batches for ledger commands.
// Each command produces exactly one batch; the named methods append its legs.
type JournalGenerator struct {
	balanceTracker *BalanceTracker // for pre-checks
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// NewBatch opens an empty batch for the command identified by eventRef.
func (jg *JournalGenerator) NewBatch(eventRef string, sequence, timestamp int64) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, 2),
	}
}

// transfer appends one leg. Zero amounts are skipped so a settlement never
// carries an empty leg (e.g. the buyer share of a PayAgent outcome).
func (jg *JournalGenerator) transfer(batch *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	if amount == 0 {
		return
	}
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	})
}

// Deposit moves funds: external:deposits → slot
func (jg *JournalGenerator) Deposit(batch *Batch, slot common.Hash, amount int64) {
	jg.transfer(batch,
		NewSlotAccountKey(slot),
		NewExternalAccountKey(SubTypeExternalDeposits),
		amount, JournalTypeDeposit)
}

// Claim moves funds: slot → agent:withdrawable.
// Pre-check: the slot must cover the amount.
func (jg *JournalGenerator) Claim(batch *Batch, slot common.Hash, agent common.Address, amount int64) error {
	if err := jg.balanceTracker.ValidateSufficient(NewSlotAccountKey(slot), amount); err != nil {
		return fmt.Errorf("claim pre-check failed: %w", err)
	}
	jg.transfer(batch,
		NewParticipantAccountKey(agent, SubTypeWithdrawable),
		NewSlotAccountKey(slot),
		amount, JournalTypeClaim)
	return nil
}

// Refund moves funds: slot → external:refunds
func (jg *JournalGenerator) Refund(batch *Batch, slot common.Hash, amount int64) error {
	if err := jg.balanceTracker.ValidateSufficient(NewSlotAccountKey(slot), amount); err != nil {
		return fmt.Errorf("refund pre-check failed: %w", err)
	}
	jg.transfer(batch,
		NewExternalAccountKey(SubTypeExternalRefunds),
		NewSlotAccountKey(slot),
		amount, JournalTypeRefund)
	return nil
}

// WithdrawEarnings moves funds: agent:withdrawable → external:withdrawals
func (jg *JournalGenerator) WithdrawEarnings(batch *Batch, agent common.Address, amount int64) error {
	from := NewParticipantAccountKey(agent, SubTypeWithdrawable)
	if err := jg.balanceTracker.ValidateSufficient(from, amount); err != nil {
		return fmt.Errorf("earnings withdrawal pre-check failed: %w", err)
	}
	jg.transfer(batch, NewExternalAccountKey(SubTypeExternalWithdrawals), from, amount, JournalTypeEarningsWithdrawal)
	return nil
}

// LockEscrow moves funds: slot → order:escrow
func (jg *JournalGenerator) LockEscrow(batch *Batch, slot common.Hash, orderID uint64, amount int64) error {
	if err := jg.balanceTracker.ValidateSufficient(NewSlotAccountKey(slot), amount); err != nil {
		return fmt.Errorf("escrow lock pre-check failed: %w", err)
	}
	jg.transfer(batch,
		NewOrderAccountKey(orderID, SubTypeEscrow),
		NewSlotAccountKey(slot),
		amount, JournalTypeEscrowLock)
	return nil
}

// ReleaseEscrow moves funds: order:escrow → agent:withdrawable.
// jt distinguishes a partial claim from a confirm release or a dispute share.
func (jg *JournalGenerator) ReleaseEscrow(batch *Batch, orderID uint64, agent common.Address, amount int64, jt JournalType) error {
	from := NewOrderAccountKey(orderID, SubTypeEscrow)
	if err := jg.balanceTracker.ValidateSufficient(from, amount); err != nil {
		return fmt.Errorf("escrow release pre-check failed: %w", err)
	}
	jg.transfer(batch, NewParticipantAccountKey(agent, SubTypeWithdrawable), from, amount, jt)
	return nil
}

// RefundEscrow moves the buyer leg of a dispute: order:escrow → external:refunds
func (jg *JournalGenerator) RefundEscrow(batch *Batch, orderID uint64, amount int64) {
	jg.transfer(batch,
		NewExternalAccountKey(SubTypeExternalRefunds),
		NewOrderAccountKey(orderID, SubTypeEscrow),
		amount, JournalTypeDisputeBuyerShare)
}

// CollectDisputeFee seeds the dispute pool: external:dispute_fees → order:dispute_pool
func (jg *JournalGenerator) CollectDisputeFee(batch *Batch, orderID uint64, amount int64) {
	jg.transfer(batch,
		NewOrderAccountKey(orderID, SubTypeDisputePool),
		NewExternalAccountKey(SubTypeExternalDisputeFees),
		amount, JournalTypeDisputeFee)
}

// Slash adds forfeited stake to the pool: external:slashed_stake → order:dispute_pool
func (jg *JournalGenerator) Slash(batch *Batch, orderID uint64, amount int64) {
	jg.transfer(batch,
		NewOrderAccountKey(orderID, SubTypeDisputePool),
		NewExternalAccountKey(SubTypeExternalSlashedStake),
		amount, JournalTypeSlash)
}

// CollectPlatformFee moves funds: order:dispute_pool → system:treasury
func (jg *JournalGenerator) CollectPlatformFee(batch *Batch, orderID uint64, amount int64) {
	jg.transfer(batch,
		NewSystemAccountKey(SubTypeTreasury),
		NewOrderAccountKey(orderID, SubTypeDisputePool),
		amount, JournalTypePlatformFee)
}

// PayReward moves funds: order:dispute_pool → arbitrator:rewards
func (jg *JournalGenerator) PayReward(batch *Batch, orderID uint64, arbitrator common.Address, amount int64) {
	jg.transfer(batch,
		NewParticipantAccountKey(arbitrator, SubTypeRewards),
		NewOrderAccountKey(orderID, SubTypeDisputePool),
		amount, JournalTypeArbitratorReward)
}

// WithdrawRewards moves funds: arbitrator:rewards → external:withdrawals
func (jg *JournalGenerator) WithdrawRewards(batch *Batch, arbitrator common.Address, amount int64) error {
	from := NewParticipantAccountKey(arbitrator, SubTypeRewards)
	if err := jg.balanceTracker.ValidateSufficient(from, amount); err != nil {
		return fmt.Errorf("reward withdrawal pre-check failed: %w", err)
	}
	jg.transfer(batch, NewExternalAccountKey(SubTypeExternalWithdrawals), from, amount, JournalTypeRewardWithdrawal)
	return nil
}
