package core

import (
	"fmt"
	"math"
	"strconv"

	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"
	"AgentLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func addrEntity(kind string, addr common.Address) errs.Option {
	return errs.WithEntity(kind, addr.Hex())
}

func orderEntity(id uint64) errs.Option {
	return errs.WithEntity("order", strconv.FormatUint(id, 10))
}

func requireAddress(kind string, addr common.Address) error {
	if addr == (common.Address{}) {
		return errs.Newf(errs.CodeInvalidArgument, "%s address is zero", kind)
	}
	return nil
}

func requirePositive(amount int64) error {
	if amount <= 0 {
		return errs.New(errs.CodeInvalidAmount, errs.WithAmounts(amount, 1))
	}
	return nil
}

// journalFailure wraps a generator pre-check that failed after the domain
// checks passed. Nothing has been mutated yet, so the command is rejected
// rather than crashing the core.
func journalFailure(op string, err error) error {
	return errs.New(errs.CodeUnknown, errs.WithCause(fmt.Errorf("%s journal: %w", op, err)))
}

func slotRecord(rec *state.BalanceRecord, t event.RecordType, amount int64) event.Record {
	return event.NewRecord(t, rec.Slot().Hex()).
		WithAttr("buyer", rec.Buyer.Hex()).
		WithAttr("agent", rec.Agent.Hex()).
		WithAttr("category", rec.Category).
		WithAmount("amount", amount).
		WithAmount("deposited", rec.Deposited).
		WithAmount("claimed", rec.Claimed).
		WithAmount("available", rec.Available())
}

func (c *DeterministicCore) handleQualificationUpdated(evt *event.QualificationUpdated, fx *effects) error {
	if err := requireAddress("qualified", evt.Address); err != nil {
		return err
	}
	if evt.Stake < 0 {
		return errs.New(errs.CodeInvalidAmount, errs.WithAmounts(evt.Stake, 0))
	}

	role := state.Role{Kind: evt.Role}
	switch evt.Role {
	case event.RoleNone, event.RoleBuyer:
	case event.RoleAgent, event.RoleArbitrator:
		role.Stake = evt.Stake
	default:
		return errs.Newf(errs.CodeInvalidArgument, "unknown role %d", evt.Role)
	}

	c.registry.Set(evt.Address, role)
	fx.roles = append(fx.roles, evt.Address)
	fx.emit(event.NewRecord(event.RecordQualificationUpdated, evt.Address.Hex()).
		WithAttr("role", role.Kind.String()).
		WithAmount("stake", role.Stake))
	return nil
}

func (c *DeterministicCore) handleDeposit(evt *event.Deposit, fx *effects) error {
	if err := requireAddress("buyer", evt.Buyer); err != nil {
		return err
	}
	if ok, _ := c.registry.IsQualifiedAgent(evt.Agent, c.params); !ok {
		return errs.New(errs.CodeUnqualifiedAgent, addrEntity("agent", evt.Agent))
	}
	if evt.Amount < c.params.MinDepositAmount {
		return errs.New(errs.CodeBelowMinimum, errs.WithAmounts(evt.Amount, c.params.MinDepositAmount))
	}
	if rec, ok := c.balances.Get(evt.Buyer, evt.Agent, evt.Category); ok && rec.Deposited > math.MaxInt64-evt.Amount {
		return errs.New(errs.CodeInvalidAmount, errs.WithAmounts(evt.Amount, math.MaxInt64-rec.Deposited))
	}

	slot := state.SlotKey(evt.Buyer, evt.Agent, evt.Category)
	c.journalGen.Deposit(fx.batch, slot, evt.Amount)

	rec := c.balances.GetOrCreate(evt.Buyer, evt.Agent, evt.Category)
	rec.Deposited += evt.Amount

	fx.slots = append(fx.slots, rec)
	fx.emit(slotRecord(rec, event.RecordBalanceAssigned, evt.Amount))
	return nil
}

func (c *DeterministicCore) handleClaim(evt *event.Claim, fx *effects) error {
	if ok, _ := c.registry.IsQualifiedAgent(evt.Agent, c.params); !ok {
		return errs.New(errs.CodeUnqualifiedAgent, addrEntity("agent", evt.Agent))
	}
	if err := requirePositive(evt.Amount); err != nil {
		return err
	}
	slot := state.SlotKey(evt.Buyer, evt.Agent, evt.Category)
	available := c.balances.Available(evt.Buyer, evt.Agent, evt.Category)
	if evt.Amount > available {
		return errs.New(errs.CodeInsufficientBalance,
			errs.WithEntity("slot", slot.Hex()),
			errs.WithAmounts(evt.Amount, available))
	}

	if err := c.journalGen.Claim(fx.batch, slot, evt.Agent, evt.Amount); err != nil {
		return journalFailure("claim", err)
	}

	rec, _ := c.balances.Get(evt.Buyer, evt.Agent, evt.Category)
	rec.Claimed += evt.Amount

	fx.slots = append(fx.slots, rec)
	r := slotRecord(rec, event.RecordBalanceClaimed, evt.Amount).
		WithAmount("withdrawable", c.tracker.Withdrawable(evt.Agent)+evt.Amount)
	if evt.Reason != "" {
		r = r.WithAttr("reason", evt.Reason)
	}
	fx.emit(r)
	return nil
}

// handleRefund reduces deposited, never claimed.
func (c *DeterministicCore) handleRefund(evt *event.Refund, fx *effects) error {
	if err := requirePositive(evt.Amount); err != nil {
		return err
	}
	slot := state.SlotKey(evt.Buyer, evt.Agent, evt.Category)
	available := c.balances.Available(evt.Buyer, evt.Agent, evt.Category)
	if evt.Amount > available {
		return errs.New(errs.CodeInsufficientAvailable,
			errs.WithEntity("slot", slot.Hex()),
			errs.WithAmounts(evt.Amount, available))
	}

	if err := c.journalGen.Refund(fx.batch, slot, evt.Amount); err != nil {
		return journalFailure("refund", err)
	}

	rec, _ := c.balances.Get(evt.Buyer, evt.Agent, evt.Category)
	rec.Deposited -= evt.Amount

	fx.slots = append(fx.slots, rec)
	fx.emit(slotRecord(rec, event.RecordBalanceRefunded, evt.Amount))
	return nil
}

func (c *DeterministicCore) handleWithdrawEarnings(evt *event.WithdrawEarnings, fx *effects) error {
	if err := requirePositive(evt.Amount); err != nil {
		return err
	}
	withdrawable := c.tracker.Withdrawable(evt.Agent)
	if evt.Amount > withdrawable {
		return errs.New(errs.CodeInsufficientWithdrawable,
			addrEntity("agent", evt.Agent),
			errs.WithAmounts(evt.Amount, withdrawable))
	}

	if err := c.journalGen.WithdrawEarnings(fx.batch, evt.Agent, evt.Amount); err != nil {
		return journalFailure("withdraw earnings", err)
	}

	fx.emit(event.NewRecord(event.RecordEarningsWithdrawn, evt.Agent.Hex()).
		WithAmount("amount", evt.Amount).
		WithAmount("withdrawable", withdrawable-evt.Amount))
	return nil
}

func (c *DeterministicCore) handleWithdrawRewards(evt *event.WithdrawRewards, fx *effects) error {
	if err := requirePositive(evt.Amount); err != nil {
		return err
	}
	pending := c.tracker.PendingRewards(evt.Arbitrator)
	if evt.Amount > pending {
		return errs.New(errs.CodeInsufficientRewards,
			addrEntity("arbitrator", evt.Arbitrator),
			errs.WithAmounts(evt.Amount, pending))
	}

	if err := c.journalGen.WithdrawRewards(fx.batch, evt.Arbitrator, evt.Amount); err != nil {
		return journalFailure("withdraw rewards", err)
	}

	fx.emit(event.NewRecord(event.RecordRewardsWithdrawn, evt.Arbitrator.Hex()).
		WithAmount("amount", evt.Amount).
		WithAmount("pending", pending-evt.Amount))
	return nil
}
