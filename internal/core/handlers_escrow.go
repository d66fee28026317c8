package core

import (
	"fmt"

	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/state"
)

// handleClaimFromOrder is a partial agent draw against an open order.
func (c *DeterministicCore) handleClaimFromOrder(evt *event.ClaimFromOrder, fx *effects) error {
	o, err := c.lookupOrder(evt.OrderID)
	if err != nil {
		return err
	}
	if err := requireCaller(evt.Caller, o.Agent, o); err != nil {
		return err
	}
	esc, ok := c.escrows.Get(o.ID)
	if ok && esc.Frozen {
		return errs.New(errs.CodeEscrowFrozen, orderEntity(o.ID))
	}
	if o.State != state.OrderStateOpened || !ok {
		return invalidState(o, state.OrderStateOpened)
	}
	if err := requirePositive(evt.Amount); err != nil {
		return err
	}
	if evt.Amount > esc.Locked {
		return errs.New(errs.CodeInsufficientEscrow,
			orderEntity(o.ID),
			errs.WithAmounts(evt.Amount, esc.Locked))
	}

	if err := c.journalGen.ReleaseEscrow(fx.batch, o.ID, o.Agent, evt.Amount, ledger.JournalTypeEscrowClaim); err != nil {
		return journalFailure("escrow claim", err)
	}
	if err := esc.Draw(evt.Amount); err != nil {
		panic(fmt.Sprintf("FATAL: draw escrow for order %d: %v", o.ID, err))
	}

	fx.escrows = append(fx.escrows, esc)
	fx.emit(event.NewRecord(event.RecordEscrowClaimed, orderKey(o.ID)).
		WithAttr("agent", o.Agent.Hex()).
		WithAmount("amount", evt.Amount).
		WithAmount("remaining", esc.Locked).
		WithAmount("withdrawable", c.tracker.Withdrawable(o.Agent)+evt.Amount))
	return nil
}
