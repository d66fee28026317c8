package core

import (
	"fmt"
	"strconv"

	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func orderKey(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func invalidState(o *state.Order, want ...state.OrderState) error {
	expected := ""
	for i, s := range want {
		if i > 0 {
			expected += "|"
		}
		expected += s.String()
	}
	return errs.New(errs.CodeInvalidState,
		orderEntity(o.ID),
		errs.WithMetadata("state", o.State.String()),
		errs.WithMetadata("expected", expected))
}

func (c *DeterministicCore) lookupOrder(id uint64) (*state.Order, error) {
	o, ok := c.orders.Get(id)
	if !ok {
		return nil, errs.New(errs.CodeOrderNotFound, orderEntity(id))
	}
	return o, nil
}

func requireCaller(caller, want common.Address, o *state.Order) error {
	if caller != want {
		return errs.New(errs.CodeNotAuthorized,
			orderEntity(o.ID),
			errs.WithMetadata("caller", caller.Hex()))
	}
	return nil
}

func orderRecord(o *state.Order, t event.RecordType) event.Record {
	return event.NewRecord(t, orderKey(o.ID)).
		WithAttr("buyer", o.Buyer.Hex()).
		WithAttr("agent", o.Agent.Hex()).
		WithAttr("state", o.State.String()).
		WithAmount("budget", o.Budget)
}

// handlePropose covers both buyerPropose and agentPropose. The initiator's
// signature is recorded; the counterparty signs with Accept.
func (c *DeterministicCore) handlePropose(evt *event.Propose, fx *effects) error {
	if err := requireAddress("buyer", evt.Buyer); err != nil {
		return err
	}
	if evt.Buyer == evt.Agent {
		return errs.New(errs.CodeInvalidArgument, errs.WithMessage("buyer and agent must differ"))
	}
	if err := requirePositive(evt.Budget); err != nil {
		return err
	}

	agentOK, agentStake := c.registry.IsQualifiedAgent(evt.Agent, c.params)
	if !agentOK {
		return errs.New(errs.CodeUnqualifiedAgent, addrEntity("agent", evt.Agent))
	}

	switch evt.Initiator {
	case event.PartyBuyer:
		available := c.balances.Available(evt.Buyer, evt.Agent, evt.Category)
		if evt.Budget > available {
			return errs.New(errs.CodeInsufficientBalance,
				errs.WithEntity("slot", state.SlotKey(evt.Buyer, evt.Agent, evt.Category).Hex()),
				errs.WithAmounts(evt.Budget, available))
		}
	case event.PartyAgent:
		if !c.registry.IsQualifiedBuyer(evt.Buyer) {
			return errs.New(errs.CodeUnqualifiedBuyer, addrEntity("buyer", evt.Buyer))
		}
		if evt.Budget > agentStake {
			return errs.New(errs.CodeBudgetExceedsCapacity,
				addrEntity("agent", evt.Agent),
				errs.WithAmounts(evt.Budget, agentStake))
		}
	default:
		return errs.Newf(errs.CodeInvalidArgument, "unknown initiator %d", evt.Initiator)
	}

	o := &state.Order{
		Buyer:       evt.Buyer,
		Agent:       evt.Agent,
		Category:    evt.Category,
		Budget:      evt.Budget,
		Description: evt.Description,
		Proposer:    evt.Initiator,
		BuyerSigned: evt.Initiator == event.PartyBuyer,
		AgentSigned: evt.Initiator == event.PartyAgent,
	}
	if err := o.Transition(state.OrderStateProposed, fx.clock.Timestamp); err != nil {
		return errs.New(errs.CodeInvalidState, errs.WithCause(err))
	}
	c.orders.Insert(o)

	fx.orders = append(fx.orders, o)
	fx.emit(orderRecord(o, event.RecordOrderProposed).
		WithAttr("category", o.Category).
		WithAttr("proposer", o.Proposer.String()))
	return nil
}

// handleAccept records the counter-signature, re-checks the slot, locks the
// budget into escrow and opens the order.
func (c *DeterministicCore) handleAccept(evt *event.Accept, fx *effects) error {
	o, err := c.lookupOrder(evt.OrderID)
	if err != nil {
		return err
	}
	if err := requireCaller(evt.Caller, o.Counterparty(), o); err != nil {
		return err
	}
	if o.State != state.OrderStateProposed {
		return invalidState(o, state.OrderStateProposed)
	}
	available := c.balances.Available(o.Buyer, o.Agent, o.Category)
	if o.Budget > available {
		return errs.New(errs.CodeInsufficientBalance,
			orderEntity(o.ID),
			errs.WithAmounts(o.Budget, available))
	}

	if err := c.journalGen.LockEscrow(fx.batch, o.Slot(), o.ID, o.Budget); err != nil {
		return journalFailure("escrow lock", err)
	}

	if o.Proposer == event.PartyAgent {
		o.BuyerSigned = true
	} else {
		o.AgentSigned = true
	}
	if err := o.Transition(state.OrderStateOpened, fx.clock.Timestamp); err != nil {
		panic(fmt.Sprintf("FATAL: open order %d: %v", o.ID, err))
	}
	rec, _ := c.balances.Get(o.Buyer, o.Agent, o.Category)
	rec.Claimed += o.Budget
	esc, err := c.escrows.Lock(o.ID, o.Budget)
	if err != nil {
		panic(fmt.Sprintf("FATAL: lock escrow for order %d: %v", o.ID, err))
	}

	fx.orders = append(fx.orders, o)
	fx.slots = append(fx.slots, rec)
	fx.escrows = append(fx.escrows, esc)
	fx.emit(orderRecord(o, event.RecordOrderOpened))
	fx.emit(event.NewRecord(event.RecordEscrowLocked, orderKey(o.ID)).
		WithAmount("locked", esc.Locked).
		WithAmount("available", rec.Available()))
	return nil
}

func (c *DeterministicCore) handleDeliver(evt *event.Deliver, fx *effects) error {
	o, err := c.lookupOrder(evt.OrderID)
	if err != nil {
		return err
	}
	if err := requireCaller(evt.Caller, o.Agent, o); err != nil {
		return err
	}
	if o.State != state.OrderStateOpened {
		return invalidState(o, state.OrderStateOpened)
	}

	if err := o.Transition(state.OrderStateDelivered, fx.clock.Timestamp); err != nil {
		panic(fmt.Sprintf("FATAL: deliver order %d: %v", o.ID, err))
	}
	o.ResultRef = evt.ResultRef

	fx.orders = append(fx.orders, o)
	r := orderRecord(o, event.RecordOrderDelivered)
	if evt.ResultRef != "" {
		r = r.WithAttr("result_ref", evt.ResultRef)
	}
	fx.emit(r)
	return nil
}

// handleConfirm releases whatever the agent has not already drawn.
func (c *DeterministicCore) handleConfirm(evt *event.Confirm, fx *effects) error {
	o, err := c.lookupOrder(evt.OrderID)
	if err != nil {
		return err
	}
	if err := requireCaller(evt.Caller, o.Buyer, o); err != nil {
		return err
	}
	if o.State != state.OrderStateDelivered {
		return invalidState(o, state.OrderStateDelivered)
	}

	esc, ok := c.escrows.Get(o.ID)
	if !ok {
		panic(fmt.Sprintf("FATAL: delivered order %d has no escrow", o.ID))
	}
	remaining := esc.Locked
	if err := c.journalGen.ReleaseEscrow(fx.batch, o.ID, o.Agent, remaining, ledger.JournalTypeEscrowRelease); err != nil {
		return journalFailure("escrow release", err)
	}

	if err := o.Transition(state.OrderStateConfirmed, fx.clock.Timestamp); err != nil {
		panic(fmt.Sprintf("FATAL: confirm order %d: %v", o.ID, err))
	}
	esc.Drain()

	fx.orders = append(fx.orders, o)
	fx.escrows = append(fx.escrows, esc)
	fx.emit(orderRecord(o, event.RecordOrderConfirmed))
	fx.emit(event.NewRecord(event.RecordEscrowReleased, orderKey(o.ID)).
		WithAttr("to", "agent").
		WithAmount("amount", remaining).
		WithAmount("withdrawable", c.tracker.Withdrawable(o.Agent)+remaining))
	return nil
}
