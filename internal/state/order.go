package state

import (
	"fmt"
	"sort"

	"AgentLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// OrderState tracks the order lifecycle
type OrderState int32

const (
	OrderStateNone OrderState = iota
	OrderStateProposed
	OrderStateOpened
	OrderStateDelivered
	OrderStateConfirmed
	OrderStateDisputed
	OrderStateClosed
)

func (s OrderState) String() string {
	switch s {
	case OrderStateNone:
		return "None"
	case OrderStateProposed:
		return "Proposed"
	case OrderStateOpened:
		return "Opened"
	case OrderStateDelivered:
		return "Delivered"
	case OrderStateConfirmed:
		return "Confirmed"
	case OrderStateDisputed:
		return "Disputed"
	case OrderStateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

func (s OrderState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderState) UnmarshalText(b []byte) error {
	for st := OrderStateNone; st <= OrderStateClosed; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("invalid order state %q", b)
}

var orderTransitions = map[OrderState][]OrderState{
	OrderStateNone:      {OrderStateProposed},
	OrderStateProposed:  {OrderStateOpened},
	OrderStateOpened:    {OrderStateDelivered},
	OrderStateDelivered: {OrderStateConfirmed, OrderStateDisputed},
	OrderStateConfirmed: {OrderStateDisputed},
	OrderStateDisputed:  {OrderStateClosed},
}

// CanTransitionTo validates state transitions. There is no skipping.
func (s OrderState) CanTransitionTo(next OrderState) bool {
	allowed, ok := orderTransitions[s]
	if !ok {
		return false
	}

	for _, allowedState := range allowed {
		if next == allowedState {
			return true
		}
	}

	return false
}

// Order is a two-party service agreement. Budget is fixed at proposal time.
type Order struct {
	ID          uint64         `json:"id"`
	Buyer       common.Address `json:"buyer"`
	Agent       common.Address `json:"agent"`
	Category    string         `json:"category"`
	Budget      int64          `json:"budget"`
	Description string         `json:"description,omitempty"`
	ResultRef   string         `json:"result_ref,omitempty"`
	State       OrderState     `json:"state"`
	Proposer    event.Party    `json:"proposer"`
	BuyerSigned bool           `json:"buyer_signed"`
	AgentSigned bool           `json:"agent_signed"`

	// unix seconds per transition, 0 when not reached
	ProposedAt  int64 `json:"proposed_at"`
	OpenedAt    int64 `json:"opened_at,omitempty"`
	DeliveredAt int64 `json:"delivered_at,omitempty"`
	ConfirmedAt int64 `json:"confirmed_at,omitempty"`
	DisputedAt  int64 `json:"disputed_at,omitempty"`
	ClosedAt    int64 `json:"closed_at,omitempty"`
}

// Slot returns the balance slot the order draws from.
func (o *Order) Slot() common.Hash {
	return SlotKey(o.Buyer, o.Agent, o.Category)
}

// IsParticipant reports whether addr is the order's buyer or agent.
func (o *Order) IsParticipant(addr common.Address) bool {
	return addr == o.Buyer || addr == o.Agent
}

// Counterparty returns the party expected to counter-sign.
func (o *Order) Counterparty() common.Address {
	if o.Proposer == event.PartyAgent {
		return o.Buyer
	}
	return o.Agent
}

// Transition moves the order to next, stamping the transition time.
func (o *Order) Transition(next OrderState, at int64) error {
	if !o.State.CanTransitionTo(next) {
		return fmt.Errorf("invalid state transition: %s -> %s", o.State, next)
	}
	// the dual-signature rule is structural, not advisory
	if next == OrderStateOpened && !(o.BuyerSigned && o.AgentSigned) {
		return fmt.Errorf("order %d cannot open without both signatures", o.ID)
	}
	o.State = next
	switch next {
	case OrderStateProposed:
		o.ProposedAt = at
	case OrderStateOpened:
		o.OpenedAt = at
	case OrderStateDelivered:
		o.DeliveredAt = at
	case OrderStateConfirmed:
		o.ConfirmedAt = at
	case OrderStateDisputed:
		o.DisputedAt = at
	case OrderStateClosed:
		o.ClosedAt = at
	}
	return nil
}

// CanonicalBytes returns deterministic serialization for hashing
func (o *Order) CanonicalBytes() []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, 'O')
	buf = appendUint64LE(buf, o.ID)
	buf = appendAddress(buf, o.Buyer)
	buf = appendAddress(buf, o.Agent)
	buf = appendString(buf, o.Category)
	buf = appendInt64LE(buf, o.Budget)
	buf = append(buf, byte(o.State), byte(o.Proposer))
	buf = appendBool(buf, o.BuyerSigned)
	buf = appendBool(buf, o.AgentSigned)
	for _, ts := range [...]int64{o.ProposedAt, o.OpenedAt, o.DeliveredAt, o.ConfirmedAt, o.DisputedAt, o.ClosedAt} {
		buf = appendInt64LE(buf, ts)
	}
	return buf
}

// OrderBook owns all orders. IDs are assigned monotonically from 1.
type OrderBook struct {
	orders map[uint64]*Order
	nextID uint64
}

func NewOrderBook() *OrderBook {
	return &OrderBook{orders: make(map[uint64]*Order), nextID: 1}
}

// NextID is the id the next proposal will receive.
func (ob *OrderBook) NextID() uint64 {
	return ob.nextID
}

// Insert stores a newly proposed order under the next id.
func (ob *OrderBook) Insert(o *Order) {
	o.ID = ob.nextID
	ob.orders[o.ID] = o
	ob.nextID++
}

func (ob *OrderBook) Get(id uint64) (*Order, bool) {
	o, ok := ob.orders[id]
	return o, ok
}

// All returns copies of every order ordered by id.
func (ob *OrderBook) All() []Order {
	ids := make([]uint64, 0, len(ob.orders))
	for id := range ob.orders {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *ob.orders[id])
	}
	return out
}

// Restore replaces the book contents.
func (ob *OrderBook) Restore(orders []Order, nextID uint64) {
	ob.orders = make(map[uint64]*Order, len(orders))
	for i := range orders {
		o := orders[i]
		ob.orders[o.ID] = &o
	}
	ob.nextID = nextID
	if ob.nextID == 0 {
		ob.nextID = 1
	}
}
