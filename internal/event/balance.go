package event

import "github.com/ethereum/go-ethereum/common"

// Deposit earmarks buyer funds for one agent and category.
type Deposit struct {
	Header
	Buyer    common.Address `json:"buyer"`
	Agent    common.Address `json:"agent"`
	Category string         `json:"category"`
	Amount   int64          `json:"amount"`
}

func (d *Deposit) EventType() EventType { return EventTypeDeposit }

// Claim is a pay-as-you-go charge by the agent against a buyer's slot.
type Claim struct {
	Header
	Agent    common.Address `json:"agent"`
	Buyer    common.Address `json:"buyer"`
	Category string         `json:"category"`
	Amount   int64          `json:"amount"`
	Reason   string         `json:"reason,omitempty"`
}

func (c *Claim) EventType() EventType { return EventTypeClaim }

// Refund returns unclaimed slot funds to the buyer.
type Refund struct {
	Header
	Buyer    common.Address `json:"buyer"`
	Agent    common.Address `json:"agent"`
	Category string         `json:"category"`
	Amount   int64          `json:"amount"`
}

func (r *Refund) EventType() EventType { return EventTypeRefund }

// WithdrawEarnings pays out an agent's withdrawable balance.
type WithdrawEarnings struct {
	Header
	Agent  common.Address `json:"agent"`
	Amount int64          `json:"amount"`
}

func (w *WithdrawEarnings) EventType() EventType { return EventTypeWithdrawEarnings }
