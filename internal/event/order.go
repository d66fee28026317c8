package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Party identifies which side of an order acted.
type Party int32

const (
	PartyBuyer Party = iota
	PartyAgent
)

func (p Party) String() string {
	switch p {
	case PartyBuyer:
		return "buyer"
	case PartyAgent:
		return "agent"
	}
	return "unknown"
}

func (p Party) MarshalText() ([]byte, error) {
	if p != PartyBuyer && p != PartyAgent {
		return nil, fmt.Errorf("invalid party %d", p)
	}
	return []byte(p.String()), nil
}

func (p *Party) UnmarshalText(b []byte) error {
	switch string(b) {
	case "buyer":
		*p = PartyBuyer
	case "agent":
		*p = PartyAgent
	default:
		return fmt.Errorf("invalid party %q", b)
	}
	return nil
}

// Propose creates an order signed by the initiator. Initiator=buyer is
// buyerPropose, Initiator=agent is agentPropose.
type Propose struct {
	Header
	Initiator   Party          `json:"initiator"`
	Buyer       common.Address `json:"buyer"`
	Agent       common.Address `json:"agent"`
	Category    string         `json:"category"`
	Budget      int64          `json:"budget"`
	Description string         `json:"description,omitempty"`
}

func (p *Propose) EventType() EventType { return EventTypePropose }

// Caller is the signing address.
func (p *Propose) Caller() common.Address {
	if p.Initiator == PartyAgent {
		return p.Agent
	}
	return p.Buyer
}

// Accept is the counter-signature of the non-initiating party.
type Accept struct {
	Header
	Caller  common.Address `json:"caller"`
	OrderID uint64         `json:"order_id"`
}

func (a *Accept) EventType() EventType { return EventTypeAccept }

type Deliver struct {
	Header
	Caller    common.Address `json:"caller"`
	OrderID   uint64         `json:"order_id"`
	ResultRef string         `json:"result_ref,omitempty"`
}

func (d *Deliver) EventType() EventType { return EventTypeDeliver }

type Confirm struct {
	Header
	Caller  common.Address `json:"caller"`
	OrderID uint64         `json:"order_id"`
}

func (c *Confirm) EventType() EventType { return EventTypeConfirm }

// ClaimFromOrder is a partial agent draw from an open order's escrow.
type ClaimFromOrder struct {
	Header
	Caller  common.Address `json:"caller"`
	OrderID uint64         `json:"order_id"`
	Amount  int64          `json:"amount"`
}

func (c *ClaimFromOrder) EventType() EventType { return EventTypeClaimFromOrder }
