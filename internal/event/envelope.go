package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeQualificationUpdated
	EventTypeDeposit
	EventTypeClaim
	EventTypeRefund
	EventTypeWithdrawEarnings
	EventTypePropose
	EventTypeAccept
	EventTypeDeliver
	EventTypeConfirm
	EventTypeClaimFromOrder
	EventTypeOpenDispute
	EventTypeSubmitEvidence
	EventTypeVote
	EventTypeFinalize
	EventTypeWithdrawRewards
)

// EventEnvelope wraps every accepted command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Caller-supplied command time (NOT wall-clock)
	Timestamp time.Time

	// Caller-supplied block height, used for stake snapshots
	Block uint64

	// JSON-encoded command
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Clock is the logical time a command executes at. The core never reads the
// wall clock; deadlines compare against Timestamp and snapshots key on Block.
type Clock struct {
	Timestamp int64  // unix seconds
	Block     uint64 // block height
}

// Event is the interface all command payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// Clock returns the command's logical time
	Clock() Clock
}

// Header is embedded by every command.
type Header struct {
	RequestID uuid.UUID `json:"request_id"`
	Timestamp int64     `json:"timestamp"`
	Block     uint64    `json:"block"`
}

func (h Header) IdempotencyKey() string {
	return h.RequestID.String()
}

func (h Header) Clock() Clock {
	return Clock{Timestamp: h.Timestamp, Block: h.Block}
}

var eventTypeNames = map[EventType]string{
	EventTypeQualificationUpdated: "QualificationUpdated",
	EventTypeDeposit:              "Deposit",
	EventTypeClaim:                "Claim",
	EventTypeRefund:               "Refund",
	EventTypeWithdrawEarnings:     "WithdrawEarnings",
	EventTypePropose:              "Propose",
	EventTypeAccept:               "Accept",
	EventTypeDeliver:              "Deliver",
	EventTypeConfirm:              "Confirm",
	EventTypeClaimFromOrder:       "ClaimFromOrder",
	EventTypeOpenDispute:          "OpenDispute",
	EventTypeSubmitEvidence:       "SubmitEvidence",
	EventTypeVote:                 "Vote",
	EventTypeFinalize:             "Finalize",
	EventTypeWithdrawRewards:      "WithdrawRewards",
}

// subject tokens used on the command bus and in HTTP routes
var eventTypeSubjects = map[EventType]string{
	EventTypeQualificationUpdated: "qualification",
	EventTypeDeposit:              "deposit",
	EventTypeClaim:                "claim",
	EventTypeRefund:               "refund",
	EventTypeWithdrawEarnings:     "withdraw_earnings",
	EventTypePropose:              "propose",
	EventTypeAccept:               "accept",
	EventTypeDeliver:              "deliver",
	EventTypeConfirm:              "confirm",
	EventTypeClaimFromOrder:       "claim_from_order",
	EventTypeOpenDispute:          "open_dispute",
	EventTypeSubmitEvidence:       "submit_evidence",
	EventTypeVote:                 "vote",
	EventTypeFinalize:             "finalize",
	EventTypeWithdrawRewards:      "withdraw_rewards",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// Subject returns the lower_snake token for this type.
func (et EventType) Subject() string {
	return eventTypeSubjects[et]
}

// AllEventTypes lists every command type in declaration order.
func AllEventTypes() []EventType {
	out := make([]EventType, 0, len(eventTypeNames))
	for et := EventTypeQualificationUpdated; et <= EventTypeWithdrawRewards; et++ {
		out = append(out, et)
	}
	return out
}

// ParseEventType accepts either the type name or its subject token.
func ParseEventType(s string) (EventType, error) {
	for et, name := range eventTypeNames {
		if s == name || s == eventTypeSubjects[et] {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// New returns an empty command of the given type, ready for decoding.
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeQualificationUpdated:
		return &QualificationUpdated{}, nil
	case EventTypeDeposit:
		return &Deposit{}, nil
	case EventTypeClaim:
		return &Claim{}, nil
	case EventTypeRefund:
		return &Refund{}, nil
	case EventTypeWithdrawEarnings:
		return &WithdrawEarnings{}, nil
	case EventTypePropose:
		return &Propose{}, nil
	case EventTypeAccept:
		return &Accept{}, nil
	case EventTypeDeliver:
		return &Deliver{}, nil
	case EventTypeConfirm:
		return &Confirm{}, nil
	case EventTypeClaimFromOrder:
		return &ClaimFromOrder{}, nil
	case EventTypeOpenDispute:
		return &OpenDispute{}, nil
	case EventTypeSubmitEvidence:
		return &SubmitEvidence{}, nil
	case EventTypeVote:
		return &Vote{}, nil
	case EventTypeFinalize:
		return &Finalize{}, nil
	case EventTypeWithdrawRewards:
		return &WithdrawRewards{}, nil
	}
	return nil, fmt.Errorf("unknown event type %d", et)
}

// Decode unmarshals a JSON payload into a command of the given type.
func Decode(et EventType, payload []byte) (Event, error) {
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}

// Encode marshals a command to its JSON payload.
func Encode(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}
