package event

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// RoleKind is the role an address is registered under. An address holds
// exactly one role at a time.
type RoleKind int32

const (
	RoleNone RoleKind = iota
	RoleBuyer
	RoleAgent
	RoleArbitrator
)

func (r RoleKind) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleBuyer:
		return "buyer"
	case RoleAgent:
		return "agent"
	case RoleArbitrator:
		return "arbitrator"
	}
	return "unknown"
}

func ParseRoleKind(s string) (RoleKind, error) {
	for r := RoleNone; r <= RoleArbitrator; r++ {
		if r.String() == s {
			return r, nil
		}
	}
	return RoleNone, fmt.Errorf("invalid role %q", s)
}

func (r RoleKind) MarshalText() ([]byte, error) {
	if r < RoleNone || r > RoleArbitrator {
		return nil, fmt.Errorf("invalid role %d", r)
	}
	return []byte(r.String()), nil
}

func (r *RoleKind) UnmarshalText(b []byte) error {
	v, err := ParseRoleKind(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// QualificationUpdated records a fact from the external registry: an
// address's role and its stake. Stake is ignored for buyers.
type QualificationUpdated struct {
	Header
	Address common.Address `json:"address"`
	Role    RoleKind       `json:"role"`
	Stake   int64          `json:"stake"`
}

func (q *QualificationUpdated) EventType() EventType { return EventTypeQualificationUpdated }
