package ledger

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeSlot        AccountScope = iota // per (buyer, agent, category) balance slot
	AccountScopeOrder                           // order-scoped escrow and dispute pool
	AccountScopeParticipant                     // agent earnings, arbitrator rewards
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	SubTypeAvailable AccountSubType = iota

	// Order sub-types
	SubTypeEscrow
	SubTypeDisputePool

	// Participant sub-types
	SubTypeWithdrawable
	SubTypeRewards

	// System sub-types
	SubTypeTreasury

	// External sub-types
	SubTypeExternalDeposits
	SubTypeExternalRefunds
	SubTypeExternalWithdrawals
	SubTypeExternalDisputeFees
	SubTypeExternalSlashedStake
)

var subTypeNames = map[AccountSubType]string{
	SubTypeAvailable:            "available",
	SubTypeEscrow:               "escrow",
	SubTypeDisputePool:          "dispute_pool",
	SubTypeWithdrawable:         "withdrawable",
	SubTypeRewards:              "rewards",
	SubTypeTreasury:             "treasury",
	SubTypeExternalDeposits:     "deposits",
	SubTypeExternalRefunds:      "refunds",
	SubTypeExternalWithdrawals:  "withdrawals",
	SubTypeExternalDisputeFees:  "dispute_fees",
	SubTypeExternalSlashedStake: "slashed_stake",
}

var subTypesByName = func() map[string]AccountSubType {
	m := make(map[string]AccountSubType, len(subTypeNames))
	for k, v := range subTypeNames {
		m[v] = k
	}
	return m
}()

// AccountKey is the in-memory key for balance tracking. EntityID holds a
// slot hash, a left-padded address, or a big-endian order id depending on scope.
type AccountKey struct {
	Scope    AccountScope
	EntityID [32]byte
	SubType  AccountSubType
}

// NewSlotAccountKey creates the key for a buyer's earmarked balance slot
func NewSlotAccountKey(slot common.Hash) AccountKey {
	return AccountKey{
		Scope:    AccountScopeSlot,
		EntityID: slot,
		SubType:  SubTypeAvailable,
	}
}

// NewOrderAccountKey creates a key for an order's escrow or dispute pool
func NewOrderAccountKey(orderID uint64, subType AccountSubType) AccountKey {
	var entityID [32]byte
	binary.BigEndian.PutUint64(entityID[24:], orderID)
	return AccountKey{
		Scope:    AccountScopeOrder,
		EntityID: entityID,
		SubType:  subType,
	}
}

// NewParticipantAccountKey creates a key for an agent or arbitrator account
func NewParticipantAccountKey(addr common.Address, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:    AccountScopeParticipant,
		EntityID: common.BytesToHash(addr.Bytes()),
		SubType:  subType,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// OrderID decodes the order id of an order-scoped key.
func (k AccountKey) OrderID() uint64 {
	return binary.BigEndian.Uint64(k.EntityID[24:])
}

// Address decodes the participant address of a participant-scoped key.
func (k AccountKey) Address() common.Address {
	return common.BytesToAddress(k.EntityID[12:])
}

// IsExternal reports whether the account sits outside the ledger boundary.
// External accounts are the only ones allowed to go negative.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeSlot:
		return fmt.Sprintf("slot:%s:%s", common.Hash(k.EntityID).Hex(), k.subTypeName())
	case AccountScopeOrder:
		return fmt.Sprintf("order:%d:%s", k.OrderID(), k.subTypeName())
	case AccountScopeParticipant:
		return fmt.Sprintf("participant:%s:%s", k.Address().Hex(), k.subTypeName())
	case AccountScopeSystem:
		return "system:" + k.subTypeName()
	case AccountScopeExternal:
		return "external:" + k.subTypeName()
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

// ParseAccountPath is the inverse of AccountPath. It is used when restoring
// balances from snapshots, which store accounts by path.
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	subType := func(name string) (AccountSubType, error) {
		st, ok := subTypesByName[name]
		if !ok {
			return 0, fmt.Errorf("account path %q: unknown sub-type %q", path, name)
		}
		return st, nil
	}

	switch {
	case len(parts) == 3 && parts[0] == "slot":
		if !isHexHash(parts[1]) {
			return AccountKey{}, fmt.Errorf("account path %q: malformed slot hash", path)
		}
		st, err := subType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		key := NewSlotAccountKey(common.HexToHash(parts[1]))
		key.SubType = st
		return key, nil

	case len(parts) == 3 && parts[0] == "order":
		id, err := strconv.ParseUint(parts[1], 10, 64)
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		st, err := subType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewOrderAccountKey(id, st), nil

	case len(parts) == 3 && parts[0] == "participant":
		if !common.IsHexAddress(parts[1]) {
			return AccountKey{}, fmt.Errorf("account path %q: malformed address", path)
		}
		st, err := subType(parts[2])
		if err != nil {
			return AccountKey{}, err
		}
		return NewParticipantAccountKey(common.HexToAddress(parts[1]), st), nil

	case len(parts) == 2 && parts[0] == "system":
		st, err := subType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		return NewSystemAccountKey(st), nil

	case len(parts) == 2 && parts[0] == "external":
		st, err := subType(parts[1])
		if err != nil {
			return AccountKey{}, err
		}
		return NewExternalAccountKey(st), nil
	}

	return AccountKey{}, fmt.Errorf("account path %q: unrecognized format", path)
}

func isHexHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
