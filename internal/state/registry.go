package state

import (
	"bytes"
	"sort"

	"AgentLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// Role is the qualification fact held for an address: a single variant so an
// address can never be read as two roles at once. Stake is meaningful for
// agents and arbitrators only.
type Role struct {
	Kind  event.RoleKind `json:"kind"`
	Stake int64          `json:"stake"`
}

// Registry is the in-core view of the external qualification oracle. It is
// written by QualificationUpdated commands and by slashing.
type Registry struct {
	roles map[common.Address]Role
}

func NewRegistry() *Registry {
	return &Registry{roles: make(map[common.Address]Role)}
}

// Set replaces the role of addr. RoleNone removes the entry.
func (r *Registry) Set(addr common.Address, role Role) {
	if role.Kind == event.RoleNone {
		delete(r.roles, addr)
		return
	}
	r.roles[addr] = role
}

// Role returns the role of addr, RoleNone if unregistered.
func (r *Registry) Role(addr common.Address) Role {
	return r.roles[addr]
}

// IsQualifiedAgent reports whether addr is an agent staking at least the minimum.
func (r *Registry) IsQualifiedAgent(addr common.Address, p Params) (bool, int64) {
	role := r.roles[addr]
	if role.Kind != event.RoleAgent {
		return false, 0
	}
	return role.Stake >= p.MinAgentStake, role.Stake
}

// IsQualifiedArbitrator reports whether addr is an arbitrator staking at least the minimum.
func (r *Registry) IsQualifiedArbitrator(addr common.Address, p Params) (bool, int64) {
	role := r.roles[addr]
	if role.Kind != event.RoleArbitrator {
		return false, 0
	}
	return role.Stake >= p.MinArbitratorStake, role.Stake
}

func (r *Registry) IsQualifiedBuyer(addr common.Address) bool {
	return r.roles[addr].Kind == event.RoleBuyer
}

// QualifiedArbitrators lists every qualified arbitrator in address order.
func (r *Registry) QualifiedArbitrators(p Params) []common.Address {
	out := make([]common.Address, 0)
	for addr := range r.roles {
		if ok, _ := r.IsQualifiedArbitrator(addr, p); ok {
			out = append(out, addr)
		}
	}
	SortAddresses(out)
	return out
}

// Slash removes up to amount from the live stake of addr and returns what was
// actually taken.
func (r *Registry) Slash(addr common.Address, amount int64) int64 {
	role, ok := r.roles[addr]
	if !ok || amount <= 0 {
		return 0
	}
	if amount > role.Stake {
		amount = role.Stake
	}
	role.Stake -= amount
	r.roles[addr] = role
	return amount
}

// RoleEntry is the serialized form of one registry row.
type RoleEntry struct {
	Address common.Address `json:"address"`
	Role    Role           `json:"role"`
}

// Entries returns all roles in address order.
func (r *Registry) Entries() []RoleEntry {
	out := make([]RoleEntry, 0, len(r.roles))
	for addr, role := range r.roles {
		out = append(out, RoleEntry{Address: addr, Role: role})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// Restore replaces the registry contents.
func (r *Registry) Restore(entries []RoleEntry) {
	r.roles = make(map[common.Address]Role, len(entries))
	for _, e := range entries {
		r.Set(e.Address, e.Role)
	}
}

// CanonicalBytes encodes the role of addr for state hashing.
func (r *Registry) CanonicalBytes(addr common.Address) []byte {
	role := r.roles[addr]
	buf := make([]byte, 0, 32)
	buf = append(buf, 'R')
	buf = appendAddress(buf, addr)
	buf = append(buf, byte(role.Kind))
	buf = appendInt64LE(buf, role.Stake)
	return buf
}

// SortAddresses sorts in place by byte order.
func SortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool {
		return bytes.Compare(addrs[i][:], addrs[j][:]) < 0
	})
}
