package core

import (
	"fmt"

	"AgentLedger/internal/event"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// SnapshotState is the serializable in-memory state. Balances are keyed by
// account path so the structure round-trips through JSON.
type SnapshotState struct {
	Sequence        int64                 `json:"sequence"` // last applied
	StateHash       common.Hash           `json:"state_hash"`
	Clock           event.Clock           `json:"clock"`
	Balances        map[string]int64      `json:"balances"`
	BalanceRecords  []state.BalanceRecord `json:"balance_records"`
	Orders          []state.Order         `json:"orders"`
	NextOrderID     uint64                `json:"next_order_id"`
	Escrows         []state.EscrowRecord  `json:"escrows"`
	Disputes        []*state.Dispute      `json:"disputes"`
	Stakes          []state.StakeEntry    `json:"stakes"`
	Roles           []state.RoleEntry     `json:"roles"`
	IdempotencyKeys []string              `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	balances := make(map[string]int64)
	for key, v := range c.tracker.Snapshot() {
		balances[key.AccountPath()] = v
	}

	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		Clock:           c.clock.Current(),
		Balances:        balances,
		BalanceRecords:  c.balances.All(),
		Orders:          c.orders.All(),
		NextOrderID:     c.orders.NextID(),
		Escrows:         c.escrows.All(),
		Disputes:        c.disputes.All(),
		Stakes:          c.stakes.Entries(),
		Roles:           c.registry.Entries(),
		IdempotencyKeys: c.idempotency.lru.GetAllKeys(),
	}
}

// RestoreFromSnapshot replaces the core's state with snap. Events after
// snap.Sequence are then replayed with Replay.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	balances := make(map[ledger.AccountKey]int64, len(snap.Balances))
	for path, v := range snap.Balances {
		key, err := ledger.ParseAccountPath(path)
		if err != nil {
			return fmt.Errorf("restore balance %q: %w", path, err)
		}
		balances[key] = v
	}

	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)
	c.clock.Restore(snap.Clock)
	c.tracker.Restore(balances)
	c.balances.Restore(snap.BalanceRecords)
	c.orders.Restore(snap.Orders, snap.NextOrderID)
	c.escrows.Restore(snap.Escrows)
	c.disputes.Restore(snap.Disputes)
	c.stakes.Restore(snap.Stakes)
	c.registry.Restore(snap.Roles)
	c.idempotency.lru.WarmFromKeys(snap.IdempotencyKeys)

	if c.metrics != nil {
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return nil
}

// WarmLRU loads recent composite idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idempotency.lru.WarmFromKeys(keys)
}

// GetSequence returns the next sequence to assign.
func (c *DeterministicCore) GetSequence() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hasher.GetPrevHash()
}

// --- Read-only queries ---

func (c *DeterministicCore) Params() state.Params {
	return c.params
}

// Clock returns the last accepted command time.
func (c *DeterministicCore) Clock() event.Clock {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clock.Current()
}

// AvailableBalance is deposited - claimed for the slot, floored at 0.
func (c *DeterministicCore) AvailableBalance(buyer, agent common.Address, category string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.balances.Available(buyer, agent, category)
}

func (c *DeterministicCore) GetBalanceRecord(buyer, agent common.Address, category string) (state.BalanceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.balances.Get(buyer, agent, category)
	if !ok {
		return state.BalanceRecord{}, false
	}
	return *rec, true
}

func (c *DeterministicCore) GetOrder(id uint64) (state.Order, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders.Get(id)
	if !ok {
		return state.Order{}, false
	}
	return *o, true
}

func (c *DeterministicCore) GetEscrow(orderID uint64) (state.EscrowRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.escrows.Get(orderID)
	if !ok {
		return state.EscrowRecord{}, false
	}
	return *e, true
}

// GetDispute returns a deep copy including tallies and votes.
func (c *DeterministicCore) GetDispute(orderID uint64) (*state.Dispute, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.disputes.Get(orderID)
	if !ok {
		return nil, false
	}
	return d.Clone(), true
}

func (c *DeterministicCore) AgentWithdrawable(agent common.Address) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.Withdrawable(agent)
}

func (c *DeterministicCore) PendingReward(arbitrator common.Address) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.PendingRewards(arbitrator)
}

func (c *DeterministicCore) Treasury() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.Treasury()
}

func (c *DeterministicCore) GetRole(addr common.Address) state.Role {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.registry.Role(addr)
}

// GetBalance returns the raw balance of one ledger account.
func (c *DeterministicCore) GetBalance(key ledger.AccountKey) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tracker.GetBalance(key)
}

// StakeAt returns an arbitrator's snapshotted stake at block.
func (c *DeterministicCore) StakeAt(arbitrator common.Address, block uint64) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stakes.At(arbitrator, block)
}
