package state

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SlotKey is the composite key of a balance slot: keccak256(buyer ‖ agent ‖ category).
func SlotKey(buyer, agent common.Address, category string) common.Hash {
	return crypto.Keccak256Hash(buyer.Bytes(), agent.Bytes(), []byte(category))
}

// BalanceRecord tracks buyer funds earmarked for one agent and category.
// Invariant: Claimed <= Deposited.
type BalanceRecord struct {
	Buyer     common.Address `json:"buyer"`
	Agent     common.Address `json:"agent"`
	Category  string         `json:"category"`
	Deposited int64          `json:"deposited"`
	Claimed   int64          `json:"claimed"`
}

// Slot returns the record's composite key.
func (b *BalanceRecord) Slot() common.Hash {
	return SlotKey(b.Buyer, b.Agent, b.Category)
}

// Available returns deposited - claimed, floored at 0
func (b *BalanceRecord) Available() int64 {
	if b.Claimed >= b.Deposited {
		return 0
	}
	return b.Deposited - b.Claimed
}

// CanonicalBytes for deterministic hashing
func (b *BalanceRecord) CanonicalBytes() []byte {
	buf := make([]byte, 0, 96)
	buf = append(buf, 'B')
	buf = append(buf, b.Slot().Bytes()...)
	buf = appendInt64LE(buf, b.Deposited)
	buf = appendInt64LE(buf, b.Claimed)
	return buf
}

// BalanceBook is the single table of balance records keyed by slot.
type BalanceBook struct {
	records map[common.Hash]*BalanceRecord
}

func NewBalanceBook() *BalanceBook {
	return &BalanceBook{records: make(map[common.Hash]*BalanceRecord)}
}

func (bb *BalanceBook) Get(buyer, agent common.Address, category string) (*BalanceRecord, bool) {
	rec, ok := bb.records[SlotKey(buyer, agent, category)]
	return rec, ok
}

// GetOrCreate returns the record, creating an empty one on first deposit.
func (bb *BalanceBook) GetOrCreate(buyer, agent common.Address, category string) *BalanceRecord {
	slot := SlotKey(buyer, agent, category)
	rec, ok := bb.records[slot]
	if !ok {
		rec = &BalanceRecord{Buyer: buyer, Agent: agent, Category: category}
		bb.records[slot] = rec
	}
	return rec
}

// Available returns the buyer's available balance for the slot, 0 if none.
func (bb *BalanceBook) Available(buyer, agent common.Address, category string) int64 {
	if rec, ok := bb.Get(buyer, agent, category); ok {
		return rec.Available()
	}
	return 0
}

// All returns copies of every record ordered by slot.
func (bb *BalanceBook) All() []BalanceRecord {
	slots := make([]common.Hash, 0, len(bb.records))
	for s := range bb.records {
		slots = append(slots, s)
	}
	sort.Slice(slots, func(i, j int) bool { return bytes.Compare(slots[i][:], slots[j][:]) < 0 })

	out := make([]BalanceRecord, 0, len(slots))
	for _, s := range slots {
		out = append(out, *bb.records[s])
	}
	return out
}

// Restore replaces the book contents.
func (bb *BalanceBook) Restore(records []BalanceRecord) {
	bb.records = make(map[common.Hash]*BalanceRecord, len(records))
	for i := range records {
		rec := records[i]
		bb.records[rec.Slot()] = &rec
	}
}
