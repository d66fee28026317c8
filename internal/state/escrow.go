package state

import (
	"fmt"
	"sort"
)

// EscrowRecord is the order-scoped locked pool. Locked only decreases after
// the initial lock and never exceeds Original.
type EscrowRecord struct {
	OrderID  uint64 `json:"order_id"`
	Locked   int64  `json:"locked"`
	Original int64  `json:"original"`
	Frozen   bool   `json:"frozen"`
}

// CanonicalBytes for deterministic hashing
func (e *EscrowRecord) CanonicalBytes() []byte {
	buf := make([]byte, 0, 32)
	buf = append(buf, 'E')
	buf = appendUint64LE(buf, e.OrderID)
	buf = appendInt64LE(buf, e.Locked)
	buf = appendInt64LE(buf, e.Original)
	buf = appendBool(buf, e.Frozen)
	return buf
}

// EscrowBook owns all escrow records.
type EscrowBook struct {
	escrows map[uint64]*EscrowRecord
}

func NewEscrowBook() *EscrowBook {
	return &EscrowBook{escrows: make(map[uint64]*EscrowRecord)}
}

func (eb *EscrowBook) Get(orderID uint64) (*EscrowRecord, bool) {
	e, ok := eb.escrows[orderID]
	return e, ok
}

// Locked returns the remaining lock for an order, 0 if none.
func (eb *EscrowBook) Locked(orderID uint64) int64 {
	if e, ok := eb.escrows[orderID]; ok {
		return e.Locked
	}
	return 0
}

// Lock creates the escrow for an order. Each order is locked at most once.
func (eb *EscrowBook) Lock(orderID uint64, amount int64) (*EscrowRecord, error) {
	if _, exists := eb.escrows[orderID]; exists {
		return nil, fmt.Errorf("escrow for order %d already locked", orderID)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("escrow lock amount must be > 0, got %d", amount)
	}
	e := &EscrowRecord{OrderID: orderID, Locked: amount, Original: amount}
	eb.escrows[orderID] = e
	return e, nil
}

// Draw decreases the lock. Frozen escrows cannot shrink.
func (e *EscrowRecord) Draw(amount int64) error {
	if e.Frozen {
		return fmt.Errorf("escrow for order %d is frozen", e.OrderID)
	}
	if amount <= 0 || amount > e.Locked {
		return fmt.Errorf("escrow draw %d outside (0, %d]", amount, e.Locked)
	}
	e.Locked -= amount
	return nil
}

func (e *EscrowRecord) Freeze()   { e.Frozen = true }
func (e *EscrowRecord) Unfreeze() { e.Frozen = false }

// Drain empties the lock and returns what it held. Used by confirm and by
// dispute settlement after the escrow is unfrozen.
func (e *EscrowRecord) Drain() int64 {
	amount := e.Locked
	e.Locked = 0
	return amount
}

// All returns copies of every record ordered by order id.
func (eb *EscrowBook) All() []EscrowRecord {
	ids := make([]uint64, 0, len(eb.escrows))
	for id := range eb.escrows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]EscrowRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, *eb.escrows[id])
	}
	return out
}

// Restore replaces the book contents.
func (eb *EscrowBook) Restore(records []EscrowRecord) {
	eb.escrows = make(map[uint64]*EscrowRecord, len(records))
	for i := range records {
		e := records[i]
		eb.escrows[e.OrderID] = &e
	}
}
