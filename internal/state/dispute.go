package state

import (
	"fmt"
	"math"
	"sort"

	"AgentLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
)

// VoteRecord is one arbitrator's ballot. Weight is the snapshotted stake.
type VoteRecord struct {
	Option    event.VoteOption `json:"option"`
	Weight    int64            `json:"weight"`
	Timestamp int64            `json:"timestamp"`
}

type Evidence struct {
	Submitter common.Address `json:"submitter"`
	Ref       string         `json:"ref"`
	Timestamp int64          `json:"timestamp"`
}

// Dispute is the one-shot arbitration of an order: Open until Finalized,
// never reopened.
type Dispute struct {
	OrderID        uint64         `json:"order_id"`
	Opener         common.Address `json:"opener"`
	Reason         string         `json:"reason"`
	SnapshotBlock  uint64         `json:"snapshot_block"`
	OpenedAt       int64          `json:"opened_at"`
	VotingDeadline int64          `json:"voting_deadline"`
	Fee            int64          `json:"fee"`
	FrozenAmount   int64          `json:"frozen_amount"`

	// Eligible arbitrators at SnapshotBlock in address order, and the sum of
	// their snapshotted stake.
	Eligible    []common.Address `json:"eligible"`
	TotalWeight int64            `json:"total_weight"`

	Tallies  [event.NumVoteOptions]int64   `json:"tallies"`
	Votes    map[common.Address]VoteRecord `json:"votes"`
	Voters   []common.Address              `json:"voters"` // in casting order
	Evidence []Evidence                    `json:"evidence,omitempty"`

	Finalized   bool             `json:"finalized"`
	FinalizedAt int64            `json:"finalized_at,omitempty"`
	Early       bool             `json:"early,omitempty"`
	Decision    event.VoteOption `json:"decision"`
	AgentPayout int64            `json:"agent_payout"`
	BuyerRefund int64            `json:"buyer_refund"`
}

func (d *Dispute) VoterCount() int {
	return len(d.Voters)
}

func (d *Dispute) HasVoted(arb common.Address) bool {
	_, ok := d.Votes[arb]
	return ok
}

// IsEligible reports whether arb was part of the stake snapshot.
func (d *Dispute) IsEligible(arb common.Address) bool {
	i := sort.Search(len(d.Eligible), func(i int) bool {
		return compareAddr(d.Eligible[i], arb) >= 0
	})
	return i < len(d.Eligible) && d.Eligible[i] == arb
}

// RecordVote adds a ballot. Each arbitrator votes at most once.
func (d *Dispute) RecordVote(arb common.Address, opt event.VoteOption, weight, at int64) error {
	if d.Finalized {
		return fmt.Errorf("dispute on order %d already finalized", d.OrderID)
	}
	if d.HasVoted(arb) {
		return fmt.Errorf("arbitrator %s already voted on order %d", arb.Hex(), d.OrderID)
	}
	if !opt.Valid() {
		return fmt.Errorf("invalid vote option %d", opt)
	}
	if weight < 0 || d.Tallies[opt] > math.MaxInt64-weight {
		return fmt.Errorf("vote weight %d overflows tally on order %d", weight, d.OrderID)
	}
	if d.Votes == nil {
		d.Votes = make(map[common.Address]VoteRecord)
	}
	d.Votes[arb] = VoteRecord{Option: opt, Weight: weight, Timestamp: at}
	d.Voters = append(d.Voters, arb)
	d.Tallies[opt] += weight
	return nil
}

// Leading returns the option with the highest accumulated weight. Ties go to
// the earlier option in enumeration order.
func (d *Dispute) Leading() (event.VoteOption, int64) {
	best := event.VotePayAgent
	for opt := event.VotePayAgent + 1; opt <= event.VoteSplit75; opt++ {
		if d.Tallies[opt] > d.Tallies[best] {
			best = opt
		}
	}
	return best, d.Tallies[best]
}

// AddEvidence appends a reference. Purely additive.
func (d *Dispute) AddEvidence(submitter common.Address, ref string, at int64) {
	d.Evidence = append(d.Evidence, Evidence{Submitter: submitter, Ref: ref, Timestamp: at})
}

// Clone returns a deep copy.
func (d *Dispute) Clone() *Dispute {
	c := *d
	c.Eligible = append([]common.Address(nil), d.Eligible...)
	c.Voters = append([]common.Address(nil), d.Voters...)
	c.Evidence = append([]Evidence(nil), d.Evidence...)
	c.Votes = make(map[common.Address]VoteRecord, len(d.Votes))
	for k, v := range d.Votes {
		c.Votes[k] = v
	}
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing.
// Votes are encoded in casting order.
func (d *Dispute) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, 'D')
	buf = appendUint64LE(buf, d.OrderID)
	buf = appendAddress(buf, d.Opener)
	buf = appendString(buf, d.Reason)
	buf = appendUint64LE(buf, d.SnapshotBlock)
	buf = appendInt64LE(buf, d.OpenedAt)
	buf = appendInt64LE(buf, d.VotingDeadline)
	buf = appendInt64LE(buf, d.Fee)
	buf = appendInt64LE(buf, d.FrozenAmount)
	buf = appendInt64LE(buf, d.TotalWeight)
	buf = appendUint64LE(buf, uint64(len(d.Eligible)))
	for _, a := range d.Eligible {
		buf = appendAddress(buf, a)
	}
	for _, t := range d.Tallies {
		buf = appendInt64LE(buf, t)
	}
	buf = appendUint64LE(buf, uint64(len(d.Voters)))
	for _, a := range d.Voters {
		v := d.Votes[a]
		buf = appendAddress(buf, a)
		buf = append(buf, byte(v.Option))
		buf = appendInt64LE(buf, v.Weight)
		buf = appendInt64LE(buf, v.Timestamp)
	}
	buf = appendUint64LE(buf, uint64(len(d.Evidence)))
	for _, e := range d.Evidence {
		buf = appendAddress(buf, e.Submitter)
		buf = appendString(buf, e.Ref)
		buf = appendInt64LE(buf, e.Timestamp)
	}
	buf = appendBool(buf, d.Finalized)
	buf = appendInt64LE(buf, d.FinalizedAt)
	buf = appendBool(buf, d.Early)
	buf = append(buf, byte(d.Decision))
	buf = appendInt64LE(buf, d.AgentPayout)
	buf = appendInt64LE(buf, d.BuyerRefund)
	return buf
}

// DisputeBook owns all disputes, at most one per order.
type DisputeBook struct {
	disputes map[uint64]*Dispute
}

func NewDisputeBook() *DisputeBook {
	return &DisputeBook{disputes: make(map[uint64]*Dispute)}
}

func (db *DisputeBook) Get(orderID uint64) (*Dispute, bool) {
	d, ok := db.disputes[orderID]
	return d, ok
}

// Insert stores a new dispute. A dispute is never replaced, finalized or not.
func (db *DisputeBook) Insert(d *Dispute) error {
	if _, exists := db.disputes[d.OrderID]; exists {
		return fmt.Errorf("dispute for order %d already exists", d.OrderID)
	}
	db.disputes[d.OrderID] = d
	return nil
}

// Open returns the order ids of non-finalized disputes in order.
func (db *DisputeBook) Open() []uint64 {
	out := make([]uint64, 0)
	for id, d := range db.disputes {
		if !d.Finalized {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// All returns deep copies of every dispute ordered by order id.
func (db *DisputeBook) All() []*Dispute {
	ids := make([]uint64, 0, len(db.disputes))
	for id := range db.disputes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]*Dispute, 0, len(ids))
	for _, id := range ids {
		out = append(out, db.disputes[id].Clone())
	}
	return out
}

// Restore replaces the book contents.
func (db *DisputeBook) Restore(disputes []*Dispute) {
	db.disputes = make(map[uint64]*Dispute, len(disputes))
	for _, d := range disputes {
		db.disputes[d.OrderID] = d.Clone()
	}
}

func compareAddr(a, b common.Address) int {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}
