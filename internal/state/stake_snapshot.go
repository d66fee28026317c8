package state

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

type snapshotKey struct {
	Arbitrator common.Address
	Block      uint64
}

// StakeSnapshots is a versioned index of arbitrator stake: (arbitrator, block)
// → stake. Entries are write-once; voting weight is always read at the
// dispute's recorded block, never from live stake.
type StakeSnapshots struct {
	entries map[snapshotKey]int64
}

func NewStakeSnapshots() *StakeSnapshots {
	return &StakeSnapshots{entries: make(map[snapshotKey]int64)}
}

// Record stores stake for (arb, block) unless an entry already exists, and
// returns the stored value. The first write at a block wins.
func (s *StakeSnapshots) Record(arb common.Address, block uint64, stake int64) int64 {
	k := snapshotKey{arb, block}
	if existing, ok := s.entries[k]; ok {
		return existing
	}
	s.entries[k] = stake
	return stake
}

// At returns the stake of arb snapshotted at block.
func (s *StakeSnapshots) At(arb common.Address, block uint64) (int64, bool) {
	v, ok := s.entries[snapshotKey{arb, block}]
	return v, ok
}

// StakeEntry is the serialized form of one snapshot.
type StakeEntry struct {
	Arbitrator common.Address `json:"arbitrator"`
	Block      uint64         `json:"block"`
	Stake      int64          `json:"stake"`
}

// Entries returns every snapshot ordered by (block, arbitrator).
func (s *StakeSnapshots) Entries() []StakeEntry {
	out := make([]StakeEntry, 0, len(s.entries))
	for k, v := range s.entries {
		out = append(out, StakeEntry{Arbitrator: k.Arbitrator, Block: k.Block, Stake: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Block != out[j].Block {
			return out[i].Block < out[j].Block
		}
		return compareAddr(out[i].Arbitrator, out[j].Arbitrator) < 0
	})
	return out
}

func (s *StakeSnapshots) Restore(entries []StakeEntry) {
	s.entries = make(map[snapshotKey]int64, len(entries))
	for _, e := range entries {
		s.entries[snapshotKey{e.Arbitrator, e.Block}] = e.Stake
	}
}
