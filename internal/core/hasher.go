package core

import (
	"encoding/binary"

	"AgentLedger/internal/event"

	"github.com/ethereum/go-ethereum/crypto"
)

// GenesisHashSeed names the chain. Changing it forks every stored hash.
const GenesisHashSeed = "AgentLedger:genesis:v1"

// linkDomain separates chain links from the other keccak uses (slot keys).
var linkDomain = []byte("AgentLedger:link:v1")

// StateHasher maintains the tip of the state hash chain. Each committed
// command links to the previous tip:
//
//	hash[N] = keccak256(domain || hash[N-1] || seq[N] || type[N] || digest[N])
//
// Sequence and type are little-endian. Replay recomputes the same links, so
// a diverging state, a reordered log or a relabelled command fails at the
// first bad sequence.
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: GenesisHash()}
}

// GenesisHash is the tip before the first command.
func GenesisHash() [32]byte {
	return crypto.Keccak256Hash([]byte(GenesisHashSeed))
}

// Link appends one command to the chain and returns the new tip.
func (h *StateHasher) Link(sequence int64, eventType event.EventType, digest []byte) [32]byte {
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[:8], uint64(sequence))
	binary.LittleEndian.PutUint32(hdr[8:], uint32(eventType))

	h.tip = crypto.Keccak256Hash(linkDomain, h.tip[:], hdr[:], digest)
	return h.tip
}

func (h *StateHasher) GetPrevHash() [32]byte {
	return h.tip
}

// SetPrevHash moves the tip to a restored snapshot's hash.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.tip = hash
}
