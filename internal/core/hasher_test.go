package core

import (
	"testing"

	"AgentLedger/internal/event"
)

func TestStateHasherChains(t *testing.T) {
	a, b := NewStateHasher(), NewStateHasher()
	if a.GetPrevHash() != GenesisHash() {
		t.Fatal("new hasher must start at genesis")
	}

	digest := []byte("state")
	h1 := a.Link(0, event.EventTypeDeposit, digest)
	if h1 == GenesisHash() || a.GetPrevHash() != h1 {
		t.Fatal("link did not advance the tip")
	}
	if b.Link(0, event.EventTypeDeposit, digest) != h1 {
		t.Fatal("same inputs must give the same link")
	}

	// Same sequence and digest under another command type diverges.
	c := NewStateHasher()
	if c.Link(0, event.EventTypeClaim, digest) == h1 {
		t.Fatal("event type is not bound into the link")
	}

	// A restored tip continues the chain identically.
	r := NewStateHasher()
	r.SetPrevHash(h1)
	if r.Link(1, event.EventTypeClaim, digest) != a.Link(1, event.EventTypeClaim, digest) {
		t.Fatal("restored chain diverged")
	}
}
