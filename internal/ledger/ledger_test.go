package ledger_test

import (
	"AgentLedger/internal/ledger"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

var (
	testAgent = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testSlot  = crypto.Keccak256Hash([]byte("buyer"), []byte("agent"), []byte("translation"))
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_SlotPath(t *testing.T) {
	key := ledger.NewSlotAccountKey(testSlot)

	path := key.AccountPath()
	expected := "slot:" + testSlot.Hex() + ":available"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_OrderPath(t *testing.T) {
	key := ledger.NewOrderAccountKey(42, ledger.SubTypeEscrow)

	if path := key.AccountPath(); path != "order:42:escrow" {
		t.Errorf("got %q, want %q", path, "order:42:escrow")
	}
	if key.OrderID() != 42 {
		t.Errorf("OrderID: got %d, want 42", key.OrderID())
	}
}

func TestAccountKey_ParticipantPath(t *testing.T) {
	key := ledger.NewParticipantAccountKey(testAgent, ledger.SubTypeWithdrawable)

	expected := "participant:" + testAgent.Hex() + ":withdrawable"
	if path := key.AccountPath(); path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
	if key.Address() != testAgent {
		t.Errorf("Address: got %s, want %s", key.Address().Hex(), testAgent.Hex())
	}
}

func TestAccountKey_SystemAndExternalPaths(t *testing.T) {
	if p := ledger.NewSystemAccountKey(ledger.SubTypeTreasury).AccountPath(); p != "system:treasury" {
		t.Errorf("got %q, want %q", p, "system:treasury")
	}
	if p := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits).AccountPath(); p != "external:deposits" {
		t.Errorf("got %q, want %q", p, "external:deposits")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewSlotAccountKey(testSlot),
		ledger.NewOrderAccountKey(7, ledger.SubTypeEscrow),
		ledger.NewOrderAccountKey(7, ledger.SubTypeDisputePool),
		ledger.NewParticipantAccountKey(testAgent, ledger.SubTypeRewards),
		ledger.NewSystemAccountKey(ledger.SubTypeTreasury),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalSlashedStake),
	}

	for _, key := range keys {
		parsed, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("ParseAccountPath(%q): %v", key.AccountPath(), err)
		}
		if parsed != key {
			t.Errorf("round trip mismatch for %q", key.AccountPath())
		}
	}
}

func TestParseAccountPath_Malformed(t *testing.T) {
	for _, path := range []string{
		"",
		"slot:0x1234:available",
		"order:abc:escrow",
		"participant:not-an-address:withdrawable",
		"system:nonsense",
		"user:123:collateral:USDT",
	} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("expected error for %q", path)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if balance := bt.SlotBalance(testSlot); balance != 0 {
		t.Errorf("initial balance should be 0, got %d", balance)
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	// deposit: debit slot, credit external:deposits
	j := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewSlotAccountKey(testSlot),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
		Amount:        100_000_000,
	}

	bt.ApplyJournal(j)

	if got := bt.SlotBalance(testSlot); got != 100_000_000 {
		t.Errorf("slot: got %d, want 100_000_000", got)
	}
	if got := bt.GetBalance(ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits)); got != -100_000_000 {
		t.Errorf("external deposits: got %d, want -100_000_000", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	batch := gen.NewBatch("dep", 0, 1)
	gen.Deposit(batch, testSlot, 1_000_000)
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	batch = gen.NewBatch("claim", 1, 2)
	if err := gen.Claim(batch, testSlot, testAgent, 300_000); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if total := bt.ComputeGlobalBalance(); total != 0 {
		t.Errorf("global balance should be zero, got %d", total)
	}
	if bt.Withdrawable(testAgent) != 300_000 {
		t.Errorf("withdrawable: got %d, want 300_000", bt.Withdrawable(testAgent))
	}
}

func TestBalanceTracker_ValidateSufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewSlotAccountKey(testSlot)

	if err := bt.ValidateSufficient(key, 100); err == nil {
		t.Error("expected error for insufficient balance")
	}

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  key,
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
		Amount:        1_000,
	})

	if err := bt.ValidateSufficient(key, 1_000); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}
	if err := bt.ValidateSufficient(key, 1_001); err == nil {
		t.Error("expected error for 1_001 > 1_000")
	}
}

func TestBalanceTracker_ExternalMayGoNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	ext := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits)
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewSlotAccountKey(testSlot),
		CreditAccount: ext,
		Amount:        5,
	})

	if err := bt.ValidateNonNegative(ext); err != nil {
		t.Errorf("external account should be exempt: %v", err)
	}
}

func TestBalanceTracker_SnapshotRestore(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewSlotAccountKey(testSlot),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
		Amount:        999,
	})

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = 0
	}
	if bt.SlotBalance(testSlot) != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}

	restored := ledger.NewBalanceTracker()
	restored.Restore(bt.Snapshot())
	if restored.SlotBalance(testSlot) != 999 {
		t.Errorf("restored balance: got %d, want 999", restored.SlotBalance(testSlot))
	}
}

// ============================================================================
// Test: JournalGenerator
// ============================================================================

func TestJournalGenerator_SkipsZeroLegs(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	batch := gen.NewBatch("fin", 3, 10)
	gen.RefundEscrow(batch, 1, 0)
	gen.CollectPlatformFee(batch, 1, 0)

	if len(batch.Journals) != 0 {
		t.Errorf("expected no journals, got %d", len(batch.Journals))
	}
}

func TestJournalGenerator_LockEscrowPreCheck(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	gen := ledger.NewJournalGenerator(bt)

	batch := gen.NewBatch("dep", 0, 1)
	gen.Deposit(batch, testSlot, 50)
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	batch = gen.NewBatch("lock", 1, 2)
	if err := gen.LockEscrow(batch, testSlot, 9, 51); err == nil {
		t.Fatal("lock above slot balance should fail pre-check")
	}
	if err := gen.LockEscrow(batch, testSlot, 9, 50); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if bt.EscrowBalance(9) != 50 || bt.SlotBalance(testSlot) != 0 {
		t.Errorf("escrow=%d slot=%d, want 50/0", bt.EscrowBalance(9), bt.SlotBalance(testSlot))
	}
}

func TestJournalGenerator_JournalsInheritBatchFields(t *testing.T) {
	gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker())

	batch := gen.NewBatch("ref-1", 17, 1_700_000_000)
	gen.CollectDisputeFee(batch, 4, 10_000_000)

	j := batch.Journals[0]
	if j.BatchID != batch.BatchID || j.EventRef != "ref-1" || j.Sequence != 17 || j.Timestamp != 1_700_000_000 {
		t.Errorf("journal fields not inherited from batch: %+v", j)
	}
	if j.JournalType != ledger.JournalTypeDisputeFee {
		t.Errorf("journal type: got %s", j.JournalType)
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	for _, amount := range []int64{0, -100} {
		batchID := uuid.New()
		batch := &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{
				{
					JournalID:     uuid.New(),
					BatchID:       batchID,
					DebitAccount:  ledger.NewSlotAccountKey(testSlot),
					CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
					Amount:        amount,
				},
			},
		}

		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	sameAccount := ledger.NewOrderAccountKey(1, ledger.SubTypeEscrow)

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  sameAccount,
				CreditAccount: sameAccount,
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       uuid.New(), // Different batch ID
				DebitAccount:  ledger.NewSlotAccountKey(testSlot),
				CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
				Amount:        100,
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

func TestBatch_AccountsDeduplicated(t *testing.T) {
	gen := ledger.NewJournalGenerator(ledger.NewBalanceTracker())
	batch := gen.NewBatch("fin", 0, 0)
	gen.Slash(batch, 3, 10)
	gen.Slash(batch, 3, 20)
	gen.CollectPlatformFee(batch, 3, 1)

	// pool, slashed_stake, treasury
	if n := len(batch.Accounts()); n != 3 {
		t.Errorf("expected 3 distinct accounts, got %d", n)
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewSlotAccountKey(testSlot),
		CreditAccount: ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits),
		Amount:        1_000_000,
	})

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
}

func TestInvariantValidator_SlotAndEscrowMatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)
	gen := ledger.NewJournalGenerator(bt)

	batch := gen.NewBatch("dep", 0, 0)
	gen.Deposit(batch, testSlot, 100)
	if err := gen.LockEscrow(batch, testSlot, 1, 0); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch: %v", err)
	}

	if err := v.ValidateSlotMatches(ledger.NewSlotAccountKey(testSlot), 100); err != nil {
		t.Errorf("slot should match: %v", err)
	}
	if err := v.ValidateSlotMatches(ledger.NewSlotAccountKey(testSlot), 99); err == nil {
		t.Error("expected mismatch error")
	}
	if err := v.ValidateEscrowMatches(1, 0); err != nil {
		t.Errorf("empty escrow should match 0: %v", err)
	}
}
