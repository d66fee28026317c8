package core

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"
	"AgentLedger/internal/ledger"
	"AgentLedger/internal/observability"
	"AgentLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// DefaultLRUCapacity bounds the tier-1 dedup cache.
const DefaultLRUCapacity = 1_000_000

// DeterministicCore is the single writer of ledger state. It owns every book
// and applies one command at a time; readers take a shared lock.
type DeterministicCore struct {
	mu sync.RWMutex

	sequence   int64
	params     state.Params
	hasher     *StateHasher
	tracker    *ledger.BalanceTracker
	journalGen *ledger.JournalGenerator
	validator  *ledger.InvariantValidator

	registry *state.Registry
	balances *state.BalanceBook
	orders   *state.OrderBook
	escrows  *state.EscrowBook
	disputes *state.DisputeBook
	stakes   *state.StakeSnapshots

	idempotency *IdempotencyChecker
	clock       *ClockValidator
	metrics     *observability.Metrics
	logger      zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything downstream workers need for one accepted command.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Records  []event.Record
	Changes  Changes
}

// Changes holds copies of the entities a command touched, as of after the
// command. Projections upsert them directly.
type Changes struct {
	Slots    []state.BalanceRecord
	Orders   []state.Order
	Escrows  []state.EscrowRecord
	Disputes []*state.Dispute
}

// Receipt is returned to the submitter of a command.
type Receipt struct {
	Sequence  int64
	StateHash [32]byte
	Duplicate bool
	Records   []event.Record
}

func NewDeterministicCore(
	startSequence int64,
	params state.Params,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) *DeterministicCore {
	tracker := ledger.NewBalanceTracker()

	return &DeterministicCore{
		sequence:       startSequence,
		params:         params,
		hasher:         NewStateHasher(),
		tracker:        tracker,
		journalGen:     ledger.NewJournalGenerator(tracker),
		validator:      ledger.NewInvariantValidator(tracker),
		registry:       state.NewRegistry(),
		balances:       state.NewBalanceBook(),
		orders:         state.NewOrderBook(),
		escrows:        state.NewEscrowBook(),
		disputes:       state.NewDisputeBook(),
		stakes:         state.NewStakeSnapshots(),
		idempotency:    NewIdempotencyChecker(DefaultLRUCapacity, dbChecker, metrics),
		clock:          NewClockValidator(),
		metrics:        metrics,
		logger:         observability.NewLogger("core"),
		persistChan:    persistChan,
		projectionChan: projectionChan,
	}
}

// effects collects what a handler produced: the journal batch, outbound
// records, and the entities it touched (for the state digest and post-checks).
type effects struct {
	clock    event.Clock
	batch    *ledger.Batch
	records  []event.Record
	slots    []*state.BalanceRecord
	orders   []*state.Order
	escrows  []*state.EscrowRecord
	disputes []*state.Dispute
	roles    []common.Address
}

func (fx *effects) emit(r event.Record) {
	fx.records = append(fx.records, r)
}

// changes copies the touched entities, each once, in first-touch order.
func (fx *effects) changes() Changes {
	var ch Changes
	seenSlots := make(map[*state.BalanceRecord]bool, len(fx.slots))
	for _, s := range fx.slots {
		if !seenSlots[s] {
			seenSlots[s] = true
			ch.Slots = append(ch.Slots, *s)
		}
	}
	seenOrders := make(map[*state.Order]bool, len(fx.orders))
	for _, o := range fx.orders {
		if !seenOrders[o] {
			seenOrders[o] = true
			ch.Orders = append(ch.Orders, *o)
		}
	}
	seenEscrows := make(map[*state.EscrowRecord]bool, len(fx.escrows))
	for _, e := range fx.escrows {
		if !seenEscrows[e] {
			seenEscrows[e] = true
			ch.Escrows = append(ch.Escrows, *e)
		}
	}
	seenDisputes := make(map[*state.Dispute]bool, len(fx.disputes))
	for _, d := range fx.disputes {
		if !seenDisputes[d] {
			seenDisputes[d] = true
			ch.Disputes = append(ch.Disputes, d.Clone())
		}
	}
	return ch
}

// ProcessEvent applies one command. Duplicates are ignored without error.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	_, err := c.Submit(evt)
	return err
}

// Submit applies one command and reports its outcome. A rejected command
// returns an *errs.Error and leaves state untouched.
func (c *DeterministicCore) Submit(evt event.Event) (Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	if c.idempotency.IsDuplicate(eventType, idempotencyKey) {
		c.recordRejection(eventType, "duplicate")
		return Receipt{Sequence: -1, StateHash: c.hasher.GetPrevHash(), Duplicate: true}, nil
	}

	// Steps 2-8: validate, dispatch, apply, hash
	output, err := c.execute(evt)
	if err != nil {
		reason := string(errs.CodeOf(err))
		c.recordRejection(eventType, reason)
		c.logger.Debug().
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Err(err).
			Msg("command rejected")
		return Receipt{}, err
	}

	// Step 9: Emit outputs. Persistence blocks (backpressure), projections
	// drop on a full channel and catch up from the event log.
	if c.persistChan != nil {
		select {
		case c.persistChan <- *output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- *output
		}
	}
	if c.projectionChan != nil {
		select {
		case c.projectionChan <- *output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}

	// Step 10: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.observe(output)
	}

	return Receipt{
		Sequence:  output.Envelope.Sequence,
		StateHash: output.Envelope.StateHash,
		Records:   output.Records,
	}, nil
}

// Replay re-applies a persisted envelope during recovery. It bypasses dedup
// and output channels and fails if the recomputed state hash diverges.
func (c *DeterministicCore) Replay(env *event.EventEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if env.Sequence != c.sequence {
		return fmt.Errorf("replay out of order: expected sequence %d, got %d", c.sequence, env.Sequence)
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay decode seq %d: %w", env.Sequence, err)
	}

	output, err := c.execute(evt)
	if err != nil {
		return fmt.Errorf("replay seq %d rejected: %w", env.Sequence, err)
	}
	if output.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("replay seq %d state hash mismatch: computed %x, logged %x",
			env.Sequence, output.Envelope.StateHash, env.StateHash)
	}

	c.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}
	return nil
}

// execute runs the pipeline after dedup. Every handler validates before it
// mutates, so an error return means no state changed.
func (c *DeterministicCore) execute(evt event.Event) (*CoreOutput, error) {
	clk := evt.Clock()

	// Step 2: Clock validation
	if err := c.clock.Validate(clk); err != nil {
		if c.metrics != nil {
			c.metrics.ClockRegressions.Inc()
		}
		return nil, err
	}

	payload, err := event.Encode(evt)
	if err != nil {
		return nil, errs.New(errs.CodeInvalidArgument, errs.WithCause(err))
	}

	// Step 3: Dispatch
	fx := &effects{
		clock: clk,
		batch: c.journalGen.NewBatch(evt.IdempotencyKey(), c.sequence, clk.Timestamp),
	}
	if err := c.dispatchEvent(evt, fx); err != nil {
		return nil, err
	}

	// Step 4: Validate and apply the batch. State-only commands (evidence,
	// votes that do not finalize, registry updates) carry no journals but
	// still get an envelope.
	if len(fx.batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(fx.batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.tracker.ApplyBatch(fx.batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch after mutation: %v", err))
		}
	}
	c.clock.Advance(clk)

	// Step 5: Post-checks
	if err := c.postCheckInvariants(fx); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Steps 6-7: State digest and chained hash
	hashStart := time.Now()
	digest := c.computeStateDigest(fx)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.Link(c.sequence, evt.EventType(), digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	// Step 8: Envelope
	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Timestamp:      time.Unix(clk.Timestamp, 0).UTC(),
		Block:          clk.Block,
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	for i := range fx.records {
		fx.records[i].Sequence = c.sequence
	}

	c.sequence++

	return &CoreOutput{
		Envelope: envelope,
		Batch:    fx.batch,
		Records:  fx.records,
		Changes:  fx.changes(),
	}, nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event, fx *effects) error {
	switch e := evt.(type) {
	case *event.QualificationUpdated:
		return c.handleQualificationUpdated(e, fx)
	case *event.Deposit:
		return c.handleDeposit(e, fx)
	case *event.Claim:
		return c.handleClaim(e, fx)
	case *event.Refund:
		return c.handleRefund(e, fx)
	case *event.WithdrawEarnings:
		return c.handleWithdrawEarnings(e, fx)
	case *event.Propose:
		return c.handlePropose(e, fx)
	case *event.Accept:
		return c.handleAccept(e, fx)
	case *event.Deliver:
		return c.handleDeliver(e, fx)
	case *event.Confirm:
		return c.handleConfirm(e, fx)
	case *event.ClaimFromOrder:
		return c.handleClaimFromOrder(e, fx)
	case *event.OpenDispute:
		return c.handleOpenDispute(e, fx)
	case *event.SubmitEvidence:
		return c.handleSubmitEvidence(e, fx)
	case *event.Vote:
		return c.handleVote(e, fx)
	case *event.Finalize:
		return c.handleFinalize(e, fx)
	case *event.WithdrawRewards:
		return c.handleWithdrawRewards(e, fx)
	default:
		return errs.Newf(errs.CodeInvalidArgument, "unknown event type: %T", evt)
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch touched in path order, then every touched entity.
func (c *DeterministicCore) computeStateDigest(fx *effects) []byte {
	accounts := fx.batch.Accounts()
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*96)

	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)>>8), byte(len(path)))
		digest = append(digest, path...)
		digest = appendInt64LE(digest, c.tracker.GetBalance(key))
	}

	for _, rec := range fx.slots {
		digest = append(digest, rec.CanonicalBytes()...)
	}
	for _, o := range fx.orders {
		digest = append(digest, o.CanonicalBytes()...)
	}
	for _, e := range fx.escrows {
		digest = append(digest, e.CanonicalBytes()...)
	}
	for _, d := range fx.disputes {
		digest = append(digest, d.CanonicalBytes()...)
	}
	for _, addr := range fx.roles {
		digest = append(digest, c.registry.CanonicalBytes(addr)...)
	}

	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants validates invariants after batch application
func (c *DeterministicCore) postCheckInvariants(fx *effects) error {
	for _, rec := range fx.slots {
		if rec.Claimed > rec.Deposited {
			return fmt.Errorf("slot %s claimed %d exceeds deposited %d", rec.Slot().Hex(), rec.Claimed, rec.Deposited)
		}
		if err := c.validator.ValidateSlotMatches(ledger.NewSlotAccountKey(rec.Slot()), rec.Available()); err != nil {
			return err
		}
	}

	for _, e := range fx.escrows {
		if e.Locked < 0 || e.Locked > e.Original {
			return fmt.Errorf("order %d escrow locked %d outside [0, %d]", e.OrderID, e.Locked, e.Original)
		}
		if err := c.validator.ValidateEscrowMatches(e.OrderID, e.Locked); err != nil {
			return err
		}
	}

	for _, o := range fx.orders {
		if o.State >= state.OrderStateOpened && !(o.BuyerSigned && o.AgentSigned) {
			return fmt.Errorf("order %d in %s without both signatures", o.ID, o.State)
		}
	}

	for _, d := range fx.disputes {
		if d.Finalized && d.AgentPayout+d.BuyerRefund != d.FrozenAmount {
			return fmt.Errorf("dispute %d payout %d+%d != frozen %d", d.OrderID, d.AgentPayout, d.BuyerRefund, d.FrozenAmount)
		}
	}

	if err := c.validator.ValidateAccountsNonNegative(fx.batch.Accounts()); err != nil {
		return err
	}
	return c.validator.ValidateGlobalBalance()
}

func (c *DeterministicCore) recordRejection(eventType, reason string) {
	if c.metrics != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// observe feeds domain metrics from an accepted command's output.
func (c *DeterministicCore) observe(out *CoreOutput) {
	m := c.metrics
	for _, j := range out.Batch.Journals {
		m.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	for _, r := range out.Records {
		switch r.Type {
		case event.RecordOrderProposed:
			m.OrdersProposed.WithLabelValues(r.Attrs["proposer"]).Inc()
		case event.RecordOrderOpened:
			m.OrdersOpened.Inc()
		case event.RecordOrderConfirmed:
			m.OrdersClosed.WithLabelValues("confirm").Inc()
		case event.RecordEscrowLocked:
			m.EscrowLocked.Add(float64(r.Amounts["locked"]))
		case event.RecordEscrowReleased:
			m.EscrowReleased.WithLabelValues(r.Attrs["to"]).Add(float64(r.Amounts["amount"]))
		case event.RecordEscrowClaimed:
			m.EscrowReleased.WithLabelValues("claim").Add(float64(r.Amounts["amount"]))
		case event.RecordDisputeOpened:
			m.DisputesOpened.Inc()
		case event.RecordVoteCast:
			m.DisputeVotes.WithLabelValues(r.Attrs["option"]).Inc()
		case event.RecordArbitratorSlashed:
			m.SlashedTotal.Add(float64(r.Amounts["slashed"]))
		case event.RecordArbitratorRewarded:
			m.RewardsTotal.Add(float64(r.Amounts["reward"]))
		case event.RecordDisputeFinalized:
			mode := "deadline"
			if r.Attrs["early"] == "true" {
				mode = "early"
			}
			m.DisputesFinalized.WithLabelValues(r.Attrs["decision"], mode).Inc()
			m.OrdersClosed.WithLabelValues("dispute").Inc()
		}
	}
	m.TreasuryBalance.Set(float64(c.tracker.Treasury()))
}
