package core

import (
	"fmt"
	"math"
	"sort"
	"strconv"

	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"
	"AgentLedger/internal/ledger"
	fpmath "AgentLedger/internal/math"
	"AgentLedger/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

func (c *DeterministicCore) lookupDispute(orderID uint64) (*state.Dispute, error) {
	d, ok := c.disputes.Get(orderID)
	if !ok {
		return nil, errs.New(errs.CodeDisputeNotFound, orderEntity(orderID))
	}
	return d, nil
}

// handleOpenDispute snapshots arbitrator stake at the command's block,
// collects the fixed fee into the order's dispute pool and freezes escrow.
func (c *DeterministicCore) handleOpenDispute(evt *event.OpenDispute, fx *effects) error {
	o, err := c.lookupOrder(evt.OrderID)
	if err != nil {
		return err
	}
	if _, exists := c.disputes.Get(o.ID); exists {
		return errs.New(errs.CodeDisputeAlreadyExists, orderEntity(o.ID))
	}
	if o.State != state.OrderStateDelivered && o.State != state.OrderStateConfirmed {
		return invalidState(o, state.OrderStateDelivered, state.OrderStateConfirmed)
	}
	if !o.IsParticipant(evt.Caller) {
		return errs.New(errs.CodeNotParticipant, orderEntity(o.ID), errs.WithMetadata("caller", evt.Caller.Hex()))
	}
	esc, ok := c.escrows.Get(o.ID)
	if !ok || esc.Locked <= 0 {
		return errs.New(errs.CodeNoEscrowToDispute, orderEntity(o.ID))
	}

	// Resolve snapshot weights before writing anything. An earlier dispute
	// opened at the same block already fixed the stake for that block.
	block := fx.clock.Block
	type weighted struct {
		arb    common.Address
		weight int64
	}
	var eligible []weighted
	var totalWeight int64
	limit := math.MaxInt64 - c.params.FixedDisputeFee
	for _, arb := range c.registry.QualifiedArbitrators(c.params) {
		w, snapped := c.stakes.At(arb, block)
		if !snapped {
			_, w = c.registry.IsQualifiedArbitrator(arb, c.params)
		}
		if w < c.params.MinArbitratorStake {
			continue
		}
		// Tallies and the reward pool (fee plus slashes) are bounded by
		// the total, so it must fit in int64 alongside the fee.
		if w > limit-totalWeight {
			return errs.New(errs.CodeWeightOverflow, orderEntity(o.ID), addrEntity("arbitrator", arb),
				errs.WithAmounts(w, limit-totalWeight))
		}
		totalWeight += w
		eligible = append(eligible, weighted{arb, w})
	}
	if len(eligible) == 0 {
		return errs.New(errs.CodeNoQualifiedArbitrators, orderEntity(o.ID))
	}

	c.journalGen.CollectDisputeFee(fx.batch, o.ID, c.params.FixedDisputeFee)

	now := fx.clock.Timestamp
	d := &state.Dispute{
		OrderID:        o.ID,
		Opener:         evt.Caller,
		Reason:         evt.Reason,
		SnapshotBlock:  block,
		OpenedAt:       now,
		VotingDeadline: now + c.params.DisputeVotingPeriod,
		Fee:            c.params.FixedDisputeFee,
		FrozenAmount:   esc.Locked,
		Eligible:       make([]common.Address, 0, len(eligible)),
	}
	for _, e := range eligible {
		w := c.stakes.Record(e.arb, block, e.weight)
		d.Eligible = append(d.Eligible, e.arb)
		d.TotalWeight += w
		fx.emit(event.NewRecord(event.RecordStakeSnapshotted, e.arb.Hex()).
			WithAttr("order", orderKey(o.ID)).
			WithAttr("block", strconv.FormatUint(block, 10)).
			WithAmount("stake", w))
	}
	if err := c.disputes.Insert(d); err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}
	esc.Freeze()
	if err := o.Transition(state.OrderStateDisputed, now); err != nil {
		panic(fmt.Sprintf("FATAL: dispute order %d: %v", o.ID, err))
	}

	fx.orders = append(fx.orders, o)
	fx.escrows = append(fx.escrows, esc)
	fx.disputes = append(fx.disputes, d)
	fx.emit(event.NewRecord(event.RecordDisputeOpened, orderKey(o.ID)).
		WithAttr("opener", evt.Caller.Hex()).
		WithAttr("reason", evt.Reason).
		WithAttr("voting_deadline", strconv.FormatInt(d.VotingDeadline, 10)).
		WithAmount("fee", d.Fee).
		WithAmount("frozen", d.FrozenAmount).
		WithAmount("total_weight", d.TotalWeight).
		WithAmount("arbitrators", int64(len(d.Eligible))))
	fx.emit(event.NewRecord(event.RecordEscrowFrozen, orderKey(o.ID)).
		WithAmount("locked", esc.Locked))
	return nil
}

func (c *DeterministicCore) handleSubmitEvidence(evt *event.SubmitEvidence, fx *effects) error {
	d, err := c.lookupDispute(evt.OrderID)
	if err != nil {
		return err
	}
	if d.Finalized {
		return errs.New(errs.CodeAlreadyFinalized, orderEntity(d.OrderID))
	}
	o, err := c.lookupOrder(evt.OrderID)
	if err != nil {
		return err
	}
	if !o.IsParticipant(evt.Caller) {
		return errs.New(errs.CodeNotParticipant, orderEntity(o.ID), errs.WithMetadata("caller", evt.Caller.Hex()))
	}
	if evt.EvidenceRef == "" {
		return errs.New(errs.CodeInvalidArgument, errs.WithMessage("evidence_ref is empty"))
	}

	d.AddEvidence(evt.Caller, evt.EvidenceRef, fx.clock.Timestamp)

	fx.disputes = append(fx.disputes, d)
	fx.emit(event.NewRecord(event.RecordEvidenceSubmitted, orderKey(d.OrderID)).
		WithAttr("submitter", evt.Caller.Hex()).
		WithAttr("evidence_ref", evt.EvidenceRef).
		WithAmount("count", int64(len(d.Evidence))))
	return nil
}

// handleVote records a ballot at the arbitrator's snapshot weight, then
// re-checks the early-finalization threshold inline.
func (c *DeterministicCore) handleVote(evt *event.Vote, fx *effects) error {
	d, err := c.lookupDispute(evt.OrderID)
	if err != nil {
		return err
	}
	if d.Finalized {
		return errs.New(errs.CodeAlreadyFinalized, orderEntity(d.OrderID))
	}
	if !evt.Option.Valid() {
		return errs.Newf(errs.CodeInvalidArgument, "invalid vote option %d", evt.Option)
	}
	if fx.clock.Timestamp > d.VotingDeadline {
		return errs.New(errs.CodeVotingClosed,
			orderEntity(d.OrderID),
			errs.WithMetadata("deadline", strconv.FormatInt(d.VotingDeadline, 10)))
	}
	if ok, _ := c.registry.IsQualifiedArbitrator(evt.Arbitrator, c.params); !ok {
		return errs.New(errs.CodeUnqualifiedArbitrator, addrEntity("arbitrator", evt.Arbitrator))
	}
	weight, snapped := c.stakes.At(evt.Arbitrator, d.SnapshotBlock)
	if !d.IsEligible(evt.Arbitrator) || !snapped || weight < c.params.MinArbitratorStake {
		return errs.New(errs.CodeUnqualifiedArbitrator,
			addrEntity("arbitrator", evt.Arbitrator),
			errs.WithMetadata("snapshot_block", strconv.FormatUint(d.SnapshotBlock, 10)),
			errs.WithAmounts(weight, c.params.MinArbitratorStake))
	}
	if d.HasVoted(evt.Arbitrator) {
		return errs.New(errs.CodeAlreadyVoted, orderEntity(d.OrderID), addrEntity("arbitrator", evt.Arbitrator))
	}

	if err := d.RecordVote(evt.Arbitrator, evt.Option, weight, fx.clock.Timestamp); err != nil {
		panic(fmt.Sprintf("FATAL: record vote: %v", err))
	}

	fx.disputes = append(fx.disputes, d)
	fx.emit(event.NewRecord(event.RecordVoteCast, orderKey(d.OrderID)).
		WithAttr("arbitrator", evt.Arbitrator.Hex()).
		WithAttr("option", evt.Option.String()).
		WithAmount("weight", weight).
		WithAmount("option_total", d.Tallies[evt.Option]).
		WithAmount("voters", int64(d.VoterCount())))

	if c.earlyFinalizable(d) {
		c.settle(d, fx, true)
	}
	return nil
}

func (c *DeterministicCore) handleFinalize(evt *event.Finalize, fx *effects) error {
	d, err := c.lookupDispute(evt.OrderID)
	if err != nil {
		return err
	}
	if d.Finalized {
		return errs.New(errs.CodeAlreadyFinalized, orderEntity(d.OrderID))
	}
	if d.VoterCount() < c.params.MinVotingParticipation {
		return errs.New(errs.CodeInsufficientParticipation,
			orderEntity(d.OrderID),
			errs.WithAmounts(int64(d.VoterCount()), int64(c.params.MinVotingParticipation)))
	}
	early := c.earlyFinalizable(d)
	if fx.clock.Timestamp <= d.VotingDeadline && !early {
		return errs.New(errs.CodeVotingOpen,
			orderEntity(d.OrderID),
			errs.WithMetadata("deadline", strconv.FormatInt(d.VotingDeadline, 10)))
	}

	c.settle(d, fx, early)
	return nil
}

// earlyFinalizable reports whether the leading option holds at least the
// early threshold of total snapshotted weight with quorum met.
func (c *DeterministicCore) earlyFinalizable(d *state.Dispute) bool {
	if d.VoterCount() < c.params.MinVotingParticipation || d.TotalWeight <= 0 {
		return false
	}
	_, leading := d.Leading()
	return fpmath.RatioBps(leading, d.TotalWeight) >= c.params.EarlyFinalizationBps
}

type payout struct {
	arb    common.Address
	weight int64
	amount int64
}

// settle finalizes a dispute whose preconditions already hold. Nothing here
// can be rejected; a failure means the books are inconsistent.
//
// Escrow splits by the winning option (floor to the agent, remainder to the
// buyer). Minority voters lose SlashRateBps of their snapshot weight, capped
// at live stake. The pool (fee + slashes) pays the platform fee, then the
// majority pro rata by snapshot weight; the floor remainder stays in the pool.
func (c *DeterministicCore) settle(d *state.Dispute, fx *effects, early bool) {
	o, ok := c.orders.Get(d.OrderID)
	if !ok {
		panic(fmt.Sprintf("FATAL: dispute %d has no order", d.OrderID))
	}
	esc, ok := c.escrows.Get(d.OrderID)
	if !ok || esc.Locked != d.FrozenAmount {
		panic(fmt.Sprintf("FATAL: dispute %d escrow does not match frozen amount %d", d.OrderID, d.FrozenAmount))
	}

	decision, winningWeight := d.Leading()
	agentShare, buyerShare := fpmath.SplitByBps(d.FrozenAmount, decision.AgentShareBps())

	voters := append([]common.Address(nil), d.Voters...)
	sort.Slice(voters, func(i, j int) bool {
		return string(voters[i][:]) < string(voters[j][:])
	})

	var losers, winners []payout
	var slashedTotal int64
	for _, arb := range voters {
		v := d.Votes[arb]
		if v.Option == decision {
			winners = append(winners, payout{arb: arb, weight: v.Weight})
			continue
		}
		amount := fpmath.ApplyBps(v.Weight, c.params.SlashRateBps)
		live := c.registry.Role(arb)
		if live.Kind != event.RoleArbitrator {
			amount = 0
		} else if amount > live.Stake {
			amount = live.Stake
		}
		losers = append(losers, payout{arb: arb, weight: v.Weight, amount: amount})
		slashedTotal += amount
	}

	pool := d.Fee + slashedTotal
	platformFee := fpmath.ApplyBps(pool, c.params.PlatformFeeBps)
	distributable := pool - platformFee
	var distributed int64
	for i := range winners {
		if winningWeight <= 0 {
			break
		}
		amt, err := fpmath.ProRata(distributable, winners[i].weight, winningWeight)
		if err != nil {
			panic(fmt.Sprintf("FATAL: reward split for dispute %d: %v", d.OrderID, err))
		}
		winners[i].amount = amt
		distributed += amt
	}

	// Journals
	if err := c.journalGen.ReleaseEscrow(fx.batch, d.OrderID, o.Agent, agentShare, ledger.JournalTypeDisputeAgentShare); err != nil {
		panic(fmt.Sprintf("FATAL: dispute %d agent share: %v", d.OrderID, err))
	}
	c.journalGen.RefundEscrow(fx.batch, d.OrderID, buyerShare)
	for _, l := range losers {
		c.journalGen.Slash(fx.batch, d.OrderID, l.amount)
	}
	c.journalGen.CollectPlatformFee(fx.batch, d.OrderID, platformFee)
	for _, w := range winners {
		c.journalGen.PayReward(fx.batch, d.OrderID, w.arb, w.amount)
	}

	// Mutations
	now := fx.clock.Timestamp
	for _, l := range losers {
		if l.amount > 0 {
			c.registry.Slash(l.arb, l.amount)
		}
		fx.roles = append(fx.roles, l.arb)
		fx.emit(event.NewRecord(event.RecordArbitratorSlashed, l.arb.Hex()).
			WithAttr("order", orderKey(d.OrderID)).
			WithAmount("weight", l.weight).
			WithAmount("slashed", l.amount).
			WithAmount("stake", c.registry.Role(l.arb).Stake))
	}
	for _, w := range winners {
		fx.emit(event.NewRecord(event.RecordArbitratorRewarded, w.arb.Hex()).
			WithAttr("order", orderKey(d.OrderID)).
			WithAmount("weight", w.weight).
			WithAmount("reward", w.amount).
			WithAmount("pending", c.tracker.PendingRewards(w.arb)+w.amount))
	}

	d.Finalized = true
	d.FinalizedAt = now
	d.Early = early
	d.Decision = decision
	d.AgentPayout = agentShare
	d.BuyerRefund = buyerShare

	esc.Unfreeze()
	esc.Drain()
	if err := o.Transition(state.OrderStateClosed, now); err != nil {
		panic(fmt.Sprintf("FATAL: close order %d: %v", o.ID, err))
	}

	fx.orders = append(fx.orders, o)
	fx.escrows = append(fx.escrows, esc)
	fx.disputes = append(fx.disputes, d)
	fx.emit(event.NewRecord(event.RecordEscrowUnfrozen, orderKey(d.OrderID)).
		WithAmount("locked", d.FrozenAmount))
	if agentShare > 0 {
		fx.emit(event.NewRecord(event.RecordEscrowReleased, orderKey(d.OrderID)).
			WithAttr("to", "agent").
			WithAmount("amount", agentShare))
	}
	if buyerShare > 0 {
		fx.emit(event.NewRecord(event.RecordEscrowReleased, orderKey(d.OrderID)).
			WithAttr("to", "buyer").
			WithAmount("amount", buyerShare))
	}
	fx.emit(event.NewRecord(event.RecordDisputeFinalized, orderKey(d.OrderID)).
		WithAttr("decision", decision.String()).
		WithAttr("early", strconv.FormatBool(early)).
		WithAmount("agent_share", agentShare).
		WithAmount("buyer_share", buyerShare).
		WithAmount("winning_weight", winningWeight).
		WithAmount("total_weight", d.TotalWeight).
		WithAmount("slashed", slashedTotal).
		WithAmount("pool", pool).
		WithAmount("platform_fee", platformFee).
		WithAmount("distributed", distributed).
		WithAmount("dust", distributable-distributed))

	c.logger.Info().
		Uint64("order_id", d.OrderID).
		Str("decision", decision.String()).
		Bool("early", early).
		Str("agent_share", fpmath.FormatAmount(agentShare)).
		Str("buyer_share", fpmath.FormatAmount(buyerShare)).
		Str("slashed", fpmath.FormatAmount(slashedTotal)).
		Msg("dispute finalized")
}
