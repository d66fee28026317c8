package query

import (
	"context"
	"strconv"

	"AgentLedger/internal/core"
	"AgentLedger/internal/errs"

	"github.com/ethereum/go-ethereum/common"
)

// CoreReader serves queries from the live core. Reads are consistent with
// the last applied command.
type CoreReader struct {
	core *core.DeterministicCore
}

func NewCoreReader(c *core.DeterministicCore) *CoreReader {
	return &CoreReader{core: c}
}

var _ Reader = (*CoreReader)(nil)

func (r *CoreReader) asOf() int64 {
	return r.core.GetSequence() - 1
}

func (r *CoreReader) GetBalance(_ context.Context, buyer, agent common.Address, category string) (*BalanceResponse, error) {
	resp := &BalanceResponse{Buyer: buyer, Agent: agent, Category: category, AsOfSequence: r.asOf()}
	if rec, ok := r.core.GetBalanceRecord(buyer, agent, category); ok {
		resp.Deposited = rec.Deposited
		resp.Claimed = rec.Claimed
		resp.Available = rec.Available()
	}
	return resp, nil
}

func (r *CoreReader) GetOrder(_ context.Context, id uint64) (*OrderResponse, error) {
	asOf := r.asOf()
	o, ok := r.core.GetOrder(id)
	if !ok {
		return nil, errs.New(errs.CodeOrderNotFound, errs.WithEntity("order", strconv.FormatUint(id, 10)))
	}
	resp := &OrderResponse{
		ID:           o.ID,
		Buyer:        o.Buyer,
		Agent:        o.Agent,
		Category:     o.Category,
		Budget:       o.Budget,
		State:        o.State.String(),
		ResultRef:    o.ResultRef,
		AsOfSequence: asOf,
	}
	if esc, ok := r.core.GetEscrow(id); ok {
		resp.Escrow = esc.Locked
		resp.Frozen = esc.Frozen
	}
	return resp, nil
}

func (r *CoreReader) GetDispute(_ context.Context, orderID uint64) (*DisputeResponse, error) {
	asOf := r.asOf()
	d, ok := r.core.GetDispute(orderID)
	if !ok {
		return nil, errs.New(errs.CodeDisputeNotFound, errs.WithEntity("order", strconv.FormatUint(orderID, 10)))
	}
	resp := &DisputeResponse{
		OrderID:        d.OrderID,
		VotingDeadline: d.VotingDeadline,
		TotalWeight:    d.TotalWeight,
		Tallies:        talliesByName(d.Tallies),
		Voters:         d.VoterCount(),
		Finalized:      d.Finalized,
		AgentPayout:    d.AgentPayout,
		BuyerRefund:    d.BuyerRefund,
		AsOfSequence:   asOf,
	}
	if d.Finalized {
		resp.Decision = d.Decision.String()
	}
	return resp, nil
}

func (r *CoreReader) GetParticipant(_ context.Context, addr common.Address) (*ParticipantResponse, error) {
	role := r.core.GetRole(addr)
	return &ParticipantResponse{
		Address:        addr,
		Role:           role.Kind.String(),
		Stake:          role.Stake,
		Withdrawable:   r.core.AgentWithdrawable(addr),
		PendingRewards: r.core.PendingReward(addr),
		AsOfSequence:   r.asOf(),
	}, nil
}

func (r *CoreReader) GetTreasury(context.Context) (*TreasuryResponse, error) {
	return &TreasuryResponse{Balance: r.core.Treasury(), AsOfSequence: r.asOf()}, nil
}
