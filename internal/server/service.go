package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"AgentLedger/internal/core"
	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"
	"AgentLedger/internal/ingestion"
	"AgentLedger/internal/query"

	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Admin is the operator surface backed by the persistence layer.
type Admin interface {
	TakeSnapshot(ctx context.Context) (sequence int64, sizeBytes int, err error)
	RebuildProjections(ctx context.Context) error
	LatestPersistedSequence(ctx context.Context) (int64, error)
}

// CoreStatus reports the live core position.
type CoreStatus interface {
	GetSequence() int64
	GetStateHash() [32]byte
}

// --- messages ---

type SubmitRequest struct {
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

type SubmitResponse struct {
	Sequence  int64          `json:"sequence"`
	StateHash string         `json:"state_hash"`
	Duplicate bool           `json:"duplicate"`
	Records   []event.Record `json:"records,omitempty"`
}

type BalanceRequest struct {
	Buyer    common.Address `json:"buyer"`
	Agent    common.Address `json:"agent"`
	Category string         `json:"category"`
}

type OrderRequest struct {
	OrderID uint64 `json:"order_id"`
}

type ListOrdersRequest struct {
	Address common.Address `json:"address"`
	Limit   int            `json:"limit"`
	AfterID uint64         `json:"after_id"`
}

type ListOrdersResponse struct {
	Orders []query.OrderResponse `json:"orders"`
}

type ParticipantRequest struct {
	Address common.Address `json:"address"`
}

type JournalRequest struct {
	Address       common.Address `json:"address"`
	Limit         int            `json:"limit"`
	AfterSequence *int64         `json:"after_sequence,omitempty"`
}

type JournalResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type Empty struct{}

type SnapshotResponse struct {
	Sequence  int64 `json:"sequence"`
	SizeBytes int   `json:"size_bytes"`
}

type StatusResponse struct {
	CoreSequence      int64  `json:"core_sequence"`
	StateHash         string `json:"state_hash"`
	PersistedSequence int64  `json:"persisted_sequence"`
	Uptime            string `json:"uptime"`
}

// LedgerServer is the agentledger.v1.Ledger service.
type LedgerServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	GetBalance(context.Context, *BalanceRequest) (*query.BalanceResponse, error)
	GetOrder(context.Context, *OrderRequest) (*query.OrderResponse, error)
	ListOrders(context.Context, *ListOrdersRequest) (*ListOrdersResponse, error)
	GetDispute(context.Context, *OrderRequest) (*query.DisputeResponse, error)
	GetParticipant(context.Context, *ParticipantRequest) (*query.ParticipantResponse, error)
	GetTreasury(context.Context, *Empty) (*query.TreasuryResponse, error)
	GetJournalHistory(context.Context, *JournalRequest) (*JournalResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *Empty) (*SnapshotResponse, error)
	RebuildProjections(context.Context, *Empty) (*Empty, error)
	GetStatus(context.Context, *Empty) (*StatusResponse, error)
}

// Deps holds everything the API needs. History and Admin need a database;
// when nil their methods report UNAVAILABLE.
type Deps struct {
	Commands  *ingestion.CommandService
	Reader    query.Reader
	History   *query.QueryService
	Admin     Admin
	Core      CoreStatus
	StartTime time.Time
}

type ledgerService struct {
	deps Deps
}

var _ LedgerServer = (*ledgerService)(nil)

func newLedgerService(deps Deps) *ledgerService {
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	return &ledgerService{deps: deps}
}

var errUnavailable = errors.New("no database configured")

func (s *ledgerService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if req.EventType == "" {
		return nil, errs.New(errs.CodeInvalidArgument, errs.WithMessage("event_type is required"))
	}
	receipt, err := s.deps.Commands.SubmitJSON(ctx, req.EventType, req.Payload)
	if err != nil {
		return nil, err
	}
	return submitResponse(receipt), nil
}

func submitResponse(r core.Receipt) *SubmitResponse {
	return &SubmitResponse{
		Sequence:  r.Sequence,
		StateHash: hex.EncodeToString(r.StateHash[:]),
		Duplicate: r.Duplicate,
		Records:   r.Records,
	}
}

func (s *ledgerService) GetBalance(ctx context.Context, req *BalanceRequest) (*query.BalanceResponse, error) {
	if req.Category == "" {
		return nil, errs.New(errs.CodeInvalidArgument, errs.WithMessage("category is required"))
	}
	return s.deps.Reader.GetBalance(ctx, req.Buyer, req.Agent, req.Category)
}

func (s *ledgerService) GetOrder(ctx context.Context, req *OrderRequest) (*query.OrderResponse, error) {
	return s.deps.Reader.GetOrder(ctx, req.OrderID)
}

func (s *ledgerService) ListOrders(ctx context.Context, req *ListOrdersRequest) (*ListOrdersResponse, error) {
	if s.deps.History == nil {
		return nil, errUnavailable
	}
	orders, err := s.deps.History.ListOrders(ctx, req.Address, pageSize(req.Limit), req.AfterID)
	if err != nil {
		return nil, err
	}
	return &ListOrdersResponse{Orders: orders}, nil
}

func (s *ledgerService) GetDispute(ctx context.Context, req *OrderRequest) (*query.DisputeResponse, error) {
	return s.deps.Reader.GetDispute(ctx, req.OrderID)
}

func (s *ledgerService) GetParticipant(ctx context.Context, req *ParticipantRequest) (*query.ParticipantResponse, error) {
	return s.deps.Reader.GetParticipant(ctx, req.Address)
}

func (s *ledgerService) GetTreasury(ctx context.Context, _ *Empty) (*query.TreasuryResponse, error) {
	return s.deps.Reader.GetTreasury(ctx)
}

func (s *ledgerService) GetJournalHistory(ctx context.Context, req *JournalRequest) (*JournalResponse, error) {
	if s.deps.History == nil {
		return nil, errUnavailable
	}
	entries, err := s.deps.History.GetJournalHistory(ctx, req.Address, pageSize(req.Limit), req.AfterSequence)
	if err != nil {
		return nil, err
	}
	return &JournalResponse{Entries: entries}, nil
}

func (s *ledgerService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.deps.History == nil {
		return nil, errUnavailable
	}
	return s.deps.History.VerifyIntegrity(ctx)
}

func (s *ledgerService) TakeSnapshot(ctx context.Context, _ *Empty) (*SnapshotResponse, error) {
	if s.deps.Admin == nil {
		return nil, errUnavailable
	}
	seq, size, err := s.deps.Admin.TakeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &SnapshotResponse{Sequence: seq, SizeBytes: size}, nil
}

func (s *ledgerService) RebuildProjections(ctx context.Context, _ *Empty) (*Empty, error) {
	if s.deps.Admin == nil {
		return nil, errUnavailable
	}
	if err := s.deps.Admin.RebuildProjections(ctx); err != nil {
		return nil, err
	}
	return &Empty{}, nil
}

func (s *ledgerService) GetStatus(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{PersistedSequence: -1, Uptime: time.Since(s.deps.StartTime).Round(time.Second).String()}
	if s.deps.Core != nil {
		hash := s.deps.Core.GetStateHash()
		resp.CoreSequence = s.deps.Core.GetSequence()
		resp.StateHash = hex.EncodeToString(hash[:])
	}
	if s.deps.Admin != nil {
		seq, err := s.deps.Admin.LatestPersistedSequence(ctx)
		if err != nil {
			return nil, err
		}
		resp.PersistedSequence = seq
	}
	return resp, nil
}

func pageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	return min(n, maxPageSize)
}
