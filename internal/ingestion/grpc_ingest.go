package ingestion

import (
	"context"

	"AgentLedger/internal/core"
	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// CommandService is the synchronous ingest path used by the gRPC and HTTP
// APIs. Unlike the bus it returns the receipt or rejection to the caller.
type CommandService struct {
	parser *Parser
	core   Submitter
}

func NewCommandService(parser *Parser, c Submitter) *CommandService {
	return &CommandService{parser: parser, core: c}
}

// SubmitJSON validates payload as a command of the named type and applies it.
func (s *CommandService) SubmitJSON(ctx context.Context, eventType string, payload []byte) (core.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return core.Receipt{}, err
	}
	et, err := event.ParseEventType(eventType)
	if err != nil {
		return core.Receipt{}, errs.New(errs.CodeInvalidArgument, errs.WithCause(err))
	}
	evt, err := s.parser.Parse(et, payload)
	if err != nil {
		return core.Receipt{}, err
	}
	return s.core.Submit(evt)
}

// Submit applies an already-typed command.
func (s *CommandService) Submit(ctx context.Context, evt event.Event) (core.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return core.Receipt{}, err
	}
	return s.core.Submit(evt)
}

// InjectQualification sets a participant's role and stake. Used by operators
// to mirror the external staking registry. A nil requestID gets a fresh one.
func (s *CommandService) InjectQualification(
	ctx context.Context,
	requestID uuid.UUID,
	addr common.Address,
	role event.RoleKind,
	stake int64,
	clock event.Clock,
) (core.Receipt, error) {
	if stake < 0 {
		return core.Receipt{}, errs.New(errs.CodeInvalidAmount, errs.WithMessage("stake must not be negative"))
	}
	if requestID == uuid.Nil {
		requestID = uuid.New()
	}
	evt := &event.QualificationUpdated{
		Header:  event.Header{RequestID: requestID, Timestamp: clock.Timestamp, Block: clock.Block},
		Address: addr,
		Role:    role,
		Stake:   stake,
	}
	return s.Submit(ctx, evt)
}
