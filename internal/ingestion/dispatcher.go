package ingestion

import (
	"context"
	"time"

	"AgentLedger/internal/core"
	"AgentLedger/internal/errs"
	"AgentLedger/internal/event"
	"AgentLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Submitter applies one command. *core.DeterministicCore implements it.
type Submitter interface {
	Submit(evt event.Event) (core.Receipt, error)
}

// Dispatcher is the single goroutine between the bus and the core. It parses
// each raw message, submits it, then settles the message.
//
// Accepted, duplicate and rejected commands are acked, since redelivery
// would produce the same outcome. Infrastructure errors nak.
type Dispatcher struct {
	parser  *Parser
	core    Submitter
	input   <-chan RawEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(parser *Parser, c Submitter, input <-chan RawEvent, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		parser:  parser,
		core:    c,
		input:   input,
		metrics: metrics,
		logger:  observability.NewLogger("dispatcher"),
	}
}

// Run blocks until ctx is cancelled or the input channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-d.input:
			if !ok {
				return nil
			}
			d.handle(raw)
		}
	}
}

func (d *Dispatcher) handle(raw RawEvent) {
	typeName := raw.EventType
	if typeName == "" {
		token, ok := typeFromSubject(raw.Subject)
		if !ok {
			d.logger.Warn().Str("subject", raw.Subject).Msg("unroutable subject, dropping")
			settle(raw.AckFunc)
			return
		}
		typeName = token
	}

	evt, err := d.parser.ParseRawEvent(raw, typeName)
	if err != nil {
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("invalid command, dropping")
		settle(raw.AckFunc)
		return
	}

	receipt, err := d.core.Submit(evt)
	switch {
	case err == nil && receipt.Duplicate:
		d.logger.Debug().Str("key", evt.IdempotencyKey()).Msg("duplicate command")
	case err == nil:
		if d.metrics != nil {
			d.metrics.IngestToApply.WithLabelValues("nats").Observe(time.Since(raw.Timestamp).Seconds())
		}
	case errs.IsRejection(err):
		d.logger.Info().
			Str("event_type", evt.EventType().String()).
			Str("key", evt.IdempotencyKey()).
			Str("code", string(errs.CodeOf(err))).
			Msg("command rejected")
	default:
		d.logger.Error().Err(err).Str("key", evt.IdempotencyKey()).Msg("submit failed, redelivering")
		settle(raw.NakFunc)
		return
	}
	settle(raw.AckFunc)
}

func settle(f func()) {
	if f != nil {
		f()
	}
}
