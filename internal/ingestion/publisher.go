package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"AgentLedger/internal/event"
	"AgentLedger/internal/observability"
	"AgentLedger/internal/persistence"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	// EventSubjectPrefix is the root of outbound records:
	// agent.ledger.events.<RecordType>
	EventSubjectPrefix = "agent.ledger.events."
	EventStream        = "AGENT_LEDGER_EVENTS"
)

// OutboundPublisher publishes event records to NATS after the command that
// produced them is persisted. It is attached to the persistence worker as a
// post-commit marker.
type OutboundPublisher struct {
	js      jetstream.JetStream
	queue   chan PublishableEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// PublishableEvent is one outbound record with its command context.
type PublishableEvent struct {
	Sequence       int64        `json:"sequence"`
	EventType      string       `json:"event_type"`
	IdempotencyKey string       `json:"idempotency_key"`
	Record         event.Record `json:"record"`
	StateHash      string       `json:"state_hash"`
	Timestamp      time.Time    `json:"timestamp"`
	Block          int64        `json:"block"`
}

func NewOutboundPublisher(js jetstream.JetStream, queueSize int, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:      js,
		queue:   make(chan PublishableEvent, queueSize),
		metrics: metrics,
		logger:  observability.NewLogger("publisher"),
	}
}

var _ persistence.PersistedMarker = (*OutboundPublisher)(nil)

// MarkPersisted queues every record of the committed rows. It never blocks
// the persistence worker: when the queue is full the record is dropped and
// counted. Consumers that need every record read the event log.
func (op *OutboundPublisher) MarkPersisted(_ context.Context, rows []persistence.EventRow) error {
	for _, row := range rows {
		evts, err := PublishablesFromRow(row)
		if err != nil {
			return err
		}
		for _, evt := range evts {
			select {
			case op.queue <- evt:
			default:
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
			}
		}
	}
	return nil
}

// PublishablesFromRow expands a persisted event row into its records.
func PublishablesFromRow(row persistence.EventRow) ([]PublishableEvent, error) {
	var records []event.Record
	if len(row.Records) > 0 {
		if err := json.Unmarshal(row.Records, &records); err != nil {
			return nil, fmt.Errorf("records seq %d: %w", row.Sequence, err)
		}
	}
	out := make([]PublishableEvent, 0, len(records))
	for _, r := range records {
		out = append(out, PublishableEvent{
			Sequence:       row.Sequence,
			EventType:      row.EventType,
			IdempotencyKey: row.IdempotencyKey,
			Record:         r,
			StateHash:      hex.EncodeToString(row.StateHash),
			Timestamp:      row.Timestamp,
			Block:          row.Block,
		})
	}
	return out, nil
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.queue:
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.logger.Warn().Err(err).Int64("seq", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// Message id dedups republished records inside the stream window.
	msgID := fmt.Sprintf("%d:%s:%s", evt.Sequence, evt.Record.Type, evt.Record.EntityID)
	_, err = op.js.Publish(ctx, EventSubjectPrefix+string(evt.Record.Type), data, jetstream.WithMsgID(msgID))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      EventStream,
		Subjects:  []string{EventSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	logger := observability.NewLogger("publisher")
	logger.Info().Str("stream", EventStream).Msg("ensured outbound stream")
	return nil
}
