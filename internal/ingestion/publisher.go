package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	"HedgeVault/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundPublisher publishes notices of persisted commands to
// <prefix>.events.<notice_type>. It reads from the persistence worker's
// committed channel, so nothing is published before it is durable.
type OutboundPublisher struct {
	js        jetstream.JetStream
	prefix    string
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	log       zerolog.Logger
	taps      []func([]OutboundEvent)
}

// OutboundEvent is the published envelope.
type OutboundEvent struct {
	Sequence       int64        `json:"sequence"`
	Index          int          `json:"index"`
	IdempotencyKey string       `json:"idempotency_key"`
	CommandType    string       `json:"command_type"`
	Notice         event.Notice `json:"notice"`
	StateHash      string       `json:"state_hash"`
}

func NewOutboundPublisher(js jetstream.JetStream, prefix string, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		prefix:    prefix,
		inputChan: inputChan,
		metrics:   metrics,
		log:       log.With().Str("component", "publisher").Logger(),
	}
}

// Tap registers fn to receive each output's events after they were
// published. fn must not block.
func (op *OutboundPublisher) Tap(fn func([]OutboundEvent)) {
	op.taps = append(op.taps, fn)
}

// Run publishes until ctx is cancelled or the input closes.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			events := Events(out)
			for i, evt := range events {
				if err := op.publish(ctx, evt); err != nil {
					// downstream consumers can fall back to the query API
					if op.metrics != nil {
						op.metrics.PublishDrops.Inc()
					}
					op.log.Warn().Err(err).Int64("sequence", evt.Sequence).Int("index", i).Msg("outbound publish failed")
				}
			}
			for _, fn := range op.taps {
				fn(events)
			}
		}
	}
}

// Events flattens an output into one envelope per notice.
func Events(out core.CoreOutput) []OutboundEvent {
	if out.Envelope == nil {
		return nil
	}
	events := make([]OutboundEvent, 0, len(out.Notices))
	for i, n := range out.Notices {
		events = append(events, OutboundEvent{
			Sequence:       out.Envelope.Sequence,
			Index:          i,
			IdempotencyKey: out.Envelope.IdempotencyKey,
			CommandType:    out.Envelope.CommandType.String(),
			Notice:         n,
			StateHash:      hex.EncodeToString(out.Envelope.StateHash[:]),
		})
	}
	return events
}

// Subject returns the subject an event is published on.
func (e OutboundEvent) Subject(prefix string) string {
	return fmt.Sprintf("%s.events.%s", prefix, e.Notice.Type)
}

// MsgID is the JetStream dedup id; republishing after a restart is absorbed
// by the stream's duplicate window.
func (e OutboundEvent) MsgID() string {
	return fmt.Sprintf("%d:%d", e.Sequence, e.Index)
}

func (op *OutboundPublisher) publish(ctx context.Context, evt OutboundEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, evt.Subject(op.prefix), data, jetstream.WithMsgID(evt.MsgID()))
	return err
}
