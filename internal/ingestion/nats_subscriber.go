package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// Message kinds, one per subject family.
const (
	KindDeposit           = "Deposit"
	KindMint              = "Mint"
	KindWithdraw          = "Withdraw"
	KindRedeem            = "Redeem"
	KindClaim             = "Claim"
	KindDonate            = "Donate"
	KindHedgeConfirmation = "HedgeConfirmation"
	KindHedgePosition     = "HedgePosition"
	KindPrice             = "Price"
)

// NATSSubscriber subscribes to JetStream subjects and hands raw messages to
// the router. Messages are acked only after the router has processed them.
type NATSSubscriber struct {
	js        jetstream.JetStream
	rawChan   chan<- RawMessage
	consumers []jetstream.ConsumeContext
	log       zerolog.Logger
}

// RawMessage is one undecoded message and its ack callbacks.
type RawMessage struct {
	Subject  string
	Kind     string
	Data     []byte
	Received time.Time
	Ack      func()
	Nak      func()
	Term     func() // never redeliver
}

// SubjectConfig maps a subject filter to a message kind.
type SubjectConfig struct {
	Subject      string
	Kind         string
	ConsumerName string
	StreamName   string
}

// StreamNames derives the JetStream stream names for prefix.
func StreamNames(prefix string) (commands, hedge, prices, events string) {
	p := streamPrefix(prefix)
	return p + "_COMMANDS", p + "_HEDGE", p + "_PRICES", p + "_EVENTS"
}

// DefaultSubjects returns the inbound subjects under prefix.
func DefaultSubjects(prefix string) []SubjectConfig {
	commands, hedge, prices, _ := StreamNames(prefix)
	sub := func(kind, subject, consumer, stream string) SubjectConfig {
		return SubjectConfig{Subject: prefix + "." + subject, Kind: kind, ConsumerName: "vault-" + consumer, StreamName: stream}
	}
	return []SubjectConfig{
		sub(KindDeposit, "commands.deposit", "deposit", commands),
		sub(KindMint, "commands.mint", "mint", commands),
		sub(KindWithdraw, "commands.withdraw", "withdraw", commands),
		sub(KindRedeem, "commands.redeem", "redeem", commands),
		sub(KindClaim, "commands.claim", "claim", commands),
		sub(KindDonate, "commands.donate", "donate", commands),
		sub(KindHedgeConfirmation, "hedge.confirmations.>", "hedge-confirm", hedge),
		sub(KindHedgePosition, "hedge.positions.>", "hedge-position", hedge),
		sub(KindPrice, "prices.>", "prices", prices),
	}
}

func NewNATSSubscriber(js jetstream.JetStream, rawChan chan<- RawMessage, log zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		rawChan: rawChan,
		log:     log.With().Str("component", "nats_subscriber").Logger(),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		kind := cfg.Kind
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawMessage{
				Subject:  msg.Subject(),
				Kind:     kind,
				Data:     msg.Data(),
				Received: time.Now(),
				Ack:      func() { msg.Ack() },
				Nak:      func() { msg.Nak() },
				Term:     func() { msg.Term() },
			}

			select {
			case ns.rawChan <- raw:
			case <-ctx.Done():
				msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.log.Info().Str("subject", cfg.Subject).Str("consumer", cfg.ConsumerName).Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the inbound and outbound streams under prefix.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, prefix string, log zerolog.Logger) error {
	commands, hedge, prices, events := StreamNames(prefix)
	streams := []jetstream.StreamConfig{
		{Name: commands, Subjects: []string{prefix + ".commands.>"}},
		// hedge.requests is published by the vault and consumed by the venue agent
		{Name: hedge, Subjects: []string{prefix + ".hedge.>"}},
		{Name: prices, Subjects: []string{prefix + ".prices.>"}},
		{Name: events, Subjects: []string{prefix + ".events.>"}, Duplicates: 10 * time.Minute},
	}

	for _, cfg := range streams {
		cfg.Storage = jetstream.FileStorage
		cfg.Retention = jetstream.LimitsPolicy
		cfg.MaxAge = 72 * time.Hour
		cfg.Replicas = 1
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.log.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("hedgevault"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}

func streamPrefix(prefix string) string {
	out := make([]byte, 0, len(prefix))
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		switch {
		case c >= 'a' && c <= 'z':
			out = append(out, c-'a'+'A')
		case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
