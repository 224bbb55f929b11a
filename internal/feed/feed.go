// Package feed publishes position-affecting protocol completions to
// downstream subsystems over NATS JetStream.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"DlcCoordinator/internal/dlc"
)

// StreamName holds completed-protocol notifications for downstream position
// consumers. Subjects follow coordinator.positions.<trader>.
const (
	StreamName    = "COORDINATOR_POSITIONS"
	subjectPrefix = "coordinator.positions."
)

// Notification announces that a position-affecting protocol finished
// successfully.
type Notification struct {
	ProtocolID   dlc.ProtocolID  `json:"protocol_id"`
	ProtocolType string          `json:"protocol_type"`
	Trader       dlc.PublicKey   `json:"trader"`
	ChannelID    dlc.ChannelID   `json:"channel_id"`
	ContractID   *dlc.ContractID `json:"contract_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Sink receives protocol-completion notifications. The protocol executor
// publishes to it on finalization; failures are non-fatal to the caller.
type Sink interface {
	Publish(ctx context.Context, n Notification) error
}

// NATSPublisher is the JetStream-backed Sink.
type NATSPublisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
}

func NewNATSPublisher(js jetstream.JetStream, log zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{js: js, log: log}
}

// EnsureStream creates the position feed stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

func (p *NATSPublisher) Publish(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode position notification: %w", err)
	}

	subject := subjectPrefix + string(n.Trader)
	if _, err := p.js.Publish(ctx, subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	p.log.Debug().
		Str("subject", subject).
		Str("protocol_id", n.ProtocolID.String()).
		Str("protocol_type", n.ProtocolType).
		Msg("Published position notification")
	return nil
}
