// Package bus provides the append-only event streams the engine
// publishes to and the enricher consumes from. Streams carry monotonic
// offsets and are read through consumer groups with at-least-once
// delivery: unacknowledged messages become visible again after a claim
// timeout, and messages that exhaust their delivery budget move to the
// dead-letter stream.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Default delivery policy.
const (
	DefaultClaimTimeout  = 60 * time.Second
	DefaultMaxDeliveries = 8
)

// DeadLetterStream receives messages that exhausted their delivery
// budget on any stream.
const DeadLetterStream = "events.dead"

// Message is one delivered stream record. ID is unique per publish so
// consumers can deduplicate across redeliveries.
type Message struct {
	ID         string
	Stream     string
	Offset     uint64
	Data       []byte
	Deliveries int

	ack func() error
}

// Ack marks the message processed. Acks are durable before Ack returns.
func (m *Message) Ack() error {
	if m.ack == nil {
		return nil
	}
	return m.ack()
}

// DeadLetterFunc is invoked when a message is moved to the dead-letter
// stream, after the move is durable.
type DeadLetterFunc func(stream string, msg Message)

// Bus is the broker abstraction. A publish that returns has been made
// durable; the returned offset is the message's position in its stream.
type Bus interface {
	Publish(ctx context.Context, stream string, data []byte) (uint64, error)
	// Fetch delivers up to max messages for the consumer group,
	// blocking up to wait when the stream is empty. Redeliveries of
	// expired claims come before new messages.
	Fetch(ctx context.Context, stream, group string, max int, wait time.Duration) ([]Message, error)
	// OnDeadLetter registers the dead-letter hook. Must be called
	// before the first Fetch.
	OnDeadLetter(fn DeadLetterFunc)
	Close() error
}

// Connect builds a Bus from a connection URL. memory:// yields the
// in-process broker; nats:// connects to a JetStream-enabled server.
func Connect(url string, logger *slog.Logger) (Bus, error) {
	switch {
	case url == "memory://" || strings.HasPrefix(url, "memory:"):
		return NewMemory(DefaultClaimTimeout, DefaultMaxDeliveries, logger), nil
	case strings.HasPrefix(url, "nats://"), strings.HasPrefix(url, "tls://"):
		return NewJetStream(url, logger)
	default:
		return nil, fmt.Errorf("bus: unsupported url %q", url)
	}
}
