package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// JetStream maps the Bus semantics onto a NATS JetStream server. Each
// logical stream becomes a JetStream stream with one subject; consumer
// groups become durable pull consumers with AckWait as the claim
// timeout and MaxDeliver as the delivery budget. Messages that exhaust
// the budget are republished to the dead-letter stream off the server's
// max-deliveries advisory.
type JetStream struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	logger        *slog.Logger
	claimTimeout  time.Duration
	maxDeliveries int

	mu         sync.Mutex
	streams    map[string]bool
	subs       map[string]*nats.Subscription
	advisories map[string]*nats.Subscription
	deadLetter DeadLetterFunc
}

// NewJetStream connects to the server and initializes the context.
func NewJetStream(url string, logger *slog.Logger) (*JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("acquire JetStream context: %w", err)
	}
	return &JetStream{
		nc:            nc,
		js:            js,
		logger:        logger,
		claimTimeout:  DefaultClaimTimeout,
		maxDeliveries: DefaultMaxDeliveries,
		streams:       make(map[string]bool),
		subs:          make(map[string]*nats.Subscription),
		advisories:    make(map[string]*nats.Subscription),
	}, nil
}

// OnDeadLetter registers the dead-letter hook.
func (b *JetStream) OnDeadLetter(fn DeadLetterFunc) {
	b.mu.Lock()
	b.deadLetter = fn
	b.mu.Unlock()
}

// streamName converts a subject-style stream name into a valid
// JetStream stream name.
func streamName(stream string) string {
	return strings.ToUpper(strings.ReplaceAll(stream, ".", "_"))
}

func (b *JetStream) ensureStream(stream string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.streams[stream] {
		return nil
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:      streamName(stream),
		Subjects:  []string{stream},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	})
	if err != nil && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("ensure stream %s: %w", stream, err)
	}
	b.streams[stream] = true
	return nil
}

// Publish appends to the stream. JetStream's publish ack means the
// write is durable; the ack sequence is the stream offset.
func (b *JetStream) Publish(ctx context.Context, stream string, data []byte) (uint64, error) {
	if err := b.ensureStream(stream); err != nil {
		return 0, err
	}
	msg := nats.NewMsg(stream)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, uuid.NewString())
	ack, err := b.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("publish to %s: %w", stream, err)
	}
	return ack.Sequence, nil
}

// groupName converts a consumer-group name into a durable name.
func groupName(group string) string {
	return strings.ReplaceAll(group, ".", "_")
}

func (b *JetStream) ensureGroup(stream, group string) (*nats.Subscription, error) {
	key := stream + "\x00" + group
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[key]; ok {
		return sub, nil
	}
	durable := groupName(group)
	sub, err := b.js.PullSubscribe(stream, durable,
		nats.BindStream(streamName(stream)),
		nats.AckWait(b.claimTimeout),
		nats.MaxDeliver(b.maxDeliveries),
		nats.ManualAck(),
	)
	if err != nil {
		return nil, fmt.Errorf("pull consumer %s on %s: %w", group, stream, err)
	}
	b.subs[key] = sub

	// The server emits an advisory when a message exhausts MaxDeliver;
	// move it to the dead-letter stream from there.
	advisorySubject := fmt.Sprintf("$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES.%s.%s", streamName(stream), durable)
	adv, err := b.nc.Subscribe(advisorySubject, func(msg *nats.Msg) {
		b.handleMaxDeliveries(stream, msg.Data)
	})
	if err != nil {
		b.logger.Warn("dead-letter advisory subscription failed", "stream", stream, "group", group, "error", err)
	} else {
		b.advisories[key] = adv
	}
	return sub, nil
}

func (b *JetStream) handleMaxDeliveries(stream string, advisory []byte) {
	var adv struct {
		StreamSeq  uint64 `json:"stream_seq"`
		Deliveries int    `json:"deliveries"`
	}
	if err := json.Unmarshal(advisory, &adv); err != nil {
		b.logger.Error("malformed max-deliveries advisory", "stream", stream, "error", err)
		return
	}
	raw, err := b.js.GetMsg(streamName(stream), adv.StreamSeq)
	if err != nil {
		b.logger.Error("failed to load dead-lettered message", "stream", stream, "seq", adv.StreamSeq, "error", err)
		return
	}
	if err := b.ensureStream(DeadLetterStream); err != nil {
		b.logger.Error("failed to ensure dead-letter stream", "error", err)
		return
	}
	if _, err := b.js.Publish(DeadLetterStream, raw.Data); err != nil {
		b.logger.Error("failed to move message to dead-letter stream", "stream", stream, "seq", adv.StreamSeq, "error", err)
		return
	}
	b.logger.Warn("message moved to dead-letter stream",
		"stream", stream, "offset", adv.StreamSeq, "deliveries", adv.Deliveries)
	b.mu.Lock()
	fn := b.deadLetter
	b.mu.Unlock()
	if fn != nil {
		fn(stream, Message{
			ID:         raw.Header.Get(nats.MsgIdHdr),
			Stream:     stream,
			Offset:     adv.StreamSeq,
			Data:       raw.Data,
			Deliveries: adv.Deliveries,
		})
	}
}

// Fetch pulls a batch for the consumer group.
func (b *JetStream) Fetch(ctx context.Context, stream, group string, max int, wait time.Duration) ([]Message, error) {
	if err := b.ensureStream(stream); err != nil {
		return nil, err
	}
	sub, err := b.ensureGroup(stream, group)
	if err != nil {
		return nil, err
	}
	raw, err := sub.Fetch(max, nats.MaxWait(wait))
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch from %s: %w", stream, err)
	}
	out := make([]Message, 0, len(raw))
	for _, m := range raw {
		m := m
		meta, err := m.Metadata()
		if err != nil {
			b.logger.Error("message without metadata", "stream", stream, "error", err)
			continue
		}
		out = append(out, Message{
			ID:         m.Header.Get(nats.MsgIdHdr),
			Stream:     stream,
			Offset:     meta.Sequence.Stream,
			Data:       m.Data,
			Deliveries: int(meta.NumDelivered),
			ack:        func() error { return m.AckSync() },
		})
	}
	return out, nil
}

// Close drains and closes the connection.
func (b *JetStream) Close() error {
	b.mu.Lock()
	for _, sub := range b.advisories {
		sub.Unsubscribe() //nolint:errcheck
	}
	b.mu.Unlock()
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return err
	}
	return nil
}
