package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process broker implementing the full stream
// semantics: monotonic offsets, consumer-group cursors, claim-timeout
// redelivery, and dead-lettering. It backs tests and single-node
// deployments (bus.url: memory://).
type Memory struct {
	claimTimeout  time.Duration
	maxDeliveries int
	logger        *slog.Logger

	mu         sync.Mutex
	streams    map[string]*memStream
	groups     map[string]*memGroup
	deadLetter DeadLetterFunc
	notify     chan struct{}
	closed     bool
}

type memEntry struct {
	id   string
	data []byte
}

type memStream struct {
	entries []memEntry // entries[i] has offset i+1
}

type memGroup struct {
	next    uint64 // next never-delivered offset
	pending map[uint64]*claim
}

type claim struct {
	deliveries int
	expires    time.Time
}

// NewMemory creates the in-process broker.
func NewMemory(claimTimeout time.Duration, maxDeliveries int, logger *slog.Logger) *Memory {
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &Memory{
		claimTimeout:  claimTimeout,
		maxDeliveries: maxDeliveries,
		logger:        logger,
		streams:       make(map[string]*memStream),
		groups:        make(map[string]*memGroup),
		notify:        make(chan struct{}, 1),
	}
}

// OnDeadLetter registers the dead-letter hook.
func (m *Memory) OnDeadLetter(fn DeadLetterFunc) {
	m.mu.Lock()
	m.deadLetter = fn
	m.mu.Unlock()
}

// Publish appends to a stream and returns the assigned offset.
func (m *Memory) Publish(ctx context.Context, stream string, data []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, context.Canceled
	}
	s := m.streams[stream]
	if s == nil {
		s = &memStream{}
		m.streams[stream] = s
	}
	s.entries = append(s.entries, memEntry{id: uuid.NewString(), data: cp})
	offset := uint64(len(s.entries))
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return offset, nil
}

// Fetch delivers up to max messages for the group. Expired claims are
// redelivered first; claims past the delivery budget move to the
// dead-letter stream instead.
func (m *Memory) Fetch(ctx context.Context, stream, group string, max int, wait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msgs := m.collect(stream, group, max)
		if len(msgs) > 0 {
			return msgs, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(minDuration(remaining, time.Second))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-m.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Memory) collect(stream, group string, max int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.streams[stream]
	if s == nil {
		s = &memStream{}
		m.streams[stream] = s
	}
	key := stream + "\x00" + group
	g := m.groups[key]
	if g == nil {
		g = &memGroup{next: 1, pending: make(map[uint64]*claim)}
		m.groups[key] = g
	}

	now := time.Now()
	var out []Message
	var dead []Message

	// Redeliver expired claims in offset order.
	for offset := uint64(1); offset < g.next && len(out) < max; offset++ {
		c, ok := g.pending[offset]
		if !ok || now.Before(c.expires) {
			continue
		}
		entry := s.entries[offset-1]
		if c.deliveries >= m.maxDeliveries {
			delete(g.pending, offset)
			ds := m.streams[DeadLetterStream]
			if ds == nil {
				ds = &memStream{}
				m.streams[DeadLetterStream] = ds
			}
			ds.entries = append(ds.entries, entry)
			m.logger.Warn("message moved to dead-letter stream",
				"stream", stream, "offset", offset, "deliveries", c.deliveries)
			dead = append(dead, Message{
				ID: entry.id, Stream: stream, Offset: offset,
				Data: entry.data, Deliveries: c.deliveries,
			})
			continue
		}
		c.deliveries++
		c.expires = now.Add(m.claimTimeout)
		out = append(out, m.deliver(stream, key, entry, offset, c.deliveries))
	}

	// Then new messages.
	for g.next <= uint64(len(s.entries)) && len(out) < max {
		offset := g.next
		entry := s.entries[offset-1]
		g.pending[offset] = &claim{deliveries: 1, expires: now.Add(m.claimTimeout)}
		g.next++
		out = append(out, m.deliver(stream, key, entry, offset, 1))
	}

	if len(dead) > 0 && m.deadLetter != nil {
		fn := m.deadLetter
		go func() {
			for _, msg := range dead {
				fn(stream, msg)
			}
		}()
	}
	return out
}

func (m *Memory) deliver(stream, groupKey string, entry memEntry, offset uint64, deliveries int) Message {
	return Message{
		ID:         entry.id,
		Stream:     stream,
		Offset:     offset,
		Data:       entry.data,
		Deliveries: deliveries,
		ack: func() error {
			m.mu.Lock()
			if g := m.groups[groupKey]; g != nil {
				delete(g.pending, offset)
			}
			m.mu.Unlock()
			return nil
		},
	}
}

// StreamLen reports the number of entries in a stream. Used by tests
// and the operator API.
func (m *Memory) StreamLen(stream string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s := m.streams[stream]; s != nil {
		return len(s.entries)
	}
	return 0
}

// Close shuts the broker down; later publishes fail.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
