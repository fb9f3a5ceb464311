// Package session owns session id allocation and the write path to the
// session store and event bus. Handlers hold an opaque *Handle; the
// manager holds no references back to handlers.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sgerhart/trapline/internal/bus"
	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/metrics"
	"github.com/sgerhart/trapline/internal/model"
	"github.com/sgerhart/trapline/internal/store"
)

// Batching window for action writes. A flush is always forced before a
// session-close is published.
const (
	batchMaxActions = 64
	batchMaxWait    = 50 * time.Millisecond
)

// ErrActionCap is returned when a session exceeds its action budget.
// The handler must close the session with reason policy-cap.
var ErrActionCap = errors.New("session: action cap exceeded")

// ErrClosed is returned when appending to a sealed session.
var ErrClosed = errors.New("session: already closed")

// Handle is the opaque per-session state handlers operate on. Lifetime
// is owned by the handler; the manager only keeps it in the active set
// until close.
type Handle struct {
	ID       string
	Protocol string
	Origin   string

	mu        sync.Mutex
	startTime time.Time
	step      int
	bytesIn   int64
	bytesOut  int64
	suspicion float64
	alerted   bool
	closed    bool
}

// Suspicion returns the current clamped suspicion score.
func (h *Handle) Suspicion() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suspicion
}

// Steps returns the number of actions recorded so far.
func (h *Handle) Steps() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.step
}

// Manager is the single writer over the store and the bus outbox.
type Manager struct {
	store   store.Store
	bus     bus.Bus
	cfg     *config.Config
	metrics *metrics.Metrics
	logger  *slog.Logger

	degraded atomic.Bool

	writeCh chan *model.ActionRecord
	flushCh chan chan error

	outMu    sync.Mutex
	outbox   []outboxEntry
	outCh    chan struct{}
	overflow atomic.Int64

	wg sync.WaitGroup
}

type outboxEntry struct {
	stream string
	data   []byte
}

// NewManager builds the manager. Run must be called before sessions
// are opened.
func NewManager(st store.Store, b bus.Bus, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		store:   st,
		bus:     b,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		writeCh: make(chan *model.ActionRecord, 1024),
		flushCh: make(chan chan error, 16),
		outCh:   make(chan struct{}, 1),
	}
}

// Run starts the batch writer and the bus outbox. It returns when ctx
// is cancelled and both loops have drained.
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(2)
	go m.writeLoop(ctx)
	go m.publishLoop(ctx)
	m.wg.Wait()
}

// Open allocates a session id, durably writes the open record, and
// queues the session-open event. The handler sees the session only
// after the open record is durable.
func (m *Manager) Open(ctx context.Context, protocol, originIP string, originPort int) (*Handle, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("allocate session id: %w", err)
	}
	now := time.Now().UTC()
	sess := &model.Session{
		ID:         id.String(),
		Protocol:   protocol,
		OriginIP:   originIP,
		OriginPort: originPort,
		StartTime:  now,
	}
	if err := m.withRetry(ctx, func() error {
		return m.store.PutSessionOpen(ctx, sess)
	}); err != nil {
		m.metrics.StoreWriteErrors.Inc()
		return nil, fmt.Errorf("open session: %w", err)
	}

	m.enqueueEvent(model.StreamSessionOpen, model.SessionOpenEvent{
		Kind:       model.EventSessionOpen,
		SessionID:  sess.ID,
		Protocol:   protocol,
		OriginIP:   originIP,
		OriginPort: originPort,
		StartTime:  now,
	})
	m.metrics.SessionsOpened.WithLabelValues(protocol).Inc()
	m.metrics.SessionsActive.Inc()
	m.logger.Info("session opened",
		"session_id", sess.ID, "protocol", protocol, "origin", fmt.Sprintf("%s:%d", originIP, originPort))

	return &Handle{
		ID:        sess.ID,
		Protocol:  protocol,
		Origin:    originIP,
		startTime: now,
	}, nil
}

// Record appends an action. The payload is truncated to the configured
// bound, the step number is assigned server-side, and the suspicion
// delta comes from the configured table. Returns ErrActionCap once the
// session exceeds its action budget. In degraded mode non-critical
// actions are dropped before a step is assigned, so stored steps stay
// contiguous.
func (m *Manager) Record(ctx context.Context, h *Handle, kind string, payload []byte) (int, error) {
	delta := m.cfg.SuspicionDelta(kind)
	if max := m.cfg.Caps.PayloadBytes; len(payload) > max {
		payload = payload[:max]
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, ErrClosed
	}
	if h.step >= m.cfg.Caps.ActionsPerSession {
		step := h.step
		h.mu.Unlock()
		return step, ErrActionCap
	}
	if m.degraded.Load() && !critical(kind) {
		step := h.step
		h.mu.Unlock()
		m.logger.Debug("dropping action in degraded mode", "session_id", h.ID, "kind", kind, "tag", "degraded")
		return step, nil
	}
	h.step++
	step := h.step
	h.suspicion = clamp01(h.suspicion + delta)
	h.mu.Unlock()

	rec := &model.ActionRecord{
		SessionID:      h.ID,
		Step:           step,
		Timestamp:      time.Now().UTC(),
		Kind:           kind,
		Payload:        append([]byte(nil), payload...),
		SuspicionDelta: delta,
	}
	select {
	case m.writeCh <- rec:
	case <-ctx.Done():
		return step, ctx.Err()
	}

	m.enqueueEvent(model.StreamRawAction, model.RawActionEvent{
		Kind:           model.EventRawAction,
		SessionID:      h.ID,
		Step:           step,
		ActionKind:     kind,
		PayloadB64:     base64.StdEncoding.EncodeToString(rec.Payload),
		SuspicionDelta: delta,
		Timestamp:      rec.Timestamp,
	})
	m.metrics.ActionsTotal.WithLabelValues(h.Protocol).Inc()
	return step, nil
}

// RecordLure records a lure access and raises the alert that marks the
// session detected.
func (m *Manager) RecordLure(ctx context.Context, h *Handle, lureID, path string) {
	if _, err := m.Record(ctx, h, "lure.access", []byte(lureID+" "+path)); err != nil {
		m.logger.Warn("failed to record lure access", "session_id", h.ID, "error", err)
	}
	m.metrics.LureHitsTotal.Inc()
	m.Alert(h, "lure-access", model.SeverityCritical, fmt.Sprintf("lure %s read via %s", lureID, path))
}

// Alert publishes an alert event tied to a session. Any alert marks
// the session detected at close.
func (m *Manager) Alert(h *Handle, alertKind, severity, detail string) {
	sessionID := ""
	if h != nil {
		h.mu.Lock()
		h.alerted = true
		h.mu.Unlock()
		sessionID = h.ID
	}
	m.enqueueEvent(model.StreamAlert, model.AlertEvent{
		Kind:      model.EventAlert,
		SessionID: sessionID,
		AlertKind: alertKind,
		Severity:  severity,
		Detail:    detail,
	})
}

// AddBytes bumps the session's byte counters. Monotonic while open.
func (m *Manager) AddBytes(h *Handle, in, out int) {
	h.mu.Lock()
	if !h.closed {
		h.bytesIn += int64(in)
		h.bytesOut += int64(out)
	}
	h.mu.Unlock()
}

// Close seals the session. Idempotent: a second call is a no-op. The
// action batch is flushed and the seal is durable before the
// session-close event is queued.
func (m *Manager) Close(ctx context.Context, h *Handle, reason model.CloseReason) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	bytesIn, bytesOut := h.bytesIn, h.bytesOut
	count := h.step
	suspicion := h.suspicion
	alerted := h.alerted
	h.mu.Unlock()

	if err := m.flush(ctx); err != nil {
		m.logger.Error("flush before close failed", "session_id", h.ID, "error", err)
	}

	end := time.Now().UTC()
	detected := suspicion >= 0.85 || count >= m.cfg.Caps.ActionsPerSession || alerted
	seal := store.Seal{
		EndTime:        end,
		BytesIn:        bytesIn,
		BytesOut:       bytesOut,
		ActionCount:    count,
		FinalSuspicion: suspicion,
		Detected:       detected,
		Reason:         reason,
	}
	if err := m.withRetry(ctx, func() error {
		return m.store.SealSession(ctx, h.ID, seal)
	}); err != nil {
		m.metrics.StoreWriteErrors.Inc()
		return fmt.Errorf("seal session %s: %w", h.ID, err)
	}

	m.enqueueEvent(model.StreamSessionClose, model.SessionCloseEvent{
		Kind:           model.EventSessionClose,
		SessionID:      h.ID,
		EndTime:        end,
		BytesIn:        bytesIn,
		BytesOut:       bytesOut,
		ActionCount:    count,
		FinalSuspicion: suspicion,
		Detected:       detected,
		Reason:         reason,
	})
	m.metrics.SessionsClosed.WithLabelValues(string(reason)).Inc()
	m.metrics.SessionsActive.Dec()
	m.logger.Info("session closed",
		"session_id", h.ID, "reason", string(reason), "actions", count,
		"suspicion", suspicion, "detected", detected)
	return nil
}

// Recover seals sessions a prior crash left open and publishes their
// session-close events exactly once.
func (m *Manager) Recover(ctx context.Context) error {
	sealed, err := m.store.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	for _, s := range sealed {
		end := s.StartTime
		if s.EndTime != nil {
			end = *s.EndTime
		}
		m.enqueueEvent(model.StreamSessionClose, model.SessionCloseEvent{
			Kind:           model.EventSessionClose,
			SessionID:      s.ID,
			EndTime:        end,
			BytesIn:        s.BytesIn,
			BytesOut:       s.BytesOut,
			ActionCount:    s.ActionCount,
			FinalSuspicion: s.FinalSuspicion,
			Detected:       s.Detected,
			Reason:         model.CloseServerCrash,
		})
		m.metrics.SessionsClosed.WithLabelValues(string(model.CloseServerCrash)).Inc()
		m.logger.Warn("sealed crashed session", "session_id", s.ID, "actions", s.ActionCount)
	}
	return nil
}

// Degraded reports whether the store write path is failing.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

// writeLoop is the single store writer: it batches appends within the
// bounded window and answers explicit flush requests.
func (m *Manager) writeLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(batchMaxWait)
	defer ticker.Stop()

	var batch []*model.ActionRecord
	flushBatch := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := m.writeBatch(batch)
		batch = batch[:0]
		return err
	}

	for {
		select {
		case rec := <-m.writeCh:
			batch = append(batch, rec)
			if len(batch) >= batchMaxActions {
				flushBatch() //nolint:errcheck
			}
		case <-ticker.C:
			flushBatch() //nolint:errcheck
		case reply := <-m.flushCh:
			// Drain anything already queued before answering.
			for drained := false; !drained; {
				select {
				case rec := <-m.writeCh:
					batch = append(batch, rec)
				default:
					drained = true
				}
			}
			reply <- flushBatch()
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case rec := <-m.writeCh:
					batch = append(batch, rec)
				default:
					drained = true
				}
			}
			flushBatch() //nolint:errcheck
			return
		}
	}
}

// writeBatch persists one batch, retrying with backoff. Exhausting the
// budget flips the manager into degraded mode; the next success flips
// it back.
func (m *Manager) writeBatch(batch []*model.ActionRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := m.withRetry(ctx, func() error {
		return m.store.AppendActions(ctx, batch)
	})
	if err != nil {
		m.metrics.StoreWriteErrors.Inc()
		if m.degraded.CompareAndSwap(false, true) {
			m.logger.Error("store write path degraded", "error", err)
			m.Alert(nil, "store-degraded", model.SeverityCritical, err.Error())
		}
		return err
	}
	if m.degraded.CompareAndSwap(true, false) {
		m.logger.Info("store write path recovered")
		m.Alert(nil, "store-recovered", model.SeverityInfo, "action writes succeeding again")
	}
	return nil
}

// flush forces the batch writer to persist everything queued so far.
func (m *Manager) flush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case m.flushCh <- reply:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueueEvent queues an event for ordered publishing. The outbox
// preserves enqueue order, so per-session open < raw < close ordering
// survives bus outages.
func (m *Manager) enqueueEvent(stream string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		m.logger.Error("failed to marshal event", "stream", stream, "error", err)
		return
	}
	m.outMu.Lock()
	m.outbox = append(m.outbox, outboxEntry{stream: stream, data: data})
	m.outMu.Unlock()
	select {
	case m.outCh <- struct{}{}:
	default:
	}
}

// publishLoop drains the outbox in order, retrying the head with
// backoff so a bus outage delays but never reorders or drops events.
func (m *Manager) publishLoop(ctx context.Context) {
	defer m.wg.Done()
	backoff := time.Second
	for {
		m.outMu.Lock()
		var head *outboxEntry
		if len(m.outbox) > 0 {
			head = &m.outbox[0]
		}
		m.outMu.Unlock()

		if head == nil {
			select {
			case <-m.outCh:
				continue
			case <-ctx.Done():
				if m.drainOutbox() {
					continue
				}
				return
			}
		}

		if _, err := m.bus.Publish(ctx, head.stream, head.data); err != nil {
			if ctx.Err() != nil && m.drainOutbox() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			m.metrics.BusPublishErrors.Inc()
			m.logger.Warn("bus publish failed, retrying", "stream", head.stream, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		m.outMu.Lock()
		m.outbox = m.outbox[1:]
		m.outMu.Unlock()
	}
}

// drainOutbox attempts a best-effort final publish pass at shutdown.
// Returns true while entries remain and the bus still accepts them.
func (m *Manager) drainOutbox() bool {
	m.outMu.Lock()
	remaining := len(m.outbox)
	var head *outboxEntry
	if remaining > 0 {
		head = &m.outbox[0]
	}
	m.outMu.Unlock()
	if head == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := m.bus.Publish(ctx, head.stream, head.data); err != nil {
		m.logger.Error("dropping unpublished events at shutdown", "count", remaining, "error", err)
		return false
	}
	m.outMu.Lock()
	m.outbox = m.outbox[1:]
	m.outMu.Unlock()
	return true
}

// OutboxEmpty reports whether every queued event has been published.
// Tests use it to wait for event settlement.
func (m *Manager) OutboxEmpty() bool {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	return len(m.outbox) == 0
}

// withRetry runs fn with bounded exponential backoff.
func (m *Manager) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delay := 100 * time.Millisecond
	for attempt := 0; attempt < 4; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
		delay *= 2
	}
	return err
}

// critical reports whether an action kind must survive degraded mode.
func critical(kind string) bool {
	switch kind {
	case "lure.access", "ssh.auth_success", "smb.ransomware_behavior":
		return true
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
