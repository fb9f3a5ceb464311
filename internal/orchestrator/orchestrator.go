// Package orchestrator owns the listening endpoints, the connection
// admission policy, and the lifecycle of every protocol handler
// goroutine.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/sgerhart/trapline/internal/bus"
	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/metrics"
	"github.com/sgerhart/trapline/internal/model"
	"github.com/sgerhart/trapline/internal/protocols"
	"github.com/sgerhart/trapline/internal/session"
)

const (
	rebindBackoffMin = time.Second
	rebindBackoffMax = 60 * time.Second

	// acceptFailLimit is how many consecutive accept errors mark a
	// listener degraded and trigger a rebind.
	acceptFailLimit = 5

	// refusalLogWindow rate-limits refusal logging per origin.
	refusalLogWindow = 10 * time.Second
)

// Orchestrator binds the configured listeners, enforces the per-origin
// and global concurrency caps, and hands accepted connections to their
// protocol handler.
type Orchestrator struct {
	cfg      *config.Config
	mgr      *session.Manager
	bus      bus.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	handlers map[string]protocols.Handler

	mu        sync.Mutex
	perOrigin map[string]int
	active    int
	listeners []net.Listener

	refusalLog *lru.Cache[string, time.Time]

	acceptWG  sync.WaitGroup
	sessionWG sync.WaitGroup
	cancel    context.CancelFunc
}

// New builds the orchestrator. Handlers are registered by their
// protocol tag, which must match a binding key in the config.
func New(cfg *config.Config, mgr *session.Manager, b bus.Bus, m *metrics.Metrics, logger *slog.Logger, handlers ...protocols.Handler) *Orchestrator {
	hm := make(map[string]protocols.Handler, len(handlers))
	for _, h := range handlers {
		hm[h.Protocol()] = h
	}
	cache, _ := lru.New[string, time.Time](1024)
	return &Orchestrator{
		cfg:        cfg,
		mgr:        mgr,
		bus:        b,
		metrics:    m,
		logger:     logger,
		handlers:   hm,
		perOrigin:  make(map[string]int),
		refusalLog: cache,
	}
}

// Start binds every enabled listener, failing fast if any bind fails,
// then launches the accept loops and publishes the startup alert.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	type bound struct {
		protocol string
		ln       net.Listener
	}
	var all []bound
	for protocol, binding := range o.cfg.Bindings {
		if !binding.Enabled {
			continue
		}
		if _, ok := o.handlers[protocol]; !ok {
			for _, b := range all {
				b.ln.Close()
			}
			return fmt.Errorf("binding %q has no registered handler", protocol)
		}
		addr := fmt.Sprintf("%s:%d", binding.Addr, binding.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, b := range all {
				b.ln.Close()
			}
			return fmt.Errorf("bind %s on %s: %w", protocol, addr, err)
		}
		all = append(all, bound{protocol: protocol, ln: ln})
	}

	ports := make(map[string]string, len(all))
	o.mu.Lock()
	for _, b := range all {
		o.listeners = append(o.listeners, b.ln)
		ports[b.protocol] = b.ln.Addr().String()
	}
	o.mu.Unlock()

	o.publishStartup(ctx, ports)

	for _, b := range all {
		o.acceptWG.Add(1)
		go o.acceptLoop(ctx, b.protocol, b.ln)
	}
	o.logger.Info("orchestrator started", "listeners", len(all))
	return nil
}

// Stop refuses new connections, lets in-flight sessions finish within
// the drain timeout, then cancels the rest.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	for _, ln := range o.listeners {
		ln.Close()
	}
	o.listeners = nil
	o.mu.Unlock()
	o.acceptWG.Wait()

	done := make(chan struct{})
	go func() {
		o.sessionWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(o.cfg.DrainTimeout()):
		o.logger.Warn("drain timeout elapsed, cancelling sessions")
	}
	if o.cancel != nil {
		o.cancel()
	}
	o.sessionWG.Wait()
	o.logger.Info("orchestrator stopped")
}

// publishStartup emits the informational startup alert with the bound
// endpoint list.
func (o *Orchestrator) publishStartup(ctx context.Context, ports map[string]string) {
	detail, _ := json.Marshal(ports)
	event := model.AlertEvent{
		Kind:      model.EventAlert,
		AlertKind: "startup",
		Severity:  model.SeverityInfo,
		Detail:    string(detail),
	}
	data, _ := json.Marshal(event)
	if _, err := o.bus.Publish(ctx, model.StreamAlert, data); err != nil {
		o.logger.Warn("failed to publish startup event", "error", err)
	}
}

// acceptLoop accepts until the listener closes. Repeated accept
// failures mark the listener degraded and trigger a rebind with
// exponential backoff.
func (o *Orchestrator) acceptLoop(ctx context.Context, protocol string, ln net.Listener) {
	defer o.acceptWG.Done()
	handler := o.handlers[protocol]
	failures := 0

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || o.closedByStop(ln) {
				return
			}
			failures++
			if failures < acceptFailLimit {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			o.logger.Error("listener degraded", "protocol", protocol, "error", err)
			ln.Close()
			next, ok := o.rebind(ctx, protocol, ln.Addr().String())
			if !ok {
				return
			}
			o.swapListener(ln, next)
			ln = next
			failures = 0
			continue
		}
		failures = 0
		o.metrics.ConnectionsTotal.WithLabelValues(protocol).Inc()

		origin := originOf(conn)
		if cause, ok := o.admit(origin); !ok {
			o.refuse(ctx, conn, protocol, origin, cause)
			continue
		}

		o.sessionWG.Add(1)
		go o.handleConn(ctx, protocol, handler, conn, origin)
	}
}

// rebind retries the listen with exponential backoff until it succeeds
// or the engine stops.
func (o *Orchestrator) rebind(ctx context.Context, protocol, addr string) (net.Listener, bool) {
	backoff := rebindBackoffMin
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(backoff):
		}
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			o.logger.Info("listener rebound", "protocol", protocol, "addr", addr)
			return ln, true
		}
		o.logger.Warn("rebind failed", "protocol", protocol, "addr", addr, "error", err, "backoff", backoff)
		backoff *= 2
		if backoff > rebindBackoffMax {
			backoff = rebindBackoffMax
		}
	}
}

func (o *Orchestrator) swapListener(old, next net.Listener) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, ln := range o.listeners {
		if ln == old {
			o.listeners[i] = next
			return
		}
	}
	// Stop already ran; do not leak the rebound listener.
	next.Close()
}

func (o *Orchestrator) closedByStop(ln net.Listener) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range o.listeners {
		if l == ln {
			return false
		}
	}
	return true
}

// admit enforces the global and per-origin caps, reserving a slot on
// success.
func (o *Orchestrator) admit(origin string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active >= o.cfg.Caps.Global {
		return "global-cap", false
	}
	if o.perOrigin[origin] >= o.cfg.Caps.PerOrigin {
		return "origin-cap", false
	}
	o.active++
	o.perOrigin[origin]++
	return "", true
}

func (o *Orchestrator) release(origin string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active--
	if n := o.perOrigin[origin]; n <= 1 {
		delete(o.perOrigin, origin)
	} else {
		o.perOrigin[origin] = n - 1
	}
}

// refuse drops the connection without opening a session. The log line
// and the refused event are sampled per origin so an abusive scanner
// cannot flood the log or the alert stream.
func (o *Orchestrator) refuse(ctx context.Context, conn net.Conn, protocol, origin, cause string) {
	conn.Close()
	o.metrics.ConnectionsRefused.WithLabelValues(cause).Inc()
	now := time.Now()
	if last, ok := o.refusalLog.Get(origin); ok && now.Sub(last) < refusalLogWindow {
		return
	}
	o.refusalLog.Add(origin, now)
	o.logger.Warn("connection refused", "protocol", protocol, "origin", origin, "cause", cause)
	o.publishRefused(ctx, protocol, origin, cause)
}

// publishRefused emits one sampled refusal alert per origin window.
func (o *Orchestrator) publishRefused(ctx context.Context, protocol, origin, cause string) {
	detail, _ := json.Marshal(map[string]string{"protocol": protocol, "origin": origin, "cause": cause})
	event := model.AlertEvent{
		Kind:      model.EventAlert,
		AlertKind: "refused",
		Severity:  model.SeverityWarning,
		Detail:    string(detail),
	}
	data, _ := json.Marshal(event)
	if _, err := o.bus.Publish(ctx, model.StreamAlert, data); err != nil {
		o.logger.Warn("failed to publish refusal event", "error", err)
	}
}

// handleConn opens the session and drives the handler. Panics are
// contained: the session seals with server-error and the loop goes on.
func (o *Orchestrator) handleConn(ctx context.Context, protocol string, handler protocols.Handler, conn net.Conn, origin string) {
	defer o.sessionWG.Done()
	defer o.release(origin)
	defer conn.Close()

	port := portOf(conn)
	if w, ok := handler.(protocols.ConnWrapper); ok {
		wrapped, err := w.WrapConn(conn)
		if err != nil {
			o.logger.Debug("connection wrap failed", "protocol", protocol, "origin", origin, "error", err)
			return
		}
		conn = wrapped
	}
	h, err := o.mgr.Open(ctx, protocol, origin, port)
	if err != nil {
		o.logger.Error("failed to open session", "protocol", protocol, "origin", origin, "error", err)
		return
	}

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := protocols.NewConn(sessCtx, conn, o.mgr, h, o.cfg, o.logger)

	reason := o.runHandler(c, handler)
	if reason == model.CloseServerStop {
		handler.Shutdown(c)
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := o.mgr.Close(closeCtx, h, reason); err != nil {
		o.logger.Error("failed to close session", "session_id", h.ID, "error", err)
	}
}

// runHandler executes handshake and run under panic containment.
func (o *Orchestrator) runHandler(c *protocols.Conn, handler protocols.Handler) (reason model.CloseReason) {
	defer func() {
		if r := recover(); r != nil {
			o.metrics.HandlerPanics.Inc()
			o.logger.Error("handler panic contained",
				"protocol", handler.Protocol(), "session_id", c.Handle().ID, "panic", r)
			reason = model.CloseServerError
		}
	}()
	if err := handler.Handshake(c); err != nil {
		return c.CloseReasonFor(err)
	}
	return handler.Run(c)
}

func originOf(conn net.Conn) string {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP.String()
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func portOf(conn net.Conn) int {
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}
