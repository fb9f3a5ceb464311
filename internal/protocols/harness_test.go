package protocols

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/trapline/internal/bus"
	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/fakefs"
	"github.com/sgerhart/trapline/internal/metrics"
	"github.com/sgerhart/trapline/internal/model"
	"github.com/sgerhart/trapline/internal/session"
	"github.com/sgerhart/trapline/internal/store"
)

// protoEnv wires a handler to a real session manager over in-memory
// store and bus, the same plumbing the engine uses.
type protoEnv struct {
	cfg   *config.Config
	mgr   *session.Manager
	store *store.Memory
	bus   *bus.Memory
	trees *fakefs.Source
}

func newProtoEnv(t *testing.T) *protoEnv {
	t.Helper()
	cfg := config.Default()
	cfg.Lures.Credentials = []config.LureCredential{
		{Username: "admin", Password: "admin123"},
		{Username: "root", Password: "toor"},
	}
	st := store.NewMemory()
	b := bus.NewMemory(time.Minute, 8, slog.Default())
	mgr := session.NewManager(st, b, cfg, metrics.NewWith(prometheus.NewRegistry()), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mgr.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		b.Close()
	})
	return &protoEnv{
		cfg:   cfg,
		mgr:   mgr,
		store: st,
		bus:   b,
		trees: fakefs.NewSource(fakefs.DefaultTree(cfg.Seed)),
	}
}

// drive runs one handler over a loopback TCP connection and returns
// the client side, the session handle, and the eventual close reason.
// The session is sealed before the reason is delivered.
func (e *protoEnv) drive(t *testing.T, h Handler) (net.Conn, *session.Handle, <-chan model.CloseReason) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	server, err := ln.Accept()
	require.NoError(t, err)

	ctx := context.Background()
	handle, err := e.mgr.Open(ctx, h.Protocol(), "198.51.100.77", 40111)
	require.NoError(t, err)

	reasonCh := make(chan model.CloseReason, 1)
	go func() {
		defer server.Close()
		c := NewConn(ctx, server, e.mgr, handle, e.cfg, slog.Default())
		var reason model.CloseReason
		if err := h.Handshake(c); err != nil {
			reason = c.CloseReasonFor(err)
		} else {
			reason = h.Run(c)
		}
		e.mgr.Close(ctx, handle, reason) //nolint:errcheck
		reasonCh <- reason
	}()
	return client, handle, reasonCh
}

func awaitReason(t *testing.T, ch <-chan model.CloseReason) model.CloseReason {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("handler never returned")
		return ""
	}
}

// readUntil accumulates bytes from the peer until the marker appears.
func readUntil(t *testing.T, conn net.Conn, marker string) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var sb strings.Builder
	buf := make([]byte, 512)
	for !strings.Contains(sb.String(), marker) {
		n, err := conn.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			t.Fatalf("waiting for %q, got %q: %v", marker, sb.String(), err)
		}
	}
	return sb.String()
}

// readToEOF drains the connection after the final request went out.
func readToEOF(t *testing.T, conn net.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		sb.Write(buf[:n])
		if err != nil {
			return sb.String()
		}
	}
}

func send(t *testing.T, conn net.Conn, s string) {
	t.Helper()
	_, err := conn.Write([]byte(s))
	require.NoError(t, err)
}

// actionKinds returns the recorded kinds in step order. Safe to call
// once the close reason arrived: Close flushes the write batch first.
func (e *protoEnv) actionKinds(t *testing.T, sessionID string) []string {
	t.Helper()
	actions, err := e.store.ListActions(context.Background(), sessionID)
	require.NoError(t, err)
	kinds := make([]string, len(actions))
	for i, a := range actions {
		kinds[i] = a.Kind
	}
	return kinds
}

func countKind(kinds []string, kind string) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func (e *protoEnv) sealedSession(t *testing.T, id string) *model.Session {
	t.Helper()
	sess, err := e.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess.EndTime, "session is sealed")
	return sess
}
