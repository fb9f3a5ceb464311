// Package protocols implements the per-protocol honeypot state
// machines. Each handler drives a dialogue over one accepted
// connection, records actions through the session manager, and never
// touches shared mutable state beyond the manager and the fake
// filesystem read tree.
package protocols

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/fakefs"
	"github.com/sgerhart/trapline/internal/model"
	"github.com/sgerhart/trapline/internal/session"
)

// Handler is the capability set every protocol honeypot satisfies.
// Handshake sends the initial banner or greeting, Run drives the state
// machine until the session ends, and Shutdown flushes the final reply
// when the engine is draining.
type Handler interface {
	Protocol() string
	Handshake(c *Conn) error
	Run(c *Conn) model.CloseReason
	Shutdown(c *Conn)
}

// errProtocol marks a protocol violation by the peer; the session
// closes with reason client-error.
var errProtocol = errors.New("protocol violation")

// protocolError records the violation as a <proto>.protocol_error
// action and returns the marker error for the close-reason mapping.
func (c *Conn) protocolError(detail string) error {
	c.Record(c.handle.Protocol+".protocol_error", []byte(detail)) //nolint:errcheck
	return fmt.Errorf("%s: %w", detail, errProtocol)
}

// Conn wraps one attacker connection with deadline handling, byte
// accounting, and the session write path. Owned by a single handler
// goroutine.
type Conn struct {
	ctx     context.Context
	conn    net.Conn
	mgr     *session.Manager
	handle  *session.Handle
	logger  *slog.Logger
	idle    time.Duration
	hardEnd time.Time
	br      *bufio.Reader
	fsView  *fakefs.View
}

// NewConn builds the per-session connection wrapper. A watchdog wakes
// blocked reads when ctx is cancelled.
func NewConn(ctx context.Context, conn net.Conn, mgr *session.Manager, h *session.Handle, cfg *config.Config, logger *slog.Logger) *Conn {
	c := &Conn{
		ctx:     ctx,
		conn:    conn,
		mgr:     mgr,
		handle:  h,
		logger:  logger,
		idle:    cfg.IdleTimeout(),
		hardEnd: time.Now().Add(cfg.HardTimeout()),
		br:      bufio.NewReaderSize(conn, 4096),
	}
	go func() {
		<-ctx.Done()
		conn.SetDeadline(time.Now()) //nolint:errcheck
	}()
	return c
}

// AttachFS opens the per-session filesystem view. fold enables
// case-insensitive resolution (SMB).
func (c *Conn) AttachFS(tree *fakefs.Tree, fold bool) {
	c.fsView = tree.NewView(fold, func(lureID, path string) {
		c.mgr.RecordLure(c.ctx, c.handle, lureID, path)
	})
}

// FS returns the session filesystem view.
func (c *Conn) FS() *fakefs.View {
	return c.fsView
}

// Handle returns the opaque session handle.
func (c *Conn) Handle() *session.Handle {
	return c.handle
}

// RecordLure records a lure hit outside the filesystem hook path, for
// decoys served directly by a handler.
func (c *Conn) RecordLure(lureID, path string) {
	c.mgr.RecordLure(c.ctx, c.handle, lureID, path)
}

// Record appends an action for this session.
func (c *Conn) Record(kind string, payload []byte) error {
	_, err := c.mgr.Record(c.ctx, c.handle, kind, payload)
	return err
}

// readDeadline computes the next read deadline: idle limit capped by
// the hard session end.
func (c *Conn) readDeadline() time.Time {
	d := time.Now().Add(c.idle)
	if d.After(c.hardEnd) {
		return c.hardEnd
	}
	return d
}

// Read reads raw bytes under the idle/hard deadlines, counting inbound
// bytes.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
		return 0, err
	}
	n, err := c.br.Read(p)
	if n > 0 {
		c.mgr.AddBytes(c.handle, n, 0)
	}
	return n, err
}

// ReadFull fills p or fails, counting inbound bytes.
func (c *Conn) ReadFull(p []byte) error {
	if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
		return err
	}
	n, err := io.ReadFull(c.br, p)
	if n > 0 {
		c.mgr.AddBytes(c.handle, n, 0)
	}
	return err
}

// ReadLine reads one newline-terminated line, trimming the terminator.
func (c *Conn) ReadLine() (string, error) {
	if err := c.conn.SetReadDeadline(c.readDeadline()); err != nil {
		return "", err
	}
	line, err := c.br.ReadString('\n')
	if len(line) > 0 {
		c.mgr.AddBytes(c.handle, len(line), 0)
	}
	if err != nil {
		return "", err
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// brBuffered reports how many bytes are already buffered from the
// peer without blocking.
func (c *Conn) brBuffered() int {
	return c.br.Buffered()
}

// Write sends bytes under a write deadline, counting outbound bytes.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return 0, err
	}
	n, err := c.conn.Write(p)
	if n > 0 {
		c.mgr.AddBytes(c.handle, 0, n)
	}
	return n, err
}

// WriteString is a convenience wrapper over Write.
func (c *Conn) WriteString(s string) error {
	_, err := c.Write([]byte(s))
	return err
}

// Done reports session cancellation (engine shutdown or per-session
// cancel).
func (c *Conn) Done() <-chan struct{} {
	return c.ctx.Done()
}

// CloseReasonFor maps a handler error to the session closure reason.
// Internal errors never produce attacker-visible diagnostics; the
// mapping only drives the sealed record.
func (c *Conn) CloseReasonFor(err error) model.CloseReason {
	switch {
	case err == nil:
		return model.CloseClientClosed
	case errors.Is(err, session.ErrActionCap):
		return model.ClosePolicyCap
	case errors.Is(err, errProtocol):
		return model.CloseClientError
	case c.ctx.Err() != nil:
		return model.CloseServerStop
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return model.CloseClientClosed
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		if !time.Now().Before(c.hardEnd) {
			return model.ClosePolicyCap
		}
		return model.CloseIdleTimeout
	}
	return model.CloseClientClosed
}
