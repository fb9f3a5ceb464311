package protocols

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sgerhart/trapline/internal/model"
	"github.com/sgerhart/trapline/internal/session"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestCloseReasonMapping(t *testing.T) {
	fresh := func() *Conn {
		return &Conn{ctx: context.Background(), hardEnd: time.Now().Add(time.Hour)}
	}

	tests := []struct {
		name string
		conn *Conn
		err  error
		want model.CloseReason
	}{
		{"nil", fresh(), nil, model.CloseClientClosed},
		{"eof", fresh(), io.EOF, model.CloseClientClosed},
		{"short read", fresh(), io.ErrUnexpectedEOF, model.CloseClientClosed},
		{"action cap", fresh(), fmt.Errorf("record: %w", session.ErrActionCap), model.ClosePolicyCap},
		{"protocol violation", fresh(), fmt.Errorf("bad frame: %w", errProtocol), model.CloseClientError},
		{"idle timeout", fresh(), timeoutErr{}, model.CloseIdleTimeout},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.conn.CloseReasonFor(tc.err))
		})
	}
}

func TestCloseReason_HardDeadlineBeatsIdle(t *testing.T) {
	c := &Conn{ctx: context.Background(), hardEnd: time.Now().Add(-time.Second)}
	assert.Equal(t, model.ClosePolicyCap, c.CloseReasonFor(timeoutErr{}))
}

func TestCloseReason_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := &Conn{ctx: ctx, hardEnd: time.Now().Add(time.Hour)}
	assert.Equal(t, model.CloseServerStop, c.CloseReasonFor(fmt.Errorf("read: connection reset")))
}
