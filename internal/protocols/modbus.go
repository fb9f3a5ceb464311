package protocols

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/model"
)

// Modbus emulates a Modbus/TCP slave with a fixed register map,
// answering the common read functions and single-register writes.
// Everything else gets an illegal-function exception.
type Modbus struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewModbus builds the handler.
func NewModbus(cfg *config.Config, logger *slog.Logger) *Modbus {
	return &Modbus{cfg: cfg, logger: logger}
}

// Protocol returns the protocol tag.
func (m *Modbus) Protocol() string { return model.ProtocolModbus }

// Handshake is a no-op; Modbus has no greeting.
func (m *Modbus) Handshake(c *Conn) error { return nil }

// Shutdown is a no-op.
func (m *Modbus) Shutdown(c *Conn) {}

const (
	mbapPDUMax = 253

	fcReadCoils       = 1
	fcReadHolding     = 3
	fcReadInput       = 4
	fcWriteSingleReg  = 6
	excIllegalFunc    = 0x01
	excIllegalAddress = 0x02
)

// registerValue fabricates a stable-looking process value for one
// holding register address.
func registerValue(addr uint16) uint16 {
	// Plausible PLC telemetry: temperatures, pressures, counters.
	return 100 + (addr*37)%900
}

// Run reads MBAP-framed requests until the client leaves.
func (m *Modbus) Run(c *Conn) model.CloseReason {
	for {
		var mbap [7]byte
		if err := c.ReadFull(mbap[:]); err != nil {
			return c.CloseReasonFor(err)
		}
		protoID := binary.BigEndian.Uint16(mbap[2:4])
		length := binary.BigEndian.Uint16(mbap[4:6])
		if protoID != 0 || length < 2 || length > mbapPDUMax+1 {
			return c.CloseReasonFor(c.protocolError(fmt.Sprintf("mbap proto=%d len=%d", protoID, length)))
		}

		pdu := make([]byte, length-1)
		if err := c.ReadFull(pdu); err != nil {
			return c.CloseReasonFor(err)
		}
		fc := pdu[0]

		if err := c.Record(fmt.Sprintf("modbus.fc%d", fc), pdu); err != nil {
			return c.CloseReasonFor(err)
		}

		resp, err := m.answer(fc, pdu[1:])
		if err != nil {
			return c.CloseReasonFor(c.protocolError(fmt.Sprintf("truncated request fc=%d", fc)))
		}
		if err := writeModbus(c, mbap, resp); err != nil {
			return c.CloseReasonFor(err)
		}
	}
}

// answer builds the response PDU for one request.
func (m *Modbus) answer(fc byte, data []byte) ([]byte, error) {
	switch fc {
	case fcReadCoils:
		if len(data) < 4 {
			return nil, errProtocol
		}
		count := binary.BigEndian.Uint16(data[2:4])
		if count == 0 || count > 2000 {
			return exception(fc, excIllegalAddress), nil
		}
		nbytes := (count + 7) / 8
		resp := make([]byte, 2+nbytes)
		resp[0] = fc
		resp[1] = byte(nbytes)
		for i := range resp[2:] {
			resp[2+i] = 0x55 // alternating coil pattern
		}
		return resp, nil

	case fcReadHolding, fcReadInput:
		if len(data) < 4 {
			return nil, errProtocol
		}
		addr := binary.BigEndian.Uint16(data[0:2])
		count := binary.BigEndian.Uint16(data[2:4])
		if count == 0 || count > 125 {
			return exception(fc, excIllegalAddress), nil
		}
		resp := make([]byte, 2+2*count)
		resp[0] = fc
		resp[1] = byte(2 * count)
		for i := uint16(0); i < count; i++ {
			binary.BigEndian.PutUint16(resp[2+2*i:], registerValue(addr+i))
		}
		return resp, nil

	case fcWriteSingleReg:
		if len(data) < 4 {
			return nil, errProtocol
		}
		// Echo the request, as a real slave does; the write is absorbed.
		resp := make([]byte, 5)
		resp[0] = fc
		copy(resp[1:], data[:4])
		return resp, nil
	}
	return exception(fc, excIllegalFunc), nil
}

func exception(fc, code byte) []byte {
	return []byte{fc | 0x80, code}
}

// writeModbus frames a response PDU under the request's MBAP header.
func writeModbus(c *Conn, reqMBAP [7]byte, pdu []byte) error {
	head := make([]byte, 7)
	copy(head[0:2], reqMBAP[0:2]) // transaction id
	binary.BigEndian.PutUint16(head[4:6], uint16(len(pdu)+1))
	head[6] = reqMBAP[6] // unit id
	if _, err := c.Write(head); err != nil {
		return err
	}
	_, err := c.Write(pdu)
	return err
}
