package protocols

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/corpus"
	"github.com/sgerhart/trapline/internal/model"
)

// MySQL speaks just enough of the client/server protocol to get a real
// client or scanner through the handshake and into the query phase.
// Every credential and query is recorded; results are fabricated.
type MySQL struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewMySQL builds the handler.
func NewMySQL(cfg *config.Config, logger *slog.Logger) *MySQL {
	return &MySQL{cfg: cfg, logger: logger}
}

// Protocol returns the protocol tag.
func (m *MySQL) Protocol() string { return model.ProtocolMySQL }

const mysqlPacketMax = 64 * 1024

// Handshake sends the initial handshake packet (protocol version 10).
func (m *MySQL) Handshake(c *Conn) error {
	version := corpus.MySQLVersion(m.cfg.Seed)
	salt := mysqlSalt(m.cfg.Seed)

	var p []byte
	p = append(p, 0x0a)
	p = append(p, version...)
	p = append(p, 0x00)
	p = binary.LittleEndian.AppendUint32(p, 1042) // connection id
	p = append(p, salt[:8]...)
	p = append(p, 0x00)
	p = binary.LittleEndian.AppendUint16(p, 0xf7ff) // capabilities (low)
	p = append(p, 0x21)                             // utf8_general_ci
	p = binary.LittleEndian.AppendUint16(p, 0x0002) // status: autocommit
	p = binary.LittleEndian.AppendUint16(p, 0x0008) // capabilities (high): PLUGIN_AUTH
	p = append(p, 21)                               // auth data length
	p = append(p, make([]byte, 10)...)
	p = append(p, salt[8:20]...)
	p = append(p, 0x00)
	p = append(p, "mysql_native_password"...)
	p = append(p, 0x00)

	if err := writeMySQLPacket(c, 0, p); err != nil {
		return err
	}
	return c.Record("mysql.greeting", []byte(version))
}

// Shutdown is a no-op; query errors already went out in-band.
func (m *MySQL) Shutdown(c *Conn) {}

// Run reads the auth response, accepts it, then serves queries.
func (m *MySQL) Run(c *Conn) model.CloseReason {
	seq, payload, err := readMySQLPacket(c)
	if err != nil {
		return c.CloseReasonFor(err)
	}
	user := parseHandshakeResponse(payload)
	if err := c.Record("mysql.auth_attempt", []byte(user)); err != nil {
		return c.CloseReasonFor(err)
	}
	// Any credentials are accepted.
	if err := writeMySQLOK(c, seq+1); err != nil {
		return c.CloseReasonFor(err)
	}

	for {
		_, payload, err := readMySQLPacket(c)
		if err != nil {
			return c.CloseReasonFor(err)
		}
		if len(payload) == 0 {
			return model.CloseClientError
		}
		switch payload[0] {
		case 0x01: // COM_QUIT
			return model.CloseClientClosed
		case 0x0e: // COM_PING
			if err := writeMySQLOK(c, 1); err != nil {
				return c.CloseReasonFor(err)
			}
		case 0x03: // COM_QUERY
			query := strings.TrimSpace(string(payload[1:]))
			if err := c.Record("mysql.query", []byte(query)); err != nil {
				return c.CloseReasonFor(err)
			}
			if err := m.answerQuery(c, query); err != nil {
				return c.CloseReasonFor(err)
			}
		default:
			if err := writeMySQLError(c, 1, 1047, "08S01", "Unknown command"); err != nil {
				return c.CloseReasonFor(err)
			}
		}
	}
}

// answerQuery handles each ;-separated statement loosely: schema
// snooping gets a fixed fake result, writes succeed silently, other
// selects get an empty set.
func (m *MySQL) answerQuery(c *Conn, query string) error {
	for _, stmt := range strings.Split(query, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		lower := strings.ToLower(stmt)
		switch {
		case strings.HasPrefix(lower, "select") &&
			(strings.Contains(lower, "information_schema") || strings.Contains(lower, "mysql.user")):
			if err := writeUserTable(c); err != nil {
				return err
			}
		case strings.HasPrefix(lower, "select"), strings.HasPrefix(lower, "show"):
			if err := writeEmptyResult(c); err != nil {
				return err
			}
		default:
			// DROP/INSERT/UPDATE and everything else succeeds silently.
			if err := writeMySQLOK(c, 1); err != nil {
				return err
			}
		}
	}
	return nil
}

// mysqlSalt derives the 20-byte auth salt from the engine seed so the
// handshake is stable across restarts.
func mysqlSalt(seed string) []byte {
	salt := make([]byte, 20)
	src := "mysql-salt:" + seed
	for i := range salt {
		salt[i] = 0x21 + src[i%len(src)]%0x5d
	}
	return salt
}

// parseHandshakeResponse extracts the username from a protocol-41
// handshake response.
func parseHandshakeResponse(p []byte) string {
	if len(p) < 33 {
		return ""
	}
	rest := p[32:]
	if i := strings.IndexByte(string(rest), 0x00); i >= 0 {
		return string(rest[:i])
	}
	return string(rest)
}

func readMySQLPacket(c *Conn) (byte, []byte, error) {
	var head [4]byte
	if err := c.ReadFull(head[:]); err != nil {
		return 0, nil, err
	}
	n := int(head[0]) | int(head[1])<<8 | int(head[2])<<16
	if n > mysqlPacketMax {
		return 0, nil, c.protocolError(fmt.Sprintf("packet length %d", n))
	}
	payload := make([]byte, n)
	if err := c.ReadFull(payload); err != nil {
		return 0, nil, err
	}
	return head[3], payload, nil
}

func writeMySQLPacket(c *Conn, seq byte, payload []byte) error {
	head := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	if _, err := c.Write(head); err != nil {
		return err
	}
	_, err := c.Write(payload)
	return err
}

func writeMySQLOK(c *Conn, seq byte) error {
	return writeMySQLPacket(c, seq, []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00})
}

func writeMySQLError(c *Conn, seq byte, code uint16, state, msg string) error {
	p := []byte{0xff}
	p = binary.LittleEndian.AppendUint16(p, code)
	p = append(p, '#')
	p = append(p, state...)
	p = append(p, msg...)
	return writeMySQLPacket(c, seq, p)
}

func lenenc(s string) []byte {
	out := []byte{byte(len(s))}
	return append(out, s...)
}

// columnDef builds a protocol-41 column definition packet payload.
func columnDef(name string) []byte {
	var p []byte
	p = append(p, lenenc("def")...)
	p = append(p, lenenc("mysql")...)
	p = append(p, lenenc("user")...)
	p = append(p, lenenc("user")...)
	p = append(p, lenenc(name)...)
	p = append(p, lenenc(name)...)
	p = append(p, 0x0c)
	p = binary.LittleEndian.AppendUint16(p, 0x21)
	p = binary.LittleEndian.AppendUint32(p, 255)
	p = append(p, 0xfd) // VAR_STRING
	p = binary.LittleEndian.AppendUint16(p, 0)
	p = append(p, 0x00, 0x00, 0x00)
	return p
}

func mysqlEOF() []byte {
	return []byte{0xfe, 0x00, 0x00, 0x02, 0x00}
}

// writeUserTable sends a fixed two-column result set of fake accounts.
func writeUserTable(c *Conn) error {
	rows := [][2]string{
		{"root", "localhost"},
		{"acme_app", "10.0.3.%"},
		{"backup", "localhost"},
	}
	seq := byte(1)
	if err := writeMySQLPacket(c, seq, []byte{0x02}); err != nil {
		return err
	}
	for _, col := range []string{"User", "Host"} {
		seq++
		if err := writeMySQLPacket(c, seq, columnDef(col)); err != nil {
			return err
		}
	}
	seq++
	if err := writeMySQLPacket(c, seq, mysqlEOF()); err != nil {
		return err
	}
	for _, r := range rows {
		seq++
		var p []byte
		p = append(p, lenenc(r[0])...)
		p = append(p, lenenc(r[1])...)
		if err := writeMySQLPacket(c, seq, p); err != nil {
			return err
		}
	}
	seq++
	return writeMySQLPacket(c, seq, mysqlEOF())
}

// writeEmptyResult sends a one-column result set with no rows.
func writeEmptyResult(c *Conn) error {
	if err := writeMySQLPacket(c, 1, []byte{0x01}); err != nil {
		return err
	}
	if err := writeMySQLPacket(c, 2, columnDef("value")); err != nil {
		return err
	}
	if err := writeMySQLPacket(c, 3, mysqlEOF()); err != nil {
		return err
	}
	return writeMySQLPacket(c, 4, mysqlEOF())
}
