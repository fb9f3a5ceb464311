package protocols

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/trapline/internal/model"
)

func readClientPacket(t *testing.T, r *bufio.Reader) (byte, []byte) {
	t.Helper()
	var head [4]byte
	_, err := io.ReadFull(r, head[:])
	require.NoError(t, err)
	n := int(head[0]) | int(head[1])<<8 | int(head[2])<<16
	payload := make([]byte, n)
	_, err = io.ReadFull(r, payload)
	require.NoError(t, err)
	return head[3], payload
}

func writeClientPacket(t *testing.T, conn net.Conn, seq byte, payload []byte) {
	t.Helper()
	head := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	_, err := conn.Write(append(head, payload...))
	require.NoError(t, err)
}

// handshakeResponse builds a minimal protocol-41 client response with
// the username at the fixed offset.
func handshakeResponse(user string) []byte {
	p := make([]byte, 32)
	p = append(p, user...)
	p = append(p, 0x00)
	p = append(p, 0x00) // empty auth response
	return p
}

func TestMySQL_HandshakeAuthAndSchemaSnoop(t *testing.T) {
	env := newProtoEnv(t)
	h := NewMySQL(env.cfg, slog.Default())
	client, handle, reasonCh := env.drive(t, h)
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	r := bufio.NewReader(client)

	_, greeting := readClientPacket(t, r)
	require.NotEmpty(t, greeting)
	assert.Equal(t, byte(0x0a), greeting[0], "protocol version 10")
	assert.Contains(t, string(greeting), "mysql_native_password")

	writeClientPacket(t, client, 1, handshakeResponse("root"))
	_, ok := readClientPacket(t, r)
	require.NotEmpty(t, ok)
	assert.Equal(t, byte(0x00), ok[0], "any credentials are accepted")

	writeClientPacket(t, client, 0, append([]byte{0x03}, "SELECT User, Host FROM mysql.user"...))
	_, colCount := readClientPacket(t, r)
	require.Equal(t, []byte{0x02}, colCount)
	var rows []string
	eofs := 0
	for eofs < 2 {
		_, p := readClientPacket(t, r)
		if len(p) > 0 && p[0] == 0xfe && len(p) < 9 {
			eofs++
			continue
		}
		rows = append(rows, string(p))
	}
	joined := ""
	for _, row := range rows {
		joined += row + "\n"
	}
	assert.Contains(t, joined, "acme_app", "the fake account table comes back")

	writeClientPacket(t, client, 0, []byte{0x01}) // COM_QUIT
	assert.Equal(t, model.CloseClientClosed, awaitReason(t, reasonCh))

	kinds := env.actionKinds(t, handle.ID)
	assert.Equal(t, "mysql.greeting", kinds[0])
	assert.Equal(t, 1, countKind(kinds, "mysql.auth_attempt"))
	assert.Equal(t, 1, countKind(kinds, "mysql.query"))

	actions, err := env.store.ListActions(context.Background(), handle.ID)
	require.NoError(t, err)
	assert.Equal(t, "root", string(actions[1].Payload), "the attempted username is recorded")
}

func TestMySQL_WritesAbsorbedSilently(t *testing.T) {
	env := newProtoEnv(t)
	h := NewMySQL(env.cfg, slog.Default())
	client, handle, reasonCh := env.drive(t, h)
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	r := bufio.NewReader(client)

	readClientPacket(t, r)
	writeClientPacket(t, client, 1, handshakeResponse("backup"))
	readClientPacket(t, r)

	writeClientPacket(t, client, 0, append([]byte{0x03}, "DROP TABLE users; SELECT 1"...))
	_, first := readClientPacket(t, r)
	assert.Equal(t, byte(0x00), first[0], "the DROP gets a plain OK")

	writeClientPacket(t, client, 0, []byte{0x01})
	awaitReason(t, reasonCh)
	kinds := env.actionKinds(t, handle.ID)
	assert.Equal(t, 1, countKind(kinds, "mysql.query"), "a multi-statement query records once")
}

func TestMySQL_PingAndUnknownCommand(t *testing.T) {
	env := newProtoEnv(t)
	h := NewMySQL(env.cfg, slog.Default())
	client, _, reasonCh := env.drive(t, h)
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))
	r := bufio.NewReader(client)

	readClientPacket(t, r)
	writeClientPacket(t, client, 1, handshakeResponse("root"))
	readClientPacket(t, r)

	writeClientPacket(t, client, 0, []byte{0x0e}) // COM_PING
	_, pong := readClientPacket(t, r)
	assert.Equal(t, byte(0x00), pong[0])

	writeClientPacket(t, client, 0, []byte{0x1b}) // COM_STMT_EXECUTE
	_, errPkt := readClientPacket(t, r)
	assert.Equal(t, byte(0xff), errPkt[0], "unknown commands error in-band")

	client.Close()
	assert.Equal(t, model.CloseClientClosed, awaitReason(t, reasonCh))
}
