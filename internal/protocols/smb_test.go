package protocols

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/trapline/internal/model"
)

func utf16le(s string) []byte {
	u := utf16.Encode([]rune(s))
	out := make([]byte, 2*len(u))
	for i, v := range u {
		binary.LittleEndian.PutUint16(out[2*i:], v)
	}
	return out
}

// smb2Frame builds one request frame: 64-byte header plus body.
func smb2Frame(command uint16, messageID uint64, body []byte) []byte {
	head := make([]byte, 64)
	head[0] = 0xfe
	copy(head[1:4], "SMB")
	binary.LittleEndian.PutUint16(head[4:6], 64)
	binary.LittleEndian.PutUint16(head[12:14], command)
	binary.LittleEndian.PutUint64(head[24:32], messageID)
	return append(head, body...)
}

func sendNetBIOS(t *testing.T, conn net.Conn, frame []byte) {
	t.Helper()
	nb := []byte{0x00, byte(len(frame) >> 16), byte(len(frame) >> 8), byte(len(frame))}
	_, err := conn.Write(append(nb, frame...))
	require.NoError(t, err)
}

// recvNetBIOS reads one response frame and returns status, command,
// and body.
func recvNetBIOS(t *testing.T, conn net.Conn) (uint32, uint16, []byte) {
	t.Helper()
	var head [4]byte
	_, err := io.ReadFull(conn, head[:])
	require.NoError(t, err)
	n := int(head[1])<<16 | int(head[2])<<8 | int(head[3])
	frame := make([]byte, n)
	_, err = io.ReadFull(conn, frame)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frame), 64)
	status := binary.LittleEndian.Uint32(frame[8:12])
	command := binary.LittleEndian.Uint16(frame[12:14])
	return status, command, frame[64:]
}

func treeConnectRequest(path string) []byte {
	name := utf16le(path)
	body := make([]byte, 8)
	binary.LittleEndian.PutUint16(body[0:2], 9)
	binary.LittleEndian.PutUint16(body[4:6], 64+8) // frame-relative path offset
	binary.LittleEndian.PutUint16(body[6:8], uint16(len(name)))
	return append(body, name...)
}

func createRequest(name string) []byte {
	enc := utf16le(name)
	body := make([]byte, 56)
	binary.LittleEndian.PutUint16(body[0:2], 57)
	binary.LittleEndian.PutUint16(body[44:46], 64+56)
	binary.LittleEndian.PutUint16(body[46:48], uint16(len(enc)))
	return append(body, enc...)
}

func writeRequest(fid uint64, length uint32) []byte {
	body := make([]byte, 48)
	binary.LittleEndian.PutUint16(body[0:2], 49)
	binary.LittleEndian.PutUint32(body[4:8], length)
	binary.LittleEndian.PutUint64(body[16:24], fid)
	return body
}

func readRequest(fid uint64) []byte {
	body := make([]byte, 48)
	binary.LittleEndian.PutUint16(body[0:2], 49)
	binary.LittleEndian.PutUint32(body[4:8], 4096)
	binary.LittleEndian.PutUint64(body[16:24], fid)
	return body
}

func setInfoRequest(fid uint64) []byte {
	body := make([]byte, 32)
	binary.LittleEndian.PutUint16(body[0:2], 33)
	binary.LittleEndian.PutUint64(body[8:16], fid)
	return body
}

// smbLogin negotiates, authenticates, and connects to a share.
func smbLogin(t *testing.T, conn net.Conn, share string) uint64 {
	t.Helper()
	msgID := uint64(1)
	sendNetBIOS(t, conn, smb2Frame(smb2Negotiate, msgID, make([]byte, 36)))
	status, _, body := recvNetBIOS(t, conn)
	require.Equal(t, uint32(statusOK), status)
	require.Equal(t, uint16(0x0202), binary.LittleEndian.Uint16(body[4:6]), "dialect SMB 2.0.2")

	msgID++
	sendNetBIOS(t, conn, smb2Frame(smb2SessionSetup, msgID, make([]byte, 24)))
	status, _, _ = recvNetBIOS(t, conn)
	require.Equal(t, uint32(statusOK), status, "any credentials are accepted")

	msgID++
	sendNetBIOS(t, conn, smb2Frame(smb2TreeConnect, msgID, treeConnectRequest(share)))
	status, _, _ = recvNetBIOS(t, conn)
	require.Equal(t, uint32(statusOK), status)
	return msgID
}

func TestSMB_ReadFileWithCaseFolding(t *testing.T) {
	env := newProtoEnv(t)
	h := NewSMB(env.cfg, env.trees, slog.Default())
	client, handle, reasonCh := env.drive(t, h)
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	msgID := smbLogin(t, client, `\\files-dc1\FILES`)

	msgID++
	sendNetBIOS(t, client, smb2Frame(smb2Create, msgID, createRequest(`ETC\PASSWD`)))
	status, _, body := recvNetBIOS(t, client)
	require.Equal(t, uint32(statusOK), status)
	fid := binary.LittleEndian.Uint64(body[64:72])
	require.NotZero(t, fid)

	msgID++
	sendNetBIOS(t, client, smb2Frame(smb2Read, msgID, readRequest(fid)))
	status, _, body = recvNetBIOS(t, client)
	require.Equal(t, uint32(statusOK), status)
	assert.Contains(t, string(body[16:]), "root:x:0:0", "path resolution folds case")

	client.Close()
	assert.Equal(t, model.CloseClientClosed, awaitReason(t, reasonCh))

	kinds := env.actionKinds(t, handle.ID)
	for _, want := range []string{"smb.negotiate", "smb.session_setup", "smb.tree_connect", "smb.open", "smb.read"} {
		assert.Equal(t, 1, countKind(kinds, want), want)
	}
}

func TestSMB_UnknownShareRefused(t *testing.T) {
	env := newProtoEnv(t)
	h := NewSMB(env.cfg, env.trees, slog.Default())
	client, _, reasonCh := env.drive(t, h)
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	sendNetBIOS(t, client, smb2Frame(smb2Negotiate, 1, make([]byte, 36)))
	recvNetBIOS(t, client)
	sendNetBIOS(t, client, smb2Frame(smb2SessionSetup, 2, make([]byte, 24)))
	recvNetBIOS(t, client)
	sendNetBIOS(t, client, smb2Frame(smb2TreeConnect, 3, treeConnectRequest(`\\files-dc1\C$`)))
	status, _, _ := recvNetBIOS(t, client)
	assert.Equal(t, uint32(statusBadNetworkName), status)

	client.Close()
	awaitReason(t, reasonCh)
}

func TestSMB_WriteRenameBurstFlagsRansomware(t *testing.T) {
	env := newProtoEnv(t)
	h := NewSMB(env.cfg, env.trees, slog.Default())
	client, handle, reasonCh := env.drive(t, h)
	require.NoError(t, client.SetDeadline(time.Now().Add(10*time.Second)))

	msgID := smbLogin(t, client, `\\files-dc1\FILES`)

	// Encrypt-in-place pattern: write then rename across distinct files.
	for i := 0; i < 3; i++ {
		msgID++
		sendNetBIOS(t, client, smb2Frame(smb2Create, msgID, createRequest(fmt.Sprintf(`docs\report-%d.xlsx`, i))))
		status, _, body := recvNetBIOS(t, client)
		require.Equal(t, uint32(statusOK), status)
		fid := binary.LittleEndian.Uint64(body[64:72])

		msgID++
		sendNetBIOS(t, client, smb2Frame(smb2Write, msgID, writeRequest(fid, 8192)))
		status, _, _ = recvNetBIOS(t, client)
		require.Equal(t, uint32(statusOK), status)

		msgID++
		sendNetBIOS(t, client, smb2Frame(smb2SetInfo, msgID, setInfoRequest(fid)))
		status, _, _ = recvNetBIOS(t, client)
		require.Equal(t, uint32(statusOK), status)
	}

	client.Close()
	awaitReason(t, reasonCh)

	kinds := env.actionKinds(t, handle.ID)
	assert.Equal(t, 3, countKind(kinds, "smb.write"))
	assert.Equal(t, 3, countKind(kinds, "smb.rename"))
	assert.Equal(t, 1, countKind(kinds, "smb.ransomware_behavior"), "the flag fires exactly once")

	sess := env.sealedSession(t, handle.ID)
	assert.True(t, sess.Detected, "the suspicion score crosses the detection threshold")
}

func TestSMB_SMB1NegotiateAnsweredInSMB2(t *testing.T) {
	env := newProtoEnv(t)
	h := NewSMB(env.cfg, env.trees, slog.Default())
	client, handle, reasonCh := env.drive(t, h)
	require.NoError(t, client.SetDeadline(time.Now().Add(5*time.Second)))

	smb1 := append([]byte{0xff}, "SMB"...)
	smb1 = append(smb1, make([]byte, 32)...)
	sendNetBIOS(t, client, smb1)
	status, command, _ := recvNetBIOS(t, client)
	assert.Equal(t, uint32(statusOK), status)
	assert.Equal(t, uint16(smb2Negotiate), command, "the reply moves the client up to SMB2")

	client.Close()
	awaitReason(t, reasonCh)
	kinds := env.actionKinds(t, handle.ID)
	assert.Equal(t, 1, countKind(kinds, "smb.negotiate"))
}
