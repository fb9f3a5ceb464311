package protocols

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf16"

	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/fakefs"
	"github.com/sgerhart/trapline/internal/model"
)

// SMB emulates an SMB2 file server behind NetBIOS session framing. It
// negotiates a fixed dialect, accepts any session setup, and exposes
// two shares; the FILES share is backed by the deception tree with
// case-insensitive lookup. Write-then-rename bursts trip the
// ransomware heuristic.
type SMB struct {
	cfg    *config.Config
	trees  *fakefs.Source
	logger *slog.Logger
}

// NewSMB builds the handler.
func NewSMB(cfg *config.Config, trees *fakefs.Source, logger *slog.Logger) *SMB {
	return &SMB{cfg: cfg, trees: trees, logger: logger}
}

// Protocol returns the protocol tag.
func (s *SMB) Protocol() string { return model.ProtocolSMB }

// Handshake is a no-op; SMB clients speak first.
func (s *SMB) Handshake(c *Conn) error { return nil }

// Shutdown is a no-op.
func (s *SMB) Shutdown(c *Conn) {}

const (
	smbFrameMax = 256 * 1024

	smb2Negotiate    = 0x0000
	smb2SessionSetup = 0x0001
	smb2TreeConnect  = 0x0003
	smb2Create       = 0x0005
	smb2Close        = 0x0006
	smb2Read         = 0x0008
	smb2Write        = 0x0009
	smb2SetInfo      = 0x0011

	statusOK             = 0x00000000
	statusBadNetworkName = 0xC00000CC
	statusNotSupported   = 0xC00000BB
	statusNoSuchFile     = 0xC000000F

	// ransomwareThreshold is the number of write-then-rename pairs on
	// distinct files before the behaviour flag fires.
	ransomwareThreshold = 3
)

// smbSession tracks per-connection file-operation state for the
// ransomware heuristic.
type smbSession struct {
	nextFileID uint64
	names      map[uint64]string
	written    map[uint64]bool
	renamed    map[string]bool
	pairs      int
	flagged    bool
	treeFiles  bool
}

// Run reads NetBIOS-framed SMB2 requests until the client leaves.
func (s *SMB) Run(c *Conn) model.CloseReason {
	c.AttachFS(s.trees.Tree(), true)
	st := &smbSession{
		names:   make(map[uint64]string),
		written: make(map[uint64]bool),
		renamed: make(map[string]bool),
	}

	for {
		frame, err := readNetBIOSFrame(c)
		if err != nil {
			return c.CloseReasonFor(err)
		}
		if len(frame) < 4 {
			return c.CloseReasonFor(c.protocolError("short frame"))
		}

		// SMB1 negotiate from a multi-dialect client: answer in SMB2
		// to move the conversation up, like a real server would.
		if frame[0] == 0xff && string(frame[1:4]) == "SMB" {
			if err := c.Record("smb.negotiate", []byte("smb1-multi-protocol")); err != nil {
				return c.CloseReasonFor(err)
			}
			if err := s.respond(c, smb2Negotiate, 0, statusOK, negotiateBody()); err != nil {
				return c.CloseReasonFor(err)
			}
			continue
		}
		if len(frame) < 64 || frame[0] != 0xfe || string(frame[1:4]) != "SMB" {
			return c.CloseReasonFor(c.protocolError("bad smb magic"))
		}

		command := binary.LittleEndian.Uint16(frame[12:14])
		messageID := binary.LittleEndian.Uint64(frame[24:32])
		body := frame[64:]

		reason, err := s.handleCommand(c, st, command, messageID, body)
		if err != nil {
			return c.CloseReasonFor(err)
		}
		if reason != "" {
			return reason
		}
	}
}

func (s *SMB) handleCommand(c *Conn, st *smbSession, command uint16, messageID uint64, body []byte) (model.CloseReason, error) {
	switch command {
	case smb2Negotiate:
		if err := c.Record("smb.negotiate", []byte("dialect=0x0202")); err != nil {
			return "", err
		}
		return "", s.respond(c, command, messageID, statusOK, negotiateBody())

	case smb2SessionSetup:
		if err := c.Record("smb.session_setup", []byte(fmt.Sprintf("blob=%d bytes", len(body)))); err != nil {
			return "", err
		}
		// Any credentials are accepted.
		return "", s.respond(c, command, messageID, statusOK, sessionSetupBody())

	case smb2TreeConnect:
		share := treeConnectPath(body)
		if err := c.Record("smb.tree_connect", []byte(share)); err != nil {
			return "", err
		}
		upper := strings.ToUpper(share)
		switch {
		case strings.HasSuffix(upper, "IPC$"):
			return "", s.respond(c, command, messageID, statusOK, treeConnectBody(0x02))
		case strings.HasSuffix(upper, "FILES"):
			st.treeFiles = true
			return "", s.respond(c, command, messageID, statusOK, treeConnectBody(0x01))
		}
		return "", s.respond(c, command, messageID, statusBadNetworkName, errorBody())

	case smb2Create:
		name := createName(body)
		if err := c.Record("smb.open", []byte(name)); err != nil {
			return "", err
		}
		fid := st.nextFileID + 1
		st.nextFileID = fid
		st.names[fid] = name
		// Lure hooks fire through the case-folded read.
		if st.treeFiles {
			c.FS().Stat(smbPath(name))
		}
		return "", s.respond(c, command, messageID, statusOK, createBody(fid))

	case smb2Read:
		fid := bodyFileID(body, 16)
		name := st.names[fid]
		if err := c.Record("smb.read", []byte(name)); err != nil {
			return "", err
		}
		data, ok := c.FS().Read(smbPath(name))
		if !ok {
			return "", s.respond(c, command, messageID, statusNoSuchFile, errorBody())
		}
		if len(data) > 4096 {
			data = data[:4096]
		}
		return "", s.respond(c, command, messageID, statusOK, readBody(data))

	case smb2Write:
		fid := bodyFileID(body, 16)
		name := st.names[fid]
		length := 0
		if len(body) >= 8 {
			length = int(binary.LittleEndian.Uint32(body[4:8]))
		}
		if err := c.Record("smb.write", []byte(fmt.Sprintf("%s len=%d", name, length))); err != nil {
			return "", err
		}
		st.written[fid] = true
		c.FS().Write(smbPath(name), nil)
		return "", s.respond(c, command, messageID, statusOK, writeBody(length))

	case smb2SetInfo:
		fid := bodyFileID(body, 8)
		name := st.names[fid]
		if err := c.Record("smb.rename", []byte(name)); err != nil {
			return "", err
		}
		if st.written[fid] && !st.renamed[name] {
			st.renamed[name] = true
			st.pairs++
			if st.pairs >= ransomwareThreshold && !st.flagged {
				st.flagged = true
				if err := c.Record("smb.ransomware_behavior",
					[]byte(fmt.Sprintf("write-then-rename pairs=%d", st.pairs))); err != nil {
					return "", err
				}
			}
		}
		return "", s.respond(c, command, messageID, statusOK, []byte{0x02, 0x00})

	case smb2Close:
		fid := bodyFileID(body, 8)
		delete(st.names, fid)
		return "", s.respond(c, command, messageID, statusOK, closeBody())
	}
	return "", s.respond(c, command, messageID, statusNotSupported, errorBody())
}

// respond writes one SMB2 response frame under NetBIOS framing.
func (s *SMB) respond(c *Conn, command uint16, messageID uint64, status uint32, body []byte) error {
	head := make([]byte, 64)
	head[0] = 0xfe
	copy(head[1:4], "SMB")
	binary.LittleEndian.PutUint16(head[4:6], 64)
	binary.LittleEndian.PutUint32(head[8:12], status)
	binary.LittleEndian.PutUint16(head[12:14], command)
	binary.LittleEndian.PutUint16(head[14:16], 1)          // credits granted
	binary.LittleEndian.PutUint32(head[16:20], 0x00000001) // SERVER_TO_REDIR
	binary.LittleEndian.PutUint64(head[24:32], messageID)
	binary.LittleEndian.PutUint64(head[40:48], 1) // session id

	frame := append(head, body...)
	nb := []byte{0x00, byte(len(frame) >> 16), byte(len(frame) >> 8), byte(len(frame))}
	if _, err := c.Write(nb); err != nil {
		return err
	}
	_, err := c.Write(frame)
	return err
}

func readNetBIOSFrame(c *Conn) ([]byte, error) {
	var head [4]byte
	if err := c.ReadFull(head[:]); err != nil {
		return nil, err
	}
	n := int(head[1])<<16 | int(head[2])<<8 | int(head[3])
	if n > smbFrameMax {
		return nil, c.protocolError(fmt.Sprintf("frame length %d", n))
	}
	frame := make([]byte, n)
	if err := c.ReadFull(frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// smbPath maps a share-relative UNC name onto the deception tree.
func smbPath(name string) string {
	p := strings.ReplaceAll(name, `\`, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// treeConnectPath decodes the UTF-16LE share path from a tree-connect
// request body.
func treeConnectPath(body []byte) string {
	if len(body) < 8 {
		return ""
	}
	// PathOffset is relative to the frame start; the body starts at 64.
	off := int(binary.LittleEndian.Uint16(body[4:6])) - 64
	length := int(binary.LittleEndian.Uint16(body[6:8]))
	return decodeUTF16(body, off, length)
}

// createName decodes the file name from a create request body.
func createName(body []byte) string {
	if len(body) < 48 {
		return ""
	}
	off := int(binary.LittleEndian.Uint16(body[44:46])) - 64
	length := int(binary.LittleEndian.Uint16(body[46:48]))
	return decodeUTF16(body, off, length)
}

func decodeUTF16(body []byte, off, length int) string {
	if off < 0 || length <= 0 || off+length > len(body) || length%2 != 0 {
		return ""
	}
	raw := body[off : off+length]
	u16 := make([]uint16, len(raw)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return string(utf16.Decode(u16))
}

func bodyFileID(body []byte, off int) uint64 {
	if len(body) < off+8 {
		return 0
	}
	return binary.LittleEndian.Uint64(body[off : off+8])
}

func negotiateBody() []byte {
	b := make([]byte, 64)
	binary.LittleEndian.PutUint16(b[0:2], 65)
	binary.LittleEndian.PutUint16(b[4:6], 0x0202) // dialect SMB 2.0.2
	binary.LittleEndian.PutUint32(b[24:28], 65536)
	binary.LittleEndian.PutUint32(b[28:32], 65536)
	binary.LittleEndian.PutUint32(b[32:36], 65536)
	return b
}

func sessionSetupBody() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint16(b[0:2], 9)
	return b
}

func treeConnectBody(shareType byte) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint16(b[0:2], 16)
	b[2] = shareType
	binary.LittleEndian.PutUint32(b[8:12], 0x001f01ff) // maximal access
	return b
}

func createBody(fid uint64) []byte {
	b := make([]byte, 88)
	binary.LittleEndian.PutUint16(b[0:2], 89)
	binary.LittleEndian.PutUint64(b[64:72], fid)
	binary.LittleEndian.PutUint64(b[72:80], fid)
	return b
}

func readBody(data []byte) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint16(b[0:2], 17)
	b[2] = 80 // data offset from frame start
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(data)))
	return append(b, data...)
}

func writeBody(n int) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint16(b[0:2], 17)
	binary.LittleEndian.PutUint32(b[4:8], uint32(n))
	return b
}

func errorBody() []byte {
	b := make([]byte, 9)
	binary.LittleEndian.PutUint16(b[0:2], 9)
	return b
}

func closeBody() []byte {
	b := make([]byte, 60)
	binary.LittleEndian.PutUint16(b[0:2], 60)
	return b
}
