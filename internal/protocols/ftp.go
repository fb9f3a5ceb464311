package protocols

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path"
	"strings"

	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/corpus"
	"github.com/sgerhart/trapline/internal/fakefs"
	"github.com/sgerhart/trapline/internal/model"
)

// FTP emulates an FTP control dialogue. Transfers run inline over the
// control connection; uploads land in the discarded session overlay
// and never reach a real disk.
type FTP struct {
	cfg    *config.Config
	trees  *fakefs.Source
	logger *slog.Logger
}

// NewFTP builds the handler.
func NewFTP(cfg *config.Config, trees *fakefs.Source, logger *slog.Logger) *FTP {
	return &FTP{cfg: cfg, trees: trees, logger: logger}
}

// Protocol returns the protocol tag.
func (f *FTP) Protocol() string { return model.ProtocolFTP }

// Handshake sends the 220 greeting.
func (f *FTP) Handshake(c *Conn) error {
	banner := corpus.Banner(model.ProtocolFTP, f.cfg.Seed)
	return c.WriteString("220 " + banner + "\r\n")
}

// Shutdown sends the service-closing reply during engine drain.
func (f *FTP) Shutdown(c *Conn) {
	c.WriteString("421 Service not available, closing control connection.\r\n") //nolint:errcheck
}

// ftpStorMax bounds how much of an upload is captured.
const ftpStorMax = 4096

// Run drives greet -> auth -> session.
func (f *FTP) Run(c *Conn) model.CloseReason {
	c.AttachFS(f.trees.Tree(), false)

	var user string
	authed := false
	cwd := "/"

	for {
		line, err := c.ReadLine()
		if err != nil {
			return c.CloseReasonFor(err)
		}
		verb, arg := splitFTP(line)

		switch verb {
		case "USER":
			user = arg
			if err := c.Record("ftp.user", []byte(arg)); err != nil {
				return c.CloseReasonFor(err)
			}
			if err := c.WriteString("331 Please specify the password.\r\n"); err != nil {
				return c.CloseReasonFor(err)
			}
		case "PASS":
			if err := c.Record("ftp.pass", []byte(user+":"+arg)); err != nil {
				return c.CloseReasonFor(err)
			}
			if strings.EqualFold(user, "anonymous") || strings.EqualFold(user, "ftp") {
				if err := c.Record("ftp.anon_login", []byte(user)); err != nil {
					return c.CloseReasonFor(err)
				}
				authed = true
				if err := c.WriteString("230 Login successful.\r\n"); err != nil {
					return c.CloseReasonFor(err)
				}
				break
			}
			// Any non-anonymous pair is also let through; the point is
			// to watch what happens next.
			authed = true
			if err := c.WriteString("230 Login successful.\r\n"); err != nil {
				return c.CloseReasonFor(err)
			}
		case "QUIT":
			if err := c.Record("ftp.quit", nil); err != nil {
				return c.CloseReasonFor(err)
			}
			c.WriteString("221 Goodbye.\r\n") //nolint:errcheck
			return model.CloseClientClosed
		case "SYST":
			if err := c.WriteString("215 UNIX Type: L8\r\n"); err != nil {
				return c.CloseReasonFor(err)
			}
		case "FEAT":
			if err := c.WriteString("211-Features:\r\n UTF8\r\n211 End\r\n"); err != nil {
				return c.CloseReasonFor(err)
			}
		case "TYPE":
			if err := c.WriteString("200 Switching to Binary mode.\r\n"); err != nil {
				return c.CloseReasonFor(err)
			}
		case "PWD":
			if !authed {
				if err := c.WriteString("530 Please login with USER and PASS.\r\n"); err != nil {
					return c.CloseReasonFor(err)
				}
				break
			}
			if err := c.WriteString(fmt.Sprintf("257 \"%s\" is the current directory\r\n", cwd)); err != nil {
				return c.CloseReasonFor(err)
			}
		case "CWD", "CDUP":
			if !authed {
				if err := c.WriteString("530 Please login with USER and PASS.\r\n"); err != nil {
					return c.CloseReasonFor(err)
				}
				break
			}
			target := ".."
			if verb == "CWD" {
				target = arg
			}
			next := resolvePath(cwd, target)
			if err := c.Record("ftp.cwd", []byte(next)); err != nil {
				return c.CloseReasonFor(err)
			}
			if n, ok := c.FS().Stat(next); ok && n.Dir {
				cwd = next
				if err := c.WriteString("250 Directory successfully changed.\r\n"); err != nil {
					return c.CloseReasonFor(err)
				}
			} else if err := c.WriteString("550 Failed to change directory.\r\n"); err != nil {
				return c.CloseReasonFor(err)
			}
		case "LIST", "NLST":
			if !authed {
				if err := c.WriteString("530 Please login with USER and PASS.\r\n"); err != nil {
					return c.CloseReasonFor(err)
				}
				break
			}
			target := cwd
			if arg != "" && !strings.HasPrefix(arg, "-") {
				target = resolvePath(cwd, arg)
			}
			if err := c.Record("ftp.list", []byte(target)); err != nil {
				return c.CloseReasonFor(err)
			}
			if err := f.sendListing(c, target, verb == "LIST"); err != nil {
				return c.CloseReasonFor(err)
			}
		case "RETR":
			if !authed {
				if err := c.WriteString("530 Please login with USER and PASS.\r\n"); err != nil {
					return c.CloseReasonFor(err)
				}
				break
			}
			target := resolvePath(cwd, arg)
			if err := c.Record("ftp.retr", []byte(target)); err != nil {
				return c.CloseReasonFor(err)
			}
			if err := f.sendFile(c, target); err != nil {
				return c.CloseReasonFor(err)
			}
		case "STOR":
			if !authed {
				if err := c.WriteString("530 Please login with USER and PASS.\r\n"); err != nil {
					return c.CloseReasonFor(err)
				}
				break
			}
			target := resolvePath(cwd, arg)
			if err := f.receiveFile(c, target); err != nil {
				return c.CloseReasonFor(err)
			}
		case "PASV", "EPSV", "PORT", "EPRT":
			// Inline transfer mode only; a data channel is never opened.
			if err := c.WriteString("502 Command not implemented.\r\n"); err != nil {
				return c.CloseReasonFor(err)
			}
		default:
			if err := c.WriteString("500 Unknown command.\r\n"); err != nil {
				return c.CloseReasonFor(err)
			}
		}
	}
}

func (f *FTP) sendListing(c *Conn, target string, long bool) error {
	nodes, ok := c.FS().List(target)
	if !ok {
		return c.WriteString("550 Failed to open directory.\r\n")
	}
	if err := c.WriteString("150 Here comes the directory listing.\r\n"); err != nil {
		return err
	}
	for _, n := range nodes {
		if long {
			mode := "-rw-r--r--"
			if n.Dir {
				mode = "drwxr-xr-x"
			}
			line := fmt.Sprintf("%s 1 root root %8d %s %s\r\n",
				mode, n.Size, n.MTime.Format("Jan _2 15:04"), n.Name)
			if err := c.WriteString(line); err != nil {
				return err
			}
		} else if err := c.WriteString(n.Name + "\r\n"); err != nil {
			return err
		}
	}
	return c.WriteString("226 Directory send OK.\r\n")
}

func (f *FTP) sendFile(c *Conn, target string) error {
	data, ok := c.FS().Read(target)
	if !ok {
		return c.WriteString("550 Failed to open file.\r\n")
	}
	if len(data) > ftpStorMax {
		data = data[:ftpStorMax]
	}
	if err := c.WriteString(fmt.Sprintf("150 Opening BINARY mode data connection for %s (%d bytes).\r\n", path.Base(target), len(data))); err != nil {
		return err
	}
	if _, err := c.Write(data); err != nil {
		return err
	}
	return c.WriteString("226 Transfer complete.\r\n")
}

// receiveFile captures up to ftpStorMax bytes of the upload into the
// session overlay and records its hash and size.
func (f *FTP) receiveFile(c *Conn, target string) error {
	if err := c.WriteString("150 Ok to send data.\r\n"); err != nil {
		return err
	}
	buf := make([]byte, ftpStorMax)
	n, err := c.Read(buf)
	if err != nil && n == 0 {
		return err
	}
	data := buf[:n]
	c.FS().Write(target, data)
	sum := sha256.Sum256(data)
	payload := fmt.Sprintf("%s sha256=%s size=%d", target, hex.EncodeToString(sum[:]), len(data))
	if err := c.Record("ftp.stor", []byte(payload)); err != nil {
		return err
	}
	return c.WriteString("226 Transfer complete.\r\n")
}

func splitFTP(line string) (string, string) {
	verb, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}
