package protocols

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/sgerhart/trapline/internal/config"
	"github.com/sgerhart/trapline/internal/corpus"
	"github.com/sgerhart/trapline/internal/fakefs"
	"github.com/sgerhart/trapline/internal/model"
)

// SSH emulates an SSH service: banner, a discarded key-exchange
// placeholder, password auth that rewards brute force, and a fake
// shell backed by the deception filesystem. Deliberately not a real
// SSH transport; the dialogue is plaintext and exists to elicit
// characteristic attacker behaviour.
type SSH struct {
	cfg    *config.Config
	trees  *fakefs.Source
	logger *slog.Logger
}

// NewSSH builds the handler.
func NewSSH(cfg *config.Config, trees *fakefs.Source, logger *slog.Logger) *SSH {
	return &SSH{cfg: cfg, trees: trees, logger: logger}
}

// Protocol returns the protocol tag.
func (s *SSH) Protocol() string { return model.ProtocolSSH }

// kexMaxBytes bounds how much key-exchange payload we discard before
// falling through to the auth prompt.
const kexMaxBytes = 2048

// Handshake sends the version banner.
func (s *SSH) Handshake(c *Conn) error {
	banner := corpus.Banner(model.ProtocolSSH, s.cfg.Seed)
	if err := c.WriteString(banner + "\r\n"); err != nil {
		return err
	}
	return c.Record("ssh.banner_sent", []byte(banner))
}

// Run drives banner -> kex-placeholder -> auth -> shell.
func (s *SSH) Run(c *Conn) model.CloseReason {
	c.AttachFS(s.trees.Tree(), false)

	// Client identification line.
	line, err := c.ReadLine()
	if err != nil {
		return c.CloseReasonFor(err)
	}
	if err := c.Record("ssh.client_banner", []byte(line)); err != nil {
		return c.CloseReasonFor(err)
	}

	// Key-exchange placeholder: binary payload already in flight is
	// read and discarded, never parsed.
	if err := s.discardKex(c); err != nil {
		return c.CloseReasonFor(err)
	}

	user, reason, err := s.auth(c)
	if err != nil || reason != "" {
		if reason != "" {
			return reason
		}
		return c.CloseReasonFor(err)
	}

	return s.shell(c, user)
}

// Shutdown flushes the goodbye line during engine drain.
func (s *SSH) Shutdown(c *Conn) {
	c.WriteString("Connection to host closed.\r\n") //nolint:errcheck
}

func (s *SSH) discardKex(c *Conn) error {
	buf := make([]byte, 256)
	discarded := 0
	for discarded < kexMaxBytes {
		if c.brBuffered() == 0 {
			return nil
		}
		n, err := c.Read(buf)
		discarded += n
		if err != nil {
			return err
		}
	}
	return nil
}

// auth runs the credential loop. A lure pair is accepted only after
// the minimum number of failures, to reward brute force; exceeding the
// attempt limit closes the session with policy-cap.
func (s *SSH) auth(c *Conn) (string, model.CloseReason, error) {
	failures := 0
	for attempt := 1; attempt <= s.cfg.SSH.MaxAttempts; attempt++ {
		if err := c.WriteString("login: "); err != nil {
			return "", "", err
		}
		user, err := c.ReadLine()
		if err != nil {
			return "", "", err
		}
		if err := c.WriteString("Password: "); err != nil {
			return "", "", err
		}
		pass, err := c.ReadLine()
		if err != nil {
			return "", "", err
		}
		if err := c.Record("ssh.auth_attempt", []byte(user+":"+pass)); err != nil {
			return "", "", err
		}
		if failures >= s.cfg.SSH.MinAttempts && s.lureMatch(user, pass) {
			if err := c.Record("ssh.auth_success", []byte(user)); err != nil {
				return "", "", err
			}
			host := corpus.Hostname(s.cfg.Seed)
			c.WriteString(fmt.Sprintf("Last login: Mon Nov  4 08:55:01 2024 from 10.0.1.9\r\nWelcome to %s\r\n", host)) //nolint:errcheck
			return user, "", nil
		}
		failures++
		c.WriteString("Permission denied, please try again.\r\n") //nolint:errcheck
	}
	return "", model.ClosePolicyCap, nil
}

func (s *SSH) lureMatch(user, pass string) bool {
	for _, cred := range s.cfg.LureCredentials() {
		if cred.Username == user && cred.Password == pass {
			return true
		}
	}
	return false
}

// shell reads line-delimited commands until the client leaves.
func (s *SSH) shell(c *Conn, user string) model.CloseReason {
	host := corpus.Hostname(s.cfg.Seed)
	cwd := "/root"
	if user != "root" {
		cwd = "/home/" + user
	}
	prompt := fmt.Sprintf("%s@%s:%s# ", user, host, promptPath(cwd))

	for {
		if err := c.WriteString(prompt); err != nil {
			return c.CloseReasonFor(err)
		}
		line, err := c.ReadLine()
		if err != nil {
			return c.CloseReasonFor(err)
		}
		cmd := strings.TrimSpace(line)
		if cmd == "" {
			continue
		}
		if err := c.Record("ssh.command", []byte(cmd)); err != nil {
			return c.CloseReasonFor(err)
		}
		if cmd == "exit" || cmd == "logout" {
			c.WriteString("logout\r\n") //nolint:errcheck
			return model.CloseClientClosed
		}
		out, exfil := s.dispatch(c, cmd, user, host, &cwd)
		if exfil {
			if err := c.Record("ssh.exfil_attempt", []byte(cmd)); err != nil {
				return c.CloseReasonFor(err)
			}
		}
		if out != "" {
			if err := c.WriteString(strings.ReplaceAll(out, "\n", "\r\n") + "\r\n"); err != nil {
				return c.CloseReasonFor(err)
			}
		}
		prompt = fmt.Sprintf("%s@%s:%s# ", user, host, promptPath(cwd))
	}
}

// dispatch produces the reply for one shell command. The second return
// flags exfiltration tooling.
func (s *SSH) dispatch(c *Conn, cmd, user, host string, cwd *string) (string, bool) {
	fields := strings.Fields(cmd)
	name := fields[0]
	args := fields[1:]

	switch name {
	case "scp", "wget", "curl", "rsync", "ftp", "tftp", "nc":
		return exfilFailure(name), true
	case "whoami":
		return user, false
	case "id":
		if user == "root" {
			return "uid=0(root) gid=0(root) groups=0(root)", false
		}
		return fmt.Sprintf("uid=1000(%s) gid=1000(%s) groups=1000(%s),27(sudo)", user, user, user), false
	case "hostname":
		return host, false
	case "pwd":
		return *cwd, false
	case "uname":
		if len(args) > 0 && args[0] == "-a" {
			return fmt.Sprintf("Linux %s 5.15.0-91-generic #101-Ubuntu SMP x86_64 x86_64 x86_64 GNU/Linux", host), false
		}
		return "Linux", false
	case "ps":
		return "  PID TTY          TIME CMD\n  612 ?        00:00:04 sshd\n 1044 ?        00:12:11 mysqld\n 9901 pts/0    00:00:00 bash\n 9912 pts/0    00:00:00 ps", false
	case "netstat":
		return "Proto Recv-Q Send-Q Local Address   Foreign Address   State\ntcp        0      0 0.0.0.0:22      0.0.0.0:*         LISTEN\ntcp        0      0 0.0.0.0:80      0.0.0.0:*         LISTEN\ntcp        0      0 0.0.0.0:3306    0.0.0.0:*         LISTEN", false
	case "cd":
		target := "/root"
		if len(args) > 0 {
			target = resolvePath(*cwd, args[0])
		}
		if n, ok := c.FS().Stat(target); ok && n.Dir {
			*cwd = target
			return "", false
		}
		return fmt.Sprintf("-bash: cd: %s: No such file or directory", argOr(args, 0, "~")), false
	case "ls":
		target := *cwd
		if len(args) > 0 && !strings.HasPrefix(args[len(args)-1], "-") {
			target = resolvePath(*cwd, args[len(args)-1])
		}
		return s.listDir(c, target), false
	case "cat", "less", "more", "head", "tail", "strings":
		if len(args) == 0 {
			return "", false
		}
		target := resolvePath(*cwd, args[len(args)-1])
		if data, ok := c.FS().Read(target); ok {
			return strings.TrimRight(string(data), "\n"), false
		}
		return fmt.Sprintf("%s: %s: No such file or directory", name, args[len(args)-1]), false
	case "echo":
		return strings.Join(args, " "), false
	case "history":
		return "    1  ls -la\n    2  cat credentials.txt\n    3  mysql -u root -p production\n    4  crontab -l", false
	case "sudo":
		if len(args) > 0 {
			inner, exfil := s.dispatch(c, strings.Join(args, " "), "root", host, cwd)
			return inner, exfil
		}
		return "usage: sudo -h | -K | -k | -V", false
	}
	return name + ": command not found", false
}

func (s *SSH) listDir(c *Conn, target string) string {
	nodes, ok := c.FS().List(target)
	if !ok {
		if _, isFile := c.FS().Stat(target); isFile {
			return path.Base(target)
		}
		return fmt.Sprintf("ls: cannot access '%s': No such file or directory", target)
	}
	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}
	sort.Strings(names)
	return strings.Join(names, "  ")
}

func exfilFailure(tool string) string {
	switch tool {
	case "wget", "curl":
		return tool + ": unable to resolve host address: Temporary failure in name resolution"
	case "scp", "rsync":
		return "ssh: connect to host port 22: Network is unreachable"
	default:
		return tool + ": connection timed out"
	}
}

func resolvePath(cwd, p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	if p == "~" {
		return "/root"
	}
	return path.Clean(path.Join(cwd, p))
}

func promptPath(cwd string) string {
	if cwd == "/root" {
		return "~"
	}
	return cwd
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}
