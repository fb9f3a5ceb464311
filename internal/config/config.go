package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sgerhart/trapline/internal/model"
)

// Binding configures one protocol listener.
type Binding struct {
	Addr    string `yaml:"addr"`
	Port    int    `yaml:"port"`
	Enabled bool   `yaml:"enabled"`
}

// LureCredential is a (username, password) pair the honeypots accept.
type LureCredential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Caps bounds concurrency and per-session resource use.
type Caps struct {
	PerOrigin         int `yaml:"per_origin"`
	Global            int `yaml:"global"`
	ActionsPerSession int `yaml:"actions_per_session"`
	PayloadBytes      int `yaml:"payload_bytes"`
}

// Timeouts holds session and shutdown deadlines in milliseconds.
type Timeouts struct {
	IdleMS  int `yaml:"idle_ms"`
	HardMS  int `yaml:"hard_ms"`
	DrainMS int `yaml:"drain_ms"`
}

// Lures configures the deception surface.
type Lures struct {
	Credentials []LureCredential `yaml:"credentials"`
	Filesystem  string           `yaml:"filesystem"`
}

// SSHOptions tunes the SSH auth state machine.
type SSHOptions struct {
	MinAttempts int `yaml:"min_attempts"`
	MaxAttempts int `yaml:"max_attempts"`
}

// Config is the single declarative configuration record. Populated once
// at startup; only the classifier rules and lure tables are reloadable.
type Config struct {
	Bindings   map[string]Binding `yaml:"bindings"`
	Caps       Caps               `yaml:"caps"`
	Timeouts   Timeouts           `yaml:"timeouts"`
	Lures      Lures              `yaml:"lures"`
	SSH        SSHOptions         `yaml:"ssh"`
	Classifier struct {
		Rules string `yaml:"rules"`
	} `yaml:"classifier"`
	Bus struct {
		URL string `yaml:"url"`
	} `yaml:"bus"`
	Store struct {
		URL string `yaml:"url"`
	} `yaml:"store"`
	Seed      string             `yaml:"seed"`
	Suspicion map[string]float64 `yaml:"suspicion"`
	HTTPAddr  string             `yaml:"http_addr"`

	lureMu sync.RWMutex
}

// Default returns a Config carrying the documented defaults.
func Default() *Config {
	cfg := &Config{
		Bindings: map[string]Binding{
			model.ProtocolSSH:    {Addr: "0.0.0.0", Port: 2222, Enabled: true},
			model.ProtocolFTP:    {Addr: "0.0.0.0", Port: 2121, Enabled: true},
			model.ProtocolHTTP:   {Addr: "0.0.0.0", Port: 8080, Enabled: true},
			model.ProtocolHTTPS:  {Addr: "0.0.0.0", Port: 8443, Enabled: false},
			model.ProtocolMySQL:  {Addr: "0.0.0.0", Port: 3307, Enabled: true},
			model.ProtocolSMB:    {Addr: "0.0.0.0", Port: 4450, Enabled: false},
			model.ProtocolModbus: {Addr: "0.0.0.0", Port: 5020, Enabled: false},
		},
		Caps: Caps{
			PerOrigin:         16,
			Global:            4096,
			ActionsPerSession: 5000,
			PayloadBytes:      4096,
		},
		Timeouts: Timeouts{
			IdleMS:  120_000,
			HardMS:  1_800_000,
			DrainMS: 10_000,
		},
		SSH: SSHOptions{
			MinAttempts: 3,
			MaxAttempts: 12,
		},
		Seed:      "trapline",
		Suspicion: map[string]float64{},
		HTTPAddr:  ":9090",
	}
	cfg.Bus.URL = "memory://"
	cfg.Store.URL = "memory://"
	for kind, delta := range defaultSuspicion {
		cfg.Suspicion[kind] = delta
	}
	return cfg
}

// Load reads the configuration file at path, layering it over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.Bindings) == 0 {
		return fmt.Errorf("config: no bindings defined")
	}
	enabled := 0
	for proto, b := range c.Bindings {
		if !b.Enabled {
			continue
		}
		enabled++
		if b.Port <= 0 || b.Port > 65535 {
			return fmt.Errorf("config: binding %s has invalid port %d", proto, b.Port)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config: all bindings disabled")
	}
	if c.Caps.PerOrigin <= 0 || c.Caps.Global <= 0 {
		return fmt.Errorf("config: caps must be positive (per_origin=%d global=%d)", c.Caps.PerOrigin, c.Caps.Global)
	}
	if c.Caps.PerOrigin > c.Caps.Global {
		return fmt.Errorf("config: per_origin cap %d exceeds global cap %d", c.Caps.PerOrigin, c.Caps.Global)
	}
	if c.Caps.PayloadBytes <= 0 {
		return fmt.Errorf("config: payload_bytes must be positive")
	}
	if c.Timeouts.IdleMS <= 0 || c.Timeouts.HardMS <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.SSH.MinAttempts < 0 || c.SSH.MaxAttempts <= c.SSH.MinAttempts {
		return fmt.Errorf("config: ssh max_attempts %d must exceed min_attempts %d", c.SSH.MaxAttempts, c.SSH.MinAttempts)
	}
	if c.Bus.URL == "" || c.Store.URL == "" {
		return fmt.Errorf("config: bus.url and store.url are required")
	}
	return nil
}

// IdleTimeout returns the per-session idle limit.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.Timeouts.IdleMS) * time.Millisecond
}

// HardTimeout returns the per-session wall-clock limit.
func (c *Config) HardTimeout() time.Duration {
	return time.Duration(c.Timeouts.HardMS) * time.Millisecond
}

// DrainTimeout returns the shutdown drain budget.
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Timeouts.DrainMS) * time.Millisecond
}

// SuspicionDelta returns the configured suspicion increment for an
// action kind. Unknown kinds contribute nothing.
func (c *Config) SuspicionDelta(kind string) float64 {
	return c.Suspicion[kind]
}

// LureCredentials returns the accepted credential pairs. Guarded so a
// HUP reload can swap the set under live sessions.
func (c *Config) LureCredentials() []LureCredential {
	c.lureMu.RLock()
	defer c.lureMu.RUnlock()
	out := make([]LureCredential, len(c.Lures.Credentials))
	copy(out, c.Lures.Credentials)
	return out
}

// SetLureCredentials replaces the accepted credential pairs.
func (c *Config) SetLureCredentials(creds []LureCredential) {
	c.lureMu.Lock()
	c.Lures.Credentials = append([]LureCredential(nil), creds...)
	c.lureMu.Unlock()
}

// defaultSuspicion maps action kinds to deterministic suspicion
// increments. Handlers never compute scores themselves.
var defaultSuspicion = map[string]float64{
	"ssh.banner_sent":          0.0,
	"ssh.auth_attempt":         0.05,
	"ssh.auth_success":         0.10,
	"ssh.command":              0.05,
	"ssh.exfil_attempt":        0.30,
	"ssh.protocol_error":       0.10,
	"ftp.user":                 0.02,
	"ftp.pass":                 0.05,
	"ftp.anon_login":           0.10,
	"ftp.list":                 0.02,
	"ftp.cwd":                  0.02,
	"ftp.retr":                 0.10,
	"ftp.stor":                 0.20,
	"ftp.quit":                 0.0,
	"ftp.protocol_error":       0.10,
	"http.request":             0.02,
	"http.injection_attempt":   0.40,
	"http.protocol_error":      0.10,
	"mysql.greeting":           0.0,
	"mysql.auth_attempt":       0.05,
	"mysql.query":              0.05,
	"mysql.protocol_error":     0.10,
	"smb.negotiate":            0.02,
	"smb.session_setup":        0.05,
	"smb.tree_connect":         0.05,
	"smb.open":                 0.05,
	"smb.read":                 0.05,
	"smb.write":                0.10,
	"smb.rename":               0.10,
	"smb.ransomware_behavior":  0.60,
	"smb.protocol_error":       0.10,
	"modbus.fc1":               0.05,
	"modbus.fc3":               0.05,
	"modbus.fc4":               0.05,
	"modbus.fc6":               0.15,
	"modbus.protocol_error":    0.10,
	"lure.access":              0.50,
}
