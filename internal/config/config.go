package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/danmuck/mailslot/internal/link"
	"github.com/danmuck/mailslot/internal/mailbox"
	"github.com/danmuck/mailslot/internal/protocol/frame"
	"github.com/danmuck/mailslot/internal/protocol/session"
	"github.com/danmuck/mailslot/internal/worker"
)

// Config is the merged runtime configuration for mailslotctl and mailslotd.
type Config struct {
	Name               string
	Address            string
	ListenAddr         string
	AdminAddr          string
	ResponseTimeout    time.Duration
	RecordsPerSecond   float64
	Burst              int
	MaxInFlight        int
	MaxConnectAttempts int
	AuthToken          string
	Session            session.Config
}

func Default() Config {
	return Config{
		Name:               "mailslot",
		Address:            "127.0.0.1:7420",
		ListenAddr:         "127.0.0.1:7420",
		AdminAddr:          "127.0.0.1:7421",
		ResponseTimeout:    30 * time.Second,
		Burst:              1,
		MaxInFlight:        worker.DefaultConfig().MaxInFlight,
		MaxConnectAttempts: 5,
		Session:            session.DefaultConfig(),
	}
}

// fileConfig maps config.toml keys.
type fileConfig struct {
	Name                      string  `toml:"name"`
	Address                   string  `toml:"address"`
	ListenAddr                string  `toml:"listen_addr"`
	AdminAddr                 string  `toml:"admin_addr"`
	ResponseTimeout           string  `toml:"response_timeout"`
	RecordsPerSecond          float64 `toml:"records_per_second"`
	Burst                     int     `toml:"burst"`
	MaxInFlight               int     `toml:"max_in_flight"`
	MaxConnectAttempts        int     `toml:"max_connect_attempts"`
	AuthToken                 string  `toml:"auth_token"`
	SessionSecurityMode       string  `toml:"session_security_mode"`
	SessionTLSEnabled         bool    `toml:"session_tls_enabled"`
	SessionTLSMutual          bool    `toml:"session_tls_mutual"`
	SessionTLSCertFile        string  `toml:"session_tls_cert_file"`
	SessionTLSKeyFile         string  `toml:"session_tls_key_file"`
	SessionTLSCAFile          string  `toml:"session_tls_ca_file"`
	SessionTLSServerName      string  `toml:"session_tls_server_name"`
	SessionInsecureSkipVerify bool    `toml:"session_tls_insecure_skip_verify"`
}

// envOverrides are applied after the file. Unset variables leave fields nil.
type envOverrides struct {
	Address         *string        `env:"MAILSLOT_ADDRESS"`
	ListenAddr      *string        `env:"MAILSLOT_LISTEN_ADDR"`
	AdminAddr       *string        `env:"MAILSLOT_ADMIN_ADDR"`
	ResponseTimeout *time.Duration `env:"MAILSLOT_RESPONSE_TIMEOUT"`
	SecurityMode    *string        `env:"MAILSLOT_SECURITY_MODE"`
	AuthToken       *string        `env:"MAILSLOT_AUTH_TOKEN"`
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		var err error
		cfg, err = loadFile(cfg, path)
		if err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(cfg Config, path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
		}
		return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	if meta.IsDefined("name") {
		cfg.Name = strings.TrimSpace(raw.Name)
	}
	if meta.IsDefined("address") {
		cfg.Address = strings.TrimSpace(raw.Address)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("response_timeout") {
		d, err := parseTimeout(raw.ResponseTimeout)
		if err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): response_timeout: %w", path, err)
		}
		cfg.ResponseTimeout = d
	}
	if meta.IsDefined("records_per_second") {
		cfg.RecordsPerSecond = raw.RecordsPerSecond
	}
	if meta.IsDefined("burst") {
		cfg.Burst = raw.Burst
	}
	if meta.IsDefined("max_in_flight") {
		cfg.MaxInFlight = raw.MaxInFlight
	}
	if meta.IsDefined("max_connect_attempts") {
		cfg.MaxConnectAttempts = raw.MaxConnectAttempts
	}
	if meta.IsDefined("auth_token") {
		cfg.AuthToken = strings.TrimSpace(raw.AuthToken)
	}
	if meta.IsDefined("session_security_mode") {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(raw.SessionSecurityMode))
	}
	if meta.IsDefined("session_tls_enabled") {
		cfg.Session.TLS.Enabled = raw.SessionTLSEnabled
	}
	if meta.IsDefined("session_tls_mutual") {
		cfg.Session.TLS.Mutual = raw.SessionTLSMutual
	}
	if meta.IsDefined("session_tls_cert_file") {
		cfg.Session.TLS.CertFile = strings.TrimSpace(raw.SessionTLSCertFile)
	}
	if meta.IsDefined("session_tls_key_file") {
		cfg.Session.TLS.KeyFile = strings.TrimSpace(raw.SessionTLSKeyFile)
	}
	if meta.IsDefined("session_tls_ca_file") {
		cfg.Session.TLS.CAFile = strings.TrimSpace(raw.SessionTLSCAFile)
	}
	if meta.IsDefined("session_tls_server_name") {
		cfg.Session.TLS.ServerName = strings.TrimSpace(raw.SessionTLSServerName)
	}
	if meta.IsDefined("session_tls_insecure_skip_verify") {
		cfg.Session.TLS.InsecureSkipVerify = raw.SessionInsecureSkipVerify
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("config env overrides: %w", err)
	}
	if o.Address != nil {
		cfg.Address = strings.TrimSpace(*o.Address)
	}
	if o.ListenAddr != nil {
		cfg.ListenAddr = strings.TrimSpace(*o.ListenAddr)
	}
	if o.AdminAddr != nil {
		cfg.AdminAddr = strings.TrimSpace(*o.AdminAddr)
	}
	if o.ResponseTimeout != nil {
		cfg.ResponseTimeout = *o.ResponseTimeout
	}
	if o.AuthToken != nil {
		cfg.AuthToken = strings.TrimSpace(*o.AuthToken)
	}
	if o.SecurityMode != nil {
		cfg.Session.SecurityMode = session.SecurityMode(strings.TrimSpace(*o.SecurityMode))
	}
	return nil
}

// parseTimeout accepts a Go duration or "none".
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "none") {
		return 0, nil
	}
	return time.ParseDuration(raw)
}

func (c Config) Validate() error {
	if c.ResponseTimeout < 0 {
		return fmt.Errorf("config: response_timeout must not be negative")
	}
	if c.RecordsPerSecond < 0 {
		return fmt.Errorf("config: records_per_second must not be negative")
	}
	if c.MaxInFlight < 0 || c.MaxConnectAttempts < 0 || c.Burst < 0 {
		return fmt.Errorf("config: max_in_flight, max_connect_attempts and burst must not be negative")
	}
	if limit := frame.DefaultLimits().MaxAuthBytes; uint64(len(c.AuthToken)) > limit {
		return fmt.Errorf("config: auth_token longer than %d bytes", limit)
	}
	return nil
}

// Timeout is the response wait bound; zero means wait indefinitely.
func (c Config) Timeout() mailbox.Timeout {
	if c.ResponseTimeout <= 0 {
		return mailbox.NoTimeout()
	}
	return mailbox.After(c.ResponseTimeout)
}

func (c Config) LinkConfig() link.Config {
	out := link.DefaultConfig()
	out.Name = c.Name
	out.Address = c.Address
	out.Session = c.Session
	out.MaxConnectAttempts = c.MaxConnectAttempts
	out.RecordsPerSecond = c.RecordsPerSecond
	out.AuthToken = c.AuthToken
	if c.Burst > 0 {
		out.Burst = c.Burst
	}
	return out
}

func (c Config) WorkerConfig() worker.Config {
	out := worker.DefaultConfig()
	out.ListenAddr = c.ListenAddr
	out.Session = c.Session
	out.AuthToken = c.AuthToken
	if c.MaxInFlight > 0 {
		out.MaxInFlight = c.MaxInFlight
	}
	return out
}
