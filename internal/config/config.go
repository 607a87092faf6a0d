// Package config loads vpnstate settings from a YAML file, a .env file and
// VPNSTATE_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rsclarke/vpnstate/internal/fetch"
	"github.com/rsclarke/vpnstate/internal/logging"
	"github.com/rsclarke/vpnstate/internal/models"
	"github.com/rsclarke/vpnstate/internal/reconcile"
	"github.com/rsclarke/vpnstate/internal/remote"
	"github.com/rsclarke/vpnstate/internal/retry"
)

// DefaultPath is read when no --config flag or VPNSTATE_CONFIG is given.
const DefaultPath = "vpnstate.yaml"

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

type Config struct {
	DBPath      string   `yaml:"db"`
	Staleness   Duration `yaml:"staleness"`
	Interval    Duration `yaml:"interval"`
	Concurrency int      `yaml:"concurrency"`
	// Retention prunes closed sessions older than this. Zero keeps them.
	Retention Duration `yaml:"retention"`

	Log       LogConfig       `yaml:"log"`
	SSH       SSHConfig       `yaml:"ssh"`
	OpenVPN   OpenVPNConfig   `yaml:"openvpn"`
	WireGuard WireGuardConfig `yaml:"wireguard"`
	Sink      SinkConfig      `yaml:"sink"`
	API       APIConfig       `yaml:"api"`
	Servers   []ServerConfig  `yaml:"servers"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type SSHConfig struct {
	User           string   `yaml:"user"`
	Port           int      `yaml:"port"`
	PrivateKeyPath string   `yaml:"private_key_path"`
	Password       string   `yaml:"password"`
	KnownHosts     string   `yaml:"known_hosts"`
	Timeout        Duration `yaml:"timeout"`
}

type OpenVPNConfig struct {
	StatusPaths []string `yaml:"status_paths"`
	MgmtWait    Duration `yaml:"mgmt_wait"`
	MgmtTimeout Duration `yaml:"mgmt_timeout"`
	Attempts    int      `yaml:"attempts"`
}

type WireGuardConfig struct {
	Interface string `yaml:"interface"`
}

type SinkConfig struct {
	URL     string   `yaml:"url"`
	Token   string   `yaml:"token"`
	Timeout Duration `yaml:"timeout"`
}

type APIConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// ServerConfig seeds a row of the server registry, matched by name.
type ServerConfig struct {
	Name        string `yaml:"name"`
	Address     string `yaml:"address"`
	SSHPort     int    `yaml:"ssh_port"`
	SSHUser     string `yaml:"ssh_user"`
	OpenVPN     bool   `yaml:"openvpn"`
	WireGuard   bool   `yaml:"wireguard"`
	MgmtHost    string `yaml:"mgmt_host"`
	MgmtPort    int    `yaml:"mgmt_port"`
	StatusPath  string `yaml:"status_path"`
	WGInterface string `yaml:"wg_interface"`
	Deployed    *bool  `yaml:"deployed"`
}

// Model converts the entry into a server record. Deployed defaults to true.
func (s ServerConfig) Model() models.Server {
	deployed := true
	if s.Deployed != nil {
		deployed = *s.Deployed
	}
	return models.Server{
		Name:              s.Name,
		Address:           s.Address,
		SSHPort:           s.SSHPort,
		SSHUser:           s.SSHUser,
		SupportsOpenVPN:   s.OpenVPN,
		SupportsWireGuard: s.WireGuard,
		MgmtHost:          s.MgmtHost,
		MgmtPort:          s.MgmtPort,
		StatusPath:        s.StatusPath,
		WGInterface:       s.WGInterface,
		Deployed:          deployed,
	}
}

func Default() *Config {
	fc := fetch.DefaultConfig()
	lc := logging.FromEnv()
	return &Config{
		DBPath:      "vpnstate.db",
		Staleness:   Duration(reconcile.DefaultStaleness),
		Interval:    Duration(60 * time.Second),
		Concurrency: 8,
		Log: LogConfig{
			Level:      lc.Level,
			Format:     lc.Format,
			File:       lc.File,
			MaxSizeMB:  lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
		},
		SSH: SSHConfig{
			User:    "root",
			Port:    22,
			Timeout: Duration(10 * time.Second),
		},
		OpenVPN: OpenVPNConfig{
			StatusPaths: append([]string(nil), fc.StatusPaths...),
			MgmtWait:    Duration(time.Second),
			MgmtTimeout: Duration(5 * time.Second),
			Attempts:    fc.Retry.Attempts,
		},
		WireGuard: WireGuardConfig{Interface: fc.WGInterface},
		Sink:      SinkConfig{Timeout: Duration(10 * time.Second)},
		API:       APIConfig{Addr: "127.0.0.1:8081"},
	}
}

// Load reads .env and the YAML file at path over the defaults, then applies
// environment overrides. An empty path falls back to VPNSTATE_CONFIG and
// then DefaultPath; a missing file is only an error when named explicitly.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	explicit := path != ""
	if path == "" {
		path = os.Getenv("VPNSTATE_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.DBPath = getEnv("VPNSTATE_DB", c.DBPath)
	c.Staleness = getEnvDuration("VPNSTATE_STALENESS", c.Staleness)
	c.Interval = getEnvDuration("VPNSTATE_INTERVAL", c.Interval)
	c.Concurrency = getEnvInt("VPNSTATE_CONCURRENCY", c.Concurrency)
	c.Retention = getEnvDuration("VPNSTATE_RETENTION", c.Retention)

	c.Log.Level = getEnv("VPNSTATE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("VPNSTATE_LOG_FORMAT", c.Log.Format)
	c.Log.File = getEnv("VPNSTATE_LOG_FILE", c.Log.File)

	c.SSH.User = getEnv("VPNSTATE_SSH_USER", c.SSH.User)
	c.SSH.Port = getEnvInt("VPNSTATE_SSH_PORT", c.SSH.Port)
	c.SSH.PrivateKeyPath = getEnv("VPNSTATE_SSH_KEY", c.SSH.PrivateKeyPath)
	c.SSH.Password = getEnv("VPNSTATE_SSH_PASSWORD", c.SSH.Password)
	c.SSH.KnownHosts = getEnv("VPNSTATE_SSH_KNOWN_HOSTS", c.SSH.KnownHosts)

	c.WireGuard.Interface = getEnv("VPNSTATE_WG_INTERFACE", c.WireGuard.Interface)

	c.Sink.URL = getEnv("VPNSTATE_SINK_URL", c.Sink.URL)
	c.Sink.Token = getEnv("VPNSTATE_SINK_TOKEN", c.Sink.Token)

	c.API.Addr = getEnv("VPNSTATE_API_ADDR", c.API.Addr)
	c.API.Token = getEnv("VPNSTATE_API_TOKEN", c.API.Token)
}

// Validate rejects settings the scheduler or fetcher cannot run with.
func (c *Config) Validate() error {
	var problems []string
	if c.DBPath == "" {
		problems = append(problems, "db must be set")
	}
	if c.Staleness <= 0 {
		problems = append(problems, "staleness must be positive")
	}
	if c.Interval <= 0 {
		problems = append(problems, "interval must be positive")
	}
	if c.Concurrency < 1 {
		problems = append(problems, "concurrency must be at least 1")
	}
	if c.Retention < 0 {
		problems = append(problems, "retention must not be negative")
	}
	if c.OpenVPN.Attempts < 1 {
		problems = append(problems, "openvpn.attempts must be at least 1")
	}
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		switch {
		case s.Name == "":
			problems = append(problems, fmt.Sprintf("servers[%d]: name must be set", i))
		case seen[s.Name]:
			problems = append(problems, fmt.Sprintf("servers[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if s.Address == "" {
			problems = append(problems, fmt.Sprintf("servers[%d]: address must be set", i))
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
	}
}

func (c *Config) SSHExecutor() remote.SSHConfig {
	return remote.SSHConfig{
		User:           c.SSH.User,
		Port:           c.SSH.Port,
		PrivateKeyPath: c.SSH.PrivateKeyPath,
		Password:       c.SSH.Password,
		KnownHostsPath: c.SSH.KnownHosts,
		Timeout:        c.SSH.Timeout.D(),
	}
}

func (c *Config) Fetch() fetch.Config {
	fc := fetch.DefaultConfig()
	fc.Retry = retry.Linear(c.OpenVPN.Attempts, c.OpenVPN.MgmtWait.D(), c.OpenVPN.MgmtTimeout.D())
	if len(c.OpenVPN.StatusPaths) > 0 {
		fc.StatusPaths = c.OpenVPN.StatusPaths
	}
	if c.WireGuard.Interface != "" {
		fc.WGInterface = c.WireGuard.Interface
	}
	return fc
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal Duration) Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return Duration(d)
		}
	}
	return defaultVal
}
