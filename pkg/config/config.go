package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Address string `yaml:"address"`
		Port    int    `yaml:"port"`
		TLS     struct {
			CertFile string `yaml:"cert_file"`
			KeyFile  string `yaml:"key_file"`
		} `yaml:"tls"`
	} `yaml:"server"`
	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`
	Session struct {
		// QueueDepth is the bounded per-subscriber outbound queue; a
		// subscriber that lets it fill up is disconnected.
		QueueDepth int `yaml:"queue_depth"`
		// ReplayChunk caps the number of events per replay message.
		ReplayChunk int `yaml:"replay_chunk"`
		// MaxPayload bounds a single inbound event payload, in bytes.
		MaxPayload int64 `yaml:"max_payload"`
		RateLimit  struct {
			RPS   float64 `yaml:"rps"`
			Burst int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"session"`
	Snapshot struct {
		Enabled bool   `yaml:"enabled"`
		Cron    string `yaml:"cron"`
		// Threshold is the number of events past the last snapshot that
		// triggers compaction of a branch.
		Threshold int `yaml:"threshold"`
		// Prune deletes individual event records once a snapshot covers them.
		Prune bool `yaml:"prune"`
	} `yaml:"snapshot"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Defaults used when the config file and environment leave a value unset.
const (
	DefaultQueueDepth  = 256
	DefaultReplayChunk = 128
	DefaultMaxPayload  = 1 << 20
	DefaultSnapThresh  = 100
	DefaultSnapCron    = "*/5 * * * *"
)

// Addr returns host:port for the listener.
func (c *Config) Addr() string {
	addr := c.Server.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	p := c.Server.Port
	if p == 0 {
		p = 31013
	}
	return fmt.Sprintf("%s:%d", addr, p)
}

// TLSEnabled reports whether both a certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.Server.TLS.CertFile != "" && c.Server.TLS.KeyFile != ""
}

// ApplyDefaults fills zero values with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.Session.QueueDepth <= 0 {
		c.Session.QueueDepth = DefaultQueueDepth
	}
	if c.Session.ReplayChunk <= 0 {
		c.Session.ReplayChunk = DefaultReplayChunk
	}
	if c.Session.MaxPayload <= 0 {
		c.Session.MaxPayload = DefaultMaxPayload
	}
	if c.Snapshot.Threshold <= 0 {
		c.Snapshot.Threshold = DefaultSnapThresh
	}
	if c.Snapshot.Cron == "" {
		c.Snapshot.Cron = DefaultSnapCron
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseCommandFlags defines and parses command-line flags and returns their
// values along with a map indicating which flags were explicitly set.
func ParseCommandFlags() (addr string, dbPath string, cfgPath string, setFlags map[string]bool) {
	addrPtr := flag.String("addr", ":31013", "listen address")
	dbPtr := flag.String("db", "./.database", "Pebble DB path")
	cfgPtr := flag.String("config", "./config.yaml", "Path to config file")
	flag.Parse()
	setFlags = map[string]bool{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = true })
	return *addrPtr, *dbPtr, *cfgPtr, setFlags
}

// LoadEnvOverrides applies environment overrides onto the provided cfg and
// reports whether any env vars were used.
func LoadEnvOverrides(cfg *Config) bool {
	envUsed := false

	if v := os.Getenv("IDACONNECT_ADDR"); v != "" {
		envUsed = true
		if h, p, err := net.SplitHostPort(v); err == nil {
			cfg.Server.Address = h
			if pi, err := strconv.Atoi(p); err == nil {
				cfg.Server.Port = pi
			}
		} else {
			cfg.Server.Address = v
		}
	}
	if v := os.Getenv("IDACONNECT_DB_PATH"); v != "" {
		envUsed = true
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("IDACONNECT_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Session.QueueDepth = n
		}
	}
	if v := os.Getenv("IDACONNECT_RATE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			envUsed = true
			cfg.Session.RateLimit.RPS = f
		}
	}
	if v := os.Getenv("IDACONNECT_RATE_BURST"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Session.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("IDACONNECT_SNAPSHOT_CRON"); v != "" {
		envUsed = true
		cfg.Snapshot.Cron = v
	}
	if v := os.Getenv("IDACONNECT_SNAPSHOT_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			envUsed = true
			cfg.Snapshot.Threshold = n
		}
	}
	if c := os.Getenv("IDACONNECT_TLS_CERT"); c != "" {
		envUsed = true
		cfg.Server.TLS.CertFile = c
	}
	if k := os.Getenv("IDACONNECT_TLS_KEY"); k != "" {
		envUsed = true
		cfg.Server.TLS.KeyFile = k
	}
	if v := os.Getenv("IDACONNECT_LOG_LEVEL"); v != "" {
		envUsed = true
		cfg.Logging.Level = v
	}
	return envUsed
}

// LoadEffective loads config from the given path (file) and applies
// environment overrides and defaults. A missing file is not an error; env
// and defaults still apply.
func LoadEffective(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err != nil {
		cfg = &Config{}
	}
	envUsed := LoadEnvOverrides(cfg)
	cfg.ApplyDefaults()
	return cfg, envUsed, nil
}

// ResolveConfigPath decides the config file path using the flag-provided value
// and the environment variable `IDACONNECT_CONFIG` when the flag was not set.
func ResolveConfigPath(flagPath string, flagSet bool) string {
	if flagSet {
		return flagPath
	}
	if p := os.Getenv("IDACONNECT_CONFIG"); p != "" {
		return p
	}
	return flagPath
}
