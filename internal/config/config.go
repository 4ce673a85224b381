package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration.
type Config struct {
	HTTPAddr  string `yaml:"httpAddr"`
	RelayPath string `yaml:"relayPath"`

	// DatabaseURL selects postgres storage. Empty keeps sessions in memory.
	DatabaseURL string `yaml:"databaseURL"`
	// RedisAddr enables cross-instance update fan-out.
	RedisAddr string `yaml:"redisAddr"`
	// BoltPath stores document snapshots locally when no database is set.
	BoltPath string `yaml:"boltPath"`

	MaxSessions        int           `yaml:"maxSessions"`
	SessionTTL         time.Duration `yaml:"sessionTTL"`
	GCInterval         time.Duration `yaml:"gcInterval"`
	GCBatchSize        int           `yaml:"gcBatchSize"`
	ParticipantTimeout time.Duration `yaml:"participantTimeout"`

	NATProbeTimeout  time.Duration `yaml:"natProbeTimeout"`
	HolePunchTimeout time.Duration `yaml:"holePunchTimeout"`
	DialTimeout      time.Duration `yaml:"dialTimeout"`
	STUNServers      []string      `yaml:"stunServers"`

	RelayBandwidthLimit int64    `yaml:"relayBandwidthLimit"`
	RelayAllowedOrigins []string `yaml:"relayAllowedOrigins"`

	LogLevel string `yaml:"logLevel"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		HTTPAddr:            "0.0.0.0:8080",
		RelayPath:           "/v1/relay",
		MaxSessions:         10000,
		SessionTTL:          time.Hour,
		GCInterval:          60 * time.Second,
		GCBatchSize:         1000,
		ParticipantTimeout:  5 * time.Minute,
		NATProbeTimeout:     5 * time.Second,
		HolePunchTimeout:    10 * time.Second,
		DialTimeout:         5 * time.Second,
		STUNServers:         []string{"stun.l.google.com:19302"},
		RelayBandwidthLimit: 10 << 20,
		LogLevel:            "info",
	}
}

// Load reads the YAML file named by MULTIEDIT_CONFIG, if any, then applies
// environment overrides.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("MULTIEDIT_CONFIG")); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var parsed Config
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	merge(cfg, parsed)
	return nil
}

func merge(dst *Config, src Config) {
	if src.HTTPAddr != "" {
		dst.HTTPAddr = src.HTTPAddr
	}
	if src.RelayPath != "" {
		dst.RelayPath = src.RelayPath
	}
	if src.DatabaseURL != "" {
		dst.DatabaseURL = src.DatabaseURL
	}
	if src.RedisAddr != "" {
		dst.RedisAddr = src.RedisAddr
	}
	if src.BoltPath != "" {
		dst.BoltPath = src.BoltPath
	}
	if src.MaxSessions != 0 {
		dst.MaxSessions = src.MaxSessions
	}
	if src.SessionTTL != 0 {
		dst.SessionTTL = src.SessionTTL
	}
	if src.GCInterval != 0 {
		dst.GCInterval = src.GCInterval
	}
	if src.GCBatchSize != 0 {
		dst.GCBatchSize = src.GCBatchSize
	}
	if src.ParticipantTimeout != 0 {
		dst.ParticipantTimeout = src.ParticipantTimeout
	}
	if src.NATProbeTimeout != 0 {
		dst.NATProbeTimeout = src.NATProbeTimeout
	}
	if src.HolePunchTimeout != 0 {
		dst.HolePunchTimeout = src.HolePunchTimeout
	}
	if src.DialTimeout != 0 {
		dst.DialTimeout = src.DialTimeout
	}
	if src.STUNServers != nil {
		dst.STUNServers = src.STUNServers
	}
	if src.RelayBandwidthLimit != 0 {
		dst.RelayBandwidthLimit = src.RelayBandwidthLimit
	}
	if src.RelayAllowedOrigins != nil {
		dst.RelayAllowedOrigins = src.RelayAllowedOrigins
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

func applyEnv(cfg *Config) {
	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.RelayPath = getenv("RELAY_PATH", cfg.RelayPath)
	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	if cfg.DatabaseURL == "" && os.Getenv("POSTGRES_HOST") != "" {
		user := getenv("POSTGRES_USER", "multiedit")
		pass := getenv("POSTGRES_PASSWORD", "multiedit")
		db := getenv("POSTGRES_DB", "multiedit")
		host := os.Getenv("POSTGRES_HOST")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		cfg.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	cfg.RedisAddr = getenv("REDIS_ADDR", cfg.RedisAddr)
	cfg.BoltPath = getenv("BOLT_PATH", cfg.BoltPath)

	cfg.MaxSessions = parseInt(os.Getenv("MAX_SESSIONS"), cfg.MaxSessions)
	cfg.SessionTTL = parseDuration(os.Getenv("SESSION_TTL"), cfg.SessionTTL)
	cfg.GCInterval = parseDuration(os.Getenv("GC_INTERVAL"), cfg.GCInterval)
	cfg.GCBatchSize = parseInt(os.Getenv("GC_BATCH_SIZE"), cfg.GCBatchSize)
	cfg.ParticipantTimeout = parseDuration(os.Getenv("PARTICIPANT_TIMEOUT"), cfg.ParticipantTimeout)

	cfg.NATProbeTimeout = parseDuration(os.Getenv("NAT_PROBE_TIMEOUT"), cfg.NATProbeTimeout)
	cfg.HolePunchTimeout = parseDuration(os.Getenv("HOLE_PUNCH_TIMEOUT"), cfg.HolePunchTimeout)
	cfg.DialTimeout = parseDuration(os.Getenv("DIAL_TIMEOUT"), cfg.DialTimeout)
	cfg.STUNServers = parseList(os.Getenv("STUN_SERVERS"), cfg.STUNServers)

	cfg.RelayBandwidthLimit = int64(parseInt(os.Getenv("RELAY_BANDWIDTH_LIMIT"), int(cfg.RelayBandwidthLimit)))
	cfg.RelayAllowedOrigins = parseList(os.Getenv("RELAY_ALLOWED_ORIGINS"), cfg.RelayAllowedOrigins)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTPAddr == "" {
		errs = append(errs, errors.New("http address is required"))
	}
	if !strings.HasPrefix(c.RelayPath, "/") {
		errs = append(errs, fmt.Errorf("relay path %q must start with /", c.RelayPath))
	}
	if c.MaxSessions <= 0 {
		errs = append(errs, errors.New("max sessions must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.GCInterval <= 0 {
		errs = append(errs, errors.New("gc interval must be positive"))
	}
	if c.GCBatchSize <= 0 {
		errs = append(errs, errors.New("gc batch size must be positive"))
	}
	if c.RelayBandwidthLimit < 0 {
		errs = append(errs, errors.New("relay bandwidth limit must not be negative"))
	}
	return errors.Join(errs...)
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseInt(val string, def int) int {
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return n
}

func parseList(val string, def []string) []string {
	if strings.TrimSpace(val) == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
