package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText parses human readable duration strings.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for settlementd. MaxConnections caps
// concurrently accepted HTTP connections.
type Config struct {
	ListenAddress  string          `yaml:"listen" toml:"listen"`
	MaxConnections int             `yaml:"max_connections" toml:"max_connections"`
	Environment    string          `yaml:"env" toml:"env"`
	Log            LogConfig       `yaml:"log" toml:"log"`
	Database       DatabaseConfig  `yaml:"database" toml:"database"`
	Chain          ChainConfig     `yaml:"chain" toml:"chain"`
	Tokens         TokenConfig     `yaml:"tokens" toml:"tokens"`
	Payments       PaymentsConfig  `yaml:"payments" toml:"payments"`
	Lock           LockConfig      `yaml:"lock" toml:"lock"`
	Auth           AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Recon          ReconConfig     `yaml:"recon" toml:"recon"`
	Telemetry      TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// LogConfig controls log level and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
}

// DatabaseConfig selects the ledger backend. Path is a sqlite file; DSN
// overrides it and is required for postgres. HoldsPath is the local bbolt
// file recording intents held after a failed journal write.
type DatabaseConfig struct {
	Driver    string `yaml:"driver" toml:"driver"`
	DSN       string `yaml:"dsn" toml:"dsn"`
	DSNEnv    string `yaml:"dsn_env" toml:"dsn_env"`
	Path      string `yaml:"path" toml:"path"`
	HoldsPath string `yaml:"holds_path" toml:"holds_path"`
	Verbose   bool   `yaml:"verbose" toml:"verbose"`
}

// ChainConfig describes the settlement chain and its contracts.
type ChainConfig struct {
	RPCURL            string   `yaml:"rpc_url" toml:"rpc_url"`
	Custodian         string   `yaml:"custodian" toml:"custodian"`
	TradeContract     string   `yaml:"trade_contract" toml:"trade_contract"`
	NativeToken       string   `yaml:"native_token" toml:"native_token"`
	StableToken       string   `yaml:"stable_token" toml:"stable_token"`
	GasLimit          uint64   `yaml:"gas_limit" toml:"gas_limit"`
	GasSafetyFactor   int64    `yaml:"gas_safety_factor" toml:"gas_safety_factor"`
	ReceiptTimeout    Duration `yaml:"receipt_timeout" toml:"receipt_timeout"`
	PollInterval      Duration `yaml:"poll_interval" toml:"poll_interval"`
	RequestsPerSecond float64  `yaml:"requests_per_second" toml:"requests_per_second"`
	ReadRetries       int      `yaml:"read_retries" toml:"read_retries"`
}

// TokenConfig names the pool's token symbols.
type TokenConfig struct {
	Native string `yaml:"native" toml:"native"`
	Stable string `yaml:"stable" toml:"stable"`
}

// PaymentsConfig configures the card processor. The fiat bridge is disabled
// when no secret key resolves.
type PaymentsConfig struct {
	SecretKey     string `yaml:"secret_key" toml:"secret_key"`
	SecretKeyEnv  string `yaml:"secret_key_env" toml:"secret_key_env"`
	SecretKeyFile string `yaml:"secret_key_file" toml:"secret_key_file"`
	Currency      string `yaml:"currency" toml:"currency"`
	BackendURL    string `yaml:"backend_url" toml:"backend_url"`
}

// Enabled reports whether a processor key is configured.
func (p PaymentsConfig) Enabled() bool { return p.SecretKey != "" }

// LockConfig selects the per-address locker.
type LockConfig struct {
	Driver    string   `yaml:"driver" toml:"driver"`
	RedisAddr string   `yaml:"redis_addr" toml:"redis_addr"`
	Prefix    string   `yaml:"prefix" toml:"prefix"`
	TTL       Duration `yaml:"ttl" toml:"ttl"`
	Wait      Duration `yaml:"wait" toml:"wait"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	HMACSecret     string `yaml:"hmac_secret" toml:"hmac_secret"`
	HMACSecretEnv  string `yaml:"hmac_secret_env" toml:"hmac_secret_env"`
	HMACSecretFile string `yaml:"hmac_secret_file" toml:"hmac_secret_file"`
	Issuer         string `yaml:"issuer" toml:"issuer"`
	AdminScope     string `yaml:"admin_scope" toml:"admin_scope"`
}

// RateLimitConfig bounds per-caller request rates.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int `yaml:"burst" toml:"burst"`
}

// ReconConfig schedules the balance drift auditor.
type ReconConfig struct {
	Interval  Duration `yaml:"interval" toml:"interval"`
	OutputDir string   `yaml:"output_dir" toml:"output_dir"`
	Disabled  bool     `yaml:"disabled" toml:"disabled"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// LoadDotEnv loads an optional .env file before config resolution so the
// *_env indirections can see its values.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the supplied path. Files ending in .toml are
// decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Config{}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	} else {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyDefaults(&cfg)
	if err := cfg.Database.normalise(); err != nil {
		return cfg, fmt.Errorf("database: %w", err)
	}
	if err := cfg.Payments.normalise(); err != nil {
		return cfg, fmt.Errorf("payments: %w", err)
	}
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// lockTTLMargin covers gas, balance and allowance reads around the two
// receipt waits a lock holder may perform.
const lockTTLMargin = time.Minute

// MinLockTTL is the shortest distributed lock lease that outlives an approve
// and an execute each waiting the full receipt timeout.
func MinLockTTL(receiptTimeout time.Duration) time.Duration {
	return 2*receiptTimeout + lockTTLMargin
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 256
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.Path == "" && cfg.Database.DSN == "" {
		cfg.Database.Path = "/var/data/settlementd.sqlite"
	}
	if cfg.Database.HoldsPath == "" {
		cfg.Database.HoldsPath = "/var/data/settlementd-holds.db"
	}
	if cfg.Tokens.Native == "" {
		cfg.Tokens.Native = "PRX"
	}
	if cfg.Tokens.Stable == "" {
		cfg.Tokens.Stable = "USDT"
	}
	if cfg.Chain.ReceiptTimeout.Duration == 0 {
		cfg.Chain.ReceiptTimeout.Duration = 2 * time.Minute
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Chain.RequestsPerSecond <= 0 {
		cfg.Chain.RequestsPerSecond = 20
	}
	if cfg.Chain.ReadRetries <= 0 {
		cfg.Chain.ReadRetries = 3
	}
	if cfg.Payments.Currency == "" {
		cfg.Payments.Currency = "usd"
	}
	if cfg.Lock.Driver == "" {
		cfg.Lock.Driver = "local"
	}
	if cfg.Lock.Prefix == "" {
		cfg.Lock.Prefix = "settlementd:lock:"
	}
	if cfg.Lock.TTL.Duration == 0 {
		cfg.Lock.TTL.Duration = MinLockTTL(cfg.Chain.ReceiptTimeout.Duration)
	}
	if cfg.Lock.Wait.Duration == 0 {
		cfg.Lock.Wait.Duration = 30 * time.Second
	}
	if cfg.Auth.AdminScope == "" {
		cfg.Auth.AdminScope = "settlement:admin"
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Recon.Interval.Duration == 0 {
		cfg.Recon.Interval.Duration = 15 * time.Minute
	}
	if cfg.Recon.OutputDir == "" {
		cfg.Recon.OutputDir = filepath.Join("settlementd-data", "recon")
	}
}

func (d *DatabaseConfig) normalise() error {
	d.Driver = strings.ToLower(strings.TrimSpace(d.Driver))
	d.DSN = strings.TrimSpace(d.DSN)
	if d.DSN == "" && strings.TrimSpace(d.DSNEnv) != "" {
		d.DSN = strings.TrimSpace(os.Getenv(strings.TrimSpace(d.DSNEnv)))
		if d.DSN == "" {
			return fmt.Errorf("dsn_env %s is empty", d.DSNEnv)
		}
	}
	d.Path = strings.TrimSpace(d.Path)
	return nil
}

func resolveSecret(value, envName, filePath, field string) (string, error) {
	value = strings.TrimSpace(value)
	if value != "" {
		return value, nil
	}
	switch {
	case strings.TrimSpace(envName) != "":
		resolved := strings.TrimSpace(os.Getenv(strings.TrimSpace(envName)))
		if resolved == "" {
			return "", fmt.Errorf("%s_env %s is empty", field, envName)
		}
		return resolved, nil
	case strings.TrimSpace(filePath) != "":
		contents, err := os.ReadFile(strings.TrimSpace(filePath))
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", field, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

func (p *PaymentsConfig) normalise() error {
	key, err := resolveSecret(p.SecretKey, p.SecretKeyEnv, p.SecretKeyFile, "secret_key")
	if err != nil {
		return err
	}
	p.SecretKey = key
	p.Currency = strings.ToLower(strings.TrimSpace(p.Currency))
	p.BackendURL = strings.TrimSpace(p.BackendURL)
	return nil
}

func (a *AuthConfig) normalise() error {
	secret, err := resolveSecret(a.HMACSecret, a.HMACSecretEnv, a.HMACSecretFile, "hmac_secret")
	if err != nil {
		return err
	}
	a.HMACSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.AdminScope = strings.TrimSpace(a.AdminScope)
	return nil
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Chain.RPCURL) == "" {
		return fmt.Errorf("chain rpc_url must be configured")
	}
	for field, value := range map[string]string{
		"custodian":      cfg.Chain.Custodian,
		"trade_contract": cfg.Chain.TradeContract,
		"native_token":   cfg.Chain.NativeToken,
		"stable_token":   cfg.Chain.StableToken,
	} {
		if !common.IsHexAddress(strings.TrimSpace(value)) {
			return fmt.Errorf("chain %s must be a hex address", field)
		}
	}
	if strings.EqualFold(cfg.Tokens.Native, cfg.Tokens.Stable) {
		return fmt.Errorf("tokens native and stable must differ")
	}
	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.DSN == "" && cfg.Database.Path == "" {
			return fmt.Errorf("database path must be configured")
		}
	case "postgres":
		if cfg.Database.DSN == "" {
			return fmt.Errorf("database dsn must be configured for postgres")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	switch cfg.Lock.Driver {
	case "local":
	case "redis":
		if strings.TrimSpace(cfg.Lock.RedisAddr) == "" {
			return fmt.Errorf("lock redis_addr must be configured for the redis driver")
		}
		if floor := MinLockTTL(cfg.Chain.ReceiptTimeout.Duration); cfg.Lock.TTL.Duration < floor {
			return fmt.Errorf("lock ttl %s must be at least %s to cover approve and execute receipts", cfg.Lock.TTL.Duration, floor)
		}
	default:
		return fmt.Errorf("unsupported lock driver %q", cfg.Lock.Driver)
	}
	if cfg.Auth.HMACSecret == "" {
		return fmt.Errorf("auth hmac_secret must be configured")
	}
	if cfg.Chain.GasSafetyFactor < 0 {
		return fmt.Errorf("chain gas_safety_factor must not be negative")
	}
	return nil
}
