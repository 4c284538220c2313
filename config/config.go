// Package config loads the coordinator daemon configuration from YAML or TOML
// with CROSSLOAN_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"crossloan/loan"
	"crossloan/policy"
	"crossloan/storage/journal"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CROSSLOAN_"

// Duration wraps time.Duration for YAML, TOML and environment decoding.
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

// Config captures the runtime configuration for coordinatord.
type Config struct {
	Environment string            `yaml:"environment" toml:"environment" env:"ENVIRONMENT"`
	Source      SourceConfig      `yaml:"source" toml:"source" envPrefix:"SOURCE_"`
	Destination DestinationConfig `yaml:"destination" toml:"destination" envPrefix:"DESTINATION_"`
	Domain      DomainConfig      `yaml:"domain" toml:"domain" envPrefix:"DOMAIN_"`
	Policy      PolicyConfig      `yaml:"policy" toml:"policy" envPrefix:"POLICY_"`
	Request     RequestConfig     `yaml:"request" toml:"request" envPrefix:"REQUEST_"`
	Authority   AuthorityConfig   `yaml:"authority" toml:"authority" envPrefix:"AUTHORITY_"`
	Journal     JournalConfig     `yaml:"journal" toml:"journal" envPrefix:"JOURNAL_"`
	Admin       AdminConfig       `yaml:"admin" toml:"admin" envPrefix:"ADMIN_"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" toml:"telemetry" envPrefix:"TELEMETRY_"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging" envPrefix:"LOG_"`
}

// SourceConfig points at the collateral ledger.
type SourceConfig struct {
	RPCURL      string `yaml:"rpc_url" toml:"rpc_url" env:"RPC_URL"`
	ChainID     uint64 `yaml:"chain_id" toml:"chain_id" env:"CHAIN_ID"`
	Vault       string `yaml:"vault" toml:"vault" env:"VAULT"`
	VaultSender string `yaml:"vault_sender" toml:"vault_sender" env:"VAULT_SENDER"`
}

// DestinationConfig points at the debt ledger.
type DestinationConfig struct {
	RPCURL  string `yaml:"rpc_url" toml:"rpc_url" env:"RPC_URL"`
	ChainID uint64 `yaml:"chain_id" toml:"chain_id" env:"CHAIN_ID"`
	Vault   string `yaml:"vault" toml:"vault" env:"VAULT"`
	// Receiver verifies signed requests; it defaults to Vault.
	Receiver      string `yaml:"receiver" toml:"receiver" env:"RECEIVER"`
	ChainSelector uint64 `yaml:"chain_selector" toml:"chain_selector" env:"CHAIN_SELECTOR"`
}

// DomainConfig names the typed-data domain.
type DomainConfig struct {
	Name    string `yaml:"name" toml:"name" env:"NAME"`
	Version string `yaml:"version" toml:"version" env:"VERSION"`
}

// PolicyConfig fixes the collateralization check.
type PolicyConfig struct {
	RatioPercent uint64 `yaml:"ratio_percent" toml:"ratio_percent" env:"RATIO_PERCENT"`
	ExchangeRate uint64 `yaml:"exchange_rate" toml:"exchange_rate" env:"EXCHANGE_RATE"`
}

// RequestConfig controls request timing and retries.
type RequestConfig struct {
	TTL             Duration `yaml:"ttl" toml:"ttl" env:"TTL"`
	DispatchTimeout Duration `yaml:"dispatch_timeout" toml:"dispatch_timeout" env:"DISPATCH_TIMEOUT"`
	PollInterval    Duration `yaml:"poll_interval" toml:"poll_interval" env:"POLL_INTERVAL"`
	ReceiptPoll     Duration `yaml:"receipt_poll" toml:"receipt_poll" env:"RECEIPT_POLL"`
	MaxAttempts     int      `yaml:"max_attempts" toml:"max_attempts" env:"MAX_ATTEMPTS"`
	RPCRateLimit    float64  `yaml:"rpc_rate_limit" toml:"rpc_rate_limit" env:"RPC_RATE_LIMIT"`
	RPCBurst        int      `yaml:"rpc_burst" toml:"rpc_burst" env:"RPC_BURST"`
}

// AuthorityConfig locates the signing key. Exactly one source is used, in
// the order key, key_env, key_file, keystore.
type AuthorityConfig struct {
	Key           string `yaml:"key" toml:"key" env:"KEY"`
	KeyEnv        string `yaml:"key_env" toml:"key_env" env:"KEY_ENV"`
	KeyFile       string `yaml:"key_file" toml:"key_file" env:"KEY_FILE"`
	Keystore      string `yaml:"keystore" toml:"keystore" env:"KEYSTORE"`
	PassphraseEnv string `yaml:"passphrase_env" toml:"passphrase_env" env:"PASSPHRASE_ENV"`
}

// JournalConfig selects the dispatch journal backend.
type JournalConfig struct {
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" toml:"dsn" env:"DSN"`
}

// AdminConfig secures the operator API.
type AdminConfig struct {
	Listen        string `yaml:"listen" toml:"listen" env:"LISTEN"`
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
	JWTSecretFile string `yaml:"jwt_secret_file" toml:"jwt_secret_file" env:"JWT_SECRET_FILE"`
	JWTIssuer     string `yaml:"jwt_issuer" toml:"jwt_issuer" env:"JWT_ISSUER"`
	JWTAudience   string `yaml:"jwt_audience" toml:"jwt_audience" env:"JWT_AUDIENCE"`
}

// TelemetryConfig configures OTLP export.
type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `yaml:"insecure" toml:"insecure" env:"INSECURE"`
	Headers     string  `yaml:"headers" toml:"headers" env:"HEADERS"`
	Traces      bool    `yaml:"traces" toml:"traces" env:"TRACES"`
	Metrics     bool    `yaml:"metrics" toml:"metrics" env:"METRICS"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"level" env:"LEVEL"`
	File       string `yaml:"file" toml:"file" env:"FILE"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb" env:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups" env:"MAX_BACKUPS"`
}

// Load reads path (by extension: .yaml, .yml or .toml), applies environment
// overrides and defaults, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	if err := decodeFile(path, &cfg); err != nil {
		return cfg, err
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Authority.normalise(); err != nil {
		return cfg, fmt.Errorf("authority: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	case ".yaml", ".yml":
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.Destination.Receiver == "" {
		cfg.Destination.Receiver = cfg.Destination.Vault
	}
	if cfg.Domain.Name == "" {
		cfg.Domain.Name = "VaultLending"
	}
	if cfg.Domain.Version == "" {
		cfg.Domain.Version = "1"
	}
	defaults := policy.DefaultParams()
	if cfg.Policy.RatioPercent == 0 {
		cfg.Policy.RatioPercent = defaults.RatioPercent
	}
	if cfg.Policy.ExchangeRate == 0 {
		cfg.Policy.ExchangeRate = defaults.ExchangeRate
	}
	if cfg.Request.TTL.Duration == 0 {
		cfg.Request.TTL.Duration = time.Hour
	}
	if cfg.Request.DispatchTimeout.Duration == 0 {
		cfg.Request.DispatchTimeout.Duration = 2 * time.Minute
	}
	if cfg.Request.PollInterval.Duration == 0 {
		cfg.Request.PollInterval.Duration = 15 * time.Second
	}
	if cfg.Request.ReceiptPoll.Duration == 0 {
		cfg.Request.ReceiptPoll.Duration = 3 * time.Second
	}
	if cfg.Request.MaxAttempts <= 0 {
		cfg.Request.MaxAttempts = 4
	}
	if cfg.Request.RPCBurst <= 0 {
		cfg.Request.RPCBurst = 10
	}
	if cfg.Journal.Driver == "" {
		cfg.Journal.Driver = string(journal.DriverMemory)
	}
	if cfg.Admin.Listen == "" {
		cfg.Admin.Listen = ":7090"
	}
	if cfg.Admin.JWTIssuer == "" {
		cfg.Admin.JWTIssuer = "crossloan"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Source.RPCURL) == "" {
		return fmt.Errorf("source.rpc_url must be configured")
	}
	if strings.TrimSpace(cfg.Destination.RPCURL) == "" {
		return fmt.Errorf("destination.rpc_url must be configured")
	}
	if cfg.Source.ChainID == 0 || cfg.Destination.ChainID == 0 {
		return fmt.Errorf("source.chain_id and destination.chain_id must be configured")
	}
	if cfg.Destination.ChainSelector == 0 {
		return fmt.Errorf("destination.chain_selector must be configured")
	}
	for name, addr := range map[string]string{
		"source.vault":         cfg.Source.Vault,
		"source.vault_sender":  cfg.Source.VaultSender,
		"destination.vault":    cfg.Destination.Vault,
		"destination.receiver": cfg.Destination.Receiver,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%s must be a hex address, got %q", name, addr)
		}
	}
	if err := (policy.Params{RatioPercent: cfg.Policy.RatioPercent, ExchangeRate: cfg.Policy.ExchangeRate}).Validate(); err != nil {
		return err
	}
	switch journal.Driver(strings.ToLower(cfg.Journal.Driver)) {
	case journal.DriverMemory:
	case journal.DriverSQLite, journal.DriverPostgres, journal.DriverLevelDB:
		if strings.TrimSpace(cfg.Journal.DSN) == "" {
			return fmt.Errorf("journal.dsn must be configured for driver %s", cfg.Journal.Driver)
		}
	default:
		return fmt.Errorf("journal.driver %q is not supported", cfg.Journal.Driver)
	}
	if cfg.Authority.Key == "" && cfg.Authority.Keystore == "" {
		return fmt.Errorf("authority key must be configured")
	}
	if len(cfg.Admin.JWTSecret) < 32 {
		return fmt.Errorf("admin.jwt_secret must be at least 32 bytes")
	}
	if cfg.Request.TTL.Duration <= cfg.Request.DispatchTimeout.Duration {
		return fmt.Errorf("request.ttl must exceed request.dispatch_timeout")
	}
	return nil
}

func (a *AuthorityConfig) normalise() error {
	a.Key = strings.TrimSpace(a.Key)
	a.KeyEnv = strings.TrimSpace(a.KeyEnv)
	a.KeyFile = strings.TrimSpace(a.KeyFile)
	a.Keystore = strings.TrimSpace(a.Keystore)
	if a.Key != "" {
		return nil
	}
	switch {
	case a.KeyEnv != "":
		value := strings.TrimSpace(os.Getenv(a.KeyEnv))
		if value == "" {
			return fmt.Errorf("key_env %s is empty", a.KeyEnv)
		}
		a.Key = value
	case a.KeyFile != "":
		contents, err := os.ReadFile(a.KeyFile)
		if err != nil {
			return fmt.Errorf("read key_file: %w", err)
		}
		a.Key = strings.TrimSpace(string(contents))
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	secret := strings.TrimSpace(a.JWTSecret)
	if path := strings.TrimSpace(a.JWTSecretFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read jwt_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.JWTSecret = secret
	return nil
}

// LoanDomain returns the typed-data domain bound to the destination receiver.
func (c Config) LoanDomain() loan.Domain {
	return loan.Domain{
		Name:              c.Domain.Name,
		Version:           c.Domain.Version,
		ChainID:           c.Destination.ChainID,
		VerifyingContract: common.HexToAddress(c.Destination.Receiver),
	}
}

// PolicyParams returns the configured collateral policy.
func (c Config) PolicyParams() policy.Params {
	return policy.Params{RatioPercent: c.Policy.RatioPercent, ExchangeRate: c.Policy.ExchangeRate}
}
