// Package config loads service configuration from defaults, an optional
// YAML file and SOHO_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sohocredit/ap2"
)

// EnvPrefix prefixes every environment override, e.g. SOHO_PROVIDER_ADDR.
const EnvPrefix = "SOHO"

// Token store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

type Config struct {
	Provider   ProviderConfig   `mapstructure:"provider"`
	Processor  ProcessorConfig  `mapstructure:"processor"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Tokens     TokensConfig     `mapstructure:"tokens"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ProviderConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKeys         []string      `mapstructure:"api_keys"`
	SigningKey      string        `mapstructure:"signing_key"`
	AttestationKey  string        `mapstructure:"attestation_key"`
	RateLimit       float64       `mapstructure:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst"`
	LedgerPath      string        `mapstructure:"ledger_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ProcessorConfig struct {
	Addr             string        `mapstructure:"addr"`
	ProviderURL      string        `mapstructure:"provider_url"`
	ProviderAPIKey   string        `mapstructure:"provider_api_key"`
	SigningKey       string        `mapstructure:"signing_key"`
	ChallengeCode    string        `mapstructure:"challenge_code"`
	ChallengeMethods []string      `mapstructure:"challenge_methods"`
	ForwardReceipts  bool          `mapstructure:"forward_receipts"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout"`
}

// SettlementConfig holds the external ledger credentials. They have no
// defaults and must come from the config file or the environment.
type SettlementConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Email           string        `mapstructure:"email"`
	Password        string        `mapstructure:"password"`
	MerchantAddress string        `mapstructure:"merchant_address"`
	Timeout         time.Duration `mapstructure:"timeout"`
	Decimals        int32         `mapstructure:"decimals"`
	Ceiling         string        `mapstructure:"ceiling"`
}

// Enabled reports whether enough is configured to call the ledger.
func (s SettlementConfig) Enabled() bool {
	return s.BaseURL != "" && s.Email != "" && s.MerchantAddress != ""
}

// CeilingAmount parses Ceiling.
func (s SettlementConfig) CeilingAmount() (ap2.Amount, error) {
	return ap2.ParseAmount(s.Ceiling)
}

type TokensConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	IncludeCaller bool   `mapstructure:"include_caller"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("provider.addr", ":8005")
	v.SetDefault("provider.api_keys", []string{})
	v.SetDefault("provider.signing_key", "")
	v.SetDefault("provider.attestation_key", "")
	v.SetDefault("provider.rate_limit", 0)
	v.SetDefault("provider.rate_burst", 20)
	v.SetDefault("provider.ledger_path", "")
	v.SetDefault("provider.shutdown_timeout", 10*time.Second)

	v.SetDefault("processor.addr", ":8004")
	v.SetDefault("processor.provider_url", "http://localhost:8005/a2a/soho_credentials_provider")
	v.SetDefault("processor.provider_api_key", "")
	v.SetDefault("processor.signing_key", "")
	v.SetDefault("processor.challenge_code", "123")
	v.SetDefault("processor.challenge_methods", []string{ap2.MethodCard})
	v.SetDefault("processor.forward_receipts", false)
	v.SetDefault("processor.request_timeout", ap2.DefaultClientTimeout)
	v.SetDefault("processor.shutdown_timeout", 10*time.Second)

	v.SetDefault("settlement.base_url", "")
	v.SetDefault("settlement.email", "")
	v.SetDefault("settlement.password", "")
	v.SetDefault("settlement.merchant_address", "")
	v.SetDefault("settlement.timeout", 2*time.Minute)
	v.SetDefault("settlement.decimals", 6)
	v.SetDefault("settlement.ceiling", "100.00")

	v.SetDefault("tokens.backend", BackendMemory)
	v.SetDefault("tokens.dsn", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.include_caller", false)
}

// Load reads configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	switch c.Tokens.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Tokens.DSN == "" {
			errs = append(errs, errors.New("tokens.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("tokens.backend %q is not one of memory, postgres", c.Tokens.Backend))
	}
	if ceiling, err := c.Settlement.CeilingAmount(); err != nil {
		errs = append(errs, fmt.Errorf("settlement.ceiling: %w", err))
	} else if !ceiling.IsPositive() {
		errs = append(errs, errors.New("settlement.ceiling must be positive"))
	}
	if c.Processor.RequestTimeout <= 0 {
		errs = append(errs, errors.New("processor.request_timeout must be positive"))
	}
	if c.Provider.RateLimit < 0 {
		errs = append(errs, errors.New("provider.rate_limit must not be negative"))
	}
	if c.Provider.RateLimit > 0 && c.Provider.RateBurst < 1 {
		errs = append(errs, errors.New("provider.rate_burst must be at least 1 when rate limiting"))
	}
	return errors.Join(errs...)
}
