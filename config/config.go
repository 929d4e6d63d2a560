// Package config loads the gateway configuration from a TOML file with
// environment overrides for deployment-specific values.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

var (
	// ErrSignerKeyRequired is returned when no signing key is configured.
	// The gateway refuses to start without one.
	ErrSignerKeyRequired = errors.New("config: signer key is required")

	// ErrRPCEndpointRequired is returned when the chain RPC endpoint is
	// missing.
	ErrRPCEndpointRequired = errors.New("config: rpc endpoint is required")

	// ErrContractsRequired is returned when either contract address is
	// missing.
	ErrContractsRequired = errors.New("config: collection and governor addresses are required")
)

// Config captures runtime configuration for the mint gateway.
type Config struct {
	ListenAddress  string        `toml:"ListenAddress"`
	RPCEndpoint    string        `toml:"RPCEndpoint"`
	ChainID        int64         `toml:"ChainID"`
	SignerKeyHex   string        `toml:"SignerKeyHex"`
	CollectionAddr string        `toml:"CollectionAddr"`
	GovernorAddr   string        `toml:"GovernorAddr"`
	DatabaseDSN    string        `toml:"DatabaseDSN"`
	PinEndpoint    string        `toml:"PinEndpoint"`
	PinToken       string        `toml:"PinToken"`
	JWTSecret      string        `toml:"JWTSecret"`
	ConfirmTimeout time.Duration `toml:"-"`
	ConfirmRaw     string        `toml:"ConfirmTimeout"`
	ReconInterval  time.Duration `toml:"-"`
	ReconRaw       string        `toml:"ReconInterval"`
	RateLimitRPS   float64       `toml:"RateLimitRPS"`
	RateLimitBurst int           `toml:"RateLimitBurst"`
	LogLevel       string        `toml:"LogLevel"`
	LogFile        string        `toml:"LogFile"`
	OTLPEndpoint   string        `toml:"OTLPEndpoint"`
}

// Default returns the configuration used before any file or environment
// values are applied.
func Default() Config {
	return Config{
		ListenAddress:  ":8085",
		ChainID:        1337,
		DatabaseDSN:    "mintgate.db",
		ConfirmTimeout: 30 * time.Second,
		ReconInterval:  time.Minute,
		RateLimitRPS:   5,
		RateLimitBurst: 10,
		LogLevel:       "info",
	}
}

// Load reads the optional TOML file at path, applies MINTGATE_* environment
// overrides, and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		if _, err := toml.DecodeFile(trimmed, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: decode %s: %w", trimmed, err)
		}
	}
	applyEnv(&cfg)

	if cfg.ConfirmRaw != "" {
		dur, err := time.ParseDuration(cfg.ConfirmRaw)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse ConfirmTimeout: %w", err)
		}
		cfg.ConfirmTimeout = dur
	}
	if cfg.ReconRaw != "" {
		dur, err := time.ParseDuration(cfg.ReconRaw)
		if err != nil {
			return Config{}, fmt.Errorf("config: parse ReconInterval: %w", err)
		}
		cfg.ReconInterval = dur
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the fail-fast requirements: the gateway never starts
// without a signer, an RPC endpoint and both contract addresses.
func (c Config) Validate() error {
	if strings.TrimSpace(c.SignerKeyHex) == "" {
		return ErrSignerKeyRequired
	}
	if strings.TrimSpace(c.RPCEndpoint) == "" {
		return ErrRPCEndpointRequired
	}
	if strings.TrimSpace(c.CollectionAddr) == "" || strings.TrimSpace(c.GovernorAddr) == "" {
		return ErrContractsRequired
	}
	if c.ConfirmTimeout <= 0 {
		return errors.New("config: ConfirmTimeout must be positive")
	}
	if c.ReconInterval <= 0 {
		return errors.New("config: ReconInterval must be positive")
	}
	return nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddress, "MINTGATE_LISTEN")
	setString(&cfg.RPCEndpoint, "MINTGATE_RPC_ENDPOINT")
	setString(&cfg.SignerKeyHex, "MINTGATE_SIGNER_KEY")
	setString(&cfg.CollectionAddr, "MINTGATE_COLLECTION_ADDR")
	setString(&cfg.GovernorAddr, "MINTGATE_GOVERNOR_ADDR")
	setString(&cfg.DatabaseDSN, "MINTGATE_DATABASE_DSN")
	setString(&cfg.PinEndpoint, "MINTGATE_PIN_ENDPOINT")
	setString(&cfg.PinToken, "MINTGATE_PIN_TOKEN")
	setString(&cfg.JWTSecret, "MINTGATE_JWT_SECRET")
	setString(&cfg.ConfirmRaw, "MINTGATE_CONFIRM_TIMEOUT")
	setString(&cfg.ReconRaw, "MINTGATE_RECON_INTERVAL")
	setString(&cfg.LogLevel, "MINTGATE_LOG_LEVEL")
	setString(&cfg.LogFile, "MINTGATE_LOG_FILE")
	setString(&cfg.OTLPEndpoint, "MINTGATE_OTLP_ENDPOINT")
	if raw := strings.TrimSpace(os.Getenv("MINTGATE_CHAIN_ID")); raw != "" {
		var id int64
		if _, err := fmt.Sscanf(raw, "%d", &id); err == nil && id > 0 {
			cfg.ChainID = id
		}
	}
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
