package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"remitrails/internal/remit"
)

// SeedConfig models the policy file: chain, fees, tokens, compliance,
// secrets and timeouts.
type SeedConfig struct {
	Chain struct {
		ChainID int64  `json:"chainId" yaml:"chainId"`
		RPCURL  string `json:"rpcUrl" yaml:"rpcUrl"`
	} `json:"chain" yaml:"chain"`
	Fees struct {
		RateBps uint32 `json:"rateBps" yaml:"rateBps"`
	} `json:"fees" yaml:"fees"`
	Tokens struct {
		Native    bool          `json:"native" yaml:"native"`
		Supported []TokenConfig `json:"supported" yaml:"supported"`
	} `json:"tokens" yaml:"tokens"`
	Compliance struct {
		EnforceKyc   bool   `json:"enforceKyc" yaml:"enforceKyc"`
		KycThreshold string `json:"kycThreshold" yaml:"kycThreshold"`
	} `json:"compliance" yaml:"compliance"`
	Directory []DirectoryEntry `json:"directory" yaml:"directory"`
	Secrets   struct {
		HMACSecret      string `json:"hmacSecret" yaml:"hmacSecret"`
		AdminHMACSecret string `json:"adminHmacSecret" yaml:"adminHmacSecret"`
	} `json:"secrets" yaml:"secrets"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs" yaml:"rpcTimeoutMs"`
		ReceiptTimeoutSecs    int `json:"receiptTimeoutSeconds" yaml:"receiptTimeoutSeconds"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds" yaml:"idempotencyWindowSeconds"`
	} `json:"timeouts" yaml:"timeouts"`
}

// TokenConfig names a token on the allowlist.
type TokenConfig struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Address  string `json:"address" yaml:"address"`
	Decimals int    `json:"decimals" yaml:"decimals"`
}

// DirectoryEntry seeds the in-process identity directory.
type DirectoryEntry struct {
	Account     string `json:"account" yaml:"account"`
	PhoneNumber string `json:"phoneNumber" yaml:"phoneNumber"`
	KycVerified bool   `json:"kycVerified" yaml:"kycVerified"`
}

// DeploymentConfig holds the accounts the engine runs with.
type DeploymentConfig struct {
	ChainID int64  `json:"chainId" yaml:"chainId"`
	Admin   string `json:"admin" yaml:"admin"`
	FeeSink string `json:"feeSink" yaml:"feeSink"`
	Vault   string `json:"vault" yaml:"vault"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Storage    StorageConfig
	Logging    LoggingConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	EventJournalPath     string
}

type ChainConfig struct {
	RPCURL         string
	PrivateKey     string
	RPCTimeout     time.Duration
	ReceiptTimeout time.Duration
}

type StorageConfig struct {
	Driver      string
	PostgresDSN string
	BoltPath    string
}

type LoggingConfig struct {
	Env   string
	Level string
	File  string
}

const (
	DriverMemory   = "memory"
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

const (
	defaultSeedPath        = "../seed.json"
	defaultDeploymentsPath = "../deployments.json"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	var seedCfg SeedConfig
	if err := decodeFile(seedPath, &seedCfg); err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	var deployCfg DeploymentConfig
	if err := decodeFile(deploymentsPath, &deployCfg); err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	seedCfg.Fees.RateBps = uint32(envOrInt("FEE_RATE_BPS", int(seedCfg.Fees.RateBps)))

	idemWindow := time.Duration(seedCfg.Timeouts.IdempotencyWindowSecs) * time.Second
	if idemWindow <= 0 {
		idemWindow = 24 * time.Hour
	}

	cfg := &AppConfig{
		Seed:       seedCfg,
		Deployment: deployCfg,
		Service: ServiceConfig{
			HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
			HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
			IdempotencyWindow:    idemWindow,
			IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "remitrails-idem.json")),
			EventJournalPath:     envOr("EVENT_JOURNAL_PATH", ""),
		},
		Chain: ChainConfig{
			RPCURL:         envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
			PrivateKey:     envOr("CHAIN_PRIVATE_KEY", ""),
			RPCTimeout:     millisOr(seedCfg.Timeouts.RPCTimeoutMs, 10*time.Second),
			ReceiptTimeout: time.Duration(seedCfg.Timeouts.ReceiptTimeoutSecs) * time.Second,
		},
		Storage: StorageConfig{
			Driver:      strings.ToLower(envOr("STORE_DRIVER", DriverMemory)),
			PostgresDSN: envOr("POSTGRES_DSN", ""),
			BoltPath:    envOr("BOLT_PATH", filepath.Join(os.TempDir(), "remitrails.db")),
		},
		Logging: LoggingConfig{
			Env:   envOr("APP_ENV", "dev"),
			Level: envOr("LOG_LEVEL", "info"),
			File:  envOr("LOG_FILE", ""),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configuration the engine would refuse or misinterpret.
func (c *AppConfig) Validate() error {
	var errs []error
	if !isNonZeroAddress(c.Deployment.Admin) {
		errs = append(errs, fmt.Errorf("deployments.admin %q is not an address", c.Deployment.Admin))
	}
	if c.Deployment.FeeSink != "" && !isNonZeroAddress(c.Deployment.FeeSink) {
		errs = append(errs, fmt.Errorf("deployments.feeSink %q is not an address", c.Deployment.FeeSink))
	}
	if err := remit.ValidateRate(c.Seed.Fees.RateBps); err != nil {
		errs = append(errs, fmt.Errorf("fees.rateBps: %w", err))
	}
	for _, t := range c.Seed.Tokens.Supported {
		if !isNonZeroAddress(t.Address) {
			errs = append(errs, fmt.Errorf("token %s: %q is not an address", t.Symbol, t.Address))
		}
	}
	if _, err := c.KycThreshold(); err != nil {
		errs = append(errs, err)
	}
	for _, e := range c.Seed.Directory {
		if !isNonZeroAddress(e.Account) {
			errs = append(errs, fmt.Errorf("directory entry %q: bad account", e.PhoneNumber))
		}
	}
	if c.OnChainCustody() && c.Seed.Tokens.Native {
		errs = append(errs, errors.New("tokens.native cannot be enabled with on-chain custody: native deposits are not pulled from senders"))
	}
	switch c.Storage.Driver {
	case DriverMemory, DriverBolt:
	case DriverPostgres:
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("STORE_DRIVER=postgres requires POSTGRES_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Storage.Driver))
	}
	return errors.Join(errs...)
}

// OnChainCustody reports whether escrow funds are held by a chain account
// rather than the in-process vault.
func (c *AppConfig) OnChainCustody() bool {
	return c.Chain.PrivateKey != "" && c.Chain.RPCURL != ""
}

// AdminAddress returns the admin account. Validate must have passed.
func (c *AppConfig) AdminAddress() common.Address {
	return common.HexToAddress(c.Deployment.Admin)
}

// FeeSinkAddress returns the fee sink, or the zero address when unset so the
// engine falls back to the admin.
func (c *AppConfig) FeeSinkAddress() common.Address {
	if c.Deployment.FeeSink == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Deployment.FeeSink)
}

// SupportedTokens returns the configured allowlist addresses.
func (c *AppConfig) SupportedTokens() []common.Address {
	out := make([]common.Address, 0, len(c.Seed.Tokens.Supported))
	for _, t := range c.Seed.Tokens.Supported {
		out = append(out, common.HexToAddress(t.Address))
	}
	return out
}

// KycThreshold parses the compliance threshold. Nil means no threshold.
func (c *AppConfig) KycThreshold() (*uint256.Int, error) {
	raw := strings.TrimSpace(c.Seed.Compliance.KycThreshold)
	if raw == "" {
		return nil, nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("compliance.kycThreshold %q: %w", raw, err)
	}
	return v, nil
}

// decodeFile reads JSON, or YAML when the extension says so.
func decodeFile(path string, out any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(raw, out)
	default:
		return json.Unmarshal(raw, out)
	}
}

func isNonZeroAddress(s string) bool {
	return common.IsHexAddress(s) && common.HexToAddress(s) != (common.Address{})
}

func millisOr(ms int, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}
