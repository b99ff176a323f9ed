package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"boxwallet/internal/idempotency"
	"boxwallet/internal/ledger"
)

// SeedConfig models seed.json.
type SeedConfig struct {
	Chain struct {
		ChainID   int64  `json:"chainId"`
		RPCURL    string `json:"rpcUrl"`
		BlockTime int    `json:"blockTime"`
	} `json:"chain"`
	// TokensFile is the YAML token catalog, relative to seed.json.
	TokensFile string `json:"tokensFile"`
	Secrets    struct {
		HMACSalt           string `json:"hmacSalt"`
		IdempotencyKeySalt string `json:"idempotencyKeySalt"`
	} `json:"secrets"`
	Timeouts struct {
		RPCTimeoutMs          int            `json:"rpcTimeoutMs"`
		ReceiptPollMs         int            `json:"receiptPollMs"`
		IdempotencyWindowSecs int            `json:"idempotencyWindowSeconds"`
		ActionWindowSecs      map[string]int `json:"actionWindowSeconds"`
	} `json:"timeouts"`
	Boxes struct {
		RefreshSpec string `json:"refreshSpec"`
	} `json:"boxes"`
}

// ChainDeployment is one entry of deployments.json.
type ChainDeployment struct {
	Ethbox         string `json:"ethbox"`
	TokenDispenser string `json:"tokenDispenser"`
}

// DeploymentConfig represents deployments.json, keyed by chain id.
type DeploymentConfig struct {
	Chains map[string]ChainDeployment `json:"chains"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Boxes      BoxesConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	Idempotency          idempotency.Windows
	IdempotencyStorePath string
	IdempotencyDSN       string
}

type ChainConfig struct {
	RPCURL       string
	PrivateKey   string
	TokensPath   string
	RPCTimeout   time.Duration
	PollInterval time.Duration
}

type BoxesConfig struct {
	RefreshSpec    string
	RefreshTimeout time.Duration
}

const (
	defaultSeedPath        = "./seed.json"
	defaultDeploymentsPath = "./deployments.json"
	defaultRefreshSpec     = "@every 15s"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	windows := idempotency.Windows{
		Default:   time.Duration(seedCfg.Timeouts.IdempotencyWindowSecs) * time.Second,
		PerAction: make(map[string]time.Duration, len(seedCfg.Timeouts.ActionWindowSecs)),
	}
	if windows.Default <= 0 {
		windows.Default = 24 * time.Hour
	}
	for action, secs := range seedCfg.Timeouts.ActionWindowSecs {
		windows.PerAction[action] = time.Duration(secs) * time.Second
	}
	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		Idempotency:          windows,
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "boxwallet-idem.json")),
		IdempotencyDSN:       envOr("IDEMPOTENCY_DSN", ""),
	}

	tokensPath := seedCfg.TokensFile
	if tokensPath != "" && !filepath.IsAbs(tokensPath) {
		tokensPath = filepath.Join(filepath.Dir(seedPath), tokensPath)
	}
	chainCfg := ChainConfig{
		RPCURL:       envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey:   envOr("CHAIN_PRIVATE_KEY", ""),
		TokensPath:   envOr("TOKENS_PATH", tokensPath),
		RPCTimeout:   millisOr(seedCfg.Timeouts.RPCTimeoutMs, 10*time.Second),
		PollInterval: millisOr(seedCfg.Timeouts.ReceiptPollMs, 2*time.Second),
	}

	refresh := seedCfg.Boxes.RefreshSpec
	if refresh == "" {
		refresh = defaultRefreshSpec
	}
	boxesCfg := BoxesConfig{
		RefreshSpec:    envOr("BOX_REFRESH_SPEC", refresh),
		RefreshTimeout: chainCfg.RPCTimeout,
	}

	return &AppConfig{
		Seed:       *seedCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Boxes:      boxesCfg,
	}, nil
}

// Deployments converts deployments.json into the ledger's per-chain form.
func (c *AppConfig) Deployments() (map[int64]ledger.Deployment, error) {
	out := make(map[int64]ledger.Deployment, len(c.Deployment.Chains))
	for key, d := range c.Deployment.Chains {
		id, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("deployments: chain id %q: %w", key, err)
		}
		out[id] = ledger.Deployment{Ethbox: d.Ethbox, TokenDispenser: d.TokenDispenser}
	}
	return out, nil
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
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
