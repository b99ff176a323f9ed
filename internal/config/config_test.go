package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	seed := filepath.Join(dir, "seed.json")
	deployments := filepath.Join(dir, "deployments.json")
	writeFile(t, seed, `{
		"chain": {"chainId": 4, "rpcUrl": "http://seed:8545"},
		"tokensFile": "tokens.yaml",
		"secrets": {"hmacSalt": "salt"},
		"timeouts": {"rpcTimeoutMs": 1500, "idempotencyWindowSeconds": 60, "actionWindowSeconds": {"dispense": 5}}
	}`)
	writeFile(t, deployments, `{"chains": {"4": {"ethbox": "0x01", "tokenDispenser": "0x02"}}}`)

	t.Setenv("SEED_PATH", seed)
	t.Setenv("DEPLOYMENTS_PATH", deployments)
	t.Setenv("CHAIN_RPC_URL", "http://env:8545")
	t.Setenv("API_HTTP_PORT", "4100")
	t.Setenv("BOX_REFRESH_SPEC", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://env:8545", cfg.Chain.RPCURL)
	assert.Equal(t, 4100, cfg.Service.HTTPPort)
	assert.Equal(t, time.Minute, cfg.Service.Idempotency.For("create"))
	assert.Equal(t, 5*time.Second, cfg.Service.Idempotency.For("dispense"))
	assert.Equal(t, 1500*time.Millisecond, cfg.Chain.RPCTimeout)
	assert.Equal(t, 2*time.Second, cfg.Chain.PollInterval)
	assert.Equal(t, filepath.Join(dir, "tokens.yaml"), cfg.Chain.TokensPath)
	assert.Equal(t, "@every 15s", cfg.Boxes.RefreshSpec)
	assert.Equal(t, "salt", cfg.Seed.Secrets.HMACSalt)

	deps, err := cfg.Deployments()
	require.NoError(t, err)
	require.Contains(t, deps, int64(4))
	assert.Equal(t, "0x01", deps[4].Ethbox)
	assert.Equal(t, "0x02", deps[4].TokenDispenser)
}

func TestLoadMissingSeed(t *testing.T) {
	t.Setenv("SEED_PATH", filepath.Join(t.TempDir(), "missing.json"))
	_, err := Load()
	assert.Error(t, err)
}

func TestDeploymentsRejectsBadChainID(t *testing.T) {
	cfg := &AppConfig{Deployment: DeploymentConfig{Chains: map[string]ChainDeployment{"rinkeby": {}}}}
	_, err := cfg.Deployments()
	assert.Error(t, err)
}
