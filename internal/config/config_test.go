package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9090
storage:
  driver: postgres
  prefixes:
    receipt: "rcpt."
anchor:
  chain: polygon
  maxJobsPerSweep: 10
blockchain:
  networks:
    polygon:
      chainId: 137
      rpcEndpoints: ["https://polygon.example"]
      enabled: true
    base:
      chainId: 8453
      enabled: false
`

func TestParse_AppliesDefaultsAndKeepsValues(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "rcpt.", cfg.Storage.Prefixes.Receipt)
	assert.Equal(t, "anchorq.", cfg.Storage.Prefixes.Queue)
	assert.Equal(t, "polygon", cfg.Anchor.Chain)
	assert.Equal(t, 10, cfg.Anchor.MaxJobsPerSweep)
	assert.Equal(t, 100, cfg.Anchor.PageSize)
	assert.Equal(t, 24*time.Hour, cfg.JobTTL())
	assert.Equal(t, 2*time.Minute, cfg.LeaseTTL())
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("POLYGON_PRIVATE_KEY", "abc123")
	t.Setenv("POLYGON_RPC_ENDPOINTS", "https://a.example,https://b.example")
	t.Setenv("ANCHOR_LEASE_SECONDS", "30")

	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	network, err := cfg.GetNetworkConfig("polygon")
	require.NoError(t, err)
	assert.Equal(t, "abc123", network.PrivateKey)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, network.RPCEndpoints)
	assert.Equal(t, 30*time.Second, cfg.LeaseTTL())
}

func TestGetNetworkConfig_DisabledAndMissing(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	_, err = cfg.GetNetworkConfig("base")
	assert.Error(t, err)
	_, err = cfg.GetNetworkConfig("arbitrum")
	assert.Error(t, err)
}

func TestParse_InvalidYAML(t *testing.T) {
	_, err := Parse([]byte("server: [unterminated"))
	assert.Error(t, err)
}
