package fleet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperfleet/internal/agent"
	"hyperfleet/internal/config"
	xerrors "hyperfleet/internal/errors"
	"hyperfleet/internal/policy"
	"hyperfleet/internal/wallet"
)

const fleetConfig = `
rpc:
  url: http://127.0.0.1:8545
market:
  hyperdrive: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  base_token: "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
agents:
  longy:
    policy_kind: single_long
    policy_parameters:
      amount: "100"
    base_budget: "1000"
    protocol_budget: "0.5"
    key_env: HYPERFLEET_TEST_LONGY_KEY
  randos:
    policy_kind: random
    base_budget: "250.5"
    protocol_budget: "1"
    count: 3
`

const longyKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func parse(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(content))
	require.NoError(t, err)
	return cfg
}

func TestBuildExpandsCountAndLoadsKeys(t *testing.T) {
	t.Setenv("HYPERFLEET_TEST_LONGY_KEY", longyKey)
	cfg := parse(t, fleetConfig)

	f, err := Build(cfg, Options{Seed: []byte("fleet-seed"), PolicySeed: 7})
	require.NoError(t, err)
	defer f.Release()

	require.Len(t, f.Agents, 4)
	ids := make([]string, 0, len(f.Agents))
	for _, a := range f.Agents {
		ids = append(ids, a.ID)
		assert.Equal(t, agent.StatusUnfunded, a.Status())
	}
	assert.Equal(t, []string{"longy", "randos-1", "randos-2", "randos-3"}, ids)

	longy, ok := f.Get("longy")
	require.True(t, ok)
	assert.Equal(t, KeyFromEnv, f.Sources["longy"])
	expected, err := wallet.ParseHex(longyKey)
	require.NoError(t, err)
	assert.Equal(t, expected.Address(), longy.Address)
	assert.Equal(t, "1000000000000000000000", longy.Budget().Base.String())
	assert.Equal(t, "500000000000000000", longy.Budget().Protocol.String())
	assert.Equal(t, policy.KindSingleLong, f.Policies["longy"].Kind())

	r1, _ := f.Get("randos-1")
	r2, _ := f.Get("randos-2")
	assert.Equal(t, KeyDerived, f.Sources["randos-1"])
	assert.NotEqual(t, r1.Address, r2.Address)
	assert.Equal(t, "250500000000000000000", r1.Budget().Base.String())

	derived, err := wallet.Derive([]byte("fleet-seed"), "randos-1")
	require.NoError(t, err)
	assert.Equal(t, derived.Address(), r1.Address)
}

func TestBuildGeneratesKeysWithoutSeed(t *testing.T) {
	t.Setenv("HYPERFLEET_TEST_LONGY_KEY", longyKey)
	f, err := Build(parse(t, fleetConfig), Options{})
	require.NoError(t, err)
	defer f.Release()
	assert.Equal(t, KeyGenerated, f.Sources["randos-2"])
}

func TestBuildReleasesKeysOnFailure(t *testing.T) {
	cfg := parse(t, fleetConfig)
	// longy 的私钥环境变量未设置
	_, err := Build(cfg, Options{Seed: []byte("seed")})
	require.Error(t, err)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeConfiguration))
	assert.Contains(t, err.Error(), "HYPERFLEET_TEST_LONGY_KEY")
}

func TestBuildRejectsUnknownPolicy(t *testing.T) {
	cfg := parse(t, fleetConfig)
	cfg.Agents["longy"] = config.AgentConfig{PolicyKind: "martingale", BaseBudget: "1"}
	_, err := Build(cfg, Options{Seed: []byte("seed")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents.longy")
}

func TestBuildRejectsSharedKeyAcrossCount(t *testing.T) {
	cfg := parse(t, fleetConfig)
	ac := cfg.Agents["randos"]
	ac.KeyEnv = "SOME_KEY"
	cfg.Agents["randos"] = ac
	t.Setenv("HYPERFLEET_TEST_LONGY_KEY", longyKey)
	_, err := Build(cfg, Options{Seed: []byte("seed")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count")
}
