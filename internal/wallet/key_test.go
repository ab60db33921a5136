package wallet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "hyperfleet/internal/errors"
)

// well-known anvil account #0
const anvilKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestParseHexDerivesAddress(t *testing.T) {
	key, err := ParseHex(anvilKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), key.Address())

	_, err = ParseHex("not-a-key")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "not-a-key")
	assert.Equal(t, xerrors.CodeConfiguration, xerrors.CodeOf(err))
}

func TestKeyNeverRendersSecret(t *testing.T) {
	key, err := ParseHex(anvilKey)
	require.NoError(t, err)
	secret := strings.TrimPrefix(anvilKey, "0x")

	outputs := []string{
		fmt.Sprintf("%v", key),
		fmt.Sprintf("%+v", key),
		fmt.Sprintf("%#v", key),
		fmt.Sprintf("%s", key),
		key.String(),
	}
	raw, err := json.Marshal(key)
	require.NoError(t, err)
	outputs = append(outputs, string(raw))

	var buf bytes.Buffer
	slog.New(slog.NewJSONHandler(&buf, nil)).Info("loaded", slog.Any("key", key))
	outputs = append(outputs, buf.String())

	for _, out := range outputs {
		assert.NotContains(t, out, secret)
		assert.Contains(t, out, redacted)
	}
}

func TestDeriveIsDeterministic(t *testing.T) {
	seed := []byte("fleet-seed")
	a1, err := Derive(seed, "agent-1")
	require.NoError(t, err)
	a1again, err := Derive(seed, "agent-1")
	require.NoError(t, err)
	a2, err := Derive(seed, "agent-2")
	require.NoError(t, err)

	assert.Equal(t, a1.Address(), a1again.Address())
	assert.NotEqual(t, a1.Address(), a2.Address())

	_, err = Derive(nil, "agent-1")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeConfiguration))
}

func TestReleaseStopsSigning(t *testing.T) {
	key, err := Generate()
	require.NoError(t, err)
	signer := types.LatestSignerForChainID(big.NewInt(1337))
	tx := types.NewTx(&types.DynamicFeeTx{ChainID: big.NewInt(1337), Gas: 21000, GasFeeCap: big.NewInt(1), GasTipCap: big.NewInt(1)})

	signed, err := key.SignTx(tx, signer)
	require.NoError(t, err)
	from, err := types.Sender(signer, signed)
	require.NoError(t, err)
	assert.Equal(t, key.Address(), from)

	var ring Keyring
	ring.Track(key)
	assert.Equal(t, 1, ring.Len())
	ring.ReleaseAll()

	assert.True(t, key.Released())
	_, err = key.SignTx(tx, signer)
	assert.True(t, xerrors.IsCode(err, xerrors.CodeKeyReleased))
	assert.Equal(t, from, key.Address())
	key.Release()
}

func TestLoadFromEnvClearsVariable(t *testing.T) {
	t.Setenv("HYPERFLEET_TEST_KEY", anvilKey)
	key, err := LoadFromEnv("HYPERFLEET_TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), key.Address())
	_, err = LoadFromEnv("HYPERFLEET_TEST_KEY")
	assert.True(t, xerrors.IsCode(err, xerrors.CodeConfiguration))
}
