package crypto

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const testHexKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestParseHexKey(t *testing.T) {
	plain, err := ParseHexKey(testHexKey)
	require.NoError(t, err)
	prefixed, err := ParseHexKey("0x" + testHexKey + "\n")
	require.NoError(t, err)
	require.Equal(t, plain.Address(), prefixed.Address())
	require.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), plain.Address())

	_, err = ParseHexKey("")
	require.Error(t, err)
	_, err = ParseHexKey("zz")
	require.Error(t, err)
}

func TestKeystoreRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "keys", "authority.json")
	require.NoError(t, saveToKeystore(path, key, "hunter2", keystore.LightScryptN, keystore.LightScryptP))

	loaded, err := LoadFromKeystore(path, "hunter2")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = LoadFromKeystore(path, "wrong")
	require.Error(t, err)
}

func TestLoadKeyPrefersHex(t *testing.T) {
	called := false
	key, err := LoadKey(testHexKey, "/does/not/exist", func() (string, error) {
		called = true
		return "", nil
	})
	require.NoError(t, err)
	require.False(t, called)
	require.NotNil(t, key)
}

func TestLoadKeyFromKeystore(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "authority.json")
	require.NoError(t, saveToKeystore(path, key, "pw", keystore.LightScryptN, keystore.LightScryptP))

	loaded, err := LoadKey("", path, func() (string, error) { return "pw", nil })
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	boom := errors.New("no tty")
	_, err = LoadKey("", path, func() (string, error) { return "", boom })
	require.ErrorIs(t, err, boom)

	_, err = LoadKey("", "", nil)
	require.Error(t, err)
}
