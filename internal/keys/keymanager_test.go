package keys

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// Throwaway key, never funded.
const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := Encrypt(testKeyHex, "correct horse")
	require.NoError(t, err)

	got, err := Decrypt(blob, "correct horse")
	require.NoError(t, err)
	require.Equal(t, testKeyHex, got)

	_, err = Decrypt(blob, "wrong password")
	require.Error(t, err)
}

func TestEncryptRejectsBadKeys(t *testing.T) {
	_, err := Encrypt(testKeyHex, "")
	require.Error(t, err)

	_, err = Encrypt("not-hex", "pw")
	require.Error(t, err)

	_, err = Encrypt("abcd", "pw") // too short
	require.Error(t, err)
}

func TestLoadPrefersRawKey(t *testing.T) {
	got, err := Load(Source{RawPrivateKey: "0x" + testKeyHex})
	require.NoError(t, err)
	require.Equal(t, testKeyHex, got)
}

func TestLoadFromEncryptedFile(t *testing.T) {
	blob, err := Encrypt(testKeyHex, "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "settlement.key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := Load(Source{EncryptedKeyPath: path, Password: "pw"})
	require.NoError(t, err)
	require.Equal(t, testKeyHex, got)

	_, err = Load(Source{})
	require.Error(t, err)
}

func TestAddressDerivation(t *testing.T) {
	addr, err := Address(testKeyHex)
	require.NoError(t, err)
	// Well-known address for this well-known test key.
	require.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", addr.Hex())

	_, err = Address("zz")
	require.Error(t, err)
}
