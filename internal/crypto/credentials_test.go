package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	creds := Credentials{
		PolymarketKey:        "pk-123",
		PolymarketSecret:     "c2VjcmV0",
		PolymarketPassphrase: "hunter2",
		KalshiAPIKey:         "kalshi-abc",
	}

	sealed, err := SealCredentials(creds, "correct horse")
	require.NoError(t, err)

	got, err := OpenCredentials(sealed, "correct horse")
	require.NoError(t, err)
	assert.Equal(t, creds, got)
}

func TestOpenRejectsWrongPassword(t *testing.T) {
	sealed, err := SealCredentials(Credentials{PolymarketKey: "pk"}, "right")
	require.NoError(t, err)

	_, err = OpenCredentials(sealed, "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestSealRequiresPassword(t *testing.T) {
	_, err := SealCredentials(Credentials{}, "")
	assert.Error(t, err)
}

func TestLoadCredentialsFromDisk(t *testing.T) {
	sealed, err := SealCredentials(Credentials{KalshiAPIKey: "k-1"}, "pw")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "creds.json")
	require.NoError(t, os.WriteFile(path, sealed, 0o600))

	got, err := LoadCredentials(path, "pw")
	require.NoError(t, err)
	assert.Equal(t, "k-1", got.KalshiAPIKey)

	auth := got.PolymarketAuth()
	assert.Equal(t, "", auth.Key)
}

func TestL2HeadersAtAreDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "key", Secret: "c2VjcmV0", Passphrase: "pp"}

	a := auth.L2HeadersAt("0xabc", "GET", "/orders", "", 1_787_000_000)
	b := auth.L2HeadersAt("0xabc", "GET", "/orders", "", 1_787_000_000)
	assert.Equal(t, a, b)
	assert.Equal(t, "key", a["POLY_API_KEY"])
	assert.Equal(t, "1787000000", a["POLY_TIMESTAMP"])
	assert.NotEmpty(t, a["POLY_SIGNATURE"])

	c := auth.L2HeadersAt("0xabc", "POST", "/orders", "{}", 1_787_000_000)
	assert.NotEqual(t, a["POLY_SIGNATURE"], c["POLY_SIGNATURE"])
}
