package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, keySize)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestVault_EncryptDecrypt_RoundTrip(t *testing.T) {
	v, err := New(testKey(t))
	require.NoError(t, err)

	tests := []struct {
		name      string
		plaintext string
	}{
		{"github pat", "ghp_abc123def456"},
		{"empty string", ""},
		{"unicode", "tökèn-日本語"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := v.Encrypt(tt.plaintext)
			require.NoError(t, err)

			if tt.plaintext == "" {
				assert.Equal(t, "", ct)
				return
			}

			pt, err := v.Decrypt(ct)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, pt)
		})
	}
}

func TestVault_Encrypt_NonceRandomness(t *testing.T) {
	v, err := New(testKey(t))
	require.NoError(t, err)

	a, err := v.Encrypt("ghp_same_plaintext")
	require.NoError(t, err)
	b, err := v.Encrypt("ghp_same_plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "two encryptions of the same plaintext must differ")

	da, err := v.Decrypt(a)
	require.NoError(t, err)
	db, err := v.Decrypt(b)
	require.NoError(t, err)
	assert.Equal(t, da, db)
}

func TestVault_Decrypt_TamperedCiphertextFails(t *testing.T) {
	v, err := New(testKey(t))
	require.NoError(t, err)

	ct, err := v.Encrypt("ghp_secret")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = v.Decrypt(tampered)
	assert.Error(t, err)
}

func TestNew_RejectsBadKey(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)

	_, err = New(base64.StdEncoding.EncodeToString([]byte("too-short")))
	assert.Error(t, err)
}

func TestLooksEncrypted(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"github pat prefix", "ghp_abc123", false},
		{"github fine-grained prefix", "github_pat_abc", false},
		{"empty", "", false},
		{"not base64", "not base64!!", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LooksEncrypted(tt.in))
		})
	}

	v, err := New(testKey(t))
	require.NoError(t, err)
	ct, err := v.Encrypt("ghp_real_token_value")
	require.NoError(t, err)
	assert.True(t, LooksEncrypted(ct))
}
