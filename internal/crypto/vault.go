// Package crypto implements SafeRun's token-at-rest encryption: AES-256-GCM
// with a random 96-bit nonce, wire format base64(nonce‖ciphertext‖tag).
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"strings"

	"github.com/saferun/saferun/internal/saferunerr"
)

const (
	nonceSize = 12
	keySize   = 32
)

// knownPlaintextPrefixes are GitHub credential prefixes that can never be
// mistaken for ciphertext — used by LooksEncrypted.
var knownPlaintextPrefixes = []string{"ghp_", "github_pat_", "gho_", "ghu_", "ghs_", "ghr_"}

// Vault encrypts and decrypts token-shaped strings at rest. One Vault per
// process, constructed at the composition root from the configured key.
type Vault struct {
	gcm cipher.AEAD
}

// New builds a Vault from a base64-encoded 32-byte key. Per spec.md §4.1,
// boot fails closed if the key is absent or the wrong length.
func New(keyB64 string) (*Vault, error) {
	if keyB64 == "" {
		return nil, saferunerr.New(saferunerr.Internal, "SR_ENCRYPTION_KEY not configured")
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "invalid SR_ENCRYPTION_KEY", err)
	}
	if len(key) != keySize {
		return nil, saferunerr.New(saferunerr.Internal, "SR_ENCRYPTION_KEY must decode to 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "failed to init cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, saferunerr.Wrap(saferunerr.Internal, "failed to init GCM", err)
	}
	return &Vault{gcm: gcm}, nil
}

// Encrypt returns base64(nonce‖ciphertext‖tag). Empty input round-trips as
// empty — a change with no credential attached must not acquire one.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "failed to generate nonce", err)
	}
	sealed := v.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. A tampered or mis-keyed ciphertext returns an
// error rather than garbage plaintext — callers at the store boundary treat
// that as "field unavailable", never as a hard read failure (spec.md §4.2).
func (v *Vault) Decrypt(encoded string) (string, error) {
	if encoded == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "invalid ciphertext encoding", err)
	}
	if len(raw) < nonceSize {
		return "", saferunerr.New(saferunerr.Internal, "ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", saferunerr.Wrap(saferunerr.Internal, "decryption failed: tampered or wrong key", err)
	}
	return string(plaintext), nil
}

// LooksEncrypted distinguishes a known-prefix plaintext provider token from
// a base64 blob long enough to be a real AEAD payload (nonce + tag + >=0
// bytes of plaintext = 28 bytes minimum). Used by the C2 migration helper
// and by invariant 2 in spec.md §8.
func LooksEncrypted(s string) bool {
	if s == "" {
		return false
	}
	for _, p := range knownPlaintextPrefixes {
		if strings.HasPrefix(s, p) {
			return false
		}
	}
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) >= nonceSize+16
}
