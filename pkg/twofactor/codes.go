package twofactor

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/forest6511/vaultsync/pkg/crypto"
)

const (
	// DefaultBackupCodes is the number of codes issued per enrollment.
	DefaultBackupCodes = 10

	codeLength   = 10
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	hashPrefix   = "v2"
	codeSaltSize = 16
)

// GenerateBackupCodes returns n codes formatted XXXXX-XXXXX.
func GenerateBackupCodes(n int) ([]string, error) {
	codes := make([]string, n)
	buf := make([]byte, codeLength)
	for i := range codes {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("twofactor: failed to generate backup code: %w", err)
		}
		var b strings.Builder
		for j, c := range buf {
			if j == codeLength/2 {
				b.WriteByte('-')
			}
			b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
		}
		codes[i] = b.String()
	}
	return codes, nil
}

// normalizeCode strips separators and upper-cases a typed code.
func normalizeCode(code string) string {
	code = strings.ToUpper(code)
	return strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' {
			return -1
		}
		return r
	}, code)
}

// legacyDigest is the unsalted SHA-256 hex digest older configs stored.
func legacyDigest(code string) string {
	sum := sha256.Sum256([]byte(normalizeCode(code)))
	return hex.EncodeToString(sum[:])
}

// isLegacyHash reports whether stored is an unsalted digest.
func isLegacyHash(stored string) bool {
	if len(stored) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(stored)
	return err == nil
}

// saltDigest hashes the legacy digest of a code under salt, so a legacy
// hash can be upgraded without knowing the code.
func saltDigest(salt []byte, digest string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(digest))
	return hex.EncodeToString(h.Sum(nil))
}

func hashFromDigest(digest string) (string, error) {
	salt := make([]byte, codeSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("twofactor: failed to generate salt: %w", err)
	}
	return hashPrefix + "$" + base64.RawStdEncoding.EncodeToString(salt) + "$" + saltDigest(salt, digest), nil
}

// HashBackupCode returns the stored form of code: v2$salt$hash.
func HashBackupCode(code string) (string, error) {
	return hashFromDigest(legacyDigest(code))
}

// matchBackupCode reports whether code matches a salted stored hash.
// Legacy hashes never match.
func matchBackupCode(code, stored string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 3 || parts[0] != hashPrefix {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	return crypto.ConstantTimeEqual([]byte(saltDigest(salt, legacyDigest(code))), []byte(parts[2]))
}
