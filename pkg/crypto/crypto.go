// Package crypto provides the cryptographic envelope and key hierarchy for vaultsync.
//
// This package implements AES-256-GCM authenticated encryption with associated
// data and Argon2id key derivation following OWASP recommendations.
//
// # Wire Format
//
// Every sealed payload is laid out as
//
//	nonce(12) || ciphertext || tag(16)
//
// and may be base64 encoded for text transport (SealString / OpenString).
//
// # Key Hierarchy
//
// DeriveAllKeys stretches the master password with Argon2id (64MB memory,
// 3 iterations, 4 threads) and splits the result with HKDF-SHA256 into:
//
//   - index key: seals the vault index and the audit log
//   - entry key: seals entry records and file chunks
//   - metadata key: seals provider tokens and auxiliary configuration
//   - verification hash: stored on disk, lets unlock check a password
//     without decrypting anything
//
// # Example Usage
//
//	keys, err := crypto.DeriveAllKeys(crypto.NormalizePassword(pw), salt)
//	defer keys.Wipe()
//
//	payload, err := crypto.Seal(keys.Entry.Bytes(), plaintext, []byte(entryID))
//	plaintext, err := crypto.Open(keys.Entry.Bytes(), payload, []byte(entryID))
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/vaultsync/pkg/secmem"
)

// Argon2id parameters following OWASP recommendations.
const (
	// Argon2Memory is the memory cost in KiB (64MB).
	Argon2Memory = 64 * 1024

	// Argon2Time is the number of iterations.
	Argon2Time = 3

	// Argon2Threads is the degree of parallelism.
	Argon2Threads = 4

	// KeyLength is the length of encryption keys in bytes (256 bits).
	KeyLength = 32

	// NonceLength is the length of GCM nonces in bytes (96 bits).
	NonceLength = 12

	// TagLength is the length of the GCM authentication tag in bytes (128 bits).
	TagLength = 16

	// SaltLength is the length of KDF salts in bytes.
	SaltLength = 16
)

// HKDF info strings for the key hierarchy.
const (
	infoIndexKey     = "vaultsync-index-v1"
	infoEntryKey     = "vaultsync-entry-v1"
	infoMetadataKey  = "vaultsync-metadata-v1"
	infoVerification = "vaultsync-verification-v1"
)

// Sentinel errors returned by crypto functions.
var (
	// ErrInvalidKeyLength indicates the key is not 32 bytes.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length, must be 32 bytes")

	// ErrDecryptionFailed covers every open failure: wrong key, truncated
	// payload, tag mismatch or mismatching associated data.
	ErrDecryptionFailed = errors.New("crypto: decryption failed, authentication tag verification failed")

	// ErrInvalidSalt indicates the salt is shorter than SaltLength.
	ErrInvalidSalt = errors.New("crypto: salt must be at least 16 bytes")
)

// KeyHierarchy is the set of keys derived from one master password.
// Keys live in guarded memory and must be released with Wipe.
type KeyHierarchy struct {
	Index    *secmem.Buffer
	Entry    *secmem.Buffer
	Metadata *secmem.Buffer

	// Verification is persisted and is not secret on its own.
	Verification []byte
}

// Wipe destroys all keys. Safe to call more than once.
func (k *KeyHierarchy) Wipe() {
	if k == nil {
		return
	}
	k.Index.Wipe()
	k.Entry.Wipe()
	k.Metadata.Wipe()
}

// Alive reports whether the keys are still usable.
func (k *KeyHierarchy) Alive() bool {
	return k != nil && k.Index.Alive() && k.Entry.Alive() && k.Metadata.Alive()
}

// Matches compares the derived verification hash with a stored one in constant time.
func (k *KeyHierarchy) Matches(storedHash []byte) bool {
	return ConstantTimeEqual(k.Verification, storedHash)
}

// NormalizePassword returns the NFC form of a password so that the same
// passphrase typed on different platforms derives the same keys.
func NormalizePassword(password string) []byte {
	return []byte(norm.NFC.String(password))
}

// GenerateSalt returns SaltLength bytes from crypto/rand.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 256-bit key from a password using Argon2id.
// The salt should be at least 16 bytes of cryptographically secure random data.
func DeriveKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, Argon2Time, Argon2Memory, Argon2Threads, KeyLength)
}

// DeriveAllKeys derives the full key hierarchy from a password and the vault salt.
// The result is deterministic for a given (password, salt) pair.
func DeriveAllKeys(password, salt []byte) (*KeyHierarchy, error) {
	if len(salt) < SaltLength {
		return nil, ErrInvalidSalt
	}

	master := DeriveKey(password, salt)
	defer SecureWipe(master)

	keys := &KeyHierarchy{
		Index:    secmem.New(KeyLength),
		Entry:    secmem.New(KeyLength),
		Metadata: secmem.New(KeyLength),
	}
	for _, k := range []struct {
		dst  *secmem.Buffer
		info string
	}{
		{keys.Index, infoIndexKey},
		{keys.Entry, infoEntryKey},
		{keys.Metadata, infoMetadataKey},
	} {
		raw, err := ExpandKey(master, k.info)
		if err != nil {
			keys.Wipe()
			return nil, err
		}
		k.dst.Write(raw)
	}

	var err error
	if keys.Verification, err = ExpandKey(master, infoVerification); err != nil {
		keys.Wipe()
		return nil, err
	}

	return keys, nil
}

// VerifyPassword derives the verification hash for password and compares it
// with storedHash in constant time.
func VerifyPassword(password, salt, storedHash []byte) bool {
	keys, err := DeriveAllKeys(password, salt)
	if err != nil {
		return false
	}
	defer keys.Wipe()
	return keys.Matches(storedHash)
}

// ExpandKey derives a KeyLength subkey from secret with HKDF-SHA256.
func ExpandKey(secret []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("crypto: failed to expand key: %w", err)
	}
	return key, nil
}

// ConstantTimeEqual compares two secrets without early exit.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeyLength {
		return nil, ErrInvalidKeyLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext with AES-256-GCM under key, binding it to aad.
//
// A fresh random 12-byte nonce is generated for each call and prepended to
// the ciphertext. aad may be nil for payloads with no disambiguation need.
func Seal(key, plaintext, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, NonceLength, NonceLength+len(plaintext)+gcm.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("crypto: failed to generate nonce: %w", err)
	}

	return gcm.Seal(out, out[:NonceLength], plaintext, aad), nil
}

// Open authenticates and decrypts a payload produced by Seal.
//
// Any failure after the key length check yields ErrDecryptionFailed; callers
// never receive partial plaintext.
func Open(key, payload, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if len(payload) < NonceLength+gcm.Overhead() {
		return nil, ErrDecryptionFailed
	}

	plaintext, err := gcm.Open(nil, payload[:NonceLength], payload[NonceLength:], aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealString seals plaintext and returns the payload as standard base64.
func SealString(key, plaintext, aad []byte) (string, error) {
	payload, err := Seal(key, plaintext, aad)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

// OpenString decodes a base64 payload and opens it. Malformed base64 is
// reported as ErrDecryptionFailed.
func OpenString(key []byte, encoded string, aad []byte) ([]byte, error) {
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return Open(key, payload, aad)
}

// ChunkAAD returns the associated data binding chunk index of entryID.
// A single-chunk payload is bound to the entry id alone.
func ChunkAAD(entryID string, index, count int) []byte {
	if count == 1 {
		return []byte(entryID)
	}
	return []byte(fmt.Sprintf("%s_chunk_%d", entryID, index))
}

// SecureWipe overwrites a byte slice with zeros in a way that prevents
// compiler optimization from removing the operation.
func SecureWipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// runtime.KeepAlive ensures the write operations are not optimized away
	runtime.KeepAlive(b)
}
