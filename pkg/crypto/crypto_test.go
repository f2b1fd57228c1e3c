package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"
)

func randomKey(t testing.TB) []byte {
	t.Helper()
	key := make([]byte, KeyLength)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func randomSalt(t testing.TB) []byte {
	t.Helper()
	salt, err := GenerateSalt()
	if err != nil {
		t.Fatalf("GenerateSalt() error = %v", err)
	}
	return salt
}

// TestDeriveKey tests the Argon2id key derivation function
func TestDeriveKey(t *testing.T) {
	password := []byte("test-password-123")
	salt := randomSalt(t)

	key := DeriveKey(password, salt)
	if len(key) != KeyLength {
		t.Errorf("DeriveKey() returned key of length %d, want %d", len(key), KeyLength)
	}

	key2 := DeriveKey(password, salt)
	if !bytes.Equal(key, key2) {
		t.Error("DeriveKey() with same inputs should produce identical keys")
	}

	if bytes.Equal(key, DeriveKey([]byte("different-password"), salt)) {
		t.Error("DeriveKey() with different password should produce different key")
	}
	if bytes.Equal(key, DeriveKey(password, randomSalt(t))) {
		t.Error("DeriveKey() with different salt should produce different key")
	}
}

// TestDeriveKeyParameters verifies Argon2id parameters match OWASP recommendations
func TestDeriveKeyParameters(t *testing.T) {
	if Argon2Memory != 64*1024 {
		t.Errorf("Argon2Memory = %d, want %d (64MB)", Argon2Memory, 64*1024)
	}
	if Argon2Time != 3 {
		t.Errorf("Argon2Time = %d, want 3", Argon2Time)
	}
	if Argon2Threads != 4 {
		t.Errorf("Argon2Threads = %d, want 4", Argon2Threads)
	}
	if KeyLength != 32 {
		t.Errorf("KeyLength = %d, want 32 (256-bit)", KeyLength)
	}
}

func TestDeriveAllKeysDeterministic(t *testing.T) {
	password := NormalizePassword("correct-horse")
	salt := randomSalt(t)

	a, err := DeriveAllKeys(password, salt)
	if err != nil {
		t.Fatalf("DeriveAllKeys() error = %v", err)
	}
	defer a.Wipe()
	b, err := DeriveAllKeys(password, salt)
	if err != nil {
		t.Fatalf("DeriveAllKeys() error = %v", err)
	}
	defer b.Wipe()

	if !bytes.Equal(a.Index.Bytes(), b.Index.Bytes()) ||
		!bytes.Equal(a.Entry.Bytes(), b.Entry.Bytes()) ||
		!bytes.Equal(a.Metadata.Bytes(), b.Metadata.Bytes()) ||
		!bytes.Equal(a.Verification, b.Verification) {
		t.Error("DeriveAllKeys() with identical inputs should produce identical hierarchies")
	}

	// the four outputs are distinct from each other
	all := [][]byte{a.Index.Bytes(), a.Entry.Bytes(), a.Metadata.Bytes(), a.Verification}
	for i := range all {
		for j := i + 1; j < len(all); j++ {
			if bytes.Equal(all[i], all[j]) {
				t.Errorf("derived keys %d and %d are equal", i, j)
			}
		}
	}
}

func TestDeriveAllKeysInputSensitivity(t *testing.T) {
	salt := randomSalt(t)
	base, err := DeriveAllKeys([]byte("correct-horse"), salt)
	if err != nil {
		t.Fatalf("DeriveAllKeys() error = %v", err)
	}
	defer base.Wipe()

	tests := []struct {
		name     string
		password []byte
		salt     []byte
	}{
		{"different password", []byte("correct-horsf"), salt},
		{"different salt", []byte("correct-horse"), randomSalt(t)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other, err := DeriveAllKeys(tt.password, tt.salt)
			if err != nil {
				t.Fatalf("DeriveAllKeys() error = %v", err)
			}
			defer other.Wipe()

			if bytes.Equal(base.Index.Bytes(), other.Index.Bytes()) {
				t.Error("index key unchanged")
			}
			if bytes.Equal(base.Entry.Bytes(), other.Entry.Bytes()) {
				t.Error("entry key unchanged")
			}
			if bytes.Equal(base.Metadata.Bytes(), other.Metadata.Bytes()) {
				t.Error("metadata key unchanged")
			}
			if bytes.Equal(base.Verification, other.Verification) {
				t.Error("verification hash unchanged")
			}
		})
	}
}

func TestDeriveAllKeysShortSalt(t *testing.T) {
	if _, err := DeriveAllKeys([]byte("pw"), make([]byte, 8)); err != ErrInvalidSalt {
		t.Errorf("DeriveAllKeys() error = %v, want %v", err, ErrInvalidSalt)
	}
}

func TestKeyHierarchyWipe(t *testing.T) {
	keys, err := DeriveAllKeys([]byte("pw"), randomSalt(t))
	if err != nil {
		t.Fatalf("DeriveAllKeys() error = %v", err)
	}
	if !keys.Alive() {
		t.Fatal("expected fresh keys to be alive")
	}
	keys.Wipe()
	if keys.Alive() {
		t.Error("expected keys to be wiped")
	}
	if keys.Entry.Bytes() != nil {
		t.Error("entry key still readable after Wipe")
	}
}

func TestVerifyPassword(t *testing.T) {
	salt := randomSalt(t)
	keys, err := DeriveAllKeys([]byte("correct-horse"), salt)
	if err != nil {
		t.Fatalf("DeriveAllKeys() error = %v", err)
	}
	stored := append([]byte(nil), keys.Verification...)
	keys.Wipe()

	if !VerifyPassword([]byte("correct-horse"), salt, stored) {
		t.Error("VerifyPassword() = false for the correct password")
	}
	if VerifyPassword([]byte("wrong"), salt, stored) {
		t.Error("VerifyPassword() = true for a wrong password")
	}
	if VerifyPassword([]byte("correct-horse"), salt, stored[:8]) {
		t.Error("VerifyPassword() = true for a truncated hash")
	}
}

func TestNormalizePassword(t *testing.T) {
	composed := "caf\u00e9"
	decomposed := "cafe\u0301"
	if !bytes.Equal(NormalizePassword(composed), NormalizePassword(decomposed)) {
		t.Error("NormalizePassword() should map canonically equivalent strings to the same bytes")
	}
}

// TestSealInvalidKeyLength tests that Seal and Open reject invalid key lengths
func TestSealInvalidKeyLength(t *testing.T) {
	tests := []struct {
		name   string
		keyLen int
	}{
		{"too short (16 bytes)", 16},
		{"too short (24 bytes)", 24},
		{"too long (48 bytes)", 48},
		{"empty key", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := make([]byte, tt.keyLen)
			if _, err := Seal(key, []byte("test data"), nil); err != ErrInvalidKeyLength {
				t.Errorf("Seal() error = %v, want %v", err, ErrInvalidKeyLength)
			}
			if _, err := Open(key, make([]byte, 64), nil); err != ErrInvalidKeyLength {
				t.Errorf("Open() error = %v, want %v", err, ErrInvalidKeyLength)
			}
		})
	}
}

func TestSealWireFormat(t *testing.T) {
	key := randomKey(t)
	plaintext := []byte("secret data to encrypt")

	payload, err := Seal(key, plaintext, nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if want := NonceLength + len(plaintext) + TagLength; len(payload) != want {
		t.Errorf("Seal() payload length = %d, want %d", len(payload), want)
	}
	if bytes.Contains(payload, plaintext) {
		t.Error("Seal() payload contains the plaintext")
	}

	empty, err := Seal(key, []byte{}, nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(empty) != NonceLength+TagLength {
		t.Errorf("Seal() empty payload length = %d, want %d", len(empty), NonceLength+TagLength)
	}
}

// TestSealOpenRoundTrip tests multiple seal/open cycles
func TestSealOpenRoundTrip(t *testing.T) {
	key := randomKey(t)

	large := make([]byte, 10000)
	if _, err := rand.Read(large); err != nil {
		t.Fatalf("failed to generate random data: %v", err)
	}

	testCases := []struct {
		name      string
		plaintext []byte
		aad       []byte
	}{
		{"empty", []byte{}, nil},
		{"small", []byte("x"), []byte("entry-1")},
		{"medium", []byte("This is a medium-length test string for encryption."), []byte("entry-1_chunk_3")},
		{"large", large, []byte("entry-2")},
		{"binary", []byte{0x00, 0xFF, 0x01, 0xFE, 0x02, 0xFD}, nil},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := Seal(key, tc.plaintext, tc.aad)
			if err != nil {
				t.Fatalf("Seal() error = %v", err)
			}
			got, err := Open(key, payload, tc.aad)
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			if !bytes.Equal(got, tc.plaintext) {
				t.Errorf("round trip failed: got length %d, want length %d", len(got), len(tc.plaintext))
			}
		})
	}
}

func TestOpenWrongAssociatedData(t *testing.T) {
	key := randomKey(t)
	payload, err := Seal(key, []byte("chunk body"), []byte("e1_chunk_0"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	for _, aad := range [][]byte{[]byte("e1_chunk_1"), []byte("e2_chunk_0"), nil} {
		if _, err := Open(key, payload, aad); err != ErrDecryptionFailed {
			t.Errorf("Open() with aad %q error = %v, want %v", aad, err, ErrDecryptionFailed)
		}
	}
}

func TestOpenWrongKey(t *testing.T) {
	payload, err := Seal(randomKey(t), []byte("secret data"), nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if _, err := Open(randomKey(t), payload, nil); err != ErrDecryptionFailed {
		t.Errorf("Open() with wrong key error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestOpenTruncated(t *testing.T) {
	key := randomKey(t)
	payload, err := Seal(key, []byte("secret data"), nil)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	for _, n := range []int{0, 5, NonceLength, NonceLength + TagLength - 1, len(payload) - 1} {
		if _, err := Open(key, payload[:n], nil); err != ErrDecryptionFailed {
			t.Errorf("Open() of %d-byte prefix error = %v, want %v", n, err, ErrDecryptionFailed)
		}
	}
}

// TestOpenEveryBitFlip flips each bit of a sealed payload in turn.
func TestOpenEveryBitFlip(t *testing.T) {
	key := randomKey(t)
	aad := []byte("entry-7")
	payload, err := Seal(key, []byte("secret data that should be protected"), aad)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	for i := 0; i < len(payload)*8; i++ {
		tampered := append([]byte(nil), payload...)
		tampered[i/8] ^= 1 << (i % 8)
		if _, err := Open(key, tampered, aad); err != ErrDecryptionFailed {
			t.Fatalf("Open() with bit %d flipped error = %v, want %v", i, err, ErrDecryptionFailed)
		}
	}
}

// TestSealProducesUniqueNonce tests that each seal produces a unique nonce
func TestSealProducesUniqueNonce(t *testing.T) {
	key := randomKey(t)
	nonces := make(map[string]bool)

	for i := 0; i < 100; i++ {
		payload, err := Seal(key, []byte("test data"), nil)
		if err != nil {
			t.Fatalf("Seal() error = %v", err)
		}
		nonce := string(payload[:NonceLength])
		if nonces[nonce] {
			t.Errorf("Seal() produced duplicate nonce on iteration %d", i)
		}
		nonces[nonce] = true
	}
}

func TestSealStringRoundTrip(t *testing.T) {
	key := randomKey(t)
	encoded, err := SealString(key, []byte("config blob"), nil)
	if err != nil {
		t.Fatalf("SealString() error = %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(encoded); err != nil {
		t.Fatalf("SealString() output is not base64: %v", err)
	}

	got, err := OpenString(key, encoded, nil)
	if err != nil {
		t.Fatalf("OpenString() error = %v", err)
	}
	if string(got) != "config blob" {
		t.Errorf("OpenString() = %q, want %q", got, "config blob")
	}

	if _, err := OpenString(key, "%%%not-base64", nil); err != ErrDecryptionFailed {
		t.Errorf("OpenString() with bad base64 error = %v, want %v", err, ErrDecryptionFailed)
	}
}

func TestChunkAAD(t *testing.T) {
	tests := []struct {
		index, count int
		want         string
	}{
		{0, 1, "abc"},
		{0, 3, "abc_chunk_0"},
		{2, 3, "abc_chunk_2"},
	}
	for _, tt := range tests {
		if got := string(ChunkAAD("abc", tt.index, tt.count)); got != tt.want {
			t.Errorf("ChunkAAD(abc, %d, %d) = %q, want %q", tt.index, tt.count, got, tt.want)
		}
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) {
		t.Error("ConstantTimeEqual() = false for equal slices")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Error("ConstantTimeEqual() = true for different slices")
	}
	if ConstantTimeEqual([]byte("abc"), []byte("ab")) {
		t.Error("ConstantTimeEqual() = true for different lengths")
	}
}

// TestSecureWipe tests that SecureWipe zeros out memory
func TestSecureWipe(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	SecureWipe(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("SecureWipe() byte[%d] = %d, want 0", i, b)
		}
	}

	// Should not panic on empty or nil slices
	SecureWipe([]byte{})
	SecureWipe(nil)
}

// BenchmarkDeriveAllKeys benchmarks the full key hierarchy derivation
func BenchmarkDeriveAllKeys(b *testing.B) {
	password := []byte("benchmark-password-123")
	salt := randomSalt(b)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		keys, err := DeriveAllKeys(password, salt)
		if err != nil {
			b.Fatal(err)
		}
		keys.Wipe()
	}
}

// BenchmarkSeal benchmarks sealing a 1KB payload
func BenchmarkSeal(b *testing.B) {
	key := randomKey(b)
	plaintext := make([]byte, 1024)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Seal(key, plaintext, []byte("entry"))
	}
}
