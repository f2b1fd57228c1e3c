package twofactor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	// Step is the TOTP time step.
	Step = 30 * time.Second
	// Digits is the TOTP code length.
	Digits = 6
	// Skew is the number of steps accepted either side of now.
	Skew = 1

	secretSize = 20
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// GenerateSecret returns a random 160-bit base32 secret.
func GenerateSecret() (string, error) {
	secret := make([]byte, secretSize)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("twofactor: failed to generate secret: %w", err)
	}
	return secretEncoding.EncodeToString(secret), nil
}

// Code returns the code for secret at time t.
func Code(secret string, t time.Time) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", err
	}
	defer zero(key)
	return computeCode(key, uint64(t.Unix()/int64(Step/time.Second))), nil
}

// matchStep returns the time step code matches within the skew window
// around when.
func matchStep(code, secret string, when time.Time) (int64, bool) {
	code = strings.TrimSpace(code)
	if len(code) != Digits {
		return 0, false
	}
	key, err := decodeSecret(secret)
	if err != nil {
		return 0, false
	}
	defer zero(key)

	counter := when.Unix() / int64(Step/time.Second)
	for i := int64(-Skew); i <= Skew; i++ {
		cur := counter + i
		if cur < 0 {
			continue
		}
		if hmac.Equal([]byte(computeCode(key, uint64(cur))), []byte(code)) {
			return cur, true
		}
	}
	return 0, false
}

// ProvisionURI returns the otpauth:// URI authenticator apps import.
func ProvisionURI(account, issuer, secret string) string {
	label := url.PathEscape(issuer) + ":" + url.PathEscape(account)
	q := url.Values{}
	q.Set("secret", secret)
	q.Set("issuer", issuer)
	q.Set("algorithm", "SHA1")
	q.Set("digits", fmt.Sprint(Digits))
	q.Set("period", fmt.Sprint(int(Step/time.Second)))
	return "otpauth://totp/" + label + "?" + q.Encode()
}

func computeCode(secret []byte, counter uint64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)

	mac := hmac.New(sha1.New, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	trunc := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7FFFFFFF
	return fmt.Sprintf("%0*d", Digits, trunc%1000000)
}

func decodeSecret(secret string) ([]byte, error) {
	secret = strings.ToUpper(strings.TrimSpace(secret))
	key, err := secretEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("twofactor: invalid secret: %w", err)
	}
	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
