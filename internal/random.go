package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

const correlationKeyBytes = 24

// NewCorrelationKey returns a 192-bit random value encoded base64url,
// used as challenge keys, OIDC state, and token jti values.
func NewCorrelationKey() (string, error) {
	raw := make([]byte, correlationKeyBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashCode returns the SHA-256 digest of a verification or backup code,
// salted with a caller-supplied scope so equal codes in different
// scopes never share a hash. Callers embed the subject id in the scope
// when the code is bound to one account.
func HashCode(scope, code string) [32]byte {
	return sha256.Sum256([]byte(scope + "\x00" + code))
}

// NewOTP returns a numeric one-time code of the given length.
func NewOTP(digits int) (string, error) {
	if digits < 6 || digits > 10 {
		return "", errors.New("invalid otp digits")
	}

	var b strings.Builder
	b.Grow(digits)

	max := big.NewInt(10)
	for i := 0; i < digits; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}

	otp := b.String()
	if len(otp) != digits {
		return "", fmt.Errorf("invalid otp generation length")
	}
	return otp, nil
}

// backupCodeAlphabet omits 0/O and 1/I to avoid transcription mistakes.
const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewBackupCodes returns count codes of the form XXXX-XXXX (for
// length 8). Plaintext codes are shown to the user once; only salted
// hashes are stored.
func NewBackupCodes(count, length int) ([]string, error) {
	if count <= 0 || count > 32 {
		return nil, errors.New("invalid backup code count")
	}
	if length < 8 || length > 16 || length%2 != 0 {
		return nil, errors.New("invalid backup code length")
	}

	alphabetSize := big.NewInt(int64(len(backupCodeAlphabet)))
	codes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		var b strings.Builder
		b.Grow(length + 1)
		for j := 0; j < length; j++ {
			if j == length/2 {
				b.WriteByte('-')
			}
			n, err := rand.Int(rand.Reader, alphabetSize)
			if err != nil {
				return nil, err
			}
			b.WriteByte(backupCodeAlphabet[n.Int64()])
		}
		codes = append(codes, b.String())
	}
	return codes, nil
}

// CanonicalizeCode uppercases and strips separators and whitespace so
// user-typed backup codes compare stably against stored hashes.
func CanonicalizeCode(code string) string {
	var b strings.Builder
	b.Grow(len(code))
	for _, r := range strings.ToUpper(strings.TrimSpace(code)) {
		if r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
