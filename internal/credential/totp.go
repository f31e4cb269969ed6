package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	totpStep   = 30 * time.Second
	totpDigits = 6
	// Accept one step of clock drift in either direction.
	totpSkewSteps = 1
)

// GenerateTOTPSecret returns a fresh base32 seed for enrollment.
func GenerateTOTPSecret() (string, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf), nil
}

// VerifyTOTP decrypts the enrolled seed and evaluates the time-window code.
// Any decrypt or parse error yields false.
func VerifyTOTP(keeper *Keeper, encryptedSecret []byte, code string, now time.Time) bool {
	if keeper == nil || len(encryptedSecret) == 0 {
		return false
	}
	seed, err := keeper.Decrypt(encryptedSecret)
	if err != nil {
		return false
	}
	return verifyCode(string(seed), code, now)
}

func verifyCode(secret, code string, now time.Time) bool {
	code = strings.TrimSpace(code)
	if len(code) != totpDigits {
		return false
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).
		DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil {
		return false
	}
	counter := uint64(now.Unix()) / uint64(totpStep.Seconds())
	for offset := -totpSkewSteps; offset <= totpSkewSteps; offset++ {
		expected := hotp(key, counter+uint64(int64(offset)))
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// hotp implements RFC 4226 dynamic truncation over HMAC-SHA1.
func hotp(key []byte, counter uint64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(sha1.New, key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", value%1000000)
}

// CodeAt computes the current code for a plaintext seed. Exposed for
// enrollment flows and tests.
func CodeAt(secret string, now time.Time) (string, error) {
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).
		DecodeString(strings.ToUpper(strings.TrimRight(secret, "=")))
	if err != nil {
		return "", err
	}
	counter := uint64(now.Unix()) / uint64(totpStep.Seconds())
	return hotp(key, counter), nil
}
