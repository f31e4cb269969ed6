// Package credential holds the pure predicate functions used by the step-up
// guard: password verification, second-factor evaluation, and at-rest
// protection for enrolled second-factor secrets. Every failure path collapses
// to false; callers never learn why a check failed.
package credential

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// HashSecret hashes a plaintext secret with bcrypt. Used at provisioning time.
func HashSecret(secret string) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("credential: secret is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret compares a plaintext secret with a stored digest. Fails closed:
// an empty digest or any internal error yields false, never a distinguishing
// signal.
func VerifySecret(plain, digest string) bool {
	if digest == "" || plain == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plain)) == nil
}
