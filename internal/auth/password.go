package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

// ErrWeakPassword reports a password that fails the strength policy.
var ErrWeakPassword = errors.New("password must be at least 8 characters with upper, lower, and digit")

// HashPassword hashes a plaintext password with bcrypt at the given cost.
// Cost zero uses bcrypt's default.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether the plaintext matches the stored hash.
// bcrypt compares in constant time per hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidatePasswordStrength enforces the minimum policy: 8+ characters
// containing at least one upper, one lower, and one digit.
func ValidatePasswordStrength(password string) error {
	if len(password) < 8 {
		return ErrWeakPassword
	}
	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}
	if !hasUpper || !hasLower || !hasDigit {
		return ErrWeakPassword
	}
	return nil
}

const (
	tempPasswordLength = 12
	tempPasswordChars  = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	tempUpperChars     = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	tempLowerChars     = "abcdefghijkmnpqrstuvwxyz"
	tempDigitChars     = "23456789"
)

// GenerateTemporaryPassword returns a random 12-character password that
// always contains an uppercase letter and a digit, so it passes the
// strength policy when the user is later forced to change it.
func GenerateTemporaryPassword() (string, error) {
	buf := make([]byte, tempPasswordLength)
	for i := range buf {
		c, err := randomChar(tempPasswordChars)
		if err != nil {
			return "", err
		}
		buf[i] = c
	}
	// Pin one of each required class at fixed positions so the result
	// always passes the strength policy.
	upper, err := randomChar(tempUpperChars)
	if err != nil {
		return "", err
	}
	lower, err := randomChar(tempLowerChars)
	if err != nil {
		return "", err
	}
	digit, err := randomChar(tempDigitChars)
	if err != nil {
		return "", err
	}
	buf[0] = upper
	buf[1] = lower
	buf[len(buf)-1] = digit
	return string(buf), nil
}

func randomChar(set string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(set))))
	if err != nil {
		return 0, fmt.Errorf("random char: %w", err)
	}
	return set[n.Int64()], nil
}
