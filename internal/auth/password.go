package auth

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// PasswordCost is the bcrypt work factor used by HashPassword.
var PasswordCost = bcrypt.DefaultCost

// HashPassword derives a salted bcrypt hash. Each call uses a fresh salt.
func HashPassword(password string) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("%w: password is empty", ErrInvalidInput)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), PasswordCost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password is too long", ErrInvalidInput)
		}
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares password with a stored hash. Empty or malformed
// hashes never verify.
func VerifyPassword(password, hash string) bool {
	if hash == "" || password == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

var (
	dummyOnce sync.Once
	dummyHash string
)

// burnPasswordCheck spends roughly one verification worth of CPU so that
// unknown identifiers take as long to reject as wrong passwords.
func burnPasswordCheck(password string) {
	dummyOnce.Do(func() {
		h, err := bcrypt.GenerateFromPassword([]byte("access-timing-equalizer"), PasswordCost)
		if err == nil {
			dummyHash = string(h)
		}
	})
	_ = VerifyPassword(password, dummyHash)
}
