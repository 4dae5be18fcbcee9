package crypto

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashKey hashes a function key using bcrypt.
func HashKey(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// IsHash reports whether stored looks like a bcrypt hash rather than a plain key.
func IsHash(stored string) bool {
	return strings.HasPrefix(stored, "$2")
}

// CompareKey compares plaintext to a hashed key.
func CompareKey(hash, plain string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
}
