package util

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey stretches an operator-supplied secret into an AESKeySize key.
// The info string binds the key to a single purpose.
func DeriveKey(secret []byte, salt []byte, info string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("derive key: empty secret")
	}
	h := hkdf.New(sha256.New, secret, salt, []byte(info))
	k := make([]byte, AESKeySize)
	if _, err := io.ReadFull(h, k); err != nil {
		return nil, fmt.Errorf("reading from HKDF: %w", err)
	}
	return k, nil
}
