package authzserver

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	hashSaltLength = 16
	hashIterations = 100000
	hashKeyLength  = 32
)

// HashSecret returns the PBKDF2 hash of the given client secret as
// "salt.key", both base64url encoded.
func HashSecret(secret string) (string, error) {
	salt := make([]byte, hashSaltLength)
	_, err := rand.Read(salt)
	if err != nil {
		return "", err
	}

	derivedKey := pbkdf2.Key([]byte(secret), salt, hashIterations, hashKeyLength, sha256.New)
	saltB64 := base64.RawURLEncoding.EncodeToString(salt)
	keyB64 := base64.RawURLEncoding.EncodeToString(derivedKey)

	return saltB64 + "." + keyB64, nil
}

// VerifySecretHash checks a secret against a stored "salt.key" hash in
// constant time.
func VerifySecretHash(secret, hash string) (bool, error) {
	parts := strings.Split(hash, ".")
	if len(parts) != 2 {
		return false, fmt.Errorf("invalid hash format")
	}

	salt, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return false, err
	}
	storedKey, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return false, err
	}

	derivedKey := pbkdf2.Key([]byte(secret), salt, hashIterations, hashKeyLength, sha256.New)
	return subtle.ConstantTimeCompare(storedKey, derivedKey) == 1, nil
}
