package jose

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwe"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// EncryptJWE produces the five-segment compact serialization of plaintext.
// A random CEK is generated per message, wrapped with the recipient key per
// alg and used to encrypt the plaintext per enc. The recipient key may be
// handed in as a private key; only its public half is used.
func (e *Engine) EncryptJWE(plaintext []byte, alg jwa.KeyEncryptionAlgorithm, enc jwa.ContentEncryptionAlgorithm, key jwk.Key) (string, error) {
	encrypted, err := jwe.Encrypt(plaintext,
		jwe.WithKey(alg, verificationKey(key)),
		jwe.WithContentEncryption(enc),
	)
	if err != nil {
		return "", fmt.Errorf("encrypt jwe: %w", err)
	}
	return string(encrypted), nil
}

// DecryptJWE unwraps the CEK with the private key and decrypts the
// ciphertext. The wrap algorithm is taken from the protected header. Any
// failure, integrity-tag mismatch included, fails closed as ErrDecryption
// with no partial output.
func (e *Engine) DecryptJWE(compact string, key jwk.Key) ([]byte, error) {
	msg, err := jwe.Parse([]byte(compact))
	if err != nil {
		return nil, ErrMalformed
	}
	alg := msg.ProtectedHeaders().Algorithm()

	plaintext, err := jwe.Decrypt([]byte(compact), jwe.WithKey(alg, key))
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}
