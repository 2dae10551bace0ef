// Package jose is the JWT engine of the authorization server: JWS signing
// and verification, JWE encryption and decryption, and the base64url
// primitives they rest on. It performs no I/O; key material comes from the
// caller or from the keyset manager by kid.
package jose

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/keyward/authserver/pkg/keyset"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const AlgorithmNone = "none"

// Engine signs and verifies JWS and encrypts and decrypts JWE against the
// key manager.
type Engine struct {
	keys *keyset.Manager
}

func NewEngine(keys *keyset.Manager) *Engine {
	return &Engine{keys: keys}
}

// Keys exposes the underlying key manager, mainly for the JWKS endpoint.
func (e *Engine) Keys() *keyset.Manager {
	return e.keys
}

type verifyConfig struct {
	key       jwk.Key
	allowNone bool
}

type VerifyOption func(*verifyConfig)

// WithKey pins verification to a specific key instead of resolving the
// header kid through the key manager.
func WithKey(key jwk.Key) VerifyOption {
	return func(c *verifyConfig) {
		c.key = key
	}
}

// WithAllowNone accepts unsigned tokens (alg none). Only ever enabled for
// internally generated tokens, never for external input.
func WithAllowNone() VerifyOption {
	return func(c *verifyConfig) {
		c.allowNone = true
	}
}

// SignJWS produces the compact serialization of payload under the given
// headers and key. The algorithm comes from the headers when set, from the
// key otherwise. alg none yields an empty third segment.
func (e *Engine) SignJWS(payload []byte, headers jws.Headers, key jwk.Key) (string, error) {
	if headers == nil {
		headers = jws.NewHeaders()
	}

	alg := headers.Algorithm().String()
	if alg == "" && key != nil {
		alg = key.Algorithm().String()
	}
	if alg == "" {
		return "", fmt.Errorf("no signing algorithm in header or key")
	}

	if alg == AlgorithmNone {
		headers.Set(jws.AlgorithmKey, jwa.NoSignature)
		headerJSON, err := json.Marshal(headers)
		if err != nil {
			return "", fmt.Errorf("marshal header: %w", err)
		}
		return Base64URLEncode(headerJSON) + "." + Base64URLEncode(payload) + ".", nil
	}

	if key == nil {
		return "", fmt.Errorf("no signing key for alg %s", alg)
	}
	if headers.KeyID() == "" && key.KeyID() != "" {
		headers.Set(jws.KeyIDKey, key.KeyID())
	}

	signed, err := jws.Sign(payload,
		jws.WithKey(jwa.SignatureAlgorithm(alg), key, jws.WithProtectedHeaders(headers)))
	if err != nil {
		return "", fmt.Errorf("sign jws: %w", err)
	}
	return string(signed), nil
}

// VerifyJWS checks the signature of a compact JWS and returns the payload.
// Without an explicit key the header kid is resolved through the key
// manager; a failed resolution surfaces as ErrKeyNotFound, every signature
// problem as ErrInvalidSignature.
func (e *Engine) VerifyJWS(compact string, opts ...VerifyOption) ([]byte, error) {
	var cfg verifyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	msg, err := jws.Parse([]byte(compact))
	if err != nil {
		return nil, ErrMalformed
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return nil, ErrMalformed
	}
	headers := sigs[0].ProtectedHeaders()

	if headers.Algorithm() == jwa.NoSignature {
		if !cfg.allowNone {
			return nil, ErrInvalidSignature
		}
		if len(sigs[0].Signature()) != 0 {
			return nil, ErrInvalidSignature
		}
		return msg.Payload(), nil
	}

	key := cfg.key
	if key == nil {
		kid := headers.KeyID()
		if kid == "" {
			return nil, ErrKeyNotFound
		}
		resolved, ok := e.keys.KeyByID(kid)
		if !ok {
			return nil, ErrKeyNotFound
		}
		key = resolved
	}

	payload, err := jws.Verify([]byte(compact), jws.WithKey(headers.Algorithm(), verificationKey(key)))
	if err != nil {
		return nil, ErrInvalidSignature
	}
	return payload, nil
}

// ParseToken verifies a compact JWT and returns its claims. Temporal
// validation is left to the caller, which needs to distinguish expired from
// invalid.
func (e *Engine) ParseToken(compact string, opts ...VerifyOption) (jwt.Token, error) {
	if _, err := e.VerifyJWS(compact, opts...); err != nil {
		return nil, err
	}
	token, err := jwt.ParseInsecure([]byte(compact))
	if err != nil {
		return nil, ErrMalformed
	}
	return token, nil
}

// IsCompactJWS reports whether a token value has the three-segment shape of
// a compact JWS. Used to route opaque versus JWT credentials.
func IsCompactJWS(token string) bool {
	return strings.Count(token, ".") == 2
}

// verificationKey maps a private key to its public half where possible, so
// callers can hand in either.
func verificationKey(key jwk.Key) jwk.Key {
	if pub, err := key.PublicKey(); err == nil {
		return pub
	}
	return key
}
