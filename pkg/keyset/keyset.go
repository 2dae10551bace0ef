// Package keyset owns the process-wide signing and encryption key material.
// Keys are organized in generations: the active generation signs and
// encrypts, retired generations remain available for verification until two
// further rotations have happened.
package keyset

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

const (
	UsageSignature  = "sig"
	UsageEncryption = "enc"
)

// retiredGenerations is the number of previous generations kept for
// verification after rotation.
const retiredGenerations = 2

// Config selects the algorithms a Manager generates keys for on every
// rotation.
type Config struct {
	SignatureAlgorithms  []jwa.SignatureAlgorithm     `yaml:"signature_algorithms"`
	EncryptionAlgorithms []jwa.KeyEncryptionAlgorithm `yaml:"encryption_algorithms"`
	RSAKeySize           int                          `yaml:"rsa_key_size"`
}

// DefaultConfig covers the algorithms the token factory and JWT engine use
// out of the box.
func DefaultConfig() Config {
	return Config{
		SignatureAlgorithms:  []jwa.SignatureAlgorithm{jwa.ES256, jwa.RS256, jwa.PS256},
		EncryptionAlgorithms: []jwa.KeyEncryptionAlgorithm{jwa.RSA_OAEP},
		RSAKeySize:           2048,
	}
}

type generation struct {
	keys      []jwk.Key
	createdAt time.Time
}

type state struct {
	active  *generation
	retired []*generation
}

// Manager hands out keys by usage and id and rotates generations atomically.
// Readers go through an atomic pointer, so an in-flight verification that
// captured a key before a rotation completes against that key.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	current atomic.Pointer[state]
}

// NewManager creates a manager and generates the first key generation.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.RSAKeySize == 0 {
		cfg.RSAKeySize = 2048
	}
	m := &Manager{cfg: cfg}
	m.current.Store(&state{})
	if !m.Rotate() {
		return nil, fmt.Errorf("no key algorithms configured")
	}
	return m, nil
}

// Rotate generates a fresh key per configured algorithm, retires the
// previous active generation and drops anything older than two rotations.
// It returns false when the manager has nothing to rotate.
func (m *Manager) Rotate() bool {
	if len(m.cfg.SignatureAlgorithms) == 0 && len(m.cfg.EncryptionAlgorithms) == 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	gen := &generation{createdAt: time.Now()}
	for _, alg := range m.cfg.SignatureAlgorithms {
		key, err := generateKey(alg.String(), UsageSignature, m.cfg.RSAKeySize)
		if err != nil {
			// key generation only fails when the platform RNG is broken
			return false
		}
		gen.keys = append(gen.keys, key)
	}
	for _, alg := range m.cfg.EncryptionAlgorithms {
		key, err := generateKey(alg.String(), UsageEncryption, m.cfg.RSAKeySize)
		if err != nil {
			return false
		}
		gen.keys = append(gen.keys, key)
	}

	old := m.current.Load()
	next := &state{active: gen}
	if old.active != nil {
		next.retired = append([]*generation{old.active}, old.retired...)
	}
	if len(next.retired) > retiredGenerations {
		next.retired = next.retired[:retiredGenerations]
	}

	m.current.Store(next)
	return true
}

// ActiveKeys returns the private keys of the active generation for the
// given usage.
func (m *Manager) ActiveKeys(usage string) []jwk.Key {
	st := m.current.Load()
	if st.active == nil {
		return nil
	}
	var keys []jwk.Key
	for _, key := range st.active.keys {
		if key.KeyUsage() == usage {
			keys = append(keys, key)
		}
	}
	return keys
}

// SigningKey returns the active private key for the given signature
// algorithm.
func (m *Manager) SigningKey(alg jwa.SignatureAlgorithm) (jwk.Key, bool) {
	for _, key := range m.ActiveKeys(UsageSignature) {
		if key.Algorithm().String() == alg.String() {
			return key, true
		}
	}
	return nil, false
}

// EncryptionKey returns the active private key for the given key-wrap
// algorithm.
func (m *Manager) EncryptionKey(alg jwa.KeyEncryptionAlgorithm) (jwk.Key, bool) {
	for _, key := range m.ActiveKeys(UsageEncryption) {
		if key.Algorithm().String() == alg.String() {
			return key, true
		}
	}
	return nil, false
}

// KeyByID resolves a key by kid across the active and retired generations.
// Retired keys are what keep tokens signed before a rotation verifiable.
func (m *Manager) KeyByID(kid string) (jwk.Key, bool) {
	st := m.current.Load()
	if st.active != nil {
		for _, key := range st.active.keys {
			if key.KeyID() == kid {
				return key, true
			}
		}
	}
	for _, gen := range st.retired {
		for _, key := range gen.keys {
			if key.KeyID() == kid {
				return key, true
			}
		}
	}
	return nil, false
}

// PublicJWKS exports the public material of the active generation,
// signature and encryption keys both, for the JWKS endpoint.
func (m *Manager) PublicJWKS() (jwk.Set, error) {
	set := jwk.NewSet()
	st := m.current.Load()
	if st.active == nil {
		return set, nil
	}
	for _, key := range st.active.keys {
		pub, err := key.PublicKey()
		if err != nil {
			return nil, fmt.Errorf("get public key: %w", err)
		}
		if err := set.AddKey(pub); err != nil {
			return nil, fmt.Errorf("add key to set: %w", err)
		}
	}
	return set, nil
}

// GenerateKey creates a fresh key for the given algorithm and usage, with
// the RFC 7638 thumbprint as kid.
func GenerateKey(alg, usage string, rsaBits int) (jwk.Key, error) {
	return generateKey(alg, usage, rsaBits)
}

func generateKey(alg, usage string, rsaBits int) (jwk.Key, error) {
	var raw any
	switch alg {
	case jwa.ES256.String():
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate ec key: %w", err)
		}
		raw = key
	case jwa.RS256.String(), jwa.PS256.String(), jwa.RSA_OAEP.String(), jwa.RSA_OAEP_256.String():
		key, err := rsa.GenerateKey(rand.Reader, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("generate rsa key: %w", err)
		}
		raw = key
	default:
		return nil, fmt.Errorf("unsupported key algorithm: %s", alg)
	}

	key, err := jwk.FromRaw(raw)
	if err != nil {
		return nil, fmt.Errorf("create jwk: %w", err)
	}

	kid, err := ThumbprintS256(key)
	if err != nil {
		return nil, err
	}
	key.Set(jwk.KeyIDKey, kid)
	key.Set(jwk.KeyUsageKey, usage)
	key.Set(jwk.AlgorithmKey, alg)

	return key, nil
}

// ThumbprintS256 returns the RFC 7638 thumbprint of a key, base64url
// encoded. Used as the kid for generated keys.
func ThumbprintS256(key jwk.Key) (string, error) {
	thumbprint, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("could not create thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
