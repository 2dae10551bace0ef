package keyset_test

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"testing"

	"github.com/keyward/authserver/pkg/keyset"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/require"
)

func ecOnlyConfig() keyset.Config {
	return keyset.Config{
		SignatureAlgorithms: []jwa.SignatureAlgorithm{jwa.ES256},
	}
}

func TestManagerActiveKeys(t *testing.T) {
	m, err := keyset.NewManager(keyset.DefaultConfig())
	require.NoError(t, err)

	sigKeys := m.ActiveKeys(keyset.UsageSignature)
	require.Len(t, sigKeys, 3)
	encKeys := m.ActiveKeys(keyset.UsageEncryption)
	require.Len(t, encKeys, 1)

	for _, alg := range []jwa.SignatureAlgorithm{jwa.ES256, jwa.RS256, jwa.PS256} {
		key, ok := m.SigningKey(alg)
		require.True(t, ok, "missing signing key for %s", alg)
		require.NotEmpty(t, key.KeyID())
		require.Equal(t, keyset.UsageSignature, key.KeyUsage())
	}

	_, ok := m.EncryptionKey(jwa.RSA_OAEP)
	require.True(t, ok)
}

func TestManagerRequiresAlgorithms(t *testing.T) {
	_, err := keyset.NewManager(keyset.Config{})
	require.Error(t, err)
}

func TestRotateRetiresGenerations(t *testing.T) {
	m, err := keyset.NewManager(ecOnlyConfig())
	require.NoError(t, err)

	gen1, _ := m.SigningKey(jwa.ES256)
	require.True(t, m.Rotate())
	gen2, _ := m.SigningKey(jwa.ES256)
	require.NotEqual(t, gen1.KeyID(), gen2.KeyID())

	// both previous generations still resolvable
	_, found := m.KeyByID(gen1.KeyID())
	require.True(t, found)

	require.True(t, m.Rotate())
	_, found = m.KeyByID(gen1.KeyID())
	require.True(t, found, "generation within retirement window must stay resolvable")

	// a third rotation pushes gen1 out of the retirement window
	require.True(t, m.Rotate())
	_, found = m.KeyByID(gen1.KeyID())
	require.False(t, found)
	_, found = m.KeyByID(gen2.KeyID())
	require.True(t, found)
}

func TestPublicJWKSContainsNoPrivateMaterial(t *testing.T) {
	m, err := keyset.NewManager(keyset.DefaultConfig())
	require.NoError(t, err)

	set, err := m.PublicJWKS()
	require.NoError(t, err)
	require.Equal(t, 4, set.Len())

	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		require.True(t, ok)

		var raw any
		require.NoError(t, key.Raw(&raw))
		switch raw.(type) {
		case *ecdsa.PrivateKey, *rsa.PrivateKey:
			t.Fatalf("private key material in public JWKS, kid %s", key.KeyID())
		}
		require.NotEmpty(t, key.KeyID())
	}
}

func TestGenerateKeyThumbprintKid(t *testing.T) {
	key, err := keyset.GenerateKey(jwa.ES256.String(), keyset.UsageSignature, 0)
	require.NoError(t, err)

	thumbprint, err := keyset.ThumbprintS256(key)
	require.NoError(t, err)
	require.Equal(t, thumbprint, key.KeyID())
}
