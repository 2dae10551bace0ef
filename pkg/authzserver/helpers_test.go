package authzserver_test

import (
	"testing"

	"github.com/keyward/authserver/pkg/authzserver"
	"github.com/keyward/authserver/pkg/jose"
	"github.com/keyward/authserver/pkg/keyset"
	"github.com/keyward/authserver/pkg/oauth2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://as.example"

func newTestEngine(t *testing.T) *jose.Engine {
	t.Helper()
	keys, err := keyset.NewManager(keyset.Config{
		SignatureAlgorithms: []jwa.SignatureAlgorithm{jwa.ES256},
	})
	require.NoError(t, err)
	return jose.NewEngine(keys)
}

func newTestFactory(t *testing.T) (*authzserver.TokenFactory, *authzserver.MemoryTokenStore) {
	t.Helper()
	store := authzserver.NewMemoryTokenStore()
	factory := authzserver.NewTokenFactory(authzserver.TokenFactoryConfig{
		Issuer: testIssuer,
	}, newTestEngine(t), store)
	return factory, store
}

func testClient() *authzserver.ClientMetadata {
	return &authzserver.ClientMetadata{
		Type:         authzserver.ClientTypeConfidential,
		ClientID:     "c1",
		RedirectURIs: []string{"https://client.example/cb"},
		Scopes:       []string{"read", "openid"},
		GrantTypes: []string{
			oauth2.GrantTypeAuthorizationCode,
			oauth2.GrantTypeClientCredentials,
			oauth2.GrantTypeRefreshToken,
		},
		ResponseTypes: []string{"code"},
	}
}

func requireOAuth2Error(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	oauthErr, ok := err.(*oauth2.Error)
	require.True(t, ok, "expected *oauth2.Error, got %T: %v", err, err)
	require.Equal(t, code, oauthErr.Code)
}
