package authzserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/keyward/authserver/pkg/nonce"
	"github.com/keyward/authserver/pkg/oauth2"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	defaultJwksFetchTimeout = 5 * time.Second
	maxAssertionLifetime    = 10 * time.Minute
)

// ClientAuthenticator validates client credentials before any grant is
// processed. Every failure is reported as invalid_client with the same
// description; the distinguishing detail goes to the server log only.
type ClientAuthenticator struct {
	registry      ClientRegistry
	replay        nonce.ReplayGuard
	tokenEndpoint string
	fetchTimeout  time.Duration
}

func NewClientAuthenticator(registry ClientRegistry, replay nonce.ReplayGuard, tokenEndpoint string) *ClientAuthenticator {
	return &ClientAuthenticator{
		registry:      registry,
		replay:        replay,
		tokenEndpoint: tokenEndpoint,
		fetchTimeout:  defaultJwksFetchTimeout,
	}
}

func errInvalidClient() *oauth2.Error {
	// single message for every sub-check, so a caller cannot probe which
	// one failed
	return oauth2.InvalidClient("client authentication failed")
}

// Authenticate identifies and verifies the requesting client, supporting
// client_secret_basic, client_secret_post and private_key_jwt. The request
// form must already be parsed.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*ClientMetadata, *oauth2.Error) {
	if assertion := r.FormValue("client_assertion"); assertion != "" {
		if r.FormValue("client_assertion_type") != oauth2.ClientAssertionTypeJWTBearer {
			slog.Warn("unsupported client_assertion_type", "type", r.FormValue("client_assertion_type"))
			return nil, errInvalidClient()
		}
		return a.authenticateAssertion(ctx, assertion)
	}

	if clientID, clientSecret, ok := r.BasicAuth(); ok {
		return a.authenticateSecret(clientID, clientSecret, AuthMethodClientSecretBasic)
	}

	clientID := r.FormValue("client_id")
	if clientID == "" {
		slog.Warn("token request without client identification")
		return nil, errInvalidClient()
	}

	if clientSecret := r.FormValue("client_secret"); clientSecret != "" {
		return a.authenticateSecret(clientID, clientSecret, AuthMethodClientSecretPost)
	}

	// public client, identified but not authenticated
	client, err := a.registry.GetClientMetadata(clientID)
	if err != nil {
		slog.Warn("unknown client", "client_id", clientID)
		return nil, errInvalidClient()
	}
	if client.Type != ClientTypePublic {
		slog.Warn("confidential client sent no credentials", "client_id", clientID)
		return nil, errInvalidClient()
	}
	return client, nil
}

func (a *ClientAuthenticator) authenticateSecret(clientID, clientSecret, method string) (*ClientMetadata, *oauth2.Error) {
	client, err := a.registry.GetClientMetadata(clientID)
	if err != nil {
		slog.Warn("unknown client", "client_id", clientID)
		return nil, errInvalidClient()
	}
	if client.Type == ClientTypePublic {
		slog.Warn("public client must not use client_secret", "client_id", clientID)
		return nil, errInvalidClient()
	}
	if m := client.TokenEndpointAuthMethod; m != "" && m != method {
		slog.Warn("client used wrong auth method", "client_id", clientID, "method", method)
		return nil, errInvalidClient()
	}
	ok, err := VerifySecretHash(clientSecret, client.ClientSecretHash)
	if err != nil {
		slog.Error("secret hash verification failed", "client_id", clientID, "error", err)
		return nil, errInvalidClient()
	}
	if !ok {
		slog.Warn("invalid client_secret", "client_id", clientID)
		return nil, errInvalidClient()
	}
	return client, nil
}

// authenticateAssertion verifies a private_key_jwt client assertion: a JWS
// signed with the client's registered key, audience bound to the token
// endpoint, with a mandatory expiry and a single-use jti.
func (a *ClientAuthenticator) authenticateAssertion(ctx context.Context, assertion string) (*ClientMetadata, *oauth2.Error) {
	unverified, err := jwt.ParseInsecure([]byte(assertion))
	if err != nil {
		slog.Warn("malformed client assertion", "error", err)
		return nil, errInvalidClient()
	}
	clientID := unverified.Issuer()
	if clientID == "" || unverified.Subject() != clientID {
		slog.Warn("client assertion iss/sub mismatch", "iss", clientID, "sub", unverified.Subject())
		return nil, errInvalidClient()
	}

	client, err := a.registry.GetClientMetadata(clientID)
	if err != nil {
		slog.Warn("unknown client in assertion", "client_id", clientID)
		return nil, errInvalidClient()
	}
	if client.TokenEndpointAuthMethod != AuthMethodPrivateKeyJWT {
		slog.Warn("client not registered for private_key_jwt", "client_id", clientID)
		return nil, errInvalidClient()
	}

	set, oauthErr := a.resolveClientJWKS(ctx, client)
	if oauthErr != nil {
		return nil, oauthErr
	}

	verified, err := jwt.Parse([]byte(assertion),
		jwt.WithKeySet(set, jws.WithInferAlgorithmFromKey(true), jws.WithRequireKid(false)),
		jwt.WithValidate(true),
		jwt.WithAudience(a.tokenEndpoint),
		jwt.WithRequiredClaim(jwt.ExpirationKey),
		jwt.WithRequiredClaim(jwt.JwtIDKey),
	)
	if err != nil {
		slog.Warn("client assertion verification failed", "client_id", clientID, "error", err)
		return nil, errInvalidClient()
	}

	// one presentation per jti, held until the assertion expires
	ttl := time.Until(verified.Expiration())
	if ttl <= 0 || ttl > maxAssertionLifetime {
		ttl = maxAssertionLifetime
	}
	if err := a.replay.MarkOnce(ctx, "jti:"+clientID+":"+verified.JwtID(), ttl); err != nil {
		if errors.Is(err, nonce.ErrReplayed) {
			slog.Warn("client assertion jti replayed", "client_id", clientID)
			return nil, errInvalidClient()
		}
		// a replay guard outage is an internal fault, not an
		// authentication failure
		slog.Error("replay guard unavailable", "client_id", clientID, "error", err)
		return nil, oauth2.ServerError(err)
	}

	return client, nil
}

// resolveClientJWKS loads the client's registered key set, fetching the
// jwks_uri with a bounded timeout when no inline set is registered. A fetch
// timeout is an internal fault, not an authentication failure.
func (a *ClientAuthenticator) resolveClientJWKS(ctx context.Context, client *ClientMetadata) (jwk.Set, *oauth2.Error) {
	if client.JwksJSON != "" {
		set, err := client.RegisteredJWKS()
		if err != nil {
			slog.Error("invalid registered jwks", "client_id", client.ClientID, "error", err)
			return nil, errInvalidClient()
		}
		return set, nil
	}
	if client.JwksURI == "" {
		slog.Warn("client has neither jwks nor jwks_uri", "client_id", client.ClientID)
		return nil, errInvalidClient()
	}

	fetchCtx, cancel := context.WithTimeout(ctx, a.fetchTimeout)
	defer cancel()
	set, err := jwk.Fetch(fetchCtx, client.JwksURI)
	if err != nil {
		slog.Error("jwks fetch failed", "client_id", client.ClientID, "uri", client.JwksURI, "error", err)
		return nil, oauth2.ServerError(err)
	}
	return set, nil
}
