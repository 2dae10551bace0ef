package authzserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/keyward/authserver/pkg/jose"
	"github.com/keyward/authserver/pkg/keyset"
	"github.com/keyward/authserver/pkg/oauth2"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/segmentio/ksuid"
)

// GrantedToken is one issued token set. A refresh never mutates it: the
// refresh grant produces a new GrantedToken and marks this one superseded.
type GrantedToken struct {
	ID           string
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Scopes       []string
	ClientID     string
	Subject      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	// Payload snapshots taken at issuance, served by introspection and
	// userinfo without re-parsing the signed tokens.
	IDTokenPayload  json.RawMessage
	UserInfoPayload json.RawMessage
	// RPT binding, set only for tokens minted from a UMA ticket.
	ResourceSetID string
	TicketID      string
	Superseded    bool
	Revoked       bool
	RevokedAt     time.Time
}

// GrantContext is the input to token issuance, assembled by the grant
// handlers.
type GrantContext struct {
	Client      *ClientMetadata
	Subject     string
	Scopes      []string
	Nonce       string
	AuthTime    time.Time
	ACR         string
	AMR         []string
	Claims      map[string]any
	WithIDToken bool
	WithRefresh bool
	// RPT binding for UMA issuance.
	ResourceSetID string
	TicketID      string
	Permissions   []map[string]any
}

// TokenFactoryConfig is the issuance policy: lifetimes, issuer identity and
// the access token representation.
type TokenFactoryConfig struct {
	Issuer           string
	Audience         []string
	AccessTokenTTL   time.Duration
	IDTokenTTL       time.Duration
	SigningAlgorithm jwa.SignatureAlgorithm
	// OpaqueAccessTokens switches the access token from a JWS to a random
	// string resolvable only through introspection.
	OpaqueAccessTokens bool
}

func (c *TokenFactoryConfig) applyDefaults() {
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = 5 * time.Minute
	}
	if c.IDTokenTTL == 0 {
		c.IDTokenTTL = 5 * time.Minute
	}
	if c.SigningAlgorithm == "" {
		c.SigningAlgorithm = jwa.ES256
	}
}

// TokenFactory assembles access, refresh and ID tokens and writes the
// granted set through the token store.
type TokenFactory struct {
	cfg    TokenFactoryConfig
	engine *jose.Engine
	store  TokenStore
}

func NewTokenFactory(cfg TokenFactoryConfig, engine *jose.Engine, store TokenStore) *TokenFactory {
	cfg.applyDefaults()
	return &TokenFactory{cfg: cfg, engine: engine, store: store}
}

// IssueTokenSet builds the token set for a completed grant and persists it.
func (f *TokenFactory) IssueTokenSet(ctx context.Context, grant *GrantContext) (*GrantedToken, error) {
	now := time.Now()
	expiresAt := now.Add(f.cfg.AccessTokenTTL)

	granted := &GrantedToken{
		ID:            ksuid.New().String(),
		TokenType:     "Bearer",
		Scopes:        grant.Scopes,
		ClientID:      grant.Client.ClientID,
		Subject:       grant.Subject,
		CreatedAt:     now,
		ExpiresAt:     expiresAt,
		ResourceSetID: grant.ResourceSetID,
		TicketID:      grant.TicketID,
	}

	accessToken, err := f.buildAccessToken(granted, grant, now)
	if err != nil {
		return nil, err
	}
	granted.AccessToken = accessToken

	if grant.WithRefresh {
		granted.RefreshToken = oauth2.GenerateOpaqueToken(48)
	}

	if grant.WithIDToken {
		idToken, payload, err := f.buildIDToken(grant, now)
		if err != nil {
			return nil, err
		}
		granted.IDToken = idToken
		granted.IDTokenPayload = payload
		granted.UserInfoPayload = payload
	}

	if err := f.store.Save(ctx, granted); err != nil {
		return nil, fmt.Errorf("save granted token: %w", err)
	}
	return granted, nil
}

// RefreshTokenSet redeems a refresh token for a fresh token set. The old
// refresh token is consumed atomically; a second redemption of the same
// token fails with invalid_grant.
func (f *TokenFactory) RefreshTokenSet(ctx context.Context, client *ClientMetadata, refreshToken string) (*GrantedToken, error) {
	previous, err := f.store.ConsumeRefreshToken(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oauth2.InvalidGrant("the refresh token is not valid")
		}
		return nil, err
	}
	if previous.ClientID != client.ClientID {
		return nil, oauth2.InvalidGrant("the refresh token is not valid")
	}

	grant := &GrantContext{
		Client:      client,
		Subject:     previous.Subject,
		Scopes:      previous.Scopes,
		WithRefresh: true,
		WithIDToken: false,
	}
	return f.IssueTokenSet(ctx, grant)
}

// Response converts a granted token set to the token endpoint wire form.
func (t *GrantedToken) Response() *oauth2.TokenResponse {
	return &oauth2.TokenResponse{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		ExpiresIn:    int(time.Until(t.ExpiresAt).Seconds()),
		Scope:        oauth2.JoinScope(t.Scopes),
		RefreshToken: t.RefreshToken,
		IDToken:      t.IDToken,
	}
}

func (f *TokenFactory) buildAccessToken(granted *GrantedToken, grant *GrantContext, now time.Time) (string, error) {
	if f.cfg.OpaqueAccessTokens {
		return oauth2.GenerateOpaqueToken(48), nil
	}

	token := jwt.New()
	token.Set(jwt.IssuerKey, f.cfg.Issuer)
	token.Set(jwt.SubjectKey, grant.Subject)
	if len(f.cfg.Audience) > 0 {
		token.Set(jwt.AudienceKey, f.cfg.Audience)
	}
	token.Set(jwt.JwtIDKey, granted.ID)
	token.Set(jwt.IssuedAtKey, now.Unix())
	token.Set(jwt.ExpirationKey, granted.ExpiresAt.Unix())
	token.Set("client_id", grant.Client.ClientID)
	if len(grant.Scopes) > 0 {
		token.Set("scope", oauth2.JoinScope(grant.Scopes))
	}
	if len(grant.Permissions) > 0 {
		token.Set("permissions", grant.Permissions)
	}

	return f.signToken(token)
}

func (f *TokenFactory) buildIDToken(grant *GrantContext, now time.Time) (string, json.RawMessage, error) {
	token := jwt.New()
	token.Set(jwt.IssuerKey, f.cfg.Issuer)
	token.Set(jwt.SubjectKey, grant.Subject)
	token.Set(jwt.AudienceKey, grant.Client.ClientID)
	token.Set(jwt.ExpirationKey, now.Add(f.cfg.IDTokenTTL).Unix())
	token.Set(jwt.IssuedAtKey, now.Unix())
	token.Set("azp", grant.Client.ClientID)
	if !grant.AuthTime.IsZero() {
		token.Set("auth_time", grant.AuthTime.Unix())
	}
	if grant.Nonce != "" {
		token.Set("nonce", grant.Nonce)
	}
	if grant.ACR != "" {
		token.Set("acr", grant.ACR)
	}
	if len(grant.AMR) > 0 {
		token.Set("amr", grant.AMR)
	}
	for name, value := range grant.Claims {
		token.Set(name, value)
	}

	payload, err := json.Marshal(token)
	if err != nil {
		return "", nil, fmt.Errorf("marshal id token claims: %w", err)
	}

	signed, err := f.signToken(token)
	if err != nil {
		return "", nil, err
	}

	// nest the JWS in a JWE when the client registered for encrypted ID
	// tokens
	if grant.Client.IDTokenEncryptionAlg != "" {
		encrypted, err := f.encryptIDToken(signed, grant.Client)
		if err != nil {
			return "", nil, err
		}
		return encrypted, payload, nil
	}

	return signed, payload, nil
}

func (f *TokenFactory) signToken(token jwt.Token) (string, error) {
	key, ok := f.engine.Keys().SigningKey(f.cfg.SigningAlgorithm)
	if !ok {
		return "", fmt.Errorf("no active signing key for %s", f.cfg.SigningAlgorithm)
	}
	signed, err := jwt.Sign(token, jwt.WithKey(f.cfg.SigningAlgorithm, key))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return string(signed), nil
}

func (f *TokenFactory) encryptIDToken(signed string, client *ClientMetadata) (string, error) {
	set, err := client.RegisteredJWKS()
	if err != nil {
		return "", err
	}
	alg := jwa.KeyEncryptionAlgorithm(client.IDTokenEncryptionAlg)
	enc := jwa.A256GCM
	if client.IDTokenEncryptionEnc != "" {
		enc = jwa.ContentEncryptionAlgorithm(client.IDTokenEncryptionEnc)
	}

	// prefer a key marked use=enc, fall back to the first key in the set
	var encKey jwk.Key
	for i := 0; i < set.Len(); i++ {
		key, _ := set.Key(i)
		if key.KeyUsage() == keyset.UsageEncryption {
			encKey = key
			break
		}
		if encKey == nil {
			encKey = key
		}
	}
	if encKey == nil {
		return "", fmt.Errorf("client %s has no encryption key", client.ClientID)
	}

	return f.engine.EncryptJWE([]byte(signed), alg, enc, encKey)
}
