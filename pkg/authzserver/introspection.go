package authzserver

import (
	"context"
	"time"

	"github.com/keyward/authserver/pkg/jose"
	"github.com/keyward/authserver/pkg/oauth2"
)

// IntrospectionResponse is the RFC 7662 response body. Everything besides
// active is omitted for inactive tokens.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Sub       string `json:"sub,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Jti       string `json:"jti,omitempty"`
	Iss       string `json:"iss,omitempty"`
	// Permissions carries the UMA resource-set binding of an RPT.
	Permissions []map[string]any `json:"permissions,omitempty"`
}

// Introspector reports the state of a presented token. It never fails for
// an unknown or expired token; that is an active:false response, not an
// error.
type Introspector struct {
	issuer string
	tokens TokenStore
	engine *jose.Engine
}

func NewIntrospector(issuer string, tokens TokenStore, engine *jose.Engine) *Introspector {
	return &Introspector{issuer: issuer, tokens: tokens, engine: engine}
}

var inactive = &IntrospectionResponse{Active: false}

func (i *Introspector) Introspect(ctx context.Context, token string) *IntrospectionResponse {
	if token == "" {
		return inactive
	}

	if granted, err := i.tokens.GetByAccessToken(ctx, token); err == nil {
		return i.fromGrant(granted, granted.ExpiresAt)
	}
	if granted, err := i.tokens.GetByRefreshToken(ctx, token); err == nil {
		if granted.Superseded {
			return inactive
		}
		// refresh tokens live until revoked or superseded
		return i.fromGrant(granted, time.Time{})
	}

	// a JWT unknown to the store may still be one of ours with the grant
	// record expired away; fall back to signature and expiry
	if jose.IsCompactJWS(token) {
		return i.fromJWT(token)
	}

	return inactive
}

func (i *Introspector) fromGrant(granted *GrantedToken, expiresAt time.Time) *IntrospectionResponse {
	if granted.Revoked {
		return inactive
	}
	if !expiresAt.IsZero() && time.Now().After(expiresAt) {
		return inactive
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     oauth2.JoinScope(granted.Scopes),
		ClientID:  granted.ClientID,
		Sub:       granted.Subject,
		TokenType: granted.TokenType,
		Iat:       granted.CreatedAt.Unix(),
		Jti:       granted.ID,
		Iss:       i.issuer,
	}
	if !expiresAt.IsZero() {
		resp.Exp = expiresAt.Unix()
	}
	if granted.ResourceSetID != "" {
		resp.Permissions = []map[string]any{{
			"resource_set_id": granted.ResourceSetID,
			"scopes":          granted.Scopes,
		}}
	}
	return resp
}

func (i *Introspector) fromJWT(token string) *IntrospectionResponse {
	claims, err := i.engine.ParseToken(token)
	if err != nil {
		return inactive
	}
	if !claims.Expiration().IsZero() && time.Now().After(claims.Expiration()) {
		return inactive
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Sub:       claims.Subject(),
		TokenType: "Bearer",
		Jti:       claims.JwtID(),
		Iss:       claims.Issuer(),
	}
	if !claims.Expiration().IsZero() {
		resp.Exp = claims.Expiration().Unix()
	}
	if !claims.IssuedAt().IsZero() {
		resp.Iat = claims.IssuedAt().Unix()
	}
	if scope, ok := claims.Get("scope"); ok {
		if s, ok := scope.(string); ok {
			resp.Scope = s
		}
	}
	if clientID, ok := claims.Get("client_id"); ok {
		if s, ok := clientID.(string); ok {
			resp.ClientID = s
		}
	}
	return resp
}
