package authzserver

import (
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

type ClientType string

const (
	ClientTypeConfidential ClientType = "confidential"
	ClientTypePublic       ClientType = "public"
)

// Token endpoint authentication methods per OIDC core.
const (
	AuthMethodNone              = "none"
	AuthMethodClientSecretBasic = "client_secret_basic"
	AuthMethodClientSecretPost  = "client_secret_post"
	AuthMethodPrivateKeyJWT     = "private_key_jwt"
)

// ClientMetadata is the registered description of an OAuth2 client. It is
// immutable at runtime; updates go through the registry.
type ClientMetadata struct {
	Type                    ClientType `yaml:"type" json:"type" validate:"required,oneof=confidential public"`
	ClientID                string     `yaml:"client_id" json:"client_id" validate:"required"`
	ClientSecretHash        string     `yaml:"client_secret_hash" json:"client_secret_hash,omitempty"`
	TokenEndpointAuthMethod string     `yaml:"token_endpoint_auth_method" json:"token_endpoint_auth_method,omitempty"`
	RedirectURIs            []string   `yaml:"redirect_uris" json:"redirect_uris,omitempty"`
	GrantTypes              []string   `yaml:"grant_types" json:"grant_types,omitempty"`
	ResponseTypes           []string   `yaml:"response_types" json:"response_types,omitempty"`
	Scopes                  []string   `yaml:"scopes" json:"scopes,omitempty"`
	ClientName              string     `yaml:"client_name" json:"client_name,omitempty"`
	LogoURI                 string     `yaml:"logo_uri" json:"logo_uri,omitempty"`
	// JwksJSON carries the client's registered key set inline; JwksURI
	// points to a remote one. private_key_jwt requires one of the two.
	JwksJSON string `yaml:"jwks" json:"jwks,omitempty"`
	JwksURI  string `yaml:"jwks_uri" json:"jwks_uri,omitempty"`
	// ID token encryption requested by the client. Empty means plain JWS.
	IDTokenEncryptionAlg string `yaml:"id_token_encryption_alg" json:"id_token_encryption_alg,omitempty"`
	IDTokenEncryptionEnc string `yaml:"id_token_encryption_enc" json:"id_token_encryption_enc,omitempty"`
}

type ClientRegistry interface {
	GetClientMetadata(clientID string) (*ClientMetadata, error)
}

// StaticClientRegistry serves clients from the YAML configuration.
type StaticClientRegistry struct {
	Clients []ClientMetadata `yaml:"clients" json:"clients" validate:"required,dive,required"`
}

func (r *StaticClientRegistry) GetClientMetadata(clientID string) (*ClientMetadata, error) {
	if r.Clients == nil {
		return nil, fmt.Errorf("no clients configured")
	}
	for i := range r.Clients {
		if r.Clients[i].ClientID == clientID {
			return &r.Clients[i], nil
		}
	}
	return nil, fmt.Errorf("client not found: '%s'", clientID)
}

func (m *ClientMetadata) IsAllowedRedirectURI(redirectURI string) bool {
	for _, uri := range m.RedirectURIs {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func (m *ClientMetadata) IsAllowedScope(scope string) bool {
	for _, s := range m.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (m *ClientMetadata) IsAllowedScopes(scopes []string) bool {
	for _, scope := range scopes {
		if !m.IsAllowedScope(scope) {
			return false
		}
	}
	return true
}

func (m *ClientMetadata) AllowsGrantType(grantType string) bool {
	for _, gt := range m.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

func (m *ClientMetadata) AllowsResponseType(responseType string) bool {
	for _, rt := range m.ResponseTypes {
		if rt == responseType {
			return true
		}
	}
	return false
}

// RegisteredJWKS parses the inline key set of the client. Remote key sets
// are resolved by the authenticator, which owns the fetch timeout.
func (m *ClientMetadata) RegisteredJWKS() (jwk.Set, error) {
	if m.JwksJSON == "" {
		return nil, fmt.Errorf("client %s has no registered jwks", m.ClientID)
	}
	set, err := jwk.Parse([]byte(m.JwksJSON))
	if err != nil {
		return nil, fmt.Errorf("parse client jwks: %w", err)
	}
	return set, nil
}
