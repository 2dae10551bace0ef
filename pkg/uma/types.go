// Package uma implements UMA 2.0 resource protection: registered resource
// sets, owner policies, permission tickets and RPT issuance through the
// uma-ticket grant.
package uma

import (
	"time"
)

const (
	// GrantType is the uma-ticket token endpoint grant.
	GrantType = "urn:ietf:params:oauth:grant-type:uma-ticket"

	ClaimTokenFormatJWT = "urn:ietf:params:oauth:token-type:jwt"
)

// ResourceSet is an UMA-protected resource registered by its owner.
type ResourceSet struct {
	ID        string   `json:"_id" yaml:"id"`
	Owner     string   `json:"owner,omitempty" yaml:"owner"`
	Name      string   `json:"name" yaml:"name" validate:"required"`
	Type      string   `json:"type,omitempty" yaml:"type"`
	URI       string   `json:"uri,omitempty" yaml:"uri"`
	Scopes    []string `json:"resource_scopes" yaml:"scopes" validate:"required,min=1"`
	PolicyIDs []string `json:"-" yaml:"policy_ids"`
}

// Policy groups the rules an owner attached to one or more resource sets.
type Policy struct {
	ID             string       `json:"id" yaml:"id"`
	Name           string       `json:"name,omitempty" yaml:"name"`
	Rules          []PolicyRule `json:"rules" yaml:"rules"`
	ResourceSetIDs []string     `json:"resource_set_ids,omitempty" yaml:"resource_set_ids"`
}

// PolicyRule is a single conjunction of checks. A rule authorizes a request
// only when every configured check passes.
type PolicyRule struct {
	Name             string           `json:"name,omitempty" yaml:"name"`
	ClientIDsAllowed []string         `json:"client_ids_allowed,omitempty" yaml:"client_ids_allowed"`
	Scopes           []string         `json:"scopes,omitempty" yaml:"scopes"`
	Claims           []ClaimPredicate `json:"claims,omitempty" yaml:"claims"`
	// RequireConsent demands an explicit consent record from the resource
	// owner for the requesting party.
	RequireConsent bool `json:"require_consent,omitempty" yaml:"require_consent"`
	// Script is an optional expr-lang expression evaluated against the
	// request; it must yield a boolean.
	Script string `json:"script,omitempty" yaml:"script"`
	// RequiredIssuer constrains claim tokens to a specific external
	// OpenID provider.
	RequiredIssuer string `json:"required_issuer,omitempty" yaml:"required_issuer"`
}

// ClaimPredicate matches a pushed claim by type. An empty Value accepts any
// value, requiring only that the claim is present.
type ClaimPredicate struct {
	Type  string `json:"type" yaml:"type" validate:"required"`
	Value string `json:"value,omitempty" yaml:"value"`
}

// Ticket is a pending permission request: which resource set, which scopes.
// Single use; exchanged for an RPT at the token endpoint.
type Ticket struct {
	ID            string    `json:"id"`
	ResourceSetID string    `json:"resource_set_id"`
	Scopes        []string  `json:"scopes"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

func (t *Ticket) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// ConsentRecord marks that a resource owner approved access for a
// requesting party to a resource set.
type ConsentRecord struct {
	ResourceSetID   string    `json:"resource_set_id" yaml:"resource_set_id"`
	RequestingParty string    `json:"requesting_party" yaml:"requesting_party"`
	GrantedAt       time.Time `json:"granted_at" yaml:"granted_at"`
}

// Permission is the RPT permission entry describing granted access to a
// resource set, embedded in the access token and introspection response.
type Permission struct {
	ResourceSetID string   `json:"resource_set_id"`
	Scopes        []string `json:"scopes"`
	Expiry        int64    `json:"exp,omitempty"`
}
