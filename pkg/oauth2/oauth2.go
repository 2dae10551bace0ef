// Package oauth2 carries the wire-level types shared by the authorization
// server endpoints: RFC 6749 error bodies, token responses, grant type
// identifiers and PKCE helpers.
package oauth2

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeUMATicket         = "urn:ietf:params:oauth:grant-type:uma-ticket"
)

const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

const ClientAssertionTypeJWTBearer = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Error is an RFC 6749 error body. It doubles as a Go error so that grant
// handlers can return it directly and let the endpoint middleware render it.
type Error struct {
	HttpStatus  int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	// Ticket is set on UMA need_info errors so the client can retry
	// the same permission request with additional claims.
	Ticket string `json:"ticket,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func InvalidRequest(description string) *Error {
	return &Error{HttpStatus: http.StatusBadRequest, Code: "invalid_request", Description: description}
}

func InvalidClient(description string) *Error {
	return &Error{HttpStatus: http.StatusUnauthorized, Code: "invalid_client", Description: description}
}

func InvalidGrant(description string) *Error {
	return &Error{HttpStatus: http.StatusBadRequest, Code: "invalid_grant", Description: description}
}

func InvalidScope(description string) *Error {
	return &Error{HttpStatus: http.StatusBadRequest, Code: "invalid_scope", Description: description}
}

func UnauthorizedClient(description string) *Error {
	return &Error{HttpStatus: http.StatusBadRequest, Code: "unauthorized_client", Description: description}
}

func UnsupportedGrantType(grantType string) *Error {
	return &Error{
		HttpStatus:  http.StatusBadRequest,
		Code:        "unsupported_grant_type",
		Description: fmt.Sprintf("unsupported grant type: %s", grantType),
	}
}

func ServerError(err error) *Error {
	return &Error{HttpStatus: http.StatusInternalServerError, Code: "server_error", Description: err.Error()}
}

func ExpiredTicket() *Error {
	return &Error{HttpStatus: http.StatusBadRequest, Code: "expired_ticket", Description: "the permission ticket has expired"}
}

func NotAuthorized() *Error {
	return &Error{HttpStatus: http.StatusForbidden, Code: "not_authorized", Description: "the request is not authorized by any policy"}
}

// NeedInfo carries a fresh ticket so the client can retry the permission
// request with additional claims attached.
func NeedInfo(ticket string) *Error {
	return &Error{
		HttpStatus:  http.StatusForbidden,
		Code:        "need_info",
		Description: "additional claims are required to evaluate the policy",
		Ticket:      ticket,
	}
}

// TokenResponse is the success body of the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	// Upgraded is set on UMA ticket grants when an existing RPT was extended.
	Upgraded bool `json:"upgraded,omitempty"`
}

// SplitScope splits a space-delimited scope parameter, dropping empty
// entries so that doubled spaces do not produce phantom scopes.
func SplitScope(scope string) []string {
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func JoinScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopesSubset reports whether every requested scope is contained in allowed.
func ScopesSubset(requested, allowed []string) bool {
	for _, r := range requested {
		found := false
		for _, a := range allowed {
			if r == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// HasDuplicateScopes reports whether a scope appears more than once in the
// request, which RFC 6749 treats as a malformed parameter.
func HasDuplicateScopes(scopes []string) bool {
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if _, ok := seen[s]; ok {
			return true
		}
		seen[s] = struct{}{}
	}
	return false
}

// S256ChallengeFromVerifier computes the S256 PKCE transform of a verifier.
func S256ChallengeFromVerifier(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// VerifyCodeChallenge checks a PKCE verifier against the challenge recorded
// at authorization time. Comparison is constant-time so redemption attempts
// cannot probe the challenge byte by byte.
func VerifyCodeChallenge(method, challenge, verifier string) bool {
	var derived string
	switch method {
	case CodeChallengeMethodS256:
		derived = S256ChallengeFromVerifier(verifier)
	case CodeChallengeMethodPlain, "":
		derived = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}

// GenerateOpaqueToken returns a URL-safe random string with size bytes of
// entropy, used for authorization codes, refresh tokens and opaque RPTs.
func GenerateOpaqueToken(size int) string {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process cannot do anything useful
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}
