package authzserver

import (
	"context"
	"errors"
	"time"

	"github.com/keyward/authserver/pkg/oauth2"
)

// AuthorizationCode binds a single-use code to the client, redirect URI,
// scopes and resource owner it was issued for, plus the PKCE challenge when
// one was presented.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	Subject             string
	Nonce               string
	AuthTime            time.Time
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Consumed            bool
}

// DefaultCodeTTL keeps codes short-lived; RFC 6749 recommends at most ten
// minutes.
const DefaultCodeTTL = 60 * time.Second

// CodeService issues and redeems authorization codes.
type CodeService struct {
	store CodeStore
	ttl   time.Duration
}

func NewCodeService(store CodeStore, ttl time.Duration) *CodeService {
	if ttl == 0 {
		ttl = DefaultCodeTTL
	}
	return &CodeService{store: store, ttl: ttl}
}

// IssueRequest carries everything recorded at authorization time.
type IssueRequest struct {
	Client              *ClientMetadata
	RedirectURI         string
	Scopes              []string
	Subject             string
	Nonce               string
	AuthTime            time.Time
	CodeChallenge       string
	CodeChallengeMethod string
}

func (s *CodeService) Issue(ctx context.Context, req IssueRequest) (*AuthorizationCode, error) {
	now := time.Now()
	code := &AuthorizationCode{
		Code:                oauth2.GenerateOpaqueToken(48),
		ClientID:            req.Client.ClientID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		Subject:             req.Subject,
		Nonce:               req.Nonce,
		AuthTime:            req.AuthTime,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.ttl),
	}
	if err := s.store.Save(ctx, code); err != nil {
		return nil, err
	}
	return code, nil
}

// Redeem consumes a code exactly once and validates the redemption against
// what was recorded at issuance. Consumption happens first: a code that
// fails any later check stays burned, which is what RFC 6749 asks for on a
// suspected replay.
func (s *CodeService) Redeem(ctx context.Context, client *ClientMetadata, code, redirectURI, codeVerifier string) (*AuthorizationCode, error) {
	ac, err := s.store.Consume(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, oauth2.InvalidGrant("authorization code is not valid")
		}
		return nil, err
	}

	if time.Now().After(ac.ExpiresAt) {
		return nil, oauth2.InvalidGrant("authorization code is expired")
	}
	if ac.ClientID != client.ClientID {
		return nil, oauth2.InvalidGrant("authorization code was issued to another client")
	}
	if ac.RedirectURI != redirectURI {
		return nil, oauth2.InvalidGrant("redirect_uri mismatch")
	}
	if ac.CodeChallenge != "" {
		if codeVerifier == "" {
			return nil, oauth2.InvalidGrant("code_verifier required")
		}
		if !oauth2.VerifyCodeChallenge(ac.CodeChallengeMethod, ac.CodeChallenge, codeVerifier) {
			return nil, oauth2.InvalidGrant("code_verifier does not match challenge")
		}
	}

	return ac, nil
}
