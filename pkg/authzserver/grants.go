package authzserver

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/keyward/authserver/pkg/oauth2"
)

// ResourceOwnerAuthenticator validates resource owner credentials for the
// password grant. Implemented by an external identity backend.
type ResourceOwnerAuthenticator interface {
	AuthenticateResourceOwner(ctx context.Context, username, password string) (subject string, err error)
}

// TokenRequest is an authenticated, parsed token-endpoint request handed to
// a grant handler.
type TokenRequest struct {
	GrantType string
	Client    *ClientMetadata
	Form      url.Values
}

// GrantHandler turns a token request into a token response. Handlers return
// *oauth2.Error for protocol failures.
type GrantHandler func(ctx context.Context, req *TokenRequest) (*oauth2.TokenResponse, error)

// Dispatcher routes token requests to grant handlers. The handler table is
// populated once at startup; dispatch is a plain map lookup.
type Dispatcher struct {
	authenticator *ClientAuthenticator
	handlers      map[string]GrantHandler
}

func NewDispatcher(authenticator *ClientAuthenticator) *Dispatcher {
	return &Dispatcher{
		authenticator: authenticator,
		handlers:      make(map[string]GrantHandler),
	}
}

// Register binds a grant type to its handler. Later registrations replace
// earlier ones.
func (d *Dispatcher) Register(grantType string, handler GrantHandler) {
	d.handlers[grantType] = handler
}

// Dispatch runs the token endpoint state machine: validate the request
// form, authenticate the client, check the grant is allowed for it, then
// delegate to the registered handler.
func (d *Dispatcher) Dispatch(ctx context.Context, r *http.Request) (*oauth2.TokenResponse, error) {
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		return nil, oauth2.InvalidRequest("invalid content type")
	}
	if err := r.ParseForm(); err != nil {
		return nil, oauth2.InvalidRequest("unable to parse form")
	}

	grantType := r.FormValue("grant_type")
	if grantType == "" {
		return nil, oauth2.InvalidRequest("missing grant_type")
	}

	if scopes := oauth2.SplitScope(r.FormValue("scope")); oauth2.HasDuplicateScopes(scopes) {
		return nil, oauth2.InvalidRequest("duplicate scope values")
	}

	handler, ok := d.handlers[grantType]
	if !ok {
		slog.Warn("unsupported grant type", "grant_type", grantType)
		return nil, oauth2.UnsupportedGrantType(grantType)
	}

	client, authErr := d.authenticator.Authenticate(ctx, r)
	if authErr != nil {
		return nil, authErr
	}

	if !client.AllowsGrantType(grantType) {
		return nil, oauth2.UnauthorizedClient("grant type not allowed for this client")
	}

	return handler(ctx, &TokenRequest{
		GrantType: grantType,
		Client:    client,
		Form:      r.Form,
	})
}

// GrantService implements the standard OAuth2 grant handlers on top of the
// code service and the token factory.
type GrantService struct {
	codes   *CodeService
	factory *TokenFactory
	owners  ResourceOwnerAuthenticator
}

func NewGrantService(codes *CodeService, factory *TokenFactory, owners ResourceOwnerAuthenticator) *GrantService {
	return &GrantService{codes: codes, factory: factory, owners: owners}
}

// RegisterHandlers wires the standard grants into a dispatcher.
func (g *GrantService) RegisterHandlers(d *Dispatcher) {
	d.Register(oauth2.GrantTypeAuthorizationCode, g.AuthorizationCode)
	d.Register(oauth2.GrantTypeClientCredentials, g.ClientCredentials)
	d.Register(oauth2.GrantTypePassword, g.Password)
	d.Register(oauth2.GrantTypeRefreshToken, g.RefreshToken)
}

// AuthorizationCode redeems a single-use code for a token set.
func (g *GrantService) AuthorizationCode(ctx context.Context, req *TokenRequest) (*oauth2.TokenResponse, error) {
	code := req.Form.Get("code")
	redirectURI := req.Form.Get("redirect_uri")
	if code == "" || redirectURI == "" {
		return nil, oauth2.InvalidRequest("missing code or redirect_uri")
	}

	ac, err := g.codes.Redeem(ctx, req.Client, code, redirectURI, req.Form.Get("code_verifier"))
	if err != nil {
		return nil, err
	}

	granted, err := g.factory.IssueTokenSet(ctx, &GrantContext{
		Client:      req.Client,
		Subject:     ac.Subject,
		Scopes:      ac.Scopes,
		Nonce:       ac.Nonce,
		AuthTime:    ac.AuthTime,
		WithIDToken: hasScope(ac.Scopes, "openid"),
		WithRefresh: req.Client.AllowsGrantType(oauth2.GrantTypeRefreshToken),
	})
	if err != nil {
		return nil, err
	}
	return granted.Response(), nil
}

// ClientCredentials issues a token scoped to the client itself; there is no
// resource owner and no refresh token.
func (g *GrantService) ClientCredentials(ctx context.Context, req *TokenRequest) (*oauth2.TokenResponse, error) {
	scopes := oauth2.SplitScope(req.Form.Get("scope"))
	if len(scopes) == 0 {
		scopes = req.Client.Scopes
	}
	if !req.Client.IsAllowedScopes(scopes) {
		return nil, oauth2.InvalidScope("scope not allowed: " + oauth2.JoinScope(scopes))
	}

	granted, err := g.factory.IssueTokenSet(ctx, &GrantContext{
		Client:  req.Client,
		Subject: req.Client.ClientID,
		Scopes:  scopes,
	})
	if err != nil {
		return nil, err
	}
	return granted.Response(), nil
}

// Password authenticates the resource owner's credentials through the
// delegated backend before issuing tokens.
func (g *GrantService) Password(ctx context.Context, req *TokenRequest) (*oauth2.TokenResponse, error) {
	if g.owners == nil {
		return nil, oauth2.UnsupportedGrantType(oauth2.GrantTypePassword)
	}
	username := req.Form.Get("username")
	password := req.Form.Get("password")
	if username == "" || password == "" {
		return nil, oauth2.InvalidRequest("missing username or password")
	}

	subject, err := g.owners.AuthenticateResourceOwner(ctx, username, password)
	if err != nil {
		slog.Warn("resource owner authentication failed", "username", username)
		return nil, oauth2.InvalidGrant("resource owner credentials are not valid")
	}

	scopes := oauth2.SplitScope(req.Form.Get("scope"))
	if !req.Client.IsAllowedScopes(scopes) {
		return nil, oauth2.InvalidScope("scope not allowed: " + oauth2.JoinScope(scopes))
	}

	granted, err := g.factory.IssueTokenSet(ctx, &GrantContext{
		Client:      req.Client,
		Subject:     subject,
		Scopes:      scopes,
		WithIDToken: hasScope(scopes, "openid"),
		WithRefresh: req.Client.AllowsGrantType(oauth2.GrantTypeRefreshToken),
	})
	if err != nil {
		return nil, err
	}
	return granted.Response(), nil
}

// RefreshToken rotates a refresh token into a fresh token set.
func (g *GrantService) RefreshToken(ctx context.Context, req *TokenRequest) (*oauth2.TokenResponse, error) {
	refreshToken := req.Form.Get("refresh_token")
	if refreshToken == "" {
		return nil, oauth2.InvalidRequest("missing refresh_token")
	}

	granted, err := g.factory.RefreshTokenSet(ctx, req.Client, refreshToken)
	if err != nil {
		return nil, err
	}
	return granted.Response(), nil
}

func hasScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
