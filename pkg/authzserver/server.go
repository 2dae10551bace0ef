// Package authzserver implements the OAuth2 / OIDC authorization server
// core: client authentication, authorization codes, grant dispatch, token
// issuance and introspection, exposed over echo.
package authzserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/keyward/authserver/pkg/jose"
	"github.com/keyward/authserver/pkg/keyset"
	"github.com/keyward/authserver/pkg/nonce"
	"github.com/keyward/authserver/pkg/oauth2"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/lestrrat-go/jwx/v2/jwa"
)

const Version = "0.1.0"

var errNoSubjectAuthenticator = errors.New("no subject authenticator configured")

type Server struct {
	Metadata      ExtendedMetadata
	endpointPaths *EndpointsConfig

	registry      ClientRegistry
	keys          *keyset.Manager
	engine        *jose.Engine
	codes         *CodeService
	factory       *TokenFactory
	dispatcher    *Dispatcher
	authenticator *ClientAuthenticator
	introspector  *Introspector
	tokens        TokenStore
	subjects      SubjectAuthenticator

	replay           nonce.ReplayGuard
	factoryCfg       TokenFactoryConfig
	codeTTL          time.Duration
	tokenEndpointURI string
}

type Option func(*Server) error

// WithSubjectAuthenticator wires the resource-owner session backend used by
// the authorization endpoint.
func WithSubjectAuthenticator(subjects SubjectAuthenticator) Option {
	return func(s *Server) error {
		s.subjects = subjects
		return nil
	}
}

// WithResourceOwnerAuthenticator enables the password grant against the
// given identity backend.
func WithResourceOwnerAuthenticator(owners ResourceOwnerAuthenticator) Option {
	return func(s *Server) error {
		grants := NewGrantService(s.codes, s.factory, owners)
		grants.RegisterHandlers(s.dispatcher)
		return nil
	}
}

// WithStores replaces the default in-memory stores, e.g. with the
// valkey-backed ones.
func WithStores(codes CodeStore, tokens TokenStore) Option {
	return func(s *Server) error {
		s.rebuild(codes, tokens)
		return nil
	}
}

// WithReplayGuard replaces the in-process jti replay guard.
func WithReplayGuard(replay nonce.ReplayGuard) Option {
	return func(s *Server) error {
		s.replay = replay
		s.authenticator.replay = replay
		return nil
	}
}

// NewServer builds the full composition: key manager, JWT engine, stores,
// code service, token factory, dispatcher and introspector. Dependencies
// are constructed here and passed down; nothing reaches for globals.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	issuerURI, err := url.Parse(cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("invalid issuer URI: %w", err)
	}

	s := &Server{}
	s.endpointPaths = &cfg.Endpoints
	s.endpointPaths.applyDefaults(issuerURI)

	// endpoint paths already carry the issuer's base path
	origin := issuerURI.Scheme + "://" + issuerURI.Host
	s.tokenEndpointURI = buildURI(origin, s.endpointPaths.Token)

	if len(cfg.Clients) > 0 {
		s.registry = &StaticClientRegistry{Clients: cfg.Clients}
	} else {
		slog.Warn("no OAuth2 clients configured")
		s.registry = &StaticClientRegistry{}
	}

	s.keys, err = keyset.NewManager(keyset.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("create key manager: %w", err)
	}
	s.engine = jose.NewEngine(s.keys)

	signingAlg := jwa.ES256
	if cfg.Tokens.SigningAlgorithm != "" {
		signingAlg = jwa.SignatureAlgorithm(cfg.Tokens.SigningAlgorithm)
	}
	s.factoryCfg = TokenFactoryConfig{
		Issuer:             cfg.Issuer,
		AccessTokenTTL:     cfg.Tokens.AccessTokenTTL,
		IDTokenTTL:         cfg.Tokens.IDTokenTTL,
		SigningAlgorithm:   signingAlg,
		OpaqueAccessTokens: cfg.Tokens.OpaqueAccessTokens,
	}
	s.codeTTL = cfg.Tokens.CodeTTL
	s.replay = nonce.NewMemoryReplayGuard()
	s.rebuild(NewMemoryCodeStore(), NewMemoryTokenStore())

	s.Metadata = ExtendedMetadata{
		Metadata: Metadata{
			Issuer:                            cfg.Issuer,
			AuthorizationEndpoint:             buildURI(origin, s.endpointPaths.Authorization),
			TokenEndpoint:                     buildURI(origin, s.endpointPaths.Token),
			JwksURI:                           buildURI(origin, s.endpointPaths.Jwks),
			IntrospectionEndpoint:             buildURI(origin, s.endpointPaths.Introspection),
			RevocationEndpoint:                buildURI(origin, s.endpointPaths.Revocation),
			ScopesSupported:                   cfg.ScopesSupported,
			ResponseTypesSupported:            []string{"code", "token", "id_token token", "code id_token"},
			ResponseModesSupported:            []string{"query", "fragment"},
			GrantTypesSupported: []string{
				oauth2.GrantTypeAuthorizationCode,
				oauth2.GrantTypeClientCredentials,
				oauth2.GrantTypePassword,
				oauth2.GrantTypeRefreshToken,
				oauth2.GrantTypeUMATicket,
			},
			TokenEndpointAuthMethodsSupported: []string{
				AuthMethodNone,
				AuthMethodClientSecretBasic,
				AuthMethodClientSecretPost,
				AuthMethodPrivateKeyJWT,
			},
			TokenEndpointAuthSigningAlgValuesSupported: []string{"ES256", "RS256", "PS256"},
			CodeChallengeMethodsSupported:              []string{"plain", "S256"},
		},
		PermissionEndpoint: buildURI(origin, s.endpointPaths.Permission),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// rebuild reassembles the pipeline around the given stores, keeping the
// handler registry intact for grants registered by options.
func (s *Server) rebuild(codeStore CodeStore, tokenStore TokenStore) {
	s.tokens = tokenStore
	s.codes = NewCodeService(codeStore, s.codeTTL)
	s.factory = NewTokenFactory(s.factoryCfg, s.engine, tokenStore)
	s.authenticator = NewClientAuthenticator(s.registry, s.replay, s.tokenEndpointURI)
	s.dispatcher = NewDispatcher(s.authenticator)
	s.introspector = NewIntrospector(s.factoryCfg.Issuer, tokenStore, s.engine)

	grants := NewGrantService(s.codes, s.factory, nil)
	grants.RegisterHandlers(s.dispatcher)
}

// Dispatcher exposes the grant handler registry so other packages (UMA) can
// register their grant types.
func (s *Server) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Engine exposes the JWT engine for components that verify claim tokens.
func (s *Server) Engine() *jose.Engine {
	return s.engine
}

// TokenFactory exposes the factory for RPT minting.
func (s *Server) TokenFactory() *TokenFactory {
	return s.factory
}

// Authenticator exposes client authentication for protected endpoints
// mounted by other packages.
func (s *Server) Authenticator() *ClientAuthenticator {
	return s.authenticator
}

// Tokens exposes the granted-token store, e.g. for RPT upgrades.
func (s *Server) Tokens() TokenStore {
	return s.tokens
}

// Endpoints exposes the resolved endpoint paths for route mounting.
func (s *Server) Endpoints() *EndpointsConfig {
	return s.endpointPaths
}

// ErrorHandlerMiddleware renders *oauth2.Error values as their RFC 6749
// JSON bodies and everything else as an opaque server_error.
func ErrorHandlerMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		if err == nil {
			return nil
		}
		slog.Error("request failed", "error", err, "path", c.Path(), "remote_addr", c.RealIP())

		var oauthErr *oauth2.Error
		if errors.As(err, &oauthErr) {
			status := oauthErr.HttpStatus
			if status == 0 {
				status = http.StatusBadRequest
			}
			return c.JSON(status, oauthErr)
		}
		var echoErr *echo.HTTPError
		if errors.As(err, &echoErr) {
			return c.JSON(echoErr.Code, &oauth2.Error{
				Code:        "server_error",
				Description: fmt.Sprintf("%v", echoErr.Message),
			})
		}
		return c.JSON(http.StatusInternalServerError, &oauth2.Error{
			Code:        "server_error",
			Description: "internal error",
		})
	}
}

func (s *Server) MountRoutes(group *echo.Group) {
	group.Use(
		middleware.Logger(),
		ErrorHandlerMiddleware,
	)

	group.GET(s.endpointPaths.Metadata, s.MetadataEndpoint)
	group.GET(s.endpointPaths.Jwks, s.JWKS)
	group.GET(s.endpointPaths.Authorization, s.AuthorizationEndpoint)
	group.POST(s.endpointPaths.Token, s.TokenEndpoint)
	group.POST(s.endpointPaths.Introspection, s.IntrospectionEndpoint)
	group.POST(s.endpointPaths.Revocation, s.RevocationEndpoint)
}

func (s *Server) MetadataEndpoint(c echo.Context) error {
	return c.JSON(http.StatusOK, s.Metadata)
}

// JWKS serves the public key material of the active generation.
func (s *Server) JWKS(c echo.Context) error {
	set, err := s.keys.PublicJWKS()
	if err != nil {
		return oauth2.ServerError(err)
	}
	return c.JSON(http.StatusOK, set)
}

// TokenEndpoint hands the request to the grant dispatcher.
func (s *Server) TokenEndpoint(c echo.Context) error {
	response, err := s.dispatcher.Dispatch(c.Request().Context(), c.Request())
	if err != nil {
		return err
	}
	c.Response().Header().Set("Cache-Control", "no-store")
	c.Response().Header().Set("Pragma", "no-cache")
	return c.JSON(http.StatusOK, response)
}

// IntrospectionEndpoint reports token state to authenticated resource
// servers, RFC 7662.
func (s *Server) IntrospectionEndpoint(c echo.Context) error {
	r := c.Request()
	if err := r.ParseForm(); err != nil {
		return oauth2.InvalidRequest("unable to parse form")
	}
	if _, authErr := s.authenticator.Authenticate(r.Context(), r); authErr != nil {
		return authErr
	}

	token := r.FormValue("token")
	// token_type_hint is accepted but not needed; both lookups run anyway
	return c.JSON(http.StatusOK, s.introspector.Introspect(r.Context(), token))
}

// RevocationEndpoint revokes a granted token set by access or refresh
// token, RFC 7009. Unknown tokens still yield 200.
func (s *Server) RevocationEndpoint(c echo.Context) error {
	r := c.Request()
	if err := r.ParseForm(); err != nil {
		return oauth2.InvalidRequest("unable to parse form")
	}
	client, authErr := s.authenticator.Authenticate(r.Context(), r)
	if authErr != nil {
		return authErr
	}

	token := r.FormValue("token")
	if token == "" {
		return oauth2.InvalidRequest("missing token")
	}

	granted, err := s.tokens.GetByAccessToken(r.Context(), token)
	if err != nil {
		granted, err = s.tokens.GetByRefreshToken(r.Context(), token)
	}
	if err == nil && granted.ClientID == client.ClientID {
		if err := s.tokens.Revoke(r.Context(), granted.ID); err != nil {
			return oauth2.ServerError(err)
		}
		slog.Info("token revoked", "client_id", client.ClientID, "grant_id", granted.ID)
	}

	return c.NoContent(http.StatusOK)
}

// redirectWithError sends the error back to the client's redirect URI. The
// error rides in the same component the tokens would have used: the fragment
// for implicit and hybrid responses, the query otherwise.
func redirectWithError(c echo.Context, redirectURI, state string, fragment bool, err *oauth2.Error) error {
	params := url.Values{}
	if state != "" {
		params.Add("state", state)
	}
	params.Add("error", err.Code)
	params.Add("error_description", err.Description)

	separator := "?"
	if fragment {
		separator = "#"
	}
	return c.Redirect(http.StatusFound, redirectURI+separator+params.Encode())
}

func buildURI(base string, paths ...string) string {
	result := strings.TrimRight(base, "/")
	for _, p := range paths {
		if p == "" {
			continue
		}
		result = fmt.Sprintf("%s/%s", result, strings.Trim(p, "/"))
	}
	return result
}
