package authzserver_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/keyward/authserver/pkg/authzserver"
	"github.com/keyward/authserver/pkg/oauth2"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"
	xoauth2 "golang.org/x/oauth2"
)

type staticSubject string

func (s staticSubject) AuthenticateSubject(c echo.Context) (string, time.Time, error) {
	return string(s), time.Now(), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *http.Client) {
	t.Helper()
	hash, err := authzserver.HashSecret("s3cret")
	require.NoError(t, err)

	cfg := authzserver.Config{
		Issuer:          testIssuer,
		ScopesSupported: []string{"openid", "read", "write"},
		Clients: []authzserver.ClientMetadata{{
			Type:             authzserver.ClientTypeConfidential,
			ClientID:         "c1",
			ClientSecretHash: hash,
			RedirectURIs:     []string{"https://client.example/cb"},
			Scopes:           []string{"openid", "read"},
			GrantTypes: []string{
				oauth2.GrantTypeAuthorizationCode,
				oauth2.GrantTypeClientCredentials,
				oauth2.GrantTypeRefreshToken,
			},
			ResponseTypes: []string{"code", "token"},
		}},
	}

	server, err := authzserver.NewServer(cfg,
		authzserver.WithSubjectAuthenticator(staticSubject("alice")))
	require.NoError(t, err)

	e := echo.New()
	server.MountRoutes(e.Group(""))

	ts := httptest.NewServer(e)
	t.Cleanup(ts.Close)

	client := ts.Client()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return ts, client
}

func postForm(t *testing.T, client *http.Client, endpoint string, form url.Values, basicAuth bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuth {
		req.SetBasicAuth("c1", "s3cret")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestMetadataEndpoint(t *testing.T) {
	ts, client := newTestServer(t)

	resp, err := client.Get(ts.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	metadata := decodeJSON[map[string]any](t, resp)
	require.Equal(t, testIssuer, metadata["issuer"])
	require.Equal(t, testIssuer+"/token", metadata["token_endpoint"])
	require.NotEmpty(t, metadata["permission_endpoint"])
}

func TestJWKSEndpoint(t *testing.T) {
	ts, client := newTestServer(t)

	resp, err := client.Get(ts.URL + "/jwks")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	jwks := decodeJSON[map[string]any](t, resp)
	keys, ok := jwks["keys"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, keys)
	for _, key := range keys {
		require.NotContains(t, key.(map[string]any), "d", "private material must not leak")
	}
}

func TestTokenEndpointClientCredentials(t *testing.T) {
	ts, client := newTestServer(t)

	resp := postForm(t, client, ts.URL+"/token", url.Values{
		"grant_type": {oauth2.GrantTypeClientCredentials},
		"scope":      {"read"},
	}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	token := decodeJSON[oauth2.TokenResponse](t, resp)
	require.NotEmpty(t, token.AccessToken)
	require.Equal(t, "Bearer", token.TokenType)
}

func TestTokenEndpointErrorBody(t *testing.T) {
	ts, client := newTestServer(t)

	resp := postForm(t, client, ts.URL+"/token", url.Values{
		"grant_type": {"urn:example:unknown"},
	}, true)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeJSON[oauth2.Error](t, resp)
	require.Equal(t, "unsupported_grant_type", body.Code)
	require.NotEmpty(t, body.Description)
}

func TestAuthorizationCodeFlow(t *testing.T) {
	ts, client := newTestServer(t)

	authorizeURL := ts.URL + "/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {"c1"},
		"redirect_uri":  {"https://client.example/cb"},
		"scope":         {"openid read"},
		"state":         {"xyz"},
	}.Encode()
	resp, err := client.Get(authorizeURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "https://client.example/cb", location.Scheme+"://"+location.Host+location.Path)
	require.Equal(t, "xyz", location.Query().Get("state"))
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	tokenResp := postForm(t, client, ts.URL+"/token", url.Values{
		"grant_type":   {oauth2.GrantTypeAuthorizationCode},
		"code":         {code},
		"redirect_uri": {"https://client.example/cb"},
	}, true)
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)

	token := decodeJSON[oauth2.TokenResponse](t, tokenResp)
	require.NotEmpty(t, token.AccessToken)
	require.Len(t, strings.Split(token.IDToken, "."), 3)

	// replay fails
	replay := postForm(t, client, ts.URL+"/token", url.Values{
		"grant_type":   {oauth2.GrantTypeAuthorizationCode},
		"code":         {code},
		"redirect_uri": {"https://client.example/cb"},
	}, true)
	require.Equal(t, http.StatusBadRequest, replay.StatusCode)
	body := decodeJSON[oauth2.Error](t, replay)
	require.Equal(t, "invalid_grant", body.Code)
}

// TestAuthorizationCodeFlowWithOAuth2Client drives the same flow through the
// golang.org/x/oauth2 client, PKCE included, the way a relying party would.
func TestAuthorizationCodeFlowWithOAuth2Client(t *testing.T) {
	ts, client := newTestServer(t)

	cfg := xoauth2.Config{
		ClientID:     "c1",
		ClientSecret: "s3cret",
		RedirectURL:  "https://client.example/cb",
		Scopes:       []string{"openid", "read"},
		Endpoint: xoauth2.Endpoint{
			AuthURL:  ts.URL + "/authorize",
			TokenURL: ts.URL + "/token",
		},
	}

	verifier := xoauth2.GenerateVerifier()
	authorizeURL := cfg.AuthCodeURL("xyz", xoauth2.S256ChallengeOption(verifier))

	resp, err := client.Get(authorizeURL)
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.StatusCode)
	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")
	require.NotEmpty(t, code)

	ctx := context.WithValue(context.Background(), xoauth2.HTTPClient, client)
	token, err := cfg.Exchange(ctx, code, xoauth2.VerifierOption(verifier))
	require.NoError(t, err)
	require.NotEmpty(t, token.AccessToken)
	require.NotEmpty(t, token.RefreshToken)

	// the wrong verifier is rejected
	retry, err := client.Get(cfg.AuthCodeURL("xyz", xoauth2.S256ChallengeOption(verifier)))
	require.NoError(t, err)
	retryLocation, err := url.Parse(retry.Header.Get("Location"))
	require.NoError(t, err)
	_, err = cfg.Exchange(ctx, retryLocation.Query().Get("code"),
		xoauth2.VerifierOption(xoauth2.GenerateVerifier()))
	require.Error(t, err)
}

func TestAuthorizeRejectsUnknownRedirectURI(t *testing.T) {
	ts, client := newTestServer(t)

	resp, err := client.Get(ts.URL + "/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {"c1"},
		"redirect_uri":  {"https://evil.example/cb"},
		"scope":         {"read"},
	}.Encode())
	require.NoError(t, err)
	// no redirect to an unregistered URI
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthorizeImplicitErrorInFragment(t *testing.T) {
	ts, client := newTestServer(t)

	resp, err := client.Get(ts.URL + "/authorize?" + url.Values{
		"response_type": {"token"},
		"client_id":     {"c1"},
		"redirect_uri":  {"https://client.example/cb"},
		"scope":         {"write"},
		"state":         {"xyz"},
	}.Encode())
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	// the error travels in the fragment, like the token would have
	require.Empty(t, location.RawQuery)
	fragment, err := url.ParseQuery(location.Fragment)
	require.NoError(t, err)
	require.Equal(t, "invalid_scope", fragment.Get("error"))
	require.Equal(t, "xyz", fragment.Get("state"))
}

func TestAuthorizeCodeErrorInQuery(t *testing.T) {
	ts, client := newTestServer(t)

	resp, err := client.Get(ts.URL + "/authorize?" + url.Values{
		"response_type": {"code"},
		"client_id":     {"c1"},
		"redirect_uri":  {"https://client.example/cb"},
		"scope":         {"write"},
	}.Encode())
	require.NoError(t, err)
	require.Equal(t, http.StatusFound, resp.StatusCode)

	location, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	require.Empty(t, location.Fragment)
	require.Equal(t, "invalid_scope", location.Query().Get("error"))
}

func TestIntrospectionAndRevocationEndpoints(t *testing.T) {
	ts, client := newTestServer(t)

	tokenResp := postForm(t, client, ts.URL+"/token", url.Values{
		"grant_type": {oauth2.GrantTypeClientCredentials},
	}, true)
	require.Equal(t, http.StatusOK, tokenResp.StatusCode)
	token := decodeJSON[oauth2.TokenResponse](t, tokenResp)

	introspectResp := postForm(t, client, ts.URL+"/introspect", url.Values{
		"token": {token.AccessToken},
	}, true)
	require.Equal(t, http.StatusOK, introspectResp.StatusCode)
	introspection := decodeJSON[authzserver.IntrospectionResponse](t, introspectResp)
	require.True(t, introspection.Active)
	require.Equal(t, "c1", introspection.ClientID)

	// introspection requires client authentication
	unauthResp := postForm(t, client, ts.URL+"/introspect", url.Values{
		"token": {token.AccessToken},
	}, false)
	require.Equal(t, http.StatusUnauthorized, unauthResp.StatusCode)
	unauthResp.Body.Close()

	revokeResp := postForm(t, client, ts.URL+"/revoke", url.Values{
		"token": {token.AccessToken},
	}, true)
	require.Equal(t, http.StatusOK, revokeResp.StatusCode)
	revokeResp.Body.Close()

	afterResp := postForm(t, client, ts.URL+"/introspect", url.Values{
		"token": {token.AccessToken},
	}, true)
	after := decodeJSON[authzserver.IntrospectionResponse](t, afterResp)
	require.False(t, after.Active)

	// revoking an unknown token still answers 200
	unknownResp := postForm(t, client, ts.URL+"/revoke", url.Values{
		"token": {"unknown-token"},
	}, true)
	require.Equal(t, http.StatusOK, unknownResp.StatusCode)
	unknownResp.Body.Close()
}
