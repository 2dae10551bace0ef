package authzserver

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/keyward/authserver/pkg/oauth2"
	"github.com/labstack/echo/v4"
)

// SubjectAuthenticator resolves the authenticated resource owner for an
// authorization request, typically from a session established by a login
// flow outside this server.
type SubjectAuthenticator interface {
	AuthenticateSubject(c echo.Context) (subject string, authTime time.Time, err error)
}

type authorizeRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Nonce               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// responseTypeParts splits a response_type like "code id_token token" into
// its component flags.
type responseTypeParts struct {
	code    bool
	token   bool
	idToken bool
}

func parseResponseType(responseType string) (responseTypeParts, bool) {
	var parts responseTypeParts
	for _, part := range oauth2.SplitScope(responseType) {
		switch part {
		case "code":
			parts.code = true
		case "token":
			parts.token = true
		case "id_token":
			parts.idToken = true
		default:
			return parts, false
		}
	}
	if !parts.code && !parts.token && !parts.idToken {
		return parts, false
	}
	return parts, true
}

// AuthorizationEndpoint implements the authorization code, implicit and
// hybrid response types. The implicit parts are issued directly in the
// redirect, bypassing the code exchange.
func (s *Server) AuthorizationEndpoint(c echo.Context) error {
	var req authorizeRequest
	binderr := echo.QueryParamsBinder(c).
		MustString("response_type", &req.ResponseType).
		MustString("client_id", &req.ClientID).
		MustString("redirect_uri", &req.RedirectURI).
		MustString("scope", &req.Scope).
		String("state", &req.State).
		String("nonce", &req.Nonce).
		String("code_challenge", &req.CodeChallenge).
		String("code_challenge_method", &req.CodeChallengeMethod).
		BindError()
	if binderr != nil {
		return oauth2.InvalidRequest(binderr.Error())
	}

	client, err := s.registry.GetClientMetadata(req.ClientID)
	if err != nil {
		// never redirect to an unvalidated URI
		return oauth2.InvalidRequest("unknown client_id")
	}
	if !client.IsAllowedRedirectURI(req.RedirectURI) {
		return oauth2.InvalidRequest("invalid redirect_uri")
	}

	parts, ok := parseResponseType(req.ResponseType)
	if !ok || !client.AllowsResponseType(req.ResponseType) {
		return redirectWithError(c, req.RedirectURI, req.State, parts.token || parts.idToken, &oauth2.Error{
			Code:        "unsupported_response_type",
			Description: "unsupported response_type: " + req.ResponseType,
		})
	}

	scopes := oauth2.SplitScope(req.Scope)
	if oauth2.HasDuplicateScopes(scopes) {
		return redirectWithError(c, req.RedirectURI, req.State, parts.token || parts.idToken, oauth2.InvalidRequest("duplicate scope values"))
	}
	if !client.IsAllowedScopes(scopes) {
		return redirectWithError(c, req.RedirectURI, req.State, parts.token || parts.idToken, oauth2.InvalidScope("scope not allowed: "+req.Scope))
	}

	if req.CodeChallenge != "" {
		if req.CodeChallengeMethod == "" {
			req.CodeChallengeMethod = oauth2.CodeChallengeMethodPlain
		}
		if req.CodeChallengeMethod != oauth2.CodeChallengeMethodPlain &&
			req.CodeChallengeMethod != oauth2.CodeChallengeMethodS256 {
			return redirectWithError(c, req.RedirectURI, req.State, parts.token || parts.idToken,
				oauth2.InvalidRequest("unsupported code_challenge_method: "+req.CodeChallengeMethod))
		}
	}

	if s.subjects == nil {
		return oauth2.ServerError(errNoSubjectAuthenticator)
	}
	subject, authTime, err := s.subjects.AuthenticateSubject(c)
	if err != nil {
		return redirectWithError(c, req.RedirectURI, req.State, parts.token || parts.idToken, &oauth2.Error{
			Code:        "access_denied",
			Description: "resource owner not authenticated",
		})
	}

	ctx := c.Request().Context()
	params := url.Values{}
	if req.State != "" {
		params.Set("state", req.State)
	}

	if parts.code {
		code, err := s.codes.Issue(ctx, IssueRequest{
			Client:              client,
			RedirectURI:         req.RedirectURI,
			Scopes:              scopes,
			Subject:             subject,
			Nonce:               req.Nonce,
			AuthTime:            authTime,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
		})
		if err != nil {
			return redirectWithError(c, req.RedirectURI, req.State, parts.token || parts.idToken, oauth2.ServerError(err))
		}
		params.Set("code", code.Code)
	}

	if parts.token || parts.idToken {
		granted, err := s.factory.IssueTokenSet(ctx, &GrantContext{
			Client:      client,
			Subject:     subject,
			Scopes:      scopes,
			Nonce:       req.Nonce,
			AuthTime:    authTime,
			WithIDToken: parts.idToken,
		})
		if err != nil {
			return redirectWithError(c, req.RedirectURI, req.State, parts.token || parts.idToken, oauth2.ServerError(err))
		}
		if parts.token {
			params.Set("access_token", granted.AccessToken)
			params.Set("token_type", granted.TokenType)
			params.Set("expires_in", strconv.Itoa(int(time.Until(granted.ExpiresAt).Seconds())))
		}
		if parts.idToken {
			params.Set("id_token", granted.IDToken)
		}
	}

	// implicit and hybrid responses go in the fragment, plain code in the
	// query
	separator := "?"
	if parts.token || parts.idToken {
		separator = "#"
	}
	return c.Redirect(http.StatusFound, req.RedirectURI+separator+params.Encode())
}
