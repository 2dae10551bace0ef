package uma

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/keyward/authserver/pkg/authzserver"
	"github.com/keyward/authserver/pkg/oauth2"
)

// Service ties the UMA pieces together: ticket redemption, policy
// evaluation and RPT minting through the token factory.
type Service struct {
	tickets *TicketService
	engine  *PolicyEngine
	factory *authzserver.TokenFactory
	tokens  authzserver.TokenStore
}

func NewService(tickets *TicketService, engine *PolicyEngine, factory *authzserver.TokenFactory, tokens authzserver.TokenStore) *Service {
	return &Service{tickets: tickets, engine: engine, factory: factory, tokens: tokens}
}

// RegisterGrant wires the uma-ticket grant into the token endpoint.
func (s *Service) RegisterGrant(dispatcher *authzserver.Dispatcher) {
	dispatcher.Register(GrantType, s.TicketGrant)
}

// TicketGrant exchanges a permission ticket for an RPT. The ticket is
// burned on redemption; a denied evaluation does not restore it.
func (s *Service) TicketGrant(ctx context.Context, req *authzserver.TokenRequest) (*oauth2.TokenResponse, error) {
	ticketID := req.Form.Get("ticket")
	if ticketID == "" {
		return nil, oauth2.InvalidRequest("missing ticket")
	}

	claims := s.engine.ParseClaimToken(ctx, req.Form.Get("claim_token"), req.Form.Get("claim_token_format"))

	ticket, err := s.tickets.Redeem(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	decision, err := s.engine.Evaluate(ctx, ticket, &EvaluationRequest{
		ClientID: req.Client.ClientID,
		Claims:   claims,
	})
	if err != nil {
		return nil, oauth2.ServerError(err)
	}

	if !decision.Granted {
		if decision.Reason == "need_info" {
			// the original ticket is spent; hand out a fresh one for the
			// retry with pushed claims
			retry, err := s.tickets.Issue(ctx, ticket.ResourceSetID, ticket.Scopes)
			if err != nil {
				return nil, oauth2.ServerError(fmt.Errorf("reissue ticket: %w", err))
			}
			slog.Info("permission request needs claims",
				"client_id", req.Client.ClientID,
				"resource_set_id", ticket.ResourceSetID,
				"missing_claims", decision.MissingClaims)
			return nil, oauth2.NeedInfo(retry.ID)
		}
		slog.Info("permission request denied",
			"client_id", req.Client.ClientID,
			"resource_set_id", ticket.ResourceSetID)
		return nil, oauth2.NotAuthorized()
	}

	permissions := []map[string]any{{
		"resource_set_id": ticket.ResourceSetID,
		"scopes":          ticket.Scopes,
	}}
	scopes := ticket.Scopes

	upgraded := false
	if previous := req.Form.Get("rpt"); previous != "" {
		permissions, scopes, upgraded = s.mergePrevious(ctx, req.Client.ClientID, previous, ticket)
	}

	subject := req.Client.ClientID
	if sub, ok := claims["sub"]; ok {
		subject = fmt.Sprint(sub)
	}

	granted, err := s.factory.IssueTokenSet(ctx, &authzserver.GrantContext{
		Client:        req.Client,
		Subject:       subject,
		Scopes:        scopes,
		ResourceSetID: ticket.ResourceSetID,
		TicketID:      ticket.ID,
		Permissions:   permissions,
	})
	if err != nil {
		return nil, oauth2.ServerError(err)
	}

	response := granted.Response()
	response.Upgraded = upgraded
	return response, nil
}

// mergePrevious folds the permissions of an existing RPT into the new one,
// so a client can widen its access without losing what it already holds:
// a previous grant on the same resource set contributes its scopes to the
// new permission, a grant on another resource set rides along as its own
// entry. The old RPT is revoked once absorbed.
func (s *Service) mergePrevious(ctx context.Context, clientID, previousRPT string, ticket *Ticket) ([]map[string]any, []string, bool) {
	scopes := ticket.Scopes
	permissions := []map[string]any{{
		"resource_set_id": ticket.ResourceSetID,
		"scopes":          scopes,
	}}

	previous, err := s.tokens.GetByAccessToken(ctx, previousRPT)
	if err != nil || previous.ClientID != clientID || previous.Revoked {
		return permissions, scopes, false
	}
	if time.Now().After(previous.ExpiresAt) {
		return permissions, scopes, false
	}

	if previous.ResourceSetID == ticket.ResourceSetID {
		scopes = unionScopes(ticket.Scopes, previous.Scopes)
		permissions[0]["scopes"] = scopes
	} else if previous.ResourceSetID != "" {
		permissions = append(permissions, map[string]any{
			"resource_set_id": previous.ResourceSetID,
			"scopes":          previous.Scopes,
		})
	}
	if err := s.tokens.Revoke(ctx, previous.ID); err != nil {
		slog.Warn("revoking superseded rpt failed", "error", err, "grant_id", previous.ID)
	}
	return permissions, scopes, true
}

func unionScopes(a, b []string) []string {
	merged := append([]string(nil), a...)
	for _, scope := range b {
		if !containsString(merged, scope) {
			merged = append(merged, scope)
		}
	}
	return merged
}
