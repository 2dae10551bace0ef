package uma

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/expr-lang/expr"
	"github.com/keyward/authserver/pkg/jose"
	"github.com/keyward/authserver/pkg/oauth2"
)

// EvaluationRequest carries the requesting side of a policy decision: the
// client exchanging the ticket and the claims it pushed.
type EvaluationRequest struct {
	ClientID string
	Claims   map[string]any
}

// Decision is the outcome of a policy evaluation. When denied, Reason is
// either "not_authorized" or "need_info"; MissingClaims lists the claim
// types whose absence blocked an otherwise matching rule.
type Decision struct {
	Granted       bool
	Reason        string
	MatchedRule   string
	MissingClaims []string
}

// PolicyEngine evaluates owner policies against a permission ticket.
// Rules combine with OR semantics: any fully matching rule of any attached
// policy authorizes the ticket. Checks within a rule combine with AND.
type PolicyEngine struct {
	policies PolicyStore
	consents ConsentStore
	engine   *jose.Engine
}

func NewPolicyEngine(policies PolicyStore, consents ConsentStore, engine *jose.Engine) *PolicyEngine {
	return &PolicyEngine{policies: policies, consents: consents, engine: engine}
}

// ParseClaimToken extracts claims from a pushed claim token. A JWT with an
// invalid signature yields no claims rather than failing the evaluation,
// so a forged token degrades to "claims absent".
func (e *PolicyEngine) ParseClaimToken(ctx context.Context, claimToken, format string) map[string]any {
	if claimToken == "" {
		return nil
	}
	if format != "" && format != ClaimTokenFormatJWT {
		slog.Warn("unsupported claim token format", "format", format)
		return nil
	}

	token, err := e.engine.ParseToken(claimToken)
	if err != nil {
		slog.Warn("claim token rejected", "error", err)
		return nil
	}
	claims, err := token.AsMap(ctx)
	if err != nil {
		return nil
	}
	return claims
}

// Evaluate decides whether the ticket's permission request is authorized.
func (e *PolicyEngine) Evaluate(ctx context.Context, ticket *Ticket, req *EvaluationRequest) (*Decision, error) {
	policies, err := e.policies.GetPoliciesForResourceSet(ctx, ticket.ResourceSetID)
	if err != nil {
		return nil, fmt.Errorf("resolve policies: %w", err)
	}

	denied := &Decision{Reason: "not_authorized"}
	for _, policy := range policies {
		for i := range policy.Rules {
			rule := &policy.Rules[i]
			result := e.checkRule(ctx, rule, ticket, req)
			if result.matched {
				return &Decision{Granted: true, MatchedRule: rule.Name}, nil
			}
			// A rule blocked only by absent claims turns the denial into
			// need_info so the client can push them and retry.
			if result.onlyMissingClaims() {
				denied.Reason = "need_info"
				denied.MissingClaims = append(denied.MissingClaims, result.missingClaims...)
			}
		}
	}
	return denied, nil
}

type ruleResult struct {
	matched       bool
	hardFailure   bool
	missingClaims []string
}

func (r *ruleResult) onlyMissingClaims() bool {
	return !r.matched && !r.hardFailure && len(r.missingClaims) > 0
}

func (r *ruleResult) fail() {
	r.matched = false
	r.hardFailure = true
}

func (r *ruleResult) missing(claimType string) {
	r.matched = false
	r.missingClaims = append(r.missingClaims, claimType)
}

func (e *PolicyEngine) checkRule(ctx context.Context, rule *PolicyRule, ticket *Ticket, req *EvaluationRequest) ruleResult {
	result := ruleResult{matched: true}

	if len(rule.ClientIDsAllowed) > 0 && !containsString(rule.ClientIDsAllowed, req.ClientID) {
		result.fail()
		return result
	}

	if len(rule.Scopes) > 0 && !oauth2.ScopesSubset(ticket.Scopes, rule.Scopes) {
		result.fail()
		return result
	}

	for _, predicate := range rule.Claims {
		value, ok := req.Claims[predicate.Type]
		if !ok {
			result.missing(predicate.Type)
			continue
		}
		if predicate.Value != "" && !claimValueMatches(value, predicate.Value) {
			result.fail()
			return result
		}
	}

	if rule.RequiredIssuer != "" {
		iss, ok := req.Claims["iss"]
		if !ok {
			result.missing("iss")
		} else if fmt.Sprint(iss) != rule.RequiredIssuer {
			result.fail()
			return result
		}
	}

	if rule.RequireConsent {
		party, ok := req.Claims["sub"]
		if !ok {
			result.missing("sub")
		} else {
			granted, err := e.consents.HasConsent(ctx, ticket.ResourceSetID, fmt.Sprint(party))
			if err != nil {
				slog.Error("consent lookup failed", "error", err, "resource_set_id", ticket.ResourceSetID)
				result.fail()
				return result
			}
			if !granted {
				result.fail()
				return result
			}
		}
	}

	if rule.Script != "" && !e.runScript(rule, ticket, req) {
		result.fail()
		return result
	}

	return result
}

// runScript evaluates the rule's expr program against the request. A
// compile or runtime error denies the rule rather than the whole request.
func (e *PolicyEngine) runScript(rule *PolicyRule, ticket *Ticket, req *EvaluationRequest) bool {
	env := map[string]any{
		"claims":    req.Claims,
		"scopes":    ticket.Scopes,
		"client_id": req.ClientID,
	}
	program, err := expr.Compile(rule.Script, expr.Env(env), expr.AsBool())
	if err != nil {
		slog.Error("policy script does not compile", "rule", rule.Name, "error", err)
		return false
	}
	out, err := expr.Run(program, env)
	if err != nil {
		slog.Error("policy script failed", "rule", rule.Name, "error", err)
		return false
	}
	ok, isBool := out.(bool)
	return isBool && ok
}

func claimValueMatches(value any, expected string) bool {
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if fmt.Sprint(item) == expected {
				return true
			}
		}
		return false
	case []string:
		return containsString(v, expected)
	default:
		return fmt.Sprint(v) == expected
	}
}
