package uma_test

import (
	"context"
	"testing"
	"time"

	"github.com/keyward/authserver/pkg/uma"
	"github.com/stretchr/testify/require"
)

func testRegistry(rules ...uma.PolicyRule) *uma.StaticResourceRegistry {
	return &uma.StaticResourceRegistry{
		ResourceSets: []uma.ResourceSet{{
			ID:        "rs1",
			Owner:     "alice",
			Name:      "photo album",
			Scopes:    []string{"read", "write"},
			PolicyIDs: []string{"p1"},
		}},
		Policies: []uma.Policy{{
			ID:    "p1",
			Rules: rules,
		}},
	}
}

func testTicket(scopes ...string) *uma.Ticket {
	now := time.Now()
	return &uma.Ticket{
		ID:            "t1",
		ResourceSetID: "rs1",
		Scopes:        scopes,
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Minute),
	}
}

func newEngine(registry *uma.StaticResourceRegistry) *uma.PolicyEngine {
	return uma.NewPolicyEngine(registry, uma.NewMemoryConsentStore(), nil)
}

func TestEvaluateScopeRule(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(testRegistry(uma.PolicyRule{Scopes: []string{"read"}}))

	decision, err := engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{ClientID: "any"})
	require.NoError(t, err)
	require.True(t, decision.Granted)

	decision, err = engine.Evaluate(ctx, testTicket("write"), &uma.EvaluationRequest{ClientID: "any"})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, "not_authorized", decision.Reason)
}

func TestEvaluateClientAllowList(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(testRegistry(uma.PolicyRule{
		ClientIDsAllowed: []string{"trusted"},
		Scopes:           []string{"read"},
	}))

	decision, err := engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{ClientID: "trusted"})
	require.NoError(t, err)
	require.True(t, decision.Granted)

	decision, err = engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{ClientID: "stranger"})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, "not_authorized", decision.Reason)
}

func TestEvaluateOrAcrossRules(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(testRegistry(
		uma.PolicyRule{ClientIDsAllowed: []string{"trusted"}},
		uma.PolicyRule{Scopes: []string{"read"}},
	))

	// first rule rejects the client, second rule matches on scope
	decision, err := engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{ClientID: "stranger"})
	require.NoError(t, err)
	require.True(t, decision.Granted)
}

func TestEvaluateClaimPredicates(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(testRegistry(uma.PolicyRule{
		Claims: []uma.ClaimPredicate{{Type: "email", Value: "bob@example.com"}},
	}))

	decision, err := engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{
		ClientID: "any",
		Claims:   map[string]any{"email": "bob@example.com"},
	})
	require.NoError(t, err)
	require.True(t, decision.Granted)

	// wrong value is a hard denial, not need_info
	decision, err = engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{
		ClientID: "any",
		Claims:   map[string]any{"email": "mallory@example.com"},
	})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, "not_authorized", decision.Reason)
}

func TestEvaluateNeedInfo(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(testRegistry(uma.PolicyRule{
		Claims: []uma.ClaimPredicate{{Type: "email"}},
	}))

	decision, err := engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{ClientID: "any"})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, "need_info", decision.Reason)
	require.Contains(t, decision.MissingClaims, "email")
}

func TestEvaluateIssuerConstraint(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(testRegistry(uma.PolicyRule{
		RequiredIssuer: "https://idp.example",
	}))

	decision, err := engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{
		ClientID: "any",
		Claims:   map[string]any{"iss": "https://idp.example"},
	})
	require.NoError(t, err)
	require.True(t, decision.Granted)

	decision, err = engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{
		ClientID: "any",
		Claims:   map[string]any{"iss": "https://rogue.example"},
	})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, "not_authorized", decision.Reason)

	// absent issuer claim asks for more info
	decision, err = engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{ClientID: "any"})
	require.NoError(t, err)
	require.Equal(t, "need_info", decision.Reason)
	require.Contains(t, decision.MissingClaims, "iss")
}

func TestEvaluateConsent(t *testing.T) {
	ctx := context.Background()
	registry := testRegistry(uma.PolicyRule{RequireConsent: true})
	consents := uma.NewMemoryConsentStore()
	engine := uma.NewPolicyEngine(registry, consents, nil)

	// no consent record yet
	decision, err := engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{
		ClientID: "any",
		Claims:   map[string]any{"sub": "bob"},
	})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, "not_authorized", decision.Reason)

	require.NoError(t, consents.Grant(ctx, uma.ConsentRecord{
		ResourceSetID:   "rs1",
		RequestingParty: "bob",
		GrantedAt:       time.Now(),
	}))

	decision, err = engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{
		ClientID: "any",
		Claims:   map[string]any{"sub": "bob"},
	})
	require.NoError(t, err)
	require.True(t, decision.Granted)
}

func TestEvaluateScriptRule(t *testing.T) {
	ctx := context.Background()
	engine := newEngine(testRegistry(uma.PolicyRule{
		Script: `client_id == "scripted"`,
	}))

	decision, err := engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{ClientID: "scripted"})
	require.NoError(t, err)
	require.True(t, decision.Granted)

	decision, err = engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{ClientID: "other"})
	require.NoError(t, err)
	require.False(t, decision.Granted)
}

func TestEvaluateNoPolicies(t *testing.T) {
	ctx := context.Background()
	registry := &uma.StaticResourceRegistry{
		ResourceSets: []uma.ResourceSet{{ID: "rs1", Name: "orphan", Scopes: []string{"read"}}},
	}
	engine := newEngine(registry)

	decision, err := engine.Evaluate(ctx, testTicket("read"), &uma.EvaluationRequest{ClientID: "any"})
	require.NoError(t, err)
	require.False(t, decision.Granted)
	require.Equal(t, "not_authorized", decision.Reason)
}
