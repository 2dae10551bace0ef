package oauth2_test

import (
	"testing"

	"github.com/keyward/authserver/pkg/oauth2"
	"github.com/stretchr/testify/assert"
)

func TestVerifyCodeChallengeS256(t *testing.T) {
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	assert.True(t, oauth2.VerifyCodeChallenge(oauth2.CodeChallengeMethodS256, challenge, verifier))
	assert.False(t, oauth2.VerifyCodeChallenge(oauth2.CodeChallengeMethodS256, challenge, "wrong-verifier"))
}

func TestVerifyCodeChallengePlain(t *testing.T) {
	assert.True(t, oauth2.VerifyCodeChallenge(oauth2.CodeChallengeMethodPlain, "secret", "secret"))
	assert.True(t, oauth2.VerifyCodeChallenge("", "secret", "secret"))
	assert.False(t, oauth2.VerifyCodeChallenge(oauth2.CodeChallengeMethodPlain, "secret", "other"))
}

func TestVerifyCodeChallengeUnknownMethod(t *testing.T) {
	assert.False(t, oauth2.VerifyCodeChallenge("S512", "x", "x"))
}

func TestSplitScope(t *testing.T) {
	assert.Equal(t, []string{"read", "write"}, oauth2.SplitScope("read  write"))
	assert.Nil(t, oauth2.SplitScope(""))
	assert.Nil(t, oauth2.SplitScope("   "))
}

func TestScopesSubset(t *testing.T) {
	allowed := []string{"read", "write", "openid"}
	assert.True(t, oauth2.ScopesSubset([]string{"read"}, allowed))
	assert.True(t, oauth2.ScopesSubset(nil, allowed))
	assert.False(t, oauth2.ScopesSubset([]string{"admin"}, allowed))
}

func TestHasDuplicateScopes(t *testing.T) {
	assert.False(t, oauth2.HasDuplicateScopes([]string{"read", "write"}))
	assert.True(t, oauth2.HasDuplicateScopes([]string{"read", "read"}))
}

func TestGenerateOpaqueToken(t *testing.T) {
	a := oauth2.GenerateOpaqueToken(32)
	b := oauth2.GenerateOpaqueToken(32)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "=")
}
