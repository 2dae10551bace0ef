package authzserver_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keyward/authserver/pkg/authzserver"
	"github.com/keyward/authserver/pkg/oauth2"
	"github.com/stretchr/testify/require"
)

func newCodeService(ttl time.Duration) *authzserver.CodeService {
	return authzserver.NewCodeService(authzserver.NewMemoryCodeStore(), ttl)
}

func TestCodeRedeemedExactlyOnce(t *testing.T) {
	ctx := context.Background()
	svc := newCodeService(0)
	client := testClient()

	code, err := svc.Issue(ctx, authzserver.IssueRequest{
		Client:      client,
		RedirectURI: "https://client.example/cb",
		Scopes:      []string{"read"},
		Subject:     "alice",
	})
	require.NoError(t, err)

	redeemed, err := svc.Redeem(ctx, client, code.Code, "https://client.example/cb", "")
	require.NoError(t, err)
	require.Equal(t, []string{"read"}, redeemed.Scopes)
	require.Equal(t, "alice", redeemed.Subject)

	_, err = svc.Redeem(ctx, client, code.Code, "https://client.example/cb", "")
	requireOAuth2Error(t, err, "invalid_grant")
}

func TestCodeRedeemConcurrent(t *testing.T) {
	ctx := context.Background()
	svc := newCodeService(0)
	client := testClient()

	code, err := svc.Issue(ctx, authzserver.IssueRequest{
		Client:      client,
		RedirectURI: "https://client.example/cb",
		Scopes:      []string{"read"},
		Subject:     "alice",
	})
	require.NoError(t, err)

	const racers = 32
	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Redeem(ctx, client, code.Code, "https://client.example/cb", ""); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), successes.Load(), "a code must redeem exactly once under contention")
}

func TestCodeRedeemWrongClient(t *testing.T) {
	ctx := context.Background()
	svc := newCodeService(0)

	code, err := svc.Issue(ctx, authzserver.IssueRequest{
		Client:      testClient(),
		RedirectURI: "https://client.example/cb",
	})
	require.NoError(t, err)

	other := testClient()
	other.ClientID = "c2"
	_, err = svc.Redeem(ctx, other, code.Code, "https://client.example/cb", "")
	requireOAuth2Error(t, err, "invalid_grant")
}

func TestCodeRedeemWrongRedirectURI(t *testing.T) {
	ctx := context.Background()
	svc := newCodeService(0)
	client := testClient()

	code, err := svc.Issue(ctx, authzserver.IssueRequest{
		Client:      client,
		RedirectURI: "https://client.example/cb",
	})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, client, code.Code, "https://evil.example/cb", "")
	requireOAuth2Error(t, err, "invalid_grant")

	// the code is burned by the failed attempt
	_, err = svc.Redeem(ctx, client, code.Code, "https://client.example/cb", "")
	requireOAuth2Error(t, err, "invalid_grant")
}

func TestCodeRedeemPKCE(t *testing.T) {
	ctx := context.Background()
	client := testClient()
	verifier := "0123456789-0123456789-0123456789-0123456789"

	t.Run("S256 match", func(t *testing.T) {
		svc := newCodeService(0)
		code, err := svc.Issue(ctx, authzserver.IssueRequest{
			Client:              client,
			RedirectURI:         "https://client.example/cb",
			CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
			CodeChallengeMethod: oauth2.CodeChallengeMethodS256,
		})
		require.NoError(t, err)

		_, err = svc.Redeem(ctx, client, code.Code, "https://client.example/cb", verifier)
		require.NoError(t, err)
	})

	t.Run("wrong verifier", func(t *testing.T) {
		svc := newCodeService(0)
		code, err := svc.Issue(ctx, authzserver.IssueRequest{
			Client:              client,
			RedirectURI:         "https://client.example/cb",
			CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
			CodeChallengeMethod: oauth2.CodeChallengeMethodS256,
		})
		require.NoError(t, err)

		_, err = svc.Redeem(ctx, client, code.Code, "https://client.example/cb", "not-the-verifier")
		requireOAuth2Error(t, err, "invalid_grant")
	})

	t.Run("missing verifier", func(t *testing.T) {
		svc := newCodeService(0)
		code, err := svc.Issue(ctx, authzserver.IssueRequest{
			Client:              client,
			RedirectURI:         "https://client.example/cb",
			CodeChallenge:       oauth2.S256ChallengeFromVerifier(verifier),
			CodeChallengeMethod: oauth2.CodeChallengeMethodS256,
		})
		require.NoError(t, err)

		_, err = svc.Redeem(ctx, client, code.Code, "https://client.example/cb", "")
		requireOAuth2Error(t, err, "invalid_grant")
	})
}

func TestCodeExpiry(t *testing.T) {
	ctx := context.Background()
	svc := newCodeService(time.Millisecond)
	client := testClient()

	code, err := svc.Issue(ctx, authzserver.IssueRequest{
		Client:      client,
		RedirectURI: "https://client.example/cb",
	})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, err = svc.Redeem(ctx, client, code.Code, "https://client.example/cb", "")
	requireOAuth2Error(t, err, "invalid_grant")
}
