package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyRoundTrip(t *testing.T) {
	key := []byte("test-signing-key")
	issuer := NewTokenIssuer(key, time.Minute)
	verifier := NewTokenVerifier(key)

	token, err := issuer.Issue("tenant-a")
	require.NoError(t, err)

	tenantID, err := verifier.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "tenant-a", tenantID)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	issuer := NewTokenIssuer([]byte("key-one"), time.Minute)
	verifier := NewTokenVerifier([]byte("key-two"))

	token, err := issuer.Issue("tenant-a")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	key := []byte("test-signing-key")
	issuer := NewTokenIssuer(key, -time.Minute)
	verifier := NewTokenVerifier(key)

	token, err := issuer.Issue("tenant-a")
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	require.Error(t, err)
}
