package token_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/tsbx/internal/token"
)

func TestIssueAndVerify(t *testing.T) {
	iss := token.New("tsbx-control-plane", []byte("test-secret"))

	raw, err := iss.Issue("user-42", "user", "sandbox-1")
	require.NoError(t, err)
	require.NotEmpty(t, raw)

	claims, err := iss.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Principal)
	assert.Equal(t, "user", claims.PrincipalType)
	assert.Equal(t, "sandbox-1", claims.SandboxID)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), claims.ExpiresAt, time.Minute)
}

func TestVerify_RejectsWrongSecret(t *testing.T) {
	issA := token.New("tsbx-control-plane", []byte("secret-a"))
	issB := token.New("tsbx-control-plane", []byte("secret-b"))

	raw, err := issA.Issue("user-1", "user", "sandbox-1")
	require.NoError(t, err)

	_, err = issB.Verify(raw)
	require.Error(t, err)
}
