// SPDX-License-Identifier: MIT

package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIssueAndVerifyUserToken(t *testing.T) {
	m := NewManager("test-secret", time.Hour)

	token, err := m.IssueUserToken("u-1", "alice", RoleAdmin)
	require.NoError(t, err)

	claims, err := m.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "u-1", claims.Subject)
	require.Equal(t, "alice", claims.Username)
	require.Equal(t, RoleAdmin, claims.Role)
	require.NotEmpty(t, claims.TokenID)
	require.True(t, claims.IsOperator())
}

func TestVerifyExpired(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	issued := time.Now()
	m.now = func() time.Time { return issued }

	token, err := m.IssueUserToken("u-1", "alice", RoleUser)
	require.NoError(t, err)

	m.now = func() time.Time { return issued.Add(2 * time.Hour) }
	_, err = m.Verify(token)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := NewManager("secret-a", time.Hour).IssueUserToken("u-1", "alice", RoleUser)
	require.NoError(t, err)

	_, err = NewManager("secret-b", time.Hour).Verify(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyGarbage(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	for _, tok := range []string{"", "not.a.token", "a.b"} {
		_, err := m.Verify(tok)
		require.ErrorIs(t, err, ErrInvalidToken)
	}
}

func TestDeviceTokenOutlivesUserToken(t *testing.T) {
	m := NewManager("test-secret", time.Hour)
	issued := time.Now()
	m.now = func() time.Time { return issued }

	token, tokenID, err := m.IssueDeviceToken("dev-1")
	require.NoError(t, err)
	require.NotEmpty(t, tokenID)

	m.now = func() time.Time { return issued.Add(48 * time.Hour) }
	claims, err := m.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "dev-1", claims.Subject)
	require.Equal(t, RoleDevice, claims.Role)
	require.Equal(t, tokenID, claims.TokenID)
	require.False(t, claims.IsOperator())
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("correct horse")
	require.NoError(t, err)
	require.True(t, CheckPassword(hash, "correct horse"))
	require.False(t, CheckPassword(hash, "wrong"))
	require.False(t, CheckPassword("not-a-hash", "correct horse"))
}

func TestEnrollCodeIsSixDigits(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		code, err := NewEnrollCode()
		require.NoError(t, err)
		require.Len(t, code, 6)
		require.Regexp(t, `^[0-9]{6}$`, code)
		seen[code] = true
	}
	require.Greater(t, len(seen), 40, "codes should be near-unique")
}

func TestNonceUnique(t *testing.T) {
	a, err := NewNonce()
	require.NoError(t, err)
	b, err := NewNonce()
	require.NoError(t, err)
	require.NotEqual(t, a, b)
	require.Len(t, a, 32)
}
