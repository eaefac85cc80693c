package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/domain"
)

func TestGenerateApiKeyShape(t *testing.T) {
	fullKey, prefix, hashedKey, err := GenerateApiKey()
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(fullKey, "dockmon_"))
	assert.Equal(t, fullKey[:20], prefix)
	assert.Len(t, hashedKey, 64) // SHA-256 hex
	assert.NotContains(t, hashedKey, fullKey[8:])
}

func TestApiKeyVerifyAndIdempotentRevoke(t *testing.T) {
	s := newTestStore(t)

	fullKey, prefix, hashedKey, err := GenerateApiKey()
	require.NoError(t, err)
	require.NoError(t, s.CreateApiKey(&domain.ApiKey{
		ID: "k1", Prefix: prefix, HashedKey: hashedKey, UserID: "u1", CreatedAt: time.Now(),
	}))

	got, err := s.VerifyApiKey(fullKey)
	require.NoError(t, err)
	assert.Equal(t, "k1", got.ID)

	// A key sharing the prefix but not the hash must not verify.
	_, err = s.VerifyApiKey(prefix + strings.Repeat("x", len(fullKey)-len(prefix)))
	assert.ErrorIs(t, err, ErrNotFound())

	changed, err := s.RevokeApiKey("k1", time.Now())
	require.NoError(t, err)
	assert.True(t, changed)

	// Second revocation succeeds without a state change.
	changed, err = s.RevokeApiKey("k1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.VerifyApiKey(fullKey)
	assert.ErrorIs(t, err, ErrNotFound())
}

func TestHasCapability(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.CreateGroup(&domain.Group{ID: "g1", Name: "operators"}))
	require.NoError(t, s.SetGroupPermission(&domain.GroupPermission{GroupID: "g1", Capability: "containers:restart", Allowed: true}))

	ok, err := s.HasCapability([]string{"g1"}, "containers:restart")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.HasCapability([]string{"g1"}, "hosts:delete")
	require.NoError(t, err)
	assert.False(t, ok)
}
