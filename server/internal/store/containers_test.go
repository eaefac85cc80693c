package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/domain"
)

func TestContainerSettingsDefaultsWhenUnset(t *testing.T) {
	s := newTestStore(t)
	cs, err := s.GetContainerSettings("h1:abc123", "h1")
	require.NoError(t, err)
	assert.Equal(t, domain.TagModeExact, cs.FloatingTagMode)
	assert.Equal(t, domain.DesiredStateUnspecified, cs.DesiredState)
	assert.Empty(t, cs.Tags)
}

func TestContainerSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	cs, err := s.GetContainerSettings("h1:abc123", "h1")
	require.NoError(t, err)

	cs.Tags = []string{"prod", "db"}
	cs.AutoRestart = true
	cs.AutoUpdate = true
	cs.FloatingTagMode = domain.TagModeMinor
	cs.DesiredState = domain.DesiredStateShouldRun
	require.NoError(t, s.SetContainerSettings(cs))

	got, err := s.GetContainerSettings("h1:abc123", "h1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"prod", "db"}, got.Tags)
	assert.True(t, got.AutoRestart)
	assert.True(t, got.AutoUpdate)
	assert.Equal(t, domain.TagModeMinor, got.FloatingTagMode)
	assert.Equal(t, domain.DesiredStateShouldRun, got.DesiredState)
}
