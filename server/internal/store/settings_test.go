package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/domain"
)

func TestGlobalSettingsDefaultsAndUpdate(t *testing.T) {
	s := newTestStore(t)

	gs, err := s.GetGlobalSettings()
	require.NoError(t, err)
	assert.Zero(t, gs.TimezoneOffsetMinutes)
	assert.True(t, gs.SkipComposeContainers)

	gs.TimezoneOffsetMinutes = -300
	gs.SkipComposeContainers = false
	gs.EventSuppressionPatterns = []string{"container_started"}
	require.NoError(t, s.UpdateGlobalSettings(gs))

	got, err := s.GetGlobalSettings()
	require.NoError(t, err)
	assert.Equal(t, -300, got.TimezoneOffsetMinutes)
	assert.False(t, got.SkipComposeContainers)
	assert.Equal(t, []string{"container_started"}, got.EventSuppressionPatterns)
}

func TestRegistryCredentialEncryptedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	s.SetChannelCrypter(fakeCrypter{})

	require.NoError(t, s.UpsertRegistryCredential(&domain.RegistryCredential{
		RegistryHost: "ghcr.io", Username: "robot", Password: "hunter2",
	}))

	// At rest the password must be the crypter's envelope, never plaintext.
	var stored string
	row := s.db.QueryRow(`SELECT password_encrypted FROM registry_credentials WHERE registry_host = 'ghcr.io'`)
	require.NoError(t, row.Scan(&stored))
	assert.Equal(t, "enc:hunter2", stored)

	username, password, ok, err := s.RegistryCredentialsFor("ghcr.io")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "robot", username)
	assert.Equal(t, "hunter2", password)
}

func TestRegistryCredentialMissIsNotAnError(t *testing.T) {
	s := newTestStore(t)

	_, _, ok, err := s.RegistryCredentialsFor("registry.example.com")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContainerUpdateComposeProjectRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertContainerUpdate(&domain.ContainerUpdate{
		ContainerID: "h1:abc", HostID: "h1", CurrentImage: "nginx:1.25",
		FloatingTagMode: domain.TagModeExact, ComposeProject: "mystack", LastCheckedAt: time.Now(),
	}))

	got, err := s.GetContainerUpdate("h1:abc")
	require.NoError(t, err)
	assert.Equal(t, "mystack", got.ComposeProject)
}

func TestPurgeEventLogKeepsUserAuditRows(t *testing.T) {
	s := newTestStore(t)

	old := testEvent()
	old.Timestamp = time.Now().AddDate(0, 0, -60)
	s.LogEvent(old)
	s.LogEvent(testEvent())

	require.NoError(t, s.AppendAuditLog(&domain.AuditLog{
		ID: "u1", Who: "alice", When: time.Now().AddDate(0, 0, -60),
		Action: "delete_host", EntityType: "host", EntityID: "h1",
	}))

	n, err := s.PurgeEventLogOlderThan(time.Now().AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	entries, err := s.ListAuditLog("", "", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
