package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/eventbus"
)

func testEvent() eventbus.Event {
	return eventbus.Event{
		Type:      eventbus.ContainerStarted,
		ScopeType: eventbus.ScopeContainer,
		ScopeID:   "c1",
		ScopeName: "web-1",
		HostID:    "h1",
		Data:      map[string]interface{}{"reason": "manual"},
		Timestamp: time.Now(),
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHostCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	h := &domain.Host{ID: "h1", Name: "prod-1", URL: "unix:///var/run/docker.sock", ConnectionType: domain.ConnectionLocal, CreatedAt: time.Now()}
	require.NoError(t, s.CreateHost(h))

	got, err := s.GetHost("h1")
	require.NoError(t, err)
	assert.Equal(t, "prod-1", got.Name)
}

func TestHostMigration(t *testing.T) {
	s := newTestStore(t)
	old := &domain.Host{ID: "h1", Name: "remote", URL: "tcp://1.2.3.4:2376", ConnectionType: domain.ConnectionRemote, EngineID: "eng-1", CreatedAt: time.Now()}
	require.NoError(t, s.CreateHost(old))

	require.NoError(t, s.MigrateHost("h1", "h2"))

	_, err := s.GetHostByEngineID("eng-1")
	assert.ErrorIs(t, err, ErrNotFound())
}

func TestRegistrationTokenSingleUse(t *testing.T) {
	s := newTestStore(t)
	tok := &domain.RegistrationToken{Token: "tok-1", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(domain.RegistrationTokenTTL)}
	require.NoError(t, s.CreateRegistrationToken(tok))

	consumed, err := s.ConsumeRegistrationToken("tok-1", time.Now())
	require.NoError(t, err)
	assert.True(t, consumed.Used)

	_, err = s.ConsumeRegistrationToken("tok-1", time.Now())
	assert.Error(t, err)
}

func TestAlertRuleCRUDAndRulesForScope(t *testing.T) {
	s := newTestStore(t)
	th := 90.0
	r := &domain.AlertRule{
		ID: "r1", Name: "cpu-high", Scope: domain.AlertScope("container"), Kind: "cpu",
		Severity: domain.SeverityWarning, Enabled: true, Metric: "cpu_percent", Operator: ">",
		Threshold: &th, DurationSeconds: 60, Occurrences: 1, Version: 1, CreatedAt: time.Now(),
		NotifyChannels: []string{"chan-1"},
	}
	require.NoError(t, s.CreateAlertRule(r))

	rules := s.RulesForScope(domain.AlertScope("container"))
	require.Len(t, rules, 1)
	assert.Equal(t, "cpu-high", rules[0].Name)
	assert.Equal(t, 90.0, *rules[0].Threshold)
}

func TestAlertLifecycle(t *testing.T) {
	s := newTestStore(t)
	a := &domain.Alert{
		ID: "a1", DedupKey: "r1|cpu|container:c1", RuleID: "r1", RuleVersion: 1,
		ScopeType: domain.AlertScope("container"), ScopeID: "c1", Kind: "cpu", Severity: domain.SeverityWarning,
		State: domain.AlertOpen, FirstSeen: time.Now(), LastSeen: time.Now(), Occurrences: 1,
	}
	require.NoError(t, s.Create(a))

	got, ok := s.GetActive("r1|cpu|container:c1")
	require.True(t, ok)
	assert.Equal(t, domain.AlertOpen, got.State)

	got.State = domain.AlertResolved
	now := time.Now()
	got.ResolvedAt = &now
	require.NoError(t, s.Update(got))

	_, ok = s.GetActive("r1|cpu|container:c1")
	assert.False(t, ok)
}

func TestRuleRuntimeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	key := domain.RuntimeKey("r1", domain.AlertScope("container"), "c1")
	_, ok := s.Get(key)
	assert.False(t, ok)

	rt := &domain.RuleRuntime{RuleID: "r1", ScopeType: domain.AlertScope("container"), ScopeID: "c1",
		Samples: []domain.Sample{{At: time.Now(), Value: 42}}, BreachCount: 2, LastEvalAt: time.Now()}
	s.Save(rt)

	got, ok := s.Get(key)
	require.True(t, ok)
	assert.Equal(t, 2, got.BreachCount)
	require.Len(t, got.Samples, 1)
	assert.Equal(t, 42.0, got.Samples[0].Value)
}

func TestNotificationChannelEncryptsSecretField(t *testing.T) {
	s := newTestStore(t)
	s.SetChannelCrypter(fakeCrypter{})

	ch := &domain.NotificationChannel{ID: "nc1", Type: domain.ChannelTelegram, Name: "ops",
		Config: map[string]string{"bot_token": "secret-token", "chat_id": "123"}, Enabled: true}
	require.NoError(t, s.CreateNotificationChannel(ch))

	got, err := s.GetNotificationChannel("nc1")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", got.Config["bot_token"])
	assert.Equal(t, "123", got.Config["chat_id"])
}

type fakeCrypter struct{}

func (fakeCrypter) Encrypt(s string) (string, error) { return "enc:" + s, nil }
func (fakeCrypter) Decrypt(s string) (string, error) { return s[len("enc:"):], nil }

func TestBatchJobCreateAndGet(t *testing.T) {
	s := newTestStore(t)
	job := &domain.BatchJob{ID: "b1", Action: domain.BatchActionStart, Status: domain.BatchJobQueued,
		Scope: "container", TotalItems: 1, CreatedAt: time.Now()}
	items := []*domain.BatchJobItem{{ID: "i1", JobID: "b1", ContainerID: "h1:c1", HostID: "h1", Status: domain.BatchItemQueued}}
	require.NoError(t, s.CreateJob(job, items))

	gotJob, gotItems, err := s.GetJob("b1")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchJobQueued, gotJob.Status)
	require.Len(t, gotItems, 1)
	assert.Equal(t, "h1:c1", gotItems[0].ContainerID)
}

func TestAuditLogFromEvent(t *testing.T) {
	s := newTestStore(t)
	s.LogEvent(testEvent())

	entries, err := s.ListAuditLog("", "", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "container_started", entries[0].Action)
}
