package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockmon/server/internal/domain"
)

func TestDispatcherSkipsDisabledChannel(t *testing.T) {
	d := New(0, 0, nil)
	err := d.Send(context.Background(), &domain.NotificationChannel{Enabled: false}, Message{Title: "x"})
	assert.NoError(t, err)
}

func TestDispatcherUnknownChannelType(t *testing.T) {
	d := New(0, 0, nil)
	err := d.Send(context.Background(), &domain.NotificationChannel{Enabled: true, Type: "carrier-pigeon"}, Message{})
	assert.Error(t, err)
}

func TestWebhookSenderJSONSuccess(t *testing.T) {
	var gotMethod, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(0, 0, nil)
	channel := &domain.NotificationChannel{
		Enabled: true,
		Name:    "test-webhook",
		Type:    domain.ChannelWebhook,
		Config:  map[string]string{"url": srv.URL},
	}
	err := d.Send(context.Background(), channel, Message{Title: "Alert", Body: "something happened"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
}

func TestWebhookSenderMissingURL(t *testing.T) {
	err := webhookSender{}.Send(context.Background(), map[string]string{}, Message{})
	assert.Error(t, err)
}

func TestDispatcherRetriesThenFails(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(0, 0, nil)
	d.retry = RetryPolicy{MaxAttempts: 2, BaseDelay: 0, MaxDelay: 0}
	channel := &domain.NotificationChannel{
		Enabled: true,
		Type:    domain.ChannelWebhook,
		Config:  map[string]string{"url": srv.URL},
	}
	err := d.Send(context.Background(), channel, Message{Title: "x"})
	assert.Error(t, err)
	assert.Equal(t, 2, attempts)
}

func TestPushoverPriorityBySeverity(t *testing.T) {
	assert.Equal(t, "1", pushoverPriority(domain.SeverityCritical))
	assert.Equal(t, "0", pushoverPriority(domain.SeverityWarning))
	assert.Equal(t, "-1", pushoverPriority(domain.SeverityInfo))
}
