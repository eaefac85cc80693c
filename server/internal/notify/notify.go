// Package notify is the channel-agnostic notification dispatcher (C5),
// grounded on original_source/backend/alerts/validator.py's
// VALID_NOTIFICATION_CHANNELS constant for the channel set and
// tests/unit/test_webhook_notifications.py for the webhook channel's
// method/payload-format/headers config shape and test-channel contract.
// Per spec.md §1, only the channel abstraction is in scope here; transport
// bodies are thin net/http (or net/smtp for the smtp channel) adapters, not
// full-fidelity clients for every provider's API.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/dockmon/server/internal/domain"
)

// Message is the channel-independent content a Sender renders.
type Message struct {
	Title    string
	Body     string
	Severity domain.Severity
	Data     map[string]interface{}
}

// Sender delivers one rendered Message to a single configured channel.
// Implementations are keyed into the dispatcher's function table by
// domain.ChannelType (spec.md §9's "tagged sum ... dispatcher is a function
// table keyed by tag").
type Sender interface {
	Send(ctx context.Context, cfg map[string]string, msg Message) error
}

// senderTable is populated in init() so each channel file can register
// itself without Dispatcher knowing their internals.
var senderTable = map[domain.ChannelType]Sender{}

func registerSender(t domain.ChannelType, s Sender) {
	senderTable[t] = s
}

// RetryPolicy controls how many attempts a single send gets and the
// backoff between them. Exponential, capped, matching the shape
// shared/update.go's pull-progress retry loop already uses elsewhere in the
// pack for transient-failure tolerance.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

var defaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

// Dispatcher sends rendered messages to configured channels, with retry and
// a global rate limiter so a burst of alerts can't hammer a webhook
// endpoint or a channel provider's API.
type Dispatcher struct {
	mu      sync.RWMutex
	limiter *rate.Limiter
	retry   RetryPolicy
	log     *logrus.Logger
}

// New constructs a Dispatcher. ratePerSecond/burst size the token bucket;
// zero ratePerSecond disables limiting.
func New(ratePerSecond float64, burst int, log *logrus.Logger) *Dispatcher {
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), burst)
	}
	return &Dispatcher{limiter: limiter, retry: defaultRetryPolicy, log: log}
}

// Send delivers msg to channel, retrying transient failures up to
// d.retry.MaxAttempts times with exponential backoff. The final error (if
// any) is returned for the caller (C7's notifier) to log; Send itself never
// panics.
func (d *Dispatcher) Send(ctx context.Context, channel *domain.NotificationChannel, msg Message) error {
	if channel == nil || !channel.Enabled {
		return nil
	}
	sender, ok := senderTable[channel.Type]
	if !ok {
		return fmt.Errorf("notify: unknown channel type %q", channel.Type)
	}

	var lastErr error
	delay := d.retry.BaseDelay
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("notify: rate limiter: %w", err)
			}
		}

		lastErr = sender.Send(ctx, channel.Config, msg)
		if lastErr == nil {
			return nil
		}
		d.logf(channel, attempt, lastErr)

		if attempt == d.retry.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > d.retry.MaxDelay {
			delay = d.retry.MaxDelay
		}
	}
	return fmt.Errorf("notify: channel %s (%s) failed after %d attempts: %w", channel.Name, channel.Type, d.retry.MaxAttempts, lastErr)
}

// TestChannel sends a fixed sample message, used by the
// "test a configured channel before saving it" UI action.
func (d *Dispatcher) TestChannel(ctx context.Context, channel *domain.NotificationChannel) error {
	return d.Send(ctx, channel, Message{
		Title:    "DockMon test notification",
		Body:     "This is a test notification from DockMon.",
		Severity: domain.SeverityInfo,
	})
}

func (d *Dispatcher) logf(channel *domain.NotificationChannel, attempt int, err error) {
	if d.log == nil {
		return
	}
	d.log.WithFields(logrus.Fields{
		"channel":  channel.Name,
		"type":     channel.Type,
		"attempt":  attempt,
		"max":      d.retry.MaxAttempts,
	}).WithError(err).Warn("notify: send attempt failed")
}

// sharedHTTPClient is reused across the webhook-shaped channels
// (telegram/discord/slack/pushover/gotify/ntfy/webhook all POST JSON or
// form bodies over HTTPS).
var sharedHTTPClient = &http.Client{
	Timeout: 10 * time.Second,
	Transport: &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
	},
}
