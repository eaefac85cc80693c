package alerts

import (
	"context"
	"fmt"

	"github.com/dockmon/server/internal/domain"
	"github.com/dockmon/server/internal/notify"
)

// ChannelLookup resolves a configured notification channel by id, the
// shape rule.NotifyChannels entries reference.
type ChannelLookup interface {
	GetNotificationChannel(id string) (*domain.NotificationChannel, error)
}

// ChannelNotifier implements Notifier by rendering one Message per rule
// transition and sending it through C5 to every channel the rule names.
// A channel lookup miss or a dispatcher error is logged and otherwise
// ignored — per §4.2, notification failure never blocks the alert's own
// persisted state.
type ChannelNotifier struct {
	Channels ChannelLookup
	Dispatch *notify.Dispatcher
}

func (n *ChannelNotifier) NotifyOpened(rule *domain.AlertRule, alert *domain.Alert) {
	n.send(rule, alert, fmt.Sprintf("[%s] %s", rule.Severity, rule.Name),
		fmt.Sprintf("Alert opened for %s:%s (%s)", alert.ScopeType, alert.ScopeID, alert.Kind))
}

func (n *ChannelNotifier) NotifyResolved(rule *domain.AlertRule, alert *domain.Alert) {
	n.send(rule, alert, fmt.Sprintf("[resolved] %s", rule.Name),
		fmt.Sprintf("Alert resolved for %s:%s (%s)", alert.ScopeType, alert.ScopeID, alert.Kind))
}

func (n *ChannelNotifier) send(rule *domain.AlertRule, alert *domain.Alert, title, body string) {
	if n.Channels == nil || n.Dispatch == nil {
		return
	}
	msg := notify.Message{Title: title, Body: body, Severity: rule.Severity, Data: map[string]interface{}{
		"rule_id": rule.ID, "alert_id": alert.ID, "dedup_key": alert.DedupKey,
	}}
	for _, id := range rule.NotifyChannels {
		ch, err := n.Channels.GetNotificationChannel(id)
		if err != nil || ch == nil {
			continue
		}
		n.Dispatch.Send(context.Background(), ch, msg)
	}
}
