package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/smtp"
	"net/url"
	"strings"

	"github.com/dockmon/server/internal/domain"
)

func init() {
	registerSender(domain.ChannelTelegram, telegramSender{})
	registerSender(domain.ChannelDiscord, discordSender{})
	registerSender(domain.ChannelSlack, slackSender{})
	registerSender(domain.ChannelPushover, pushoverSender{})
	registerSender(domain.ChannelGotify, gotifySender{})
	registerSender(domain.ChannelNtfy, ntfySender{})
	registerSender(domain.ChannelSMTP, smtpSender{})
	registerSender(domain.ChannelWebhook, webhookSender{})
}

// postJSON is the shared "POST a JSON body, treat any non-2xx as failure"
// helper every chat-style channel below uses.
func postJSON(ctx context.Context, url string, body map[string]interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("notify: encoding payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("notify: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: server responded %d", resp.StatusCode)
	}
	return nil
}

type telegramSender struct{}

func (telegramSender) Send(ctx context.Context, cfg map[string]string, msg Message) error {
	token, chatID := cfg["bot_token"], cfg["chat_id"]
	if token == "" || chatID == "" {
		return fmt.Errorf("notify: telegram config missing bot_token/chat_id")
	}
	api := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", token)
	return postJSON(ctx, api, map[string]interface{}{
		"chat_id": chatID,
		"text":    fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body),
		"parse_mode": "Markdown",
	})
}

type discordSender struct{}

func (discordSender) Send(ctx context.Context, cfg map[string]string, msg Message) error {
	webhookURL := cfg["webhook_url"]
	if webhookURL == "" {
		return fmt.Errorf("notify: discord config missing webhook_url")
	}
	return postJSON(ctx, webhookURL, map[string]interface{}{
		"content": fmt.Sprintf("**%s**\n%s", msg.Title, msg.Body),
	})
}

type slackSender struct{}

func (slackSender) Send(ctx context.Context, cfg map[string]string, msg Message) error {
	webhookURL := cfg["webhook_url"]
	if webhookURL == "" {
		return fmt.Errorf("notify: slack config missing webhook_url")
	}
	return postJSON(ctx, webhookURL, map[string]interface{}{
		"text": fmt.Sprintf("*%s*\n%s", msg.Title, msg.Body),
	})
}

type pushoverSender struct{}

func (pushoverSender) Send(ctx context.Context, cfg map[string]string, msg Message) error {
	token, userKey := cfg["api_token"], cfg["user_key"]
	if token == "" || userKey == "" {
		return fmt.Errorf("notify: pushover config missing api_token/user_key")
	}
	form := url.Values{
		"token":   {token},
		"user":    {userKey},
		"title":   {msg.Title},
		"message": {msg.Body},
		"priority": {pushoverPriority(msg.Severity)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.pushover.net/1/messages.json", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("notify: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: server responded %d", resp.StatusCode)
	}
	return nil
}

func pushoverPriority(sev domain.Severity) string {
	switch sev {
	case domain.SeverityCritical:
		return "1"
	case domain.SeverityWarning:
		return "0"
	default:
		return "-1"
	}
}

type gotifySender struct{}

func (gotifySender) Send(ctx context.Context, cfg map[string]string, msg Message) error {
	server, token := strings.TrimRight(cfg["server_url"], "/"), cfg["app_token"]
	if server == "" || token == "" {
		return fmt.Errorf("notify: gotify config missing server_url/app_token")
	}
	api := fmt.Sprintf("%s/message?token=%s", server, url.QueryEscape(token))
	return postJSON(ctx, api, map[string]interface{}{
		"title":    msg.Title,
		"message":  msg.Body,
		"priority": gotifyPriority(msg.Severity),
	})
}

func gotifyPriority(sev domain.Severity) int {
	switch sev {
	case domain.SeverityCritical:
		return 8
	case domain.SeverityWarning:
		return 5
	default:
		return 2
	}
}

type ntfySender struct{}

func (ntfySender) Send(ctx context.Context, cfg map[string]string, msg Message) error {
	server := strings.TrimRight(cfg["server_url"], "/")
	if server == "" {
		server = "https://ntfy.sh"
	}
	topic := cfg["topic"]
	if topic == "" {
		return fmt.Errorf("notify: ntfy config missing topic")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/"+topic, strings.NewReader(msg.Body))
	if err != nil {
		return fmt.Errorf("notify: building request: %w", err)
	}
	req.Header.Set("Title", msg.Title)
	req.Header.Set("Priority", ntfyPriority(msg.Severity))
	if token := cfg["access_token"]; token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: server responded %d", resp.StatusCode)
	}
	return nil
}

func ntfyPriority(sev domain.Severity) string {
	switch sev {
	case domain.SeverityCritical:
		return "urgent"
	case domain.SeverityWarning:
		return "high"
	default:
		return "default"
	}
}

// smtpSender is the one channel that isn't a JSON webhook; it uses
// net/smtp directly, matching the teacher's preference for stdlib net/*
// wherever stdlib already covers the protocol.
type smtpSender struct{}

func (smtpSender) Send(ctx context.Context, cfg map[string]string, msg Message) error {
	host, port := cfg["host"], cfg["port"]
	from, to := cfg["from"], cfg["to"]
	if host == "" || port == "" || from == "" || to == "" {
		return fmt.Errorf("notify: smtp config missing host/port/from/to")
	}
	addr := host + ":" + port

	var auth smtp.Auth
	if user, pass := cfg["username"], cfg["password"]; user != "" {
		auth = smtp.PlainAuth("", user, pass, host)
	}

	body := fmt.Sprintf("Subject: %s\r\nTo: %s\r\nFrom: %s\r\n\r\n%s\r\n", msg.Title, to, from, msg.Body)
	recipients := strings.Split(to, ",")
	for i := range recipients {
		recipients[i] = strings.TrimSpace(recipients[i])
	}
	return smtp.SendMail(addr, auth, from, recipients, []byte(body))
}

// webhookSender is the generic escape hatch (§4's "only the channel
// abstraction is in scope"): arbitrary URL/method/headers/payload_format,
// per test_webhook_notifications.py's config shape.
type webhookSender struct{}

func (webhookSender) Send(ctx context.Context, cfg map[string]string, msg Message) error {
	targetURL := cfg["url"]
	if targetURL == "" {
		return fmt.Errorf("notify: webhook config missing url")
	}
	method := cfg["method"]
	if method == "" {
		method = http.MethodPost
	}

	var body []byte
	var contentType string
	if cfg["payload_format"] == "form" {
		form := url.Values{"title": {msg.Title}, "message": {msg.Body}}
		body = []byte(form.Encode())
		contentType = "application/x-www-form-urlencoded"
	} else {
		encoded, err := json.Marshal(map[string]interface{}{
			"title":    msg.Title,
			"message":  msg.Body,
			"severity": msg.Severity,
		})
		if err != nil {
			return fmt.Errorf("notify: encoding payload: %w", err)
		}
		body = encoded
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range cfg {
		if strings.HasPrefix(k, "header_") {
			req.Header.Set(strings.TrimPrefix(k, "header_"), v)
		}
	}

	resp, err := sharedHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("notify: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify: server responded %d", resp.StatusCode)
	}
	return nil
}
