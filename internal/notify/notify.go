// Package notify delivers lifecycle notifications to chat and webhook targets.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rowjay/snapshot-bridge/internal/config"
)

// Channels
const (
	ChannelSnapshotComplete     = "snapshot-complete"
	ChannelRestorationRequested = "restoration-requested"
	ChannelRestorationComplete  = "restoration-complete"
)

type Message struct {
	ID         string    `json:"id"`
	Channel    string    `json:"channel"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Recipients []string  `json:"recipients"`
	SentAt     time.Time `json:"sent_at"`
}

// NewMessage stamps a message with a fresh id.
func NewMessage(channel, subject, body string, recipients []string, now time.Time) Message {
	return Message{
		ID:         uuid.NewString(),
		Channel:    channel,
		Subject:    subject,
		Body:       body,
		Recipients: recipients,
		SentAt:     now.UTC(),
	}
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Multi fans a message out to every target. All targets are tried; the
// failures are joined.
type Multi struct {
	Targets []Notifier
}

func (m Multi) Notify(ctx context.Context, msg Message) error {
	var errs []error
	for _, target := range m.Targets {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Log writes messages to the process log. It is always part of the
// configured fan-out so a notification is never lost silently.
type Log struct {
	Logger zerolog.Logger
}

func (l Log) Notify(_ context.Context, msg Message) error {
	l.Logger.Info().
		Str("channel", msg.Channel).
		Str("message_id", msg.ID).
		Strs("recipients", msg.Recipients).
		Str("subject", msg.Subject).
		Msg("notification")
	return nil
}

type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (w Webhook) Notify(ctx context.Context, msg Message) error {
	return postJSON(ctx, w.Client, "webhook "+w.Name, w.URL, w.Headers, msg)
}

type Mattermost struct {
	Name   string
	URL    string
	Client *http.Client
}

func (m Mattermost) Notify(ctx context.Context, msg Message) error {
	payload := map[string]string{"text": fmt.Sprintf("**%s**\n%s", msg.Subject, msg.Body)}
	return postJSON(ctx, m.Client, "mattermost "+m.Name, m.URL, nil, payload)
}

type Matrix struct {
	Name        string
	ServerURL   string
	AccessToken string
	RoomID      string
	Client      *http.Client
}

func (m Matrix) Notify(ctx context.Context, msg Message) error {
	// The message id doubles as the transaction id, so a resend is deduplicated.
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%s",
		strings.TrimRight(m.ServerURL, "/"), url.PathEscape(m.RoomID), url.PathEscape(msg.ID))
	payload := map[string]any{
		"msgtype": "m.text",
		"body":    msg.Subject + "\n" + msg.Body,
	}
	headers := map[string]string{"Authorization": "Bearer " + m.AccessToken}
	return send(ctx, m.Client, "matrix "+m.Name, http.MethodPut, endpoint, headers, payload)
}

// FromConfig builds the fan-out for cfg. log always receives a copy.
func FromConfig(cfg config.NotificationsConfig, log zerolog.Logger) Multi {
	targets := []Notifier{Log{Logger: log.With().Str("component", "notify").Logger()}}
	for _, w := range cfg.Webhooks {
		targets = append(targets, Webhook{Name: w.Name, URL: w.URL, Headers: w.Headers})
	}
	for _, mm := range cfg.Mattermost {
		targets = append(targets, Mattermost{Name: mm.Name, URL: mm.URL})
	}
	for _, mx := range cfg.Matrix {
		targets = append(targets, Matrix{Name: mx.Name, ServerURL: mx.ServerURL, AccessToken: mx.AccessToken, RoomID: mx.RoomID})
	}
	return Multi{Targets: targets}
}

func postJSON(ctx context.Context, client *http.Client, name, target string, headers map[string]string, payload any) error {
	return send(ctx, client, name, http.MethodPost, target, headers, payload)
}

func send(ctx context.Context, client *http.Client, name, method, target string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: encode payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if client == nil {
		client = defaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", name, resp.Status)
	}
	return nil
}

var defaultClient = &http.Client{Timeout: 10 * time.Second}
