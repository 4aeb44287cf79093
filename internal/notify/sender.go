// Package notify pushes operator notifications (checkpoint requests, budget
// warnings and trips, escalations, tampering) to registered browsers.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/kazz187/phaseguild/internal/config"
)

const ttlSeconds = 86400

type Payload struct {
	Title   string `json:"title"`
	Body    string `json:"body"`
	URL     string `json:"url,omitempty"`
	Tag     string `json:"tag,omitempty"`
	Urgency string `json:"-"`
}

type Sender struct {
	vapid  config.VAPIDEnv
	store  *SubscriptionStore
	client webpush.HTTPClient
}

type SenderOption func(*Sender)

func WithHTTPClient(c webpush.HTTPClient) SenderOption {
	return func(s *Sender) { s.client = c }
}

func NewSender(vapid config.VAPIDEnv, store *SubscriptionStore, opts ...SenderOption) *Sender {
	s := &Sender{vapid: vapid, store: store, client: http.DefaultClient}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SendToAll delivers p to every subscription and returns how many accepted
// it. Subscriptions the push service reports as gone are removed.
func (s *Sender) SendToAll(ctx context.Context, p *Payload) int {
	if !s.vapid.Enabled() {
		slog.DebugContext(ctx, "push notification: VAPID keys not configured, skipping")
		return 0
	}
	subs, err := s.store.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "push notification: failed to list subscriptions", "error", err)
		return 0
	}
	data, err := json.Marshal(p)
	if err != nil {
		slog.ErrorContext(ctx, "push notification: failed to marshal payload", "error", err)
		return 0
	}
	sent := 0
	for _, sub := range subs {
		if s.send(ctx, sub, data, p.Urgency) {
			sent++
		}
	}
	return sent
}

func (s *Sender) send(ctx context.Context, sub *Subscription, data []byte, urgency string) bool {
	opts := &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.vapid.Subject,
		VAPIDPublicKey:  s.vapid.PublicKey,
		VAPIDPrivateKey: s.vapid.PrivateKey,
		TTL:             ttlSeconds,
	}
	if urgency != "" {
		opts.Urgency = webpush.Urgency(urgency)
	}
	resp, err := webpush.SendNotificationWithContext(ctx, data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.P256dhKey, Auth: sub.AuthKey},
	}, opts)
	if err != nil {
		slog.ErrorContext(ctx, "push notification: failed to send", "endpoint", sub.Endpoint, "error", err)
		return false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		slog.InfoContext(ctx, "push notification: subscription expired, removing", "endpoint", sub.Endpoint)
		if err := s.store.Delete(ctx, sub.ID); err != nil {
			slog.ErrorContext(ctx, "push notification: failed to delete expired subscription", "id", sub.ID, "error", err)
		}
		return false
	case resp.StatusCode >= 400:
		slog.WarnContext(ctx, "push notification: unexpected status", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		return false
	}
	return true
}
