// Package notify dispatches fleet events (failover, recovery, health and
// deployment failures) to registered stakeholder channels.
//
// Channel drivers are pluggable. The service ships with two:
//   - log:     writes the event through zerolog
//   - webhook: JSON POST with optional HMAC-SHA256 signing and retries
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/agentoven/agentfleet/control-plane/pkg/contracts"
	"github.com/agentoven/agentfleet/control-plane/pkg/models"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Event is the notification payload.
type Event = contracts.NotificationEvent

// webhookAttempts is the total number of POSTs per delivery.
const webhookAttempts = 3

// ── Service ──────────────────────────────────────────────────

type Option func(*Service)

// WithHTTPClient replaces the webhook client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) { s.client = c }
}

// WithRetryInterval sets the first webhook retry delay; later ones double.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Service) { s.retryInterval = d }
}

// Service dispatches events to registered channels. It implements
// contracts.Notifier.
type Service struct {
	client        *http.Client
	retryInterval time.Duration

	drivers map[models.ChannelKind]contracts.ChannelDriver
	drvMu   sync.RWMutex

	channels map[string]*models.NotificationChannel
	chMu     sync.RWMutex
}

// NewService creates a notification service with the log and webhook drivers.
func NewService(opts ...Option) *Service {
	svc := &Service{
		client:        &http.Client{Timeout: 15 * time.Second},
		retryInterval: 2 * time.Second,
		drivers:       make(map[models.ChannelKind]contracts.ChannelDriver),
		channels:      make(map[string]*models.NotificationChannel),
	}
	for _, o := range opts {
		o(svc)
	}
	svc.RegisterDriver(&LogChannelDriver{logger: log.Logger})
	svc.RegisterDriver(&WebhookChannelDriver{client: svc.client, retryInterval: svc.retryInterval})
	return svc
}

// RegisterDriver adds or replaces a channel driver for its kind.
func (s *Service) RegisterDriver(driver contracts.ChannelDriver) {
	s.drvMu.Lock()
	defer s.drvMu.Unlock()
	s.drivers[driver.Kind()] = driver
	log.Info().Str("kind", string(driver.Kind())).Msg("Registered notification channel driver")
}

// GetDriver returns the driver for a channel kind, or nil.
func (s *Service) GetDriver(kind models.ChannelKind) contracts.ChannelDriver {
	s.drvMu.RLock()
	defer s.drvMu.RUnlock()
	return s.drivers[kind]
}

// ── Channels ─────────────────────────────────────────────────

// AddChannel registers or replaces a channel by name.
func (s *Service) AddChannel(ch models.NotificationChannel) error {
	if ch.Name == "" {
		return &models.ValidationError{Field: "name", Message: "Channel name is required"}
	}
	if s.GetDriver(ch.Kind) == nil {
		return &models.ValidationError{Field: "kind", Message: "Unknown channel kind: " + string(ch.Kind)}
	}
	if ch.Kind == models.ChannelWebhook && ch.URL == "" {
		return &models.ValidationError{Field: "url", Message: "Webhook channel requires a URL"}
	}
	cp := ch
	cp.Events = append([]string(nil), ch.Events...)
	s.chMu.Lock()
	s.channels[ch.Name] = &cp
	s.chMu.Unlock()
	return nil
}

func (s *Service) RemoveChannel(name string) bool {
	s.chMu.Lock()
	defer s.chMu.Unlock()
	_, ok := s.channels[name]
	delete(s.channels, name)
	return ok
}

// Channels returns the registered channels sorted by name.
func (s *Service) Channels() []models.NotificationChannel {
	s.chMu.RLock()
	out := make([]models.NotificationChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, *ch)
	}
	s.chMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ── Dispatch ─────────────────────────────────────────────────

// DispatchToChannel sends one event through one channel.
func (s *Service) DispatchToChannel(ctx context.Context, channel *models.NotificationChannel, event Event) models.NotifyResult {
	result := models.NotifyResult{
		Channel:   fmt.Sprintf("%s/%s", channel.Kind, channel.Name),
		Timestamp: time.Now().UTC(),
	}

	if !channel.Active {
		result.Error = fmt.Sprintf("channel %s is inactive", channel.Name)
		return result
	}
	if !channelSubscribes(channel, event.Type) {
		result.Error = fmt.Sprintf("channel %s does not subscribe to %s events", channel.Name, event.Type)
		return result
	}

	driver := s.GetDriver(channel.Kind)
	if driver == nil {
		result.Error = fmt.Sprintf("no driver registered for channel kind %s", channel.Kind)
		log.Warn().Str("kind", string(channel.Kind)).Str("channel", channel.Name).Msg("No channel driver")
		return result
	}

	if err := driver.Send(ctx, channel, event); err != nil {
		result.Error = err.Error()
		log.Warn().Err(err).
			Str("channel", channel.Name).
			Str("kind", string(channel.Kind)).
			Str("event", event.Type).
			Msg("Channel notification failed")
		return result
	}

	result.Success = true
	log.Debug().
		Str("channel", channel.Name).
		Str("event", event.Type).
		Str("agent_id", event.AgentID).
		Msg("Channel notification dispatched")
	return result
}

// Notify fans the event out to every active, subscribed channel
// concurrently and collects the results.
func (s *Service) Notify(ctx context.Context, event Event) []models.NotifyResult {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	s.chMu.RLock()
	targets := make([]models.NotificationChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		if ch.Active && channelSubscribes(ch, event.Type) {
			targets = append(targets, *ch)
		}
	}
	s.chMu.RUnlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make([]models.NotifyResult, 0, len(targets))
	)
	for i := range targets {
		ch := targets[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := s.DispatchToChannel(ctx, &ch, event)
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Channel < results[j].Channel })
	log.Info().
		Str("event", event.Type).
		Str("agent_id", event.AgentID).
		Int("channels", len(results)).
		Msg("📣 Stakeholders notified")
	return results
}

func channelSubscribes(ch *models.NotificationChannel, eventType string) bool {
	if len(ch.Events) == 0 {
		return true
	}
	for _, e := range ch.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// ── Log Channel Driver ───────────────────────────────────────

// LogChannelDriver writes events to the process log.
type LogChannelDriver struct {
	logger zerolog.Logger
}

func (d *LogChannelDriver) Kind() models.ChannelKind { return models.ChannelLog }

func (d *LogChannelDriver) Send(_ context.Context, channel *models.NotificationChannel, event Event) error {
	d.logger.Info().
		Str("channel", channel.Name).
		Str("event", event.Type).
		Str("agent_id", event.AgentID).
		Str("environment", event.Environment).
		Interface("payload", event.Payload).
		Time("at", event.Timestamp).
		Msg("🔔 Fleet notification")
	return nil
}

// ── Webhook Channel Driver ───────────────────────────────────

// WebhookChannelDriver POSTs the event as JSON to the channel URL with
// optional HMAC-SHA256 signing.
type WebhookChannelDriver struct {
	client        *http.Client
	retryInterval time.Duration
}

func (d *WebhookChannelDriver) Kind() models.ChannelKind { return models.ChannelWebhook }

// Signature is the value of X-Fleet-Signature for body signed with secret.
func Signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (d *WebhookChannelDriver) Send(ctx context.Context, channel *models.NotificationChannel, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.retryInterval
	b.RandomizationFactor = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, webhookAttempts-1), ctx)

	attempts := 0
	op := func() error {
		attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, channel.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build webhook request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "AgentFleet-Webhook/1.0")
		req.Header.Set("X-Fleet-Event", event.Type)
		if channel.Secret != "" {
			req.Header.Set("X-Fleet-Signature", Signature(channel.Secret, body))
		}
		if token := channel.Config["bearer_token"]; token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, channel.URL)
	}

	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("webhook failed after %d attempts: %w", attempts, err)
	}
	return nil
}
