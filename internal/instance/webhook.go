package instance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/gateway"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// configuredTTL is how long a successful ensure is trusted before the
// remote subscription is re-checked.
const configuredTTL = 10 * time.Minute

// WebhookEnsurer idempotently guarantees that an instance carries the
// correct webhook subscription. Concurrent calls for the same instance
// collapse into one remote exchange; a verified subscription short-circuits
// with zero remote calls until the trust window lapses.
type WebhookEnsurer struct {
	gw          Gateway
	repo        WebhookRepository
	callbackURL string

	group      singleflight.Group
	mu         sync.Mutex
	configured map[string]time.Time
}

func NewWebhookEnsurer(gw Gateway, repo WebhookRepository, callbackURL string) *WebhookEnsurer {
	return &WebhookEnsurer{
		gw:          gw,
		repo:        repo,
		callbackURL: callbackURL,
		configured:  make(map[string]time.Time),
	}
}

// EnsureConfigured verifies the remote subscription and issues at most one
// configure call when it is missing or wrong. Configuration failure is
// returned as an error the caller logs as a warning; message sending is
// not blocked on it.
func (e *WebhookEnsurer) EnsureConfigured(ctx context.Context, instanceID string) error {
	e.mu.Lock()
	if t, ok := e.configured[instanceID]; ok && time.Since(t) < configuredTTL {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	_, err, _ := e.group.Do(instanceID, func() (interface{}, error) {
		return nil, e.ensure(ctx, instanceID)
	})
	return err
}

// Invalidate drops the trust cache entry, forcing the next ensure to
// re-check remotely. Called when an instance is deleted or logged out.
func (e *WebhookEnsurer) Invalidate(instanceID string) {
	e.mu.Lock()
	delete(e.configured, instanceID)
	e.mu.Unlock()
}

func (e *WebhookEnsurer) ensure(ctx context.Context, instanceID string) error {
	current, err := e.gw.FindWebhook(ctx, instanceID)
	if err != nil && !gateway.IsNotReady(err) {
		return fmt.Errorf("fetch webhook config: %w", err)
	}

	if err == nil && e.subscriptionCorrect(current) {
		e.markConfigured(instanceID)
		return nil
	}

	want := &gateway.WebhookConfig{
		Url:     e.callbackURL,
		Enabled: true,
		Events:  gateway.CanonicalEvents(),
	}
	if setErr := e.gw.SetWebhook(ctx, instanceID, want); setErr != nil {
		// a failed reconfigure must not downgrade a working subscription;
		// record the failure and leave the remote state alone
		e.recordLocal(ctx, instanceID, want, setErr)
		return fmt.Errorf("configure webhook: %w", setErr)
	}

	e.recordLocal(ctx, instanceID, want, nil)
	e.markConfigured(instanceID)
	zap.L().Info("webhook subscription configured",
		zap.String("instance_id", instanceID),
		zap.String("url", e.callbackURL))
	return nil
}

func (e *WebhookEnsurer) subscriptionCorrect(cfg *gateway.WebhookConfig) bool {
	if cfg == nil || !cfg.Enabled || cfg.Url != e.callbackURL {
		return false
	}
	have := make(map[string]bool, len(cfg.Events))
	for _, ev := range cfg.Events {
		have[strings.ToUpper(ev)] = true
	}
	if have[gateway.EventPresenceUpdate] {
		return false
	}
	for _, ev := range gateway.CanonicalEvents() {
		if !have[ev] {
			return false
		}
	}
	return true
}

func (e *WebhookEnsurer) markConfigured(instanceID string) {
	e.mu.Lock()
	e.configured[instanceID] = time.Now()
	e.mu.Unlock()
}

func (e *WebhookEnsurer) recordLocal(ctx context.Context, instanceID string, cfg *gateway.WebhookConfig, setErr error) {
	sub := &domain.WebhookSubscription{
		InstanceID: instanceID,
		Url:        cfg.Url,
		Enabled:    setErr == nil,
		Events:     strings.Join(cfg.Events, ","),
	}
	if setErr == nil {
		sub.LastConfiguredAt = time.Now()
	} else {
		sub.LastError = setErr.Error()
	}
	if err := e.repo.Upsert(ctx, sub); err != nil {
		zap.L().Warn("failed to persist webhook subscription record",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
}
