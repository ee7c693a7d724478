package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/gateway"
	"go.uber.org/zap"
)

// PollerConfig bounds a polling session.
type PollerConfig struct {
	// Interval between state polls; widened after transient errors.
	Interval time.Duration
	// Ceiling bounds the interactive connect flow.
	Ceiling time.Duration
	// MonitorCeiling bounds background QR-scan monitoring.
	MonitorCeiling time.Duration
	// QRTTL is how long a received QR code stays presentable.
	QRTTL time.Duration
	// NotReadyBudget is how many consecutive not-ready polls are tolerated
	// before the session is surfaced as an error.
	NotReadyBudget int
	// ConnectPolicy wraps the initial connect call.
	ConnectPolicy RetryPolicy
}

func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:       7 * time.Second,
		Ceiling:        60 * time.Second,
		MonitorCeiling: 10 * time.Minute,
		QRTTL:          60 * time.Second,
		NotReadyBudget: 5,
		ConnectPolicy:  DefaultConnectPolicy(),
	}
}

// pollState is the explicit loop state threaded through each iteration,
// replacing closure-captured counters so termination is testable.
type pollState struct {
	attempt   int
	notReady  int
	startedAt time.Time
	ceiling   time.Duration
	interval  time.Duration
}

func (s *pollState) expired(now time.Time) bool {
	return now.Sub(s.startedAt) >= s.ceiling
}

// widen doubles the interval after a transient error, capped at 4x base.
func (s *pollState) widen(base time.Duration) {
	next := s.interval * 2
	if next > base*4 {
		next = base * 4
	}
	s.interval = next
}

// Poller converts a connect intent into a terminal instance state. Each
// instance owns at most one polling task, registered with a cancellation
// handle so disconnects, deletions and shutdown never leave a dangling
// periodic task.
type Poller struct {
	gw      Gateway
	machine *StateMachine
	ensurer *WebhookEnsurer
	cfg     PollerConfig

	mu    sync.Mutex
	tasks map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func NewPoller(gw Gateway, machine *StateMachine, ensurer *WebhookEnsurer, cfg PollerConfig) *Poller {
	return &Poller{
		gw:      gw,
		machine: machine,
		ensurer: ensurer,
		cfg:     cfg,
		tasks:   make(map[string]context.CancelFunc),
	}
}

// Begin starts a connect session for the instance. The connecting
// transition is applied synchronously so illegal requests (already
// connecting) are rejected before any remote call.
func (p *Poller) Begin(ctx context.Context, instanceID string) error {
	if _, err := p.machine.Transition(ctx, instanceID, EventConnect, TransitionPayload{
		ConnectionState: domain.ConnStateConnecting,
	}); err != nil {
		return err
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if prev, ok := p.tasks[instanceID]; ok {
		prev()
	}
	p.tasks[instanceID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.unregister(instanceID, cancel)
		p.run(taskCtx, instanceID)
	}()
	return nil
}

// Cancel stops the polling task for the instance, if any.
func (p *Poller) Cancel(instanceID string) {
	p.mu.Lock()
	cancel, ok := p.tasks[instanceID]
	if ok {
		delete(p.tasks, instanceID)
	}
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Shutdown cancels every task and waits for them to drain.
func (p *Poller) Shutdown() {
	p.mu.Lock()
	for id, cancel := range p.tasks {
		cancel()
		delete(p.tasks, id)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Active reports whether a polling task is registered for the instance.
func (p *Poller) Active(instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[instanceID]
	return ok
}

func (p *Poller) unregister(instanceID string, cancel context.CancelFunc) {
	cancel()
	p.mu.Lock()
	if cur, ok := p.tasks[instanceID]; ok && isSameCancel(cur, cancel) {
		delete(p.tasks, instanceID)
	}
	p.mu.Unlock()
}

// isSameCancel guards against a restarted session unregistering its
// successor's handle.
func isSameCancel(a, b context.CancelFunc) bool {
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}

func (p *Poller) run(ctx context.Context, instanceID string) {
	// the webhook must be in place before any state-revealing poll is
	// trusted; failure is a warning, not a blocker
	if p.ensurer != nil {
		if err := p.ensurer.EnsureConfigured(ctx, instanceID); err != nil {
			zap.L().Warn("webhook configuration failed, continuing optimistically",
				zap.String("instance_id", instanceID), zap.Error(err))
		}
	}

	var resp *gateway.ConnectResponse
	err := p.cfg.ConnectPolicy.Do(ctx, "instance.connect", func(ctx context.Context) error {
		var callErr error
		resp, callErr = p.gw.Connect(ctx, instanceID)
		return callErr
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		p.fail(ctx, instanceID, fmt.Sprintf("connect failed: %v", err))
		return
	}

	switch {
	case resp.Instance.State == domain.ConnStateOpen:
		// already-open session, resolve the identity and finish
		p.settleConnected(ctx, instanceID)
		return
	case resp.HasQR():
		_, err := p.machine.Transition(ctx, instanceID, EventQRReceived, TransitionPayload{
			QrCode:          resp.QRPayload(),
			QrExpiresAt:     time.Now().Add(p.cfg.QRTTL),
			ConnectionState: domain.ConnStateConnecting,
		})
		if err != nil {
			zap.L().Warn("qr transition rejected", zap.String("instance_id", instanceID), zap.Error(err))
			return
		}
	}

	st := &pollState{
		attempt:   0,
		startedAt: time.Now(),
		ceiling:   p.cfg.Ceiling,
		interval:  p.cfg.Interval,
	}
	p.poll(ctx, instanceID, st)
}

// Monitor starts a long background watch for an instance already in
// qr_ready, bounded by the monitor ceiling. Used when the operator keeps a
// QR on screen past the interactive window.
func (p *Poller) Monitor(instanceID string) {
	taskCtx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	if prev, ok := p.tasks[instanceID]; ok {
		prev()
	}
	p.tasks[instanceID] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.unregister(instanceID, cancel)
		st := &pollState{
			startedAt: time.Now(),
			ceiling:   p.cfg.MonitorCeiling,
			interval:  p.cfg.Interval,
		}
		p.poll(taskCtx, instanceID, st)
	}()
}

// poll drives the bounded loop. Every state-revealing answer is written
// through the state machine, never directly to storage.
func (p *Poller) poll(ctx context.Context, instanceID string, st *pollState) {
	timer := time.NewTimer(st.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		now := time.Now()
		if st.expired(now) {
			if _, err := p.machine.Transition(ctx, instanceID, EventTimeout, TransitionPayload{
				Message: fmt.Sprintf("no connection after %s", st.ceiling),
			}); err != nil && !errors.Is(err, ErrIllegalTransition) {
				zap.L().Warn("timeout transition failed", zap.String("instance_id", instanceID), zap.Error(err))
			}
			return
		}

		st.attempt++
		detail, err := p.gw.FetchInstance(ctx, instanceID)
		switch {
		case err == nil:
			st.notReady = 0
			st.interval = p.cfg.Interval
			if done := p.applyDetail(ctx, instanceID, detail); done {
				return
			}
		case gateway.IsNotReady(err):
			// expected right after creation; tolerate up to the budget
			st.notReady++
			if st.notReady >= p.cfg.NotReadyBudget {
				p.fail(ctx, instanceID, fmt.Sprintf("instance unknown to gateway after %d polls", st.notReady))
				return
			}
		case gateway.IsAuthError(err):
			p.fail(ctx, instanceID, fmt.Sprintf("gateway rejected credentials: %v", err))
			return
		case errors.Is(err, context.Canceled):
			return
		default:
			// transient; widen the interval and keep going
			st.widen(p.cfg.Interval)
			zap.L().Debug("poll error, widening interval",
				zap.String("instance_id", instanceID),
				zap.Duration("interval", st.interval),
				zap.Error(err))
		}

		timer.Reset(st.interval)
	}
}

// applyDetail inspects one poll answer. A populated session identity is
// the strongest signal of a completed handshake and wins over whatever
// the gateway's own status field reports.
func (p *Poller) applyDetail(ctx context.Context, instanceID string, detail *gateway.InstanceDetail) bool {
	if detail.OwnerJid != "" {
		_, err := p.machine.Transition(ctx, instanceID, EventConnected, TransitionPayload{
			PhoneNumber:     PhoneFromJid(detail.OwnerJid),
			ConnectionState: domain.ConnStateOpen,
		})
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			zap.L().Warn("connected transition failed",
				zap.String("instance_id", instanceID), zap.Error(err))
		}
		return true
	}
	if detail.ConnectionStatus == domain.ConnStateClose {
		// the gateway reports the session gone while we still wait for a
		// scan; keep polling, the QR flow may still complete
		zap.L().Debug("remote session closed while polling",
			zap.String("instance_id", instanceID))
	}
	return false
}

func (p *Poller) settleConnected(ctx context.Context, instanceID string) {
	detail, err := p.gw.FetchInstance(ctx, instanceID)
	phone := ""
	if err == nil {
		phone = PhoneFromJid(detail.OwnerJid)
	}
	if phone == "" {
		// open session but identity not yet visible; poll until it shows
		st := &pollState{
			startedAt: time.Now(),
			ceiling:   p.cfg.Ceiling,
			interval:  p.cfg.Interval,
		}
		p.poll(ctx, instanceID, st)
		return
	}
	if _, err := p.machine.Transition(ctx, instanceID, EventConnected, TransitionPayload{
		PhoneNumber:     phone,
		ConnectionState: domain.ConnStateOpen,
	}); err != nil && !errors.Is(err, ErrIllegalTransition) {
		zap.L().Warn("connected transition failed",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
}

func (p *Poller) fail(ctx context.Context, instanceID string, msg string) {
	if _, err := p.machine.Transition(ctx, instanceID, EventFail, TransitionPayload{Message: msg}); err != nil {
		zap.L().Warn("error transition failed",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
}

// PhoneFromJid extracts the phone number from a session identity such as
// "628123456789:12@s.whatsapp.net".
func PhoneFromJid(jid string) string {
	if jid == "" {
		return ""
	}
	phone := jid
	if idx := strings.Index(phone, "@"); idx >= 0 {
		phone = phone[:idx]
	}
	if idx := strings.Index(phone, ":"); idx >= 0 {
		phone = phone[:idx]
	}
	return phone
}
