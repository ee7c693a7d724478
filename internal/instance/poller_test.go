package instance

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/gateway"
)

func testPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:       2 * time.Millisecond,
		Ceiling:        100 * time.Millisecond,
		MonitorCeiling: 200 * time.Millisecond,
		QRTTL:          time.Minute,
		NotReadyBudget: 3,
		ConnectPolicy: RetryPolicy{
			MaxAttempts:   2,
			Delays:        []time.Duration{time.Millisecond},
			NotReadyDelay: time.Millisecond,
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached: %s", msg)
}

func TestBeginRejectsIllegalStartState(t *testing.T) {
	repo := newFakeInstanceRepo(seedInstance("inst-1", domain.InstanceStatusConnected))
	p := NewPoller(&fakeGateway{}, NewStateMachine(repo), nil, testPollerConfig())
	defer p.Shutdown()

	err := p.Begin(context.Background(), "inst-1")
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if p.Active("inst-1") {
		t.Fatalf("task registered for rejected begin")
	}
}

func TestBeginAlreadyOpenSessionSettlesConnected(t *testing.T) {
	repo := newFakeInstanceRepo(seedInstance("inst-1", domain.InstanceStatusDisconnected))
	gw := &fakeGateway{
		connectFn: func(ctx context.Context, instanceID string) (*gateway.ConnectResponse, error) {
			return &gateway.ConnectResponse{
				Instance: gateway.InstanceRef{InstanceName: instanceID, State: domain.ConnStateOpen},
			}, nil
		},
		fetchFn: func(ctx context.Context, instanceID string) (*gateway.InstanceDetail, error) {
			return &gateway.InstanceDetail{
				InstanceName: instanceID,
				OwnerJid:     "628123456789:3@s.whatsapp.net",
			}, nil
		},
	}
	p := NewPoller(gw, NewStateMachine(repo), nil, testPollerConfig())
	defer p.Shutdown()

	if err := p.Begin(context.Background(), "inst-1"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return repo.get("inst-1").Status == domain.InstanceStatusConnected
	}, "instance connected")
	inst := repo.get("inst-1")
	if inst.PhoneNumber != "628123456789" {
		t.Fatalf("phone = %q", inst.PhoneNumber)
	}
	waitFor(t, time.Second, func() bool { return !p.Active("inst-1") }, "task unregistered")
}

func TestBeginQRFlowThenScanCompletes(t *testing.T) {
	repo := newFakeInstanceRepo(seedInstance("inst-1", domain.InstanceStatusDisconnected))
	var polls int32
	gw := &fakeGateway{
		connectFn: func(ctx context.Context, instanceID string) (*gateway.ConnectResponse, error) {
			return &gateway.ConnectResponse{
				Instance: gateway.InstanceRef{InstanceName: instanceID, State: domain.ConnStateConnecting},
				Base64:   "data:image/png;base64,qr",
				Count:    1,
			}, nil
		},
		fetchFn: func(ctx context.Context, instanceID string) (*gateway.InstanceDetail, error) {
			if atomic.AddInt32(&polls, 1) < 3 {
				return &gateway.InstanceDetail{
					InstanceName:     instanceID,
					ConnectionStatus: domain.ConnStateConnecting,
				}, nil
			}
			return &gateway.InstanceDetail{
				InstanceName: instanceID,
				OwnerJid:     "628123456789@s.whatsapp.net",
			}, nil
		},
	}
	p := NewPoller(gw, NewStateMachine(repo), nil, testPollerConfig())
	defer p.Shutdown()

	if err := p.Begin(context.Background(), "inst-1"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return repo.get("inst-1").Status == domain.InstanceStatusQRReady
	}, "qr stored")
	if code, ok := CurrentQR(repo.get("inst-1")); !ok || code != "data:image/png;base64,qr" {
		t.Fatalf("qr not presentable: %q %v", code, ok)
	}
	waitFor(t, time.Second, func() bool {
		return repo.get("inst-1").Status == domain.InstanceStatusConnected
	}, "scan completed")
}

func TestPollCeilingYieldsTimeout(t *testing.T) {
	repo := newFakeInstanceRepo(seedInstance("inst-1", domain.InstanceStatusDisconnected))
	gw := &fakeGateway{
		connectFn: func(ctx context.Context, instanceID string) (*gateway.ConnectResponse, error) {
			return &gateway.ConnectResponse{
				Instance: gateway.InstanceRef{InstanceName: instanceID, State: domain.ConnStateConnecting},
				Code:     "qr-text",
			}, nil
		},
		fetchFn: func(ctx context.Context, instanceID string) (*gateway.InstanceDetail, error) {
			return &gateway.InstanceDetail{
				InstanceName:     instanceID,
				ConnectionStatus: domain.ConnStateConnecting,
			}, nil
		},
	}
	cfg := testPollerConfig()
	cfg.Ceiling = 20 * time.Millisecond
	p := NewPoller(gw, NewStateMachine(repo), nil, cfg)
	defer p.Shutdown()

	if err := p.Begin(context.Background(), "inst-1"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return repo.get("inst-1").Status == domain.InstanceStatusTimeout
	}, "ceiling timeout")
	waitFor(t, time.Second, func() bool { return !p.Active("inst-1") }, "task unregistered")
}

func TestConnectFatalErrorYieldsErrorState(t *testing.T) {
	repo := newFakeInstanceRepo(seedInstance("inst-1", domain.InstanceStatusDisconnected))
	gw := &fakeGateway{
		connectFn: func(ctx context.Context, instanceID string) (*gateway.ConnectResponse, error) {
			return nil, &gateway.APIError{StatusCode: http.StatusUnauthorized, Endpoint: "/instance/inst-1/connect"}
		},
	}
	p := NewPoller(gw, NewStateMachine(repo), nil, testPollerConfig())
	defer p.Shutdown()

	if err := p.Begin(context.Background(), "inst-1"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return repo.get("inst-1").Status == domain.InstanceStatusError
	}, "error state")
	if gw.connectCalls != 1 {
		t.Fatalf("fatal error retried, %d connect calls", gw.connectCalls)
	}
	if repo.get("inst-1").Remark == "" {
		t.Fatalf("failure detail not recorded")
	}
}

func TestNotReadyBudgetExhaustedYieldsError(t *testing.T) {
	repo := newFakeInstanceRepo(seedInstance("inst-1", domain.InstanceStatusDisconnected))
	gw := &fakeGateway{
		connectFn: func(ctx context.Context, instanceID string) (*gateway.ConnectResponse, error) {
			return &gateway.ConnectResponse{
				Instance: gateway.InstanceRef{InstanceName: instanceID},
				Code:     "qr-text",
			}, nil
		},
		fetchFn: func(ctx context.Context, instanceID string) (*gateway.InstanceDetail, error) {
			return nil, &gateway.APIError{StatusCode: http.StatusNotFound, Endpoint: "/instance/inst-1"}
		},
	}
	cfg := testPollerConfig()
	cfg.NotReadyBudget = 2
	p := NewPoller(gw, NewStateMachine(repo), nil, cfg)
	defer p.Shutdown()

	if err := p.Begin(context.Background(), "inst-1"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return repo.get("inst-1").Status == domain.InstanceStatusError
	}, "error after not-ready budget")
}

func TestCancelStopsTask(t *testing.T) {
	repo := newFakeInstanceRepo(seedInstance("inst-1", domain.InstanceStatusDisconnected))
	gw := &fakeGateway{
		connectFn: func(ctx context.Context, instanceID string) (*gateway.ConnectResponse, error) {
			return &gateway.ConnectResponse{
				Instance: gateway.InstanceRef{InstanceName: instanceID},
				Code:     "qr-text",
			}, nil
		},
		fetchFn: func(ctx context.Context, instanceID string) (*gateway.InstanceDetail, error) {
			return &gateway.InstanceDetail{
				InstanceName:     instanceID,
				ConnectionStatus: domain.ConnStateConnecting,
			}, nil
		},
	}
	cfg := testPollerConfig()
	cfg.Ceiling = 10 * time.Second
	p := NewPoller(gw, NewStateMachine(repo), nil, cfg)
	defer p.Shutdown()

	if err := p.Begin(context.Background(), "inst-1"); err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	waitFor(t, time.Second, func() bool { return p.Active("inst-1") }, "task registered")
	p.Cancel("inst-1")
	waitFor(t, time.Second, func() bool { return !p.Active("inst-1") }, "task removed")

	// cancellation keeps whatever state was last written; no timeout write
	status := repo.get("inst-1").Status
	if status == domain.InstanceStatusTimeout || status == domain.InstanceStatusError {
		t.Fatalf("cancel must not write a failure state, got %s", status)
	}
}

func TestShutdownDrainsAllTasks(t *testing.T) {
	repo := newFakeInstanceRepo(
		seedInstance("inst-1", domain.InstanceStatusDisconnected),
		seedInstance("inst-2", domain.InstanceStatusDisconnected),
	)
	gw := &fakeGateway{
		connectFn: func(ctx context.Context, instanceID string) (*gateway.ConnectResponse, error) {
			return &gateway.ConnectResponse{
				Instance: gateway.InstanceRef{InstanceName: instanceID},
				Code:     "qr-text",
			}, nil
		},
		fetchFn: func(ctx context.Context, instanceID string) (*gateway.InstanceDetail, error) {
			return &gateway.InstanceDetail{
				InstanceName:     instanceID,
				ConnectionStatus: domain.ConnStateConnecting,
			}, nil
		},
	}
	cfg := testPollerConfig()
	cfg.Ceiling = 10 * time.Second
	p := NewPoller(gw, NewStateMachine(repo), nil, cfg)

	for _, id := range []string{"inst-1", "inst-2"} {
		if err := p.Begin(context.Background(), id); err != nil {
			t.Fatalf("begin %s failed: %v", id, err)
		}
	}
	p.Shutdown()
	if p.Active("inst-1") || p.Active("inst-2") {
		t.Fatalf("tasks survived shutdown")
	}
}

func TestPhoneFromJid(t *testing.T) {
	cases := map[string]string{
		"628123456789:12@s.whatsapp.net": "628123456789",
		"628123456789@s.whatsapp.net":    "628123456789",
		"628123456789":                   "628123456789",
		"":                               "",
	}
	for in, want := range cases {
		if got := PhoneFromJid(in); got != want {
			t.Fatalf("PhoneFromJid(%q) = %q, want %q", in, got, want)
		}
	}
}
