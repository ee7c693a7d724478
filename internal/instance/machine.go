package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zapgate/zapgate/internal/domain"
	"go.uber.org/zap"
)

// TransitionPayload carries the field updates associated with an event.
type TransitionPayload struct {
	QrCode          string
	QrExpiresAt     time.Time
	PhoneNumber     string
	ConnectionState string // raw remote state, stored alongside status
	Message         string // failure detail for error/timeout entries
}

// StateMachine is the only component allowed to mutate instance status in
// the local store. Transitions for the same instance serialize; illegal
// edges are rejected and the persisted state is retained.
type StateMachine struct {
	repo  InstanceRepository
	locks sync.Map // instanceID -> *sync.Mutex
}

func NewStateMachine(repo InstanceRepository) *StateMachine {
	return &StateMachine{repo: repo}
}

func (m *StateMachine) lockFor(instanceID string) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(instanceID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Transition validates ev against the persisted status, applies the field
// rules for the target status and writes the row in a single atomic update
// keyed by instance_id.
func (m *StateMachine) Transition(ctx context.Context, instanceID string, ev Event, p TransitionPayload) (*domain.Instance, error) {
	mu := m.lockFor(instanceID)
	mu.Lock()
	defer mu.Unlock()

	cur, err := m.repo.GetByInstanceID(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance %s: %w", instanceID, err)
	}

	target, err := NextStatus(cur.Status, ev)
	if err != nil {
		zap.L().Debug("transition rejected",
			zap.String("instance_id", instanceID),
			zap.String("event", string(ev)),
			zap.String("status", cur.Status))
		return nil, err
	}

	now := time.Now()
	fields := map[string]interface{}{
		"status":         target,
		"last_synced_at": now,
		"updated_at":     now,
	}
	if p.ConnectionState != "" {
		fields["connection_state"] = p.ConnectionState
	}

	switch target {
	case domain.InstanceStatusQRReady:
		// a QR without a future expiry must never be stored
		if p.QrCode == "" || !p.QrExpiresAt.After(now) {
			return nil, fmt.Errorf("%w: qr_ready requires qr code and future expiry", ErrInvalidPayload)
		}
		fields["qr_code"] = p.QrCode
		fields["has_qr_code"] = true
		fields["qr_expires_at"] = p.QrExpiresAt
	case domain.InstanceStatusConnected:
		if p.PhoneNumber == "" {
			return nil, fmt.Errorf("%w: connected requires phone number", ErrInvalidPayload)
		}
		fields["phone_number"] = p.PhoneNumber
		fields["qr_code"] = ""
		fields["has_qr_code"] = false
		fields["qr_expires_at"] = time.Time{}
		if p.ConnectionState == "" {
			fields["connection_state"] = domain.ConnStateOpen
		}
	case domain.InstanceStatusDisconnected:
		fields["phone_number"] = ""
		fields["qr_code"] = ""
		fields["has_qr_code"] = false
		fields["qr_expires_at"] = time.Time{}
		if p.ConnectionState == "" {
			fields["connection_state"] = domain.ConnStateClose
		}
	case domain.InstanceStatusError, domain.InstanceStatusTimeout:
		fields["qr_code"] = ""
		fields["has_qr_code"] = false
		fields["qr_expires_at"] = time.Time{}
		if p.Message != "" {
			fields["remark"] = p.Message
		}
	case domain.InstanceStatusConnecting:
		fields["remark"] = ""
	}

	if err := m.repo.UpdateFields(ctx, instanceID, fields); err != nil {
		return nil, fmt.Errorf("persist transition %s -> %s: %w", cur.Status, target, err)
	}

	zap.L().Info("instance transition",
		zap.String("instance_id", instanceID),
		zap.String("event", string(ev)),
		zap.String("from", cur.Status),
		zap.String("to", target))

	updated, err := m.repo.GetByInstanceID(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// UpdateMeta writes non-status fields (raw connection state, sync marker,
// remote name) under the same per-instance lock transitions use, so
// metadata writes never interleave with a transition's read-modify-write.
func (m *StateMachine) UpdateMeta(ctx context.Context, instanceID string, fields map[string]interface{}) error {
	mu := m.lockFor(instanceID)
	mu.Lock()
	defer mu.Unlock()
	return m.repo.UpdateFields(ctx, instanceID, fields)
}

// CurrentQR returns the stored QR only while it is still valid. An expired
// code is never presented.
func CurrentQR(inst *domain.Instance) (string, bool) {
	if inst == nil || !inst.HasQrCode || inst.QrCode == "" {
		return "", false
	}
	if !inst.QrExpiresAt.After(time.Now()) {
		return "", false
	}
	return inst.QrCode, true
}
