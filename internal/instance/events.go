package instance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/gateway"
	"go.uber.org/zap"
)

// TopicGatewayEvent is the bus topic webhook callbacks are published on.
const TopicGatewayEvent = "gateway.webhook.event"

// notifyTimeout bounds handling of a single inbound event.
const notifyTimeout = 10 * time.Second

// GatewayEvent is one inbound webhook callback from the gateway.
type GatewayEvent struct {
	Event     string          `json:"event"`
	Instance  string          `json:"instance"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"date_time"`
}

type connectionUpdateData struct {
	State string `json:"state"`
}

type qrcodeUpdatedData struct {
	Qrcode struct {
		Base64 string `json:"base64"`
		Code   string `json:"code"`
	} `json:"qrcode"`
}

// EventApplier consumes gateway callbacks from the bus and folds them
// into local records through the state machine. Events can arrive out of
// order; the newest write wins, judged by the event timestamp against
// the record's last sync time.
type EventApplier struct {
	bus     evbus.Bus
	repo    InstanceRepository
	machine *StateMachine
	qrTTL   time.Duration
}

func NewEventApplier(bus evbus.Bus, repo InstanceRepository, machine *StateMachine, qrTTL time.Duration) *EventApplier {
	return &EventApplier{bus: bus, repo: repo, machine: machine, qrTTL: qrTTL}
}

// Subscribe attaches the applier to the bus. Async with serialized
// delivery so events for one instance never race each other on the bus
// side; per-instance locking in the machine covers the rest.
func (a *EventApplier) Subscribe() error {
	return a.bus.SubscribeAsync(TopicGatewayEvent, a.Handle, false)
}

func (a *EventApplier) Unsubscribe() {
	_ = a.bus.Unsubscribe(TopicGatewayEvent, a.Handle)
}

// Publish puts one callback on the bus. Called by the webhook endpoint.
func (a *EventApplier) Publish(ev GatewayEvent) {
	a.bus.Publish(TopicGatewayEvent, ev)
}

// Handle applies a single callback.
func (a *EventApplier) Handle(ev GatewayEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if ev.Instance == "" {
		zap.L().Debug("dropping callback without instance id", zap.String("event", ev.Event))
		return
	}

	inst, err := a.repo.GetByInstanceID(ctx, ev.Instance)
	if err != nil {
		zap.L().Debug("callback for unknown instance",
			zap.String("instance_id", ev.Instance),
			zap.String("event", ev.Event))
		return
	}
	if a.stale(ev, inst) {
		zap.L().Debug("dropping stale callback",
			zap.String("instance_id", ev.Instance),
			zap.String("event", ev.Event),
			zap.Time("event_at", ev.Timestamp),
			zap.Time("synced_at", inst.LastSyncedAt))
		return
	}

	switch ev.Event {
	case gateway.EventConnectionUpdate:
		a.applyConnectionUpdate(ctx, ev)
	case gateway.EventQrcodeUpdated:
		a.applyQrcodeUpdated(ctx, ev)
	case gateway.EventStatusInstance:
		a.applyConnectionUpdate(ctx, ev)
	case gateway.EventMessagesUpsert, gateway.EventMessagesUpdate:
		// message traffic proves the session is alive; touch the sync
		// marker so reconciliation treats the record as fresh
		if err := a.machine.UpdateMeta(ctx, ev.Instance, map[string]interface{}{
			"last_synced_at": time.Now(),
		}); err != nil {
			zap.L().Warn("sync marker update failed",
				zap.String("instance_id", ev.Instance), zap.Error(err))
		}
	default:
		zap.L().Debug("ignoring callback event",
			zap.String("instance_id", ev.Instance),
			zap.String("event", ev.Event))
	}
}

// stale reports whether the record already reflects a newer write.
// Events without a timestamp are always applied.
func (a *EventApplier) stale(ev GatewayEvent, inst *domain.Instance) bool {
	if ev.Timestamp.IsZero() {
		return false
	}
	return ev.Timestamp.Before(inst.LastSyncedAt)
}

func (a *EventApplier) applyConnectionUpdate(ctx context.Context, ev GatewayEvent) {
	var data connectionUpdateData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		zap.L().Warn("malformed connection update payload",
			zap.String("instance_id", ev.Instance), zap.Error(err))
		return
	}
	switch data.State {
	case domain.ConnStateOpen:
		// an open push carries no identity; let the poll path confirm
		// the handshake, but record the transport state
		if err := a.machine.UpdateMeta(ctx, ev.Instance, map[string]interface{}{
			"connection_state": domain.ConnStateOpen,
			"last_synced_at":   time.Now(),
		}); err != nil {
			zap.L().Warn("connection state update failed",
				zap.String("instance_id", ev.Instance), zap.Error(err))
		}
	case domain.ConnStateClose:
		_, err := a.machine.Transition(ctx, ev.Instance, EventDisconnect, TransitionPayload{
			ConnectionState: domain.ConnStateClose,
		})
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			zap.L().Warn("disconnect from callback failed",
				zap.String("instance_id", ev.Instance), zap.Error(err))
		}
	case domain.ConnStateConnecting:
		if err := a.machine.UpdateMeta(ctx, ev.Instance, map[string]interface{}{
			"connection_state": domain.ConnStateConnecting,
			"last_synced_at":   time.Now(),
		}); err != nil {
			zap.L().Warn("connection state update failed",
				zap.String("instance_id", ev.Instance), zap.Error(err))
		}
	}
}

func (a *EventApplier) applyQrcodeUpdated(ctx context.Context, ev GatewayEvent) {
	var data qrcodeUpdatedData
	if err := json.Unmarshal(ev.Data, &data); err != nil {
		zap.L().Warn("malformed qrcode payload",
			zap.String("instance_id", ev.Instance), zap.Error(err))
		return
	}
	code := data.Qrcode.Base64
	if code == "" {
		code = data.Qrcode.Code
	}
	if code == "" {
		return
	}
	_, err := a.machine.Transition(ctx, ev.Instance, EventQRReceived, TransitionPayload{
		QrCode:          code,
		QrExpiresAt:     time.Now().Add(a.qrTTL),
		ConnectionState: domain.ConnStateConnecting,
	})
	if err != nil && !errors.Is(err, ErrIllegalTransition) {
		zap.L().Warn("qr refresh from callback failed",
			zap.String("instance_id", ev.Instance), zap.Error(err))
	}
}
