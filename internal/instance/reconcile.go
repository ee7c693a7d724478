package instance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/gateway"
	"github.com/zapgate/zapgate/pkg/metrics"
	"go.uber.org/zap"
)

// SettingsReader exposes the runtime switches the reconciler honors.
type SettingsReader interface {
	GetBool(sortType, name string) bool
}

// Report summarizes one reconciliation run.
type Report struct {
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
	ClientID       int64     `json:"client_id,omitempty"`
	LocalCount     int       `json:"local_count"`
	RemoteCount    int       `json:"remote_count"`
	Matched        int       `json:"matched"`
	OrphanedLocal  int       `json:"orphaned_local"`
	OrphanedRemote int       `json:"orphaned_remote"`
	StateSynced    int       `json:"state_synced"`
	HealErrors     int       `json:"heal_errors"`
	FetchError     string    `json:"fetch_error,omitempty"`
	AutoHeal       bool      `json:"auto_heal"`
}

// Reconciler drives local records and gateway sessions toward agreement.
// Healing is destructive on both sides and is therefore gated: a failed
// remote listing yields a report and zero repairs.
type Reconciler struct {
	gw       Gateway
	repo     InstanceRepository
	clients  ClientRepository
	machine  *StateMachine
	settings SettingsReader

	mu   sync.Mutex
	last *Report
}

func NewReconciler(gw Gateway, repo InstanceRepository, clients ClientRepository,
	machine *StateMachine, settings SettingsReader) *Reconciler {
	return &Reconciler{
		gw:       gw,
		repo:     repo,
		clients:  clients,
		machine:  machine,
		settings: settings,
	}
}

// LastReport returns the newest completed report, or nil before any run.
func (r *Reconciler) LastReport() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Run performs one reconciliation pass and stores its report. A clientID
// above zero restricts the pass to that tenant's records; scoped runs
// skip the remote-orphan side, since a remote session's owner cannot be
// known without a local record.
func (r *Reconciler) Run(ctx context.Context, clientID int64) (*Report, error) {
	report := &Report{
		StartedAt: time.Now(),
		ClientID:  clientID,
		AutoHeal:  r.autoHeal(),
	}
	defer func() {
		report.FinishedAt = time.Now()
		r.mu.Lock()
		r.last = report
		r.mu.Unlock()
		metrics.SetGauge("zapgate_reconcile_orphaned_local", int64(report.OrphanedLocal))
		metrics.SetGauge("zapgate_reconcile_orphaned_remote", int64(report.OrphanedRemote))
		metrics.SetGauge("zapgate_reconcile_state_synced", int64(report.StateSynced))
	}()

	local, err := r.repo.List(ctx, clientID)
	if err != nil {
		report.FetchError = "local list: " + err.Error()
		return report, err
	}
	report.LocalCount = len(local)

	remote, err := r.gw.ListInstances(ctx)
	if err != nil {
		// without a trustworthy remote view every instance would look
		// orphaned; record the failure and heal nothing
		report.FetchError = "remote list: " + err.Error()
		zap.L().Error("reconcile aborted, remote listing failed", zap.Error(err))
		return report, err
	}
	report.RemoteCount = len(remote)

	remoteByName := make(map[string]gateway.InstanceDetail, len(remote))
	for _, ref := range remote {
		remoteByName[ref.InstanceName] = ref
	}
	// remote names claimed by a local record, either directly or through a
	// persisted gateway rename; never treated as remote orphans
	claimed := make(map[string]bool, len(local))

	for i := range local {
		inst := &local[i]
		ref, ok := remoteByName[inst.InstanceID]
		if !ok && inst.RemoteName != "" {
			ref, ok = remoteByName[inst.RemoteName]
		}
		if !ok {
			report.OrphanedLocal++
			if report.AutoHeal {
				if err := r.healOrphanedLocal(ctx, inst); err != nil {
					report.HealErrors++
				}
			}
			continue
		}
		claimed[ref.InstanceName] = true
		report.Matched++
		if r.syncState(ctx, inst, ref) {
			report.StateSynced++
		}
	}

	if clientID == 0 {
		for id, ref := range remoteByName {
			if claimed[id] {
				continue
			}
			report.OrphanedRemote++
			if report.AutoHeal {
				if err := r.healOrphanedRemote(ctx, ref); err != nil {
					report.HealErrors++
				}
			}
		}
	}

	zap.L().Info("reconcile finished",
		zap.Int("local", report.LocalCount),
		zap.Int("remote", report.RemoteCount),
		zap.Int("orphaned_local", report.OrphanedLocal),
		zap.Int("orphaned_remote", report.OrphanedRemote),
		zap.Int("state_synced", report.StateSynced),
		zap.Int("heal_errors", report.HealErrors),
		zap.Bool("auto_heal", report.AutoHeal))
	return report, nil
}

func (r *Reconciler) autoHeal() bool {
	if r.settings == nil {
		return true
	}
	return r.settings.GetBool("reconcile", "auto_heal")
}

// healOrphanedLocal removes a record whose gateway session no longer
// exists. The record is the stale side here, the gateway is truth.
func (r *Reconciler) healOrphanedLocal(ctx context.Context, inst *domain.Instance) error {
	zap.L().Warn("removing local record without remote session",
		zap.String("instance_id", inst.InstanceID),
		zap.String("status", inst.Status))
	if err := r.repo.DeleteByInstanceID(ctx, inst.InstanceID); err != nil {
		zap.L().Error("orphaned local delete failed",
			zap.String("instance_id", inst.InstanceID), zap.Error(err))
		return err
	}
	return nil
}

// healOrphanedRemote removes a gateway session no record claims, so no
// tenant is billed or rate-limited for a session nobody owns.
func (r *Reconciler) healOrphanedRemote(ctx context.Context, ref gateway.InstanceDetail) error {
	zap.L().Warn("removing remote session without local record",
		zap.String("instance_id", ref.InstanceName))
	if err := r.gw.Logout(ctx, ref.InstanceName); err != nil && !gateway.IsNotReady(err) {
		zap.L().Debug("orphaned remote logout failed",
			zap.String("instance_id", ref.InstanceName), zap.Error(err))
	}
	if err := r.gw.DeleteInstance(ctx, ref.InstanceName); err != nil && !gateway.IsNotReady(err) {
		zap.L().Error("orphaned remote delete failed",
			zap.String("instance_id", ref.InstanceName), zap.Error(err))
		return err
	}
	return nil
}

// syncState pulls a matched record toward the state the gateway reports.
// All writes go through the machine; a remote open state may need the
// two-step connect then connected path when the record sits in a
// terminal state.
func (r *Reconciler) syncState(ctx context.Context, inst *domain.Instance, ref gateway.InstanceDetail) bool {
	want := MapRemoteState(ref.ConnectionStatus)
	if want == inst.Status {
		return false
	}
	// connecting as a target is not actionable from a listing; the
	// poller owns that phase
	if want == domain.InstanceStatusConnecting {
		return false
	}

	switch want {
	case domain.InstanceStatusConnected:
		payload := TransitionPayload{
			PhoneNumber:     firstNonEmpty(PhoneFromJid(ref.OwnerJid), inst.PhoneNumber),
			ConnectionState: domain.ConnStateOpen,
		}
		if payload.PhoneNumber == "" {
			// open without identity is not yet a finished handshake
			return false
		}
		_, err := r.machine.Transition(ctx, inst.InstanceID, EventConnected, payload)
		if errors.Is(err, ErrIllegalTransition) {
			// terminal states cannot reach connected directly; step
			// through connecting first
			if _, err = r.machine.Transition(ctx, inst.InstanceID, EventConnect, TransitionPayload{
				ConnectionState: domain.ConnStateConnecting,
			}); err != nil {
				zap.L().Warn("state sync connect step failed",
					zap.String("instance_id", inst.InstanceID), zap.Error(err))
				return false
			}
			_, err = r.machine.Transition(ctx, inst.InstanceID, EventConnected, payload)
		}
		if err != nil {
			zap.L().Warn("state sync to connected failed",
				zap.String("instance_id", inst.InstanceID), zap.Error(err))
			return false
		}
		return true
	case domain.InstanceStatusDisconnected:
		_, err := r.machine.Transition(ctx, inst.InstanceID, EventDisconnect, TransitionPayload{
			ConnectionState: domain.ConnStateClose,
		})
		if errors.Is(err, ErrIllegalTransition) {
			// never-connected records stay where they are; only a live
			// connected record is downgraded by a remote close
			return false
		}
		if err != nil {
			zap.L().Warn("state sync to disconnected failed",
				zap.String("instance_id", inst.InstanceID), zap.Error(err))
			return false
		}
		return true
	}
	return false
}

// CountCheck recomputes each tenant's cached instance counter from the
// actual records and repairs drift.
func (r *Reconciler) CountCheck(ctx context.Context) (repaired int, err error) {
	clients, err := r.clients.ListEnabled(ctx)
	if err != nil {
		return 0, err
	}
	for i := range clients {
		c := &clients[i]
		actual, cerr := r.repo.CountByClient(ctx, c.ID)
		if cerr != nil {
			zap.L().Warn("count check failed for client",
				zap.Int64("client_id", c.ID), zap.Error(cerr))
			err = cerr
			continue
		}
		if int(actual) == c.InstanceCount {
			continue
		}
		zap.L().Info("repairing client instance counter",
			zap.Int64("client_id", c.ID),
			zap.Int("cached", c.InstanceCount),
			zap.Int64("actual", actual))
		if uerr := r.clients.UpdateInstanceCount(ctx, c.ID, int(actual)); uerr != nil {
			zap.L().Error("counter repair failed",
				zap.Int64("client_id", c.ID), zap.Error(uerr))
			err = uerr
			continue
		}
		repaired++
	}
	return repaired, err
}

// SweepExpiredQR moves stale qr_ready records to timeout so dashboards
// never render a code the gateway has already rotated away.
func (r *Reconciler) SweepExpiredQR(ctx context.Context) (swept int, err error) {
	stale, err := r.repo.ListExpiredQR(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for i := range stale {
		inst := &stale[i]
		if _, terr := r.machine.Transition(ctx, inst.InstanceID, EventTimeout, TransitionPayload{
			Message: "qr code expired before scan",
		}); terr != nil {
			if !errors.Is(terr, ErrIllegalTransition) {
				zap.L().Warn("qr sweep transition failed",
					zap.String("instance_id", inst.InstanceID), zap.Error(terr))
				err = terr
			}
			continue
		}
		swept++
	}
	return swept, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
