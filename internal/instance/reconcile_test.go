package instance

import (
	"context"
	"testing"
	"time"

	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/gateway"
)

func healOnSettings() *fakeSettings {
	return &fakeSettings{bools: map[string]bool{"reconcile/auto_heal": true}}
}

func remoteDetail(name, status, jid string) gateway.InstanceDetail {
	return gateway.InstanceDetail{
		InstanceName:     name,
		ConnectionStatus: status,
		OwnerJid:         jid,
	}
}

func TestReconcilePartitionsSetsExactly(t *testing.T) {
	repo := newFakeInstanceRepo(
		seedInstance("inst-a", domain.InstanceStatusConnected),
		seedInstance("inst-b", domain.InstanceStatusConnected),
		seedInstance("inst-c", domain.InstanceStatusDisconnected),
	)
	repo.rows["inst-a"].PhoneNumber = "628000000001"
	repo.rows["inst-b"].PhoneNumber = "628000000002"
	gw := &fakeGateway{
		listFn: func(ctx context.Context) ([]gateway.InstanceDetail, error) {
			return []gateway.InstanceDetail{
				remoteDetail("inst-b", domain.ConnStateOpen, "628000000002@s.whatsapp.net"),
				remoteDetail("inst-c", domain.ConnStateClose, ""),
				remoteDetail("inst-d", domain.ConnStateClose, ""),
			}, nil
		},
	}
	r := NewReconciler(gw, repo, newFakeClientRepo(), NewStateMachine(repo), healOnSettings())

	report, err := r.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.LocalCount != 3 || report.RemoteCount != 3 {
		t.Fatalf("counts wrong: %+v", report)
	}
	if report.Matched != 2 || report.OrphanedLocal != 1 || report.OrphanedRemote != 1 {
		t.Fatalf("partition wrong: %+v", report)
	}

	// inst-a had no remote session and must be gone locally
	if repo.get("inst-a") != nil {
		t.Fatalf("orphaned local record kept")
	}
	// inst-d had no local record and must be removed at the gateway
	if len(gw.deleted) != 1 || gw.deleted[0] != "inst-d" {
		t.Fatalf("orphaned remote not removed: %v", gw.deleted)
	}
	if len(gw.loggedOut) != 1 || gw.loggedOut[0] != "inst-d" {
		t.Fatalf("orphaned remote not logged out first: %v", gw.loggedOut)
	}
	// matched records survive
	if repo.get("inst-b") == nil || repo.get("inst-c") == nil {
		t.Fatalf("matched records removed")
	}
	if r.LastReport() == nil {
		t.Fatalf("report not stored")
	}
}

func TestReconcileRemoteFetchFailureHealsNothing(t *testing.T) {
	repo := newFakeInstanceRepo(
		seedInstance("inst-a", domain.InstanceStatusConnected),
	)
	gw := &fakeGateway{
		listFn: func(ctx context.Context) ([]gateway.InstanceDetail, error) {
			return nil, &gateway.TransportError{Endpoint: "/instance", Err: context.DeadlineExceeded}
		},
	}
	r := NewReconciler(gw, repo, newFakeClientRepo(), NewStateMachine(repo), healOnSettings())

	report, err := r.Run(context.Background(), 0)
	if err == nil {
		t.Fatalf("expected fetch error")
	}
	if report.FetchError == "" {
		t.Fatalf("fetch error not recorded in report")
	}
	if report.OrphanedLocal != 0 || report.OrphanedRemote != 0 {
		t.Fatalf("orphans counted from a failed listing: %+v", report)
	}
	if repo.get("inst-a") == nil {
		t.Fatalf("record healed from a failed listing")
	}
	if len(gw.deleted) != 0 {
		t.Fatalf("remote deletions from a failed listing: %v", gw.deleted)
	}
}

func TestReconcileAutoHealOffReportsWithoutRepairing(t *testing.T) {
	repo := newFakeInstanceRepo(
		seedInstance("inst-a", domain.InstanceStatusConnected),
	)
	gw := &fakeGateway{
		listFn: func(ctx context.Context) ([]gateway.InstanceDetail, error) {
			return []gateway.InstanceDetail{
				remoteDetail("inst-z", domain.ConnStateClose, ""),
			}, nil
		},
	}
	settings := &fakeSettings{bools: map[string]bool{"reconcile/auto_heal": false}}
	r := NewReconciler(gw, repo, newFakeClientRepo(), NewStateMachine(repo), settings)

	report, err := r.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.OrphanedLocal != 1 || report.OrphanedRemote != 1 {
		t.Fatalf("orphans not counted: %+v", report)
	}
	if report.AutoHeal {
		t.Fatalf("auto heal reported on")
	}
	if repo.get("inst-a") == nil || len(gw.deleted) != 0 {
		t.Fatalf("healed despite auto heal off")
	}
}

func TestReconcileSyncsTerminalStateToConnectedInTwoSteps(t *testing.T) {
	repo := newFakeInstanceRepo(
		seedInstance("inst-a", domain.InstanceStatusDisconnected),
	)
	gw := &fakeGateway{
		listFn: func(ctx context.Context) ([]gateway.InstanceDetail, error) {
			return []gateway.InstanceDetail{
				remoteDetail("inst-a", domain.ConnStateOpen, "628123456789@s.whatsapp.net"),
			}, nil
		},
	}
	r := NewReconciler(gw, repo, newFakeClientRepo(), NewStateMachine(repo), healOnSettings())

	report, err := r.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.StateSynced != 1 {
		t.Fatalf("state not synced: %+v", report)
	}
	inst := repo.get("inst-a")
	if inst.Status != domain.InstanceStatusConnected {
		t.Fatalf("status = %s", inst.Status)
	}
	if inst.PhoneNumber != "628123456789" {
		t.Fatalf("phone = %q", inst.PhoneNumber)
	}
}

func TestReconcileOpenWithoutIdentityDoesNotMarkConnected(t *testing.T) {
	repo := newFakeInstanceRepo(
		seedInstance("inst-a", domain.InstanceStatusDisconnected),
	)
	gw := &fakeGateway{
		listFn: func(ctx context.Context) ([]gateway.InstanceDetail, error) {
			return []gateway.InstanceDetail{
				remoteDetail("inst-a", domain.ConnStateOpen, ""),
			}, nil
		},
	}
	r := NewReconciler(gw, repo, newFakeClientRepo(), NewStateMachine(repo), healOnSettings())

	if _, err := r.Run(context.Background(), 0); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if got := repo.get("inst-a").Status; got != domain.InstanceStatusDisconnected {
		t.Fatalf("open session without identity marked %s", got)
	}
}

func TestReconcileDowngradesConnectedOnRemoteClose(t *testing.T) {
	seed := seedInstance("inst-a", domain.InstanceStatusConnected)
	seed.PhoneNumber = "628123456789"
	repo := newFakeInstanceRepo(seed)
	gw := &fakeGateway{
		listFn: func(ctx context.Context) ([]gateway.InstanceDetail, error) {
			return []gateway.InstanceDetail{
				remoteDetail("inst-a", domain.ConnStateClose, ""),
			}, nil
		},
	}
	r := NewReconciler(gw, repo, newFakeClientRepo(), NewStateMachine(repo), healOnSettings())

	report, err := r.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.StateSynced != 1 {
		t.Fatalf("state not synced: %+v", report)
	}
	if got := repo.get("inst-a").Status; got != domain.InstanceStatusDisconnected {
		t.Fatalf("status = %s", got)
	}
}

func TestReconcileMatchesGatewayRenamedInstance(t *testing.T) {
	// the gateway normalized the requested id at create time; the record
	// carries the assigned name and the listing only knows that name
	seed := seedInstance("inst-a", domain.InstanceStatusDisconnected)
	seed.RemoteName = "insta_norm"
	repo := newFakeInstanceRepo(seed)
	gw := &fakeGateway{
		listFn: func(ctx context.Context) ([]gateway.InstanceDetail, error) {
			return []gateway.InstanceDetail{
				remoteDetail("insta_norm", domain.ConnStateOpen, "628123456789@s.whatsapp.net"),
			}, nil
		},
	}
	r := NewReconciler(gw, repo, newFakeClientRepo(), NewStateMachine(repo), healOnSettings())

	report, err := r.Run(context.Background(), 0)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Matched != 1 || report.OrphanedLocal != 0 || report.OrphanedRemote != 0 {
		t.Fatalf("renamed instance not matched: %+v", report)
	}
	if repo.get("inst-a") == nil {
		t.Fatalf("renamed instance healed away locally")
	}
	if len(gw.deleted) != 0 || len(gw.loggedOut) != 0 {
		t.Fatalf("renamed instance removed at the gateway: deleted=%v loggedOut=%v",
			gw.deleted, gw.loggedOut)
	}
	if got := repo.get("inst-a").Status; got != domain.InstanceStatusConnected {
		t.Fatalf("renamed instance state not synced, status = %s", got)
	}
}

func TestReconcileScopedRunSkipsRemoteOrphans(t *testing.T) {
	repo := newFakeInstanceRepo(
		&domain.Instance{ID: 1, InstanceID: "inst-a", ClientID: 7, Status: domain.InstanceStatusConnected},
		&domain.Instance{ID: 2, InstanceID: "inst-b", ClientID: 9, Status: domain.InstanceStatusConnected},
	)
	gw := &fakeGateway{
		listFn: func(ctx context.Context) ([]gateway.InstanceDetail, error) {
			return []gateway.InstanceDetail{
				remoteDetail("inst-b", domain.ConnStateOpen, "628000000002@s.whatsapp.net"),
				remoteDetail("inst-z", domain.ConnStateClose, ""),
			}, nil
		},
	}
	r := NewReconciler(gw, repo, newFakeClientRepo(), NewStateMachine(repo), healOnSettings())

	report, err := r.Run(context.Background(), 7)
	if err != nil {
		t.Fatalf("scoped run failed: %v", err)
	}
	if report.ClientID != 7 || report.LocalCount != 1 {
		t.Fatalf("scope not applied: %+v", report)
	}
	// inst-a belongs to the scoped tenant and has no remote session
	if report.OrphanedLocal != 1 || repo.get("inst-a") != nil {
		t.Fatalf("scoped local orphan not healed: %+v", report)
	}
	// other tenants and the unowned remote session are untouched
	if report.OrphanedRemote != 0 || len(gw.deleted) != 0 {
		t.Fatalf("scoped run touched remote orphans: %+v", report)
	}
	if repo.get("inst-b") == nil {
		t.Fatalf("out-of-scope record removed")
	}
}

func TestCountCheckRepairsDriftedCounter(t *testing.T) {
	repo := newFakeInstanceRepo(
		&domain.Instance{ID: 1, InstanceID: "inst-a", ClientID: 7, Status: domain.InstanceStatusConnected},
		&domain.Instance{ID: 2, InstanceID: "inst-b", ClientID: 7, Status: domain.InstanceStatusDisconnected},
		&domain.Instance{ID: 3, InstanceID: "inst-c", ClientID: 9, Status: domain.InstanceStatusConnected},
	)
	clients := newFakeClientRepo(
		domain.SysClient{ID: 7, InstanceCount: 5},
		domain.SysClient{ID: 9, InstanceCount: 1},
	)
	r := NewReconciler(&fakeGateway{}, repo, clients, NewStateMachine(repo), healOnSettings())

	repaired, err := r.CountCheck(context.Background())
	if err != nil {
		t.Fatalf("count check failed: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("expected 1 repair, got %d", repaired)
	}
	if got := clients.repaired[7]; got != 2 {
		t.Fatalf("client 7 repaired to %d, want 2", got)
	}
	if _, touched := clients.repaired[9]; touched {
		t.Fatalf("accurate counter rewritten")
	}
}

func TestSweepExpiredQRMovesToTimeout(t *testing.T) {
	stale := seedInstance("inst-old", domain.InstanceStatusQRReady)
	stale.QrCode = "stale"
	stale.HasQrCode = true
	stale.QrExpiresAt = time.Now().Add(-time.Minute)

	fresh := seedInstance("inst-new", domain.InstanceStatusQRReady)
	fresh.QrCode = "fresh"
	fresh.HasQrCode = true
	fresh.QrExpiresAt = time.Now().Add(time.Minute)

	repo := newFakeInstanceRepo(stale, fresh)
	r := NewReconciler(&fakeGateway{}, repo, newFakeClientRepo(), NewStateMachine(repo), healOnSettings())

	swept, err := r.SweepExpiredQR(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d", swept)
	}
	if got := repo.get("inst-old").Status; got != domain.InstanceStatusTimeout {
		t.Fatalf("stale qr status = %s", got)
	}
	if got := repo.get("inst-new").Status; got != domain.InstanceStatusQRReady {
		t.Fatalf("fresh qr swept, status = %s", got)
	}
}
