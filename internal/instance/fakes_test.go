package instance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/gateway"
)

// fakeInstanceRepo is an in-memory InstanceRepository keyed by the
// external instance id.
type fakeInstanceRepo struct {
	mu      sync.Mutex
	rows    map[string]*domain.Instance
	updates int
	deleted []string
}

func newFakeInstanceRepo(rows ...*domain.Instance) *fakeInstanceRepo {
	r := &fakeInstanceRepo{rows: make(map[string]*domain.Instance)}
	for _, row := range rows {
		cp := *row
		r.rows[row.InstanceID] = &cp
	}
	return r
}

func (r *fakeInstanceRepo) Create(ctx context.Context, inst *domain.Instance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[inst.InstanceID]; ok {
		return fmt.Errorf("duplicate instance %s", inst.InstanceID)
	}
	cp := *inst
	r.rows[inst.InstanceID] = &cp
	return nil
}

func (r *fakeInstanceRepo) GetByInstanceID(ctx context.Context, instanceID string) (*domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", instanceID)
	}
	cp := *row
	return &cp, nil
}

func (r *fakeInstanceRepo) List(ctx context.Context, clientID int64) ([]domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Instance
	for _, row := range r.rows {
		if clientID > 0 && row.ClientID != clientID {
			continue
		}
		out = append(out, *row)
	}
	return out, nil
}

func (r *fakeInstanceRepo) ListByStatus(ctx context.Context, status string) ([]domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Instance
	for _, row := range r.rows {
		if row.Status == status {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *fakeInstanceRepo) ListExpiredQR(ctx context.Context, now time.Time) ([]domain.Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Instance
	for _, row := range r.rows {
		if row.Status == domain.InstanceStatusQRReady && row.QrExpiresAt.Before(now) {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *fakeInstanceRepo) UpdateFields(ctx context.Context, instanceID string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[instanceID]
	if !ok {
		return fmt.Errorf("instance %s not found", instanceID)
	}
	r.updates++
	for k, v := range fields {
		switch k {
		case "status":
			row.Status = v.(string)
		case "connection_state":
			row.ConnectionState = v.(string)
		case "qr_code":
			row.QrCode = v.(string)
		case "has_qr_code":
			row.HasQrCode = v.(bool)
		case "qr_expires_at":
			row.QrExpiresAt = v.(time.Time)
		case "phone_number":
			row.PhoneNumber = v.(string)
		case "remote_name":
			row.RemoteName = v.(string)
		case "remark":
			row.Remark = v.(string)
		case "last_synced_at":
			row.LastSyncedAt = v.(time.Time)
		case "updated_at":
			row.UpdatedAt = v.(time.Time)
		}
	}
	return nil
}

func (r *fakeInstanceRepo) DeleteByInstanceID(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[instanceID]; !ok {
		return fmt.Errorf("instance %s not found", instanceID)
	}
	delete(r.rows, instanceID)
	r.deleted = append(r.deleted, instanceID)
	return nil
}

func (r *fakeInstanceRepo) CountByClient(ctx context.Context, clientID int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, row := range r.rows {
		if row.ClientID == clientID {
			n++
		}
	}
	return n, nil
}

func (r *fakeInstanceRepo) get(instanceID string) *domain.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[instanceID]
	if !ok {
		return nil
	}
	cp := *row
	return &cp
}

// fakeWebhookRepo records upserts.
type fakeWebhookRepo struct {
	mu   sync.Mutex
	subs map[string]*domain.WebhookSubscription
}

func newFakeWebhookRepo() *fakeWebhookRepo {
	return &fakeWebhookRepo{subs: make(map[string]*domain.WebhookSubscription)}
}

func (r *fakeWebhookRepo) GetByInstanceID(ctx context.Context, instanceID string) (*domain.WebhookSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[instanceID]
	if !ok {
		return nil, fmt.Errorf("subscription %s not found", instanceID)
	}
	cp := *sub
	return &cp, nil
}

func (r *fakeWebhookRepo) Upsert(ctx context.Context, sub *domain.WebhookSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *sub
	r.subs[sub.InstanceID] = &cp
	return nil
}

func (r *fakeWebhookRepo) DeleteByInstanceID(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, instanceID)
	return nil
}

// fakeClientRepo serves a fixed tenant list and records counter repairs.
type fakeClientRepo struct {
	mu       sync.Mutex
	clients  []domain.SysClient
	repaired map[int64]int
}

func newFakeClientRepo(clients ...domain.SysClient) *fakeClientRepo {
	return &fakeClientRepo{clients: clients, repaired: make(map[int64]int)}
}

func (r *fakeClientRepo) GetByID(ctx context.Context, id int64) (*domain.SysClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.clients {
		if r.clients[i].ID == id {
			cp := r.clients[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("client %d not found", id)
}

func (r *fakeClientRepo) ListEnabled(ctx context.Context) ([]domain.SysClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SysClient, len(r.clients))
	copy(out, r.clients)
	return out, nil
}

func (r *fakeClientRepo) UpdateInstanceCount(ctx context.Context, id int64, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.repaired[id] = count
	for i := range r.clients {
		if r.clients[i].ID == id {
			r.clients[i].InstanceCount = count
		}
	}
	return nil
}

// fakeGateway lets each test script the remote side with per-method
// functions; unset methods fail loudly.
type fakeGateway struct {
	mu sync.Mutex

	createFn   func(ctx context.Context, req *gateway.CreateInstanceRequest) (*gateway.CreateInstanceResponse, error)
	connectFn  func(ctx context.Context, instanceID string) (*gateway.ConnectResponse, error)
	stateFn    func(ctx context.Context, instanceID string) (*gateway.ConnectionStateResponse, error)
	fetchFn    func(ctx context.Context, instanceID string) (*gateway.InstanceDetail, error)
	listFn     func(ctx context.Context) ([]gateway.InstanceDetail, error)
	logoutFn   func(ctx context.Context, instanceID string) error
	deleteFn   func(ctx context.Context, instanceID string) error
	setHookFn  func(ctx context.Context, instanceID string, cfg *gateway.WebhookConfig) error
	findHookFn func(ctx context.Context, instanceID string) (*gateway.WebhookConfig, error)

	connectCalls  int
	fetchCalls    int
	setHookCalls  int
	findHookCalls int
	loggedOut     []string
	deleted       []string
}

func (g *fakeGateway) CreateInstance(ctx context.Context, req *gateway.CreateInstanceRequest) (*gateway.CreateInstanceResponse, error) {
	if g.createFn == nil {
		return nil, fmt.Errorf("unexpected CreateInstance call")
	}
	return g.createFn(ctx, req)
}

func (g *fakeGateway) Connect(ctx context.Context, instanceID string) (*gateway.ConnectResponse, error) {
	g.mu.Lock()
	g.connectCalls++
	g.mu.Unlock()
	if g.connectFn == nil {
		return nil, fmt.Errorf("unexpected Connect call")
	}
	return g.connectFn(ctx, instanceID)
}

func (g *fakeGateway) ConnectionState(ctx context.Context, instanceID string) (*gateway.ConnectionStateResponse, error) {
	if g.stateFn == nil {
		return nil, fmt.Errorf("unexpected ConnectionState call")
	}
	return g.stateFn(ctx, instanceID)
}

func (g *fakeGateway) FetchInstance(ctx context.Context, instanceID string) (*gateway.InstanceDetail, error) {
	g.mu.Lock()
	g.fetchCalls++
	g.mu.Unlock()
	if g.fetchFn == nil {
		return nil, fmt.Errorf("unexpected FetchInstance call")
	}
	return g.fetchFn(ctx, instanceID)
}

func (g *fakeGateway) ListInstances(ctx context.Context) ([]gateway.InstanceDetail, error) {
	if g.listFn == nil {
		return nil, fmt.Errorf("unexpected ListInstances call")
	}
	return g.listFn(ctx)
}

func (g *fakeGateway) Logout(ctx context.Context, instanceID string) error {
	g.mu.Lock()
	g.loggedOut = append(g.loggedOut, instanceID)
	g.mu.Unlock()
	if g.logoutFn == nil {
		return nil
	}
	return g.logoutFn(ctx, instanceID)
}

func (g *fakeGateway) DeleteInstance(ctx context.Context, instanceID string) error {
	g.mu.Lock()
	g.deleted = append(g.deleted, instanceID)
	g.mu.Unlock()
	if g.deleteFn == nil {
		return nil
	}
	return g.deleteFn(ctx, instanceID)
}

func (g *fakeGateway) SetWebhook(ctx context.Context, instanceID string, cfg *gateway.WebhookConfig) error {
	g.mu.Lock()
	g.setHookCalls++
	g.mu.Unlock()
	if g.setHookFn == nil {
		return nil
	}
	return g.setHookFn(ctx, instanceID, cfg)
}

func (g *fakeGateway) FindWebhook(ctx context.Context, instanceID string) (*gateway.WebhookConfig, error) {
	g.mu.Lock()
	g.findHookCalls++
	g.mu.Unlock()
	if g.findHookFn == nil {
		return nil, fmt.Errorf("unexpected FindWebhook call")
	}
	return g.findHookFn(ctx, instanceID)
}

// fakeSettings is a static switch table.
type fakeSettings struct {
	bools map[string]bool
}

func (s *fakeSettings) GetBool(sortType, name string) bool {
	return s.bools[sortType+"/"+name]
}

func seedInstance(id string, status string) *domain.Instance {
	return &domain.Instance{
		ID:         1,
		InstanceID: id,
		ClientID:   1,
		Status:     status,
	}
}
