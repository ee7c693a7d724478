package instance

import (
	"context"
	"time"

	"github.com/zapgate/zapgate/internal/domain"
	"gorm.io/gorm"
)

// InstanceRepository handles database operations for instance rows.
type InstanceRepository interface {
	// Create inserts a new instance row
	Create(ctx context.Context, inst *domain.Instance) error

	// GetByInstanceID retrieves an instance by its external id
	GetByInstanceID(ctx context.Context, instanceID string) (*domain.Instance, error)

	// List retrieves all instances, optionally scoped to a tenant (clientID > 0)
	List(ctx context.Context, clientID int64) ([]domain.Instance, error)

	// ListByStatus retrieves all instances in the given status
	ListByStatus(ctx context.Context, status string) ([]domain.Instance, error)

	// ListExpiredQR retrieves qr_ready instances whose code expired before now
	ListExpiredQR(ctx context.Context, now time.Time) ([]domain.Instance, error)

	// UpdateFields applies a single atomic update keyed by instance_id
	UpdateFields(ctx context.Context, instanceID string, fields map[string]interface{}) error

	// DeleteByInstanceID removes an instance row
	DeleteByInstanceID(ctx context.Context, instanceID string) error

	// CountByClient returns the true row count for a tenant
	CountByClient(ctx context.Context, clientID int64) (int64, error)
}

// WebhookRepository handles database operations for webhook subscriptions.
type WebhookRepository interface {
	GetByInstanceID(ctx context.Context, instanceID string) (*domain.WebhookSubscription, error)
	Upsert(ctx context.Context, sub *domain.WebhookSubscription) error
	DeleteByInstanceID(ctx context.Context, instanceID string) error
}

// ClientRepository handles database operations for tenants.
type ClientRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.SysClient, error)
	ListEnabled(ctx context.Context) ([]domain.SysClient, error)
	UpdateInstanceCount(ctx context.Context, id int64, count int) error
}

// GormInstanceRepository is the GORM implementation of InstanceRepository
type GormInstanceRepository struct {
	db *gorm.DB
}

func NewGormInstanceRepository(db *gorm.DB) *GormInstanceRepository {
	return &GormInstanceRepository{db: db}
}

func (r *GormInstanceRepository) Create(ctx context.Context, inst *domain.Instance) error {
	return r.db.WithContext(ctx).Create(inst).Error
}

func (r *GormInstanceRepository) GetByInstanceID(ctx context.Context, instanceID string) (*domain.Instance, error) {
	var inst domain.Instance
	err := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&inst).Error
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *GormInstanceRepository) List(ctx context.Context, clientID int64) ([]domain.Instance, error) {
	var items []domain.Instance
	tx := r.db.WithContext(ctx)
	if clientID > 0 {
		tx = tx.Where("client_id = ?", clientID)
	}
	err := tx.Order("id ASC").Find(&items).Error
	return items, err
}

func (r *GormInstanceRepository) ListByStatus(ctx context.Context, status string) ([]domain.Instance, error) {
	var items []domain.Instance
	err := r.db.WithContext(ctx).Where("status = ?", status).Find(&items).Error
	return items, err
}

func (r *GormInstanceRepository) ListExpiredQR(ctx context.Context, now time.Time) ([]domain.Instance, error) {
	var items []domain.Instance
	err := r.db.WithContext(ctx).
		Where("status = ? AND qr_expires_at < ?", domain.InstanceStatusQRReady, now).
		Find(&items).Error
	return items, err
}

func (r *GormInstanceRepository) UpdateFields(ctx context.Context, instanceID string, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&domain.Instance{}).
		Where("instance_id = ?", instanceID).
		Updates(fields).Error
}

func (r *GormInstanceRepository) DeleteByInstanceID(ctx context.Context, instanceID string) error {
	return r.db.WithContext(ctx).Where("instance_id = ?", instanceID).Delete(&domain.Instance{}).Error
}

func (r *GormInstanceRepository) CountByClient(ctx context.Context, clientID int64) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.Instance{}).Where("client_id = ?", clientID).Count(&count).Error
	return count, err
}

// GormWebhookRepository is the GORM implementation of WebhookRepository
type GormWebhookRepository struct {
	db *gorm.DB
}

func NewGormWebhookRepository(db *gorm.DB) *GormWebhookRepository {
	return &GormWebhookRepository{db: db}
}

func (r *GormWebhookRepository) GetByInstanceID(ctx context.Context, instanceID string) (*domain.WebhookSubscription, error) {
	var sub domain.WebhookSubscription
	err := r.db.WithContext(ctx).Where("instance_id = ?", instanceID).First(&sub).Error
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *GormWebhookRepository) Upsert(ctx context.Context, sub *domain.WebhookSubscription) error {
	var existing domain.WebhookSubscription
	err := r.db.WithContext(ctx).Where("instance_id = ?", sub.InstanceID).First(&existing).Error
	if err == gorm.ErrRecordNotFound {
		return r.db.WithContext(ctx).Create(sub).Error
	}
	if err != nil {
		return err
	}
	sub.ID = existing.ID
	return r.db.WithContext(ctx).Model(&domain.WebhookSubscription{}).
		Where("instance_id = ?", sub.InstanceID).
		Updates(map[string]interface{}{
			"url":                sub.Url,
			"enabled":            sub.Enabled,
			"events":             sub.Events,
			"last_configured_at": sub.LastConfiguredAt,
			"last_error":         sub.LastError,
		}).Error
}

func (r *GormWebhookRepository) DeleteByInstanceID(ctx context.Context, instanceID string) error {
	return r.db.WithContext(ctx).Where("instance_id = ?", instanceID).Delete(&domain.WebhookSubscription{}).Error
}

// GormClientRepository is the GORM implementation of ClientRepository
type GormClientRepository struct {
	db *gorm.DB
}

func NewGormClientRepository(db *gorm.DB) *GormClientRepository {
	return &GormClientRepository{db: db}
}

func (r *GormClientRepository) GetByID(ctx context.Context, id int64) (*domain.SysClient, error) {
	var client domain.SysClient
	err := r.db.WithContext(ctx).First(&client, id).Error
	if err != nil {
		return nil, err
	}
	return &client, nil
}

func (r *GormClientRepository) ListEnabled(ctx context.Context) ([]domain.SysClient, error) {
	var items []domain.SysClient
	err := r.db.WithContext(ctx).Where("status = ?", "enabled").Find(&items).Error
	return items, err
}

func (r *GormClientRepository) UpdateInstanceCount(ctx context.Context, id int64, count int) error {
	return r.db.WithContext(ctx).Model(&domain.SysClient{}).
		Where("id = ?", id).
		Update("instance_count", count).Error
}
