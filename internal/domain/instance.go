package domain

import "time"

// Instance statuses. Remote connection states live in a separate vocabulary
// (open/connecting/close) and are mapped explicitly, never stored as status.
const (
	InstanceStatusDisconnected  = "disconnected"
	InstanceStatusConnecting    = "connecting"
	InstanceStatusQRReady       = "qr_ready"
	InstanceStatusAuthenticated = "authenticated"
	InstanceStatusConnected     = "connected"
	InstanceStatusError         = "error"
	InstanceStatusTimeout       = "timeout"
)

// Remote gateway connection states.
const (
	ConnStateOpen       = "open"
	ConnStateConnecting = "connecting"
	ConnStateClose      = "close"
)

// Instance is the local authoritative record of a messaging instance.
// One row per gateway instance; mutated only through the connection state
// machine or the reconciliation engine.
type Instance struct {
	ID              int64     `json:"id,string" form:"id"`
	InstanceID      string    `json:"instance_id" form:"instance_id" gorm:"uniqueIndex"` // external id shared with the gateway
	ClientID        int64     `json:"client_id,string" form:"client_id" gorm:"index"`    // owning tenant
	Status          string    `json:"status" form:"status"`                              // local lifecycle status
	ConnectionState string    `json:"connection_state" form:"connection_state"`          // raw remote state (open/connecting/close)
	QrCode          string    `json:"qr_code"`
	HasQrCode       bool      `json:"has_qr_code"`
	QrExpiresAt     time.Time `json:"qr_expires_at"`
	PhoneNumber     string    `json:"phone_number"`
	RemoteName      string    `json:"remote_name"` // gateway-normalized name when it differs from InstanceID
	AuthToken       string    `json:"-"`           // bearer credential issued by the gateway
	LastSyncedAt    time.Time `json:"last_synced_at"`
	Remark          string    `json:"remark" form:"remark"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (Instance) TableName() string {
	return "instance"
}

// WebhookSubscription is the local record of the remote webhook
// configuration for an instance. Exactly one enabled row per instance.
type WebhookSubscription struct {
	ID               int64     `json:"id,string"`
	InstanceID       string    `json:"instance_id" gorm:"uniqueIndex"`
	Url              string    `json:"url"`
	Enabled          bool      `json:"enabled"`
	Events           string    `json:"events"` // comma-joined event flag names
	LastConfiguredAt time.Time `json:"last_configured_at"`
	LastError        string    `json:"last_error"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (WebhookSubscription) TableName() string {
	return "webhook_subscription"
}
