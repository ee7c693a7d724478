package instance

import (
	"context"

	"github.com/zapgate/zapgate/internal/gateway"
)

// Gateway is the remote messaging gateway surface consumed by the
// lifecycle components. *gateway.Client implements it; tests substitute
// fakes.
type Gateway interface {
	CreateInstance(ctx context.Context, req *gateway.CreateInstanceRequest) (*gateway.CreateInstanceResponse, error)
	Connect(ctx context.Context, instanceID string) (*gateway.ConnectResponse, error)
	ConnectionState(ctx context.Context, instanceID string) (*gateway.ConnectionStateResponse, error)
	FetchInstance(ctx context.Context, instanceID string) (*gateway.InstanceDetail, error)
	ListInstances(ctx context.Context) ([]gateway.InstanceDetail, error)
	Logout(ctx context.Context, instanceID string) error
	DeleteInstance(ctx context.Context, instanceID string) error
	SetWebhook(ctx context.Context, instanceID string, cfg *gateway.WebhookConfig) error
	FindWebhook(ctx context.Context, instanceID string) (*gateway.WebhookConfig, error)
}
