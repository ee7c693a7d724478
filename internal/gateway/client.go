package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/guonaihong/gout"
	"github.com/guonaihong/gout/dataflow"
	"github.com/zapgate/zapgate/config"
	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds ordinary state/detail/webhook calls.
	DefaultTimeout = 15 * time.Second
	// ConnectTimeout bounds connect/create calls, which the gateway may
	// hold open while it spins up a session.
	ConnectTimeout = 45 * time.Second
)

// Client talks to the remote messaging gateway REST api.
type Client struct {
	baseURL string
	apiKey  string
}

func NewClient(cfg config.GatewayConfig) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
	}
}

// errorBody is the gateway's error envelope; shapes vary, message wins.
type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// do performs one request and decodes a 2xx body into out (when non-nil).
// Non-2xx answers become *APIError, transport failures *TransportError.
func (c *Client) do(ctx context.Context, method, path string, reqBody interface{}, out interface{}, timeout time.Duration) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.baseURL + path
	var df *dataflow.DataFlow
	switch method {
	case http.MethodGet:
		df = gout.GET(u)
	case http.MethodPost:
		df = gout.POST(u)
	case http.MethodPut:
		df = gout.PUT(u)
	case http.MethodDelete:
		df = gout.DELETE(u)
	default:
		return fmt.Errorf("unsupported method %s", method)
	}

	df = df.WithContext(callCtx).SetHeader(gout.H{"apikey": c.apiKey})
	if reqBody != nil {
		df = df.SetJSON(reqBody)
	}

	var code int
	var body []byte
	if err := df.Code(&code).BindBody(&body).Do(); err != nil {
		return &TransportError{Endpoint: path, Err: err}
	}

	if code < 200 || code >= 300 {
		var eb errorBody
		_ = json.Unmarshal(body, &eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return &APIError{StatusCode: code, Endpoint: path, Message: msg}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("gateway %s: decode response: %w", path, err)
		}
	}
	return nil
}

// CreateInstance registers a new instance. The answer may carry a
// normalized name differing from the requested one.
func (c *Client) CreateInstance(ctx context.Context, req *CreateInstanceRequest) (*CreateInstanceResponse, error) {
	var resp CreateInstanceResponse
	if err := c.do(ctx, http.MethodPost, "/instance/create", req, &resp, ConnectTimeout); err != nil {
		return nil, err
	}
	zap.L().Debug("gateway: instance created",
		zap.String("requested", req.InstanceName),
		zap.String("assigned", resp.Instance.InstanceName))
	return &resp, nil
}

// Connect initiates or resumes a session; the answer carries either a QR
// payload or an already-open state.
func (c *Client) Connect(ctx context.Context, instanceID string) (*ConnectResponse, error) {
	var resp ConnectResponse
	if err := c.do(ctx, http.MethodGet, "/instance/"+instanceID+"/connect", nil, &resp, ConnectTimeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ConnectionState polls the current remote state (open|connecting|close).
func (c *Client) ConnectionState(ctx context.Context, instanceID string) (*ConnectionStateResponse, error) {
	var resp ConnectionStateResponse
	if err := c.do(ctx, http.MethodGet, "/instance/"+instanceID+"/connection-state", nil, &resp, DefaultTimeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// FetchInstance fetches the full instance detail, including the session
// identity when the handshake completed.
func (c *Client) FetchInstance(ctx context.Context, instanceID string) (*InstanceDetail, error) {
	var resp InstanceDetail
	if err := c.do(ctx, http.MethodGet, "/instance/"+instanceID, nil, &resp, DefaultTimeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListInstances fetches the full remote inventory.
func (c *Client) ListInstances(ctx context.Context) ([]InstanceDetail, error) {
	var resp []InstanceDetail
	if err := c.do(ctx, http.MethodGet, "/instance", nil, &resp, ConnectTimeout); err != nil {
		return nil, err
	}
	return resp, nil
}

// Logout disconnects the session without removing the instance.
func (c *Client) Logout(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, "/instance/"+instanceID+"/logout", nil, nil, DefaultTimeout)
}

// DeleteInstance removes the instance from the gateway.
func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodDelete, "/instance/"+instanceID, nil, nil, DefaultTimeout)
}

// SetWebhook creates or replaces the webhook subscription.
func (c *Client) SetWebhook(ctx context.Context, instanceID string, cfg *WebhookConfig) error {
	return c.do(ctx, http.MethodPut, "/webhook/set/"+instanceID, cfg, nil, DefaultTimeout)
}

// FindWebhook fetches the current webhook subscription. A 404 means no
// subscription exists yet.
func (c *Client) FindWebhook(ctx context.Context, instanceID string) (*WebhookConfig, error) {
	var resp WebhookConfig
	if err := c.do(ctx, http.MethodGet, "/webhook/find/"+instanceID, nil, &resp, DefaultTimeout); err != nil {
		return nil, err
	}
	return &resp, nil
}
