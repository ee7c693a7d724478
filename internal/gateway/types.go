package gateway

// Wire types for the remote messaging gateway REST api. Field names follow
// the gateway's camelCase JSON convention.

// CreateInstanceRequest registers a new instance on the gateway.
type CreateInstanceRequest struct {
	InstanceName  string   `json:"instanceName"`
	Token         string   `json:"token,omitempty"`
	Qrcode        bool     `json:"qrcode"`
	Integration   string   `json:"integration,omitempty"`
	Number        string   `json:"number,omitempty"`
	WebhookUrl    string   `json:"webhookUrl,omitempty"`
	WebhookEvents []string `json:"webhookEvents,omitempty"`
}

// InstanceRef is the gateway's embedded instance descriptor. The gateway
// may normalize the requested name; callers must compare Name against the
// requested id instead of trusting it.
type InstanceRef struct {
	InstanceName string `json:"instanceName"`
	State        string `json:"state,omitempty"`
	Status       string `json:"status,omitempty"`
}

// CreateInstanceResponse carries the gateway-assigned name and the bearer
// credential for subsequent calls.
type CreateInstanceResponse struct {
	Instance InstanceRef `json:"instance"`
	Hash     struct {
		Apikey string `json:"apikey"`
	} `json:"hash"`
}

// ConnectResponse is returned by the connect endpoint. Either the QR
// payload fields are populated, or Instance.State reports an already-open
// session.
type ConnectResponse struct {
	Instance InstanceRef `json:"instance"`
	Base64   string      `json:"base64,omitempty"`
	Code     string      `json:"code,omitempty"`
	Count    int         `json:"count,omitempty"`
}

// HasQR reports whether the response carries a scannable code.
func (r *ConnectResponse) HasQR() bool {
	return r.Code != "" || r.Base64 != ""
}

// QRPayload returns the preferred QR representation.
func (r *ConnectResponse) QRPayload() string {
	if r.Base64 != "" {
		return r.Base64
	}
	return r.Code
}

// ConnectionStateResponse is the poll answer (open|connecting|close).
type ConnectionStateResponse struct {
	Instance InstanceRef `json:"instance"`
}

// InstanceDetail is the full remote record. A populated OwnerJid is the
// proof of a completed handshake, regardless of the reported state.
type InstanceDetail struct {
	InstanceName     string `json:"instanceName"`
	InstanceId       string `json:"instanceId,omitempty"`
	OwnerJid         string `json:"ownerJid,omitempty"`
	ProfileName      string `json:"profileName,omitempty"`
	ConnectionStatus string `json:"connectionStatus,omitempty"`
	Token            string `json:"token,omitempty"`
}

// WebhookConfig is the webhook subscription payload for set/find.
type WebhookConfig struct {
	Url     string   `json:"url"`
	Enabled bool     `json:"enabled"`
	Events  []string `json:"events"`
}

// Canonical webhook event flags. Presence updates are deliberately not
// subscribed to keep callback volume down.
const (
	EventMessagesUpsert   = "MESSAGES_UPSERT"
	EventMessagesUpdate   = "MESSAGES_UPDATE"
	EventConnectionUpdate = "CONNECTION_UPDATE"
	EventQrcodeUpdated    = "QRCODE_UPDATED"
	EventStatusInstance   = "STATUS_INSTANCE"
	EventPresenceUpdate   = "PRESENCE_UPDATE"
)

// CanonicalEvents returns the required webhook event flag set.
func CanonicalEvents() []string {
	return []string{
		EventMessagesUpsert,
		EventMessagesUpdate,
		EventConnectionUpdate,
		EventQrcodeUpdated,
		EventStatusInstance,
	}
}
