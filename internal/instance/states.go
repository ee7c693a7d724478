package instance

import (
	"errors"
	"fmt"

	"github.com/zapgate/zapgate/internal/domain"
)

// Event is a requested state-machine transition.
type Event string

const (
	// EventConnect enters connecting from an idle or failed state.
	EventConnect Event = "connect"
	// EventQRReceived stores a fresh QR and enters qr_ready.
	EventQRReceived Event = "qr_received"
	// EventAuthenticated marks the handshake accepted but not yet open.
	EventAuthenticated Event = "authenticated"
	// EventConnected marks the session open with a known phone number.
	EventConnected Event = "connected"
	// EventDisconnect leaves connected on explicit logout.
	EventDisconnect Event = "disconnect"
	// EventFail marks a fatal error; allowed from any state.
	EventFail Event = "fail"
	// EventTimeout marks a polling ceiling overrun; allowed from any state.
	EventTimeout Event = "timeout"
)

var (
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrInvalidPayload    = errors.New("invalid transition payload")
	ErrUnknownEvent      = errors.New("unknown transition event")
)

// transitionTable lists, per event, the statuses it may be applied from.
// EventFail and EventTimeout are legal from any status and are handled
// separately.
var transitionTable = map[Event]struct {
	from   []string
	target string
}{
	EventConnect: {
		from:   []string{domain.InstanceStatusDisconnected, domain.InstanceStatusError, domain.InstanceStatusTimeout},
		target: domain.InstanceStatusConnecting,
	},
	EventQRReceived: {
		// a refreshed QR replaces the previous one while still pairing
		from:   []string{domain.InstanceStatusConnecting, domain.InstanceStatusQRReady},
		target: domain.InstanceStatusQRReady,
	},
	EventAuthenticated: {
		from:   []string{domain.InstanceStatusConnecting, domain.InstanceStatusQRReady},
		target: domain.InstanceStatusAuthenticated,
	},
	EventConnected: {
		from:   []string{domain.InstanceStatusConnecting, domain.InstanceStatusQRReady, domain.InstanceStatusAuthenticated},
		target: domain.InstanceStatusConnected,
	},
	EventDisconnect: {
		from:   []string{domain.InstanceStatusConnected},
		target: domain.InstanceStatusDisconnected,
	},
}

// NextStatus resolves the target status for ev applied from cur, or
// ErrIllegalTransition when the edge is not in the graph.
func NextStatus(cur string, ev Event) (string, error) {
	switch ev {
	case EventFail:
		return domain.InstanceStatusError, nil
	case EventTimeout:
		return domain.InstanceStatusTimeout, nil
	}
	entry, ok := transitionTable[ev]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, ev)
	}
	for _, s := range entry.from {
		if s == cur {
			return entry.target, nil
		}
	}
	return "", fmt.Errorf("%w: %s from %s", ErrIllegalTransition, ev, cur)
}

// MapRemoteState translates the gateway's connection vocabulary
// (open|connecting|close) into the local status vocabulary. The mapping is
// deliberately a single pure function so every call site agrees.
func MapRemoteState(connState string) string {
	switch connState {
	case domain.ConnStateOpen:
		return domain.InstanceStatusConnected
	case domain.ConnStateConnecting:
		return domain.InstanceStatusConnecting
	case domain.ConnStateClose:
		return domain.InstanceStatusDisconnected
	default:
		return domain.InstanceStatusDisconnected
	}
}
