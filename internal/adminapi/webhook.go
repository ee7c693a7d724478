package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/zapgate/zapgate/internal/instance"
	"github.com/zapgate/zapgate/internal/webserver"
	"go.uber.org/zap"
)

func registerWebhookRoutes() {
	webserver.PubPOST("/webhook/events", receiveGatewayEvent)
}

// receiveGatewayEvent accepts event callbacks from the gateway. The event is
// published to the bus and processed asynchronously so the gateway never
// waits on local state handling.
func receiveGatewayEvent(c echo.Context) error {
	var event instance.GatewayEvent
	if err := c.Bind(&event); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_EVENT", "Unable to parse gateway event", nil)
	}
	if event.Event == "" || event.Instance == "" {
		return fail(c, http.StatusBadRequest, "INVALID_EVENT", "Event type and instance are required", nil)
	}
	zap.L().Debug("gateway event received",
		zap.String("event", event.Event),
		zap.String("instance", event.Instance))
	GetAppContext(c).Applier().Publish(event)
	return ok(c, map[string]string{"received": event.Event})
}
