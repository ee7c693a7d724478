package adminapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/zapgate/zapgate/internal/webserver"
)

type reconcilePayload struct {
	ClientID int64 `json:"client_id,string" form:"client_id"`
}

func registerReconcileRoutes() {
	webserver.ApiPOST("/reconcile", triggerReconcile)
	webserver.ApiGET("/reconcile/last", getLastReconcile)
}

// triggerReconcile runs a reconciliation pass immediately. When client_id is
// given the pass is scoped to that client's records.
func triggerReconcile(c echo.Context) error {
	var payload reconcilePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse reconcile parameters", nil)
	}
	report, err := GetAppContext(c).Reconciler().Run(c.Request().Context(), payload.ClientID)
	if err != nil {
		return fail(c, http.StatusBadGateway, "RECONCILE_FAILED", "Reconciliation pass failed", err.Error())
	}
	return ok(c, report)
}

func getLastReconcile(c echo.Context) error {
	report := GetAppContext(c).Reconciler().LastReport()
	if report == nil {
		return fail(c, http.StatusNotFound, "NO_REPORT", "No reconciliation has run yet", nil)
	}
	return ok(c, report)
}
