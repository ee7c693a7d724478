package adminapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/zapgate/zapgate/internal/webserver"
	"github.com/zapgate/zapgate/pkg/metrics"
)

func registerMetricsRoutes() {
	webserver.ApiGET("/metrics/:name", getMetricSeries)
}

// getMetricSeries returns gauge samples for the named metric. start and
// end are unix seconds; without them the last hour is returned.
func getMetricSeries(c echo.Context) error {
	name := c.Param("name")
	end := time.Now().Unix()
	start := end - 3600
	if v := c.QueryParam("start"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "start must be a unix timestamp", nil)
		}
		start = n
	}
	if v := c.QueryParam("end"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "end must be a unix timestamp", nil)
		}
		end = n
	}
	if start >= end {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "start must be before end", nil)
	}

	points, err := metrics.Select(name, start, end)
	if err != nil {
		return fail(c, http.StatusInternalServerError, "METRICS_FAILED", "Unable to query metric series", err.Error())
	}
	return ok(c, map[string]interface{}{
		"metric": name,
		"points": points,
	})
}
