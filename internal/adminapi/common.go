package adminapi

import (
	"fmt"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/zapgate/zapgate/config"
	"github.com/zapgate/zapgate/internal/instance"
	"github.com/zapgate/zapgate/internal/webserver"
	"gorm.io/gorm"
)

// AppContext is the application surface the admin handlers depend on.
// *app.Application implements it.
type AppContext interface {
	DB() *gorm.DB
	Config() *config.AppConfig
	Poller() *instance.Poller
	Reconciler() *instance.Reconciler
	Ensurer() *instance.WebhookEnsurer
	Machine() *instance.StateMachine
	Gateway() instance.Gateway
	Applier() *instance.EventApplier
	RunSchedulerNow(id int64) error
}

// Init registers every admin route. Called once after webserver.Init.
func Init() {
	registerAuthRoutes()
	registerInstanceRoutes()
	registerClientRoutes()
	registerSchedulerRoutes()
	registerReconcileRoutes()
	registerWebhookRoutes()
	registerMetricsRoutes()
}

// GetAppContext extracts the application context injected by the web
// server middleware.
func GetAppContext(c echo.Context) AppContext {
	v := c.Get(webserver.ContextAppKey)
	appCtx, ok := v.(AppContext)
	if !ok {
		panic(fmt.Sprintf("app context missing from request, got %T", v))
	}
	return appCtx
}

// GetDB returns the request-scoped database handle.
func GetDB(c echo.Context) *gorm.DB {
	return GetAppContext(c).DB()
}

// ListResponse is the paged list envelope.
type ListResponse struct {
	Items    interface{} `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(200, map[string]interface{}{
		"code": "OK",
		"data": data,
	})
}

func fail(c echo.Context, status int, code, message string, detail interface{}) error {
	return c.JSON(status, map[string]interface{}{
		"code":    code,
		"message": message,
		"detail":  detail,
	})
}

func paged(c echo.Context, items interface{}, total int64, page, pageSize int) error {
	return c.JSON(200, map[string]interface{}{
		"code": "OK",
		"data": ListResponse{Items: items, Total: total, Page: page, PageSize: pageSize},
	})
}

func parseIDParam(c echo.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}

func parsePagination(c echo.Context) (page, pageSize int) {
	page, _ = strconv.Atoi(c.QueryParam("page"))
	pageSize, _ = strconv.Atoi(c.QueryParam("perPage"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 10
	}
	return page, pageSize
}
