package adminapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/webserver"
	"github.com/zapgate/zapgate/pkg/common"
	"gorm.io/gorm"
)

// schedulerPayload represents the scheduler request structure
type schedulerPayload struct {
	Name     string `json:"name"`
	TaskType string `json:"task_type"`
	Interval int    `json:"interval"`
	Status   string `json:"status"`
	Config   string `json:"config"`
	Remark   string `json:"remark"`
}

var validTaskTypes = []string{
	domain.TaskTypeReconcile,
	domain.TaskTypeCountCheck,
	domain.TaskTypeQrSweep,
}

func registerSchedulerRoutes() {
	webserver.ApiGET("/system/schedulers", listSchedulers)
	webserver.ApiGET("/system/schedulers/:id", getScheduler)
	webserver.ApiPOST("/system/schedulers", createScheduler)
	webserver.ApiPUT("/system/schedulers/:id", updateScheduler)
	webserver.ApiDELETE("/system/schedulers/:id", deleteScheduler)
	webserver.ApiPOST("/system/schedulers/:id/run", triggerScheduler)
}

// triggerScheduler runs the scheduler immediately
func triggerScheduler(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}
	if err := GetAppContext(c).RunSchedulerNow(id); err != nil {
		return fail(c, http.StatusInternalServerError, "RUN_FAILED", "Failed to run scheduler", err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func listSchedulers(c echo.Context) error {
	page, pageSize := parsePagination(c)
	db := GetDB(c)

	sortField := c.QueryParam("sort")
	order := c.QueryParam("order")
	if sortField == "" {
		sortField = "id"
	}
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}

	query := db.Model(&domain.SyncScheduler{})
	if name := strings.TrimSpace(c.QueryParam("name")); name != "" {
		if strings.EqualFold(db.Name(), "postgres") {
			query = query.Where("name ILIKE ?", "%"+name+"%")
		} else {
			query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(name)+"%")
		}
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		query = query.Where("status = ?", status)
	}
	if taskType := strings.TrimSpace(c.QueryParam("task_type")); taskType != "" {
		query = query.Where("task_type = ?", taskType)
	}

	var total int64
	query.Count(&total)
	var schedulers []domain.SyncScheduler
	query.Order(sortField + " " + order).Limit(pageSize).Offset((page - 1) * pageSize).Find(&schedulers)
	return paged(c, schedulers, total, page, pageSize)
}

func getScheduler(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}
	var sched domain.SyncScheduler
	if err := GetDB(c).First(&sched, id).Error; err == gorm.ErrRecordNotFound {
		return fail(c, http.StatusNotFound, "SCHEDULER_NOT_FOUND", "Scheduler not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query scheduler", err.Error())
	}
	return ok(c, sched)
}

func createScheduler(c echo.Context) error {
	var payload schedulerPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse scheduler parameters", nil)
	}
	if strings.TrimSpace(payload.Name) == "" {
		return fail(c, http.StatusBadRequest, "MISSING_NAME", "Scheduler name is required", nil)
	}
	if !common.InSlice(payload.TaskType, validTaskTypes) {
		return fail(c, http.StatusBadRequest, "INVALID_TASK_TYPE",
			"Task type must be one of "+strings.Join(validTaskTypes, ", "), nil)
	}
	if payload.Interval < 10 {
		return fail(c, http.StatusBadRequest, "INVALID_INTERVAL", "Interval must be at least 10 seconds", nil)
	}
	status := payload.Status
	if status == "" {
		status = common.ENABLED
	}

	sched := domain.SyncScheduler{
		ID:        common.UUIDint64(),
		Name:      strings.TrimSpace(payload.Name),
		TaskType:  payload.TaskType,
		Interval:  payload.Interval,
		Status:    status,
		NextRunAt: time.Now().Add(time.Duration(payload.Interval) * time.Second),
		Config:    payload.Config,
		Remark:    payload.Remark,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := GetDB(c).Create(&sched).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create scheduler", err.Error())
	}
	return ok(c, sched)
}

func updateScheduler(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}
	var payload schedulerPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse scheduler parameters", nil)
	}
	var sched domain.SyncScheduler
	if err := GetDB(c).First(&sched, id).Error; err == gorm.ErrRecordNotFound {
		return fail(c, http.StatusNotFound, "SCHEDULER_NOT_FOUND", "Scheduler not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query scheduler", err.Error())
	}

	updates := map[string]interface{}{}
	if payload.Name != "" {
		updates["name"] = strings.TrimSpace(payload.Name)
	}
	if payload.TaskType != "" {
		if !common.InSlice(payload.TaskType, validTaskTypes) {
			return fail(c, http.StatusBadRequest, "INVALID_TASK_TYPE",
				"Task type must be one of "+strings.Join(validTaskTypes, ", "), nil)
		}
		updates["task_type"] = payload.TaskType
	}
	if payload.Interval > 0 {
		if payload.Interval < 10 {
			return fail(c, http.StatusBadRequest, "INVALID_INTERVAL", "Interval must be at least 10 seconds", nil)
		}
		updates["interval"] = payload.Interval
		updates["next_run_at"] = time.Now().Add(time.Duration(payload.Interval) * time.Second)
	}
	if payload.Status != "" {
		updates["status"] = payload.Status
	}
	if payload.Config != "" {
		updates["config"] = payload.Config
	}
	if payload.Remark != "" {
		updates["remark"] = payload.Remark
	}
	updates["updated_at"] = time.Now()
	if err := GetDB(c).Model(&sched).Updates(updates).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update scheduler", err.Error())
	}
	GetDB(c).First(&sched, id)
	return ok(c, sched)
}

func deleteScheduler(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid scheduler ID", nil)
	}
	if err := GetDB(c).Delete(&domain.SyncScheduler{}, id).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete scheduler", err.Error())
	}
	return ok(c, map[string]interface{}{"id": id})
}
