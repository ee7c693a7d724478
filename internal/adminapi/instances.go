package adminapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/gateway"
	"github.com/zapgate/zapgate/internal/instance"
	"github.com/zapgate/zapgate/internal/webserver"
	"github.com/zapgate/zapgate/pkg/common"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func registerInstanceRoutes() {
	webserver.ApiGET("/instances", listInstances)
	webserver.ApiGET("/instances/:instance_id", getInstance)
	webserver.ApiPOST("/instances", createInstance)
	webserver.ApiDELETE("/instances/:instance_id", deleteInstance)
	webserver.ApiPOST("/instances/:instance_id/connect", connectInstance)
	webserver.ApiPOST("/instances/:instance_id/logout", logoutInstance)
	webserver.ApiGET("/instances/:instance_id/qr", getInstanceQR)
	webserver.ApiGET("/instances/:instance_id/status", getInstanceStatus)
}

func listInstances(c echo.Context) error {
	page, pageSize := parsePagination(c)

	query := GetDB(c).Model(&domain.Instance{})
	if clientID, _ := strconv.ParseInt(c.QueryParam("client_id"), 10, 64); clientID > 0 {
		query = query.Where("client_id = ?", clientID)
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instances", err.Error())
	}
	var items []domain.Instance
	if err := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&items).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instances", err.Error())
	}
	return paged(c, items, total, page, pageSize)
}

func getInstance(c echo.Context) error {
	instanceID := c.Param("instance_id")
	var inst domain.Instance
	if err := GetDB(c).Where("instance_id = ?", instanceID).First(&inst).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}
	return ok(c, inst)
}

type instancePayload struct {
	InstanceID string `json:"instance_id"`
	ClientID   int64  `json:"client_id,string"`
	Remark     string `json:"remark"`
}

func createInstance(c echo.Context) error {
	var payload instancePayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse instance parameters", nil)
	}
	instanceID := strings.TrimSpace(payload.InstanceID)
	if instanceID == "" {
		return fail(c, http.StatusBadRequest, "MISSING_INSTANCE_ID", "Instance id is required", nil)
	}
	if payload.ClientID == 0 {
		return fail(c, http.StatusBadRequest, "MISSING_CLIENT_ID", "Client id is required", nil)
	}

	db := GetDB(c)
	var client domain.SysClient
	if err := db.First(&client, payload.ClientID).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "CLIENT_NOT_FOUND", "Client not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query client", err.Error())
	}

	// quota check against the true row count, not the cached counter
	var used int64
	if err := db.Model(&domain.Instance{}).Where("client_id = ?", client.ID).Count(&used).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to count instances", err.Error())
	}
	if client.MaxInstances > 0 && used >= int64(client.MaxInstances) {
		return fail(c, http.StatusForbidden, "QUOTA_EXCEEDED", "Client instance quota exhausted", map[string]interface{}{
			"max_instances": client.MaxInstances,
			"used":          used,
		})
	}

	var dup domain.Instance
	if err := db.Where("instance_id = ?", instanceID).First(&dup).Error; err == nil {
		return fail(c, http.StatusConflict, "DUPLICATE_INSTANCE", "Instance with this id already exists", nil)
	}

	appCtx := GetAppContext(c)
	resp, err := appCtx.Gateway().CreateInstance(c.Request().Context(), &gateway.CreateInstanceRequest{
		InstanceName:  instanceID,
		Qrcode:        true,
		WebhookUrl:    appCtx.Config().Gateway.WebhookURL,
		WebhookEvents: gateway.CanonicalEvents(),
	})
	if err != nil {
		return fail(c, http.StatusBadGateway, "GATEWAY_ERROR", "Failed to register instance at gateway", err.Error())
	}

	inst := domain.Instance{
		ID:         common.UUIDint64(),
		InstanceID: instanceID,
		ClientID:   client.ID,
		Status:     domain.InstanceStatusDisconnected,
		AuthToken:  resp.Hash.Apikey,
		Remark:     payload.Remark,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	// the gateway may normalize the requested name; keep its version
	if resp.Instance.InstanceName != "" && resp.Instance.InstanceName != instanceID {
		inst.RemoteName = resp.Instance.InstanceName
	}
	if err := db.Create(&inst).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create instance", err.Error())
	}
	db.Model(&domain.SysClient{}).Where("id = ?", client.ID).
		Update("instance_count", gorm.Expr("instance_count + 1"))

	zap.L().Info("instance created",
		zap.String("instance_id", instanceID),
		zap.Int64("client_id", client.ID))
	return ok(c, inst)
}

func deleteInstance(c echo.Context) error {
	instanceID := c.Param("instance_id")
	db := GetDB(c)

	var inst domain.Instance
	if err := db.Where("instance_id = ?", instanceID).First(&inst).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}

	appCtx := GetAppContext(c)
	appCtx.Poller().Cancel(instanceID)
	appCtx.Ensurer().Invalidate(instanceID)

	// a session already gone from the gateway must not block local removal
	ctx := c.Request().Context()
	if err := appCtx.Gateway().Logout(ctx, instanceID); err != nil && !gateway.IsNotReady(err) {
		zap.L().Warn("remote logout before delete failed",
			zap.String("instance_id", instanceID), zap.Error(err))
	}
	if err := appCtx.Gateway().DeleteInstance(ctx, instanceID); err != nil && !gateway.IsNotReady(err) {
		return fail(c, http.StatusBadGateway, "GATEWAY_ERROR", "Failed to remove instance at gateway", err.Error())
	}

	if err := db.Where("instance_id = ?", instanceID).Delete(&domain.Instance{}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete instance", err.Error())
	}
	db.Where("instance_id = ?", instanceID).Delete(&domain.WebhookSubscription{})
	db.Model(&domain.SysClient{}).Where("id = ? AND instance_count > 0", inst.ClientID).
		Update("instance_count", gorm.Expr("instance_count - 1"))

	zap.L().Info("instance deleted", zap.String("instance_id", instanceID))
	return ok(c, map[string]interface{}{"instance_id": instanceID})
}

func connectInstance(c echo.Context) error {
	instanceID := c.Param("instance_id")
	appCtx := GetAppContext(c)

	if err := appCtx.Poller().Begin(c.Request().Context(), instanceID); err != nil {
		if errors.Is(err, instance.ErrIllegalTransition) {
			return fail(c, http.StatusConflict, "ILLEGAL_STATE", "Instance cannot connect from its current state", err.Error())
		}
		return fail(c, http.StatusInternalServerError, "CONNECT_FAILED", "Failed to start connect flow", err.Error())
	}
	return ok(c, map[string]interface{}{"instance_id": instanceID, "started": true})
}

func logoutInstance(c echo.Context) error {
	instanceID := c.Param("instance_id")
	appCtx := GetAppContext(c)
	appCtx.Poller().Cancel(instanceID)

	ctx := c.Request().Context()
	if err := appCtx.Gateway().Logout(ctx, instanceID); err != nil && !gateway.IsNotReady(err) {
		return fail(c, http.StatusBadGateway, "GATEWAY_ERROR", "Failed to logout at gateway", err.Error())
	}

	inst, err := appCtx.Machine().Transition(ctx, instanceID, instance.EventDisconnect, instance.TransitionPayload{
		ConnectionState: domain.ConnStateClose,
	})
	if errors.Is(err, instance.ErrIllegalTransition) {
		return fail(c, http.StatusConflict, "ILLEGAL_STATE", "Instance is not connected", err.Error())
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "LOGOUT_FAILED", "Failed to record logout", err.Error())
	}
	return ok(c, inst)
}

func getInstanceQR(c echo.Context) error {
	instanceID := c.Param("instance_id")
	var inst domain.Instance
	if err := GetDB(c).Where("instance_id = ?", instanceID).First(&inst).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}

	code, valid := instance.CurrentQR(&inst)
	return ok(c, map[string]interface{}{
		"instance_id": instanceID,
		"status":      inst.Status,
		"has_qr":      valid,
		"qr_code":     code,
		"expires_at":  inst.QrExpiresAt,
	})
}

func getInstanceStatus(c echo.Context) error {
	instanceID := c.Param("instance_id")
	var inst domain.Instance
	if err := GetDB(c).Where("instance_id = ?", instanceID).First(&inst).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "INSTANCE_NOT_FOUND", "Instance not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query instance", err.Error())
	}

	resp := map[string]interface{}{
		"instance_id":      instanceID,
		"status":           inst.Status,
		"connection_state": inst.ConnectionState,
		"phone_number":     inst.PhoneNumber,
		"last_synced_at":   inst.LastSyncedAt,
		"polling":          GetAppContext(c).Poller().Active(instanceID),
	}
	// optional live check against the gateway
	if c.QueryParam("live") == "true" {
		state, err := GetAppContext(c).Gateway().ConnectionState(c.Request().Context(), instanceID)
		if err != nil {
			resp["remote_error"] = err.Error()
		} else {
			resp["remote_state"] = state.Instance.State
		}
	}
	return ok(c, resp)
}
