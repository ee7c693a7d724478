package adminapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"gorm.io/gorm"

	"github.com/zapgate/zapgate/internal/domain"
	"github.com/zapgate/zapgate/internal/webserver"
	"github.com/zapgate/zapgate/pkg/common"
)

func registerClientRoutes() {
	webserver.ApiGET("/system/clients", listClients)
	webserver.ApiGET("/system/clients/:id", getClient)
	webserver.ApiPOST("/system/clients", createClient)
	webserver.ApiPUT("/system/clients/:id", updateClient)
	webserver.ApiDELETE("/system/clients/:id", deleteClient)
}

func listClients(c echo.Context) error {
	page, pageSize := parsePagination(c)

	query := GetDB(c).Model(&domain.SysClient{})
	if name := strings.TrimSpace(c.QueryParam("name")); name != "" {
		if strings.EqualFold(GetDB(c).Name(), "postgres") {
			query = query.Where("name ILIKE ?", "%"+name+"%")
		} else {
			query = query.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(name)+"%")
		}
	}
	if status := strings.TrimSpace(c.QueryParam("status")); status != "" {
		query = query.Where("status = ?", status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query clients", err.Error())
	}
	var clients []domain.SysClient
	if err := query.Order("id DESC").Offset((page - 1) * pageSize).Limit(pageSize).Find(&clients).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query clients", err.Error())
	}
	return paged(c, clients, total, page, pageSize)
}

func getClient(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid client ID", nil)
	}
	var client domain.SysClient
	if err := GetDB(c).Where("id = ?", id).First(&client).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "CLIENT_NOT_FOUND", "Client not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query client", err.Error())
	}
	return ok(c, client)
}

type clientPayload struct {
	Name         string `json:"name"`
	Company      string `json:"company"`
	Email        string `json:"email"`
	Mobile       string `json:"mobile"`
	MaxInstances int    `json:"max_instances"`
	Status       string `json:"status"`
	Remark       string `json:"remark"`
}

func createClient(c echo.Context) error {
	var payload clientPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse client parameters", nil)
	}
	if strings.TrimSpace(payload.Name) == "" {
		return fail(c, http.StatusBadRequest, "MISSING_NAME", "Client name is required", nil)
	}
	var dup domain.SysClient
	if err := GetDB(c).Where("name = ?", strings.TrimSpace(payload.Name)).First(&dup).Error; err == nil {
		return fail(c, http.StatusConflict, "DUPLICATE_CLIENT", "Client with this name already exists", nil)
	}

	status := payload.Status
	if status == "" {
		status = common.ENABLED
	}
	client := domain.SysClient{
		ID:           common.UUIDint64(),
		Name:         strings.TrimSpace(payload.Name),
		Company:      payload.Company,
		Email:        payload.Email,
		Mobile:       payload.Mobile,
		Token:        common.UUID(),
		MaxInstances: payload.MaxInstances,
		Status:       status,
		Remark:       payload.Remark,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	if err := GetDB(c).Create(&client).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to create client", err.Error())
	}
	return ok(c, client)
}

func updateClient(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid client ID", nil)
	}
	var payload clientPayload
	if err := c.Bind(&payload); err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_REQUEST", "Unable to parse client parameters", nil)
	}
	var client domain.SysClient
	if err := GetDB(c).Where("id = ?", id).First(&client).Error; errors.Is(err, gorm.ErrRecordNotFound) {
		return fail(c, http.StatusNotFound, "CLIENT_NOT_FOUND", "Client not found", nil)
	} else if err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to query client", err.Error())
	}

	updates := map[string]interface{}{}
	if payload.Name != "" {
		updates["name"] = strings.TrimSpace(payload.Name)
	}
	if payload.Company != "" {
		updates["company"] = payload.Company
	}
	if payload.Email != "" {
		updates["email"] = payload.Email
	}
	if payload.Mobile != "" {
		updates["mobile"] = payload.Mobile
	}
	if payload.MaxInstances > 0 {
		updates["max_instances"] = payload.MaxInstances
	}
	if payload.Status != "" {
		updates["status"] = payload.Status
	}
	if payload.Remark != "" {
		updates["remark"] = payload.Remark
	}
	updates["updated_at"] = time.Now()
	if err := GetDB(c).Model(&client).Updates(updates).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to update client", err.Error())
	}
	GetDB(c).Where("id = ?", id).First(&client)
	return ok(c, client)
}

func deleteClient(c echo.Context) error {
	id, err := parseIDParam(c, "id")
	if err != nil {
		return fail(c, http.StatusBadRequest, "INVALID_ID", "Invalid client ID", nil)
	}
	// instances keep their gateway sessions; removing a tenant with live
	// instances would orphan them remotely
	var count int64
	GetDB(c).Model(&domain.Instance{}).Where("client_id = ?", id).Count(&count)
	if count > 0 {
		return fail(c, http.StatusConflict, "CLIENT_HAS_INSTANCES", "Client still owns instances", map[string]interface{}{
			"instance_count": count,
		})
	}
	if err := GetDB(c).Where("id = ?", id).Delete(&domain.SysClient{}).Error; err != nil {
		return fail(c, http.StatusInternalServerError, "DATABASE_ERROR", "Failed to delete client", err.Error())
	}
	return ok(c, map[string]interface{}{"id": id})
}
