package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/provisio/provisio/internal/provisioning"
)

func (h *Handler) ListTenants(c *gin.Context) {
	tenants, err := h.tenants.List(c.Request.Context(), caller(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tenants)
}

// CreateTenant runs the provisioning pipeline. The response carries the
// full persisted record including any generated key material; internal key
// values are returned once and callers are expected to persist them.
func (h *Handler) CreateTenant(c *gin.Context) {
	var req provisioning.CreateTenantInput
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("invalid create tenant payload", zap.Error(err))
		respondValidation(c)
		return
	}

	tenant, err := h.tenants.Create(c.Request.Context(), caller(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tenant)
}

func (h *Handler) GetTenant(c *gin.Context) {
	tenant, err := h.tenants.Get(c.Request.Context(), caller(c), c.Query("id"), c.Query("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tenant)
}

func (h *Handler) DeleteTenant(c *gin.Context) {
	if err := h.tenants.Delete(c.Request.Context(), caller(c), c.Query("id"), c.Query("code")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handler) ListTenantApplications(c *gin.Context) {
	apps, err := h.tenants.ListApplications(c.Request.Context(), caller(c), c.Query("id"), c.Query("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, apps)
}

func (h *Handler) ListApplicationExtKeys(c *gin.Context) {
	extKeys, err := h.tenants.ListApplicationExtKeys(c.Request.Context(), caller(c),
		c.Query("id"), c.Query("appId"), c.Query("key"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, extKeys)
}

type addAppKeyRequest struct {
	ID     string                 `json:"id" binding:"required"`
	AppID  string                 `json:"appId" binding:"required"`
	Config map[string]interface{} `json:"config"`
}

func (h *Handler) AddApplicationKey(c *gin.Context) {
	var req addAppKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c)
		return
	}

	tenant, err := h.tenants.AddApplicationKey(c.Request.Context(), caller(c), req.ID, req.AppID, req.Config)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tenant)
}

type addAppExtKeyRequest struct {
	ID     string                   `json:"id" binding:"required"`
	AppID  string                   `json:"appId" binding:"required"`
	Key    string                   `json:"key" binding:"required"`
	ExtKey provisioning.ExtKeyInput `json:"extKey" binding:"required"`
}

func (h *Handler) AddApplicationExtKey(c *gin.Context) {
	var req addAppExtKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c)
		return
	}

	tenant, err := h.tenants.AddApplicationExtKey(c.Request.Context(), caller(c),
		req.ID, req.AppID, req.Key, &req.ExtKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tenant)
}
