package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/provisio/provisio/internal/catalog"
	"github.com/provisio/provisio/internal/core"
	"github.com/provisio/provisio/internal/provisioning"
)

// Pinger is the readiness probe dependency.
type Pinger interface {
	Ping() error
}

type Handler struct {
	tenants  *provisioning.Service
	products *catalog.Service
	repo     Pinger
	logger   *zap.Logger
}

func NewHandler(tenants *provisioning.Service, products *catalog.Service, repo Pinger, logger *zap.Logger) *Handler {
	return &Handler{
		tenants:  tenants,
		products: products,
		repo:     repo,
		logger:   logger,
	}
}

func caller(c *gin.Context) provisioning.Caller {
	return provisioning.Caller{
		TenantID:   c.GetString("tenant_id"),
		TenantType: c.GetString("tenant_type"),
		TenantDSN:  c.GetString("tenant_db"),
	}
}

// respondError writes the {code, msg} wire shape with an HTTP status
// derived from the numeric taxonomy.
func respondError(c *gin.Context, err error) {
	var e *core.Error
	if !errors.As(err, &e) {
		e = core.ModelError(err)
	}
	c.JSON(httpStatus(e.Code), gin.H{"code": e.Code, "msg": e.Msg})
}

func httpStatus(code int) int {
	switch code {
	case 400, 426, 452, 473, 474:
		return http.StatusBadRequest
	case 450, 453, 458, 460, 461, 463:
		return http.StatusNotFound
	case 451, 467, 468:
		return http.StatusConflict
	case 462, 466, 500:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func respondValidation(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code": core.ErrValidation.Code,
		"msg":  core.ErrValidation.Msg,
	})
}
