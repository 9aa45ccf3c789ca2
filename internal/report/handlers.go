package report

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fraudwatch/internal/validation"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Handler provides HTTP endpoints for fraud reports.
type Handler struct {
	service *Service
}

// NewHandler creates a new report handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up report routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/fraud/report", h.GetReport)
	r.GET("/fraud/reports", h.ListReports)
	r.GET("/fraud/reports/:id", h.GetReportByID)
}

// GetReport handles GET /v1/fraud/report
func (h *Handler) GetReport(c *gin.Context) {
	var refresh bool
	if errs := validation.Validate(validation.Bool("refresh", c.Query("refresh"), &refresh)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}

	r, err := h.service.Current(c.Request.Context(), refresh)
	if err != nil {
		code, msg := "export_failed", "Failed to export report"
		status := http.StatusInternalServerError
		if errors.Is(err, ErrNoLabels) {
			status, code, msg = http.StatusUnprocessableEntity, "no_labels", err.Error()
		}
		c.JSON(status, gin.H{"error": code, "message": msg})
		return
	}
	c.JSON(http.StatusOK, r)
}

// GetReportByID handles GET /v1/fraud/reports/:id
func (h *Handler) GetReportByID(c *gin.Context) {
	r, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Report not found",
			})
			return
		}
		storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// ListReports handles GET /v1/fraud/reports
func (h *Handler) ListReports(c *gin.Context) {
	limit := defaultListLimit
	if errs := validation.Validate(validation.IntAtLeast("limit", c.Query("limit"), 1, &limit)); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	limit = min(limit, maxListLimit)

	reports, err := h.service.List(c.Request.Context(), limit)
	if err != nil {
		storeError(c, err)
		return
	}
	if reports == nil {
		reports = []*Report{}
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports, "count": len(reports)})
}

func storeError(c *gin.Context, err error) {
	if errors.Is(err, ErrStoreUnavailable) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "store_unavailable",
			"message": "Report history is temporarily unavailable",
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": err.Error(),
	})
}
