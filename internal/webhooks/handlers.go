package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/fraudwatch/internal/idgen"
	"github.com/mbd888/fraudwatch/internal/security"
	"github.com/mbd888/fraudwatch/internal/validation"
)

// Handler serves subscription management.
type Handler struct {
	store    Store
	validate func(ctx context.Context, url string) error
	now      func() time.Time
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store, validate: security.ValidateEndpointURL, now: time.Now}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", h.DeleteWebhook)
}

type CreateWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks. The secret is only ever
// returned here.
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invalid request body"})
		return
	}

	req.URL = strings.TrimSpace(req.URL)
	checks := []validation.Check{
		func() *validation.FieldError {
			if req.URL == "" {
				return &validation.FieldError{Field: "url", Message: "is required"}
			}
			return nil
		},
		func() *validation.FieldError {
			if len(req.Events) == 0 {
				return &validation.FieldError{Field: "events", Message: "must not be empty"}
			}
			return nil
		},
	}
	for _, ev := range req.Events {
		checks = append(checks, validation.OneOf("events", ev, EventTypes...))
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		validation.Abort(c, errs)
		return
	}
	if err := h.validate(c.Request.Context(), req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_endpoint", "message": err.Error()})
		return
	}

	events := make([]EventType, 0, len(req.Events))
	for _, ev := range req.Events {
		if t := EventType(ev); !slices.Contains(events, t) {
			events = append(events, t)
		}
	}
	secret, err := newSecret()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create secret"})
		return
	}
	sub := &Subscription{
		ID:        idgen.WithPrefix(idgen.PrefixWebhook),
		URL:       req.URL,
		Secret:    secret,
		Events:    events,
		Active:    true,
		CreatedAt: h.now().UTC(),
	}
	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create webhook"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook":          sub,
		"secret":           secret,
		"signature_header": HeaderSignature,
	})
}

// ListWebhooks handles GET /v1/webhooks.
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list webhooks"})
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id.
func (h *Handler) DeleteWebhook(c *gin.Context) {
	err := h.store.Delete(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "webhook not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to delete webhook"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "deleted"})
	}
}

func newSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
