package handler

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/vinay02022/Spenzaa/internal/auth"
	"github.com/vinay02022/Spenzaa/internal/model"
	"github.com/vinay02022/Spenzaa/internal/script"
	"github.com/vinay02022/Spenzaa/internal/store"
)

type SubscriptionHandler struct {
	store *store.Store
}

func NewSubscriptionHandler(s *store.Store) *SubscriptionHandler {
	return &SubscriptionHandler{store: s}
}

type createSubscriptionRequest struct {
	SourceURL       string   `json:"source_url"`
	CallbackURL     string   `json:"callback_url"`
	EventTypes      []string `json:"event_types,omitempty"`
	TransformScript *string  `json:"transform_script,omitempty"`
}

func (h *SubscriptionHandler) Create(c *gin.Context) {
	userID := auth.UserID(c)

	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SourceURL == "" || req.CallbackURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_url and callback_url are required"})
		return
	}
	if req.TransformScript != nil {
		if err := script.Validate(*req.TransformScript); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	// Shared secret sent back to the callback on every delivery.
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate secret"})
		return
	}
	secret := hex.EncodeToString(raw)

	sub, err := h.store.Subscriptions.Create(c.Request.Context(), userID, req.SourceURL, req.CallbackURL, secret, req.EventTypes, req.TransformScript)
	if err != nil {
		slog.Error("failed to create subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create subscription"})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

func (h *SubscriptionHandler) List(c *gin.Context) {
	userID := auth.UserID(c)

	subs, err := h.store.Subscriptions.ListByUser(c.Request.Context(), userID)
	if err != nil {
		slog.Error("failed to list subscriptions", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list subscriptions"})
		return
	}
	if subs == nil {
		subs = []model.Subscription{}
	}
	c.JSON(http.StatusOK, subs)
}

// Cancel flips the subscription to CANCELLED and force-fails its pending
// events. Safe to call twice.
func (h *SubscriptionHandler) Cancel(c *gin.Context) {
	userID := auth.UserID(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}

	sub, err := h.store.Subscriptions.Cancel(c.Request.Context(), id, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		slog.Error("failed to cancel subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel subscription"})
		return
	}
	c.JSON(http.StatusOK, sub)
}
