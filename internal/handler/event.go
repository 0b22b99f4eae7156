package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vinay02022/Spenzaa/internal/auth"
	"github.com/vinay02022/Spenzaa/internal/bus"
	"github.com/vinay02022/Spenzaa/internal/model"
	"github.com/vinay02022/Spenzaa/internal/store"
	"github.com/vinay02022/Spenzaa/internal/worker"
)

type EventHandler struct {
	store     *store.Store
	rdb       *redis.Client
	bus       *bus.Bus
	jwtSecret string
}

func NewEventHandler(s *store.Store, rdb *redis.Client, b *bus.Bus, jwtSecret string) *EventHandler {
	return &EventHandler{store: s, rdb: rdb, bus: b, jwtSecret: jwtSecret}
}

type receiveEventRequest struct {
	Payload   json.RawMessage `json:"payload"`
	EventType *string         `json:"event_type,omitempty"`
	Source    *string         `json:"source,omitempty"`
}

// Ingest accepts an inbound event for a subscription, persists it at
// RECEIVED and enqueues the first delivery attempt. The response means
// "accepted", never "delivered": the caller does not wait on the callback.
func (h *EventHandler) Ingest(c *gin.Context) {
	subscriptionID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscription id"})
		return
	}

	var req receiveEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(req.Payload) == 0 || !json.Valid(req.Payload) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload must be valid JSON"})
		return
	}

	sub, err := h.store.Subscriptions.GetByID(c.Request.Context(), subscriptionID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "subscription not found"})
			return
		}
		slog.Error("failed to load subscription", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load subscription"})
		return
	}
	if sub.Status != model.SubscriptionActive {
		c.JSON(http.StatusBadRequest, gin.H{"error": "subscription is not active"})
		return
	}
	if len(sub.EventTypes) > 0 {
		if req.EventType == nil || !slices.Contains(sub.EventTypes, *req.EventType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "event type not accepted by subscription"})
			return
		}
	}

	// Snapshot of the inbound request headers, stored opaquely.
	headerMap := make(map[string]string, len(c.Request.Header))
	for key := range c.Request.Header {
		headerMap[key] = c.Request.Header.Get(key)
	}
	headersJSON, _ := json.Marshal(headerMap)

	event, err := h.store.Events.Create(c.Request.Context(), subscriptionID, req.Payload, req.EventType, req.Source, headersJSON)
	if err != nil {
		slog.Error("failed to create event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store event"})
		return
	}

	h.bus.Publish(bus.Notification{
		Kind:           bus.KindReceived,
		RecipientID:    sub.UserID,
		EventID:        event.ID,
		SubscriptionID: sub.ID,
		EventType:      event.EventType,
		Source:         event.Source,
		Status:         string(event.Status),
		Attempts:       event.Attempts,
		Timestamp:      event.CreatedAt,
	})

	// Fire-and-forget delivery trigger. An enqueue failure is logged and
	// the event stays at RECEIVED until re-sent; nothing sweeps it up.
	if err := worker.Enqueue(c.Request.Context(), h.rdb, event.ID); err != nil {
		slog.Error("failed to enqueue delivery", "error", err, "event_id", event.ID)
	}

	c.JSON(http.StatusAccepted, event)
}

func (h *EventHandler) List(c *gin.Context) {
	userID := auth.UserID(c)

	var subscriptionID *uuid.UUID
	if raw := c.Query("subscriptionId"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid subscriptionId"})
			return
		}
		subscriptionID = &id
	}

	events, err := h.store.Events.ListByUser(c.Request.Context(), userID, subscriptionID, 100)
	if err != nil {
		slog.Error("failed to list events", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	c.JSON(http.StatusOK, events)
}

type eventDetailResponse struct {
	model.Event
	DeliveryAttempts []model.DeliveryAttempt `json:"delivery_attempts"`
}

func (h *EventHandler) Get(c *gin.Context) {
	userID := auth.UserID(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	event, err := h.store.Events.GetForUser(c.Request.Context(), id, userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		slog.Error("failed to get event", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get event"})
		return
	}

	attempts, err := h.store.Events.ListAttempts(c.Request.Context(), id)
	if err != nil {
		slog.Error("failed to list attempts", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list attempts"})
		return
	}
	if attempts == nil {
		attempts = []model.DeliveryAttempt{}
	}

	c.JSON(http.StatusOK, eventDetailResponse{Event: *event, DeliveryAttempts: attempts})
}

// Stream pushes the caller's delivery notifications over SSE. The token
// rides in the query string because EventSource cannot set headers. The
// stream carries no history; a reconnecting client polls GET /events to
// catch up.
func (h *EventHandler) Stream(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token query parameter"})
		return
	}
	userID, err := auth.ParseToken(h.jwtSecret, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	ch, cancel := h.bus.Subscribe(userID)
	defer cancel()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case n := <-ch:
			c.SSEvent(string(n.Kind), n)
			return true
		case <-clientGone:
			return false
		}
	})
}
