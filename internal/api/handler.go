package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/orderalert/internal/auth"
	"github.com/lalithlochan/orderalert/internal/db"
	"github.com/lalithlochan/orderalert/internal/notify"
	"github.com/lalithlochan/orderalert/internal/stream"
)

// NotificationService is the subset of notify.Service the handlers use.
type NotificationService interface {
	NotifyNewOrder(ctx context.Context, orderID string) (*db.Notification, error)
	Acknowledge(ctx context.Context, id uuid.UUID, adminID string) (*db.Notification, error)
	Resolve(ctx context.Context, id uuid.UUID, adminID string) (*db.Notification, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Notification, error)
	List(ctx context.Context, filter db.ListFilter, limit int) ([]*db.Notification, error)
	Subscribe(ctx context.Context, adminID, endpoint string, keys db.PushKeys) (*db.PushSubscription, error)
	Unsubscribe(ctx context.Context, endpoint string) error
	ClientConfig() notify.ClientConfig
}

// StreamRegistry opens dashboard event streams.
type StreamRegistry interface {
	Register(w http.ResponseWriter, id auth.Identity) (*stream.Conn, error)
}

// SubscribeRequest is the body of POST /notifications/subscribe, in the
// shape the browser PushSubscription serialises to.
type SubscribeRequest struct {
	Subscription struct {
		Endpoint string `json:"endpoint" validate:"required,url"`
		Keys     struct {
			P256dh string `json:"p256dh" validate:"required"`
			Auth   string `json:"auth" validate:"required"`
		} `json:"keys"`
	} `json:"subscription"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint" validate:"required"`
}

type ListResponse struct {
	Notifications []*db.Notification `json:"notifications"`
	Count         int                `json:"count"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	service  NotificationService
	streams  StreamRegistry
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(service NotificationService, streams StreamRegistry, logger *zap.Logger) *Handler {
	return &Handler{
		service:  service,
		streams:  streams,
		validate: newValidator(),
		logger:   logger,
	}
}

// Stream handles GET /stream. It holds the request open until the stream ends.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())

	conn, err := h.streams.Register(w, id)
	if errors.Is(err, auth.ErrForbidden) {
		writeError(w, http.StatusForbidden, "forbidden", "Admin role required", "")
		return
	}
	if errors.Is(err, stream.ErrStreamingUnsupported) {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "Streaming unsupported", "")
		return
	}
	if err != nil {
		// headers are already out; the client sees a dropped stream
		h.logger.Warn("failed to open stream", zap.String("admin_id", id.AdminID), zap.Error(err))
		return
	}

	if err := conn.Serve(r.Context()); err != nil {
		h.logger.Debug("stream ended", zap.String("client_id", conn.ID()), zap.Error(err))
	}
}

// ListNotifications handles GET /notifications
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter db.ListFilter
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			if !db.ValidStatus(s) {
				writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
					"status must be one of new, acknowledged, handled, escalated")
				return
			}
			filter.Statuses = append(filter.Statuses, s)
		}
	}

	if raw := q.Get("unread"); raw != "" {
		unread, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid unread", "unread must be true or false")
			return
		}
		filter.UnreadOnly = unread
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	list, err := h.service.List(r.Context(), filter, limit)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}
	if list == nil {
		list = []*db.Notification{}
	}

	writeJSON(w, http.StatusOK, ListResponse{Notifications: list, Count: len(list)})
}

// GetNotification handles GET /notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}

	n, err := h.service.Get(r.Context(), id)
	if err != nil {
		if writeServiceError(w, err) {
			h.logger.Error("failed to get notification", zap.String("notification_id", id.String()), zap.Error(err))
		}
		return
	}

	writeJSON(w, http.StatusOK, n)
}

// MarkRead handles PATCH /notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "acknowledge", h.service.Acknowledge)
}

// MarkHandled handles PATCH /notifications/{id}/handled
func (h *Handler) MarkHandled(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "resolve", h.service.Resolve)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, action string,
	apply func(context.Context, uuid.UUID, string) (*db.Notification, error)) {
	id, ok := h.notificationID(w, r)
	if !ok {
		return
	}
	admin, _ := auth.FromContext(r.Context())

	n, err := apply(r.Context(), id, admin.AdminID)
	if err != nil {
		if writeServiceError(w, err) {
			h.logger.Error("failed to "+action+" notification",
				zap.String("notification_id", id.String()),
				zap.Error(err),
			)
		}
		return
	}

	h.logger.Info("notification "+action+"d",
		zap.String("notification_id", id.String()),
		zap.String("admin_id", admin.AdminID),
		zap.String("status", n.Status),
	)

	writeJSON(w, http.StatusOK, n)
}

// Subscribe handles POST /notifications/subscribe
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if !h.decode(w, r, &req) {
		return
	}
	admin, _ := auth.FromContext(r.Context())

	sub, err := h.service.Subscribe(r.Context(), admin.AdminID, req.Subscription.Endpoint, db.PushKeys{
		P256dh: req.Subscription.Keys.P256dh,
		Auth:   req.Subscription.Keys.Auth,
	})
	if err != nil {
		h.logger.Error("failed to save push subscription", zap.String("admin_id", admin.AdminID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to save subscription", "")
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe handles POST /notifications/unsubscribe
func (h *Handler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.service.Unsubscribe(r.Context(), req.Endpoint); err != nil {
		h.logger.Error("failed to deactivate push subscription", zap.String("endpoint", req.Endpoint), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "database_error", "Failed to remove subscription", "")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Config handles GET /notifications/config
func (h *Handler) Config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ClientConfig())
}

// OrderPlaced handles POST /internal/orders/{orderId}/placed
func (h *Handler) OrderPlaced(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if strings.TrimSpace(orderID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "Missing order id", "")
		return
	}

	n, err := h.service.NotifyNewOrder(r.Context(), orderID)
	if err != nil {
		if writeServiceError(w, err) {
			h.logger.Error("failed to notify order", zap.String("order_id", orderID), zap.Error(err))
		}
		return
	}

	writeJSON(w, http.StatusCreated, n)
}

func (h *Handler) notificationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		fields := validationFields(err)
		if fields == nil {
			writeError(w, http.StatusBadRequest, "validation_error", "Validation failed", err.Error())
			return false
		}
		writeProblem(w, ErrorResponse{
			Type:   "validation_error",
			Title:  "Validation failed",
			Status: http.StatusBadRequest,
			Detail: validationDetail(fields),
			Fields: fields,
		})
		return false
	}
	return true
}
