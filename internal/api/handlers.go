package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/internal/session"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
	"github.com/samber/lo"
)

// statusFor maps a domain error to an HTTP status
func statusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindSessionRequired, models.KindAuthFailed:
		return http.StatusUnauthorized
	case models.KindNotAMember, models.KindNotFriends:
		return http.StatusForbidden
	case models.KindRoomNotFound, models.KindUserNotFound:
		return http.StatusNotFound
	case models.KindInvalidRequest:
		return http.StatusBadRequest
	case models.KindAlreadyRegistered:
		return http.StatusConflict
	case models.KindPersistenceFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondWithDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("Request failed",
			logger.String("path", r.URL.Path),
			logger.ErrorField(err),
		)
		logger.ErrorsTotal.WithLabelValues("api", models.KindOf(err)).Inc()
		if status == http.StatusInternalServerError {
			respondWithError(w, status, "Internal server error")
			return
		}
	}
	respondWithError(w, status, err.Error())
}

// RoomHandler handles room endpoints
type RoomHandler struct {
	directory *session.RoomDirectory
	router    *session.Router
	onCreated func(ctx context.Context)
}

// NewRoomHandler creates a new room handler. onCreated, if set, runs after a
// room is created.
func NewRoomHandler(directory *session.RoomDirectory, router *session.Router, onCreated func(ctx context.Context)) *RoomHandler {
	return &RoomHandler{
		directory: directory,
		router:    router,
		onCreated: onCreated,
	}
}

// ListRooms handles GET /api/v1/rooms
func (h *RoomHandler) ListRooms(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())
	rooms, err := h.directory.VisibleRooms(r.Context(), identity)
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}

	views := lo.Map(rooms, func(room *models.Room, _ int) session.RoomView {
		return session.NewRoomView(room)
	})
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"rooms": views,
		"count": len(views),
	})
}

// CreateRoomRequest is the body of POST /api/v1/rooms
type CreateRoomRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
}

// CreateRoom handles POST /api/v1/rooms
func (h *RoomHandler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	identity, ok := IdentityFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	room, err := h.directory.CreateRoom(r.Context(), req.Name, req.Description, models.RoomKind(req.Type), identity)
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}
	if h.onCreated != nil {
		h.onCreated(r.Context())
	}

	respondWithJSON(w, http.StatusCreated, session.NewRoomView(room))
}

// GetMessages handles GET /api/v1/rooms/{id}/messages
func (h *RoomHandler) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]

	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = parsed
	}

	var messages []*models.Message
	var err error
	if identity, ok := IdentityFromContext(r.Context()); ok {
		messages, err = h.router.HistoryAs(r.Context(), identity, roomID, limit)
	} else {
		messages, err = h.publicHistory(r.Context(), roomID, limit)
	}
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"room":     roomID,
		"messages": messages,
		"count":    len(messages),
	})
}

// publicHistory serves anonymous readers, who only see public rooms
func (h *RoomHandler) publicHistory(ctx context.Context, roomID string, limit int) ([]*models.Message, error) {
	room, err := h.directory.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Kind.RequiresMembership() {
		return nil, models.ErrSessionRequired
	}
	return h.router.History(ctx, roomID, limit)
}

// HandleResolver finds an identity by handle
type HandleResolver interface {
	ResolveHandle(ctx context.Context, handle string) (models.Identity, error)
}

// PresenceHandler reports whether users are online
type PresenceHandler struct {
	accounts HandleResolver
	registry *session.ConnectionRegistry
}

// NewPresenceHandler creates a new presence handler
func NewPresenceHandler(accounts HandleResolver, registry *session.ConnectionRegistry) *PresenceHandler {
	return &PresenceHandler{
		accounts: accounts,
		registry: registry,
	}
}

// GetPresence handles GET /api/v1/users/{handle}/presence
func (h *PresenceHandler) GetPresence(w http.ResponseWriter, r *http.Request) {
	identity, err := h.accounts.ResolveHandle(r.Context(), mux.Vars(r)["handle"])
	if err != nil {
		respondWithDomainError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"username": identity.Handle,
		"online":   h.registry.IsOnline(identity.Key),
	})
}

// ListOnline handles GET /api/v1/presence
func (h *PresenceHandler) ListOnline(w http.ResponseWriter, r *http.Request) {
	online := lo.Map(h.registry.OnlineIdentities(), func(identity models.Identity, _ int) string {
		return identity.Handle
	})
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"online": online,
		"count":  len(online),
	})
}

// HealthHandler serves the health, readiness and stats endpoints
type HealthHandler struct {
	ready func(ctx context.Context) error
	stats func() interface{}
}

// NewHealthHandler creates a health handler. ready probes the backing store;
// stats returns the current service statistics.
func NewHealthHandler(ready func(ctx context.Context) error, stats func() interface{}) *HealthHandler {
	return &HealthHandler{ready: ready, stats: stats}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			logger.Warn("Readiness check failed", logger.ErrorField(err))
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Live handles GET /live
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Stats handles GET /stats
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		respondWithJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	respondWithJSON(w, http.StatusOK, h.stats())
}
