package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes groups the handlers served by the router
type Routes struct {
	Rooms     *RoomHandler
	Presence  *PresenceHandler
	Health    *HealthHandler
	WebSocket http.Handler
}

// NewRouter builds the HTTP routes
func NewRouter(routes Routes) *mux.Router {
	router := mux.NewRouter()

	// API v1 routes
	v1 := router.PathPrefix("/api/v1").Subrouter()

	if routes.Rooms != nil {
		v1.HandleFunc("/rooms", routes.Rooms.ListRooms).Methods("GET")
		v1.HandleFunc("/rooms", routes.Rooms.CreateRoom).Methods("POST")
		v1.HandleFunc("/rooms/{id}/messages", routes.Rooms.GetMessages).Methods("GET")
	}

	if routes.Presence != nil {
		v1.HandleFunc("/presence", routes.Presence.ListOnline).Methods("GET")
		v1.HandleFunc("/users/{handle}/presence", routes.Presence.GetPresence).Methods("GET")
	}

	// Health check endpoints
	if routes.Health != nil {
		router.HandleFunc("/health", routes.Health.Health).Methods("GET")
		router.HandleFunc("/ready", routes.Health.Ready).Methods("GET")
		router.HandleFunc("/live", routes.Health.Live).Methods("GET")
		router.HandleFunc("/stats", routes.Health.Stats).Methods("GET")
	}

	if routes.WebSocket != nil {
		router.Handle("/ws", routes.WebSocket)
	}

	// Metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	return router
}
