package wsgateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mohamedkhairy/echoroom/internal/config"
	"github.com/mohamedkhairy/echoroom/internal/session"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
	"github.com/samber/lo"
)

const eventTimeout = 10 * time.Second

// Hub accepts WebSocket connections and runs their pumps
type Hub struct {
	config      config.GatewayConfig
	coordinator *session.Coordinator
	handler     *Handler
	upgrader    websocket.Upgrader
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	mu          sync.RWMutex
	running     bool
	stats       HubStats
}

// HubStats holds statistics about the hub
type HubStats struct {
	ConnectionsTotal  int64     `json:"connections_total"`
	ConnectionsActive int64     `json:"connections_active"`
	ConnectionsDenied int64     `json:"connections_denied"`
	EventsReceived    int64     `json:"events_received"`
	EventsMalformed   int64     `json:"events_malformed"`
	StaleClosed       int64     `json:"stale_closed"`
	LastEventTime     time.Time `json:"last_event_time"`
	mu                sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(cfg config.GatewayConfig, coordinator *session.Coordinator, handler *Handler) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		config:      cfg,
		coordinator: coordinator,
		handler:     handler,
		ctx:         ctx,
		cancel:      cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || lo.Contains(h.config.AllowedOrigins, origin)
}

// Start starts the connection health monitor
func (h *Hub) Start() error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	logger.Info("Starting WebSocket hub",
		logger.Int("max_connections", h.config.MaxConnections),
		logger.Duration("ping_interval", h.config.PingInterval),
	)

	h.wg.Add(1)
	go h.monitorConnections()

	return nil
}

// Stop closes every connection and waits for the pumps to exit
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	logger.Info("Stopping WebSocket hub")
	h.cancel()
	for _, endpoint := range h.coordinator.Registry().Endpoints() {
		endpoint.Close()
	}
	h.wg.Wait()
	logger.Info("WebSocket hub stopped")
}

// ServeHTTP upgrades the request and registers the connection
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.config.MaxConnections > 0 && h.coordinator.Registry().Count() >= h.config.MaxConnections {
		h.incrementConnectionsDenied()
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("WebSocket upgrade failed", logger.ErrorField(err))
		return
	}

	conn := NewConnection(uuid.NewString(), ws, h.config.SendBufferSize)
	h.Register(conn)
}

// Register registers a new connection and starts its pumps
func (h *Hub) Register(conn *Connection) {
	h.coordinator.Connect(conn)
	h.incrementConnectionsTotal()
	h.incrementConnectionsActive()

	logger.Info("Connection registered",
		logger.ConnectionID(conn.ID()),
		logger.String("remote_addr", conn.remoteAddr),
		logger.Int("total_connections", h.coordinator.Registry().Count()),
	)

	_ = conn.Send(EventConnected, map[string]string{"connection_id": conn.ID()})

	h.wg.Add(2)
	go h.writePump(conn)
	go h.readPump(conn)
}

// Unregister tears a connection down. Only the first call has an effect.
func (h *Hub) Unregister(conn *Connection) {
	conn.unregister.Do(func() {
		conn.Close()
		ctx, cancel := context.WithTimeout(context.Background(), eventTimeout)
		defer cancel()
		h.coordinator.Disconnect(ctx, conn.ID())
		h.decrementConnectionsActive()

		logger.Info("Connection unregistered",
			logger.ConnectionID(conn.ID()),
			logger.Duration("lifetime", time.Since(conn.CreatedAt())),
			logger.Int("total_connections", h.coordinator.Registry().Count()),
		)
	})
}

// writePump pumps messages from the send queue to the WebSocket connection
func (h *Hub) writePump(conn *Connection) {
	defer h.wg.Done()
	defer h.Unregister(conn)
	defer conn.Conn.Close()

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			h.flush(conn)
			return

		case message := <-conn.send:
			if err := h.write(conn, websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := h.write(conn, websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes whatever is still queued, then a close frame
func (h *Hub) flush(conn *Connection) {
	for {
		select {
		case message := <-conn.send:
			if err := h.write(conn, websocket.TextMessage, message); err != nil {
				return
			}
		default:
			_ = h.write(conn, websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (h *Hub) write(conn *Connection, messageType int, data []byte) error {
	conn.Conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
	return conn.Conn.WriteMessage(messageType, data)
}

// readPump pumps events from the WebSocket connection to the handler
func (h *Hub) readPump(conn *Connection) {
	defer h.wg.Done()
	defer h.Unregister(conn)

	registry := h.coordinator.Registry()
	if h.config.MaxMessageSize > 0 {
		conn.Conn.SetReadLimit(h.config.MaxMessageSize)
	}
	conn.Conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		registry.Touch(conn.ID())
		conn.Conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := conn.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Debug("WebSocket error",
					logger.ErrorField(err),
					logger.ConnectionID(conn.ID()),
				)
			}
			return
		}
		registry.Touch(conn.ID())
		conn.Conn.SetReadDeadline(time.Now().Add(h.config.ReadTimeout))

		// Parse client message
		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil || clientMsg.Event == "" {
			h.incrementEventsMalformed()
			_ = conn.Send(EventError, ErrorPayload{Kind: "invalid_request", Message: "failed to parse message"})
			continue
		}
		h.incrementEventsReceived()

		ctx, cancel := context.WithTimeout(h.ctx, eventTimeout)
		ctx = logger.NewContext(ctx, logger.ConnectionID(conn.ID()), logger.String("event", clientMsg.Event))
		if err := h.handler.HandleClientMessage(ctx, conn, &clientMsg); err != nil {
			logger.FromContext(ctx).Debug("Failed to handle client message", logger.ErrorField(err))
		}
		cancel()
	}
}

// monitorConnections closes connections that stopped answering pings
func (h *Hub) monitorConnections() {
	defer h.wg.Done()

	interval := h.config.StaleCheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return

		case <-ticker.C:
			staleThreshold := h.config.ReadTimeout * 2
			for _, endpoint := range h.coordinator.Registry().Stale(staleThreshold) {
				logger.Info("Closing stale connection",
					logger.ConnectionID(endpoint.ID()),
					logger.Duration("threshold", staleThreshold),
				)
				h.incrementStaleClosed()
				endpoint.Close()
			}
		}
	}
}

// GetStats returns hub statistics
func (h *Hub) GetStats() HubStats {
	h.stats.mu.RLock()
	defer h.stats.mu.RUnlock()

	// Return a copy
	return HubStats{
		ConnectionsTotal:  h.stats.ConnectionsTotal,
		ConnectionsActive: int64(h.coordinator.Registry().Count()),
		ConnectionsDenied: h.stats.ConnectionsDenied,
		EventsReceived:    h.stats.EventsReceived,
		EventsMalformed:   h.stats.EventsMalformed,
		StaleClosed:       h.stats.StaleClosed,
		LastEventTime:     h.stats.LastEventTime,
	}
}

// Stats increment methods
func (h *Hub) incrementConnectionsTotal() {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	h.stats.ConnectionsTotal++
}

func (h *Hub) incrementConnectionsActive() {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	h.stats.ConnectionsActive++
}

func (h *Hub) decrementConnectionsActive() {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	if h.stats.ConnectionsActive > 0 {
		h.stats.ConnectionsActive--
	}
}

func (h *Hub) incrementConnectionsDenied() {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	h.stats.ConnectionsDenied++
}

func (h *Hub) incrementEventsReceived() {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	h.stats.EventsReceived++
	h.stats.LastEventTime = time.Now()
}

func (h *Hub) incrementEventsMalformed() {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	h.stats.EventsMalformed++
}

func (h *Hub) incrementStaleClosed() {
	h.stats.mu.Lock()
	defer h.stats.mu.Unlock()
	h.stats.StaleClosed++
}
