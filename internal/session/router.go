package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/internal/storage"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
	"github.com/samber/lo"
)

// RouterConfig holds message routing settings
type RouterConfig struct {
	HistoryLimit    int // used when a caller passes no limit
	MaxHistoryLimit int
	RetentionLimit  int // messages kept per room, 0 keeps everything
}

// DefaultRouterConfig returns the default router configuration
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		HistoryLimit:    100,
		MaxHistoryLimit: 500,
		RetentionLimit:  500,
	}
}

// Router persists posted messages and fans them out to live connections.
// Persist and fanout for one room run under that room's lock, so every live
// member observes one room's messages in the same order.
type Router struct {
	store       storage.ChatStore
	coordinator *Coordinator
	friends     FriendshipGate
	config      RouterConfig

	roomLocks map[string]*sync.Mutex
	locksMu   sync.Mutex

	now   func() time.Time
	newID func() string
}

// NewRouter creates a message router
func NewRouter(store storage.ChatStore, coordinator *Coordinator, friends FriendshipGate, config RouterConfig) *Router {
	return &Router{
		store:       store,
		coordinator: coordinator,
		friends:     friends,
		config:      config,
		roomLocks:   make(map[string]*sync.Mutex),
		now:         time.Now,
		newID:       uuid.NewString,
	}
}

func (r *Router) roomLock(roomID string) *sync.Mutex {
	r.locksMu.Lock()
	defer r.locksMu.Unlock()

	mu, exists := r.roomLocks[roomID]
	if !exists {
		mu = &sync.Mutex{}
		r.roomLocks[roomID] = mu
	}
	return mu
}

// PostRoomMessage posts body to a room. Rooms whose kind requires membership
// reject senders that are not members. The message is persisted before it is
// delivered to the room's live members and echoed to the sender.
func (r *Router) PostRoomMessage(ctx context.Context, sender models.Identity, roomID, body string, clientTimestamp *time.Time) (*models.Message, error) {
	if strings.TrimSpace(body) == "" {
		messagesRejected.WithLabelValues(string(models.MessageKindRoom), models.KindInvalidRequest).Inc()
		return nil, models.ErrEmptyMessage
	}

	directory := r.coordinator.Directory()
	room, err := directory.Room(ctx, roomID)
	if err != nil {
		messagesRejected.WithLabelValues(string(models.MessageKindRoom), models.KindOf(err)).Inc()
		return nil, err
	}
	if room.Kind.RequiresMembership() {
		if _, err := r.coordinator.Authorize(ctx, sender, room); err != nil {
			messagesRejected.WithLabelValues(string(models.MessageKindRoom), models.KindOf(err)).Inc()
			return nil, err
		}
		if !room.HasMember(sender.Key) {
			messagesRejected.WithLabelValues(string(models.MessageKindRoom), models.KindNotAMember).Inc()
			return nil, fmt.Errorf("%w: %q", models.ErrNotAMember, room.ID)
		}
	}

	msg := models.NewRoomMessage(r.newID(), sender, room.ID, body, r.now(), clientTimestamp)

	mu := r.roomLock(room.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := r.persist(ctx, &msg); err != nil {
		return nil, err
	}

	// Members are read again after persisting so a join that completed while
	// the post was in flight still receives it.
	live, err := directory.LiveMembers(ctx, room.ID)
	if err != nil {
		logger.Warn("Failed to reload room members, using snapshot",
			logger.Room(room.ID),
			logger.ErrorField(err),
		)
		live = directory.liveMembers(room)
	}

	start := time.Now()
	recipients := lo.Map(live, func(id models.Identity, _ int) string { return id.Key })
	recipients = append(recipients, sender.Key)
	sent := r.deliver(lo.Uniq(recipients), EventMessage, &msg)
	fanoutLatency.Observe(time.Since(start).Seconds())

	logger.Debug("Room message delivered",
		logger.Room(room.ID),
		logger.Identity(sender.Key),
		logger.String("message_id", msg.ID),
		logger.Int("recipients", sent),
	)
	return &msg, nil
}

// PostDirectMessage sends body from sender to receiver. The pair must be
// friends. The message is stored under the pair's direct room, which is
// created on first use, and delivered to both identities' connections
// whether or not they joined that room.
func (r *Router) PostDirectMessage(ctx context.Context, sender, receiver models.Identity, body string) (*models.Message, error) {
	kind := string(models.MessageKindDirect)
	if strings.TrimSpace(body) == "" {
		messagesRejected.WithLabelValues(kind, models.KindInvalidRequest).Inc()
		return nil, models.ErrEmptyMessage
	}
	if sender.Key == receiver.Key {
		messagesRejected.WithLabelValues(kind, models.KindInvalidRequest).Inc()
		return nil, fmt.Errorf("%w: cannot message yourself", models.ErrInvalidRequest)
	}

	friends, err := r.friends.AreFriends(ctx, sender.Key, receiver.Key)
	if err != nil {
		return nil, err
	}
	if !friends {
		messagesRejected.WithLabelValues(kind, models.KindNotFriends).Inc()
		return nil, models.ErrNotFriends
	}

	now := r.now()
	room, _, err := r.coordinator.Directory().EnsureRoom(ctx, models.NewDirectRoom(sender.Key, receiver.Key, now))
	if err != nil {
		return nil, err
	}

	msg := models.NewDirectMessage(r.newID(), sender, receiver.Key, body, now)

	mu := r.roomLock(room.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := r.persist(ctx, &msg); err != nil {
		return nil, err
	}

	start := time.Now()
	sent := r.deliver([]string{sender.Key, receiver.Key}, EventPrivateMessage, &msg)
	fanoutLatency.Observe(time.Since(start).Seconds())

	logger.Debug("Direct message delivered",
		logger.Room(room.ID),
		logger.Identity(sender.Key),
		logger.String("message_id", msg.ID),
		logger.Int("recipients", sent),
	)
	return &msg, nil
}

// persist appends msg and trims the room to the retention limit
func (r *Router) persist(ctx context.Context, msg *models.Message) error {
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		messagesRejected.WithLabelValues(string(msg.Kind), models.KindPersistenceFailure).Inc()
		logger.Error("Failed to persist message",
			logger.Room(msg.RoomID),
			logger.Identity(msg.Sender),
			logger.ErrorField(err),
		)
		return fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	messagesPosted.WithLabelValues(string(msg.Kind)).Inc()

	if r.config.RetentionLimit > 0 {
		if err := r.store.PruneMessages(ctx, msg.RoomID, r.config.RetentionLimit); err != nil {
			logger.Warn("Failed to prune room history",
				logger.Room(msg.RoomID),
				logger.ErrorField(err),
			)
		}
	}
	return nil
}

// deliver sends an event to the bound connection of each identity. A failed
// send skips that recipient only. It returns the number of successful sends.
func (r *Router) deliver(identities []string, event string, payload interface{}) int {
	registry := r.coordinator.Registry()
	sent := 0
	for _, identity := range identities {
		endpoint, online := registry.EndpointFor(identity)
		if !online {
			continue
		}
		if err := endpoint.Send(event, payload); err != nil {
			deliveries.WithLabelValues("dropped").Inc()
			logger.Debug("Failed to deliver message",
				logger.ConnectionID(endpoint.ID()),
				logger.Identity(identity),
				logger.ErrorField(err),
			)
			continue
		}
		deliveries.WithLabelValues("sent").Inc()
		sent++
	}
	return sent
}

// History returns up to limit of the most recent messages of a room in
// chronological order. A limit of 0 uses the configured default.
func (r *Router) History(ctx context.Context, roomID string, limit int) ([]*models.Message, error) {
	if _, err := r.coordinator.Directory().Room(ctx, roomID); err != nil {
		return nil, err
	}
	return r.recent(ctx, roomID, limit)
}

// HistoryAs is History for a reader, applying the room's access policy
func (r *Router) HistoryAs(ctx context.Context, reader models.Identity, roomID string, limit int) ([]*models.Message, error) {
	room, err := r.coordinator.Directory().Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Kind.RequiresMembership() {
		if _, err := r.coordinator.Authorize(ctx, reader, room); err != nil {
			return nil, err
		}
	}
	return r.recent(ctx, roomID, limit)
}

// DirectHistory returns the direct messages between two identities. A pair
// that never exchanged messages has an empty history.
func (r *Router) DirectHistory(ctx context.Context, a, b models.Identity, limit int) ([]*models.Message, error) {
	friends, err := r.friends.AreFriends(ctx, a.Key, b.Key)
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, models.ErrNotFriends
	}
	return r.recent(ctx, models.DeriveDirectRoomID(a.Key, b.Key), limit)
}

func (r *Router) recent(ctx context.Context, roomID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = r.config.HistoryLimit
	}
	if r.config.MaxHistoryLimit > 0 && limit > r.config.MaxHistoryLimit {
		limit = r.config.MaxHistoryLimit
	}

	messages, err := r.store.RecentMessages(ctx, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	// Storage answers newest first
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
