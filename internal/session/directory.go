package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/internal/storage"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
	"github.com/samber/lo"
)

// RoomDirectory owns durable room membership (through the store) and the
// transport-level room subscriptions of live connections
type RoomDirectory struct {
	store    storage.ChatStore
	registry *ConnectionRegistry

	subscribers map[string]map[string]struct{} // room_id -> connection_ids
	joined      map[string]map[string]struct{} // connection_id -> room_ids
	mu          sync.RWMutex
}

// NewRoomDirectory creates a new room directory
func NewRoomDirectory(store storage.ChatStore, registry *ConnectionRegistry) *RoomDirectory {
	return &RoomDirectory{
		store:       store,
		registry:    registry,
		subscribers: make(map[string]map[string]struct{}),
		joined:      make(map[string]map[string]struct{}),
	}
}

// EnsureRoom creates room if no room with its id exists and returns the
// stored room. An existing room is returned unchanged.
func (d *RoomDirectory) EnsureRoom(ctx context.Context, room *models.Room) (*models.Room, bool, error) {
	if err := room.Validate(); err != nil {
		return nil, false, err
	}
	created, err := d.store.PutRoom(ctx, room)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	if created {
		return room.Clone(), true, nil
	}
	existing, err := d.Room(ctx, room.ID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Room loads a room
func (d *RoomDirectory) Room(ctx context.Context, roomID string) (*models.Room, error) {
	room, err := d.store.GetRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", models.ErrRoomNotFound, roomID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return room, nil
}

// Rooms lists every non-direct room
func (d *RoomDirectory) Rooms(ctx context.Context) ([]*models.Room, error) {
	rooms, err := d.store.ListRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return rooms, nil
}

// CreateRoom creates a client-named room with creator as its first member.
// The room id is derived from name. Direct rooms cannot be created this way.
func (d *RoomDirectory) CreateRoom(ctx context.Context, name, description string, kind models.RoomKind, creator models.Identity) (*models.Room, error) {
	if kind == "" {
		kind = models.RoomKindPublic
	}
	if kind == models.RoomKindDirect {
		return nil, fmt.Errorf("%w: direct rooms are created by messaging a friend", models.ErrInvalidRequest)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: unknown room type %q", models.ErrInvalidRequest, kind)
	}
	id := models.RoomSlug(name)
	if id == "" {
		return nil, fmt.Errorf("%w: room name must contain letters or digits", models.ErrInvalidRequest)
	}

	room, created, err := d.EnsureRoom(ctx, models.NewRoom(id, strings.TrimSpace(name), description, kind, creator.Key, time.Now()))
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, fmt.Errorf("%w: room %q already exists", models.ErrInvalidRequest, id)
	}

	logger.Info("Room created",
		logger.Room(room.ID),
		logger.Identity(creator.Key),
		logger.String("type", string(room.Kind)),
	)
	return room, nil
}

// VisibleRooms lists the rooms identity may see. Private rooms are listed to
// their members only. A zero identity sees no private rooms.
func (d *RoomDirectory) VisibleRooms(ctx context.Context, identity models.Identity) ([]*models.Room, error) {
	rooms, err := d.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(rooms, func(room *models.Room, _ int) bool {
		return room.Kind != models.RoomKindPrivate || (!identity.IsZero() && room.HasMember(identity.Key))
	}), nil
}

// AddMember adds identity to the durable member set of a room
func (d *RoomDirectory) AddMember(ctx context.Context, roomID string, identity string) error {
	err := d.store.AddRoomMember(ctx, roomID, identity)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %q", models.ErrRoomNotFound, roomID)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return nil
}

// RemoveMember removes identity from the durable member set of a room
func (d *RoomDirectory) RemoveMember(ctx context.Context, roomID string, identity string) error {
	err := d.store.RemoveRoomMember(ctx, roomID, identity)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: %q", models.ErrRoomNotFound, roomID)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return nil
}

// LiveMembers returns the identities currently live in a room, sorted by
// handle. It is derived on every call. Public rooms count the bound
// connections subscribed to the room; other rooms count durable members
// that are online.
func (d *RoomDirectory) LiveMembers(ctx context.Context, roomID string) ([]models.Identity, error) {
	room, err := d.Room(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return d.liveMembers(room), nil
}

func (d *RoomDirectory) liveMembers(room *models.Room) []models.Identity {
	var live []models.Identity
	if room.Kind == models.RoomKindPublic {
		for _, connectionID := range d.Subscribers(room.ID) {
			if identity, bound := d.registry.IdentityOf(connectionID); bound {
				live = append(live, identity)
			}
		}
		live = lo.UniqBy(live, func(id models.Identity) string { return id.Key })
	} else {
		for _, member := range room.Members {
			if identity, online := d.registry.Online(member); online {
				live = append(live, identity)
			}
		}
	}
	sort.Slice(live, func(i, j int) bool {
		return live[i].Handle < live[j].Handle
	})
	return live
}

// Subscribe adds a transport-level subscription. It reports whether the
// connection was not subscribed before.
func (d *RoomDirectory) Subscribe(connectionID, roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.joined[connectionID][roomID]; exists {
		return false
	}
	if d.subscribers[roomID] == nil {
		d.subscribers[roomID] = make(map[string]struct{})
	}
	if d.joined[connectionID] == nil {
		d.joined[connectionID] = make(map[string]struct{})
	}
	d.subscribers[roomID][connectionID] = struct{}{}
	d.joined[connectionID][roomID] = struct{}{}
	return true
}

// Unsubscribe removes a transport-level subscription. It reports whether the
// connection was subscribed.
func (d *RoomDirectory) Unsubscribe(connectionID, roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.unsubscribe(connectionID, roomID)
}

func (d *RoomDirectory) unsubscribe(connectionID, roomID string) bool {
	rooms, exists := d.joined[connectionID]
	if !exists {
		return false
	}
	if _, exists := rooms[roomID]; !exists {
		return false
	}
	delete(rooms, roomID)
	if len(rooms) == 0 {
		delete(d.joined, connectionID)
	}
	if subs, exists := d.subscribers[roomID]; exists {
		delete(subs, connectionID)
		if len(subs) == 0 {
			delete(d.subscribers, roomID)
		}
	}
	return true
}

// UnsubscribeAll drops every subscription of a connection and returns the
// rooms it was subscribed to, sorted
func (d *RoomDirectory) UnsubscribeAll(connectionID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	rooms := lo.Keys(d.joined[connectionID])
	for _, roomID := range rooms {
		d.unsubscribe(connectionID, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Transfer moves every subscription of one connection to another
func (d *RoomDirectory) Transfer(fromConnectionID, toConnectionID string) []string {
	rooms := d.UnsubscribeAll(fromConnectionID)
	for _, roomID := range rooms {
		d.Subscribe(toConnectionID, roomID)
	}
	return rooms
}

// JoinedRooms returns the rooms a connection is subscribed to, sorted
func (d *RoomDirectory) JoinedRooms(connectionID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rooms := lo.Keys(d.joined[connectionID])
	sort.Strings(rooms)
	return rooms
}

// IsSubscribed reports whether a connection is subscribed to a room
func (d *RoomDirectory) IsSubscribed(connectionID, roomID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, exists := d.joined[connectionID][roomID]
	return exists
}

// Subscribers returns the connections subscribed to a room
func (d *RoomDirectory) Subscribers(roomID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return lo.Keys(d.subscribers[roomID])
}

// SubscriptionCount returns the number of live subscriptions
func (d *RoomDirectory) SubscriptionCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	count := 0
	for _, rooms := range d.joined {
		count += len(rooms)
	}
	return count
}
