package storage

import (
	"context"
	"errors"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique key is already taken
	ErrConflict = errors.New("conflict")
)

// ChatStore defines the persistence operations the session layer consumes.
// Both the flat document stores and the relational stores satisfy it.
type ChatStore interface {
	// GetRoom returns the room or ErrNotFound
	GetRoom(ctx context.Context, roomID string) (*models.Room, error)

	// PutRoom creates the room if absent. It reports whether a new room was
	// created and never overwrites an existing room or its members.
	PutRoom(ctx context.Context, room *models.Room) (bool, error)

	// ListRooms returns every non-direct room ordered by creation time
	ListRooms(ctx context.Context) ([]*models.Room, error)

	// AddRoomMember adds identity to the durable member set (no-op if present)
	AddRoomMember(ctx context.Context, roomID string, identity string) error

	// RemoveRoomMember removes identity from the durable member set
	RemoveRoomMember(ctx context.Context, roomID string, identity string) error

	// AppendMessage appends a message to its room. Appends to one room are
	// applied in call order.
	AppendMessage(ctx context.Context, msg *models.Message) error

	// RecentMessages returns at most limit messages of a room, newest first
	RecentMessages(ctx context.Context, roomID string, limit int) ([]*models.Message, error)

	// PruneMessages deletes all but the newest keep messages of a room
	PruneMessages(ctx context.Context, roomID string, keep int) error

	// Close closes the storage connection
	Close() error
}

// AccountStore defines persistence for users and friendships
type AccountStore interface {
	// CreateUser stores a new user, ErrConflict if the key or handle is taken
	CreateUser(ctx context.Context, user *models.User) error

	// GetUser returns a user by identity key or ErrNotFound
	GetUser(ctx context.Context, key string) (*models.User, error)

	// GetUserByHandle returns a user by display handle or ErrNotFound
	GetUserByHandle(ctx context.Context, handle string) (*models.User, error)

	// UpdateUser replaces the mutable fields of an existing user
	UpdateUser(ctx context.Context, user *models.User) error

	// AddFriendRequest records a pending request (no-op if already pending)
	AddFriendRequest(ctx context.Context, req *models.FriendRequest) error

	// ListFriendRequests returns pending requests addressed to key
	ListFriendRequests(ctx context.Context, key string) ([]*models.FriendRequest, error)

	// DeleteFriendRequest removes a pending request, ErrNotFound if absent
	DeleteFriendRequest(ctx context.Context, from, to string) error

	// AddFriendship records a mutual friendship
	AddFriendship(ctx context.Context, a, b string) error

	// AreFriends reports whether a and b are mutual friends
	AreFriends(ctx context.Context, a, b string) (bool, error)

	// ListFriends returns the identity keys of key's friends
	ListFriends(ctx context.Context, key string) ([]string, error)
}

// Store is the full persistence surface used by the server
type Store interface {
	ChatStore
	AccountStore
}

// RedisClient defines the interface for Redis operations
type RedisClient interface {
	// Key-value operations
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	GetJSON(ctx context.Context, key string, dest interface{}) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Set operations
	SetAdd(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetRemove(ctx context.Context, key string, members ...string) error

	// Pub/Sub operations
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channels ...string) (<-chan PubSubMessage, error)

	// Close closes the Redis connection
	Close() error
}

// PubSubMessage represents a message from Redis pub/sub
type PubSubMessage struct {
	Channel string
	Message string
}

func friendKey(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}
