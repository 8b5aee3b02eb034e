package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
)

// MemoryStore implements Store with in-process maps.
// It backs tests and development runs, and is the working set of FileStore.
type MemoryStore struct {
	mu sync.RWMutex

	rooms     map[string]*models.Room
	roomOrder []string
	messages  map[string][]models.Message

	users          map[string]*models.User
	handles        map[string]string // handle -> key
	friendRequests map[string][]*models.FriendRequest
	friendships    map[[2]string]struct{}
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:          make(map[string]*models.Room),
		messages:       make(map[string][]models.Message),
		users:          make(map[string]*models.User),
		handles:        make(map[string]string),
		friendRequests: make(map[string][]*models.FriendRequest),
		friendships:    make(map[[2]string]struct{}),
	}
}

func (m *MemoryStore) GetRoom(ctx context.Context, roomID string) (*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	return room.Clone(), nil
}

func (m *MemoryStore) PutRoom(ctx context.Context, room *models.Room) (bool, error) {
	if err := room.Validate(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.rooms[room.ID]; exists {
		return false, nil
	}
	m.rooms[room.ID] = room.Clone()
	m.roomOrder = append(m.roomOrder, room.ID)
	return true, nil
}

func (m *MemoryStore) ListRooms(ctx context.Context) ([]*models.Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]*models.Room, 0, len(m.roomOrder))
	for _, id := range m.roomOrder {
		room := m.rooms[id]
		if room.Kind == models.RoomKindDirect {
			continue
		}
		rooms = append(rooms, room.Clone())
	}
	return rooms, nil
}

func (m *MemoryStore) AddRoomMember(ctx context.Context, roomID string, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	if !room.HasMember(identity) {
		room.Members = append(room.Members, identity)
	}
	return nil
}

func (m *MemoryStore) RemoveRoomMember(ctx context.Context, roomID string, identity string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[roomID]
	if !ok {
		return fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	members := room.Members[:0]
	for _, member := range room.Members {
		if member != identity {
			members = append(members, member)
		}
	}
	room.Members = members
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.rooms[msg.RoomID]; !ok {
		return fmt.Errorf("room %q: %w", msg.RoomID, ErrNotFound)
	}
	m.messages[msg.RoomID] = append(m.messages[msg.RoomID], *msg)
	return nil
}

func (m *MemoryStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]*models.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[roomID]
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	result := make([]*models.Message, 0, limit)
	for i := len(all) - 1; i >= 0 && len(result) < limit; i-- {
		msg := all[i]
		result = append(result, &msg)
	}
	return result, nil
}

func (m *MemoryStore) PruneMessages(ctx context.Context, roomID string, keep int) error {
	if keep <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.messages[roomID]
	if len(all) <= keep {
		return nil
	}
	m.messages[roomID] = append([]models.Message(nil), all[len(all)-keep:]...)
	return nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.users[user.Key]; exists {
		return fmt.Errorf("user %q: %w", user.Key, ErrConflict)
	}
	if _, exists := m.handles[user.Handle]; exists {
		return fmt.Errorf("handle %q: %w", user.Handle, ErrConflict)
	}
	u := *user
	m.users[user.Key] = &u
	m.handles[user.Handle] = user.Key
	return nil
}

func (m *MemoryStore) GetUser(ctx context.Context, key string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[key]
	if !ok {
		return nil, fmt.Errorf("user %q: %w", key, ErrNotFound)
	}
	u := *user
	return &u, nil
}

func (m *MemoryStore) GetUserByHandle(ctx context.Context, handle string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key, ok := m.handles[handle]
	if !ok {
		return nil, fmt.Errorf("handle %q: %w", handle, ErrNotFound)
	}
	u := *m.users[key]
	return &u, nil
}

func (m *MemoryStore) UpdateUser(ctx context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.users[user.Key]
	if !ok {
		return fmt.Errorf("user %q: %w", user.Key, ErrNotFound)
	}
	if existing.Handle != user.Handle {
		if _, taken := m.handles[user.Handle]; taken {
			return fmt.Errorf("handle %q: %w", user.Handle, ErrConflict)
		}
		delete(m.handles, existing.Handle)
		m.handles[user.Handle] = user.Key
	}
	u := *user
	m.users[user.Key] = &u
	return nil
}

func (m *MemoryStore) AddFriendRequest(ctx context.Context, req *models.FriendRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.friendRequests[req.To] {
		if existing.From == req.From {
			return nil
		}
	}
	r := *req
	m.friendRequests[req.To] = append(m.friendRequests[req.To], &r)
	return nil
}

func (m *MemoryStore) ListFriendRequests(ctx context.Context, key string) ([]*models.FriendRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pending := m.friendRequests[key]
	result := make([]*models.FriendRequest, 0, len(pending))
	for _, req := range pending {
		r := *req
		result = append(result, &r)
	}
	return result, nil
}

func (m *MemoryStore) DeleteFriendRequest(ctx context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.friendRequests[to]
	for i, req := range pending {
		if req.From == from {
			m.friendRequests[to] = append(pending[:i:i], pending[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("friend request %q -> %q: %w", from, to, ErrNotFound)
}

func (m *MemoryStore) AddFriendship(ctx context.Context, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.friendships[friendKey(a, b)] = struct{}{}
	return nil
}

func (m *MemoryStore) AreFriends(ctx context.Context, a, b string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.friendships[friendKey(a, b)]
	return ok, nil
}

func (m *MemoryStore) ListFriends(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var friends []string
	for pair := range m.friendships {
		switch key {
		case pair[0]:
			friends = append(friends, pair[1])
		case pair[1]:
			friends = append(friends, pair[0])
		}
	}
	sort.Strings(friends)
	return friends, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

// memorySnapshot is the serialised form of a MemoryStore
type memorySnapshot struct {
	Users          []userRecord                `json:"users"`
	Rooms          []*models.Room              `json:"rooms"`
	Messages       map[string][]models.Message `json:"messages"`
	FriendRequests []*models.FriendRequest     `json:"friend_requests"`
	Friendships    [][2]string                 `json:"friendships"`
}

// userRecord carries the password hash, which models.User hides from JSON
type userRecord struct {
	Key          string     `json:"key"`
	Handle       string     `json:"handle"`
	PasswordHash string     `json:"password_hash"`
	Premium      bool       `json:"premium"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

func (m *MemoryStore) snapshot() *memorySnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &memorySnapshot{
		Users:       make([]userRecord, 0, len(m.users)),
		Rooms:       make([]*models.Room, 0, len(m.roomOrder)),
		Messages:    make(map[string][]models.Message, len(m.messages)),
		Friendships: make([][2]string, 0, len(m.friendships)),
	}
	for _, u := range m.users {
		snap.Users = append(snap.Users, userRecord(*u))
	}
	sort.Slice(snap.Users, func(i, j int) bool { return snap.Users[i].Key < snap.Users[j].Key })
	for _, id := range m.roomOrder {
		snap.Rooms = append(snap.Rooms, m.rooms[id].Clone())
	}
	for id, msgs := range m.messages {
		snap.Messages[id] = append([]models.Message(nil), msgs...)
	}
	for _, pending := range m.friendRequests {
		for _, req := range pending {
			r := *req
			snap.FriendRequests = append(snap.FriendRequests, &r)
		}
	}
	for pair := range m.friendships {
		snap.Friendships = append(snap.Friendships, pair)
	}
	sort.Slice(snap.Friendships, func(i, j int) bool {
		if snap.Friendships[i][0] != snap.Friendships[j][0] {
			return snap.Friendships[i][0] < snap.Friendships[j][0]
		}
		return snap.Friendships[i][1] < snap.Friendships[j][1]
	})
	return snap
}

func (m *MemoryStore) restore(snap *memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load(snap)
}

// reset replaces the whole working set with snap
func (m *MemoryStore) reset(snap *memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rooms = make(map[string]*models.Room)
	m.roomOrder = nil
	m.messages = make(map[string][]models.Message)
	m.users = make(map[string]*models.User)
	m.handles = make(map[string]string)
	m.friendRequests = make(map[string][]*models.FriendRequest)
	m.friendships = make(map[[2]string]struct{})
	m.load(snap)
}

// load merges snap into the working set. Callers hold m.mu.
func (m *MemoryStore) load(snap *memorySnapshot) {
	for _, rec := range snap.Users {
		u := models.User(rec)
		m.users[u.Key] = &u
		m.handles[u.Handle] = u.Key
	}
	for _, room := range snap.Rooms {
		if _, exists := m.rooms[room.ID]; exists {
			continue
		}
		m.rooms[room.ID] = room.Clone()
		m.roomOrder = append(m.roomOrder, room.ID)
	}
	for id, msgs := range snap.Messages {
		m.messages[id] = append([]models.Message(nil), msgs...)
	}
	for _, req := range snap.FriendRequests {
		r := *req
		m.friendRequests[r.To] = append(m.friendRequests[r.To], &r)
	}
	for _, pair := range snap.Friendships {
		m.friendships[friendKey(pair[0], pair[1])] = struct{}{}
	}
}

// MemoryRedisClient implements RedisClient in process. It is used when Redis
// is disabled and in tests.
type MemoryRedisClient struct {
	mu          sync.RWMutex
	data        map[string]memoryValue
	sets        map[string]map[string]struct{}
	subscribers map[string][]chan PubSubMessage
	now         func() time.Time

	PublishErr error
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

// NewMemoryRedisClient creates an empty in-process Redis replacement
func NewMemoryRedisClient() *MemoryRedisClient {
	return &MemoryRedisClient{
		data:        make(map[string]memoryValue),
		sets:        make(map[string]map[string]struct{}),
		subscribers: make(map[string][]chan PubSubMessage),
		now:         time.Now,
	}
}

func (m *MemoryRedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	// Marshal to JSON like the real implementation
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	v := memoryValue{value: string(jsonData)}
	if ttl > 0 {
		v.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = v
	return nil
}

func (m *MemoryRedisClient) lookup(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[key]
	if !ok {
		return "", false
	}
	if !v.expiresAt.IsZero() && !m.now().Before(v.expiresAt) {
		return "", false
	}
	return v.value, true
}

func (m *MemoryRedisClient) Get(ctx context.Context, key string) (string, error) {
	value, ok := m.lookup(key)
	if !ok {
		return "", fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	return value, nil
}

func (m *MemoryRedisClient) GetJSON(ctx context.Context, key string, dest interface{}) error {
	value, ok := m.lookup(key)
	if !ok {
		return fmt.Errorf("key %q: %w", key, ErrNotFound)
	}
	return json.Unmarshal([]byte(value), dest)
}

func (m *MemoryRedisClient) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	delete(m.sets, key)
	return nil
}

func (m *MemoryRedisClient) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok := m.lookup(key); ok {
		return true, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sets[key]) > 0, nil
}

func (m *MemoryRedisClient) SetAdd(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok {
		set = make(map[string]struct{})
		m.sets[key] = set
	}
	for _, member := range members {
		set[member] = struct{}{}
	}
	return nil
}

func (m *MemoryRedisClient) SetMembers(ctx context.Context, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := make([]string, 0, len(m.sets[key]))
	for member := range m.sets[key] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members, nil
}

func (m *MemoryRedisClient) SetRemove(ctx context.Context, key string, members ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sets[key]
	for _, member := range members {
		delete(set, member)
	}
	if len(set) == 0 {
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryRedisClient) Publish(ctx context.Context, channel string, message interface{}) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	var payload string
	switch v := message.(type) {
	case string:
		payload = v
	case []byte:
		payload = string(v)
	default:
		jsonData, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		payload = string(jsonData)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subscribers[channel] {
		select {
		case ch <- PubSubMessage{Channel: channel, Message: payload}:
		default:
			// Slow subscriber, drop like a disconnected Redis client would
		}
	}
	return nil
}

func (m *MemoryRedisClient) Subscribe(ctx context.Context, channels ...string) (<-chan PubSubMessage, error) {
	ch := make(chan PubSubMessage, 100)

	m.mu.Lock()
	for _, channel := range channels {
		m.subscribers[channel] = append(m.subscribers[channel], ch)
	}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		for _, channel := range channels {
			subs := m.subscribers[channel]
			for i, sub := range subs {
				if sub == ch {
					m.subscribers[channel] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		}
		m.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

func (m *MemoryRedisClient) Close() error {
	return nil
}
