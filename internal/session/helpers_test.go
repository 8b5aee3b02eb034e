package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/internal/storage"
	"github.com/stretchr/testify/require"
)

var errEndpointClosed = errors.New("endpoint closed")

type sentEvent struct {
	Event   string
	Payload interface{}
}

// testEndpoint records every event sent to it
type testEndpoint struct {
	id     string
	mu     sync.Mutex
	events []sentEvent
	closed bool
	fail   bool
}

func newTestEndpoint(id string) *testEndpoint {
	return &testEndpoint{id: id}
}

func (e *testEndpoint) ID() string { return e.id }

func (e *testEndpoint) Send(event string, payload interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.fail {
		return errEndpointClosed
	}
	e.events = append(e.events, sentEvent{Event: event, Payload: payload})
	return nil
}

func (e *testEndpoint) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

func (e *testEndpoint) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// named returns the events with the given name
func (e *testEndpoint) named(event string) []sentEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []sentEvent
	for _, ev := range e.events {
		if ev.Event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (e *testEndpoint) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}

// staticGates answers friendship and premium questions from fixed sets
type staticGates struct {
	mu      sync.Mutex
	friends map[[2]string]bool
	premium map[string]bool
}

func newStaticGates() *staticGates {
	return &staticGates{friends: make(map[[2]string]bool), premium: make(map[string]bool)}
}

func pair(a, b string) [2]string {
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (g *staticGates) befriend(a, b string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.friends[pair(a, b)] = true
}

func (g *staticGates) AreFriends(ctx context.Context, a, b string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.friends[pair(a, b)], nil
}

func (g *staticGates) IsPremium(ctx context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.premium[key], nil
}

// recordingNotifier counts presence transitions
type recordingNotifier struct {
	mu      sync.Mutex
	online  []string
	offline []string
}

func (n *recordingNotifier) Online(identity models.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.online = append(n.online, identity.Key)
}

func (n *recordingNotifier) Offline(identity models.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = append(n.offline, identity.Key)
}

// failingStore fails every message append
type failingStore struct {
	*storage.MemoryStore
}

func (s failingStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	return errors.New("disk full")
}

// hookedStore runs beforeAppend ahead of each message append
type hookedStore struct {
	*storage.MemoryStore
	beforeAppend func()
}

func (s *hookedStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if s.beforeAppend != nil {
		s.beforeAppend()
	}
	return s.MemoryStore.AppendMessage(ctx, msg)
}

type harness struct {
	store       storage.ChatStore
	gates       *staticGates
	registry    *ConnectionRegistry
	directory   *RoomDirectory
	coordinator *Coordinator
	router      *Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, storage.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store storage.ChatStore) *harness {
	t.Helper()
	gates := newStaticGates()
	registry := NewConnectionRegistry()
	directory := NewRoomDirectory(store, registry)
	coordinator := NewCoordinator(registry, directory, gates, gates)
	router := NewRouter(store, coordinator, gates, DefaultRouterConfig())
	return &harness{
		store:       store,
		gates:       gates,
		registry:    registry,
		directory:   directory,
		coordinator: coordinator,
		router:      router,
	}
}

var (
	alice = models.Identity{Key: "alice@example.com", Handle: "alice"}
	bob   = models.Identity{Key: "bob@example.com", Handle: "bob"}
	carol = models.Identity{Key: "carol@example.com", Handle: "carol"}
	dave  = models.Identity{Key: "dave@example.com", Handle: "dave"}
)

// room creates a room through the directory
func (h *harness) room(t *testing.T, id string, kind models.RoomKind, creator string) *models.Room {
	t.Helper()
	room, _, err := h.directory.EnsureRoom(context.Background(), models.NewRoom(id, id, "", kind, creator, time.Now()))
	require.NoError(t, err)
	return room
}

// login connects a new endpoint and authenticates it
func (h *harness) login(t *testing.T, connectionID string, identity models.Identity) *testEndpoint {
	t.Helper()
	endpoint := newTestEndpoint(connectionID)
	h.coordinator.Connect(endpoint)
	require.NoError(t, h.coordinator.Authenticate(context.Background(), connectionID, identity))
	return endpoint
}

// join joins a room through the coordinator
func (h *harness) join(t *testing.T, endpoint *testEndpoint, roomID string) {
	t.Helper()
	_, _, err := h.coordinator.Join(context.Background(), endpoint.ID(), roomID)
	require.NoError(t, err)
}
