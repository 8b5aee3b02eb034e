package session

import (
	"context"
	"fmt"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
)

// State is the presence state of a connection
type State int

const (
	StateDisconnected State = iota
	StateAnonymous
	StateAuthenticated
	StateJoined
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	}
	return "disconnected"
}

// Coordinator drives the per-connection presence state machine:
// Anonymous -> Authenticated -> (Joined)* -> Disconnected.
type Coordinator struct {
	registry  *ConnectionRegistry
	directory *RoomDirectory
	friends   FriendshipGate
	premium   PremiumGate
	notifier  PresenceNotifier
}

// NewCoordinator creates a presence coordinator
func NewCoordinator(registry *ConnectionRegistry, directory *RoomDirectory, friends FriendshipGate, premium PremiumGate) *Coordinator {
	return &Coordinator{
		registry:  registry,
		directory: directory,
		friends:   friends,
		premium:   premium,
	}
}

// SetNotifier installs a presence notifier. Call before serving connections.
func (c *Coordinator) SetNotifier(notifier PresenceNotifier) {
	c.notifier = notifier
}

// Registry returns the connection registry
func (c *Coordinator) Registry() *ConnectionRegistry {
	return c.registry
}

// Directory returns the room directory
func (c *Coordinator) Directory() *RoomDirectory {
	return c.directory
}

// Connect admits a new anonymous connection
func (c *Coordinator) Connect(endpoint Endpoint) {
	c.registry.Admit(endpoint)
	logger.Debug("Connection admitted", logger.ConnectionID(endpoint.ID()))
}

// State returns the state of a connection
func (c *Coordinator) State(connectionID string) State {
	if _, exists := c.registry.Endpoint(connectionID); !exists {
		return StateDisconnected
	}
	if _, bound := c.registry.IdentityOf(connectionID); !bound {
		return StateAnonymous
	}
	if len(c.directory.JoinedRooms(connectionID)) > 0 {
		return StateJoined
	}
	return StateAuthenticated
}

// Require returns the identity bound to a connection, or ErrSessionRequired
func (c *Coordinator) Require(connectionID string) (models.Identity, error) {
	identity, bound := c.registry.IdentityOf(connectionID)
	if !bound {
		return models.Identity{}, models.ErrSessionRequired
	}
	return identity, nil
}

// Authenticate binds identity to a connection. Authenticating again as the
// same identity is an idempotent rebind. If the identity was bound to another
// connection, that connection hands its room subscriptions over, is told it
// was superseded, and is closed.
func (c *Coordinator) Authenticate(ctx context.Context, connectionID string, identity models.Identity) error {
	if err := identity.Validate(); err != nil {
		return err
	}

	// Switching accounts on one connection leaves the old identity's rooms
	if current, bound := c.registry.IdentityOf(connectionID); bound && current.Key != identity.Key {
		c.detach(ctx, connectionID, false)
	}

	superseded, online, ok := c.registry.Bind(connectionID, identity)
	if !ok {
		return fmt.Errorf("%w: connection is closed", models.ErrSessionRequired)
	}
	presenceTransitions.WithLabelValues("authenticate").Inc()

	log := logger.Get().With(logger.ConnectionID(connectionID), logger.Identity(identity.Key))
	if superseded != nil {
		rooms := c.directory.Transfer(superseded.ID(), connectionID)
		presenceTransitions.WithLabelValues("supersede").Inc()
		log.Info("Identity bound to a new connection, closing the old one",
			logger.String("superseded_connection_id", superseded.ID()),
			logger.Strings("rooms", rooms),
		)
		if err := superseded.Send(EventSessionSuperseded, Superseded{
			Kind:    models.KindDuplicateBinding,
			Message: models.ErrDuplicateBinding.Error(),
		}); err != nil {
			deliveries.WithLabelValues("dropped").Inc()
			log.Debug("Failed to notify superseded connection",
				logger.String("superseded_connection_id", superseded.ID()),
				logger.ErrorField(err),
			)
		} else {
			deliveries.WithLabelValues("sent").Inc()
		}
		superseded.Close()
	}

	if online {
		log.Info("Identity online")
		if c.notifier != nil {
			c.notifier.Online(identity)
		}
	}
	return nil
}

// Logout releases the identity of a connection and leaves it anonymous
func (c *Coordinator) Logout(ctx context.Context, connectionID string) {
	c.detach(ctx, connectionID, false)
}

// Join subscribes a connection to a room after applying the room's access
// policy. The joiner receives room_joined and every other live member
// receives user_joined.
func (c *Coordinator) Join(ctx context.Context, connectionID, roomID string) (*models.Room, []models.Identity, error) {
	identity, err := c.Require(connectionID)
	if err != nil {
		return nil, nil, err
	}

	room, err := c.directory.Room(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	admit, err := c.Authorize(ctx, identity, room)
	if err != nil {
		return nil, nil, err
	}
	if admit && !room.HasMember(identity.Key) {
		if err := c.directory.AddMember(ctx, room.ID, identity.Key); err != nil {
			return nil, nil, err
		}
		room.Members = append(room.Members, identity.Key)
	}

	newly := c.directory.Subscribe(connectionID, room.ID)
	live := c.directory.liveMembers(room)

	if endpoint, exists := c.registry.Endpoint(connectionID); exists {
		if err := endpoint.Send(EventRoomJoined, RoomJoined{Room: NewRoomView(room), Members: handles(live)}); err != nil {
			deliveries.WithLabelValues("dropped").Inc()
		}
	}
	if newly {
		presenceTransitions.WithLabelValues("join").Inc()
		c.notifyMembers(live, identity.Key, EventUserJoined, MembershipUpdate{
			Room:     room.ID,
			Username: identity.Handle,
			Members:  handles(live),
		})
		logger.Debug("Joined room",
			logger.ConnectionID(connectionID),
			logger.Identity(identity.Key),
			logger.Room(room.ID),
			logger.Int("live_members", len(live)),
		)
	}
	return room, live, nil
}

// Leave drops a connection's subscription to a room. Durable membership is
// not changed.
func (c *Coordinator) Leave(ctx context.Context, connectionID, roomID string) error {
	identity, err := c.Require(connectionID)
	if err != nil {
		return err
	}
	if !c.directory.Unsubscribe(connectionID, roomID) {
		return nil
	}
	presenceTransitions.WithLabelValues("leave").Inc()

	live, err := c.directory.LiveMembers(ctx, roomID)
	if err != nil {
		return err
	}
	c.notifyMembers(live, identity.Key, EventRoomMembersUpdated, MembershipUpdate{
		Room:     roomID,
		Username: identity.Handle,
		Members:  handles(live),
	})
	return nil
}

// Disconnect is called once the transport is gone. The connection is
// removed, and every room it had joined sees exactly one user_left.
func (c *Coordinator) Disconnect(ctx context.Context, connectionID string) {
	c.detach(ctx, connectionID, true)
}

// detach drops the subscriptions and binding of a connection and notifies the
// rooms it was in. remove also forgets the connection itself.
func (c *Coordinator) detach(ctx context.Context, connectionID string, remove bool) {
	rooms := c.directory.UnsubscribeAll(connectionID)

	var identity models.Identity
	var offline bool
	if remove {
		identity, offline = c.registry.Unbind(connectionID)
		presenceTransitions.WithLabelValues("disconnect").Inc()
	} else {
		identity, offline = c.registry.Release(connectionID)
		presenceTransitions.WithLabelValues("logout").Inc()
	}
	// Anonymous, or superseded by a newer connection that took the rooms
	if identity.IsZero() {
		return
	}

	if offline {
		logger.Info("Identity offline", logger.ConnectionID(connectionID), logger.Identity(identity.Key))
		if c.notifier != nil {
			c.notifier.Offline(identity)
		}
	}

	for _, roomID := range rooms {
		live, err := c.directory.LiveMembers(ctx, roomID)
		if err != nil {
			logger.Warn("Failed to compute live members",
				logger.Room(roomID),
				logger.ErrorField(err),
			)
			continue
		}
		c.notifyMembers(live, identity.Key, EventUserLeft, MembershipUpdate{
			Room:     roomID,
			Username: identity.Handle,
			Members:  handles(live),
		})
	}
}

// Authorize applies a room's access policy to identity. admit reports
// whether identity should be added to the durable member set.
func (c *Coordinator) Authorize(ctx context.Context, identity models.Identity, room *models.Room) (admit bool, err error) {
	switch room.Kind {
	case models.RoomKindPublic:
		return true, nil

	case models.RoomKindPrivate:
		if !room.HasMember(identity.Key) {
			return false, fmt.Errorf("%w: %q", models.ErrNotAMember, room.ID)
		}
		return false, nil

	case models.RoomKindPremium:
		if room.HasMember(identity.Key) {
			return false, nil
		}
		premium, err := c.premium.IsPremium(ctx, identity.Key)
		if err != nil {
			return false, err
		}
		if !premium {
			return false, fmt.Errorf("%w: %q requires premium", models.ErrNotAMember, room.ID)
		}
		return true, nil

	case models.RoomKindDirect:
		if !room.HasMember(identity.Key) {
			return false, fmt.Errorf("%w: %q", models.ErrNotAMember, room.ID)
		}
		a, b, err := models.ParseDirectRoomID(room.ID)
		if err != nil {
			return false, err
		}
		friends, err := c.friends.AreFriends(ctx, a, b)
		if err != nil {
			return false, err
		}
		if !friends {
			return false, models.ErrNotFriends
		}
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", models.ErrInvalidRoomKind, room.Kind)
}

// notifyMembers sends an event to every live member except one identity
func (c *Coordinator) notifyMembers(live []models.Identity, except string, event string, payload interface{}) {
	for _, member := range live {
		if member.Key == except {
			continue
		}
		endpoint, exists := c.registry.EndpointFor(member.Key)
		if !exists {
			continue
		}
		if err := endpoint.Send(event, payload); err != nil {
			deliveries.WithLabelValues("dropped").Inc()
			logger.Debug("Failed to deliver presence event",
				logger.ConnectionID(endpoint.ID()),
				logger.String("event", event),
				logger.ErrorField(err),
			)
			continue
		}
		deliveries.WithLabelValues("sent").Inc()
	}
}
