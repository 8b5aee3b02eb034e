package wsgateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mohamedkhairy/echoroom/internal/auth"
	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/internal/session"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
	"github.com/samber/lo"
)

// Accounts is the account collaborator used by the gateway
type Accounts interface {
	Signup(ctx context.Context, req auth.SignupRequest) (*models.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (*auth.Session, error)
	Restore(ctx context.Context, token string) (*auth.Session, error)
	Logout(ctx context.Context, token string) error
	ActivatePremium(ctx context.Context, key string, code string) (*models.User, error)
	ResolveHandle(ctx context.Context, handle string) (models.Identity, error)
	SendFriendRequest(ctx context.Context, from models.Identity, toHandle string) (models.Identity, error)
	AcceptFriendRequest(ctx context.Context, to models.Identity, fromHandle string) (models.Identity, error)
	ListFriendRequests(ctx context.Context, key string) ([]auth.PendingRequest, error)
	ListFriends(ctx context.Context, key string) ([]models.Identity, error)
}

// Handler dispatches client events to the session layer and accounts
type Handler struct {
	coordinator *session.Coordinator
	router      *session.Router
	accounts    Accounts
	events      map[string]eventFunc
}

// NewHandler creates an event handler
func NewHandler(coordinator *session.Coordinator, router *session.Router, accounts Accounts) *Handler {
	h := &Handler{
		coordinator: coordinator,
		router:      router,
		accounts:    accounts,
	}
	h.events = h.routes()
	return h
}

type eventFunc func(ctx context.Context, conn *Connection, data json.RawMessage) error

func (h *Handler) routes() map[string]eventFunc {
	return map[string]eventFunc{
		EventLogin:               h.handleLogin,
		EventSignup:              h.handleSignup,
		EventAutoLogin:           h.handleRestore,
		EventRestoreSession:      h.handleRestore,
		EventLogout:              h.handleLogout,
		EventJoinRoom:            h.handleJoin,
		EventJoin:                h.handleJoin,
		EventLeaveServer:         h.handleLeave,
		EventLeave:               h.handleLeave,
		EventMessage:             h.handleMessage,
		EventPrivateMessage:      h.handlePrivateMessage,
		EventGetRoomMessages:     h.handleGetRoomMessages,
		EventGetPrivateMessages:  h.handleGetPrivateMessages,
		EventGetRooms:            h.handleGetRooms,
		EventGetRoomMembers:      h.handleGetRoomMembers,
		EventCreateRoom:          h.handleCreateRoom,
		EventGetFriends:          h.handleGetFriends,
		EventSendFriendRequest:   h.handleSendFriendRequest,
		EventAcceptFriendRequest: h.handleAcceptFriendRequest,
		EventGetFriendRequests:   h.handleGetFriendRequests,
		EventActivatePremium:     h.handleActivatePremium,
		EventPing:                h.handlePing,
	}
}

// HandleClientMessage handles a message from the client. Failures are
// reported to the client as <event>_error and never affect other connections.
func (h *Handler) HandleClientMessage(ctx context.Context, conn *Connection, msg *ClientMessage) error {
	handle, exists := h.events[msg.Event]
	if !exists {
		return conn.Send(EventError, ErrorPayload{
			Kind:    models.KindInvalidRequest,
			Message: fmt.Sprintf("unknown event: %s", msg.Event),
		})
	}

	err := handle(ctx, conn, msg.Data)
	if err == nil {
		return nil
	}

	kind := models.KindOf(err)
	message := err.Error()
	if kind == models.KindInternal || kind == models.KindPersistenceFailure {
		logger.Error("Event failed",
			logger.ConnectionID(conn.ID()),
			logger.String("event", msg.Event),
			logger.ErrorField(err),
		)
		logger.ErrorsTotal.WithLabelValues("gateway", kind).Inc()
		if kind == models.KindInternal {
			message = "internal error"
		}
	}
	return conn.SendError(msg.Event, kind, message)
}

func decode(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: malformed payload", models.ErrInvalidRequest)
	}
	return nil
}

// bind attaches an account session to the connection
func (h *Handler) bind(ctx context.Context, conn *Connection, sess *auth.Session, event string) error {
	if err := h.coordinator.Authenticate(ctx, conn.ID(), sess.User.Identity()); err != nil {
		return err
	}
	conn.SetToken(sess.Token)
	return conn.Send(event, AuthSuccess{
		Username:  sess.User.Handle,
		Email:     sess.User.Key,
		Premium:   sess.User.Premium,
		Token:     sess.Token,
		ExpiresAt: sess.ExpiresAt,
	})
}

func (h *Handler) handleLogin(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var req auth.LoginRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	sess, err := h.accounts.Login(ctx, req)
	if err != nil {
		return err
	}
	return h.bind(ctx, conn, sess, EventLoginSuccess)
}

func (h *Handler) handleSignup(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var req auth.SignupRequest
	if err := decode(data, &req); err != nil {
		return err
	}
	if _, err := h.accounts.Signup(ctx, req); err != nil {
		return err
	}
	sess, err := h.accounts.Login(ctx, auth.LoginRequest{Email: req.Email, Password: req.Password})
	if err != nil {
		return err
	}
	return h.bind(ctx, conn, sess, EventSignupSuccess)
}

func (h *Handler) handleRestore(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var req TokenPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	if req.Token == "" {
		return fmt.Errorf("%w: token is required", models.ErrInvalidRequest)
	}
	sess, err := h.accounts.Restore(ctx, req.Token)
	if err != nil {
		return err
	}
	return h.bind(ctx, conn, sess, EventSessionRestored)
}

func (h *Handler) handleLogout(ctx context.Context, conn *Connection, data json.RawMessage) error {
	if _, err := h.coordinator.Require(conn.ID()); err != nil {
		return err
	}
	if token := conn.Token(); token != "" {
		if err := h.accounts.Logout(ctx, token); err != nil {
			logger.Warn("Failed to revoke session", logger.ConnectionID(conn.ID()), logger.ErrorField(err))
		}
	}
	conn.SetToken("")
	h.coordinator.Logout(ctx, conn.ID())
	return conn.Send(EventLoggedOut, nil)
}

func (h *Handler) handleJoin(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var req RoomPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	room, _, err := h.coordinator.Join(ctx, conn.ID(), req.RoomID())
	if err != nil {
		return err
	}

	history, err := h.router.History(ctx, room.ID, req.Limit)
	if err != nil {
		return err
	}
	return conn.Send(EventChatMessages, HistoryPayload{Room: room.ID, Messages: history})
}

func (h *Handler) handleLeave(ctx context.Context, conn *Connection, data json.RawMessage) error {
	var req RoomPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	if err := h.coordinator.Leave(ctx, conn.ID(), req.RoomID()); err != nil {
		return err
	}
	return conn.Send(EventLeftRoom, RoomPayload{Room: req.RoomID()})
}

func (h *Handler) handleMessage(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	var req MessagePayload
	if err := decode(data, &req); err != nil {
		return err
	}
	_, err = h.router.PostRoomMessage(ctx, identity, req.RoomID(), req.Message, req.ClientTimestamp())
	return err
}

func (h *Handler) handlePrivateMessage(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	var req PrivateMessagePayload
	if err := decode(data, &req); err != nil {
		return err
	}
	receiver, err := h.accounts.ResolveHandle(ctx, req.To)
	if err != nil {
		return err
	}
	_, err = h.router.PostDirectMessage(ctx, identity, receiver, req.Message)
	return err
}

func (h *Handler) handleGetRoomMessages(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	var req RoomPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	history, err := h.router.HistoryAs(ctx, identity, req.RoomID(), req.Limit)
	if err != nil {
		return err
	}
	return conn.Send(EventChatMessages, HistoryPayload{Room: req.RoomID(), Messages: history})
}

func (h *Handler) handleGetPrivateMessages(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	var req FriendPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	friend, err := h.accounts.ResolveHandle(ctx, req.Handle())
	if err != nil {
		return err
	}
	history, err := h.router.DirectHistory(ctx, identity, friend, req.Limit)
	if err != nil {
		return err
	}
	return conn.Send(EventPrivateMessages, HistoryPayload{Friend: friend.Handle, Messages: history})
}

// visibleRooms returns the room views identity may see
func (h *Handler) visibleRooms(ctx context.Context, identity models.Identity) ([]session.RoomView, error) {
	rooms, err := h.coordinator.Directory().VisibleRooms(ctx, identity)
	if err != nil {
		return nil, err
	}
	return lo.Map(rooms, func(room *models.Room, _ int) session.RoomView {
		return session.NewRoomView(room)
	}), nil
}

func (h *Handler) handleGetRooms(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	rooms, err := h.visibleRooms(ctx, identity)
	if err != nil {
		return err
	}
	return conn.Send(EventRoomList, rooms)
}

func (h *Handler) handleGetRoomMembers(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	var req RoomPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	directory := h.coordinator.Directory()
	room, err := directory.Room(ctx, req.RoomID())
	if err != nil {
		return err
	}
	if room.Kind.RequiresMembership() {
		if _, err := h.coordinator.Authorize(ctx, identity, room); err != nil {
			return err
		}
	}
	live, err := directory.LiveMembers(ctx, room.ID)
	if err != nil {
		return err
	}
	return conn.Send(EventRoomMembers, MembersPayload{
		Room: req.RoomID(),
		Members: lo.Map(live, func(id models.Identity, _ int) string {
			return id.Handle
		}),
	})
}

func (h *Handler) handleCreateRoom(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	var req CreateRoomPayload
	if err := decode(data, &req); err != nil {
		return err
	}

	room, err := h.coordinator.Directory().CreateRoom(ctx, req.Name, req.Description, models.RoomKind(req.Type), identity)
	if err != nil {
		return err
	}
	if err := conn.Send(EventRoomCreated, session.NewRoomView(room)); err != nil {
		return err
	}
	h.BroadcastRoomList(ctx)
	return nil
}

// BroadcastRoomList pushes the room list to every authenticated connection
func (h *Handler) BroadcastRoomList(ctx context.Context) {
	registry := h.coordinator.Registry()
	for _, endpoint := range registry.Endpoints() {
		identity, bound := registry.IdentityOf(endpoint.ID())
		if !bound {
			continue
		}
		rooms, err := h.visibleRooms(ctx, identity)
		if err != nil {
			logger.Warn("Failed to list rooms", logger.ErrorField(err))
			return
		}
		_ = endpoint.Send(EventRoomList, rooms)
	}
}

func (h *Handler) handleGetFriends(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	return h.sendFriends(ctx, conn, identity)
}

func (h *Handler) sendFriends(ctx context.Context, endpoint session.Endpoint, identity models.Identity) error {
	friends, err := h.accounts.ListFriends(ctx, identity.Key)
	if err != nil {
		return err
	}
	registry := h.coordinator.Registry()
	return endpoint.Send(EventFriendsList, lo.Map(friends, func(f models.Identity, _ int) models.Friend {
		return models.Friend{Key: f.Key, Handle: f.Handle, Connected: registry.IsOnline(f.Key)}
	}))
}

func (h *Handler) handleSendFriendRequest(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	var req FriendPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	to, err := h.accounts.SendFriendRequest(ctx, identity, req.Handle())
	if err != nil {
		return err
	}

	if endpoint, online := h.coordinator.Registry().EndpointFor(to.Key); online {
		_ = endpoint.Send(EventFriendRequest, UsernamePayload{Username: identity.Handle})
	}
	return conn.Send(EventFriendRequestSent, UsernamePayload{Username: to.Handle})
}

func (h *Handler) handleAcceptFriendRequest(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	var req FriendPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	from, err := h.accounts.AcceptFriendRequest(ctx, identity, req.Handle())
	if err != nil {
		return err
	}

	if endpoint, online := h.coordinator.Registry().EndpointFor(from.Key); online {
		_ = endpoint.Send(EventFriendRequestAccepted, UsernamePayload{Username: identity.Handle})
		if err := h.sendFriends(ctx, endpoint, from); err != nil {
			logger.Warn("Failed to refresh friends list", logger.Identity(from.Key), logger.ErrorField(err))
		}
	}
	if err := conn.Send(EventFriendRequestAccepted, UsernamePayload{Username: from.Handle}); err != nil {
		return err
	}
	return h.sendFriends(ctx, conn, identity)
}

func (h *Handler) handleGetFriendRequests(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	pending, err := h.accounts.ListFriendRequests(ctx, identity.Key)
	if err != nil {
		return err
	}
	return conn.Send(EventFriendRequests, pending)
}

func (h *Handler) handleActivatePremium(ctx context.Context, conn *Connection, data json.RawMessage) error {
	identity, err := h.coordinator.Require(conn.ID())
	if err != nil {
		return err
	}
	var req PremiumPayload
	if err := decode(data, &req); err != nil {
		return err
	}
	user, err := h.accounts.ActivatePremium(ctx, identity.Key, req.Code)
	if err != nil {
		return err
	}
	return conn.Send(EventPremiumActivated, map[string]bool{"premium": user.Premium})
}

func (h *Handler) handlePing(ctx context.Context, conn *Connection, data json.RawMessage) error {
	return conn.Send(EventPong, nil)
}
