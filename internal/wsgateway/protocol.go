package wsgateway

import (
	"encoding/json"
	"time"
)

// Inbound event names
const (
	EventLogin               = "login"
	EventSignup              = "signup"
	EventAutoLogin           = "auto_login"
	EventRestoreSession      = "restore_session"
	EventLogout              = "logout"
	EventJoinRoom            = "join_room"
	EventJoin                = "join"
	EventLeaveServer         = "leave_server"
	EventLeave               = "leave"
	EventMessage             = "message"
	EventPrivateMessage      = "private_message"
	EventGetRoomMessages     = "get_room_messages"
	EventGetPrivateMessages  = "get_private_messages"
	EventGetRooms            = "get_rooms"
	EventGetRoomMembers      = "get_room_members"
	EventCreateRoom          = "create_room"
	EventGetFriends          = "get_friends"
	EventSendFriendRequest   = "send_friend_request"
	EventAcceptFriendRequest = "accept_friend_request"
	EventGetFriendRequests   = "get_friend_requests"
	EventActivatePremium     = "activate_premium"
	EventPing                = "ping"
)

// Outbound event names not owned by the session layer
const (
	EventConnected             = "connected"
	EventLoginSuccess          = "login_success"
	EventSignupSuccess         = "signup_success"
	EventSessionRestored       = "session_restored"
	EventLoggedOut             = "logged_out"
	EventLeftRoom              = "left_room"
	EventChatMessages          = "chat_messages"
	EventPrivateMessages       = "private_messages"
	EventRoomList              = "room_list"
	EventRoomMembers           = "room_members"
	EventRoomCreated           = "room_created"
	EventFriendsList           = "friends_list"
	EventFriendRequest         = "friend_request"
	EventFriendRequestSent     = "friend_request_sent"
	EventFriendRequestAccepted = "friend_request_accepted"
	EventFriendRequests        = "friend_requests"
	EventPremiumActivated      = "premium_activated"
	EventPong                  = "pong"
	EventError                 = "error"
)

// ClientMessage is a message from the client: a named event and its payload
type ClientMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is a message to the client
type ServerMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ErrorPayload is the body of every *_error event
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// TokenPayload carries a session token
type TokenPayload struct {
	Token string `json:"token"`
}

// RoomPayload names a room. Older clients call rooms servers.
type RoomPayload struct {
	Room   string `json:"room"`
	Server string `json:"server,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// RoomID returns the room named by the payload
func (p RoomPayload) RoomID() string {
	if p.Room != "" {
		return p.Room
	}
	return p.Server
}

// MessagePayload is a room message post
type MessagePayload struct {
	Room      string     `json:"room"`
	Server    string     `json:"server,omitempty"`
	Message   string          `json:"message"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// RoomID returns the room named by the payload
func (p MessagePayload) RoomID() string {
	if p.Room != "" {
		return p.Room
	}
	return p.Server
}

// ClientTimestamp returns the client's display hint. It accepts an RFC3339
// string or epoch milliseconds; anything else is dropped.
func (p MessagePayload) ClientTimestamp() *time.Time {
	if len(p.Timestamp) == 0 {
		return nil
	}
	var text string
	if err := json.Unmarshal(p.Timestamp, &text); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil
		}
		return &ts
	}
	var millis float64
	if err := json.Unmarshal(p.Timestamp, &millis); err == nil && millis > 0 {
		ts := time.UnixMilli(int64(millis)).UTC()
		return &ts
	}
	return nil
}

// PrivateMessagePayload is a direct message post, addressed by handle
type PrivateMessagePayload struct {
	To      string `json:"to"`
	Message string `json:"message"`
}

// FriendPayload names another user by handle
type FriendPayload struct {
	Username string `json:"username"`
	Friend   string `json:"friend,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Handle returns the handle named by the payload
func (p FriendPayload) Handle() string {
	if p.Username != "" {
		return p.Username
	}
	return p.Friend
}

// CreateRoomPayload describes a new room
type CreateRoomPayload struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type,omitempty"`
}

// PremiumPayload carries a premium activation code
type PremiumPayload struct {
	Code string `json:"code"`
}

// AuthSuccess is sent after login, signup and session restore
type AuthSuccess struct {
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Premium   bool      `json:"premium"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HistoryPayload is a history snapshot of a room
type HistoryPayload struct {
	Room     string      `json:"room,omitempty"`
	Friend   string      `json:"friend,omitempty"`
	Messages interface{} `json:"messages"`
}

// MembersPayload lists the live members of a room
type MembersPayload struct {
	Room    string   `json:"room"`
	Members []string `json:"members"`
}

// UsernamePayload names one user
type UsernamePayload struct {
	Username string `json:"username"`
}
