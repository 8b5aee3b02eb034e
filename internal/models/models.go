package models

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Identity is an authenticated user as seen by the session layer.
// Key is stable and immutable (the account email), Handle is the unique
// display name.
type Identity struct {
	Key    string `json:"key"`
	Handle string `json:"handle"`
}

// IsZero reports whether the identity is unset
func (i Identity) IsZero() bool {
	return i.Key == ""
}

// Validate validates an Identity
func (i Identity) Validate() error {
	if i.Key == "" {
		return ErrInvalidIdentity
	}
	if i.Handle == "" {
		return ErrInvalidHandle
	}
	return nil
}

// User is a registered account
type User struct {
	Key          string     `json:"key"`
	Handle       string     `json:"handle"`
	PasswordHash string     `json:"-"`
	Premium      bool       `json:"premium"`
	CreatedAt    time.Time  `json:"created_at"`
	LastLogin    *time.Time `json:"last_login,omitempty"`
}

// Identity returns the session identity for the user
func (u *User) Identity() Identity {
	return Identity{Key: u.Key, Handle: u.Handle}
}

// RoomKind is the access class of a room
type RoomKind string

const (
	RoomKindPublic  RoomKind = "public"
	RoomKindPrivate RoomKind = "private"
	RoomKindPremium RoomKind = "premium"
	RoomKindDirect  RoomKind = "direct"
)

// Valid reports whether k is a known room kind
func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindPublic, RoomKindPrivate, RoomKindPremium, RoomKindDirect:
		return true
	}
	return false
}

// RequiresMembership reports whether posting or joining needs prior durable membership.
// Public rooms admit anyone naming a valid room id.
func (k RoomKind) RequiresMembership() bool {
	return k != RoomKindPublic
}

// Room is a named message-scoping context
type Room struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Kind        RoomKind  `json:"type"`
	Creator     string    `json:"creator"`
	CreatedAt   time.Time `json:"created_at"`
	Members     []string  `json:"members"`
}

// NewRoom creates a room with the creator as its first member.
// The system creator is never added as a member.
func NewRoom(id, name, description string, kind RoomKind, creator string, now time.Time) *Room {
	room := &Room{
		ID:          id,
		Name:        name,
		Description: description,
		Kind:        kind,
		Creator:     creator,
		CreatedAt:   now.UTC(),
		Members:     []string{},
	}
	if creator != "" && creator != SystemCreator {
		room.Members = append(room.Members, creator)
	}
	return room
}

// NewDirectRoom creates the synthetic room shared by two identities
func NewDirectRoom(a, b string, now time.Time) *Room {
	pair := []string{a, b}
	sort.Strings(pair)
	return &Room{
		ID:        DeriveDirectRoomID(a, b),
		Name:      pair[0] + " & " + pair[1],
		Kind:      RoomKindDirect,
		Creator:   a,
		CreatedAt: now.UTC(),
		Members:   pair,
	}
}

// SystemCreator is the creator recorded for rooms seeded by the server
const SystemCreator = "system"

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// RoomSlug derives a room id from a display name. It returns "" for names
// without letters or digits.
func RoomSlug(name string) string {
	return strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
}

// Validate validates a Room
func (r *Room) Validate() error {
	if r.ID == "" {
		return ErrInvalidRoomID
	}
	if strings.TrimSpace(r.Name) == "" {
		return ErrInvalidRoomName
	}
	if !r.Kind.Valid() {
		return ErrInvalidRoomKind
	}
	return nil
}

// HasMember reports whether identity is in the durable member set
func (r *Room) HasMember(identity string) bool {
	for _, m := range r.Members {
		if m == identity {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the room
func (r *Room) Clone() *Room {
	c := *r
	c.Members = append([]string(nil), r.Members...)
	return &c
}

const directRoomPrefix = "dm:"

// DeriveDirectRoomID returns the room id shared by two identities.
// The pair is sorted, so the result does not depend on argument order, and the
// first identity is length-prefixed so distinct pairs never collide whatever
// characters the identities contain.
func DeriveDirectRoomID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return directRoomPrefix + strconv.Itoa(len(a)) + ":" + a + ":" + b
}

// ParseDirectRoomID returns the two identities encoded in a direct room id
func ParseDirectRoomID(id string) (string, string, error) {
	rest, ok := strings.CutPrefix(id, directRoomPrefix)
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoomID, id)
	}
	lenStr, rest, ok := strings.Cut(rest, ":")
	if !ok {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoomID, id)
	}
	n, err := strconv.Atoi(lenStr)
	if err != nil || n < 0 || n+1 > len(rest) || rest[n] != ':' {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRoomID, id)
	}
	return rest[:n], rest[n+1:], nil
}

// IsDirectRoomID reports whether id has the direct room shape
func IsDirectRoomID(id string) bool {
	_, _, err := ParseDirectRoomID(id)
	return err == nil
}

// MessageKind distinguishes room messages from direct messages
type MessageKind string

const (
	MessageKindRoom   MessageKind = "room"
	MessageKindDirect MessageKind = "direct"
)

// Message is an immutable chat message
type Message struct {
	ID              string      `json:"id"`
	Sender          string      `json:"sender"`
	SenderHandle    string      `json:"username"`
	RoomID          string      `json:"room"`
	Recipient       string      `json:"to,omitempty"`
	Body            string      `json:"message"`
	Kind            MessageKind `json:"type"`
	Timestamp       time.Time   `json:"timestamp"`
	ClientTimestamp *time.Time  `json:"client_timestamp,omitempty"`
}

// NewRoomMessage builds a room message. Timestamp is the authoritative server time.
func NewRoomMessage(id string, sender Identity, roomID, body string, now time.Time, clientTS *time.Time) Message {
	return Message{
		ID:              id,
		Sender:          sender.Key,
		SenderHandle:    sender.Handle,
		RoomID:          roomID,
		Body:            body,
		Kind:            MessageKindRoom,
		Timestamp:       now.UTC(),
		ClientTimestamp: clientTS,
	}
}

// NewDirectMessage builds a direct message keyed by the derived direct room id
func NewDirectMessage(id string, sender Identity, recipient, body string, now time.Time) Message {
	return Message{
		ID:           id,
		Sender:       sender.Key,
		SenderHandle: sender.Handle,
		RoomID:       DeriveDirectRoomID(sender.Key, recipient),
		Recipient:    recipient,
		Body:         body,
		Kind:         MessageKindDirect,
		Timestamp:    now.UTC(),
	}
}

// Validate validates a Message
func (m *Message) Validate() error {
	if m.ID == "" {
		return ErrInvalidMessageID
	}
	if m.Sender == "" {
		return ErrInvalidIdentity
	}
	if m.RoomID == "" {
		return ErrInvalidRoomID
	}
	if strings.TrimSpace(m.Body) == "" {
		return ErrEmptyMessage
	}
	if m.Timestamp.IsZero() {
		return ErrInvalidTimestamp
	}
	return nil
}

// FriendRequest is a pending friendship request
type FriendRequest struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	CreatedAt time.Time `json:"created_at"`
}

// Friend is a friend entry with live presence
type Friend struct {
	Key       string `json:"key"`
	Handle    string `json:"username"`
	Connected bool   `json:"connected"`
}
