package session

import (
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/samber/lo"
)

// Outbound event names
const (
	EventMessage            = "message"
	EventPrivateMessage     = "private_message"
	EventRoomJoined         = "room_joined"
	EventUserJoined         = "user_joined"
	EventUserLeft           = "user_left"
	EventRoomMembersUpdated = "room_members_updated"
	EventSessionSuperseded  = "session_superseded"
)

// RoomView is a room as shown to clients
type RoomView struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Kind        models.RoomKind `json:"type"`
	CreatedAt   time.Time       `json:"created_at"`
	MemberCount int             `json:"member_count"`
}

// NewRoomView builds the client view of room
func NewRoomView(room *models.Room) RoomView {
	return RoomView{
		ID:          room.ID,
		Name:        room.Name,
		Description: room.Description,
		Kind:        room.Kind,
		CreatedAt:   room.CreatedAt,
		MemberCount: len(room.Members),
	}
}

// RoomJoined is sent to the connection that joined a room
type RoomJoined struct {
	Room    RoomView `json:"room"`
	Members []string `json:"members"`
}

// MembershipUpdate is sent to the other live members of a room when its
// live member set changes
type MembershipUpdate struct {
	Room     string   `json:"room"`
	Username string   `json:"username,omitempty"`
	Members  []string `json:"members"`
}

// Superseded is sent to a connection that lost its binding to a newer login
type Superseded struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// handles returns the display handles of identities
func handles(identities []models.Identity) []string {
	return lo.Map(identities, func(id models.Identity, _ int) string {
		return id.Handle
	})
}
