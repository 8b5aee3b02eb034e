package models

import "errors"

var (
	ErrInvalidIdentity  = errors.New("invalid identity")
	ErrInvalidHandle    = errors.New("invalid handle")
	ErrInvalidRoomID    = errors.New("invalid room ID")
	ErrInvalidRoomName  = errors.New("invalid room name")
	ErrInvalidRoomKind  = errors.New("invalid room kind")
	ErrInvalidMessageID = errors.New("invalid message ID")
	ErrEmptyMessage     = errors.New("message body is empty")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// Session layer failures. Every one of them is reported to the originating
// connection only.
var (
	ErrSessionRequired    = errors.New("authentication required")
	ErrRoomNotFound       = errors.New("room not found")
	ErrNotAMember         = errors.New("not a member of this room")
	ErrNotFriends         = errors.New("users are not friends")
	ErrDuplicateBinding   = errors.New("identity was bound to another connection")
	ErrPersistenceFailure = errors.New("persistence failure")
	ErrAuthFailed         = errors.New("authentication failed")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUserNotFound       = errors.New("user not found")
	ErrAlreadyRegistered  = errors.New("already registered")
)

// Error kind tags sent to clients
const (
	KindSessionRequired    = "session_required"
	KindRoomNotFound       = "room_not_found"
	KindNotAMember         = "not_a_member"
	KindNotFriends         = "not_friends"
	KindDuplicateBinding   = "duplicate_binding"
	KindPersistenceFailure = "persistence_failure"
	KindAuthFailed         = "auth_failed"
	KindInvalidRequest     = "invalid_request"
	KindUserNotFound       = "user_not_found"
	KindAlreadyRegistered  = "already_registered"
	KindInternal           = "internal"
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrSessionRequired, KindSessionRequired},
	{ErrRoomNotFound, KindRoomNotFound},
	{ErrNotAMember, KindNotAMember},
	{ErrNotFriends, KindNotFriends},
	{ErrDuplicateBinding, KindDuplicateBinding},
	{ErrPersistenceFailure, KindPersistenceFailure},
	{ErrAuthFailed, KindAuthFailed},
	{ErrUserNotFound, KindUserNotFound},
	{ErrAlreadyRegistered, KindAlreadyRegistered},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrInvalidIdentity, KindInvalidRequest},
	{ErrInvalidHandle, KindInvalidRequest},
	{ErrInvalidRoomID, KindInvalidRequest},
	{ErrInvalidRoomName, KindInvalidRequest},
	{ErrInvalidRoomKind, KindInvalidRequest},
	{ErrEmptyMessage, KindInvalidRequest},
}

// KindOf returns the stable kind tag for err
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindInternal
}
