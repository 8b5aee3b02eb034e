package session

import (
	"context"

	"github.com/mohamedkhairy/echoroom/internal/models"
)

// Endpoint is one live transport connection as seen by the session layer.
// Send must not block: a full or closed endpoint returns an error and the
// event is dropped for that recipient only.
type Endpoint interface {
	ID() string
	Send(event string, payload interface{}) error
	Close()
}

// FriendshipGate decides whether two identities may exchange direct messages
type FriendshipGate interface {
	AreFriends(ctx context.Context, a, b string) (bool, error)
}

// PremiumGate decides whether an identity may enter premium rooms
type PremiumGate interface {
	IsPremium(ctx context.Context, key string) (bool, error)
}

// PresenceNotifier is told when an identity comes online or goes offline
type PresenceNotifier interface {
	Online(identity models.Identity)
	Offline(identity models.Identity)
}
