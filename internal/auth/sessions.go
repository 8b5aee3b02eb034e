package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/internal/storage"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
)

// SessionRecord is what the store keeps per issued token
type SessionRecord struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore tracks live session tokens in Redis so they can be revoked.
// Only the newest MaxPerUser sessions of an identity stay valid.
type SessionStore struct {
	redis      storage.RedisClient
	maxPerUser int
	now        func() time.Time
}

// NewSessionStore creates a session store
func NewSessionStore(redis storage.RedisClient, maxPerUser int) *SessionStore {
	return &SessionStore{
		redis:      redis,
		maxPerUser: maxPerUser,
		now:        time.Now,
	}
}

func sessionKey(id string) string {
	return "session:" + id
}

func userSessionsKey(identity string) string {
	return "sessions:" + identity
}

// Create stores the session described by claims and evicts the oldest
// sessions of the same identity beyond the cap
func (s *SessionStore) Create(ctx context.Context, claims *Claims) error {
	now := s.now()
	record := SessionRecord{
		ID:        claims.ID,
		Identity:  claims.Subject,
		CreatedAt: now,
		ExpiresAt: claims.ExpiresAt.Time,
	}
	ttl := record.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return fmt.Errorf("%w: session already expired", models.ErrAuthFailed)
	}

	if err := s.redis.Set(ctx, sessionKey(record.ID), record, ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}
	if err := s.redis.SetAdd(ctx, userSessionsKey(record.Identity), record.ID); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}

	return s.enforceCap(ctx, record.Identity)
}

// enforceCap drops expired ids from the index and revokes the oldest sessions
func (s *SessionStore) enforceCap(ctx context.Context, identity string) error {
	records, err := s.List(ctx, identity)
	if err != nil {
		return err
	}
	if s.maxPerUser <= 0 || len(records) <= s.maxPerUser {
		return nil
	}

	excess := records[:len(records)-s.maxPerUser]
	for _, record := range excess {
		if err := s.Revoke(ctx, identity, record.ID); err != nil {
			return err
		}
	}
	logger.Debug("Evicted old sessions",
		logger.Identity(identity),
		logger.Int("evicted", len(excess)),
	)
	return nil
}

// List returns the live sessions of identity, oldest first
func (s *SessionStore) List(ctx context.Context, identity string) ([]SessionRecord, error) {
	ids, err := s.redis.SetMembers(ctx, userSessionsKey(identity))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	records := make([]SessionRecord, 0, len(ids))
	var stale []string
	for _, id := range ids {
		var record SessionRecord
		err := s.redis.GetJSON(ctx, sessionKey(id), &record)
		if errors.Is(err, storage.ErrNotFound) {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
		records = append(records, record)
	}
	if len(stale) > 0 {
		if err := s.redis.SetRemove(ctx, userSessionsKey(identity), stale...); err != nil {
			return nil, fmt.Errorf("failed to prune sessions: %w", err)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

// Validate checks that the session exists and belongs to identity
func (s *SessionStore) Validate(ctx context.Context, identity string, id string) error {
	var record SessionRecord
	err := s.redis.GetJSON(ctx, sessionKey(id), &record)
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("%w: session expired", models.ErrAuthFailed)
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if record.Identity != identity {
		return fmt.Errorf("%w: session does not match token", models.ErrAuthFailed)
	}
	if !s.now().Before(record.ExpiresAt) {
		return fmt.Errorf("%w: session expired", models.ErrAuthFailed)
	}
	return nil
}

// Revoke deletes a session
func (s *SessionStore) Revoke(ctx context.Context, identity string, id string) error {
	if err := s.redis.Delete(ctx, sessionKey(id)); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err := s.redis.SetRemove(ctx, userSessionsKey(identity), id); err != nil {
		return fmt.Errorf("failed to unindex session: %w", err)
	}
	return nil
}
