package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/internal/storage"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
	"github.com/samber/lo"
)

// ServiceConfig holds account policy settings
type ServiceConfig struct {
	MinPasswordLength int
	PremiumCode       string  // empty disables code activation
	Hasher            *Hasher // nil uses DefaultHasher
}

// Session is the result of a successful login or restore
type Session struct {
	User      *models.User
	Token     string
	ExpiresAt time.Time
}

// PendingRequest is an incoming friend request as shown to its recipient
type PendingRequest struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

// Service handles accounts, sessions and friendships
type Service struct {
	accounts storage.AccountStore
	tokens   *TokenManager
	sessions *SessionStore
	config   ServiceConfig
	hasher   *Hasher
	now      func() time.Time
}

// NewService creates a new account service
func NewService(accounts storage.AccountStore, tokens *TokenManager, sessions *SessionStore, config ServiceConfig) *Service {
	hasher := config.Hasher
	if hasher == nil {
		hasher = DefaultHasher
	}
	return &Service{
		accounts: accounts,
		tokens:   tokens,
		sessions: sessions,
		config:   config,
		hasher:   hasher,
		now:      time.Now,
	}
}

// Signup registers a new account. Email and handle are both unique.
func (s *Service) Signup(ctx context.Context, req SignupRequest) (*models.User, error) {
	req.Normalize()
	if err := ValidateSignup(req, s.config.MinPasswordLength); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		Key:          req.Email,
		Handle:       req.Handle,
		PasswordHash: hash,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.accounts.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: email or username already taken", models.ErrAlreadyRegistered)
		}
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}

	logger.Info("Account created", logger.Identity(user.Key), logger.String("handle", user.Handle))
	return user, nil
}

// Login checks credentials and opens a new session
func (s *Service) Login(ctx context.Context, req LoginRequest) (*Session, error) {
	req.Normalize()
	if err := ValidateLogin(req); err != nil {
		return nil, err
	}

	user, err := s.accounts.GetUser(ctx, req.Email)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: invalid email or password", models.ErrAuthFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}

	ok, err := s.hasher.Compare(req.Password, user.PasswordHash)
	if err != nil {
		logger.Error("Stored password hash is unreadable", logger.Identity(user.Key), logger.ErrorField(err))
		return nil, fmt.Errorf("%w: invalid email or password", models.ErrAuthFailed)
	}
	if !ok {
		return nil, fmt.Errorf("%w: invalid email or password", models.ErrAuthFailed)
	}

	now := s.now().UTC()
	user.LastLogin = &now
	if err := s.accounts.UpdateUser(ctx, user); err != nil {
		logger.Warn("Failed to record last login", logger.Identity(user.Key), logger.ErrorField(err))
	}

	return s.openSession(ctx, user)
}

func (s *Service) openSession(ctx context.Context, user *models.User) (*Session, error) {
	token, claims, err := s.tokens.Issue(user.Identity())
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Create(ctx, claims); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return &Session{User: user, Token: token, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Restore resumes a session from a previously issued token
func (s *Service) Restore(ctx context.Context, token string) (*Session, error) {
	claims, err := s.verify(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := s.accounts.GetUser(ctx, claims.Subject)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: account no longer exists", models.ErrAuthFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return &Session{User: user, Token: token, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// Authenticate returns the identity behind a live token
func (s *Service) Authenticate(ctx context.Context, token string) (models.Identity, error) {
	claims, err := s.verify(ctx, token)
	if err != nil {
		return models.Identity{}, err
	}
	return claims.Identity(), nil
}

func (s *Service) verify(ctx context.Context, token string) (*Claims, error) {
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Validate(ctx, claims.Subject, claims.ID); err != nil {
		return nil, err
	}
	return claims, nil
}

// Logout revokes the session behind token
func (s *Service) Logout(ctx context.Context, token string) error {
	claims, err := s.tokens.ValidateToken(token)
	if err != nil {
		return err
	}
	if err := s.sessions.Revoke(ctx, claims.Subject, claims.ID); err != nil {
		return fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return nil
}

// ActivatePremium upgrades an account when code matches the configured code
func (s *Service) ActivatePremium(ctx context.Context, key string, code string) (*models.User, error) {
	if s.config.PremiumCode == "" || code != s.config.PremiumCode {
		return nil, fmt.Errorf("%w: invalid premium code", models.ErrInvalidRequest)
	}

	user, err := s.getUser(ctx, key)
	if err != nil {
		return nil, err
	}
	if user.Premium {
		return user, nil
	}
	user.Premium = true
	if err := s.accounts.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}

	logger.Info("Premium activated", logger.Identity(key))
	return user, nil
}

// IsPremium reports whether the account has premium access
func (s *Service) IsPremium(ctx context.Context, key string) (bool, error) {
	user, err := s.getUser(ctx, key)
	if err != nil {
		return false, err
	}
	return user.Premium, nil
}

// ResolveHandle returns the identity registered under handle
func (s *Service) ResolveHandle(ctx context.Context, handle string) (models.Identity, error) {
	user, err := s.accounts.GetUserByHandle(ctx, handle)
	if errors.Is(err, storage.ErrNotFound) {
		return models.Identity{}, fmt.Errorf("%w: %q", models.ErrUserNotFound, handle)
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return user.Identity(), nil
}

func (s *Service) getUser(ctx context.Context, key string) (*models.User, error) {
	user, err := s.accounts.GetUser(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %q", models.ErrUserNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return user, nil
}

// SendFriendRequest records a request from sender to the account named
// toHandle. A request to an existing friend is a no-op.
func (s *Service) SendFriendRequest(ctx context.Context, from models.Identity, toHandle string) (models.Identity, error) {
	to, err := s.ResolveHandle(ctx, toHandle)
	if err != nil {
		return models.Identity{}, err
	}
	if to.Key == from.Key {
		return models.Identity{}, fmt.Errorf("%w: cannot befriend yourself", models.ErrInvalidRequest)
	}

	friends, err := s.AreFriends(ctx, from.Key, to.Key)
	if err != nil {
		return models.Identity{}, err
	}
	if friends {
		return to, nil
	}

	req := &models.FriendRequest{From: from.Key, To: to.Key, CreatedAt: s.now().UTC()}
	if err := s.accounts.AddFriendRequest(ctx, req); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return to, nil
}

// AcceptFriendRequest turns the pending request from fromHandle into a friendship
func (s *Service) AcceptFriendRequest(ctx context.Context, to models.Identity, fromHandle string) (models.Identity, error) {
	from, err := s.ResolveHandle(ctx, fromHandle)
	if err != nil {
		return models.Identity{}, err
	}

	if err := s.accounts.DeleteFriendRequest(ctx, from.Key, to.Key); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Identity{}, fmt.Errorf("%w: no pending request from %q", models.ErrInvalidRequest, fromHandle)
		}
		return models.Identity{}, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	if err := s.accounts.AddFriendship(ctx, from.Key, to.Key); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}

	logger.Info("Friendship created", logger.Identity(to.Key), logger.String("friend", from.Key))
	return from, nil
}

// ListFriendRequests returns the requests waiting for key's answer
func (s *Service) ListFriendRequests(ctx context.Context, key string) ([]PendingRequest, error) {
	reqs, err := s.accounts.ListFriendRequests(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}

	pending := make([]PendingRequest, 0, len(reqs))
	for _, req := range reqs {
		user, err := s.accounts.GetUser(ctx, req.From)
		if err != nil {
			// Requests from deleted accounts are skipped
			continue
		}
		pending = append(pending, PendingRequest{Username: user.Handle, CreatedAt: req.CreatedAt})
	}
	return pending, nil
}

// ListFriends returns the identities of key's friends
func (s *Service) ListFriends(ctx context.Context, key string) ([]models.Identity, error) {
	keys, err := s.accounts.ListFriends(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}

	users := make([]*models.User, 0, len(keys))
	for _, k := range keys {
		user, err := s.accounts.GetUser(ctx, k)
		if err != nil {
			continue
		}
		users = append(users, user)
	}
	return lo.Map(users, func(u *models.User, _ int) models.Identity {
		return u.Identity()
	}), nil
}

// AreFriends reports whether a and b are mutual friends
func (s *Service) AreFriends(ctx context.Context, a, b string) (bool, error) {
	ok, err := s.accounts.AreFriends(ctx, a, b)
	if err != nil {
		return false, fmt.Errorf("%w: %w", models.ErrPersistenceFailure, err)
	}
	return ok, nil
}
