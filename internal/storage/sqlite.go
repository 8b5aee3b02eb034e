package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// roomRow is the rooms table
type roomRow struct {
	ID          string    `gorm:"primarykey;size:255"`
	Name        string    `gorm:"size:100;not null"`
	Description string    `gorm:"size:500"`
	Kind        string    `gorm:"size:16;not null;index"`
	Creator     string    `gorm:"size:255"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (roomRow) TableName() string {
	return "rooms"
}

// roomMemberRow is the durable membership table
type roomMemberRow struct {
	Seq      uint   `gorm:"primarykey;autoIncrement"`
	RoomID   string `gorm:"size:255;not null;uniqueIndex:idx_room_member"`
	Identity string `gorm:"size:255;not null;uniqueIndex:idx_room_member"`
}

func (roomMemberRow) TableName() string {
	return "room_members"
}

// messageRow is the messages table; Seq preserves append order within a room
type messageRow struct {
	Seq             uint       `gorm:"primarykey;autoIncrement"`
	ID              string     `gorm:"size:36;not null;uniqueIndex"`
	RoomID          string     `gorm:"size:255;not null;index"`
	Sender          string     `gorm:"size:255;not null"`
	SenderHandle    string     `gorm:"size:100"`
	Recipient       string     `gorm:"size:255"`
	Body            string     `gorm:"not null"`
	Kind            string     `gorm:"size:16;not null"`
	Timestamp       time.Time  `gorm:"not null"`
	ClientTimestamp *time.Time
}

func (messageRow) TableName() string {
	return "messages"
}

// userRow is the users table
type userRow struct {
	Key          string `gorm:"column:user_key;primarykey;size:255"`
	Handle       string `gorm:"size:100;not null;uniqueIndex"`
	PasswordHash string `gorm:"not null"`
	Premium      bool   `gorm:"not null;default:false"`
	CreatedAt    time.Time
	LastLogin    *time.Time
}

func (userRow) TableName() string {
	return "users"
}

// friendRequestRow is the pending friend request table
type friendRequestRow struct {
	From      string `gorm:"column:from_key;primarykey;size:255"`
	To        string `gorm:"column:to_key;primarykey;size:255;index"`
	CreatedAt time.Time
}

func (friendRequestRow) TableName() string {
	return "friend_requests"
}

// friendshipRow stores each friendship once with A < B
type friendshipRow struct {
	A string `gorm:"primarykey;size:255"`
	B string `gorm:"primarykey;size:255;index"`
}

func (friendshipRow) TableName() string {
	return "friendships"
}

// SQLiteStore implements Store on SQLite through gorm
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens the database at path and migrates the schema.
// Use ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serialises writers, and ":memory:" is per connection
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&roomRow{},
		&roomMemberRow{},
		&messageRow{},
		&userRow{},
		&friendRequestRow{},
		&friendshipRow{},
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate sqlite database: %w", err)
	}

	logger.Info("SQLite storage initialized", logger.String("path", path))

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetRoom(ctx context.Context, roomID string) (room *models.Room, err error) {
	defer observe("sqlite", "get_room", time.Now(), &err)

	var row roomRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", roomID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get room: %w", err)
	}

	var members []string
	if err := s.db.WithContext(ctx).Model(&roomMemberRow{}).
		Where("room_id = ?", roomID).
		Order("seq ASC").
		Pluck("identity", &members).Error; err != nil {
		return nil, fmt.Errorf("failed to get room members: %w", err)
	}

	return roomFromRow(&row, members), nil
}

func (s *SQLiteStore) PutRoom(ctx context.Context, room *models.Room) (created bool, err error) {
	defer observe("sqlite", "put_room", time.Now(), &err)
	if err := room.Validate(); err != nil {
		return false, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := roomRow{
			ID:          room.ID,
			Name:        room.Name,
			Description: room.Description,
			Kind:        string(room.Kind),
			Creator:     room.Creator,
			CreatedAt:   room.CreatedAt,
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return nil
		}
		created = true
		for _, member := range room.Members {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
				Create(&roomMemberRow{RoomID: room.ID, Identity: member}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to put room: %w", err)
	}
	return created, nil
}

func (s *SQLiteStore) ListRooms(ctx context.Context) (rooms []*models.Room, err error) {
	defer observe("sqlite", "list_rooms", time.Now(), &err)

	var rows []roomRow
	if err := s.db.WithContext(ctx).
		Where("kind <> ?", string(models.RoomKindDirect)).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}

	var memberRows []roomMemberRow
	if err := s.db.WithContext(ctx).
		Joins("JOIN rooms ON rooms.id = room_members.room_id").
		Where("rooms.kind <> ?", string(models.RoomKindDirect)).
		Order("room_members.seq ASC").
		Find(&memberRows).Error; err != nil {
		return nil, fmt.Errorf("failed to list room members: %w", err)
	}
	members := make(map[string][]string, len(rows))
	for _, m := range memberRows {
		members[m.RoomID] = append(members[m.RoomID], m.Identity)
	}

	rooms = make([]*models.Room, 0, len(rows))
	for i := range rows {
		rooms = append(rooms, roomFromRow(&rows[i], members[rows[i].ID]))
	}
	return rooms, nil
}

func (s *SQLiteStore) AddRoomMember(ctx context.Context, roomID string, identity string) (err error) {
	defer observe("sqlite", "add_room_member", time.Now(), &err)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&roomRow{}).Where("id = ?", roomID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check room: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("room %q: %w", roomID, ErrNotFound)
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&roomMemberRow{RoomID: roomID, Identity: identity}).Error; err != nil {
			return fmt.Errorf("failed to add room member: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) RemoveRoomMember(ctx context.Context, roomID string, identity string) (err error) {
	defer observe("sqlite", "remove_room_member", time.Now(), &err)

	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND identity = ?", roomID, identity).
		Delete(&roomMemberRow{}).Error; err != nil {
		return fmt.Errorf("failed to remove room member: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) (err error) {
	defer observe("sqlite", "append_message", time.Now(), &err)
	if err := msg.Validate(); err != nil {
		return err
	}

	row := messageRow{
		ID:              msg.ID,
		RoomID:          msg.RoomID,
		Sender:          msg.Sender,
		SenderHandle:    msg.SenderHandle,
		Recipient:       msg.Recipient,
		Body:            msg.Body,
		Kind:            string(msg.Kind),
		Timestamp:       msg.Timestamp,
		ClientTimestamp: msg.ClientTimestamp,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, roomID string, limit int) (msgs []*models.Message, err error) {
	defer observe("sqlite", "recent_messages", time.Now(), &err)

	query := s.db.WithContext(ctx).Where("room_id = ?", roomID).Order("seq DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []messageRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to get recent messages: %w", err)
	}

	msgs = make([]*models.Message, 0, len(rows))
	for i := range rows {
		msgs = append(msgs, messageFromRow(&rows[i]))
	}
	return msgs, nil
}

func (s *SQLiteStore) PruneMessages(ctx context.Context, roomID string, keep int) (err error) {
	defer observe("sqlite", "prune_messages", time.Now(), &err)
	if keep <= 0 {
		return nil
	}

	newest := s.db.Model(&messageRow{}).
		Select("seq").
		Where("room_id = ?", roomID).
		Order("seq DESC").
		Limit(keep)
	result := s.db.WithContext(ctx).
		Where("room_id = ? AND seq NOT IN (?)", roomID, newest).
		Delete(&messageRow{})
	if result.Error != nil {
		return fmt.Errorf("failed to prune messages: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		logger.Debug("Pruned messages",
			logger.Room(roomID),
			logger.Int64("deleted", result.RowsAffected),
		)
	}
	return nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, user *models.User) (err error) {
	defer observe("sqlite", "create_user", time.Now(), &err)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&userRow{}).
			Where("user_key = ? OR handle = ?", user.Key, user.Handle).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check user: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("user %q: %w", user.Key, ErrConflict)
		}
		if err := tx.Create(userToRow(user)).Error; err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetUser(ctx context.Context, key string) (user *models.User, err error) {
	defer observe("sqlite", "get_user", time.Now(), &err)
	return s.findUser(ctx, "user_key = ?", key)
}

func (s *SQLiteStore) GetUserByHandle(ctx context.Context, handle string) (user *models.User, err error) {
	defer observe("sqlite", "get_user_by_handle", time.Now(), &err)
	return s.findUser(ctx, "handle = ?", handle)
}

func (s *SQLiteStore) findUser(ctx context.Context, where string, arg string) (*models.User, error) {
	var row userRow
	if err := s.db.WithContext(ctx).First(&row, where, arg).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("user %q: %w", arg, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return userFromRow(&row), nil
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, user *models.User) (err error) {
	defer observe("sqlite", "update_user", time.Now(), &err)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&userRow{}).
			Where("handle = ? AND user_key <> ?", user.Handle, user.Key).
			Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check handle: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("handle %q: %w", user.Handle, ErrConflict)
		}
		result := tx.Model(&userRow{}).Where("user_key = ?", user.Key).Updates(map[string]interface{}{
			"handle":        user.Handle,
			"password_hash": user.PasswordHash,
			"premium":       user.Premium,
			"last_login":    user.LastLogin,
		})
		if result.Error != nil {
			return fmt.Errorf("failed to update user: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("user %q: %w", user.Key, ErrNotFound)
		}
		return nil
	})
}

func (s *SQLiteStore) AddFriendRequest(ctx context.Context, req *models.FriendRequest) (err error) {
	defer observe("sqlite", "add_friend_request", time.Now(), &err)

	row := friendRequestRow{From: req.From, To: req.To, CreatedAt: req.CreatedAt}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to add friend request: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListFriendRequests(ctx context.Context, key string) (reqs []*models.FriendRequest, err error) {
	defer observe("sqlite", "list_friend_requests", time.Now(), &err)

	var rows []friendRequestRow
	if err := s.db.WithContext(ctx).Where("to_key = ?", key).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list friend requests: %w", err)
	}
	reqs = make([]*models.FriendRequest, 0, len(rows))
	for _, row := range rows {
		reqs = append(reqs, &models.FriendRequest{From: row.From, To: row.To, CreatedAt: row.CreatedAt})
	}
	return reqs, nil
}

func (s *SQLiteStore) DeleteFriendRequest(ctx context.Context, from, to string) (err error) {
	defer observe("sqlite", "delete_friend_request", time.Now(), &err)

	result := s.db.WithContext(ctx).Where("from_key = ? AND to_key = ?", from, to).Delete(&friendRequestRow{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete friend request: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("friend request %q -> %q: %w", from, to, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) AddFriendship(ctx context.Context, a, b string) (err error) {
	defer observe("sqlite", "add_friendship", time.Now(), &err)

	pair := friendKey(a, b)
	row := friendshipRow{A: pair[0], B: pair[1]}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to add friendship: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AreFriends(ctx context.Context, a, b string) (ok bool, err error) {
	defer observe("sqlite", "are_friends", time.Now(), &err)

	pair := friendKey(a, b)
	var count int64
	if err := s.db.WithContext(ctx).Model(&friendshipRow{}).
		Where("a = ? AND b = ?", pair[0], pair[1]).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check friendship: %w", err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) ListFriends(ctx context.Context, key string) (friends []string, err error) {
	defer observe("sqlite", "list_friends", time.Now(), &err)

	var rows []friendshipRow
	if err := s.db.WithContext(ctx).Where("a = ? OR b = ?", key, key).Order("a, b").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list friends: %w", err)
	}
	friends = make([]string, 0, len(rows))
	for _, row := range rows {
		if row.A == key {
			friends = append(friends, row.B)
		} else {
			friends = append(friends, row.A)
		}
	}
	return friends, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func roomFromRow(row *roomRow, members []string) *models.Room {
	return &models.Room{
		ID:          row.ID,
		Name:        row.Name,
		Description: row.Description,
		Kind:        models.RoomKind(row.Kind),
		Creator:     row.Creator,
		CreatedAt:   row.CreatedAt,
		Members:     members,
	}
}

func messageFromRow(row *messageRow) *models.Message {
	return &models.Message{
		ID:              row.ID,
		Sender:          row.Sender,
		SenderHandle:    row.SenderHandle,
		RoomID:          row.RoomID,
		Recipient:       row.Recipient,
		Body:            row.Body,
		Kind:            models.MessageKind(row.Kind),
		Timestamp:       row.Timestamp,
		ClientTimestamp: row.ClientTimestamp,
	}
}

func userToRow(user *models.User) *userRow {
	return &userRow{
		Key:          user.Key,
		Handle:       user.Handle,
		PasswordHash: user.PasswordHash,
		Premium:      user.Premium,
		CreatedAt:    user.CreatedAt,
		LastLogin:    user.LastLogin,
	}
}

func userFromRow(row *userRow) *models.User {
	return &models.User{
		Key:          row.Key,
		Handle:       row.Handle,
		PasswordHash: row.PasswordHash,
		Premium:      row.Premium,
		CreatedAt:    row.CreatedAt,
		LastLogin:    row.LastLogin,
	}
}
