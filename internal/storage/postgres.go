package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mohamedkhairy/echoroom/internal/config"
	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS rooms (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	creator     TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rooms_kind ON rooms (kind);

CREATE TABLE IF NOT EXISTS room_members (
	seq      BIGSERIAL PRIMARY KEY,
	room_id  TEXT NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
	identity TEXT NOT NULL,
	UNIQUE (room_id, identity)
);

CREATE TABLE IF NOT EXISTS messages (
	seq              BIGSERIAL PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	room_id          TEXT NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
	sender           TEXT NOT NULL,
	sender_handle    TEXT NOT NULL DEFAULT '',
	recipient        TEXT NOT NULL DEFAULT '',
	body             TEXT NOT NULL,
	kind             TEXT NOT NULL,
	timestamp        TIMESTAMPTZ NOT NULL,
	client_timestamp TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages (room_id, seq DESC);

CREATE TABLE IF NOT EXISTS users (
	user_key      TEXT PRIMARY KEY,
	handle        TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	premium       BOOLEAN NOT NULL DEFAULT FALSE,
	created_at    TIMESTAMPTZ NOT NULL,
	last_login    TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS friend_requests (
	from_key   TEXT NOT NULL,
	to_key     TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (from_key, to_key)
);
CREATE INDEX IF NOT EXISTS idx_friend_requests_to ON friend_requests (to_key);

CREATE TABLE IF NOT EXISTS friendships (
	a TEXT NOT NULL,
	b TEXT NOT NULL,
	PRIMARY KEY (a, b)
);
CREATE INDEX IF NOT EXISTS idx_friendships_b ON friendships (b);
`

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint violation
const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db       *sql.DB
	dbConfig config.DatabaseConfig
}

// postgresConnString builds the lib/pq connection string
func postgresConnString(dbConfig config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		dbConfig.Host,
		dbConfig.Port,
		dbConfig.User,
		dbConfig.Password,
		dbConfig.Database,
		dbConfig.SSLMode,
	)
}

// NewPostgresStore connects to PostgreSQL and creates the schema if needed
func NewPostgresStore(dbConfig config.DatabaseConfig) (*PostgresStore, error) {
	// Open database connection
	db, err := sql.Open("postgres", postgresConnString(dbConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(dbConfig.MaxConnections)
	db.SetMaxIdleConns(dbConfig.MaxIdleConns)
	db.SetConnMaxLifetime(dbConfig.ConnMaxLifetime)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	logger.Info("Connected to PostgreSQL",
		logger.String("host", dbConfig.Host),
		logger.Int("port", dbConfig.Port),
		logger.String("database", dbConfig.Database),
	)

	return &PostgresStore{db: db, dbConfig: dbConfig}, nil
}

func (p *PostgresStore) GetRoom(ctx context.Context, roomID string) (room *models.Room, err error) {
	defer observe("postgres", "get_room", time.Now(), &err)

	var row roomRow
	err = p.db.QueryRowContext(ctx, `
		SELECT id, name, description, kind, creator, created_at
		FROM rooms WHERE id = $1
	`, roomID).Scan(&row.ID, &row.Name, &row.Description, &row.Kind, &row.Creator, &row.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}

	members, err := p.roomMembers(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return roomFromRow(&row, members), nil
}

func (p *PostgresStore) roomMembers(ctx context.Context, roomID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT identity FROM room_members WHERE room_id = $1 ORDER BY seq ASC
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query room members: %w", err)
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var identity string
		if err := rows.Scan(&identity); err != nil {
			return nil, fmt.Errorf("failed to scan room member: %w", err)
		}
		members = append(members, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating room members: %w", err)
	}
	return members, nil
}

func (p *PostgresStore) PutRoom(ctx context.Context, room *models.Room) (created bool, err error) {
	defer observe("postgres", "put_room", time.Now(), &err)
	if err := room.Validate(); err != nil {
		return false, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id, name, description, kind, creator, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, room.ID, room.Name, room.Description, string(room.Kind), room.Creator, room.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert room: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if len(room.Members) > 0 {
		// unnest keeps member order in one round trip
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_members (room_id, identity)
			SELECT $1::text, m FROM unnest($2::text[]) WITH ORDINALITY AS t(m, ord)
			ORDER BY ord
			ON CONFLICT (room_id, identity) DO NOTHING
		`, room.ID, pq.Array(room.Members)); err != nil {
			return false, fmt.Errorf("failed to insert room members: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func (p *PostgresStore) ListRooms(ctx context.Context) (rooms []*models.Room, err error) {
	defer observe("postgres", "list_rooms", time.Now(), &err)

	rows, err := p.db.QueryContext(ctx, `
		SELECT r.id, r.name, r.description, r.kind, r.creator, r.created_at,
		       COALESCE(array_agg(m.identity ORDER BY m.seq) FILTER (WHERE m.identity IS NOT NULL), '{}')
		FROM rooms r
		LEFT JOIN room_members m ON m.room_id = r.id
		WHERE r.kind <> $1
		GROUP BY r.id
		ORDER BY r.created_at ASC
	`, string(models.RoomKindDirect))
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row roomRow
		var members []string
		if err := rows.Scan(
			&row.ID, &row.Name, &row.Description, &row.Kind, &row.Creator, &row.CreatedAt,
			pq.Array(&members),
		); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		rooms = append(rooms, roomFromRow(&row, members))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rooms: %w", err)
	}
	return rooms, nil
}

func (p *PostgresStore) AddRoomMember(ctx context.Context, roomID string, identity string) (err error) {
	defer observe("postgres", "add_room_member", time.Now(), &err)

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO room_members (room_id, identity) VALUES ($1, $2)
		ON CONFLICT (room_id, identity) DO NOTHING
	`, roomID, identity)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "foreign_key_violation" {
		return fmt.Errorf("room %q: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to add room member: %w", err)
	}
	return nil
}

func (p *PostgresStore) RemoveRoomMember(ctx context.Context, roomID string, identity string) (err error) {
	defer observe("postgres", "remove_room_member", time.Now(), &err)

	if _, err := p.db.ExecContext(ctx, `
		DELETE FROM room_members WHERE room_id = $1 AND identity = $2
	`, roomID, identity); err != nil {
		return fmt.Errorf("failed to remove room member: %w", err)
	}
	return nil
}

func (p *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) (err error) {
	defer observe("postgres", "append_message", time.Now(), &err)
	if err := msg.Validate(); err != nil {
		return err
	}

	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, sender, sender_handle, recipient, body, kind, timestamp, client_timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		msg.ID,
		msg.RoomID,
		msg.Sender,
		msg.SenderHandle,
		msg.Recipient,
		msg.Body,
		string(msg.Kind),
		msg.Timestamp,
		msg.ClientTimestamp,
	); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (p *PostgresStore) RecentMessages(ctx context.Context, roomID string, limit int) (msgs []*models.Message, err error) {
	defer observe("postgres", "recent_messages", time.Now(), &err)

	// LIMIT NULL means no limit
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, room_id, sender, sender_handle, recipient, body, kind, timestamp, client_timestamp
		FROM messages
		WHERE room_id = $1
		ORDER BY seq DESC
		LIMIT $2
	`, roomID, limitArg)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row messageRow
		var clientTS sql.NullTime
		if err := rows.Scan(
			&row.ID,
			&row.RoomID,
			&row.Sender,
			&row.SenderHandle,
			&row.Recipient,
			&row.Body,
			&row.Kind,
			&row.Timestamp,
			&clientTS,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if clientTS.Valid {
			row.ClientTimestamp = &clientTS.Time
		}
		msgs = append(msgs, messageFromRow(&row))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return msgs, nil
}

func (p *PostgresStore) PruneMessages(ctx context.Context, roomID string, keep int) (err error) {
	defer observe("postgres", "prune_messages", time.Now(), &err)
	if keep <= 0 {
		return nil
	}

	if _, err := p.db.ExecContext(ctx, `
		DELETE FROM messages
		WHERE room_id = $1 AND seq < (
			SELECT MIN(seq) FROM (
				SELECT seq FROM messages WHERE room_id = $1 ORDER BY seq DESC LIMIT $2
			) newest
		)
	`, roomID, keep); err != nil {
		return fmt.Errorf("failed to prune messages: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreateUser(ctx context.Context, user *models.User) (err error) {
	defer observe("postgres", "create_user", time.Now(), &err)

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO users (user_key, handle, password_hash, premium, created_at, last_login)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.Key, user.Handle, user.PasswordHash, user.Premium, user.CreatedAt, user.LastLogin)
	if isUniqueViolation(err) {
		return fmt.Errorf("user %q: %w", user.Key, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetUser(ctx context.Context, key string) (user *models.User, err error) {
	defer observe("postgres", "get_user", time.Now(), &err)
	return p.findUser(ctx, "user_key", key)
}

func (p *PostgresStore) GetUserByHandle(ctx context.Context, handle string) (user *models.User, err error) {
	defer observe("postgres", "get_user_by_handle", time.Now(), &err)
	return p.findUser(ctx, "handle", handle)
}

// findUser looks a user up by one of its unique columns
func (p *PostgresStore) findUser(ctx context.Context, column string, value string) (*models.User, error) {
	var row userRow
	var lastLogin sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT user_key, handle, password_hash, premium, created_at, last_login
		FROM users WHERE `+pq.QuoteIdentifier(column)+` = $1
	`, value).Scan(&row.Key, &row.Handle, &row.PasswordHash, &row.Premium, &row.CreatedAt, &lastLogin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user %q: %w", value, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	if lastLogin.Valid {
		row.LastLogin = &lastLogin.Time
	}
	return userFromRow(&row), nil
}

func (p *PostgresStore) UpdateUser(ctx context.Context, user *models.User) (err error) {
	defer observe("postgres", "update_user", time.Now(), &err)

	result, err := p.db.ExecContext(ctx, `
		UPDATE users SET handle = $2, password_hash = $3, premium = $4, last_login = $5
		WHERE user_key = $1
	`, user.Key, user.Handle, user.PasswordHash, user.Premium, user.LastLogin)
	if isUniqueViolation(err) {
		return fmt.Errorf("handle %q: %w", user.Handle, ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("user %q: %w", user.Key, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) AddFriendRequest(ctx context.Context, req *models.FriendRequest) (err error) {
	defer observe("postgres", "add_friend_request", time.Now(), &err)

	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO friend_requests (from_key, to_key, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (from_key, to_key) DO NOTHING
	`, req.From, req.To, req.CreatedAt); err != nil {
		return fmt.Errorf("failed to add friend request: %w", err)
	}
	return nil
}

func (p *PostgresStore) ListFriendRequests(ctx context.Context, key string) (reqs []*models.FriendRequest, err error) {
	defer observe("postgres", "list_friend_requests", time.Now(), &err)

	rows, err := p.db.QueryContext(ctx, `
		SELECT from_key, to_key, created_at FROM friend_requests
		WHERE to_key = $1 ORDER BY created_at ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query friend requests: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var req models.FriendRequest
		if err := rows.Scan(&req.From, &req.To, &req.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan friend request: %w", err)
		}
		reqs = append(reqs, &req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating friend requests: %w", err)
	}
	return reqs, nil
}

func (p *PostgresStore) DeleteFriendRequest(ctx context.Context, from, to string) (err error) {
	defer observe("postgres", "delete_friend_request", time.Now(), &err)

	result, err := p.db.ExecContext(ctx, `
		DELETE FROM friend_requests WHERE from_key = $1 AND to_key = $2
	`, from, to)
	if err != nil {
		return fmt.Errorf("failed to delete friend request: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("friend request %q -> %q: %w", from, to, ErrNotFound)
	}
	return nil
}

func (p *PostgresStore) AddFriendship(ctx context.Context, a, b string) (err error) {
	defer observe("postgres", "add_friendship", time.Now(), &err)

	pair := friendKey(a, b)
	if _, err := p.db.ExecContext(ctx, `
		INSERT INTO friendships (a, b) VALUES ($1, $2) ON CONFLICT (a, b) DO NOTHING
	`, pair[0], pair[1]); err != nil {
		return fmt.Errorf("failed to add friendship: %w", err)
	}
	return nil
}

func (p *PostgresStore) AreFriends(ctx context.Context, a, b string) (ok bool, err error) {
	defer observe("postgres", "are_friends", time.Now(), &err)

	pair := friendKey(a, b)
	if err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM friendships WHERE a = $1 AND b = $2)
	`, pair[0], pair[1]).Scan(&ok); err != nil {
		return false, fmt.Errorf("failed to check friendship: %w", err)
	}
	return ok, nil
}

func (p *PostgresStore) ListFriends(ctx context.Context, key string) (friends []string, err error) {
	defer observe("postgres", "list_friends", time.Now(), &err)

	rows, err := p.db.QueryContext(ctx, `
		SELECT CASE WHEN a = $1 THEN b ELSE a END AS friend
		FROM friendships WHERE a = $1 OR b = $1
		ORDER BY friend
	`, key)
	if err != nil {
		return nil, fmt.Errorf("failed to query friends: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var friend string
		if err := rows.Scan(&friend); err != nil {
			return nil, fmt.Errorf("failed to scan friend: %w", err)
		}
		friends = append(friends, friend)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating friends: %w", err)
	}
	return friends, nil
}

// Close closes the database connection
func (p *PostgresStore) Close() error {
	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	logger.Info("PostgreSQL storage closed")
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
