package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lists every backend that can run without external services
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"file": func(t *testing.T) Store {
			s, err := NewFileStore(filepath.Join(t.TempDir(), "data.json"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(":memory:")
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func testRoom(id string, kind models.RoomKind, creator string) *models.Room {
	return models.NewRoom(id, "Room "+id, "", kind, creator, time.Now().UTC().Truncate(time.Millisecond))
}

func TestStore_PutRoomIsCreateIfMissing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		created, err := s.PutRoom(ctx, testRoom("lounge", models.RoomKindPrivate, "alice"))
		require.NoError(t, err)
		assert.True(t, created)

		require.NoError(t, s.AddRoomMember(ctx, "lounge", "bob"))

		// A second put with different fields changes nothing
		again := models.NewRoom("lounge", "Renamed", "", models.RoomKindPublic, "carol", time.Now())
		created, err = s.PutRoom(ctx, again)
		require.NoError(t, err)
		assert.False(t, created)

		room, err := s.GetRoom(ctx, "lounge")
		require.NoError(t, err)
		assert.Equal(t, "Room lounge", room.Name)
		assert.Equal(t, models.RoomKindPrivate, room.Kind)
		assert.Equal(t, []string{"alice", "bob"}, room.Members)
	})
}

func TestStore_GetRoomNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetRoom(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.AddRoomMember(context.Background(), "nope", "alice")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Membership(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.PutRoom(ctx, testRoom("r1", models.RoomKindPublic, models.SystemCreator))
		require.NoError(t, err)

		require.NoError(t, s.AddRoomMember(ctx, "r1", "alice"))
		require.NoError(t, s.AddRoomMember(ctx, "r1", "alice"))
		require.NoError(t, s.AddRoomMember(ctx, "r1", "bob"))
		require.NoError(t, s.RemoveRoomMember(ctx, "r1", "alice"))

		room, err := s.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, []string{"bob"}, room.Members)
	})
}

func TestStore_ListRoomsSkipsDirectRooms(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)

		general := models.NewRoom("general", "General", "", models.RoomKindPublic, models.SystemCreator, base)
		lounge := models.NewRoom("lounge", "Lounge", "", models.RoomKindPremium, "alice", base.Add(time.Second))
		dm := models.NewDirectRoom("alice", "bob", base.Add(2*time.Second))

		for _, r := range []*models.Room{general, lounge, dm} {
			_, err := s.PutRoom(ctx, r)
			require.NoError(t, err)
		}

		rooms, err := s.ListRooms(ctx)
		require.NoError(t, err)
		require.Len(t, rooms, 2)
		assert.Equal(t, "general", rooms[0].ID)
		assert.Equal(t, "lounge", rooms[1].ID)
		assert.Equal(t, []string{"alice"}, rooms[1].Members)
	})
}

func TestStore_HistoryRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.PutRoom(ctx, testRoom("general", models.RoomKindPublic, models.SystemCreator))
		require.NoError(t, err)

		sender := models.Identity{Key: "alice@example.com", Handle: "alice"}
		base := time.Now().UTC().Truncate(time.Millisecond)
		for i := 0; i < 5; i++ {
			msg := models.NewRoomMessage(fmt.Sprintf("m%d", i), sender, "general", fmt.Sprintf("hello %d", i), base.Add(time.Duration(i)*time.Second), nil)
			require.NoError(t, s.AppendMessage(ctx, &msg))
		}

		recent, err := s.RecentMessages(ctx, "general", 3)
		require.NoError(t, err)
		require.Len(t, recent, 3)
		assert.Equal(t, "m4", recent[0].ID)
		assert.Equal(t, "m3", recent[1].ID)
		assert.Equal(t, "m2", recent[2].ID)
		assert.Equal(t, "hello 4", recent[0].Body)
		assert.Equal(t, "alice", recent[0].SenderHandle)

		all, err := s.RecentMessages(ctx, "general", 0)
		require.NoError(t, err)
		assert.Len(t, all, 5)

		empty, err := s.RecentMessages(ctx, "other", 10)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}

func TestStore_PruneMessages(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		_, err := s.PutRoom(ctx, testRoom("general", models.RoomKindPublic, models.SystemCreator))
		require.NoError(t, err)

		sender := models.Identity{Key: "alice@example.com", Handle: "alice"}
		for i := 0; i < 10; i++ {
			msg := models.NewRoomMessage(fmt.Sprintf("m%d", i), sender, "general", "x", time.Now(), nil)
			require.NoError(t, s.AppendMessage(ctx, &msg))
		}

		require.NoError(t, s.PruneMessages(ctx, "general", 4))

		all, err := s.RecentMessages(ctx, "general", 0)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.Equal(t, "m9", all[0].ID)
		assert.Equal(t, "m6", all[3].ID)
	})
}

func TestStore_Users(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := &models.User{Key: "alice@example.com", Handle: "alice", PasswordHash: "h", CreatedAt: time.Now().UTC()}
		require.NoError(t, s.CreateUser(ctx, user))

		err := s.CreateUser(ctx, &models.User{Key: "alice@example.com", Handle: "other", PasswordHash: "h"})
		assert.ErrorIs(t, err, ErrConflict)
		err = s.CreateUser(ctx, &models.User{Key: "x@example.com", Handle: "alice", PasswordHash: "h"})
		assert.ErrorIs(t, err, ErrConflict)

		got, err := s.GetUserByHandle(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", got.Key)
		assert.Equal(t, "h", got.PasswordHash)

		got.Premium = true
		now := time.Now().UTC().Truncate(time.Millisecond)
		got.LastLogin = &now
		require.NoError(t, s.UpdateUser(ctx, got))

		reloaded, err := s.GetUser(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.True(t, reloaded.Premium)
		require.NotNil(t, reloaded.LastLogin)

		_, err = s.GetUser(ctx, "ghost@example.com")
		assert.ErrorIs(t, err, ErrNotFound)
		err = s.UpdateUser(ctx, &models.User{Key: "ghost@example.com", Handle: "ghost"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_Friends(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		req := &models.FriendRequest{From: "alice", To: "bob", CreatedAt: time.Now().UTC()}
		require.NoError(t, s.AddFriendRequest(ctx, req))
		require.NoError(t, s.AddFriendRequest(ctx, req))

		pending, err := s.ListFriendRequests(ctx, "bob")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "alice", pending[0].From)

		require.NoError(t, s.DeleteFriendRequest(ctx, "alice", "bob"))
		assert.ErrorIs(t, s.DeleteFriendRequest(ctx, "alice", "bob"), ErrNotFound)

		ok, err := s.AreFriends(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.AddFriendship(ctx, "bob", "alice"))
		require.NoError(t, s.AddFriendship(ctx, "alice", "carol"))

		ok, err = s.AreFriends(ctx, "alice", "bob")
		require.NoError(t, err)
		assert.True(t, ok)

		friends, err := s.ListFriends(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"bob", "carol"}, friends)
	})
}

func TestStore_ConcurrentPutRoomCreatesOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var wg sync.WaitGroup
		var mu sync.Mutex
		createdCount := 0

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				created, err := s.PutRoom(ctx, models.NewDirectRoom("alice", "bob", time.Now()))
				assert.NoError(t, err)
				if created {
					mu.Lock()
					createdCount++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, createdCount)
	})
}

func TestFileStore_ReloadsFromDisk(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "data.json")

	s, err := NewFileStore(path)
	require.NoError(t, err)

	_, err = s.PutRoom(ctx, testRoom("general", models.RoomKindPublic, models.SystemCreator))
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(ctx, &models.User{Key: "alice@example.com", Handle: "alice", PasswordHash: "secret-hash"}))
	require.NoError(t, s.AddFriendship(ctx, "alice@example.com", "bob@example.com"))
	msg := models.NewRoomMessage("m1", models.Identity{Key: "alice@example.com", Handle: "alice"}, "general", "hi", time.Now(), nil)
	require.NoError(t, s.AppendMessage(ctx, &msg))
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(path)
	require.NoError(t, err)

	user, err := reopened.GetUser(ctx, "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "secret-hash", user.PasswordHash)

	history, err := reopened.RecentMessages(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Body)

	ok, err := reopened.AreFriends(ctx, "bob@example.com", "alice@example.com")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStore_FailedWriteLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, os.Mkdir(dir, 0o755))

	s, err := NewFileStore(filepath.Join(dir, "data.json"))
	require.NoError(t, err)
	_, err = s.PutRoom(ctx, testRoom("general", models.RoomKindPublic, models.SystemCreator))
	require.NoError(t, err)

	// Writes fail while the directory is gone
	require.NoError(t, os.RemoveAll(dir))

	alice := models.Identity{Key: "alice@example.com", Handle: "alice"}
	lost := models.NewRoomMessage("m1", alice, "general", "lost?", time.Now(), nil)
	assert.Error(t, s.AppendMessage(ctx, &lost))
	assert.Error(t, s.AddRoomMember(ctx, "general", "alice@example.com"))
	created, err := s.PutRoom(ctx, testRoom("lounge", models.RoomKindPublic, "alice@example.com"))
	assert.Error(t, err)
	assert.False(t, created)

	history, err := s.RecentMessages(ctx, "general", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
	room, err := s.GetRoom(ctx, "general")
	require.NoError(t, err)
	assert.Empty(t, room.Members)
	_, err = s.GetRoom(ctx, "lounge")
	assert.ErrorIs(t, err, ErrNotFound)

	// A retry after recovery stores the message exactly once
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, s.AppendMessage(ctx, &lost))

	history, err = s.RecentMessages(ctx, "general", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "lost?", history[0].Body)

	reopened, err := NewFileStore(filepath.Join(dir, "data.json"))
	require.NoError(t, err)
	history, err = reopened.RecentMessages(ctx, "general", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}
