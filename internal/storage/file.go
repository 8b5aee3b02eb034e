package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
)

// FileStore implements Store as a single JSON document on disk.
// Reads are served from an in-memory working set; every mutation rewrites the
// document through a temp file and rename.
type FileStore struct {
	*MemoryStore

	path    string
	writeMu sync.Mutex
}

// NewFileStore opens (or creates) the document at path
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		MemoryStore: NewMemoryStore(),
		path:        path,
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("Data file not found, starting empty", logger.String("path", path))
	case err != nil:
		return nil, fmt.Errorf("failed to read data file: %w", err)
	case len(data) > 0:
		var snap memorySnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("failed to parse data file %s: %w", path, err)
		}
		s.restore(&snap)
		logger.Info("Loaded data file",
			logger.String("path", path),
			logger.Int("users", len(snap.Users)),
			logger.Int("rooms", len(snap.Rooms)),
		)
	}

	return s, nil
}

// commit applies a mutation to the working set and writes the document.
// When the write fails the working set is rolled back and the operation is
// not kept.
func (s *FileStore) commit(operation string, apply func() (bool, error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	before := s.snapshot()
	dirty, err := apply()
	if err != nil || !dirty {
		return err
	}
	if err := s.write(operation); err != nil {
		s.reset(before)
		logger.Warn("Rolled back data file mutation",
			logger.String("operation", operation),
			logger.ErrorField(err),
		)
		return err
	}
	return nil
}

func changed(err error) (bool, error) {
	return err == nil, err
}

// write serialises the working set to disk. Callers hold writeMu.
func (s *FileStore) write(operation string) (err error) {
	defer observe("file", operation, time.Now(), &err)

	data, err := json.MarshalIndent(s.snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal data file: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write data file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close data file: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace data file: %w", err)
	}
	return nil
}

func (s *FileStore) PutRoom(ctx context.Context, room *models.Room) (bool, error) {
	var created bool
	err := s.commit("put_room", func() (bool, error) {
		var err error
		created, err = s.MemoryStore.PutRoom(ctx, room)
		return created, err
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func (s *FileStore) AddRoomMember(ctx context.Context, roomID string, identity string) error {
	return s.commit("add_room_member", func() (bool, error) {
		return changed(s.MemoryStore.AddRoomMember(ctx, roomID, identity))
	})
}

func (s *FileStore) RemoveRoomMember(ctx context.Context, roomID string, identity string) error {
	return s.commit("remove_room_member", func() (bool, error) {
		return changed(s.MemoryStore.RemoveRoomMember(ctx, roomID, identity))
	})
}

func (s *FileStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	return s.commit("append_message", func() (bool, error) {
		return changed(s.MemoryStore.AppendMessage(ctx, msg))
	})
}

func (s *FileStore) PruneMessages(ctx context.Context, roomID string, keep int) error {
	return s.commit("prune_messages", func() (bool, error) {
		return changed(s.MemoryStore.PruneMessages(ctx, roomID, keep))
	})
}

func (s *FileStore) CreateUser(ctx context.Context, user *models.User) error {
	return s.commit("create_user", func() (bool, error) {
		return changed(s.MemoryStore.CreateUser(ctx, user))
	})
}

func (s *FileStore) UpdateUser(ctx context.Context, user *models.User) error {
	return s.commit("update_user", func() (bool, error) {
		return changed(s.MemoryStore.UpdateUser(ctx, user))
	})
}

func (s *FileStore) AddFriendRequest(ctx context.Context, req *models.FriendRequest) error {
	return s.commit("add_friend_request", func() (bool, error) {
		return changed(s.MemoryStore.AddFriendRequest(ctx, req))
	})
}

func (s *FileStore) DeleteFriendRequest(ctx context.Context, from, to string) error {
	return s.commit("delete_friend_request", func() (bool, error) {
		return changed(s.MemoryStore.DeleteFriendRequest(ctx, from, to))
	})
}

func (s *FileStore) AddFriendship(ctx context.Context, a, b string) error {
	return s.commit("add_friendship", func() (bool, error) {
		return changed(s.MemoryStore.AddFriendship(ctx, a, b))
	})
}

// Close writes a final snapshot
func (s *FileStore) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.write("close")
}
