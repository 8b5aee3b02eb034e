package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mohamedkhairy/echoroom/internal/config"
	"github.com/mohamedkhairy/echoroom/internal/session"
	"github.com/mohamedkhairy/echoroom/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	for _, driver := range []string{config.StorageMemory, config.StorageFile, config.StorageSQLite} {
		t.Run(driver, func(t *testing.T) {
			cfg := &config.Config{
				Storage: config.StorageConfig{Driver: driver, FilePath: filepath.Join(dir, "data.json")},
				SQLite:  config.SQLiteConfig{Path: filepath.Join(dir, "data.db")},
			}
			store, err := openStore(cfg)
			require.NoError(t, err)
			defer store.Close()

			_, err = store.ListRooms(context.Background())
			assert.NoError(t, err)
		})
	}

	_, err := openStore(&config.Config{Storage: config.StorageConfig{Driver: "tape"}})
	assert.Error(t, err)
}

func TestOpenRedis_DisabledUsesMemoryClient(t *testing.T) {
	client, err := openRedis(config.RedisConfig{Enabled: false})
	require.NoError(t, err)
	defer client.Close()

	_, ok := client.(*storage.MemoryRedisClient)
	assert.True(t, ok)
}

func TestSeedDefaultRoom(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	directory := session.NewRoomDirectory(store, session.NewConnectionRegistry())
	cfg := config.ChatConfig{DefaultRoomID: "general", DefaultRoomName: "General"}

	require.NoError(t, seedDefaultRoom(ctx, directory, cfg))
	require.NoError(t, seedDefaultRoom(ctx, directory, cfg))

	rooms, err := directory.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "General", rooms[0].Name)
	assert.Empty(t, rooms[0].Members)
}
