package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mohamedkhairy/echoroom/internal/api"
	"github.com/mohamedkhairy/echoroom/internal/auth"
	"github.com/mohamedkhairy/echoroom/internal/config"
	"github.com/mohamedkhairy/echoroom/internal/models"
	"github.com/mohamedkhairy/echoroom/internal/pubsub"
	"github.com/mohamedkhairy/echoroom/internal/session"
	"github.com/mohamedkhairy/echoroom/internal/storage"
	"github.com/mohamedkhairy/echoroom/internal/wsgateway"
	"github.com/mohamedkhairy/echoroom/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(cfg.LogLevel, cfg.Environment); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	instanceID := uuid.NewString()
	logger.Info("Starting EchoRoom",
		logger.Int("port", cfg.Gateway.Port),
		logger.String("storage_driver", cfg.Storage.Driver),
		logger.Bool("redis_enabled", cfg.Redis.Enabled),
		logger.String("instance_id", instanceID),
	)

	// Initialize storage
	store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize storage",
			logger.ErrorField(err),
		)
	}
	defer store.Close()

	// Initialize Redis client, or the in-process stand-in
	redisClient, err := openRedis(cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to initialize Redis client",
			logger.ErrorField(err),
		)
	}
	defer redisClient.Close()

	// Initialize accounts
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		logger.Warn("AUTH_JWT_SECRET is not set, sessions will not survive a restart")
		secret = uuid.NewString() + uuid.NewString()
	}
	accounts := auth.NewService(store,
		auth.NewTokenManager(secret, cfg.Auth.TokenTTL),
		auth.NewSessionStore(redisClient, cfg.Auth.MaxSessionsPerUser),
		auth.ServiceConfig{
			MinPasswordLength: cfg.Auth.MinPasswordLength,
			PremiumCode:       cfg.Chat.PremiumCode,
		},
	)

	// Initialize session layer
	registry := session.NewConnectionRegistry()
	directory := session.NewRoomDirectory(store, registry)
	coordinator := session.NewCoordinator(registry, directory, accounts, accounts)
	router := session.NewRouter(store, coordinator, accounts, session.RouterConfig{
		HistoryLimit:    cfg.Chat.HistoryLimit,
		MaxHistoryLimit: cfg.Chat.MaxHistoryLimit,
		RetentionLimit:  cfg.Chat.RetentionLimit,
	})

	presence := pubsub.NewPresencePublisher(redisClient,
		pubsub.DefaultPresencePublisherConfig(cfg.Redis.PresenceChannel, instanceID))
	presence.Start()
	defer presence.Close()
	coordinator.SetNotifier(presence)

	if err := seedDefaultRoom(context.Background(), directory, cfg.Chat); err != nil {
		logger.Fatal("Failed to create default room",
			logger.ErrorField(err),
		)
	}

	// Initialize gateway
	handler := wsgateway.NewHandler(coordinator, router, accounts)
	hub := wsgateway.NewHub(cfg.Gateway, coordinator, handler)
	if err := hub.Start(); err != nil {
		logger.Fatal("Failed to start WebSocket hub",
			logger.ErrorField(err),
		)
	}

	// Set up HTTP routes
	routes := api.NewRouter(api.Routes{
		Rooms:    api.NewRoomHandler(directory, router, handler.BroadcastRoomList),
		Presence: api.NewPresenceHandler(accounts, registry),
		Health: api.NewHealthHandler(
			func(ctx context.Context) error {
				_, err := store.ListRooms(ctx)
				return err
			},
			func() interface{} {
				return map[string]interface{}{
					"hub":                hub.GetStats(),
					"identities_online":  registry.OnlineCount(),
					"room_subscriptions": directory.SubscriptionCount(),
				}
			},
		),
		WebSocket: hub,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Apply middleware
	middlewares := api.ChainMiddleware(
		api.CORSMiddleware(cfg.Gateway.AllowedOrigins),
		api.LoggingMiddleware(routes),
		api.ErrorHandlingMiddleware(),
		api.AuthMiddleware(accounts),
		api.RateLimitMiddleware(ctx, cfg.API.RateLimitRPS),
	)

	// Start HTTP server
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           middlewares(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server",
			logger.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server",
				logger.ErrorField(err),
			)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutting down EchoRoom")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down HTTP server",
			logger.ErrorField(err),
		)
	}
	hub.Stop()

	logger.Info("EchoRoom stopped")
}

// openStore opens the configured persistence backend
func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.StorageMemory:
		return storage.NewMemoryStore(), nil
	case config.StorageFile:
		return storage.NewFileStore(cfg.Storage.FilePath)
	case config.StorageSQLite:
		return storage.NewSQLiteStore(cfg.SQLite.Path)
	case config.StoragePostgres:
		return storage.NewPostgresStore(cfg.Database)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// openRedis connects to Redis when enabled. Otherwise sessions and presence
// live in process.
func openRedis(cfg config.RedisConfig) (storage.RedisClient, error) {
	if !cfg.Enabled {
		return storage.NewMemoryRedisClient(), nil
	}
	return pubsub.NewRedisClient(cfg)
}

// seedDefaultRoom creates the default public room if it does not exist
func seedDefaultRoom(ctx context.Context, directory *session.RoomDirectory, cfg config.ChatConfig) error {
	name := cfg.DefaultRoomName
	if name == "" {
		name = cfg.DefaultRoomID
	}
	room, created, err := directory.EnsureRoom(ctx,
		models.NewRoom(cfg.DefaultRoomID, name, "", models.RoomKindPublic, models.SystemCreator, time.Now()))
	if err != nil {
		return err
	}
	if created {
		logger.Info("Created default room", logger.Room(room.ID))
	}
	return nil
}
