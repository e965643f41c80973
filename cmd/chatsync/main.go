package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/google/uuid"

	"github.com/chatsync/internal/cache"
	"github.com/chatsync/internal/cache/memory"
	"github.com/chatsync/internal/cache/pg"
	"github.com/chatsync/internal/cache/redis"
	"github.com/chatsync/internal/config"
	"github.com/chatsync/internal/credentials"
	"github.com/chatsync/internal/devserver"
	"github.com/chatsync/internal/engine"
	"github.com/chatsync/internal/logger"
	"github.com/chatsync/internal/model"
)

func main() {
	logger.SetPrefix("chatsync")
	dev := flag.Bool("dev", false, "run against a built-in chat server simulator (no external services required)")
	userID := flag.String("user", "", "local user id (dev mode defaults to a generated id)")
	token := flag.String("token", "", "bearer token for the chat service (dev mode: same as user id)")
	flag.Parse()

	logger.Info("starting sync engine")
	cfg := config.Load()

	if *dev {
		if *userID == "" {
			*userID = uuid.New().String()
		}
		*token = *userID
		addr, stop, err := startDevServer(cfg, *userID)
		if err != nil {
			logger.Errorf("dev server: %v", err)
			os.Exit(1)
		}
		defer stop()
		cfg.ServerURL = "http://" + addr
		logger.Infof("dev server listening on %s", addr)
	}
	if *userID == "" || *token == "" {
		logger.Error("-user and -token are required (or use -dev)")
		os.Exit(1)
	}

	var embeddedDB *embeddedpostgres.EmbeddedPostgres
	if *dev && cfg.Cache.Backend == "postgres" {
		var err error
		embeddedDB, err = startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	store, err := openCache(cfg)
	if err != nil {
		logger.Errorf("cache backend %q: %v", cfg.Cache.Backend, err)
		os.Exit(1)
	}
	defer store.Close()
	logger.Infof("cache backend: %s", cfg.Cache.Backend)

	creds := credentials.NewMemory(*token)
	session := engine.NewSession(cfg, *userID, creds, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := session.Start(ctx); err != nil {
		logger.Errorf("session start: %v", err)
		os.Exit(1)
	}
	logger.Infof("session started user=%s rooms=%d", *userID, len(session.Rooms()))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")
	session.Logout()
	logger.Info("stopped")
}

func openCache(cfg *config.Config) (cache.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch cfg.Cache.Backend {
	case "", "memory":
		return memory.New(), nil
	case "redis":
		return redis.New(ctx, cfg.Cache.RedisURL)
	case "postgres":
		return pg.New(ctx, cfg.Cache.DatabaseURL)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Cache.Backend)
	}
}

// startDevServer runs the simulator on localhost with a couple of seeded
// rooms so the engine has something to sync.
func startDevServer(cfg *config.Config, localUserID string) (addr string, stop func(), err error) {
	sim := devserver.New()
	seedDemo(sim, localUserID)

	srv := &http.Server{
		Addr:         "127.0.0.1:8970",
		Handler:      sim.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("dev server: %v", err)
		}
	}()
	stop = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Errorf("dev server shutdown: %v", err)
		}
	}
	return srv.Addr, stop, nil
}

func seedDemo(sim *devserver.Server, localUserID string) {
	now := time.Now().UTC()
	peer := model.Participant{UserID: uuid.New().String(), FirstName: "Demo", LastName: "Peer", JoinedAt: now.AddDate(0, 0, -30)}
	room := model.ChatRoom{
		ID:   uuid.New().String(),
		Type: model.RoomTypeDirect,
		Participants: []model.Participant{
			{UserID: localUserID, JoinedAt: now.AddDate(0, 0, -30)},
			peer,
		},
		CreatedAt: now.AddDate(0, 0, -30),
		UpdatedAt: now,
	}
	sim.SeedRoom(room)
	for i := 0; i < 3; i++ {
		sim.SeedMessage(model.Message{
			ID:         uuid.New().String(),
			ChatRoomID: room.ID,
			SenderID:   peer.UserID,
			Content:    fmt.Sprintf("demo message %d", i+1),
			CreatedAt:  now.Add(-time.Duration(3-i) * time.Hour),
		})
	}
	day := now.AddDate(0, 0, -7)
	sim.SeedArchive(room.ID, model.ArchiveDay{
		Year: day.Year(), Month: int(day.Month()), Day: day.Day(), CreatedAt: day,
	}, []model.Message{{
		ID:         uuid.New().String(),
		ChatRoomID: room.ID,
		SenderID:   peer.UserID,
		Content:    "archived demo message",
		CreatedAt:  day,
		IsRead:     true,
		ReadBy:     []string{localUserID},
	}})
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "chatsync"
		password = "chatsync_secret"
		database = "chatsync"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Cache.DatabaseURL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
