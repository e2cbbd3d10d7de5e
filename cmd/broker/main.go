package main

import (
	"context"
	"flag"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"marketchat/internal/broker"
	"marketchat/internal/config"
	"marketchat/internal/db"
	"marketchat/internal/logging"
	myMiddleware "marketchat/internal/middleware"
	"marketchat/internal/user"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fallback := logging.New("info", true)
		fallback.Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Pretty)

	if cfg.Broker.DSN == "" {
		log.Fatal().Msg("broker.dsn is not set")
	}
	if cfg.Broker.JWTSecret == "" {
		log.Fatal().Msg("broker.jwt_secret is not set")
	}

	database, err := db.NewDatabase(cfg.Broker.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to postgres")
	}
	if err := database.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}
	log.Info().Msg("database ready")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Broker.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Broker.RedisAddr).Msg("connect to redis")
	}
	log.Info().Str("addr", cfg.Broker.RedisAddr).Msg("redis ready")

	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.Broker.JWTSecret, cfg.Broker.AccessTTL, cfg.Broker.RefreshTTL)
	userHandler := user.NewHandler(userService)

	chatRepo := broker.NewRepository(database.Conn)
	hub := broker.NewHub(redisClient, chatRepo, log)
	go hub.Run()
	go hub.SubscribeToRedis(context.Background())

	chatHandler := broker.NewHandler(hub, chatRepo, log)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/api/auth/register", userHandler.Register)
	r.Post("/api/auth/login", userHandler.Login)
	r.Post("/api/auth/refresh", userHandler.Refresh)
	// Logout only expires the cookie and is called after the client has
	// already dropped its tokens, so it cannot sit behind the JWT guard.
	r.Post("/api/auth/logout", userHandler.Logout)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/api/users/me", userHandler.Me)
		r.Patch("/api/users/me", userHandler.PatchMe)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Get("/ws/chat", chatHandler.ServeWS)

		r.Post("/api/chats", chatHandler.StartChat)
		r.Get("/api/chats", chatHandler.ListChats)
		r.Get("/api/chats/{chatID}", chatHandler.GetChat)
		r.Get("/api/chats/{chatID}/messages", chatHandler.GetMessages)
		r.Post("/api/chats/{chatID}/messages", chatHandler.SendMessage)
		r.Post("/api/messages/{messageID}/read", chatHandler.MarkRead)
		r.Post("/api/messages/{messageID}/translate", chatHandler.Translate)
		r.Get("/api/messages/unread-count", chatHandler.UnreadCount)
		r.Get("/api/attachments/{attachmentID}", chatHandler.GetAttachment)
	})

	log.Info().Str("addr", cfg.Broker.Addr).Msg("broker listening")
	if err := http.ListenAndServe(cfg.Broker.Addr, r); err != nil {
		log.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}
