// Command server runs the WeChat official-account to Dify bridge: it serves
// the webhook endpoints, coordinates deliveries against the platform's
// redelivery protocol, and relays messages to the Dify chat API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/bikeread/dify-wechat-plugin/internal/config"
	"github.com/bikeread/dify-wechat-plugin/internal/dify"
	httpapi "github.com/bikeread/dify-wechat-plugin/internal/http"
	"github.com/bikeread/dify-wechat-plugin/internal/http/handlers"
	"github.com/bikeread/dify-wechat-plugin/internal/observability"
	"github.com/bikeread/dify-wechat-plugin/internal/repo"
	"github.com/bikeread/dify-wechat-plugin/internal/services"
	"github.com/bikeread/dify-wechat-plugin/internal/sysutil"
	"github.com/bikeread/dify-wechat-plugin/internal/track"
	"github.com/bikeread/dify-wechat-plugin/internal/wechat"
)

const version = "0.1.0"

// conversationRepoShim adapts the repository free functions to the
// services.ConversationRepo interface, keeping services decoupled from the
// concrete repo package.
type conversationRepoShim struct{}

func (conversationRepoShim) GetConversationID(ctx context.Context, db *gorm.DB, userID, appID string) (string, error) {
	return repo.GetConversationID(ctx, db, userID, appID)
}

func (conversationRepoShim) UpsertConversationID(ctx context.Context, db *gorm.DB, userID, appID, conversationID string) error {
	return repo.UpsertConversationID(ctx, db, userID, appID, conversationID)
}

func (conversationRepoShim) DeleteConversationID(ctx context.Context, db *gorm.DB, userID, appID string) error {
	return repo.DeleteConversationID(ctx, db, userID, appID)
}

func main() {
	_ = godotenv.Load()
	cfg := config.MustLoad()

	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	gin.SetMode(cfg.GinMode)

	shutdownOTel, err := observability.SetupOTel(context.Background(), cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("otel setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database failed")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("database migration failed")
	}

	codec, err := wechat.NewCodec(cfg.WeChat.Token, cfg.WeChat.EncodingAESKey, cfg.WeChat.AppID)
	if err != nil {
		log.Fatal().Err(err).Msg("webhook codec setup failed")
	}

	difyClient := dify.NewClient(cfg.Dify.BaseURL, cfg.Dify.APIKey, cfg.Dify.RequestTimeout)

	store := track.NewStore(cfg.Tracking.SweepInterval, cfg.Tracking.Retention)
	defer store.Close()
	waiting := track.NewWaitingManager(cfg.Coordinator.WaitingRoundTTL)

	convSvc := services.NewConversationService(db, conversationRepoShim{}, cfg.WeChat.AppID, difyClient)

	var pusher services.Pusher
	if cfg.Coordinator.EnableCustomMessage {
		pusher = wechat.NewSender(cfg.WeChat.AppID, cfg.WeChat.AppSecret, cfg.WeChat.APIBaseURL)
	}

	coord := services.NewCoordinator(store, waiting, convSvc, difyClient, pusher, cfg.Coordinator, cfg.Dify)

	r := gin.New()
	httpapi.RegisterRoutes(r, handlers.New(codec, coord), cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("webhook", cfg.WebhookBasePath).
			Bool("encrypted", codec.EncryptedMode()).
			Bool("custom_message", cfg.Coordinator.EnableCustomMessage).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown failed")
	}
	if err := shutdownOTel(ctx); err != nil {
		log.Error().Err(err).Msg("otel shutdown failed")
	}
	log.Info().Msg("server stopped")
}
