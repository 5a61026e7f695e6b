package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/medichat-api/internal/config"
	"github.com/noah-isme/medichat-api/internal/database"
	"github.com/noah-isme/medichat-api/internal/handler"
	"github.com/noah-isme/medichat-api/internal/middleware"
	"github.com/noah-isme/medichat-api/internal/models"
	"github.com/noah-isme/medichat-api/internal/repository"
	"github.com/noah-isme/medichat-api/internal/router"
	"github.com/noah-isme/medichat-api/internal/service"
	cloud "github.com/noah-isme/medichat-api/pkg/cloudinary"
	"github.com/noah-isme/medichat-api/pkg/localstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", cfg.AppName).Logger()
	if cfg.AppEnv == "production" {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(&models.AppointmentChat{}, &models.UploadRecord{}); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	probes := map[string]handler.HealthProbe{
		"database": func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}

	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	var (
		fanout service.ChatFanout
		locker service.RoomLocker
	)
	if cfg.RedisURL != "" {
		redisClient, err := database.ConnectRedis(appCtx, cfg.RedisURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		locker = service.NewRedisRoomLocker(redisClient, cfg.RealtimeChannel, 0, 0)
		fanout = service.NewRedisChatFanout(redisClient, cfg.RealtimeChannel, logger)
		probes["redis"] = func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}
	}
	if cfg.NATSURL != "" {
		if locker == nil {
			log.Fatalf("nats chat fanout needs MEDICHAT_REDIS_URL for cross-node room locks")
		}
		natsConn, err := database.ConnectNATS(cfg.NATSURL, cfg.AppName)
		if err != nil {
			log.Fatalf("failed to connect to nats: %v", err)
		}
		defer natsConn.Close()
		fanout = service.NewNATSChatFanout(natsConn, cfg.RealtimeChannel, logger)
		probes["nats"] = func(context.Context) error {
			if !natsConn.IsConnected() {
				return errors.New("nats disconnected")
			}
			return nil
		}
	}
	if fanout == nil {
		logger.Warn().Msg("no realtime fanout configured; chat rooms are local to this node")
	}

	var storage service.FileStorage
	staticDir := ""
	if cfg.CloudinaryEnabled() {
		storage, err = cloud.New(cloud.Config{
			CloudName: cfg.CloudinaryCloudName,
			APIKey:    cfg.CloudinaryAPIKey,
			APISecret: cfg.CloudinaryAPISecret,
			Folder:    cfg.CloudinaryUploadFolder,
		}, logger)
		if err != nil {
			log.Fatalf("failed to create cloudinary client: %v", err)
		}
	} else {
		local, err := localstore.New(cfg.UploadDir, cfg.UploadPublicPrefix, logger)
		if err != nil {
			log.Fatalf("failed to prepare upload directory: %v", err)
		}
		storage = local
		staticDir = local.Dir()
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	appointmentRepo := repository.NewAppointmentRepository(db, cfg.ChatLocation)
	chatRepo := repository.NewChatRepository(db)
	userRepo := repository.NewUserRepository(db)
	uploadRepo := repository.NewUploadRepository(db)

	chatService := service.NewChatService(
		service.NewAccessGate(appointmentRepo),
		chatRepo,
		userRepo,
		service.NewRoomRegistry(logger),
		fanout,
		validate,
		logger,
		service.ChatServiceConfig{
			SendBuffer:    cfg.ChatSendBuffer,
			InboundBuffer: cfg.ChatInboundBuffer,
			Locker:        locker,
		},
	)
	if err := chatService.Start(appCtx); err != nil {
		log.Fatalf("failed to subscribe to chat fanout: %v", err)
	}

	uploadService := service.NewUploadService(storage, uploadRepo, cfg.UploadMaxMB, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		BodyLimit:    (cfg.UploadMaxMB + 1) * 1024 * 1024,
	})

	var jwtMiddleware fiber.Handler
	if cfg.JWTSecret != "" {
		jwtMiddleware = middleware.JWTProtected(cfg.JWTSecret)
	} else {
		logger.Warn().Msg("jwt secret not configured; chat endpoints accept anonymous connections")
	}

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:   handler.NewChatHandler(chatService, logger),
		UploadHandler: handler.NewUploadHandler(uploadService, logger),
		HealthProbes:  probes,
		JWTMiddleware: jwtMiddleware,
		StaticDir:     staticDir,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, cancelApp)
}

func waitForShutdown(app *fiber.App, stopRealtime context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
	stopRealtime()

	log.Println("server stopped")
}
