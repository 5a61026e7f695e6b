package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the API service.
type Config struct {
	AppName                string
	AppEnv                 string
	AppPort                string
	DatabaseDriver         string
	DatabaseURL            string
	RedisURL               string
	NATSURL                string
	RealtimeChannel        string
	JWTSecret              string
	ChatLocation           *time.Location
	ChatSendBuffer         int
	ChatInboundBuffer      int
	UploadMaxMB            int
	UploadDir              string
	UploadPublicPrefix     string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// CloudinaryEnabled reports whether chat images should be stored on Cloudinary instead of local disk.
func (c Config) CloudinaryEnabled() bool {
	return c.CloudinaryCloudName != "" && c.CloudinaryAPIKey != "" && c.CloudinaryAPISecret != ""
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("MEDICHAT")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "MediChat API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "3000")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("realtime.channel", "medichat")
	v.SetDefault("chat.timezone", "Local")
	v.SetDefault("chat.send_buffer", 32)
	v.SetDefault("chat.inbound_buffer", 16)
	v.SetDefault("upload.max_mb", 5)
	v.SetDefault("upload.dir", "public/uploads/chat_images")
	v.SetDefault("upload.public_prefix", "/uploads/chat_images")
	v.SetDefault("cloudinary.folder", "medichat/chat_images")

	driver := strings.ToLower(strings.TrimSpace(v.GetString("database.driver")))
	switch driver {
	case "postgres", "mysql":
	default:
		return Config{}, fmt.Errorf("unsupported database driver %q", driver)
	}

	location, err := time.LoadLocation(v.GetString("chat.timezone"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid chat timezone: %w", err)
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		DatabaseDriver:         driver,
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		RealtimeChannel:        v.GetString("realtime.channel"),
		JWTSecret:              v.GetString("jwt.secret"),
		ChatLocation:           location,
		ChatSendBuffer:         v.GetInt("chat.send_buffer"),
		ChatInboundBuffer:      v.GetInt("chat.inbound_buffer"),
		UploadMaxMB:            v.GetInt("upload.max_mb"),
		UploadDir:              v.GetString("upload.dir"),
		UploadPublicPrefix:     v.GetString("upload.public_prefix"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("database url must be provided")
	}

	if cfg.ChatSendBuffer <= 0 {
		cfg.ChatSendBuffer = 32
	}

	if cfg.ChatInboundBuffer <= 0 {
		cfg.ChatInboundBuffer = 16
	}

	if cfg.UploadMaxMB <= 0 {
		cfg.UploadMaxMB = 5
	}

	return cfg, nil
}
