package cloudinary

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudinary/cloudinary-go/v2"
	"github.com/cloudinary/cloudinary-go/v2/api/uploader"
	"github.com/rs/zerolog"
)

// Config contains credentials required to talk to Cloudinary.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
}

// ImageStore keeps chat images on Cloudinary.
type ImageStore struct {
	client *cloudinary.Cloudinary
	folder string
	now    func() time.Time
	logger zerolog.Logger
}

// New constructs a Cloudinary-backed image store.
func New(cfg Config, logger zerolog.Logger) (*ImageStore, error) {
	if cfg.CloudName == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("cloudinary credentials must be provided")
	}

	cld, err := cloudinary.NewFromParams(cfg.CloudName, cfg.APIKey, cfg.APISecret)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cloudinary: %w", err)
	}

	return &ImageStore{
		client: cld,
		folder: strings.Trim(cfg.Folder, "/"),
		now:    time.Now,
		logger: logger.With().Str("component", "cloudinary").Logger(),
	}, nil
}

// Upload sends the image to Cloudinary and returns its secure URL.
func (s *ImageStore) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	params := uploader.UploadParams{
		Folder:       s.folder,
		PublicID:     PublicID(name, s.now()),
		ResourceType: "image",
	}

	result, err := s.client.Upload.Upload(ctx, reader, params)
	if err != nil {
		return "", fmt.Errorf("failed to upload chat image: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("cloudinary rejected chat image: %s", result.Error.Message)
	}

	s.logger.Info().Str("public_id", result.PublicID).Msg("chat image uploaded to cloudinary")

	return result.SecureURL, nil
}

// PublicID derives a collision-resistant asset id from a file name.
func PublicID(name string, at time.Time) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, base)

	base = strings.Trim(base, "-")
	if base == "" {
		base = "chat-image"
	}

	return fmt.Sprintf("%s-%d", base, at.UnixNano())
}
