package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime/multipart"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/medichat-api/internal/dto"
	"github.com/noah-isme/medichat-api/internal/models"
	"github.com/noah-isme/medichat-api/internal/observability"
	"github.com/noah-isme/medichat-api/internal/repository"
)

const (
	defaultUploadMaxMB = 5
	maxImageSide       = 8192
)

var (
	// ErrUploadTooLarge indicates the payload exceeded the configured limit.
	ErrUploadTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrUploadTypeNotAllowed indicates the payload is not a supported image.
	ErrUploadTypeNotAllowed = errors.New("file type not allowed")
	// ErrUploadScanFailed indicates the image could not be decoded as declared.
	ErrUploadScanFailed = errors.New("file scanning failed")
	// ErrUploadMissing indicates the request carried no file.
	ErrUploadMissing = errors.New("file is required")
)

var chatImageTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
	"image/webp": {},
}

// FileStorage abstracts chat image destinations. Upload returns the
// reference clients store as a message imagePath.
type FileStorage interface {
	Upload(ctx context.Context, name string, reader io.Reader) (string, error)
}

// UploadService turns an uploaded chat image into a stored reference.
type UploadService interface {
	Upload(ctx context.Context, file *multipart.FileHeader, userID *uint) (dto.UploadResponse, error)
}

type uploadService struct {
	storage FileStorage
	repo    repository.UploadRepository
	logger  zerolog.Logger
	maxSize int64
	tracer  trace.Tracer
}

// chatImage is a fully read upload that passed type detection.
type chatImage struct {
	payload []byte
	mime    string
	ext     string
}

// NewUploadService constructs an upload service. maxSizeMB <= 0 selects the default cap.
func NewUploadService(storage FileStorage, repo repository.UploadRepository, maxSizeMB int, logger zerolog.Logger) UploadService {
	if maxSizeMB <= 0 {
		maxSizeMB = defaultUploadMaxMB
	}
	return &uploadService{
		storage: storage,
		repo:    repo,
		logger:  logger.With().Str("component", "upload_service").Logger(),
		maxSize: int64(maxSizeMB) << 20,
		tracer:  otel.Tracer("github.com/noah-isme/medichat-api/internal/service/upload"),
	}
}

func (s *uploadService) Upload(ctx context.Context, file *multipart.FileHeader, userID *uint) (dto.UploadResponse, error) {
	ctx, span := s.tracer.Start(ctx, "upload.store", trace.WithAttributes(
		attribute.Int64("upload.max_bytes", s.maxSize),
		attribute.Bool("upload.file_present", file != nil),
	))
	defer span.End()

	start := time.Now()
	defer func() { observability.UploadLatency().Observe(time.Since(start).Seconds()) }()

	if file == nil {
		return dto.UploadResponse{}, reject(span, "", ErrUploadMissing)
	}
	span.SetAttributes(attribute.Int64("upload.request_size", file.Size))

	img, err := s.read(file)
	if err != nil {
		return dto.UploadResponse{}, reject(span, rejectLabel(err), err)
	}
	span.SetAttributes(attribute.String("upload.detected_mime", img.mime))

	if err := inspectImage(img); err != nil {
		return dto.UploadResponse{}, reject(span, "scan", err)
	}

	name := sanitizeFileName(file.Filename, img.ext)
	imagePath, err := s.storage.Upload(ctx, name, bytes.NewReader(img.payload))
	if err != nil {
		return dto.UploadResponse{}, reject(span, "storage", fmt.Errorf("store chat image: %w", err))
	}

	sum := sha256.Sum256(img.payload)
	record := models.UploadRecord{
		UserID:    userID,
		FileName:  name,
		URL:       imagePath,
		MimeType:  img.mime,
		SizeBytes: int64(len(img.payload)),
		Checksum:  hex.EncodeToString(sum[:]),
	}
	if err := s.repo.Create(ctx, &record); err != nil {
		// The stored object stays reachable; only the audit row is missing.
		s.logger.Error().Err(err).Str("image_path", imagePath).Msg("failed to record chat image")
		return dto.UploadResponse{}, reject(span, "", err)
	}

	observability.UploadRequests().WithLabelValues(img.mime).Inc()
	span.SetStatus(codes.Ok, "stored")
	s.logger.Info().Str("image_path", imagePath).Int64("size_bytes", record.SizeBytes).Msg("chat image stored")

	return dto.UploadResponse{
		ImagePath: imagePath,
		FileName:  record.FileName,
		MimeType:  record.MimeType,
		SizeBytes: record.SizeBytes,
		Checksum:  record.Checksum,
	}, nil
}

// read loads at most maxSize+1 bytes so oversized bodies are caught even when
// the multipart header under-reports the size.
func (s *uploadService) read(file *multipart.FileHeader) (chatImage, error) {
	if file.Size > s.maxSize {
		return chatImage{}, ErrUploadTooLarge
	}

	handle, err := file.Open()
	if err != nil {
		return chatImage{}, fmt.Errorf("open upload: %w", err)
	}
	defer handle.Close()

	payload, err := io.ReadAll(io.LimitReader(handle, s.maxSize+1))
	if err != nil {
		return chatImage{}, fmt.Errorf("read upload: %w", err)
	}
	if int64(len(payload)) > s.maxSize {
		return chatImage{}, ErrUploadTooLarge
	}

	detected := mimetype.Detect(payload)
	mime := strings.ToLower(strings.TrimSpace(strings.SplitN(detected.String(), ";", 2)[0]))
	if _, ok := chatImageTypes[mime]; !ok {
		return chatImage{}, fmt.Errorf("%s: %w", mime, ErrUploadTypeNotAllowed)
	}

	return chatImage{payload: payload, mime: mime, ext: detected.Extension()}, nil
}

// inspectImage checks that the payload decodes as the detected format.
func inspectImage(img chatImage) error {
	if img.mime == "image/webp" {
		if len(img.payload) < 16 || !bytes.Equal(img.payload[8:12], []byte("WEBP")) {
			return fmt.Errorf("webp container truncated: %w", ErrUploadScanFailed)
		}
		return nil
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(img.payload))
	if err != nil {
		return fmt.Errorf("decode %s header: %v: %w", img.mime, err, ErrUploadScanFailed)
	}
	if "image/"+format != img.mime {
		return fmt.Errorf("decoded %s but detected %s: %w", format, img.mime, ErrUploadScanFailed)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > maxImageSide || cfg.Height > maxImageSide {
		return fmt.Errorf("image is %dx%d: %w", cfg.Width, cfg.Height, ErrUploadScanFailed)
	}
	return nil
}

func reject(span trace.Span, label string, err error) error {
	if label != "" {
		observability.UploadRejected().WithLabelValues(label).Inc()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func rejectLabel(err error) string {
	switch {
	case errors.Is(err, ErrUploadTooLarge):
		return "size"
	case errors.Is(err, ErrUploadTypeNotAllowed):
		return "type"
	default:
		return "read"
	}
}

// sanitizeFileName lowercases the base name, collapses anything outside
// [a-z0-9_-] to '-', and takes the extension from the sniffed type.
func sanitizeFileName(name, detectedExt string) string {
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))

	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	clean := strings.Trim(b.String(), "-")
	if clean == "" {
		clean = "chat-image"
	}

	ext := strings.ToLower(detectedExt)
	if ext == "" {
		ext = ".img"
	}
	return clean + ext
}
