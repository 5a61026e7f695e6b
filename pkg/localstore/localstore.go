package localstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store writes chat images below a directory that the HTTP server exposes
// as static files.
type Store struct {
	dir    string
	prefix string
	logger zerolog.Logger
}

// New prepares dir and returns a store whose references start with publicPrefix.
func New(dir, publicPrefix string, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("upload directory must be provided")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare upload directory: %w", err)
	}

	prefix := "/" + strings.Trim(publicPrefix, "/")
	return &Store{
		dir:    dir,
		prefix: prefix,
		logger: logger.With().Str("component", "localstore").Logger(),
	}, nil
}

// Dir returns the directory served as static files.
func (s *Store) Dir() string {
	return s.dir
}

// Prefix returns the public URL prefix of stored files.
func (s *Store) Prefix() string {
	return s.prefix
}

// Upload writes reader to a uniquely named file and returns its public path.
func (s *Store) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	fileName := uuid.NewString() + "-" + filepath.Base(name)
	target := filepath.Join(s.dir, fileName)

	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create chat image: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write chat image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write chat image: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to store chat image: %w", err)
	}

	s.logger.Debug().Str("file", fileName).Msg("chat image written")
	return path.Join(s.prefix, fileName), nil
}
