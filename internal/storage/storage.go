package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/kingrea/pype/internal/config"
)

// ErrNotExist is returned by Get for missing keys.
var ErrNotExist = errors.New("storage: object does not exist")

// Bucket stores published files under slash-separated keys.
type Bucket interface {
	Put(ctx context.Context, key string, src io.Reader, size int64) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	URL(key string) string
}

// Open builds the bucket selected by the storage config.
func Open(ctx context.Context, cfg *config.Config) (Bucket, error) {
	switch cfg.Project.Storage.Backend {
	case "", "local":
		return NewLocal(cfg.StorageRoot())
	case "minio":
		return NewMinIO(ctx, cfg.Project.Storage.MinIO)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Project.Storage.Backend)
	}
}

// PutFile uploads a local file.
func PutFile(ctx context.Context, b Bucket, key, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("storage: open %s: %w", path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("storage: stat %s: %w", path, err)
	}
	return b.Put(ctx, key, file, info.Size())
}

var placeholder = regexp.MustCompile(`\{([a-zA-Z_]+)(?::(0?\d+))?\}`)

// PublishKey renders an anatomy template such as
// "{project}/{asset}/{subset}/v{version:03}/{file}". A ":0N" suffix pads
// integer fields to N digits. Unknown fields are an error.
func PublishKey(template string, fields map[string]any) (string, error) {
	var missing []string
	rendered := placeholder.ReplaceAllStringFunc(template, func(token string) string {
		parts := placeholder.FindStringSubmatch(token)
		value, ok := fields[parts[1]]
		if !ok {
			missing = append(missing, parts[1])
			return token
		}
		if parts[2] == "" {
			return fmt.Sprint(value)
		}
		width, _ := strconv.Atoi(parts[2])
		switch n := value.(type) {
		case int:
			return fmt.Sprintf("%0*d", width, n)
		case int64:
			return fmt.Sprintf("%0*d", width, n)
		case float64:
			return fmt.Sprintf("%0*d", width, int64(n))
		default:
			return fmt.Sprintf("%*s", width, fmt.Sprint(value))
		}
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("storage: template %q needs %s", template, strings.Join(missing, ", "))
	}
	return strings.TrimLeft(rendered, "/"), nil
}
