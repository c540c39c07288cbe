// Package library registers finished videos with a media library.
package library

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/amillerrr/vidshrink/internal/logger"
	"github.com/google/renameio/v2"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("vidshrink-library")

// Index makes a finished video visible in a library and returns where it
// was stored.
type Index interface {
	Register(ctx context.Context, path string) (string, error)
}

// Directory is an Index backed by a local folder.
type Directory struct {
	root string
	log  *slog.Logger
}

// NewDirectory creates a Directory rooted at root, creating it if needed.
func NewDirectory(root string, log *slog.Logger) (*Directory, error) {
	if root == "" {
		return nil, fmt.Errorf("library directory is required")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve library directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create library directory: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Directory{root: root, log: log}, nil
}

// Register copies path into the library. An existing entry with the same
// name is replaced atomically.
func (d *Directory) Register(ctx context.Context, path string) (string, error) {
	ctx, span := tracer.Start(ctx, "library-register")
	defer span.End()

	dest := filepath.Join(d.root, filepath.Base(path))
	if abs, err := filepath.Abs(path); err == nil && abs == dest {
		return dest, nil
	}

	src, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	pending, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0o644))
	if err != nil {
		return "", fmt.Errorf("create library entry: %w", err)
	}
	defer pending.Cleanup()

	written, err := io.Copy(pending, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		return "", fmt.Errorf("copy to library: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("commit library entry: %w", err)
	}

	logger.Info(ctx, d.log, "Registered with library", "path", dest, "bytes", written)
	return dest, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
