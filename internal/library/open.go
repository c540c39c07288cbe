package library

import (
	"log/slog"

	"github.com/amillerrr/vidshrink/internal/config"
)

// Open returns the Index configured by cfg: the S3 bucket when
// LIBRARY_BUCKET is set and an uploader is available, else LIBRARY_DIR.
// It returns a nil Index when neither is configured.
func Open(cfg *config.Config, uploader UploadAPI, log *slog.Logger) (Index, error) {
	if cfg.AWS.LibraryBucket != "" && uploader != nil {
		return NewS3Index(uploader, cfg.AWS.LibraryBucket, cfg.AWS.LibraryPrefix, log), nil
	}
	if cfg.Media.LibraryDir != "" {
		dir, err := NewDirectory(cfg.Media.LibraryDir, log)
		if err != nil {
			return nil, err
		}
		return dir, nil
	}
	return nil, nil
}
