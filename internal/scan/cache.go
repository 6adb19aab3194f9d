package scan

import (
	"log/slog"
	"os"
	"time"

	"flatmaster/internal/frames"
)

// MetadataCache persists extracted metadata keyed on path, size and mtime.
type MetadataCache interface {
	LookupMetadata(path string, size int64, modTime time.Time) (frames.Metadata, bool, error)
	StoreMetadata(path string, size int64, modTime time.Time, meta frames.Metadata) error
}

// CachedExtractor consults cache before calling next and records fresh
// results. Cache errors are logged and never change the outcome.
func CachedExtractor(cache MetadataCache, next ExtractFunc, logger *slog.Logger) ExtractFunc {
	if cache == nil {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	return func(path string) frames.Metadata {
		info, err := os.Stat(path)
		if err != nil {
			return next(path)
		}
		if meta, ok, err := cache.LookupMetadata(path, info.Size(), info.ModTime()); err != nil {
			logger.Debug("metadata cache lookup failed", "path", path, "error", err)
		} else if ok {
			return meta
		}
		meta := next(path)
		if err := cache.StoreMetadata(path, info.Size(), info.ModTime(), meta); err != nil {
			logger.Debug("metadata cache store failed", "path", path, "error", err)
		}
		return meta
	}
}
