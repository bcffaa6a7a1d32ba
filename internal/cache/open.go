package cache

import (
	"fmt"

	"github.com/joshp123/gofan/internal/config"
)

// Open builds the store selected by cache.backend.
func Open(cfg config.CacheConfig, name string) (Store, error) {
	switch cfg.Backend {
	case "", "none":
		return Nop{}, nil
	case "sqlite":
		return OpenSQLite(cfg.SQLitePath)
	case "s3":
		return NewS3Store(cfg.Blob, name)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}
