package config

import "fmt"

// ArchiveConfig selects the backend for the published-definition archive.
type ArchiveConfig struct {
	// Backend is one of "none", "fs" or "gcs".
	Backend   string `env:"ENGINE_ARCHIVE_BACKEND" envDefault:"none"`
	FSDir     string `env:"ENGINE_ARCHIVE_FS_DIR" envDefault:"./engine-archive"`
	GCSBucket string `env:"ENGINE_ARCHIVE_GCS_BUCKET"`
}

// Validate validates the archive configuration.
func (c *ArchiveConfig) Validate() error {
	switch c.Backend {
	case "none":
		return nil
	case "fs":
		if c.FSDir == "" {
			return fmt.Errorf("ENGINE_ARCHIVE_FS_DIR is required when ENGINE_ARCHIVE_BACKEND is 'fs'")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("ENGINE_ARCHIVE_GCS_BUCKET is required when ENGINE_ARCHIVE_BACKEND is 'gcs'")
		}
	default:
		return fmt.Errorf("unknown ENGINE_ARCHIVE_BACKEND: %s", c.Backend)
	}
	return nil
}
