// Package storage provides the vault capability: choosing a destination for
// a given file id and streaming a payload to it. Drivers exist for a local
// filesystem and for S3-compatible object stores.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/ega-archive/lega-ingest/internal/conf"
)

// Backend is the capability the ingestion worker depends on. Location returns
// an opaque destination for a file id; Copy streams r to that destination
// until EOF and returns the number of bytes written.
type Backend interface {
	Location(fileID int64) string
	Copy(ctx context.Context, r io.Reader, target string) (int64, error)
}

// NewBackend builds the vault driver selected by the vault.driver config key
// (posix or s3).
func NewBackend(ctx context.Context, c *conf.Conf, log zerolog.Logger) (Backend, error) {
	driver := c.Get("vault", "driver", "posix")
	switch driver {
	case "posix", "filesystem":
		return newPosixBackend(c, log)
	case "s3":
		return newS3Backend(ctx, c, log)
	default:
		return nil, fmt.Errorf("unknown vault driver %q", driver)
	}
}
