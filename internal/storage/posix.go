package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ega-archive/lega-ingest/internal/conf"
)

type posixBackend struct {
	root string
	log  zerolog.Logger
}

func newPosixBackend(c *conf.Conf, log zerolog.Logger) (*posixBackend, error) {
	root := c.Get("vault", "location", "")
	if root == "" {
		return nil, fmt.Errorf("vault.location is not set")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating vault area %s: %w", root, err)
	}
	return &posixBackend{root: root, log: log.With().Str("component", "vault.posix").Logger()}, nil
}

// Location fans the file id out over subdirectories: the id is zero-padded to
// 20 digits and split into 3-character segments, keeping any single directory
// from accumulating millions of entries.
func (b *posixBackend) Location(fileID int64) string {
	name := fmt.Sprintf("%020d", fileID)
	parts := []string{b.root}
	for i := 0; i < len(name); i += 3 {
		end := i + 3
		if end > len(name) {
			end = len(name)
		}
		parts = append(parts, name[i:end])
	}
	return filepath.Join(parts...)
}

// Copy writes atomically: the payload lands in a temp file next to the target
// and is renamed into place only after a successful sync.
func (b *posixBackend) Copy(ctx context.Context, r io.Reader, target string) (int64, error) {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("creating vault directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".*")
	if err != nil {
		return 0, fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	n, err := io.Copy(tmp, r)
	if err != nil {
		return n, fmt.Errorf("writing %s: %w", target, err)
	}
	if err := tmp.Sync(); err != nil {
		return n, fmt.Errorf("syncing %s: %w", target, err)
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("closing %s: %w", target, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return n, fmt.Errorf("renaming into %s: %w", target, err)
	}

	b.log.Debug().Str("target", target).Int64("size", n).Msg("payload stored")
	return n, nil
}
