package storage

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ega-archive/lega-ingest/internal/conf"
)

func newTestPosix(t *testing.T) *posixBackend {
	t.Helper()
	root := t.TempDir()
	c, err := conf.FromBytes([]byte("[vault]\ndriver = posix\nlocation = "+root+"\n"), zerolog.Nop())
	require.NoError(t, err)
	b, err := newPosixBackend(c, zerolog.Nop())
	require.NoError(t, err)
	return b
}

func TestPosixLocation_FanOut(t *testing.T) {
	b := newTestPosix(t)

	target := b.Location(1)
	rel, err := filepath.Rel(b.root, target)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("000", "000", "000", "000", "000", "000", "01"), rel)

	// distinct ids map to distinct targets
	assert.NotEqual(t, b.Location(1), b.Location(2))
}

func TestPosixCopy(t *testing.T) {
	b := newTestPosix(t)
	payload := bytes.Repeat([]byte{0x42}, 876)

	target := b.Location(42)
	n, err := b.Copy(context.Background(), bytes.NewReader(payload), target)
	require.NoError(t, err)
	assert.Equal(t, int64(876), n)

	stored, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, payload, stored)

	// no temp files left behind
	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestNewBackend_UnknownDriver(t *testing.T) {
	c, err := conf.FromBytes([]byte("[vault]\ndriver = tape\n"), zerolog.Nop())
	require.NoError(t, err)

	_, err = NewBackend(context.Background(), c, zerolog.Nop())
	assert.Error(t, err)
}
