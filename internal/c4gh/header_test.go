package c4gh

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildContainer assembles a minimal container: preamble, packets, payload.
func buildContainer(t *testing.T, version uint32, packets [][]byte, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("crypt4gh")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, version))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(packets))))
	for _, p := range packets {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(p)+4)))
		buf.Write(p)
	}
	buf.Write(payload)
	return buf.Bytes()
}

func TestReadHeader_SplitsHeaderFromPayload(t *testing.T) {
	packet := bytes.Repeat([]byte{0xAB}, 100)
	payload := bytes.Repeat([]byte{0x42}, 876)
	container := buildContainer(t, 1, [][]byte{packet}, payload)

	r := bytes.NewReader(container)
	header, err := ReadHeader(r)
	require.NoError(t, err)

	// the header is the exact prefix of the stream
	assert.Equal(t, container[:len(container)-len(payload)], header)

	// the cursor is left at the first payload byte
	rest, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, rest)
}

func TestReadHeader_MultiplePackets(t *testing.T) {
	packets := [][]byte{
		bytes.Repeat([]byte{1}, 12),
		bytes.Repeat([]byte{2}, 40),
	}
	container := buildContainer(t, 1, packets, []byte("payload"))

	r := bytes.NewReader(container)
	header, err := ReadHeader(r)
	require.NoError(t, err)
	assert.Len(t, header, 16+4+12+4+40)

	rest, _ := io.ReadAll(r)
	assert.Equal(t, []byte("payload"), rest)
}

func TestReadHeader_BadMagic(t *testing.T) {
	_, err := ReadHeader(bytes.NewReader([]byte("notcrypt4ghdata.")))
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestReadHeader_UnsupportedVersion(t *testing.T) {
	container := buildContainer(t, 2, nil, nil)
	_, err := ReadHeader(bytes.NewReader(container))
	assert.ErrorIs(t, err, ErrInvalidHeader)
}

func TestReadHeader_Truncated(t *testing.T) {
	full := buildContainer(t, 1, [][]byte{bytes.Repeat([]byte{7}, 64)}, nil)

	for _, cut := range []int{0, 16, 18, len(full) - 1} {
		_, err := ReadHeader(bytes.NewReader(full[:cut]))
		assert.ErrorIs(t, err, ErrInvalidHeader, "cut at %d", cut)
	}
}

// brokenReader simulates the inbox file failing mid-read.
type brokenReader struct{}

func (brokenReader) Read([]byte) (int, error) {
	return 0, &os.PathError{Op: "read", Path: "/inbox/f", Err: errors.New("input/output error")}
}

func TestReadHeader_StreamFailureIsNotAHeaderError(t *testing.T) {
	_, err := ReadHeader(brokenReader{})
	require.Error(t, err)
	assert.False(t, IsHeaderError(err))
}
