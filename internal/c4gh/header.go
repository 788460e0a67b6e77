// Package c4gh reads the Crypt4GH header frame off an encrypted container.
// Parsing is delegated to the elixir-oslo library; this package classifies
// its failures so a malformed upload is attributed to the submitter while a
// broken stream is not. The header stays opaque: nothing here decrypts or
// inspects the packets.
package c4gh

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/elixir-oslo/crypt4gh/model/headers"
)

// ErrInvalidHeader marks a container the library could not parse: wrong
// magic number, unsupported version or a header cut short.
var ErrInvalidHeader = errors.New("invalid Crypt4GH header")

// IsHeaderError reports whether err means the uploaded bytes are not a valid
// container, as opposed to plain stream I/O failing.
func IsHeaderError(err error) bool {
	return errors.Is(err, ErrInvalidHeader)
}

// ReadHeader reads the header frame from r, leaving r positioned at the
// first payload byte. It returns the exact header bytes read from the
// stream, which is what gets persisted.
func ReadHeader(r io.Reader) ([]byte, error) {
	header, err := headers.ReadHeader(r)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			// The file failed, not the format.
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	return header, nil
}
