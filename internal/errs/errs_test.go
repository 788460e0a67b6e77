package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundInInbox(t *testing.T) {
	err := NotFoundInInbox("/a/b.c4gh")

	fu, ok := AsFromUser(err)
	assert.True(t, ok)
	assert.Equal(t, "NotFoundInInbox", fu.Kind)
	assert.Contains(t, err.Error(), "/a/b.c4gh")
}

func TestAsFromUser_SeesThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("handling delivery: %w", NotFoundInInbox("/x"))

	fu, ok := AsFromUser(wrapped)
	assert.True(t, ok)
	assert.Equal(t, "NotFoundInInbox", fu.Kind)

	_, ok = AsFromUser(errors.New("plain"))
	assert.False(t, ok)
}

func TestCauseAndFormal(t *testing.T) {
	root := errors.New("disk full")
	wrapped := fmt.Errorf("copying payload: %w", root)

	assert.Equal(t, root, Cause(wrapped))
	assert.Equal(t, Kind(wrapped)+": disk full", Formal(wrapped))

	user := NotFoundInInbox("/a")
	assert.Contains(t, Formal(user), "NotFoundInInbox: ")
}
