// Package errs holds the error markers shared by the broker dispatcher, the
// database gateway and the ingestion pipeline.
package errs

import (
	"errors"
	"fmt"
)

// RejectMessage is a cooperative signal from a worker meaning "not for me,
// put the delivery back on the queue". No database write happens for it.
var RejectMessage = errors.New("message rejected")

// FromUser marks a failure attributable to the submitter. The user is
// informed via the user-error routing key and the delivery is acked, since
// retrying cannot fix user input.
type FromUser struct {
	Kind string // short class name recorded in the errors table
	Err  error
}

func (e *FromUser) Error() string { return e.Err.Error() }

func (e *FromUser) Unwrap() error { return e.Err }

// AsFromUser reports whether err is user-attributable.
func AsFromUser(err error) (*FromUser, bool) {
	var fu *FromUser
	if errors.As(err, &fu) {
		return fu, true
	}
	return nil, false
}

// NotFoundInInbox is raised when the announced file is absent from the
// per-user inbox area.
func NotFoundInInbox(filepath string) error {
	return &FromUser{
		Kind: "NotFoundInInbox",
		Err:  fmt.Errorf("file not found in inbox: %s", filepath),
	}
}

// Kind returns the class name recorded in the errors table for err.
func Kind(err error) string {
	if fu, ok := AsFromUser(err); ok && fu.Kind != "" {
		return fu.Kind
	}
	return fmt.Sprintf("%T", err)
}

// Formal is the technical rendering of an error, sent on the system-error
// routing key next to the informal (user readable) one.
func Formal(err error) string {
	return fmt.Sprintf("%s: %s", Kind(err), Cause(err))
}

// Cause unwraps err down to its root cause.
func Cause(err error) error {
	for {
		u := errors.Unwrap(err)
		if u == nil {
			return err
		}
		err = u
	}
}
