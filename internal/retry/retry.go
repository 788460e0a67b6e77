// Package retry provides the bounded-attempt retry used around broker and
// database connection setup.
package retry

import (
	"time"

	"github.com/rs/zerolog"
)

// Defaults for broker and database connection attempts.
const (
	DefaultAttempts = 30
	DefaultInterval = time.Second
)

// Do runs op up to attempts times, sleeping interval between tries.
//
// retryOn decides whether an error is worth another attempt; nil means every
// error is. A non-retryable error propagates immediately. When the attempts
// are exhausted, onFailure runs (typically terminating the process) and the
// last error propagates.
func Do(log zerolog.Logger, name string, attempts int, interval time.Duration, retryOn func(error) bool, onFailure func(), op func() error) error {
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if retryOn != nil && !retryOn(err) {
			return err
		}
		if attempt < attempts {
			log.Warn().Err(err).Str("operation", name).
				Int("attempt", attempt).Int("max", attempts).
				Msg("retrying")
			time.Sleep(interval)
		}
	}

	log.Error().Err(err).Str("operation", name).Int("attempts", attempts).
		Msg("attempts exhausted")
	if onFailure != nil {
		onFailure()
	}
	return err
}
