package conf

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// MissingEnvError is returned when an env:// value points at an unset
// environment variable.
type MissingEnvError struct {
	Name string
}

func (e *MissingEnvError) Error() string {
	return fmt.Sprintf("environment variable %s not found", e.Name)
}

// LoadError is returned when a file:// or secret:// value cannot be read.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("error loading %s: %v", e.Path, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

// ResolveSensitive fetches a sensitive value from different sources.
//
//   - value://X forces the literal X (escape hatch for literals that start
//     with another scheme).
//   - env://NAME reads the environment variable NAME. Deprecated.
//   - file://PATH reads the file at PATH as text.
//   - secret://PATH reads the file at PATH and removes it afterwards. A
//     failed removal is logged but not fatal.
//   - anything else is the value itself, even if it starts with amqps:// or
//     postgres://.
//
// The empty string resolves to itself.
func ResolveSensitive(value string, log zerolog.Logger) (string, error) {
	if value == "" {
		return "", nil
	}

	// Short-circuit: the value is enforced.
	if v, ok := strings.CutPrefix(value, "value://"); ok {
		return v, nil
	}

	if name, ok := strings.CutPrefix(value, "env://"); ok {
		log.Warn().Str("envvar", name).
			Msg("loading sensitive data from an environment variable is deprecated, use secret:// instead")
		v, found := os.LookupEnv(name)
		if !found {
			return "", &MissingEnvError{Name: name}
		}
		return v, nil
	}

	if path, ok := strings.CutPrefix(value, "file://"); ok {
		if info, err := os.Stat(path); err == nil && info.Mode().Perm()&0o044 != 0 {
			log.Warn().Str("path", path).
				Msg("sensitive file is group or world readable, use secret:// instead")
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return "", &LoadError{Path: path, Err: err}
		}
		return string(b), nil
	}

	if path, ok := strings.CutPrefix(value, "secret://"); ok {
		b, err := os.ReadFile(path)
		if rmErr := os.Remove(path); rmErr != nil {
			log.Warn().Err(rmErr).Str("path", path).Msg("could not remove secret file")
		}
		if err != nil {
			return "", &LoadError{Path: path, Err: err}
		}
		return string(b), nil
	}

	return value, nil
}
