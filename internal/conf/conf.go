// Package conf loads the worker settings from an INI file and resolves
// sensitive values (credentials) from env, file or one-shot secret sources.
//
// The LEGA_CONF environment variable points at the main INI file
// (default /etc/ega/conf.ini). The LEGA_LOG environment variable selects the
// logging profile, either a short name or a path to a YAML file.
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/ini.v1"
)

// DefaultPath is used when LEGA_CONF is not set.
const DefaultPath = "/etc/ega/conf.ini"

const defaultSection = "DEFAULT"

// Conf is a layered read-only key-value store. Keys missing from a section
// fall back to the DEFAULT section.
type Conf struct {
	file *ini.File
	path string
	log  zerolog.Logger
}

// Load reads the INI file named by LEGA_CONF. A .env file in the working
// directory is loaded first, so container setups can inject variables the
// env:// scheme resolves against.
func Load(log zerolog.Logger) (*Conf, error) {
	_ = godotenv.Load()

	path := os.Getenv("LEGA_CONF")
	if path == "" {
		path = DefaultPath
	}
	f, err := ini.LoadSources(loadOptions(), path)
	if err != nil {
		return nil, fmt.Errorf("loading configuration %s: %w", path, err)
	}
	return &Conf{file: f, path: path, log: log}, nil
}

// FromBytes builds a Conf from raw INI content. Used by tests.
func FromBytes(content []byte, log zerolog.Logger) (*Conf, error) {
	f, err := ini.LoadSources(loadOptions(), content)
	if err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	return &Conf{file: f, log: log}, nil
}

func loadOptions() ini.LoadOptions {
	// = and : delimiters and #/; comments are the ini defaults; no
	// interpolation is performed on values.
	return ini.LoadOptions{}
}

// Path returns the configuration file location, empty for in-memory confs.
func (c *Conf) Path() string { return c.path }

func (c *Conf) lookup(section, key string) (string, bool) {
	// Value(), not String(): String() expands %(name)s references, which
	// would silently rewrite credentials containing that pattern.
	if sec, err := c.file.GetSection(section); err == nil && sec.HasKey(key) {
		return sec.Key(key).Value(), true
	}
	if section != defaultSection {
		if sec, err := c.file.GetSection(defaultSection); err == nil && sec.HasKey(key) {
			return sec.Key(key).Value(), true
		}
	}
	return "", false
}

// Get returns the raw value for section/key, or fallback when absent.
func (c *Conf) Get(section, key, fallback string) string {
	if v, ok := c.lookup(section, key); ok {
		return v
	}
	return fallback
}

// GetInt returns the integer value for section/key, or fallback when absent
// or unparsable.
func (c *Conf) GetInt(section, key string, fallback int) int {
	v, ok := c.lookup(section, key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.log.Warn().Str("section", section).Str("key", key).Str("value", v).
			Msg("not an integer, using fallback")
		return fallback
	}
	return n
}

// GetBool returns the boolean value for section/key, or fallback when absent
// or unparsable. It accepts the usual INI spellings (true/false, yes/no,
// on/off, 1/0), case-insensitively.
func (c *Conf) GetBool(section, key string, fallback bool) bool {
	v, ok := c.lookup(section, key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		c.log.Warn().Str("section", section).Str("key", key).Str("value", v).
			Msg("not a boolean, using fallback")
		return fallback
	}
}

// GetSensitive resolves section/key through the sensitive-value schemes
// (value://, env://, file://, secret://). An absent key yields an empty
// string without error.
func (c *Conf) GetSensitive(section, key string) (string, error) {
	v, ok := c.lookup(section, key)
	if !ok {
		return "", nil
	}
	return ResolveSensitive(v, c.log)
}
