package conf

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// logProfile is the YAML shape accepted by LEGA_LOG when it names a file.
type logProfile struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or console
}

var logProfiles = map[string]logProfile{
	"default": {Level: "info", Format: "json"},
	"debug":   {Level: "debug", Format: "json"},
	"console": {Level: "info", Format: "console"},
}

// NewLogger builds the root logger from the LEGA_LOG environment variable,
// either one of the bundled profile names or a path to a .yaml/.yml file.
// Without LEGA_LOG, logging defaults to JSON at the info level.
func NewLogger() zerolog.Logger {
	profile := logProfiles["default"]

	if name := os.Getenv("LEGA_LOG"); name != "" {
		if p, ok := logProfiles[name]; ok {
			profile = p
		} else {
			switch strings.ToLower(filepath.Ext(name)) {
			case ".yaml", ".yml":
				if p, err := loadLogProfile(name); err == nil {
					profile = p
				}
			}
		}
	}

	level, err := zerolog.ParseLevel(profile.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if profile.Format == "console" {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log = zerolog.New(os.Stdout)
	}
	return log.Level(level).With().Timestamp().Logger()
}

func loadLogProfile(path string) (logProfile, error) {
	var p logProfile
	b, err := os.ReadFile(path)
	if err != nil {
		return p, err
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, err
	}
	if p.Level == "" {
		p.Level = "info"
	}
	return p, nil
}
