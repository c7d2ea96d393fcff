// Package config holds rpscam's runtime configuration.
//
// Configuration is assembled from layers of string key-value pairs applied in
// order: defaults, persisted settings, environment, command-line flags. Later
// layers win.
package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Setting keys. Flags use the same names with dashes, environment variables
// are prefixed with EnvPrefix and upper-cased.
const (
	KeyAddr      = "addr"
	KeyCamera    = "camera"
	KeyQuality   = "quality"
	KeyWidth     = "width"
	KeyHeight    = "height"
	KeyStaticDir = "static_dir"
	KeyTray      = "tray"
	KeyLogLevel  = "log_level"
	KeyDataDir   = "data_dir"
)

// EnvPrefix prefixes every environment variable, e.g. RPSCAM_ADDR.
const EnvPrefix = "RPSCAM_"

// DefaultAddr binds every interface on the fixed port.
const DefaultAddr = "0.0.0.0:5001"

const maxDimension = 4096

// ErrInvalid is wrapped by every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// PersistedKeys are the keys that may be stored in the settings table.
// The data directory is excluded because the settings live inside it.
var PersistedKeys = []string{KeyAddr, KeyCamera, KeyQuality, KeyWidth, KeyHeight, KeyStaticDir, KeyTray, KeyLogLevel}

var allKeys = append(append([]string{}, PersistedKeys...), KeyDataDir)

var usage = map[string]string{
	KeyAddr:      "listen address",
	KeyCamera:    "camera device index",
	KeyQuality:   "JPEG quality for the video feed (1-100)",
	KeyWidth:     "requested capture width in pixels",
	KeyHeight:    "requested capture height in pixels",
	KeyStaticDir: "directory of static web files to serve at /",
	KeyTray:      "show the system tray menu",
	KeyLogLevel:  "log level: debug, info, warn or error",
	KeyDataDir:   "directory holding the settings database",
}

// Config holds the process configuration.
type Config struct {
	Addr        string
	CameraID    int
	JPEGQuality int
	// Width and Height are requested from the device, which may pick the
	// nearest mode it supports.
	Width     int
	Height    int
	StaticDir string
	Tray      bool
	LogLevel  slog.Level
	DataDir   string
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := ".rpscam"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".rpscam")
	}

	return Config{
		Addr:        DefaultAddr,
		CameraID:    0,
		JPEGQuality: 80,
		Width:       640,
		Height:      480,
		LogLevel:    slog.LevelInfo,
		DataDir:     dataDir,
	}
}

// Set parses value and assigns it to the field named by key.
func (c *Config) Set(key, value string) error {
	switch key {
	case KeyAddr:
		c.Addr = value
	case KeyCamera:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		c.CameraID = n
	case KeyQuality:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		c.JPEGQuality = n
	case KeyWidth, KeyHeight:
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		if key == KeyWidth {
			c.Width = n
		} else {
			c.Height = n
		}
	case KeyStaticDir:
		c.StaticDir = value
	case KeyTray:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		c.Tray = b
	case KeyLogLevel:
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(value)); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
		}
		c.LogLevel = lvl
	case KeyDataDir:
		c.DataDir = value
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalid, key)
	}
	return nil
}

// Apply sets every key in layer. Keys are applied in a stable order.
func (c *Config) Apply(layer map[string]string) error {
	for _, key := range allKeys {
		if v, ok := layer[key]; ok {
			if err := c.Set(key, v); err != nil {
				return err
			}
		}
	}
	for key := range layer {
		if !known(key) {
			return fmt.Errorf("%w: unknown key %q", ErrInvalid, key)
		}
	}
	return nil
}

// Validate checks field ranges.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Addr) == "" {
		problems = append(problems, "addr must not be empty")
	}
	if c.CameraID < 0 {
		problems = append(problems, "camera must not be negative")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		problems = append(problems, "quality must be between 1 and 100")
	}
	if c.Width < 1 || c.Width > maxDimension || c.Height < 1 || c.Height > maxDimension {
		problems = append(problems, fmt.Sprintf("width and height must be between 1 and %d", maxDimension))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// Values renders the persisted fields back into their string form.
func (c Config) Values() map[string]string {
	return map[string]string{
		KeyAddr:      c.Addr,
		KeyCamera:    strconv.Itoa(c.CameraID),
		KeyQuality:   strconv.Itoa(c.JPEGQuality),
		KeyWidth:     strconv.Itoa(c.Width),
		KeyHeight:    strconv.Itoa(c.Height),
		KeyStaticDir: c.StaticDir,
		KeyTray:      strconv.FormatBool(c.Tray),
		KeyLogLevel:  strings.ToLower(c.LogLevel.String()),
	}
}

// ValidateSetting reports whether value is acceptable for a persisted key.
func ValidateSetting(key, value string) error {
	if !IsPersisted(key) {
		return fmt.Errorf("%w: %q cannot be persisted", ErrInvalid, key)
	}
	c := Default()
	if err := c.Set(key, value); err != nil {
		return err
	}
	return c.Validate()
}

// IsPersisted reports whether key may be stored in the settings table.
func IsPersisted(key string) bool {
	for _, k := range PersistedKeys {
		if k == key {
			return true
		}
	}
	return false
}

func known(key string) bool {
	return IsPersisted(key) || key == KeyDataDir
}

// FromEnv collects every RPSCAM_* variable that is set.
func FromEnv(getenv func(string) string) map[string]string {
	layer := make(map[string]string)
	for _, key := range allKeys {
		if v := getenv(EnvPrefix + strings.ToUpper(key)); v != "" {
			layer[key] = v
		}
	}
	return layer
}

// ParseFlags parses command-line arguments and returns only the flags that
// were given explicitly.
func ParseFlags(name string, args []string) (map[string]string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	for _, key := range allKeys {
		if key == KeyTray {
			fs.Bool(flagName(key), false, usage[key])
			continue
		}
		fs.String(flagName(key), "", usage[key])
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	layer := make(map[string]string)
	fs.Visit(func(f *flag.Flag) {
		layer[strings.ReplaceAll(f.Name, "-", "_")] = f.Value.String()
	})
	return layer, nil
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}
