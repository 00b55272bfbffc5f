// Package config reads the optional client configuration file: device
// aliases and per-user defaults. Credentials never live here; they ride
// in the target URL at invocation time.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from the usual "30s"
// string form.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Device is one aliased device entry.
type Device struct {
	// Host is the administrative address, host or host:port.
	Host string `yaml:"host"`

	// Scheme is http or https. Empty means http.
	Scheme string `yaml:"scheme,omitempty"`

	// Arch is the device's CPU architecture, overriding the default.
	Arch string `yaml:"arch,omitempty"`

	// InsecureTLS skips certificate verification for this device's
	// https administrative interface.
	InsecureTLS bool `yaml:"insecure_tls,omitempty"`
}

// Defaults apply when neither a flag nor a device entry decides.
type Defaults struct {
	Arch     string   `yaml:"arch,omitempty"`
	Deadline Duration `yaml:"deadline,omitempty"`
}

// Config is the whole configuration file.
type Config struct {
	Defaults Defaults          `yaml:"defaults,omitempty"`
	Devices  map[string]Device `yaml:"devices,omitempty"`
}

// DefaultPath is the per-user configuration file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config directory: %w", err)
	}
	return filepath.Join(dir, "camkit", "config.yaml"), nil
}

// Read loads the configuration file at path, or from DefaultPath when
// path is empty. A missing file is not an error; the zero configuration
// comes back instead, because the file is optional.
func Read(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return &cfg, nil
}

// ResolveTarget expands a device argument into a full administrative
// URL. Full URLs pass through untouched. Otherwise the part after the
// last "@" is looked up as an alias; on a match the entry's scheme and
// host replace it, and on a miss the name is taken as a literal host.
// The second return is the matched device entry, zero when none
// matched.
func (c *Config) ResolveTarget(arg string) (string, Device) {
	if strings.Contains(arg, "://") {
		return arg, Device{}
	}

	creds, name := "", arg
	if i := strings.LastIndexByte(arg, '@'); i >= 0 {
		creds, name = arg[:i+1], arg[i+1:]
	}

	dev, ok := c.Devices[name]
	if !ok {
		return "http://" + creds + name, Device{}
	}

	scheme := dev.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + creds + dev.Host, dev
}

// Coalesce returns the first value that is not the zero value, which is
// how flag, config file, and built-in default are layered.
func Coalesce[T comparable](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v != zero {
			return v
		}
	}
	return zero
}
