package config

import (
	"errors"
	"fmt"
	"io/ioutil"
	"os"
	"os/user"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v2"
)

const (
	configDir     string = ".pystack"
	configDirXDG  string = "pystack"
	configFile    string = "config.yml"
	configEnvPath string = "PYSTACK_CONFIG"
)

// Config defines all configuration options available to be set through the config file.
// Command line flags take precedence over every value set here.
type Config struct {
	// Rate is the default sample interval in seconds.
	Rate *float64 `yaml:"rate,omitempty"`

	// MaxDepth is the number of frames after which a stack walk is
	// considered to be following a corrupted chain.
	MaxDepth *int `yaml:"max-depth,omitempty"`

	// MaxStringLen is the maximum number of characters read from a
	// file or function name in the target.
	MaxStringLen *int `yaml:"max-string-len,omitempty"`

	// CodeCacheSize is the number of decoded code objects kept between
	// samples. Zero disables the cache.
	CodeCacheSize *int `yaml:"code-cache-size,omitempty"`

	// PythonVersion forces the interpreter version ("3.8") instead of
	// detecting it from the target's binaries.
	PythonVersion string `yaml:"python-version,omitempty"`

	// TStateCurrentOffsets overrides, per interpreter version, the offset
	// of the current thread state pointer inside _PyRuntime.
	TStateCurrentOffsets map[string]uint64 `yaml:"tstate-current-offsets,omitempty"`
}

var versionRx = regexp.MustCompile(`^[23]\.[0-9]{1,2}$`)

// Validate checks that every value set in c is usable.
func (c *Config) Validate() error {
	if c.Rate != nil && *c.Rate <= 0 {
		return fmt.Errorf("rate must be positive, got %v", *c.Rate)
	}
	if c.MaxDepth != nil && *c.MaxDepth <= 0 {
		return fmt.Errorf("max-depth must be positive, got %d", *c.MaxDepth)
	}
	if c.MaxStringLen != nil && *c.MaxStringLen <= 0 {
		return fmt.Errorf("max-string-len must be positive, got %d", *c.MaxStringLen)
	}
	if c.CodeCacheSize != nil && *c.CodeCacheSize < 0 {
		return fmt.Errorf("code-cache-size must not be negative, got %d", *c.CodeCacheSize)
	}
	if c.PythonVersion != "" && !versionRx.MatchString(c.PythonVersion) {
		return fmt.Errorf("python-version must look like 3.8, got %q", c.PythonVersion)
	}
	for v := range c.TStateCurrentOffsets {
		if !versionRx.MatchString(v) {
			return fmt.Errorf("tstate-current-offsets: bad version key %q", v)
		}
	}
	return nil
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// A commented default file is created when none exists. Problems with
// the file are reported on stderr and the defaults are used.
func LoadConfig() *Config {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to get config file path: %v.\n", err)
		return &Config{}
	}
	c, err := LoadConfigFrom(fullConfigFile)
	if errors.Is(err, os.ErrNotExist) {
		if err := WriteDefaultConfig(fullConfigFile); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config file: %v.\n", err)
		}
		return &Config{}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to load config file: %v.\n", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads and validates the config file at path.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %w", err)
	}

	var c Config
	if err := yaml.UnmarshalStrict(data, &c); err != nil {
		return nil, fmt.Errorf("unable to decode config file %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

// WriteDefaultConfig writes a commented configuration file to path
// without overwriting an existing one.
func WriteDefaultConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("unable to create config file: %v", err)
	}
	defer f.Close()
	_, err = f.WriteString(defaultConfig)
	return err
}

const defaultConfig = `# Configuration file for pystack.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Default sample interval in seconds, used when --rate is not given.
# rate: 0.01

# Frames after which a stack is assumed to be corrupted.
# max-depth: 1024

# Maximum number of characters read from file and function names.
# max-string-len: 4096

# Decoded code objects cached between samples (0 disables the cache).
# code-cache-size: 4096

# Skip version detection and treat the target as this interpreter version.
# python-version: "3.8"

# Offsets of gilstate.tstate_current inside _PyRuntime, for interpreters
# built with a layout that differs from the upstream release.
# tstate-current-offsets:
#   "3.8": 1368
`

// GetConfigFilePath gets the full path to the given config file name.
// $PYSTACK_CONFIG names the config file directly; otherwise
// $XDG_CONFIG_HOME/pystack is used when set, and ~/.pystack if not.
func GetConfigFilePath(file string) (string, error) {
	if p := os.Getenv(configEnvPath); p != "" && file == configFile {
		return p, nil
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDirXDG, file), nil
	}
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
