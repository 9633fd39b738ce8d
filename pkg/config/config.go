// Package config holds the user-level chatlog configuration, stored in
// ~/.config/chatlog/config.yaml and overridable from the environment.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/goccy/go-yaml"
	"github.com/natefinch/atomic"

	"github.com/docker/chatlog/pkg/capture"
	"github.com/docker/chatlog/pkg/paths"
)

// CurrentVersion is the current version of the config format
const CurrentVersion = "v1"

const (
	DefaultOutputDir = "logs"
	DefaultListen    = "127.0.0.1:8089"
	DefaultUpstream  = "https://api.openai.com"
)

// Environment variables overriding the file.
const (
	EnvOutputDir = "CHATLOG_OUTPUT_DIR"
	EnvAutoOpen  = "CHATLOG_AUTO_OPEN"
	EnvUpstream  = "CHATLOG_UPSTREAM"
)

type Proxy struct {
	// Listen is the proxy address: host:port, unix:///path or fd://N.
	Listen string `yaml:"listen,omitempty"`
	// Upstream is the API the proxy forwards to.
	Upstream string `yaml:"upstream,omitempty"`
}

type Config struct {
	// Version is the config format version
	Version string `yaml:"version,omitempty"`
	// OutputDir is where transcripts are written.
	OutputDir string `yaml:"output_dir,omitempty"`
	// AutoOpen opens each finished transcript in the default viewer.
	AutoOpen bool `yaml:"auto_open,omitempty"`
	// ConversationHeader is the request header carrying the conversation key.
	ConversationHeader string `yaml:"conversation_header,omitempty"`
	// Title is the transcript heading.
	Title string `yaml:"title,omitempty"`
	Proxy Proxy  `yaml:"proxy,omitempty"`
}

func Defaults() *Config {
	return &Config{
		Version:            CurrentVersion,
		OutputDir:          DefaultOutputDir,
		ConversationHeader: capture.DefaultConversationHeader,
		Proxy: Proxy{
			Listen:   DefaultListen,
			Upstream: DefaultUpstream,
		},
	}
}

// Path returns the path to the config file
func Path() string {
	return paths.ConfigFile()
}

// Load reads the config at path, or at Path() when path is empty, then
// applies the environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	return loadFrom(path, os.LookupEnv)
}

// ReadFile reads the config at path, or at Path() when path is empty,
// without the environment overrides. Use it for a config that is saved back.
func ReadFile(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	return readConfig(path)
}

func loadFrom(path string, lookupEnv func(string) (string, bool)) (*Config, error) {
	config, err := readConfig(path)
	if err != nil {
		return nil, err
	}
	if err := config.applyEnv(lookupEnv); err != nil {
		return nil, err
	}
	return config, nil
}

// readConfig reads and parses the config file, returning the defaults if the file doesn't exist.
func readConfig(path string) (*Config, error) {
	config := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	config.fillDefaults()

	return config, nil
}

// fillDefaults restores defaults for fields a file set to empty values.
func (c *Config) fillDefaults() {
	d := Defaults()
	if c.OutputDir == "" {
		c.OutputDir = d.OutputDir
	}
	if c.ConversationHeader == "" {
		c.ConversationHeader = d.ConversationHeader
	}
	if c.Proxy.Listen == "" {
		c.Proxy.Listen = d.Proxy.Listen
	}
	if c.Proxy.Upstream == "" {
		c.Proxy.Upstream = d.Proxy.Upstream
	}
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	if v, ok := lookupEnv(EnvOutputDir); ok && v != "" {
		c.OutputDir = v
	}
	if v, ok := lookupEnv(EnvAutoOpen); ok && v != "" {
		autoOpen, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvAutoOpen, v, err)
		}
		c.AutoOpen = autoOpen
	}
	if v, ok := lookupEnv(EnvUpstream); ok && v != "" {
		c.Proxy.Upstream = v
	}
	return nil
}

// Keys lists the settings accepted by Set.
var Keys = []string{"output_dir", "auto_open", "conversation_header", "title", "proxy.listen", "proxy.upstream"}

// Set assigns value to the setting named key, as spelled in the file.
func (c *Config) Set(key, value string) error {
	switch key {
	case "output_dir":
		c.OutputDir = value
	case "auto_open":
		autoOpen, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid auto_open %q: %w", value, err)
		}
		c.AutoOpen = autoOpen
	case "conversation_header":
		c.ConversationHeader = value
	case "title":
		c.Title = value
	case "proxy.listen":
		c.Proxy.Listen = value
	case "proxy.upstream":
		c.Proxy.Upstream = value
	default:
		return fmt.Errorf("unknown setting %q: expected one of %v", key, Keys)
	}
	return nil
}

// Save writes the configuration to path, or to Path() when path is empty.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Ensure version is always set to current version when saving
	c.Version = CurrentVersion

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return atomic.WriteFile(path, bytes.NewReader(data))
}
