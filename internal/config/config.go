// Package config handles the configuration file shared by the server and the client.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable that overrides the file
const EnvPrefix = "MUSICSTREAM_"

// ClientIDLength is the fixed size of the client identifier on the wire
const ClientIDLength = 6

// Config represents the configuration file
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Client   ClientConfig   `yaml:"client"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig contains the listen settings. The client dials the same
// host and ports.
type ServerConfig struct {
	// Host to bind (server) or dial (client). Empty binds all interfaces.
	Host string `yaml:"host"`

	// PortCommunication carries search requests and terminate commands (default: 9191)
	PortCommunication int `yaml:"portCommunication"`

	// PortStreaming carries song data (default: 9090)
	PortStreaming int `yaml:"portStreaming"`

	// PairTimeout drops half-connections left unpaired this long. Zero waits forever.
	PairTimeout time.Duration `yaml:"pairTimeout"`
}

// ClientConfig contains client identity and reconnect settings
type ClientConfig struct {
	// ID identifies the client to the server, exactly 6 bytes (default: 111111)
	ID string `yaml:"id"`

	// RetryInterval between refused connection attempts. Zero retries immediately.
	RetryInterval time.Duration `yaml:"retryInterval"`

	// ArtDir receives cover art for the OS media session. Empty disables it.
	ArtDir string `yaml:"artDir"`
}

// DatabaseConfig locates the song catalog
type DatabaseConfig struct {
	Path      string `yaml:"path"`
	SongsDir  string `yaml:"songsDir"`
	ImagesDir string `yaml:"imagesDir"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	// Listen address for /metrics, empty disables it
	Listen string `yaml:"listen"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			PortCommunication: 9191,
			PortStreaming:     9090,
		},
		Client: ClientConfig{
			ID: "111111",
		},
	}
}

// Validate checks the values the wire protocol depends on
func (c *Config) Validate() error {
	if len(c.Client.ID) != ClientIDLength {
		return fmt.Errorf("client id %q must be exactly %d bytes", c.Client.ID, ClientIDLength)
	}
	if !validPort(c.Server.PortCommunication) {
		return fmt.Errorf("invalid communication port %d", c.Server.PortCommunication)
	}
	if !validPort(c.Server.PortStreaming) {
		return fmt.Errorf("invalid streaming port %d", c.Server.PortStreaming)
	}
	if c.Server.PortCommunication == c.Server.PortStreaming && c.Server.PortStreaming != 0 {
		return errors.New("communication and streaming ports must differ")
	}
	if c.Server.PairTimeout < 0 || c.Client.RetryInterval < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

func validPort(port int) bool {
	return port >= 0 && port <= 65535
}

// Manager handles loading and saving configuration
type Manager struct {
	configDir  string
	configPath string
	config     *Config
}

// NewManager creates a configuration manager for configDir/config.yaml
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.yaml"),
		config:     DefaultConfig(),
	}
}

// NewManagerForFile creates a configuration manager for an explicit file
func NewManagerForFile(path string) *Manager {
	return &Manager{
		configDir:  filepath.Dir(path),
		configPath: path,
		config:     DefaultConfig(),
	}
}

// Load reads the configuration from disk, writing the defaults on first use,
// then applies .env and environment overrides.
func (m *Manager) Load() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.config = DefaultConfig()
		if err := m.Save(); err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(m.configPath)
		if err != nil {
			return fmt.Errorf("failed to read config: %w", err)
		}

		config := DefaultConfig()
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse config: %w", err)
		}
		m.config = config
	}

	// existing environment variables win over the .env file
	if err := godotenv.Load(filepath.Join(m.configDir, ".env")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read .env: %w", err)
	}
	if err := applyEnv(m.config); err != nil {
		return err
	}
	m.resolvePaths()

	return m.config.Validate()
}

// resolvePaths fills in catalog locations under the config directory and
// makes relative ones relative to it
func (m *Manager) resolvePaths() {
	db := &m.config.Database
	for _, p := range []struct {
		dst      *string
		fallback string
	}{
		{&db.Path, "catalog.db"},
		{&db.SongsDir, "songs"},
		{&db.ImagesDir, "images"},
	} {
		if *p.dst == "" {
			*p.dst = p.fallback
		}
		if !filepath.IsAbs(*p.dst) {
			*p.dst = filepath.Join(m.configDir, *p.dst)
		}
	}
}

func applyEnv(c *Config) error {
	strs := map[string]*string{
		"HOST":           &c.Server.Host,
		"CLIENT_ID":      &c.Client.ID,
		"ART_DIR":        &c.Client.ArtDir,
		"DB_PATH":        &c.Database.Path,
		"SONGS_DIR":      &c.Database.SongsDir,
		"IMAGES_DIR":     &c.Database.ImagesDir,
		"METRICS_LISTEN": &c.Metrics.Listen,
	}
	for name, dst := range strs {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"PORT_COMMUNICATION": &c.Server.PortCommunication,
		"PORT_STREAMING":     &c.Server.PortStreaming,
	}
	for name, dst := range ints {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"PAIR_TIMEOUT":   &c.Server.PairTimeout,
		"RETRY_INTERVAL": &c.Client.RetryInterval,
	}
	for name, dst := range durations {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}
	return nil
}

// Save writes the configuration to disk
func (m *Manager) Save() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(m.config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Get returns the current configuration
func (m *Manager) Get() *Config {
	return m.config
}

// GetPath returns the config file path
func (m *Manager) GetPath() string {
	return m.configPath
}

// DefaultDir returns the per-user configuration directory
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "musicstream")
	}
	return ".musicstream"
}
