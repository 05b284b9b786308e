package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"waymirror/internal/logger"
)

// Backend selects where frames are captured from.
type Backend string

const (
	BackendAuto    Backend = "auto"    // Wayland when the screen-copy global exists, else X11
	BackendWayland Backend = "wayland" // compositor screen-copy protocol only
	BackendX11     Backend = "x11"     // root-window grabs over X11
)

const (
	defaultFPS        = 30
	defaultServerPort = 8080
)

// Config represents the daemon configuration.
type Config struct {
	// Socket is the Wayland display to connect to: a name resolved under
	// XDG_RUNTIME_DIR or an absolute socket path. Empty uses WAYLAND_DISPLAY.
	Socket string `json:"socket" yaml:"socket"`

	// Backend selects the capture backend.
	Backend Backend `json:"backend" yaml:"backend"`

	// Outputs lists the output names to mirror. Empty mirrors every output.
	Outputs []string `json:"outputs" yaml:"outputs"`

	// FPS is the advisory capture rate per mirrored output.
	FPS int `json:"fps" yaml:"fps"`

	// RenderCursors asks the compositor to composite pointer cursors into
	// captured frames. Ignored on the X11 backend.
	RenderCursors bool `json:"render_cursors" yaml:"render_cursors"`

	// PreferDmabuf selects dmabuf capture when the compositor offers both
	// memory kinds.
	PreferDmabuf bool `json:"prefer_dmabuf" yaml:"prefer_dmabuf"`

	// Clipboard enables selection synchronization with the compositor.
	Clipboard bool `json:"clipboard" yaml:"clipboard"`

	ServerPort int    `json:"server_port" yaml:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
}

// Validate reports the first invalid field. Called before accepting
// configuration from the API or the CLI.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendAuto, BackendWayland, BackendX11:
	default:
		return fmt.Errorf("invalid backend: %s (use: auto, wayland, x11)", c.Backend)
	}
	if c.FPS < 1 || c.FPS > 240 {
		return fmt.Errorf("fps out of range: %d (use 1-240)", c.FPS)
	}
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("invalid server port: %d", c.ServerPort)
	}
	if !validLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", c.LogLevel)
	}
	return nil
}

func validLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error":
		return true
	}
	return false
}

// Manager handles configuration
type Manager struct {
	configPath string
	config     *Config
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager
func NewManager(configFile string) (*Manager, error) {
	// Set default configuration path
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ".config", "waymirror")
	defaultConfigPath := filepath.Join(configDir, "config.yaml")

	// Use provided config file or default
	actualConfigPath := defaultConfigPath
	if configFile != "" {
		actualConfigPath = configFile
	}

	m := &Manager{
		configPath: actualConfigPath,
	}

	// Try to read config file
	if err := m.load(); err != nil {
		if os.IsNotExist(err) {
			// Config file not found, create it with defaults
			logger.WithComponent("config").Info().
				Str("path", m.configPath).
				Msg("Config file not found, creating new config")
			m.config = m.getDefaults()
			if err := m.Save(); err != nil {
				return nil, fmt.Errorf("failed to create default config: %w", err)
			}
		} else {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	logger.WithComponent("config").Info().
		Str("path", m.configPath).
		Str("backend", string(m.config.Backend)).
		Int("fps", m.config.FPS).
		Msg("Config loaded")

	return m, nil
}

// getDefaults returns default configuration
func (m *Manager) getDefaults() *Config {
	return &Config{
		Socket:        "",
		Backend:       BackendAuto,
		Outputs:       []string{},
		FPS:           defaultFPS,
		RenderCursors: true,
		PreferDmabuf:  false,
		Clipboard:     true,
		ServerPort:    defaultServerPort,
		LogLevel:      "info",
	}
}

// load reads the configuration from disk
func (m *Manager) load() error {
	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	// Fill in anything the file omits so hand-edited configs stay valid
	if cfg.Backend == "" {
		cfg.Backend = BackendAuto
	}
	if cfg.Outputs == nil {
		cfg.Outputs = []string{}
	}
	if cfg.FPS <= 0 {
		cfg.FPS = defaultFPS
	}
	if cfg.ServerPort <= 0 {
		cfg.ServerPort = defaultServerPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	m.mu.Lock()
	m.config = &cfg
	m.mu.Unlock()

	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return m.getDefaults()
	}

	// Return a copy to prevent external modification
	cfg := *m.config
	cfg.Outputs = make([]string, len(m.config.Outputs))
	copy(cfg.Outputs, m.config.Outputs)
	return &cfg
}

// Save saves the current configuration to disk
func (m *Manager) Save() error {
	m.mu.RLock()
	cfg := m.config
	m.mu.RUnlock()

	if cfg == nil {
		cfg = m.getDefaults()
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Saving config")

	// Ensure the directory exists
	configDir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("config_dir", configDir).
			Msg("Failed to create config directory")
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Msg("Failed to marshal config")
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(m.configPath, data, 0644); err != nil {
		logger.WithComponent("config").Error().
			Err(err).
			Str("path", m.configPath).
			Msg("Failed to write config")
		return err
	}

	logger.WithComponent("config").Debug().
		Str("path", m.configPath).
		Msg("Config saved")
	return nil
}

// Update replaces the entire configuration after validating it
func (m *Manager) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Outputs == nil {
		cfg.Outputs = []string{}
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return m.Save()
}

// SetPort sets the server port
func (m *Manager) SetPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid server port: %d", port)
	}
	m.mu.Lock()
	m.config.ServerPort = port
	m.mu.Unlock()
	return m.Save()
}

// GetPort gets the server port
func (m *Manager) GetPort() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.ServerPort
}

// SetLogLevel sets the log level
func (m *Manager) SetLogLevel(level string) error {
	if !validLogLevel(level) {
		return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", level)
	}
	m.mu.Lock()
	m.config.LogLevel = level
	m.mu.Unlock()
	return m.Save()
}

// GetLogLevel gets the log level
func (m *Manager) GetLogLevel() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.LogLevel
}

// SetBackend sets the capture backend
func (m *Manager) SetBackend(backend Backend) error {
	switch backend {
	case BackendAuto, BackendWayland, BackendX11:
	default:
		return fmt.Errorf("invalid backend: %s (use: auto, wayland, x11)", backend)
	}
	m.mu.Lock()
	m.config.Backend = backend
	m.mu.Unlock()
	return m.Save()
}

// SetFPS sets the advisory capture rate
func (m *Manager) SetFPS(fps int) error {
	if fps < 1 || fps > 240 {
		return fmt.Errorf("fps out of range: %d (use 1-240)", fps)
	}
	m.mu.Lock()
	m.config.FPS = fps
	m.mu.Unlock()
	return m.Save()
}

// SetSocket sets the Wayland display name or socket path
func (m *Manager) SetSocket(socket string) error {
	m.mu.Lock()
	m.config.Socket = socket
	m.mu.Unlock()
	return m.Save()
}

// SetOutputs sets the list of output names to mirror
func (m *Manager) SetOutputs(outputs []string) error {
	copied := make([]string, len(outputs))
	copy(copied, outputs)

	m.mu.Lock()
	m.config.Outputs = copied
	m.mu.Unlock()
	return m.Save()
}

// GetConfigPath returns the path to the config file
func (m *Manager) GetConfigPath() string {
	return m.configPath
}

// GetConfigDir returns the config directory path
func (m *Manager) GetConfigDir() string {
	return filepath.Dir(m.configPath)
}
