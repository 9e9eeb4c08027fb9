package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"autognosis/internal/agency"
	"autognosis/internal/bridge"
	"autognosis/internal/coordination"
	"autognosis/internal/forecast"
	"autognosis/internal/healing"
	"autognosis/internal/homeostasis"
	"autognosis/internal/knowledge"
	"autognosis/internal/selfmodel"
	"autognosis/internal/store"
	"autognosis/internal/transport"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportMemory = "memory"
	TransportNATS   = "nats"
)

// Config holds all autognosis configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	// Subsystem tuning
	Knowledge    knowledge.Config    `yaml:"knowledge"`
	SelfModel    selfmodel.Config    `yaml:"self_model"`
	Healing      healing.Config      `yaml:"healing"`
	Agency       agency.Config       `yaml:"agency"`
	Homeostasis  homeostasis.Config  `yaml:"homeostasis"`
	Forecast     forecast.Config     `yaml:"forecast"`
	Coordination coordination.Config `yaml:"coordination"`
	Bridge       bridge.Config       `yaml:"bridge"`

	// External services
	NATS  transport.NATSConfig `yaml:"nats"`
	Redis store.RedisConfig    `yaml:"redis"`
}

// NodeConfig identifies the node and its local resources.
type NodeConfig struct {
	ID           uint32 `yaml:"id"`
	Workspace    string `yaml:"workspace"`
	DatabasePath string `yaml:"database_path"` // relative paths resolve against Workspace
	TickInterval string `yaml:"tick_interval"`
	Transport    string `yaml:"transport"` // memory, nats
	Persist      bool   `yaml:"persist"`
}

// MetricsConfig configures the status HTTP server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:           1,
			Workspace:    ".",
			DatabasePath: ".autognosis/knowledge.db",
			TickInterval: "1s",
			Transport:    TransportMemory,
			Persist:      true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Addr: ":9464",
		},

		Knowledge:    knowledge.DefaultConfig(),
		SelfModel:    selfmodel.DefaultConfig(),
		Healing:      healing.DefaultConfig(),
		Agency:       agency.DefaultConfig(),
		Homeostasis:  homeostasis.DefaultConfig(),
		Forecast:     forecast.DefaultConfig(),
		Coordination: coordination.DefaultConfig(),
		Bridge:       bridge.DefaultConfig(),

		NATS:  transport.DefaultNATSConfig(),
		Redis: store.DefaultRedisConfig(),
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AUTOGNOSIS_NODE_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 32); err == nil {
			c.Node.ID = uint32(id)
		}
	}

	// A NATS URL implies the NATS transport
	if url := os.Getenv("AUTOGNOSIS_NATS_URL"); url != "" {
		c.NATS.URL = url
		c.Node.Transport = TransportNATS
	}

	if addr := os.Getenv("AUTOGNOSIS_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}

	if path := os.Getenv("AUTOGNOSIS_DB"); path != "" {
		c.Node.DatabasePath = path
	}

	if addr := os.Getenv("AUTOGNOSIS_METRICS_ADDR"); addr != "" {
		c.Metrics.Addr = addr
		c.Metrics.Enabled = true
	}
}

// GetTickInterval returns the scheduler tick as a duration. The floor is
// one second.
func (c *Config) GetTickInterval() time.Duration {
	d, err := time.ParseDuration(c.Node.TickInterval)
	if err != nil || d < time.Second {
		return time.Second
	}
	return d
}

// GetDatabasePath resolves the database path against the workspace.
// In-memory databases are passed through.
func (c *Config) GetDatabasePath() string {
	p := c.Node.DatabasePath
	if p == "" || p == store.InMemory || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Node.Workspace, p)
}

// RedisEnabled reports whether status snapshots go to Redis.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// ValidTransports lists all supported transports.
var ValidTransports = []string{TransportMemory, TransportNATS}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Node.ID == coordination.Broadcast {
		return fmt.Errorf("node id %d is reserved for broadcast", coordination.Broadcast)
	}

	validTransport := false
	for _, t := range ValidTransports {
		if c.Node.Transport == t {
			validTransport = true
			break
		}
	}
	if !validTransport {
		return fmt.Errorf("invalid transport: %s (valid: %v)", c.Node.Transport, ValidTransports)
	}
	if c.Node.Transport == TransportNATS && c.NATS.URL == "" {
		return fmt.Errorf("nats transport requires nats.url (or AUTOGNOSIS_NATS_URL)")
	}

	if c.Node.TickInterval != "" {
		if _, err := time.ParseDuration(c.Node.TickInterval); err != nil {
			return fmt.Errorf("invalid tick_interval %q: %w", c.Node.TickInterval, err)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics enabled without an address")
	}

	if len(c.Forecast.Horizons) == 0 {
		return fmt.Errorf("forecast.horizons must not be empty")
	}
	for _, h := range c.Forecast.Horizons {
		if h <= 0 {
			return fmt.Errorf("forecast horizon %d must be positive", h)
		}
	}
	if c.Forecast.HistorySize < 2 {
		return fmt.Errorf("forecast.history_size must be at least 2")
	}

	if c.Bridge.Enabled {
		if c.Bridge.Dimension <= 0 {
			return fmt.Errorf("bridge.dimension must be positive")
		}
		if c.Node.Transport != TransportNATS {
			return fmt.Errorf("bridge requires the nats transport")
		}
	}

	for name, v := range map[string]float64{
		"bridge.min_confidence":              c.Bridge.MinConfidence,
		"coordination.share_importance":      c.Coordination.ShareImportance,
		"coordination.response_confidence":   c.Coordination.ResponseConfidence,
		"forecast.intervention_threshold":    c.Forecast.InterventionThreshold,
		"homeostasis.equilibrium_threshold":  c.Homeostasis.EquilibriumThreshold,
		"knowledge.default_confidence":       c.Knowledge.DefaultConfidence,
		"self_model.initial_peer_trust":      c.SelfModel.InitialPeerTrust,
		"healing.default_success_rate":       c.Healing.DefaultSuccessRate,
		"agency.emergence_threshold":         c.Agency.EmergenceThreshold,
		"coordination.collective_confidence": c.Coordination.CollectiveConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0,1], got %g", name, v)
		}
	}

	return nil
}
