// Package config loads the bridge configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TxFailurePolicy decides what happens to a driver buffer whose frame could
// not be written to the peer.
type TxFailurePolicy int

const (
	// TxFailureDrop leaves the buffer outstanding: the driver never sees the
	// request complete.
	TxFailureDrop TxFailurePolicy = iota
	// TxFailureReclaim returns the buffer to the driver with zero bytes used
	// and raises a notification.
	TxFailureReclaim
)

func (p TxFailurePolicy) String() string {
	switch p {
	case TxFailureDrop:
		return "drop"
	case TxFailureReclaim:
		return "reclaim"
	default:
		return fmt.Sprintf("TxFailurePolicy(%d)", int(p))
	}
}

// ParseTxFailurePolicy parses "drop" or "reclaim".
func ParseTxFailurePolicy(s string) (TxFailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop", "":
		return TxFailureDrop, nil
	case "reclaim":
		return TxFailureReclaim, nil
	}
	return TxFailureDrop, fmt.Errorf("unknown tx failure policy %q (want drop or reclaim)", s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *TxFailurePolicy) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseTxFailurePolicy(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (p TxFailurePolicy) MarshalYAML() (interface{}, error) {
	return p.String(), nil
}

// Config is the root configuration of a bridge process.
type Config struct {
	Device  DeviceConfig  `yaml:"device"`
	Logging LoggingConfig `yaml:"logging"`
	Stats   StatsConfig   `yaml:"stats"`
}

// DeviceConfig configures one virtio-bt device.
type DeviceConfig struct {
	// SocketPath is the peer controller's seqpacket socket. Required.
	SocketPath string `yaml:"socket_path"`
	// RecvTimeout bounds one blocking read from the peer and with it the
	// worst-case relay shutdown latency.
	RecvTimeout time.Duration `yaml:"recv_timeout"`
	// SendTimeout bounds one blocking write to the peer.
	SendTimeout time.Duration `yaml:"send_timeout"`
	// FrameSize is the largest frame read from the peer.
	FrameSize int `yaml:"frame_size"`
	// QueueSize is the maximum ring size offered to the driver.
	QueueSize uint16 `yaml:"queue_size"`
	// BufferPollInterval is the fallback re-check interval while waiting
	// for the driver to post a receive buffer.
	BufferPollInterval time.Duration   `yaml:"buffer_poll_interval"`
	TxFailurePolicy    TxFailurePolicy `yaml:"tx_failure_policy"`
}

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StatsConfig controls the Prometheus exporter. An empty Listen disables it.
type StatsConfig struct {
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Subsystem string        `yaml:"subsystem"`
	Interval  time.Duration `yaml:"interval"`
}

// Defaults for DeviceConfig.
const (
	DefaultRecvTimeout        = 100 * time.Millisecond
	DefaultSendTimeout        = time.Second
	DefaultFrameSize          = 1000
	DefaultQueueSize          = 1024
	DefaultBufferPollInterval = time.Millisecond
)

// Default returns a Config with every optional field set.
func Default() *Config {
	return &Config{
		Device: DefaultDevice(""),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Stats: StatsConfig{
			Path:      "/metrics",
			Namespace: "btbridge",
			Interval:  10 * time.Second,
		},
	}
}

// DefaultDevice returns a DeviceConfig for socketPath with default tuning.
func DefaultDevice(socketPath string) DeviceConfig {
	return DeviceConfig{
		SocketPath:         socketPath,
		RecvTimeout:        DefaultRecvTimeout,
		SendTimeout:        DefaultSendTimeout,
		FrameSize:          DefaultFrameSize,
		QueueSize:          DefaultQueueSize,
		BufferPollInterval: DefaultBufferPollInterval,
		TxFailurePolicy:    TxFailureDrop,
	}
}

// WithDefaults returns d with every zero tuning field set to its default.
func (d DeviceConfig) WithDefaults() DeviceConfig {
	def := DefaultDevice(d.SocketPath)
	if d.RecvTimeout == 0 {
		d.RecvTimeout = def.RecvTimeout
	}
	if d.SendTimeout == 0 {
		d.SendTimeout = def.SendTimeout
	}
	if d.FrameSize == 0 {
		d.FrameSize = def.FrameSize
	}
	if d.QueueSize == 0 {
		d.QueueSize = def.QueueSize
	}
	if d.BufferPollInterval == 0 {
		d.BufferPollInterval = def.BufferPollInterval
	}
	return d
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
//
// Environment variables: BTBRIDGE_SOCKET_PATH, BTBRIDGE_LOG_LEVEL,
// BTBRIDGE_STATS_LISTEN, BTBRIDGE_TX_FAILURE_POLICY.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that layer flags on top.
func Read(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BTBRIDGE_SOCKET_PATH"); v != "" {
		cfg.Device.SocketPath = v
	}
	if v := os.Getenv("BTBRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("BTBRIDGE_STATS_LISTEN"); v != "" {
		cfg.Stats.Listen = v
	}
	if v := os.Getenv("BTBRIDGE_TX_FAILURE_POLICY"); v != "" {
		p, err := ParseTxFailurePolicy(v)
		if err != nil {
			return fmt.Errorf("BTBRIDGE_TX_FAILURE_POLICY: %w", err)
		}
		cfg.Device.TxFailurePolicy = p
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if err := c.Device.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, "logging.format must be text or json")
	}

	if c.Stats.Listen != "" {
		if c.Stats.Path == "" || !strings.HasPrefix(c.Stats.Path, "/") {
			errs = append(errs, "stats.path must be an absolute URL path")
		}
		if c.Stats.Interval <= 0 {
			errs = append(errs, "stats.interval must be positive")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Validate checks a single device configuration.
func (d DeviceConfig) Validate() error {
	var errs []string
	if d.SocketPath == "" {
		errs = append(errs, "device.socket_path is required")
	}
	if d.RecvTimeout <= 0 {
		errs = append(errs, "device.recv_timeout must be positive")
	}
	if d.SendTimeout < 0 {
		errs = append(errs, "device.send_timeout must not be negative")
	}
	if d.FrameSize <= 0 || d.FrameSize > 65536 {
		errs = append(errs, "device.frame_size must be between 1 and 65536")
	}
	if d.QueueSize == 0 || d.QueueSize&(d.QueueSize-1) != 0 {
		errs = append(errs, "device.queue_size must be a non-zero power of two")
	}
	if d.BufferPollInterval <= 0 {
		errs = append(errs, "device.buffer_poll_interval must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
