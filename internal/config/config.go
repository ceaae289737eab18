// Package config loads and validates the Mesh Hub's YAML configuration,
// applying environment variable overrides on top of file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the root configuration for a Mesh Hub process.
type Config struct {
	NodeID     string           `yaml:"node_id"`
	Roles      []string         `yaml:"roles"`
	Workspace  string           `yaml:"workspace"`
	Server     ServerConfig     `yaml:"server"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Transport  TransportConfig  `yaml:"transport"`
	Auth       AuthConfig       `yaml:"auth"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Enrollment EnrollmentConfig `yaml:"enrollment"`
	CA         CAConfig         `yaml:"ca"`
	Registry   RegistryConfig   `yaml:"registry"`
	Automation AutomationConfig `yaml:"automation"`
	Firmware   FirmwareConfig   `yaml:"firmware"`
	Federation FederationConfig `yaml:"federation"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	AgentSink  AgentSinkConfig  `yaml:"agent_sink"`
}

// ServerConfig holds process-wide server knobs.
type ServerConfig struct {
	Env             string `yaml:"env"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// DiscoveryConfig configures the UDP beacon service (C7).
type DiscoveryConfig struct {
	UDPPort         int `yaml:"udp_port"`
	BeaconInterval  int `yaml:"beacon_interval_sec"`
	PeerTimeout     int `yaml:"peer_timeout_sec"`
}

// TransportConfig configures the TCP frame transport (C8).
type TransportConfig struct {
	TCPPort        int  `yaml:"tcp_port"`
	MaxFrameSize   int  `yaml:"max_frame_size"`
	MTLSEnabled    bool `yaml:"mtls_enabled"`
	ConnectTimeout int  `yaml:"connect_timeout_sec"`
	ReadTimeout    int  `yaml:"read_timeout_sec"`
	HandshakeTimeout int `yaml:"handshake_timeout_sec"`
	ShutdownTimeout  int `yaml:"shutdown_timeout_sec"`
}

// AuthConfig configures HMAC authentication and the nonce guard (C4).
type AuthConfig struct {
	PSKAuthEnabled       bool   `yaml:"psk_auth_enabled"`
	AllowUnauthenticated bool   `yaml:"allow_unauthenticated"`
	NonceWindowSec       int    `yaml:"nonce_window_sec"`
	KeyStorePath         string `yaml:"key_store_path"`
	RedisAddr            string `yaml:"redis_addr"`
}

// EncryptionConfig configures AEAD payload encryption (C5).
type EncryptionConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EnrollmentConfig configures PIN-based enrollment (C9).
type EnrollmentConfig struct {
	PINLength   int `yaml:"pin_length"`
	PINTimeout  int `yaml:"pin_timeout_sec"`
	MaxAttempts int `yaml:"max_attempts"`
}

// CAConfig configures the local certificate authority (C6).
type CAConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Dir                   string `yaml:"dir"`
	DeviceCertValidityDays int   `yaml:"device_cert_validity_days"`
	SpiffeSocketPath      string `yaml:"spiffe_socket_path"`
	SpiffeTrustDomain     string `yaml:"spiffe_trust_domain"`
}

// RegistryConfig configures the device registry (C10).
type RegistryConfig struct {
	Path string `yaml:"path"`
}

// AutomationConfig configures the rule engine (C12).
type AutomationConfig struct {
	RulesPath string `yaml:"rules_path"`
}

// FirmwareConfig configures the OTA firmware store (C13).
type FirmwareConfig struct {
	Dir             string `yaml:"dir"`
	ChunkSize       int    `yaml:"chunk_size"`
	OfferTimeoutSec int    `yaml:"offer_timeout_sec"`
	ChunkAckTimeoutSec int `yaml:"chunk_ack_timeout_sec"`
	VerifyTimeoutSec  int `yaml:"verify_timeout_sec"`
	// RedisAddr, when set, moves OTA session tracking to Redis so an
	// in-flight transfer survives a Hub restart. Empty keeps the default
	// in-memory table.
	RedisAddr string `yaml:"redis_addr"`
}

// FederationConfig configures hub-to-hub federation (C14).
type FederationConfig struct {
	HubID        string            `yaml:"hub_id"`
	Peers        []FederationPeer  `yaml:"peers"`
	SyncInterval int               `yaml:"sync_interval_sec"`
}

// FederationPeer identifies one remote hub to federate with.
type FederationPeer struct {
	HubID string `yaml:"hub_id"`
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
}

// MetricsConfig controls the optional Prometheus exporter.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AgentSinkConfig controls the WebSocket sink the external agent attaches to.
type AgentSinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Load reads a YAML config file and applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg := Config{
		Auth:       AuthConfig{PSKAuthEnabled: true},
		Encryption: EncryptionConfig{Enabled: true},
	}
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if cfg.NodeID == "" {
		host, _ := os.Hostname()
		cfg.NodeID = host
	}

	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.NodeID = getEnv("MESH_NODE_ID", c.NodeID)
	if v := getEnv("MESH_ROLES", ""); v != "" {
		c.Roles = splitCSV(v)
	}
	c.Workspace = getEnv("MESH_WORKSPACE", c.Workspace)

	if v := getEnvInt("MESH_UDP_PORT", 0); v > 0 {
		c.Discovery.UDPPort = v
	}
	if v := getEnvInt("MESH_TCP_PORT", 0); v > 0 {
		c.Transport.TCPPort = v
	}
	c.Transport.MTLSEnabled = getEnvBool("MESH_MTLS_ENABLED", c.Transport.MTLSEnabled)

	c.Auth.PSKAuthEnabled = getEnvBool("MESH_PSK_AUTH_ENABLED", c.Auth.PSKAuthEnabled)
	c.Auth.AllowUnauthenticated = getEnvBool("MESH_ALLOW_UNAUTHENTICATED", c.Auth.AllowUnauthenticated)
	c.Auth.KeyStorePath = getEnv("MESH_KEY_STORE_PATH", c.Auth.KeyStorePath)
	c.Auth.RedisAddr = getEnv("MESH_REDIS_ADDR", c.Auth.RedisAddr)

	c.Encryption.Enabled = getEnvBool("MESH_ENCRYPTION_ENABLED", c.Encryption.Enabled)

	c.CA.Enabled = getEnvBool("MESH_CA_ENABLED", c.CA.Enabled)
	c.CA.Dir = getEnv("MESH_CA_DIR", c.CA.Dir)
	c.CA.SpiffeSocketPath = getEnv("MESH_SPIFFE_SOCKET", c.CA.SpiffeSocketPath)
	c.CA.SpiffeTrustDomain = getEnv("MESH_SPIFFE_TRUST_DOMAIN", c.CA.SpiffeTrustDomain)

	c.Registry.Path = getEnv("MESH_REGISTRY_PATH", c.Registry.Path)
	c.Automation.RulesPath = getEnv("MESH_RULES_PATH", c.Automation.RulesPath)
	c.Firmware.Dir = getEnv("MESH_FIRMWARE_DIR", c.Firmware.Dir)
	c.Firmware.RedisAddr = getEnv("MESH_OTA_REDIS_ADDR", c.Firmware.RedisAddr)

	c.Federation.HubID = getEnv("MESH_HUB_ID", c.Federation.HubID)

	c.Metrics.Enabled = getEnvBool("MESH_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Addr = getEnv("MESH_METRICS_ADDR", c.Metrics.Addr)

	c.AgentSink.Enabled = getEnvBool("MESH_AGENT_SINK_ENABLED", c.AgentSink.Enabled)
	c.AgentSink.Addr = getEnv("MESH_AGENT_SINK_ADDR", c.AgentSink.Addr)
}

func (c *Config) applyDefaults() {
	if len(c.Roles) == 0 {
		c.Roles = []string{"hub"}
	}
	if c.Workspace == "" {
		c.Workspace = "."
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 5
	}
	if c.Discovery.UDPPort == 0 {
		c.Discovery.UDPPort = 18799
	}
	if c.Discovery.BeaconInterval == 0 {
		c.Discovery.BeaconInterval = 10
	}
	if c.Discovery.PeerTimeout == 0 {
		c.Discovery.PeerTimeout = 30
	}
	if c.Transport.TCPPort == 0 {
		c.Transport.TCPPort = 18800
	}
	if c.Transport.MaxFrameSize == 0 {
		c.Transport.MaxFrameSize = 8 * 1024 * 1024
	}
	if c.Transport.ConnectTimeout == 0 {
		c.Transport.ConnectTimeout = 5
	}
	if c.Transport.ReadTimeout == 0 {
		c.Transport.ReadTimeout = 15
	}
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = 5
	}
	if c.Transport.ShutdownTimeout == 0 {
		c.Transport.ShutdownTimeout = 5
	}
	if c.Auth.NonceWindowSec == 0 {
		c.Auth.NonceWindowSec = 60
	}
	if c.Auth.KeyStorePath == "" {
		c.Auth.KeyStorePath = c.workspacePath("mesh_keys.json")
	}
	if c.Enrollment.PINLength == 0 {
		c.Enrollment.PINLength = 6
	}
	if c.Enrollment.PINTimeout == 0 {
		c.Enrollment.PINTimeout = 300
	}
	if c.Enrollment.MaxAttempts == 0 {
		c.Enrollment.MaxAttempts = 3
	}
	if c.CA.Dir == "" {
		c.CA.Dir = c.workspacePath("ca")
	}
	if c.CA.DeviceCertValidityDays == 0 {
		c.CA.DeviceCertValidityDays = 365
	}
	if c.Registry.Path == "" {
		c.Registry.Path = c.workspacePath("device_registry.json")
	}
	if c.Automation.RulesPath == "" {
		c.Automation.RulesPath = c.workspacePath("automation_rules.json")
	}
	if c.Firmware.Dir == "" {
		c.Firmware.Dir = c.workspacePath("firmware")
	}
	if c.Firmware.ChunkSize == 0 {
		c.Firmware.ChunkSize = 4096
	}
	if c.Firmware.OfferTimeoutSec == 0 {
		c.Firmware.OfferTimeoutSec = 60
	}
	if c.Firmware.ChunkAckTimeoutSec == 0 {
		c.Firmware.ChunkAckTimeoutSec = 30
	}
	if c.Firmware.VerifyTimeoutSec == 0 {
		c.Firmware.VerifyTimeoutSec = 60
	}
	if c.Federation.HubID == "" {
		c.Federation.HubID = c.NodeID
	}
	if c.Federation.SyncInterval == 0 {
		c.Federation.SyncInterval = 30
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.AgentSink.Addr == "" {
		c.AgentSink.Addr = ":9101"
	}
}

func (c *Config) workspacePath(name string) string {
	return strings.TrimSuffix(c.Workspace, "/") + "/" + name
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
