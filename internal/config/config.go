package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Storage      StorageConfig      `yaml:"storage"`
	NATS         NATSConfig         `yaml:"nats"`
	Blockchain   BlockchainConfig   `yaml:"blockchain"`
	Anchor       AnchorConfig       `yaml:"anchor"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Receipt      ReceiptConfig      `yaml:"receipt"`
	Payment      PaymentConfig      `yaml:"payment"`
	Evidence     EvidenceConfig     `yaml:"evidence"`
	Admin        AdminConfig        `yaml:"admin"`
	CORS         CORSConfig         `yaml:"cors"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig Database configuration
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"` // postgres | sqlite
}

// StorageConfig selects the KV backend and the logical key namespaces.
// Prefixes are configuration, not protocol.
type StorageConfig struct {
	Driver     string         `yaml:"driver"` // memory | postgres | sqlite | nats | pebble
	PebblePath string         `yaml:"pebblePath"`
	NATSBucket string         `yaml:"natsBucket"`
	Prefixes   PrefixesConfig `yaml:"prefixes"`
}

// PrefixesConfig key prefixes of every namespace in the KV store
type PrefixesConfig struct {
	Receipt      string `yaml:"receipt"`
	Queue        string `yaml:"queue"`
	Confirmation string `yaml:"confirmation"`
	Lock         string `yaml:"lock"`
	DeadLetter   string `yaml:"deadLetter"`
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	URL           string `yaml:"url"`
	Timeout       int    `yaml:"timeout"`
	ReconnectWait int    `yaml:"reconnect_wait"`
	MaxReconnects int    `yaml:"max_reconnects"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// BlockchainConfig Blockchain configuration
type BlockchainConfig struct {
	Networks map[string]NetworkConfig `yaml:"networks"`
}

// NetworkConfig per-chain anchoring configuration
type NetworkConfig struct {
	ChainID       int      `yaml:"chainId"`
	RPCEndpoints  []string `yaml:"rpcEndpoints"`
	PrivateKey    string   `yaml:"privateKey"`    // hex, with or without 0x
	Confirmations uint64   `yaml:"confirmations"` // finality depth, 0 = chain default
	GasLimit      uint64   `yaml:"gasLimit"`      // 0 = estimate
	Enabled       bool     `yaml:"enabled"`
}

// AnchorConfig sweep and lock tuning
type AnchorConfig struct {
	Chain           string `yaml:"chain"`           // chain new jobs target
	SweepInterval   int    `yaml:"sweepInterval"`   // seconds
	PageSize        int    `yaml:"pageSize"`        // jobs per listing page
	MaxJobsPerSweep int    `yaml:"maxJobsPerSweep"` // cap per invocation
	JobTTL          int    `yaml:"jobTtl"`          // seconds
	LeaseTTL        int    `yaml:"leaseTtl"`        // seconds
	MaxAttempts     int    `yaml:"maxAttempts"`
	Batching        bool   `yaml:"batching"`
	TimerEnabled    bool   `yaml:"timerEnabled"`
}

// ConfirmationConfig confirmation poller configuration
type ConfirmationConfig struct {
	PollInterval int  `yaml:"pollInterval"` // seconds
	TimerEnabled bool `yaml:"timerEnabled"`
}

// ReceiptConfig receipt policy configuration
type ReceiptConfig struct {
	PolicyVersion string `yaml:"policyVersion"`
	DefaultTTL    int    `yaml:"defaultTtl"` // seconds until a pending receipt expires, 0 = never
}

// PaymentConfig payment capture callback
type PaymentConfig struct {
	CallbackURL string `yaml:"callbackUrl"` // empty disables the gate
	AuthToken   string `yaml:"authToken"`
	Timeout     int    `yaml:"timeout"`
}

// EvidenceConfig document/evidence store
type EvidenceConfig struct {
	BaseURL string `yaml:"baseUrl"`
	Timeout int    `yaml:"timeout"`
}

// AdminConfig admin API access control configuration
type AdminConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"passwordHash"` // bcrypt
	TOTPSecret   string `yaml:"totpSecret"`
	JWTSecret    string `yaml:"jwtSecret"`
	TokenTTL     int    `yaml:"tokenTtl"` // seconds
	// AllowedIPs may reach the TOTP setup page; empty = localhost only
	AllowedIPs []string `yaml:"allowedIPs"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowedOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAge           int      `yaml:"maxAge"`
}

// LogConfig logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

var AppConfig *Config

// LoadConfig Load configuration file
func LoadConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			logrus.Infof("🔧 Using local configuration file: config.local.yaml")
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"path":    configPath,
		"storage": cfg.Storage.Driver,
		"chain":   cfg.Anchor.Chain,
	}).Info("✅ Configuration loaded")

	AppConfig = cfg
	return nil
}

// Parse decodes YAML, applies environment overrides and defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	overrideFromEnv(&cfg)
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns a configuration with only defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.NATSBucket == "" {
		c.Storage.NATSBucket = "attest"
	}
	if c.Storage.PebblePath == "" {
		c.Storage.PebblePath = "./data/attest.pebble"
	}
	p := &c.Storage.Prefixes
	if p.Receipt == "" {
		p.Receipt = "receipt."
	}
	if p.Queue == "" {
		p.Queue = "anchorq."
	}
	if p.Confirmation == "" {
		p.Confirmation = "anchortx."
	}
	if p.Lock == "" {
		p.Lock = "anchorlock."
	}
	if p.DeadLetter == "" {
		p.DeadLetter = "anchordead."
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "attest"
	}
	if c.Anchor.Chain == "" {
		c.Anchor.Chain = "ethereum"
	}
	if c.Anchor.SweepInterval <= 0 {
		c.Anchor.SweepInterval = 60
	}
	if c.Anchor.PageSize <= 0 {
		c.Anchor.PageSize = 100
	}
	if c.Anchor.MaxJobsPerSweep <= 0 {
		c.Anchor.MaxJobsPerSweep = 50
	}
	if c.Anchor.JobTTL <= 0 {
		c.Anchor.JobTTL = int((24 * time.Hour).Seconds())
	}
	if c.Anchor.LeaseTTL <= 0 {
		c.Anchor.LeaseTTL = 120
	}
	if c.Anchor.MaxAttempts <= 0 {
		c.Anchor.MaxAttempts = 5
	}
	if c.Confirmation.PollInterval <= 0 {
		c.Confirmation.PollInterval = 30
	}
	if c.Receipt.PolicyVersion == "" {
		c.Receipt.PolicyVersion = "attest-policy/v1"
	}
	if c.Admin.Username == "" {
		c.Admin.Username = "admin"
	}
	if c.Admin.TokenTTL <= 0 {
		c.Admin.TokenTTL = int((24 * time.Hour).Seconds())
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// overrideFromEnv Override configuration from environment variables
func overrideFromEnv(config *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		config.NATS.URL = natsURL
	}
	if driver := os.Getenv("STORAGE_DRIVER"); driver != "" {
		config.Storage.Driver = driver
	}
	if chain := os.Getenv("ANCHOR_CHAIN"); chain != "" {
		config.Anchor.Chain = chain
	}
	if lease := os.Getenv("ANCHOR_LEASE_SECONDS"); lease != "" {
		if l, err := strconv.Atoi(lease); err == nil {
			config.Anchor.LeaseTTL = l
		}
	}
	if url := os.Getenv("PAYMENT_CALLBACK_URL"); url != "" {
		config.Payment.CallbackURL = url
	}
	if url := os.Getenv("EVIDENCE_BASE_URL"); url != "" {
		config.Evidence.BaseURL = url
	}
	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		config.Admin.JWTSecret = secret
	}
	if secret := os.Getenv("ADMIN_TOTP_SECRET"); secret != "" {
		config.Admin.TOTPSecret = secret
	}
	if hash := os.Getenv("ADMIN_PASSWORD_HASH"); hash != "" {
		config.Admin.PasswordHash = hash
	}

	for networkName, networkConfig := range config.Blockchain.Networks {
		// network-specific key first (e.g. POLYGON_PRIVATE_KEY), then generic PRIVATE_KEY
		envPrivateKey := fmt.Sprintf("%s_PRIVATE_KEY", strings.ToUpper(networkName))
		if privateKey := os.Getenv(envPrivateKey); privateKey != "" {
			networkConfig.PrivateKey = privateKey
		} else if privateKey := os.Getenv("PRIVATE_KEY"); privateKey != "" {
			networkConfig.PrivateKey = privateKey
		}

		envRPC := fmt.Sprintf("%s_RPC_ENDPOINTS", strings.ToUpper(networkName))
		if rpcEndpoints := os.Getenv(envRPC); rpcEndpoints != "" {
			networkConfig.RPCEndpoints = strings.Split(rpcEndpoints, ",")
		}

		envGasLimit := fmt.Sprintf("%s_GAS_LIMIT", strings.ToUpper(networkName))
		if gasLimit := os.Getenv(envGasLimit); gasLimit != "" {
			if limit, err := strconv.ParseUint(gasLimit, 10, 64); err == nil {
				networkConfig.GasLimit = limit
			}
		}

		config.Blockchain.Networks[networkName] = networkConfig
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		origins := strings.Split(corsOrigins, ",")
		config.CORS.AllowedOrigins = make([]string, 0, len(origins))
		for _, origin := range origins {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				config.CORS.AllowedOrigins = append(config.CORS.AllowedOrigins, trimmed)
			}
		}
	}
}

// GetNetworkConfig Get network configuration by chain name
func (c *Config) GetNetworkConfig(networkName string) (*NetworkConfig, error) {
	network, exists := c.Blockchain.Networks[networkName]
	if !exists {
		return nil, fmt.Errorf("network %s not found in config", networkName)
	}
	if !network.Enabled {
		return nil, fmt.Errorf("network %s is disabled", networkName)
	}
	return &network, nil
}

// JobTTL returns the anchor job time-to-live.
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.Anchor.JobTTL) * time.Second
}

// LeaseTTL returns the anchor lock lease duration.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.Anchor.LeaseTTL) * time.Second
}

// ReceiptTTL returns the default receipt deadline offset, 0 = none.
func (c *Config) ReceiptTTL() time.Duration {
	return time.Duration(c.Receipt.DefaultTTL) * time.Second
}

// SweepInterval returns the sweep timer period.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Anchor.SweepInterval) * time.Second
}

// ConfirmationPollInterval returns the confirmation timer period.
func (c *Config) ConfirmationPollInterval() time.Duration {
	return time.Duration(c.Confirmation.PollInterval) * time.Second
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
