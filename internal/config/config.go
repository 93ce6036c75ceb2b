package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config application configuration structure
type Config struct {
	Log            LogConfig                `yaml:"log"`
	Server         ServerConfig             `yaml:"server"`
	Database       DatabaseConfig           `yaml:"database"`
	NATS           NATSConfig               `yaml:"nats"`
	Gas            GasConfig                `yaml:"gas"`
	Networks       map[string]NetworkConfig `yaml:"networks"`
	DefaultNetwork string                   `yaml:"defaultNetwork"`
	ConfirmTimeout int                      `yaml:"confirmTimeout"` // seconds
	CheckInterval  int                      `yaml:"checkInterval"`  // seconds, live check refresh
}

// LogConfig logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text | json
}

// ServerConfig verifying service configuration
type ServerConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	JWTSecret string `yaml:"jwtSecret"`
}

// DatabaseConfig order ledger configuration. Empty DSN disables the ledger.
type DatabaseConfig struct {
	DSN    string `yaml:"dsn"`
	Driver string `yaml:"driver"`
}

// NATSConfig distribution channel configuration
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Timeout int    `yaml:"timeout"`
}

// GasConfig gas estimation policy
type GasConfig struct {
	Multiplier       float64 `yaml:"multiplier"`       // applied to estimates and suggested prices
	MaxGasLimit      uint64  `yaml:"maxGasLimit"`      // hard ceiling on estimated limits
	FallbackGasLimit uint64  `yaml:"fallbackGasLimit"` // used when estimation fails for infrastructure reasons
	CeilingGwei      float64 `yaml:"ceilingGwei"`      // hard ceiling on gas price
	FallbackGwei     float64 `yaml:"fallbackGwei"`     // used when price suggestion fails
}

// SettlementConfig settlement contract per signer-leg kind
type SettlementConfig struct {
	ERC20   string `yaml:"erc20"`
	ERC721  string `yaml:"erc721"`
	ERC1155 string `yaml:"erc1155"`
}

// TokenConfig catalog entry
type TokenConfig struct {
	Symbol   string  `yaml:"symbol"`
	Address  string  `yaml:"address"`
	Decimals uint8   `yaml:"decimals"`
	USDPrice float64 `yaml:"usdPrice"` // display only
	// WellKnown marks tokens whose symbol/decimals are used to reject implausible batch answers.
	WellKnown bool `yaml:"wellKnown"`
}

// NetworkConfig network configuration
type NetworkConfig struct {
	ChainID       uint64           `yaml:"chainId"`
	Name          string           `yaml:"name"`
	NativeSymbol  string           `yaml:"nativeSymbol"`
	Explorer      string           `yaml:"explorer"`
	RPCEndpoints  []string         `yaml:"rpcEndpoints"`
	WrappedNative string           `yaml:"wrappedNative"`
	Settlement    SettlementConfig `yaml:"settlement"`
	Tokens        []TokenConfig    `yaml:"tokens"`
	Enabled       bool             `yaml:"enabled"`
}

// Load reads configuration from path, falling back to castswap.local.yaml / castswap.yaml
// and finally to the built-in defaults. Environment variables override file values.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath == "" {
		configPath = os.Getenv("CASTSWAP_CONFIG")
	}
	if configPath == "" {
		for _, candidate := range []string{"castswap.local.yaml", "castswap.yaml"} {
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
				break
			}
		}
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	overrideFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse merges YAML data into cfg. Networks present in data replace the default entry of the same name.
func Parse(data []byte, cfg *Config) error {
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	networks := cfg.Networks
	*cfg = mergeScalars(*cfg, fileCfg)
	cfg.Networks = networks
	if cfg.Networks == nil {
		cfg.Networks = make(map[string]NetworkConfig)
	}
	for name, network := range fileCfg.Networks {
		cfg.Networks[name] = network
	}
	return nil
}

func mergeScalars(base, over Config) Config {
	if over.Log.Level != "" {
		base.Log.Level = over.Log.Level
	}
	if over.Log.Format != "" {
		base.Log.Format = over.Log.Format
	}
	if over.Server.Host != "" {
		base.Server.Host = over.Server.Host
	}
	if over.Server.Port != 0 {
		base.Server.Port = over.Server.Port
	}
	if over.Server.JWTSecret != "" {
		base.Server.JWTSecret = over.Server.JWTSecret
	}
	if over.Database.DSN != "" {
		base.Database = over.Database
	}
	if over.NATS.URL != "" {
		base.NATS.URL = over.NATS.URL
	}
	if over.NATS.Subject != "" {
		base.NATS.Subject = over.NATS.Subject
	}
	if over.NATS.Timeout != 0 {
		base.NATS.Timeout = over.NATS.Timeout
	}
	if over.Gas.Multiplier != 0 {
		base.Gas.Multiplier = over.Gas.Multiplier
	}
	if over.Gas.MaxGasLimit != 0 {
		base.Gas.MaxGasLimit = over.Gas.MaxGasLimit
	}
	if over.Gas.FallbackGasLimit != 0 {
		base.Gas.FallbackGasLimit = over.Gas.FallbackGasLimit
	}
	if over.Gas.CeilingGwei != 0 {
		base.Gas.CeilingGwei = over.Gas.CeilingGwei
	}
	if over.Gas.FallbackGwei != 0 {
		base.Gas.FallbackGwei = over.Gas.FallbackGwei
	}
	if over.DefaultNetwork != "" {
		base.DefaultNetwork = over.DefaultNetwork
	}
	if over.ConfirmTimeout != 0 {
		base.ConfirmTimeout = over.ConfirmTimeout
	}
	if over.CheckInterval != 0 {
		base.CheckInterval = over.CheckInterval
	}
	return base
}

// overrideFromEnv Override configuration from environment
func overrideFromEnv(cfg *Config) {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Server.JWTSecret = secret
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.NATS.URL = natsURL
	}
	if subject := os.Getenv("NATS_SUBJECT"); subject != "" {
		cfg.NATS.Subject = subject
	}
	if network := os.Getenv("CASTSWAP_NETWORK"); network != "" {
		cfg.DefaultNetwork = network
	}

	for networkName, networkConfig := range cfg.Networks {
		prefix := strings.ToUpper(networkName)

		envRPC := fmt.Sprintf("%s_RPC_ENDPOINTS", prefix)
		if rpcEndpoints := os.Getenv(envRPC); rpcEndpoints != "" {
			networkConfig.RPCEndpoints = splitList(rpcEndpoints)
		}

		// a single override applies to every kind
		if settlement := os.Getenv(fmt.Sprintf("%s_SETTLEMENT", prefix)); settlement != "" {
			networkConfig.Settlement = SettlementConfig{ERC20: settlement, ERC721: settlement, ERC1155: settlement}
		}

		cfg.Networks[networkName] = networkConfig
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks that every enabled network can be used.
func (c *Config) Validate() error {
	for name, network := range c.Networks {
		if !network.Enabled {
			continue
		}
		if network.ChainID == 0 {
			return fmt.Errorf("network %s: chainId is required", name)
		}
		if len(network.RPCEndpoints) == 0 {
			return fmt.Errorf("network %s: at least one rpc endpoint is required", name)
		}
	}
	if c.Gas.Multiplier < 1 {
		return fmt.Errorf("gas multiplier must be >= 1, got %v", c.Gas.Multiplier)
	}
	return nil
}

// Network returns the named network, or the default network when name is empty.
func (c *Config) Network(name string) (*NetworkConfig, error) {
	if name == "" {
		name = c.DefaultNetwork
	}
	network, exists := c.Networks[name]
	if !exists {
		return nil, fmt.Errorf("network %s not found in config", name)
	}
	if !network.Enabled {
		return nil, fmt.Errorf("network %s is disabled", name)
	}
	return &network, nil
}

// NetworkByChainID returns the enabled network with the given chain id.
func (c *Config) NetworkByChainID(chainID uint64) (*NetworkConfig, error) {
	for _, network := range c.Networks {
		if network.ChainID == chainID && network.Enabled {
			n := network
			return &n, nil
		}
	}
	return nil, fmt.Errorf("network with chainID %d not found or disabled", chainID)
}

// ConfirmWait is the bound on a single confirmation wait.
func (c *Config) ConfirmWait() time.Duration {
	if c.ConfirmTimeout <= 0 {
		return 3 * time.Minute
	}
	return time.Duration(c.ConfirmTimeout) * time.Second
}

// RefreshInterval is the live check refresh period.
func (c *Config) RefreshInterval() time.Duration {
	if c.CheckInterval <= 0 {
		return 12 * time.Second
	}
	return time.Duration(c.CheckInterval) * time.Second
}
