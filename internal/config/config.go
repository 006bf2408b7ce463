package config

import (
	"fmt"
	"math/big"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Settlement modes
const (
	ModeEscrow = "escrow" // processPayment: funds held by the contract until withdrawn
	ModeDirect = "direct" // processPaymentAndTransfer: funds go straight to the recipient
)

// Config application configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	NATS        NATSConfig        `yaml:"nats"`
	Blockchain  BlockchainConfig  `yaml:"blockchain"`
	Settlement  SettlementConfig  `yaml:"settlement"`
	PriceOracle PriceOracleConfig `yaml:"price_oracle"`
	CORS        CORSConfig        `yaml:"cors"`
	Admin       AdminConfig       `yaml:"admin"`
}

// ServerConfig server configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Mode string `yaml:"mode"` // gin mode: debug, release, test
}

// DatabaseConfig selects the payment registry store
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory or postgres
	DSN    string `yaml:"dsn"`
}

// NATSConfig NATS message server configuration
type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	Timeout         int    `yaml:"timeout"`
	ReconnectWait   int    `yaml:"reconnect_wait"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	EnableJetStream bool   `yaml:"enable_jetstream"`
}

// BlockchainConfig Blockchain configuration
type BlockchainConfig struct {
	DefaultNetwork string                   `yaml:"default_network"`
	Networks       map[string]NetworkConfig `yaml:"networks"`
}

// TokenConfig a payable stablecoin on one network
type TokenConfig struct {
	Address  string `yaml:"address"`
	Decimals uint8  `yaml:"decimals"`
}

// NetworkConfig Network configuration
type NetworkConfig struct {
	ChainID         int64                  `yaml:"chainId"`
	Name            string                 `yaml:"name"`
	RPCEndpoints    []string               `yaml:"rpcEndpoints"`
	PaymentContract string                 `yaml:"paymentContract"`
	PrivateKey      string                 `yaml:"privateKey"`      // payment sender key (hex)
	OwnerPrivateKey string                 `yaml:"ownerPrivateKey"` // contract owner key for admin operations
	GasPrice        string                 `yaml:"gasPrice"`        // "auto" or wei
	GasLimit        uint64                 `yaml:"gasLimit"`
	Tokens          map[string]TokenConfig `yaml:"tokens"`
	Enabled         bool                   `yaml:"enabled"`
	Simulated       bool                   `yaml:"simulated"` // run against the in-process chain
}

// SettlementConfig settlement orchestration tuning
type SettlementConfig struct {
	Mode                         string `yaml:"mode"`
	RequiredConfirmations        uint64 `yaml:"required_confirmations"`
	PollIntervalSeconds          int    `yaml:"poll_interval_seconds"`
	ConfirmationTimeoutSeconds   int    `yaml:"confirmation_timeout_seconds"`
	MaxRetries                   int    `yaml:"max_retries"`
	RetryBaseDelayMs             int    `yaml:"retry_base_delay_ms"`
	RetryMaxDelayMs              int    `yaml:"retry_max_delay_ms"`
	GasPriceMultiplierPercent    int64  `yaml:"gas_price_multiplier_percent"`
	GasPriceCeilingWei           string `yaml:"gas_price_ceiling_wei"`
	FallbackGasPriceWei          string `yaml:"fallback_gas_price_wei"`
	DefaultGasLimit              uint64 `yaml:"default_gas_limit"`
	MaxGasLimit                  uint64 `yaml:"max_gas_limit"`
	AutoReconcileIntervalSeconds int    `yaml:"auto_reconcile_interval_seconds"`
}

// PriceOracleConfig DeFiLlama price feed configuration
type PriceOracleConfig struct {
	BaseURL                string `yaml:"base_url"`
	CacheTTLSeconds        int    `yaml:"cache_ttl_seconds"`
	MaxQuoteAgeSeconds     int    `yaml:"max_quote_age_seconds"`
	RefreshIntervalSeconds int    `yaml:"refresh_interval_seconds"`
	TimeoutSeconds         int    `yaml:"timeout_seconds"`
}

// CORSConfig CORS configuration
type CORSConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// AdminConfig Admin API access control configuration
type AdminConfig struct {
	AllowedIPs []string `yaml:"allowed_ips"` // IPs or CIDR ranges; empty means localhost only
}

var AppConfig *Config

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Scroll Sepolia defaults
const (
	DefaultNetworkName = "scroll_sepolia"
	DefaultChainID     = 534351
	DefaultRPCEndpoint = "https://sepolia-rpc.scroll.io"
	DefaultPriceURL    = "https://stablecoins.llama.fi/stablecoins"
)

// DefaultTokens are the Scroll Sepolia stablecoin deployments.
func DefaultTokens() map[string]TokenConfig {
	return map[string]TokenConfig{
		"USDC": {Address: "0x1c7D4B196Cb0C7B01d743Fbc6116a902379C7238", Decimals: 6},
		"USDT": {Address: "0x186C0C26c45A8DA1Da34339ee513624a9609156d", Decimals: 6},
		"DAI":  {Address: "0x3e622317f8C93f7328350cF0B56d9eD4C620C5d6", Decimals: 18},
	}
}

// LoadConfig Load configuration file. An empty path means config.local.yaml
// when present, otherwise config.yaml. A missing default file is not an error.
func LoadConfig(configPath string) error {
	if err := godotenv.Load(); err == nil {
		logrus.Infof("🔧 [Config] Loaded environment from .env")
	}

	explicit := configPath != ""
	if !explicit {
		configPath = "config.yaml"
		if _, err := os.Stat("config.local.yaml"); err == nil {
			configPath = "config.local.yaml"
			logrus.Infof("🔧 [Config] Using local configuration file: config.local.yaml")
		}
	}

	cfg, err := Load(configPath, explicit)
	if err != nil {
		return err
	}
	AppConfig = cfg
	return nil
}

// Load reads, defaults, overrides and validates a configuration without
// touching AppConfig.
func Load(configPath string, required bool) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
		logrus.Infof("✅ [Config] Loaded configuration from %s", configPath)
	case os.IsNotExist(err) && !required:
		logrus.Warnf("⚠️ [Config] %s not found, using defaults", configPath)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	overrideFromEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if len(cfg.Admin.AllowedIPs) > 0 {
		logrus.Infof("📋 [Config] Admin IP whitelist: %d IPs/CIDRs configured", len(cfg.Admin.AllowedIPs))
	} else {
		logrus.Infof("📋 [Config] Admin IP whitelist: not configured (localhost-only mode)")
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		logrus.Infof("📋 [Config] CORS: not configured (will allow all origins *)")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "memory"
	}

	if cfg.NATS.Timeout == 0 {
		cfg.NATS.Timeout = 10
	}
	if cfg.NATS.ReconnectWait == 0 {
		cfg.NATS.ReconnectWait = 5
	}
	if cfg.NATS.MaxReconnects == 0 {
		cfg.NATS.MaxReconnects = -1
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = "stablepay"
	}

	if cfg.Blockchain.Networks == nil {
		cfg.Blockchain.Networks = make(map[string]NetworkConfig)
	}
	if len(cfg.Blockchain.Networks) == 0 {
		cfg.Blockchain.Networks[DefaultNetworkName] = NetworkConfig{
			ChainID:      DefaultChainID,
			Name:         "Scroll Sepolia",
			RPCEndpoints: []string{DefaultRPCEndpoint},
			Enabled:      true,
		}
	}
	if cfg.Blockchain.DefaultNetwork == "" {
		if _, ok := cfg.Blockchain.Networks[DefaultNetworkName]; ok {
			cfg.Blockchain.DefaultNetwork = DefaultNetworkName
		} else if len(cfg.Blockchain.Networks) == 1 {
			for name := range cfg.Blockchain.Networks {
				cfg.Blockchain.DefaultNetwork = name
			}
		}
	}
	for name, network := range cfg.Blockchain.Networks {
		if network.Name == "" {
			network.Name = name
		}
		if len(network.Tokens) == 0 && (network.ChainID == DefaultChainID || network.Simulated) {
			network.Tokens = DefaultTokens()
		}
		if network.GasPrice == "" {
			network.GasPrice = "auto"
		}
		cfg.Blockchain.Networks[name] = network
	}

	s := &cfg.Settlement
	if s.Mode == "" {
		s.Mode = ModeEscrow
	}
	if s.RequiredConfirmations == 0 {
		s.RequiredConfirmations = 12
	}
	if s.PollIntervalSeconds == 0 {
		s.PollIntervalSeconds = 5
	}
	if s.ConfirmationTimeoutSeconds == 0 {
		s.ConfirmationTimeoutSeconds = 600
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.RetryBaseDelayMs == 0 {
		s.RetryBaseDelayMs = 500
	}
	if s.RetryMaxDelayMs == 0 {
		s.RetryMaxDelayMs = 10_000
	}
	if s.GasPriceMultiplierPercent == 0 {
		s.GasPriceMultiplierPercent = 120
	}
	if s.GasPriceCeilingWei == "" {
		s.GasPriceCeilingWei = "200000000000" // 200 gwei
	}
	if s.FallbackGasPriceWei == "" {
		s.FallbackGasPriceWei = "5000000000" // 5 gwei
	}
	if s.DefaultGasLimit == 0 {
		s.DefaultGasLimit = 100_000
	}
	if s.MaxGasLimit == 0 {
		s.MaxGasLimit = 500_000
	}

	p := &cfg.PriceOracle
	if p.BaseURL == "" {
		p.BaseURL = DefaultPriceURL
	}
	if p.CacheTTLSeconds == 0 {
		p.CacheTTLSeconds = 300
	}
	if p.MaxQuoteAgeSeconds == 0 {
		p.MaxQuoteAgeSeconds = 900
	}
	if p.RefreshIntervalSeconds == 0 {
		p.RefreshIntervalSeconds = p.CacheTTLSeconds
	}
	if p.TimeoutSeconds == 0 {
		p.TimeoutSeconds = 15
	}
}

// overrideFromEnv Override configuration from environment variables
func overrideFromEnv(cfg *Config) {
	if dsn := os.Getenv("DATABASE_DSN"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	if driver := os.Getenv("DATABASE_DRIVER"); driver != "" {
		cfg.Database.Driver = driver
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.NATS.URL = natsURL
	}
	if natsEnabled := os.Getenv("NATS_ENABLED"); natsEnabled != "" {
		cfg.NATS.Enabled = natsEnabled == "true"
	}

	if mode := os.Getenv("SETTLEMENT_MODE"); mode != "" {
		cfg.Settlement.Mode = strings.ToLower(mode)
	}
	if priceURL := os.Getenv("DEFI_LLAMA_API_URL"); priceURL != "" {
		cfg.PriceOracle.BaseURL = priceURL
	}
	if ttl := os.Getenv("CACHE_TTL"); ttl != "" {
		if t, err := strconv.Atoi(ttl); err == nil {
			cfg.PriceOracle.CacheTTLSeconds = t
		}
	}

	if cfg.Blockchain.Networks == nil {
		cfg.Blockchain.Networks = make(map[string]NetworkConfig)
	}
	// single-network deployments configure the default network from the flat variables
	defaultName := cfg.Blockchain.DefaultNetwork
	if defaultName == "" {
		defaultName = DefaultNetworkName
	}
	if _, ok := cfg.Blockchain.Networks[defaultName]; !ok && hasFlatNetworkEnv() {
		cfg.Blockchain.Networks[defaultName] = NetworkConfig{
			ChainID: DefaultChainID,
			Name:    "Scroll Sepolia",
			Enabled: true,
		}
	}

	for networkName, network := range cfg.Blockchain.Networks {
		prefix := strings.ToUpper(networkName)
		isDefault := networkName == defaultName

		if privateKey := os.Getenv(prefix + "_PRIVATE_KEY"); privateKey != "" {
			network.PrivateKey = privateKey
			logrus.Infof("✅ [Config] Loaded private key for network '%s' from %s_PRIVATE_KEY", networkName, prefix)
		} else if privateKey := os.Getenv("PRIVATE_KEY"); privateKey != "" {
			network.PrivateKey = privateKey
			logrus.Infof("✅ [Config] Loaded private key for network '%s' from PRIVATE_KEY", networkName)
		}
		if ownerKey := os.Getenv(prefix + "_OWNER_PRIVATE_KEY"); ownerKey != "" {
			network.OwnerPrivateKey = ownerKey
		}

		if rpcEndpoints := os.Getenv(prefix + "_RPC_ENDPOINTS"); rpcEndpoints != "" {
			network.RPCEndpoints = splitList(rpcEndpoints)
		} else if rpcURL := os.Getenv("RPC_URL"); rpcURL != "" && isDefault {
			network.RPCEndpoints = []string{rpcURL}
		}

		if gasPrice := os.Getenv(prefix + "_GAS_PRICE"); gasPrice != "" {
			network.GasPrice = gasPrice
		}
		if gasLimit := os.Getenv(prefix + "_GAS_LIMIT"); gasLimit != "" {
			if limit, err := strconv.ParseUint(gasLimit, 10, 64); err == nil {
				network.GasLimit = limit
			}
		}

		if isDefault {
			if contract := os.Getenv("CONTRACT_ADDRESS"); contract != "" {
				network.PaymentContract = contract
			}
			for _, symbol := range []string{"USDC", "USDT", "DAI"} {
				addr := os.Getenv(symbol + "_ADDRESS")
				if addr == "" {
					continue
				}
				if network.Tokens == nil {
					network.Tokens = DefaultTokens()
				}
				token := network.Tokens[symbol]
				if token.Decimals == 0 {
					token.Decimals = DefaultTokens()[symbol].Decimals
				}
				token.Address = addr
				network.Tokens[symbol] = token
			}
		}

		cfg.Blockchain.Networks[networkName] = network
	}

	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		cfg.CORS.AllowedOrigins = splitList(corsOrigins)
	}
}

func hasFlatNetworkEnv() bool {
	for _, key := range []string{"RPC_URL", "CONTRACT_ADDRESS", "PRIVATE_KEY"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks the settings the settlement path cannot run without.
func (c *Config) Validate() error {
	network, ok := c.Blockchain.Networks[c.Blockchain.DefaultNetwork]
	if c.Blockchain.DefaultNetwork == "" || !ok {
		return fmt.Errorf("default network %q is not configured", c.Blockchain.DefaultNetwork)
	}
	if !network.Enabled {
		return fmt.Errorf("default network %q is disabled", c.Blockchain.DefaultNetwork)
	}
	if network.PaymentContract != "" && !addressPattern.MatchString(network.PaymentContract) {
		return fmt.Errorf("network %q: invalid payment contract address %q", c.Blockchain.DefaultNetwork, network.PaymentContract)
	}
	for symbol, token := range network.Tokens {
		if !addressPattern.MatchString(token.Address) {
			return fmt.Errorf("network %q: token %s has invalid address %q", c.Blockchain.DefaultNetwork, symbol, token.Address)
		}
	}
	if !network.Simulated && len(network.RPCEndpoints) == 0 {
		return fmt.Errorf("network %q: no RPC endpoints configured", c.Blockchain.DefaultNetwork)
	}

	switch c.Settlement.Mode {
	case ModeEscrow, ModeDirect:
	default:
		return fmt.Errorf("unknown settlement mode %q (want %s or %s)", c.Settlement.Mode, ModeEscrow, ModeDirect)
	}
	if c.Settlement.GasPriceMultiplierPercent < 100 {
		return fmt.Errorf("gas price multiplier must be at least 100%%, got %d%%", c.Settlement.GasPriceMultiplierPercent)
	}
	if c.Settlement.DefaultGasLimit > c.Settlement.MaxGasLimit {
		return fmt.Errorf("default gas limit %d exceeds max gas limit %d", c.Settlement.DefaultGasLimit, c.Settlement.MaxGasLimit)
	}
	if _, ok := new(big.Int).SetString(c.Settlement.GasPriceCeilingWei, 10); !ok {
		return fmt.Errorf("invalid gas price ceiling %q", c.Settlement.GasPriceCeilingWei)
	}
	if _, ok := new(big.Int).SetString(c.Settlement.FallbackGasPriceWei, 10); !ok {
		return fmt.Errorf("invalid fallback gas price %q", c.Settlement.FallbackGasPriceWei)
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database driver postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return nil
}

// GasPriceCeiling returns the configured cap in wei.
func (s SettlementConfig) GasPriceCeiling() *big.Int {
	v, _ := new(big.Int).SetString(s.GasPriceCeilingWei, 10)
	return v
}

// FallbackGasPrice returns the price used when the node cannot suggest one.
func (s SettlementConfig) FallbackGasPrice() *big.Int {
	v, _ := new(big.Int).SetString(s.FallbackGasPriceWei, 10)
	return v
}

func (s SettlementConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

func (s SettlementConfig) ConfirmationTimeout() time.Duration {
	return time.Duration(s.ConfirmationTimeoutSeconds) * time.Second
}

func (s SettlementConfig) RetryBaseDelay() time.Duration {
	return time.Duration(s.RetryBaseDelayMs) * time.Millisecond
}

func (s SettlementConfig) RetryMaxDelay() time.Duration {
	return time.Duration(s.RetryMaxDelayMs) * time.Millisecond
}

func (s SettlementConfig) AutoReconcileInterval() time.Duration {
	return time.Duration(s.AutoReconcileIntervalSeconds) * time.Second
}

func (p PriceOracleConfig) CacheTTL() time.Duration {
	return time.Duration(p.CacheTTLSeconds) * time.Second
}

func (p PriceOracleConfig) MaxQuoteAge() time.Duration {
	return time.Duration(p.MaxQuoteAgeSeconds) * time.Second
}

func (p PriceOracleConfig) RefreshInterval() time.Duration {
	return time.Duration(p.RefreshIntervalSeconds) * time.Second
}

func (p PriceOracleConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// DefaultNetworkConfig returns the network payments settle on.
func (c *Config) DefaultNetworkConfig() (*NetworkConfig, error) {
	return c.networkConfig(c.Blockchain.DefaultNetwork)
}

func (c *Config) networkConfig(networkName string) (*NetworkConfig, error) {
	network, exists := c.Blockchain.Networks[networkName]
	if !exists {
		return nil, fmt.Errorf("network %s not found in config", networkName)
	}
	if !network.Enabled {
		return nil, fmt.Errorf("network %s is disabled", networkName)
	}
	return &network, nil
}

// GetNetworkConfig Get network configuration
func GetNetworkConfig(networkName string) (*NetworkConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	return AppConfig.networkConfig(networkName)
}

// GetNetworkConfigByChainID Get network configuration by chain ID
func GetNetworkConfigByChainID(chainID int64) (*NetworkConfig, error) {
	if AppConfig == nil {
		return nil, fmt.Errorf("config not loaded")
	}

	for _, network := range AppConfig.Blockchain.Networks {
		if network.ChainID == chainID && network.Enabled {
			return &network, nil
		}
	}

	return nil, fmt.Errorf("network with chainID %d not found or disabled", chainID)
}

// TokenBySymbol returns the configured token, matching the symbol case-insensitively.
func (n *NetworkConfig) TokenBySymbol(symbol string) (string, TokenConfig, bool) {
	upper := strings.ToUpper(strings.TrimSpace(symbol))
	token, ok := n.Tokens[upper]
	return upper, token, ok
}

// Symbols lists the configured token symbols.
func (n *NetworkConfig) Symbols() []string {
	symbols := make([]string, 0, len(n.Tokens))
	for symbol := range n.Tokens {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols
}
