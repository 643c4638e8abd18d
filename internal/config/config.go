package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/stratforge/crypto-strategy-engine/internal/exchange"
	"github.com/stratforge/crypto-strategy-engine/internal/logger"
	"github.com/stratforge/crypto-strategy-engine/internal/recovery"
	"github.com/stratforge/crypto-strategy-engine/internal/risk"
	"github.com/stratforge/crypto-strategy-engine/internal/safety"
)

// Config is the complete engine configuration loaded from one YAML file.
// Secrets stay out of the file: any `${VAR}` inside a value is replaced
// with the environment variable before parsing.
type Config struct {
	Environment string `mapstructure:"environment"`

	Log      logger.Config   `mapstructure:"log"`
	Exchange ExchangeConfig  `mapstructure:"exchange"`
	Engine   EngineConfig    `mapstructure:"engine"`
	Risk     risk.Limits     `mapstructure:"risk"`
	Recovery recovery.Policy `mapstructure:"recovery"`
	State    StateConfig     `mapstructure:"state"`
	Safety   SafetyConfig    `mapstructure:"safety"`

	Notifications NotificationsConfig `mapstructure:"notifications"`
	Server        ServerConfig        `mapstructure:"server"`

	Instances []InstanceConfig `mapstructure:"instances"`
}

// ExchangeConfig selects and configures the exchange adapter.
type ExchangeConfig struct {
	Name  string       `mapstructure:"name"` // paper | bybit
	Bybit *BybitConfig `mapstructure:"bybit"`
	Paper *PaperConfig `mapstructure:"paper"`
}

// BybitConfig holds Bybit v5 API credentials and environment selection.
type BybitConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	Category  string `mapstructure:"category"` // spot | linear
	Testnet   bool   `mapstructure:"testnet"`
	Demo      bool   `mapstructure:"demo"`
}

// Adapter converts the config section into the exchange package's shape.
func (b BybitConfig) Adapter() exchange.BybitConfig {
	return exchange.BybitConfig{
		APIKey:    b.APIKey,
		APISecret: b.APISecret,
		Category:  b.Category,
		Testnet:   b.Testnet,
		Demo:      b.Demo,
	}
}

// PaperConfig seeds the in-memory exchange used for dry runs.
type PaperConfig struct {
	Balances map[string]float64 `mapstructure:"balances"`
	Prices   map[string]float64 `mapstructure:"prices"`
}

// EngineConfig tunes the shared engine loop parameters.
type EngineConfig struct {
	WindowSize  int           `mapstructure:"window_size"`
	TickTimeout time.Duration `mapstructure:"tick_timeout"`
}

// StateConfig selects the persistence backend.
type StateConfig struct {
	Backend string        `mapstructure:"backend"` // file | sqlite | none
	Dir     string        `mapstructure:"dir"`     // file backend
	Path    string        `mapstructure:"path"`    // sqlite backend
	MaxAge  time.Duration `mapstructure:"max_age"` // 0 accepts snapshots of any age
}

// GuardConfig tunes one rate-limiter + circuit-breaker pair.
type GuardConfig struct {
	PerSecond        float64       `mapstructure:"per_second"`
	Burst            int           `mapstructure:"burst"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// Breaker converts the breaker part of the guard settings.
func (g GuardConfig) Breaker() safety.BreakerConfig {
	return safety.BreakerConfig{
		FailureThreshold: g.FailureThreshold,
		SuccessThreshold: g.SuccessThreshold,
		Cooldown:         g.Cooldown,
	}
}

// SafetyConfig holds the two endpoint groups the engine guards separately:
// order placement and market/account reads.
type SafetyConfig struct {
	Trading    GuardConfig `mapstructure:"trading"`
	MarketData GuardConfig `mapstructure:"market_data"`
}

// NotificationsConfig wires optional outbound notifiers.
type NotificationsConfig struct {
	Telegram *TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig holds bot credentials for the Telegram notifier.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
}

// ServerConfig configures the HTTP surfaces: control API and metrics.
type ServerConfig struct {
	API              APIConfig     `mapstructure:"api"`
	MetricsAddr      string        `mapstructure:"metrics_addr"`
	HealthStaleAfter time.Duration `mapstructure:"health_stale_after"`
}

// APIConfig configures the control API. An empty Addr disables it.
type APIConfig struct {
	Addr              string `mapstructure:"addr"`
	AuthToken         string `mapstructure:"auth_token"`
	RequestsPerMinute int    `mapstructure:"requests_per_minute"`
}

// InstanceConfig declares one strategy instance. Params is decoded per
// Kind by BuildController.
type InstanceConfig struct {
	ID        string         `mapstructure:"id"`
	Name      string         `mapstructure:"name"`
	Kind      string         `mapstructure:"kind"`
	Symbol    string         `mapstructure:"symbol"`
	Timeframe string         `mapstructure:"timeframe"`
	AutoStart bool           `mapstructure:"auto_start"`
	Params    map[string]any `mapstructure:"params"`
}

// Load reads, expands and validates the engine configuration.
func Load(configFile string) (*Config, error) {
	// Bare names resolve against the configs/ directory.
	if !strings.ContainsAny(configFile, "/\\") {
		configFile = filepath.Join("configs", configFile)
	}
	if ext := filepath.Ext(configFile); ext != ".yaml" && ext != ".yml" {
		configFile += ".yaml"
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML. Split from Load so tests and
// embedded configs skip the filesystem.
func Parse(data []byte) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(expandEnv(data))); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.setDefaults()
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &config, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToTimeHookFunc(time.RFC3339),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func upperKeys(m map[string]float64) map[string]float64 {
	if len(m) == 0 {
		return m
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}
	return out
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// expandEnv replaces ${VAR} references with environment values so secrets
// never live in the config file itself.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := strings.TrimSuffix(strings.TrimPrefix(string(match), "${"), "}")
		return []byte(os.Getenv(key))
	})
}

// setDefaults fills in values the operator left out.
func (c *Config) setDefaults() {
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	if c.Exchange.Name == "" {
		c.Exchange.Name = "paper"
	}
	if strings.EqualFold(c.Exchange.Name, "paper") && c.Exchange.Paper == nil {
		c.Exchange.Paper = &PaperConfig{Balances: map[string]float64{"USDT": 10000}}
	}
	if c.Exchange.Paper != nil {
		// Viper lowercases map keys; assets and symbols are uppercase
		// everywhere else in the engine.
		c.Exchange.Paper.Balances = upperKeys(c.Exchange.Paper.Balances)
		c.Exchange.Paper.Prices = upperKeys(c.Exchange.Paper.Prices)
	}

	if c.Engine.WindowSize == 0 {
		c.Engine.WindowSize = 500
	}
	if c.Engine.TickTimeout == 0 {
		c.Engine.TickTimeout = 30 * time.Second
	}

	if c.Recovery == (recovery.Policy{}) {
		c.Recovery = recovery.DefaultPolicy()
	}

	if c.State.Backend == "" {
		c.State.Backend = "file"
	}
	if c.State.Backend == "file" && c.State.Dir == "" {
		c.State.Dir = filepath.Join("data", "state")
	}
	if c.State.Backend == "sqlite" && c.State.Path == "" {
		c.State.Path = filepath.Join("data", "engine.db")
	}

	if c.Safety.Trading.PerSecond == 0 {
		c.Safety.Trading.PerSecond = 5
	}
	if c.Safety.Trading.Burst == 0 {
		c.Safety.Trading.Burst = 10
	}
	if c.Safety.MarketData.PerSecond == 0 {
		c.Safety.MarketData.PerSecond = 10
	}
	if c.Safety.MarketData.Burst == 0 {
		c.Safety.MarketData.Burst = 20
	}

	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}
	if c.Server.API.RequestsPerMinute == 0 {
		c.Server.API.RequestsPerMinute = 120
	}

	for i := range c.Instances {
		if c.Instances[i].Timeframe == "" {
			c.Instances[i].Timeframe = "1h"
		}
	}
}

// validate rejects configurations the engine cannot run with.
func (c *Config) validate() error {
	switch strings.ToLower(c.Exchange.Name) {
	case "paper":
	case "bybit":
		if c.Exchange.Bybit == nil {
			return fmt.Errorf("bybit exchange selected but bybit section is missing")
		}
		if c.Exchange.Bybit.APIKey == "" {
			return fmt.Errorf("bybit api_key is required")
		}
		if c.Exchange.Bybit.APISecret == "" {
			return fmt.Errorf("bybit api_secret is required")
		}
	default:
		return fmt.Errorf("unsupported exchange %q", c.Exchange.Name)
	}

	if c.Engine.WindowSize < 2 {
		return fmt.Errorf("engine window_size must be at least 2")
	}
	if c.Engine.TickTimeout <= 0 {
		return fmt.Errorf("engine tick_timeout must be positive")
	}

	if c.Recovery.Multiplier != 0 && c.Recovery.Multiplier < 1.0 {
		return fmt.Errorf("recovery multiplier must be at least 1.0")
	}
	if c.Recovery.Jitter < 0 || c.Recovery.Jitter > 1 {
		return fmt.Errorf("recovery jitter must be between 0 and 1.0")
	}
	if c.Recovery.MaxConsecutive < 0 {
		return fmt.Errorf("recovery max_consecutive must not be negative")
	}

	switch c.State.Backend {
	case "file", "sqlite", "none":
	default:
		return fmt.Errorf("unsupported state backend %q", c.State.Backend)
	}

	if c.Safety.Trading.PerSecond <= 0 || c.Safety.MarketData.PerSecond <= 0 {
		return fmt.Errorf("safety per_second rates must be positive")
	}

	if c.Notifications.Telegram != nil {
		if c.Notifications.Telegram.Token == "" {
			return fmt.Errorf("telegram token is required")
		}
		if c.Notifications.Telegram.ChatID == "" {
			return fmt.Errorf("telegram chat_id is required")
		}
	}

	if c.Server.API.Addr != "" && c.Server.API.RequestsPerMinute <= 0 {
		return fmt.Errorf("api requests_per_minute must be positive")
	}

	seen := make(map[string]bool, len(c.Instances))
	for i, inst := range c.Instances {
		if inst.ID == "" {
			return fmt.Errorf("instance %d: id is required", i)
		}
		if seen[inst.ID] {
			return fmt.Errorf("instance %q: duplicate id", inst.ID)
		}
		seen[inst.ID] = true
		if inst.Symbol == "" {
			return fmt.Errorf("instance %q: symbol is required", inst.ID)
		}
		if inst.Kind == "" {
			return fmt.Errorf("instance %q: kind is required", inst.ID)
		}
	}
	return nil
}
