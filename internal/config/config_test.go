package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratforge/crypto-strategy-engine/internal/engerr"
	"github.com/stratforge/crypto-strategy-engine/internal/strategy"
)

const fullConfig = `
environment: production
log:
  level: debug
  format: json
  output: logs/engine.log
exchange:
  name: bybit
  bybit:
    api_key: ${CFG_TEST_KEY}
    api_secret: ${CFG_TEST_SECRET}
    category: spot
    demo: true
engine:
  window_size: 250
  tick_timeout: 45s
risk:
  max_order_quote: 1000
  max_position_quote: 10000
  max_orders_per_hour: 30
  min_quantity: 0.0001
recovery:
  base_delay: 2s
  multiplier: 3
  max_delay: 10m
  jitter: 0.1
  max_consecutive: 4
state:
  backend: sqlite
  max_age: 72h
safety:
  trading:
    per_second: 2
    burst: 4
    failure_threshold: 3
    cooldown: 1m
notifications:
  telegram:
    token: ${CFG_TEST_TG}
    chat_id: "42"
server:
  api:
    addr: ":8080"
    auth_token: sekrit
  metrics_addr: ":9091"
  health_stale_after: 5m
instances:
  - id: dca-btc
    name: hourly btc buys
    kind: dca
    symbol: BTCUSDT
    timeframe: 1h
    auto_start: true
    params:
      fiat_amount: 100
      interval: 1h
      max_orders: 10
  - id: rules-eth
    kind: custom
    symbol: ETHUSDT
    timeframe: 15m
    params:
      rules:
        - name: dip buy
          conditions:
            - indicator: rsi
              period: 14
              operator: lt
              value: 30
          action:
            type: buy
            amount: 25
            amount_type: percentage
`

func TestParseFullConfig(t *testing.T) {
	t.Setenv("CFG_TEST_KEY", "key-from-env")
	t.Setenv("CFG_TEST_SECRET", "secret-from-env")
	t.Setenv("CFG_TEST_TG", "tg-token")

	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	require.NotNil(t, cfg.Exchange.Bybit)
	assert.Equal(t, "key-from-env", cfg.Exchange.Bybit.APIKey)
	assert.Equal(t, "secret-from-env", cfg.Exchange.Bybit.APISecret)
	assert.True(t, cfg.Exchange.Bybit.Demo)

	assert.Equal(t, 250, cfg.Engine.WindowSize)
	assert.Equal(t, 45*time.Second, cfg.Engine.TickTimeout)

	assert.Equal(t, 1000.0, cfg.Risk.MaxOrderQuote)
	assert.Equal(t, 30, cfg.Risk.MaxOrdersPerHour)

	assert.Equal(t, 2*time.Second, cfg.Recovery.BaseDelay)
	assert.Equal(t, 3.0, cfg.Recovery.Multiplier)
	assert.Equal(t, 4, cfg.Recovery.MaxConsecutive)

	assert.Equal(t, "sqlite", cfg.State.Backend)
	assert.Equal(t, 72*time.Hour, cfg.State.MaxAge)
	assert.Equal(t, filepath.Join("data", "engine.db"), cfg.State.Path)

	assert.Equal(t, 2.0, cfg.Safety.Trading.PerSecond)
	assert.Equal(t, uint32(3), cfg.Safety.Trading.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Safety.Trading.Cooldown)
	// Untouched group keeps its defaults.
	assert.Equal(t, 10.0, cfg.Safety.MarketData.PerSecond)

	require.NotNil(t, cfg.Notifications.Telegram)
	assert.Equal(t, "tg-token", cfg.Notifications.Telegram.Token)
	assert.Equal(t, "42", cfg.Notifications.Telegram.ChatID)

	assert.Equal(t, ":8080", cfg.Server.API.Addr)
	assert.Equal(t, 120, cfg.Server.API.RequestsPerMinute)
	assert.Equal(t, ":9091", cfg.Server.MetricsAddr)
	assert.Equal(t, 5*time.Minute, cfg.Server.HealthStaleAfter)

	require.Len(t, cfg.Instances, 2)
	assert.Equal(t, "dca-btc", cfg.Instances[0].ID)
	assert.True(t, cfg.Instances[0].AutoStart)
	assert.Equal(t, "15m", cfg.Instances[1].Timeframe)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)

	assert.Equal(t, "paper", cfg.Exchange.Name)
	require.NotNil(t, cfg.Exchange.Paper)
	assert.Equal(t, 10000.0, cfg.Exchange.Paper.Balances["USDT"])

	assert.Equal(t, 500, cfg.Engine.WindowSize)
	assert.Equal(t, 30*time.Second, cfg.Engine.TickTimeout)
	assert.Equal(t, time.Second, cfg.Recovery.BaseDelay)
	assert.Equal(t, 5, cfg.Recovery.MaxConsecutive)

	assert.Equal(t, "file", cfg.State.Backend)
	assert.Equal(t, filepath.Join("data", "state"), cfg.State.Dir)

	assert.Equal(t, 5.0, cfg.Safety.Trading.PerSecond)
	assert.Equal(t, 20, cfg.Safety.MarketData.Burst)
	assert.Equal(t, ":9090", cfg.Server.MetricsAddr)
}

func TestParsePaperKeysUppercased(t *testing.T) {
	cfg, err := Parse([]byte(`
exchange:
  name: paper
  paper:
    balances:
      usdt: 5000
      btc: 0.5
    prices:
      btcusdt: 64000
`))
	require.NoError(t, err)
	assert.Equal(t, 5000.0, cfg.Exchange.Paper.Balances["USDT"])
	assert.Equal(t, 0.5, cfg.Exchange.Paper.Balances["BTC"])
	assert.Equal(t, 64000.0, cfg.Exchange.Paper.Prices["BTCUSDT"])
}

func TestParseValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "unknown exchange",
			yaml: "exchange: {name: kraken}",
			want: `unsupported exchange "kraken"`,
		},
		{
			name: "bybit without credentials",
			yaml: "exchange: {name: bybit, bybit: {api_secret: x}}",
			want: "bybit api_key is required",
		},
		{
			name: "window size too small",
			yaml: "engine: {window_size: 1}",
			want: "window_size must be at least 2",
		},
		{
			name: "bad state backend",
			yaml: "state: {backend: redis}",
			want: `unsupported state backend "redis"`,
		},
		{
			name: "jitter out of range",
			yaml: "recovery: {base_delay: 1s, jitter: 1.5}",
			want: "jitter must be between 0 and 1.0",
		},
		{
			name: "telegram without chat",
			yaml: "notifications: {telegram: {token: x}}",
			want: "telegram chat_id is required",
		},
		{
			name: "instance without id",
			yaml: "instances: [{kind: dca, symbol: BTCUSDT}]",
			want: "id is required",
		},
		{
			name: "duplicate instance ids",
			yaml: "instances: [{id: a, kind: dca, symbol: BTCUSDT}, {id: a, kind: grid, symbol: ETHUSDT}]",
			want: "duplicate id",
		},
		{
			name: "instance without symbol",
			yaml: "instances: [{id: a, kind: dca}]",
			want: "symbol is required",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadResolvesConfigsDirAndExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "configs"), 0o755))
	path := filepath.Join(dir, "configs", "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("environment: staging"), 0o644))

	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("engine")
	require.NoError(t, err)
	assert.Equal(t, "staging", cfg.Environment)

	_, err = Load("missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestBuildControllerDCA(t *testing.T) {
	ctrl, err := BuildController(InstanceConfig{
		ID:     "dca-1",
		Kind:   "dca",
		Symbol: "BTCUSDT",
		Params: map[string]any{
			"fiat_amount": 100,
			"interval":    "1h",
			"max_orders":  5,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, strategy.KindDCA, ctrl.Kind())
	assert.Equal(t, "BTCUSDT", ctrl.Symbol())
}

func TestBuildControllerGrid(t *testing.T) {
	ctrl, err := BuildController(InstanceConfig{
		ID:     "grid-1",
		Kind:   "grid",
		Symbol: "ETHUSDT",
		Params: map[string]any{
			"price_min":  100,
			"price_max":  200,
			"levels":     5,
			"investment": 1000,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, strategy.KindGrid, ctrl.Kind())
}

func TestBuildControllerFromParsedRules(t *testing.T) {
	t.Setenv("CFG_TEST_KEY", "k")
	t.Setenv("CFG_TEST_SECRET", "s")
	t.Setenv("CFG_TEST_TG", "t")

	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	ctrl, err := BuildController(cfg.Instances[1])
	require.NoError(t, err)
	assert.Equal(t, strategy.KindCustom, ctrl.Kind())
	assert.Equal(t, "ETHUSDT", ctrl.Symbol())
}

func TestBuildControllerRejectsBadInput(t *testing.T) {
	_, err := BuildController(InstanceConfig{ID: "x", Kind: "martingale", Symbol: "BTCUSDT"})
	assert.True(t, engerr.IsValidation(err))

	// Unknown parameter keys are typos, not extensions.
	_, err = BuildController(InstanceConfig{
		ID:     "x",
		Kind:   "dca",
		Symbol: "BTCUSDT",
		Params: map[string]any{"fiat_amount": 100, "interval": "1h", "fiat_amonut": 50},
	})
	require.Error(t, err)
	assert.True(t, engerr.IsValidation(err))

	// Parameter validation happens in the controller constructor.
	_, err = BuildController(InstanceConfig{
		ID:     "x",
		Kind:   "dca",
		Symbol: "BTCUSDT",
		Params: map[string]any{"fiat_amount": -5, "interval": "1h"},
	})
	require.Error(t, err)
	assert.True(t, engerr.IsValidation(err))
	assert.Contains(t, err.Error(), "fiat_amount must be positive")
}
