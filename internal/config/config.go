// Package config defines all configuration for the grid bot.
// Config is loaded from a YAML file whose root is a flat mapping, with
// sensitive fields overridable via ASTER_* environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// DryRunDefault is applied when the config file omits dry_run: the bot never
// trades live unless asked to explicitly.
const DryRunDefault = true

// Config is the top-level configuration. Maps directly to the flat YAML
// file structure.
type Config struct {
	Symbol                        string  `mapstructure:"symbol"`
	Mode                          string  `mapstructure:"mode"`
	MarginType                    string  `mapstructure:"margin_type"`
	Leverage                      int     `mapstructure:"leverage"`
	PerOrderQuoteUSD              float64 `mapstructure:"per_order_quote_usd"`
	MakerGuardTicks               int     `mapstructure:"maker_guard_ticks"`
	RecenterThreshold             float64 `mapstructure:"recenter_threshold"`
	MaxOpenOrders                 int     `mapstructure:"max_open_orders"`
	MaxRestingOrdersPerSide       int     `mapstructure:"max_resting_orders_per_side"`
	MaxConcurrentPositionsPerSide int     `mapstructure:"max_concurrent_positions_per_side"`
	KillSwitchMs                  int     `mapstructure:"kill_switch_ms"`
	LogLevel                      string  `mapstructure:"log_level"`
	LogFormat                     string  `mapstructure:"log_format"`
	RestBase                      string  `mapstructure:"rest_base"`
	WSMarket                      string  `mapstructure:"ws_market"`
	WSUser                        string  `mapstructure:"ws_user"`
	PerOrderBaseQty               float64 `mapstructure:"per_order_base_qty"`
	GridSpacing                   float64 `mapstructure:"grid_spacing"`
	MinLevelsPerSide              int     `mapstructure:"min_levels_per_side"`
	MarginReservePct              float64 `mapstructure:"margin_reserve_pct"`
	DryRunVirtualBalance          float64 `mapstructure:"dry_run_virtual_balance"`
	StatusNotifySendKey           string  `mapstructure:"status_notify_send_key"`
	StatusNotifyInterval          int     `mapstructure:"status_notify_interval"`
	RecvWindow                    int     `mapstructure:"recv_window"`
	DryRun                        bool    `mapstructure:"dry_run"`
}

// requiredKeys must all be present in the YAML file; everything else has a
// default.
var requiredKeys = []string{
	"symbol",
	"mode",
	"margin_type",
	"leverage",
	"per_order_quote_usd",
	"maker_guard_ticks",
	"recenter_threshold",
	"max_open_orders",
	"max_resting_orders_per_side",
	"max_concurrent_positions_per_side",
	"kill_switch_ms",
	"log_level",
	"rest_base",
	"ws_market",
}

// Load reads config from a YAML file with env var overrides.
// ASTER_STATUS_NOTIFY_SEND_KEY takes precedence over the file value;
// API credentials are resolved separately (flags, then ASTER_API_KEY /
// ASTER_API_SECRET) and never live in the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("ws_user", "wss://fstream.asterdex.com")
	v.SetDefault("log_format", "text")
	v.SetDefault("grid_spacing", 20.0)
	v.SetDefault("min_levels_per_side", 1)
	v.SetDefault("margin_reserve_pct", 0.1)
	v.SetDefault("dry_run_virtual_balance", 10_000.0)
	v.SetDefault("status_notify_interval", 3600)
	v.SetDefault("recv_window", 5000)
	v.SetDefault("dry_run", DryRunDefault)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var missing []string
	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("missing config keys: %s", strings.Join(missing, ", "))
	}

	// Legacy key aliases. InConfig (not IsSet) so a default never shadows
	// the alias.
	if v.InConfig("status_notify_interval_sec") && !v.InConfig("status_notify_interval") {
		v.Set("status_notify_interval", v.Get("status_notify_interval_sec"))
	}
	if v.InConfig("dry-run") && !v.InConfig("dry_run") {
		v.Set("dry_run", v.Get("dry-run"))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Symbol = strings.ToUpper(cfg.Symbol)
	cfg.Mode = strings.ToUpper(cfg.Mode)
	cfg.MarginType = strings.ToUpper(cfg.MarginType)
	cfg.LogLevel = strings.ToUpper(cfg.LogLevel)
	cfg.RestBase = strings.TrimRight(cfg.RestBase, "/")
	if cfg.StatusNotifyInterval <= 0 {
		cfg.StatusNotifyInterval = 3600
	}

	if key := strings.TrimSpace(os.Getenv("ASTER_STATUS_NOTIFY_SEND_KEY")); key != "" {
		cfg.StatusNotifySendKey = key
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if c.RestBase == "" {
		return fmt.Errorf("rest_base is required")
	}
	if c.WSMarket == "" {
		return fmt.Errorf("ws_market is required")
	}
	if c.Leverage < 1 {
		return fmt.Errorf("leverage must be >= 1")
	}
	if c.PerOrderQuoteUSD <= 0 && c.PerOrderBaseQty <= 0 {
		return fmt.Errorf("per_order_quote_usd must be > 0 when per_order_base_qty is unset")
	}
	if c.MakerGuardTicks < 0 {
		return fmt.Errorf("maker_guard_ticks must be >= 0")
	}
	if c.RecenterThreshold < 0 {
		return fmt.Errorf("recenter_threshold must be >= 0")
	}
	if c.KillSwitchMs <= 0 {
		return fmt.Errorf("kill_switch_ms must be > 0")
	}
	if c.GridSpacing <= 0 {
		return fmt.Errorf("grid_spacing must be > 0")
	}
	if c.MinLevelsPerSide < 1 {
		return fmt.Errorf("min_levels_per_side must be >= 1")
	}
	if c.MarginReservePct < 0 || c.MarginReservePct >= 1 {
		return fmt.Errorf("margin_reserve_pct must be in [0, 1)")
	}
	return nil
}

// Credentials resolves the API key and secret from explicit overrides
// (CLI flags) falling back to the ASTER_API_KEY / ASTER_API_SECRET
// environment variables. Both empty is allowed in dry-run mode.
func Credentials(keyOverride, secretOverride string) (key, secret string) {
	key = keyOverride
	if key == "" {
		key = os.Getenv("ASTER_API_KEY")
	}
	secret = secretOverride
	if secret == "" {
		secret = os.Getenv("ASTER_API_SECRET")
	}
	return key, secret
}
