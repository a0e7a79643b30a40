package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/ethereumidentitykit/ens-market-bot-sub004/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	MarketData MarketDataConfig `mapstructure:"marketdata"`
	Rates      RatesConfig      `mapstructure:"rates"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Twitter    TwitterConfig    `mapstructure:"twitter"`
	API        APIConfig        `mapstructure:"api"`
	Cron       CronConfig       `mapstructure:"cron"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// MarketDataConfig captures the NFT trade API connectivity.
type MarketDataConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Chain          string        `mapstructure:"chain"`
	Contract       string        `mapstructure:"contract"`
	PageSize       int           `mapstructure:"page_size"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimitRPS   float64       `mapstructure:"rate_limit_rps"`
	RateLimitBurst int           `mapstructure:"rate_limit_burst"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// RatesConfig covers the ETH/USD quote source.
type RatesConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
}

// EthereumConfig covers on-chain name resolution access.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	RegistryAddress string        `mapstructure:"registry_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	CacheSize       int           `mapstructure:"cache_size"`
}

// IngestConfig sets the acceptance floors for fetched sales.
type IngestConfig struct {
	MinPriceETH    float64 `mapstructure:"min_price_eth"`
	MinBlockHeight int64   `mapstructure:"min_block_height"`
}

// RateLimitConfig bounds outbound posting volume.
type RateLimitConfig struct {
	MaxPosts int           `mapstructure:"max_posts"`
	Window   time.Duration `mapstructure:"window"`
}

// TwitterConfig 描述推文发布参数。
type TwitterConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	APIBase     string `mapstructure:"api_base"`
	UploadBase  string `mapstructure:"upload_base"`
	BearerToken string `mapstructure:"bearer_token"`
	DryRun      bool   `mapstructure:"dry_run"`
	AttachChart bool   `mapstructure:"attach_chart"`
}

// APIConfig governs the admin HTTP surface.
type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	JWTSecret  string `mapstructure:"jwt_secret"`
}

// CronConfig schedules the maintenance jobs.
type CronConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	SummarySpec string `mapstructure:"summary_spec"`
	ChartSpec   string `mapstructure:"chart_spec"`
	ChartDir    string `mapstructure:"chart_dir"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ENSBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "ensbot")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x656E7362))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("marketdata.base_url", "https://deep-index.moralis.io/api/v2.2")
	v.SetDefault("marketdata.chain", "eth")
	v.SetDefault("marketdata.contract", "0x57f1887a8bf19b14fc0df6fd9b2acc9af147ea85")
	v.SetDefault("marketdata.page_size", 100)
	v.SetDefault("marketdata.request_timeout", "15s")
	v.SetDefault("marketdata.rate_limit_rps", 2.0)
	v.SetDefault("marketdata.rate_limit_burst", 4)
	v.SetDefault("marketdata.user_agent", "ensbot/1.0")

	v.SetDefault("rates.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("rates.request_timeout", "10s")
	v.SetDefault("rates.cache_ttl", "5m")

	v.SetDefault("ethereum.registry_address", "0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e")
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.cache_size", 512)

	v.SetDefault("ingest.min_price_eth", 0.1)
	v.SetDefault("ingest.min_block_height", 0)

	v.SetDefault("ratelimit.max_posts", 15)
	v.SetDefault("ratelimit.window", "24h")

	v.SetDefault("twitter.enabled", false)
	v.SetDefault("twitter.api_base", "https://api.twitter.com")
	v.SetDefault("twitter.upload_base", "https://upload.twitter.com")
	v.SetDefault("twitter.dry_run", false)
	v.SetDefault("twitter.attach_chart", false)

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen_addr", ":8080")

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.summary_spec", "0 0 0 * * *")
	v.SetDefault("cron.chart_spec", "")
	v.SetDefault("cron.chart_dir", "charts")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.RateLimit.MaxPosts <= 0 {
		return fmt.Errorf("ratelimit.max_posts must be greater than zero")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be greater than zero")
	}
	if c.Ingest.MinPriceETH < 0 {
		return fmt.Errorf("ingest.min_price_eth cannot be negative")
	}
	if c.Ingest.MinBlockHeight < 0 {
		return fmt.Errorf("ingest.min_block_height cannot be negative")
	}
	if c.MarketData.PageSize <= 0 {
		return fmt.Errorf("marketdata.page_size must be greater than zero")
	}
	if c.Twitter.Enabled && !c.Twitter.DryRun {
		if c.Twitter.BearerToken == "" {
			return fmt.Errorf("twitter.bearer_token 必须配置")
		}
	}
	if c.API.Enabled {
		if c.API.JWTSecret == "" {
			return fmt.Errorf("api.jwt_secret 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
