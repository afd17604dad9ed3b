package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for tradecore.
type Config struct {
	General     GeneralConfig     `yaml:"general"`
	Database    DatabaseConfig    `yaml:"database"`
	Vault       VaultConfig       `yaml:"vault"`
	RPC         RPCConfig         `yaml:"rpc"`
	Jupiter     JupiterConfig     `yaml:"jupiter"`
	Jito        JitoConfig        `yaml:"jito"`
	Submitter   SubmitterConfig   `yaml:"submitter"`
	Protection  ProtectionConfig  `yaml:"protection"`
	WalletIntel WalletIntelConfig `yaml:"wallet_intel"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	CopyTrade   CopyTradeConfig   `yaml:"copytrade"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Positions   PositionsConfig   `yaml:"positions"`
	Sniper      SniperConfig      `yaml:"sniper"`
	AutoTrader  AutoTraderConfig  `yaml:"autotrader"`
	Scoring     ScoringConfig     `yaml:"scoring"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	Redis       RedisConfig       `yaml:"redis"`
	HTTP        HTTPConfig        `yaml:"http"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Supervisor  SupervisorConfig  `yaml:"supervisor"`
}

type GeneralConfig struct {
	InstanceID  string `yaml:"instance_id"`
	Environment string `yaml:"environment"` // production|staging|development
	DryRun      bool   `yaml:"dry_run"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // json|text
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
	UseMemory       bool          `yaml:"use_memory"` // dry runs only
}

type VaultConfig struct {
	KeyEnv     string `yaml:"key_env"` // name of the env var holding the base64 master key
	KeyVersion int    `yaml:"key_version"`
}

type RPCConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	WSEndpoint   string        `yaml:"ws_endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RateLimitRPS int           `yaml:"rate_limit_rps"`
}

type JupiterConfig struct {
	QuoteURL            string        `yaml:"quote_url"`
	SwapURL             string        `yaml:"swap_url"`
	PriceURL            string        `yaml:"price_url"`
	TokenURL            string        `yaml:"token_url"`
	Timeout             time.Duration `yaml:"timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	RetryBackoff        time.Duration `yaml:"retry_backoff"`
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`
	ConfirmPoll         time.Duration `yaml:"confirm_poll"`
	FeeAccount          string        `yaml:"fee_account"`
	DefaultSlippageBps  int           `yaml:"default_slippage_bps"`
	PriorityFeeLamports uint64        `yaml:"priority_fee_lamports"`
}

type JitoConfig struct {
	Enabled        bool    `yaml:"enabled"`
	BlockEngineURL string  `yaml:"block_engine_url"`
	TipSOL         float64 `yaml:"tip_sol"`
	TimeoutMs      int     `yaml:"timeout_ms"`
}

type SubmitterConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Endpoints      []string `yaml:"endpoints"`
	TimeoutMsOnAll int      `yaml:"timeout_ms_on_all"`
	SimulateFirst  bool     `yaml:"simulate_first"`
	SimTimeoutMs   int      `yaml:"sim_timeout_ms"`
	TopK           int      `yaml:"top_k"`
	LatencyWindow  int      `yaml:"latency_window"`
	UseBundleRelay bool     `yaml:"use_bundle_relay"`
}

type ProtectionConfig struct {
	MinLiquidityUSD    float64       `yaml:"min_liquidity_usd"`
	MaxTopHolderPct    float64       `yaml:"max_top_holder_pct"`
	TopHolders         int           `yaml:"top_holders"`
	SimulateSell       bool          `yaml:"simulate_sell"`
	ProbeWallet        string        `yaml:"probe_wallet"`
	RugCheckURL        string        `yaml:"rugcheck_url"`
	GoPlusURL          string        `yaml:"goplus_url"`
	AuxScoreURL        string        `yaml:"aux_score_url"`
	AuxScoreAPIKey     string        `yaml:"aux_score_api_key"`
	RugClassifierURL   string        `yaml:"rug_classifier_url"`
	ExternalTimeout    time.Duration `yaml:"external_timeout"`
	DexScreenerURL     string        `yaml:"dexscreener_url"`
	SuspicionThreshold int           `yaml:"suspicion_threshold"`
	RedisCache         bool          `yaml:"redis_cache"`
}

type WalletIntelConfig struct {
	Enabled         bool               `yaml:"enabled"`
	MaxSignatures   int                `yaml:"max_signatures"`
	RequestsPerSec  float64            `yaml:"requests_per_sec"`
	RefreshInterval time.Duration      `yaml:"refresh_interval"`
	Weights         WalletScoreWeights `yaml:"weights"`
}

// WalletScoreWeights are percentages and must sum to 100.
type WalletScoreWeights struct {
	WinRate      float64 `yaml:"win_rate"`
	ProfitFactor float64 `yaml:"profit_factor"`
	Consistency  float64 `yaml:"consistency"`
	Recent       float64 `yaml:"recent"`
	Volume       float64 `yaml:"volume"`
}

// Sum returns the total of all weights.
func (w WalletScoreWeights) Sum() float64 {
	return w.WinRate + w.ProfitFactor + w.Consistency + w.Recent + w.Volume
}

type DiscoveryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	PumpFunURL      string        `yaml:"pumpfun_url"`
	PumpFunPages    int           `yaml:"pumpfun_pages"`
	PumpFunPageSize int           `yaml:"pumpfun_page_size"`
	BirdeyeURL      string        `yaml:"birdeye_url"`
	BirdeyeAPIKey   string        `yaml:"birdeye_api_key"`
	DexScreenerURL  string        `yaml:"dexscreener_url"`
	OrdersEnabled   bool          `yaml:"orders_enabled"`
	BaseMints       []string      `yaml:"base_mints"`
	StreamURL       string        `yaml:"stream_url"`
	StreamEnabled   bool          `yaml:"stream_enabled"`
	SeenCapacity    int           `yaml:"seen_capacity"`
	SeenRetain      int           `yaml:"seen_retain"`
	QueueSize       int           `yaml:"queue_size"`
	RequestsPerSec  float64       `yaml:"requests_per_sec"`
}

type CopyTradeConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ScanInterval    time.Duration `yaml:"scan_interval"`
	SignaturesPer   int           `yaml:"signatures_per_wallet"`
	BatchSize       int           `yaml:"batch_size"`
	BatchPause      time.Duration `yaml:"batch_pause"`
	MaxSignatureAge time.Duration `yaml:"max_signature_age"`
	ParseCacheTTL   time.Duration `yaml:"parse_cache_ttl"`
	HeliusURL       string        `yaml:"helius_url"`
	HeliusAPIKey    string        `yaml:"helius_api_key"`
	QueueSize       int           `yaml:"queue_size"`
}

type ExecutorConfig struct {
	DefaultMode         string `yaml:"default_mode"` // standard|bundle
	TipLamports         uint64 `yaml:"tip_lamports"`
	PriorityFeeLamports uint64 `yaml:"priority_fee_lamports"`
	UseFastSubmitter    bool   `yaml:"use_fast_submitter"`
}

type PositionsConfig struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	TrailingStopPct float64       `yaml:"trailing_stop_pct"`
}

type SniperConfig struct {
	Enabled             bool          `yaml:"enabled"`
	MaxConcurrent       int           `yaml:"max_concurrent"`
	MinInterval         time.Duration `yaml:"min_interval"`
	MaxRiskScore        int           `yaml:"max_risk_score"`
	PriorityFeeLamports uint64        `yaml:"priority_fee_lamports"`
	TipLamports         uint64        `yaml:"tip_lamports"`
	WatchTimeout        time.Duration `yaml:"watch_timeout"`
	WatchPoll           time.Duration `yaml:"watch_poll"`
}

type AutoTraderConfig struct {
	Enabled      bool          `yaml:"enabled"`
	LoopInterval time.Duration `yaml:"loop_interval"`
	Mode         string        `yaml:"mode"` // standard|bundle
	QueueSize    int           `yaml:"queue_size"`
}

type ScoringConfig struct {
	Provider string        `yaml:"provider"` // heuristic|http
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	SchemaVersion string   `yaml:"schema_version"`
	TopicPrefix   string   `yaml:"topic_prefix"`
}

type ClickHouseConfig struct {
	Enabled       bool          `yaml:"enabled"`
	DSN           string        `yaml:"dsn"`
	Database      string        `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type MetricsConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Namespace      string        `yaml:"namespace"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

type SupervisorConfig struct {
	Backoff       time.Duration `yaml:"backoff"`
	EscalateAfter int           `yaml:"escalate_after"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// Validate checks configuration-fatal conditions.
func (c *Config) Validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("rpc.endpoint is required")
	}
	if u, err := url.Parse(c.RPC.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("rpc.endpoint %q is not a valid http(s) URL", c.RPC.Endpoint)
	}
	if !c.Database.UseMemory && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.UseMemory && !c.General.DryRun {
		return fmt.Errorf("database.use_memory is only allowed with general.dry_run")
	}
	if c.Vault.KeyEnv == "" {
		return fmt.Errorf("vault.key_env is required")
	}
	if sum := c.WalletIntel.Weights.Sum(); sum < 99.999 || sum > 100.001 {
		return fmt.Errorf("wallet_intel.weights must sum to 100, got %.2f", sum)
	}
	for _, m := range []string{c.Executor.DefaultMode, c.AutoTrader.Mode} {
		if m != "standard" && m != "bundle" {
			return fmt.Errorf("unknown execution mode %q", m)
		}
	}
	if c.Submitter.Enabled && len(c.Submitter.Endpoints) == 0 {
		return fmt.Errorf("submitter.endpoints required when submitter is enabled")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka is enabled")
	}
	if c.Scoring.Provider == "http" && c.Scoring.URL == "" {
		return fmt.Errorf("scoring.url required for http provider")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.InstanceID == "" {
		cfg.General.InstanceID = "tradecore-1"
	}
	if cfg.General.Environment == "" {
		cfg.General.Environment = "development"
	}
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.LogFormat == "" {
		cfg.General.LogFormat = "json"
	}

	if cfg.Database.MaxConns == 0 {
		cfg.Database.MaxConns = 10
	}
	if cfg.Vault.KeyEnv == "" {
		cfg.Vault.KeyEnv = "TRADECORE_MASTER_KEY"
	}
	if cfg.Vault.KeyVersion == 0 {
		cfg.Vault.KeyVersion = 1
	}

	if cfg.RPC.Endpoint == "" {
		cfg.RPC.Endpoint = "https://api.mainnet-beta.solana.com"
	}
	if cfg.RPC.Timeout == 0 {
		cfg.RPC.Timeout = 10 * time.Second
	}
	if cfg.RPC.MaxRetries == 0 {
		cfg.RPC.MaxRetries = 3
	}
	if cfg.RPC.RateLimitRPS == 0 {
		cfg.RPC.RateLimitRPS = 10
	}

	if cfg.Jupiter.QuoteURL == "" {
		cfg.Jupiter.QuoteURL = "https://quote-api.jup.ag/v6/quote"
	}
	if cfg.Jupiter.SwapURL == "" {
		cfg.Jupiter.SwapURL = "https://quote-api.jup.ag/v6/swap"
	}
	if cfg.Jupiter.PriceURL == "" {
		cfg.Jupiter.PriceURL = "https://price.jup.ag/v6/price"
	}
	if cfg.Jupiter.TokenURL == "" {
		cfg.Jupiter.TokenURL = "https://tokens.jup.ag/token"
	}
	if cfg.Jupiter.Timeout == 0 {
		cfg.Jupiter.Timeout = 10 * time.Second
	}
	if cfg.Jupiter.MaxRetries == 0 {
		cfg.Jupiter.MaxRetries = 3
	}
	if cfg.Jupiter.RetryBackoff == 0 {
		cfg.Jupiter.RetryBackoff = time.Second
	}
	if cfg.Jupiter.ConfirmTimeout == 0 {
		cfg.Jupiter.ConfirmTimeout = 60 * time.Second
	}
	if cfg.Jupiter.ConfirmPoll == 0 {
		cfg.Jupiter.ConfirmPoll = time.Second
	}
	if cfg.Jupiter.DefaultSlippageBps == 0 {
		cfg.Jupiter.DefaultSlippageBps = 100
	}

	if cfg.Jito.BlockEngineURL == "" {
		cfg.Jito.BlockEngineURL = "https://mainnet.block-engine.jito.wtf/api/v1"
	}
	if cfg.Jito.TipSOL == 0 {
		cfg.Jito.TipSOL = 0.0001
	}
	if cfg.Jito.TimeoutMs == 0 {
		cfg.Jito.TimeoutMs = 5000
	}

	if cfg.Submitter.TimeoutMsOnAll == 0 {
		cfg.Submitter.TimeoutMsOnAll = 1200
	}
	if cfg.Submitter.SimTimeoutMs == 0 {
		cfg.Submitter.SimTimeoutMs = 350
	}
	if cfg.Submitter.TopK == 0 {
		cfg.Submitter.TopK = 3
	}
	if cfg.Submitter.LatencyWindow == 0 {
		cfg.Submitter.LatencyWindow = 50
	}

	if cfg.Protection.MinLiquidityUSD == 0 {
		cfg.Protection.MinLiquidityUSD = 5000
	}
	if cfg.Protection.MaxTopHolderPct == 0 {
		cfg.Protection.MaxTopHolderPct = 30
	}
	if cfg.Protection.TopHolders == 0 {
		cfg.Protection.TopHolders = 10
	}
	if cfg.Protection.ExternalTimeout == 0 {
		cfg.Protection.ExternalTimeout = 5 * time.Second
	}
	if cfg.Protection.DexScreenerURL == "" {
		cfg.Protection.DexScreenerURL = "https://api.dexscreener.com"
	}
	if cfg.Protection.SuspicionThreshold == 0 {
		cfg.Protection.SuspicionThreshold = 60
	}

	if cfg.WalletIntel.MaxSignatures == 0 {
		cfg.WalletIntel.MaxSignatures = 1000
	}
	if cfg.WalletIntel.RequestsPerSec == 0 {
		cfg.WalletIntel.RequestsPerSec = 5
	}
	if cfg.WalletIntel.RefreshInterval == 0 {
		cfg.WalletIntel.RefreshInterval = 6 * time.Hour
	}
	if cfg.WalletIntel.Weights.Sum() == 0 {
		cfg.WalletIntel.Weights = WalletScoreWeights{WinRate: 30, ProfitFactor: 25, Consistency: 20, Recent: 15, Volume: 10}
	}

	if cfg.Discovery.PollInterval == 0 {
		cfg.Discovery.PollInterval = 10 * time.Second
	}
	if cfg.Discovery.PumpFunURL == "" {
		cfg.Discovery.PumpFunURL = "https://frontend-api.pump.fun"
	}
	if cfg.Discovery.PumpFunPages == 0 {
		cfg.Discovery.PumpFunPages = 2
	}
	if cfg.Discovery.PumpFunPageSize == 0 {
		cfg.Discovery.PumpFunPageSize = 50
	}
	if cfg.Discovery.BirdeyeURL == "" {
		cfg.Discovery.BirdeyeURL = "https://public-api.birdeye.so"
	}
	if cfg.Discovery.DexScreenerURL == "" {
		cfg.Discovery.DexScreenerURL = "https://api.dexscreener.com"
	}
	if len(cfg.Discovery.BaseMints) == 0 {
		cfg.Discovery.BaseMints = []string{
			"So11111111111111111111111111111111111111112",  // wSOL
			"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", // USDC
			"Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB", // USDT
			"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN",  // JUP
			"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", // BONK
		}
	}
	if cfg.Discovery.StreamURL == "" {
		cfg.Discovery.StreamURL = "wss://pumpportal.fun/api/data"
	}
	if cfg.Discovery.SeenCapacity == 0 {
		cfg.Discovery.SeenCapacity = 1000
	}
	if cfg.Discovery.SeenRetain == 0 {
		cfg.Discovery.SeenRetain = 500
	}
	if cfg.Discovery.QueueSize == 0 {
		cfg.Discovery.QueueSize = 256
	}
	if cfg.Discovery.RequestsPerSec == 0 {
		cfg.Discovery.RequestsPerSec = 4
	}

	if cfg.CopyTrade.ScanInterval == 0 {
		cfg.CopyTrade.ScanInterval = 30 * time.Second
	}
	if cfg.CopyTrade.SignaturesPer == 0 {
		cfg.CopyTrade.SignaturesPer = 3
	}
	if cfg.CopyTrade.BatchSize == 0 {
		cfg.CopyTrade.BatchSize = 20
	}
	if cfg.CopyTrade.BatchPause == 0 {
		cfg.CopyTrade.BatchPause = 50 * time.Millisecond
	}
	if cfg.CopyTrade.MaxSignatureAge == 0 {
		cfg.CopyTrade.MaxSignatureAge = 5 * time.Minute
	}
	if cfg.CopyTrade.ParseCacheTTL == 0 {
		cfg.CopyTrade.ParseCacheTTL = 10 * time.Minute
	}
	if cfg.CopyTrade.QueueSize == 0 {
		cfg.CopyTrade.QueueSize = 128
	}

	if cfg.Executor.DefaultMode == "" {
		cfg.Executor.DefaultMode = "standard"
	}
	if cfg.Executor.TipLamports == 0 {
		cfg.Executor.TipLamports = 100_000
	}

	if cfg.Positions.CheckInterval == 0 {
		cfg.Positions.CheckInterval = 30 * time.Second
	}
	if cfg.Positions.TrailingStopPct == 0 {
		cfg.Positions.TrailingStopPct = 0.10
	}

	if cfg.Sniper.MaxConcurrent == 0 {
		cfg.Sniper.MaxConcurrent = 16
	}
	if cfg.Sniper.MinInterval == 0 {
		cfg.Sniper.MinInterval = 60 * time.Second
	}
	if cfg.Sniper.MaxRiskScore == 0 {
		cfg.Sniper.MaxRiskScore = 70
	}
	if cfg.Sniper.TipLamports == 0 {
		cfg.Sniper.TipLamports = 200_000
	}
	if cfg.Sniper.WatchTimeout == 0 {
		cfg.Sniper.WatchTimeout = 10 * time.Minute
	}
	if cfg.Sniper.WatchPoll == 0 {
		cfg.Sniper.WatchPoll = time.Second
	}

	if cfg.AutoTrader.LoopInterval == 0 {
		cfg.AutoTrader.LoopInterval = 30 * time.Second
	}
	if cfg.AutoTrader.Mode == "" {
		cfg.AutoTrader.Mode = "standard"
	}
	if cfg.AutoTrader.QueueSize == 0 {
		cfg.AutoTrader.QueueSize = 64
	}

	if cfg.Scoring.Provider == "" {
		cfg.Scoring.Provider = "heuristic"
	}
	if cfg.Scoring.Timeout == 0 {
		cfg.Scoring.Timeout = 10 * time.Second
	}

	if len(cfg.Kafka.Brokers) == 0 {
		cfg.Kafka.Brokers = []string{"localhost:9092"}
	}
	if cfg.Kafka.SchemaVersion == "" {
		cfg.Kafka.SchemaVersion = "1.0.0"
	}
	if cfg.Kafka.TopicPrefix == "" {
		cfg.Kafka.TopicPrefix = "tradecore"
	}

	if cfg.ClickHouse.DSN == "" {
		cfg.ClickHouse.DSN = "clickhouse://localhost:9000/tradecore"
	}
	if cfg.ClickHouse.Database == "" {
		cfg.ClickHouse.Database = "tradecore"
	}
	if cfg.ClickHouse.BatchSize == 0 {
		cfg.ClickHouse.BatchSize = 500
	}
	if cfg.ClickHouse.FlushInterval == 0 {
		cfg.ClickHouse.FlushInterval = 5 * time.Second
	}

	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "tradecore:"
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8090"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "tradecore"
	}
	if cfg.Metrics.HealthInterval == 0 {
		cfg.Metrics.HealthInterval = 15 * time.Second
	}
	if cfg.Supervisor.Backoff == 0 {
		cfg.Supervisor.Backoff = 30 * time.Second
	}
	if cfg.Supervisor.EscalateAfter == 0 {
		cfg.Supervisor.EscalateAfter = 3
	}
}
