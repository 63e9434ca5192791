// Package config loads the tradecore configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/creatureworld/tradecore/internal/fraud"
	"github.com/creatureworld/tradecore/internal/network"
)

// Config is the application configuration.
type Config struct {
	Server struct {
		Host string `yaml:"host" mapstructure:"host"`
		Port int    `yaml:"port" mapstructure:"port"`
	} `yaml:"server" mapstructure:"server"`

	Database struct {
		DSN             string `yaml:"dsn" mapstructure:"dsn"`
		MaxOpenConns    int    `yaml:"max_open_conns" mapstructure:"max_open_conns"`
		MaxIdleConns    int    `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
		ConnMaxLifetime int    `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"` // seconds
	} `yaml:"database" mapstructure:"database"`

	Redis struct {
		// Address empty selects the in-memory store (single node, tests).
		Address  string `yaml:"address" mapstructure:"address"`
		Password string `yaml:"password" mapstructure:"password"`
		DB       int    `yaml:"db" mapstructure:"db"`
	} `yaml:"redis" mapstructure:"redis"`

	Kafka struct {
		Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
		Brokers []string `yaml:"brokers" mapstructure:"brokers"`
		Topic   string   `yaml:"topic" mapstructure:"topic"`
	} `yaml:"kafka" mapstructure:"kafka"`

	Trade struct {
		SessionTTL    time.Duration `yaml:"session_ttl" mapstructure:"session_ttl"`
		LockTTL       time.Duration `yaml:"lock_ttl" mapstructure:"lock_ttl"`
		GraphCacheTTL time.Duration `yaml:"graph_cache_ttl" mapstructure:"graph_cache_ttl"`
		TokenValue    float64       `yaml:"token_value" mapstructure:"token_value"`
	} `yaml:"trade" mapstructure:"trade"`

	Risk      network.RiskConfig      `yaml:"risk" mapstructure:"risk"`
	Detection network.DetectionConfig `yaml:"detection" mapstructure:"detection"`
	Fraud     fraud.GateConfig        `yaml:"fraud" mapstructure:"fraud"`
}

// Load reads configuration from the given file (optional) with environment
// overrides under the TRADECORE_ prefix.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("TRADECORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)

	v.SetDefault("redis.address", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "trade.events")

	v.SetDefault("trade.session_ttl", 30*time.Minute)
	v.SetDefault("trade.lock_ttl", 5*time.Minute)
	v.SetDefault("trade.graph_cache_ttl", 10*time.Minute)
	v.SetDefault("trade.token_value", 1000)

	risk := network.DefaultRiskConfig()
	v.SetDefault("risk.imbalance_weight", risk.ImbalanceWeight)
	v.SetDefault("risk.frequency_weight", risk.FrequencyWeight)
	v.SetDefault("risk.youth_weight", risk.YouthWeight)
	v.SetDefault("risk.alt_pair_imbalance", risk.AltPairImbalance)
	v.SetDefault("risk.rmt_imbalance", risk.RMTImbalance)
	v.SetDefault("risk.newbie_age_days", risk.NewbieAgeDays)
	v.SetDefault("risk.young_account_days", risk.YoungAccountDays)
	v.SetDefault("risk.high_frequency_trades", risk.HighFrequencyTrades)

	det := network.DefaultDetectionConfig()
	v.SetDefault("detection.funnel_min_sources", det.FunnelMinSources)
	v.SetDefault("detection.funnel_high_value", det.FunnelHighValue)
	v.SetDefault("detection.funnel_many_sources", det.FunnelManySources)
	v.SetDefault("detection.funnel_low_avg_value", det.FunnelLowAvgValue)
	v.SetDefault("detection.funnel_score_threshold", det.FunnelScoreThreshold)
	v.SetDefault("detection.high_imbalance_ratio", det.HighImbalanceRatio)
	v.SetDefault("detection.young_account_days", det.YoungAccountDays)
	v.SetDefault("detection.min_cluster_size", det.MinClusterSize)
	v.SetDefault("detection.cluster_creation_span_days", det.ClusterCreationSpan)
	v.SetDefault("detection.cluster_internal_ratio", det.ClusterInternalRatio)
	v.SetDefault("detection.cluster_regularity_cv", det.ClusterRegularityCV)
	v.SetDefault("detection.cluster_score_threshold", det.ClusterScoreThreshold)
	v.SetDefault("detection.max_path_length", det.MaxPathLength)
	v.SetDefault("detection.circular_span_hours", det.CircularSpanHours)
	v.SetDefault("detection.circular_high_value", det.CircularHighValue)
	v.SetDefault("detection.circular_score_threshold", det.CircularScoreThreshold)
	v.SetDefault("detection.risk_edge_threshold", det.RiskEdgeThreshold)

	gate := fraud.DefaultGateConfig()
	v.SetDefault("fraud.block_threshold", gate.BlockThreshold)
	v.SetDefault("fraud.enable_pattern_check", gate.EnablePatternCheck)
	v.SetDefault("fraud.hops", gate.Hops)
	v.SetDefault("fraud.window_days", gate.WindowDays)
}
