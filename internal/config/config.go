package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	basecfg "github.com/CheetahExchange/gitbitex-new/libs/config"
)

type KafkaTopics struct {
	Commands   string `mapstructure:"commands"`
	Accounts   string `mapstructure:"accounts"`
	Orders     string `mapstructure:"orders"`
	Trades     string `mapstructure:"trades"`
	DeadLetter string `mapstructure:"dead_letter"`
}

type KafkaConfig struct {
	Brokers       []string    `mapstructure:"brokers"`
	ConsumerGroup string      `mapstructure:"consumer_group"`
	Topics        KafkaTopics `mapstructure:"topics"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StoreConfig struct {
	Dir string `mapstructure:"dir"`
}

type EngineConfig struct {
	PendingQueueSize   int           `mapstructure:"pending_queue_size"`
	PublishWorkers     int           `mapstructure:"publish_workers"`
	PublishQueue       int           `mapstructure:"publish_queue"`
	DrainInterval      time.Duration `mapstructure:"drain_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
	L2PublishInterval  time.Duration `mapstructure:"l2_publish_interval"`
	L2Depth            int           `mapstructure:"l2_depth"`
	L2SequenceGap      uint64        `mapstructure:"l2_sequence_gap"`
}

// Config is the full matching service configuration: the shared application
// base plus the engine's own dependencies.
type Config struct {
	App    *basecfg.AppConfig
	Kafka  KafkaConfig  `mapstructure:"kafka"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Store  StoreConfig  `mapstructure:"store"`
	Engine EngineConfig `mapstructure:"engine"`
}

func Load(path string) (*Config, error) {
	app, err := basecfg.Load(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("GBX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{App: app}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if c.Kafka.Topics.Commands == "" {
		return fmt.Errorf("kafka.topics.commands is required")
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("store.dir is required")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.consumer_group", "matching-engine")
	v.SetDefault("kafka.topics.commands", "matching_commands")
	v.SetDefault("kafka.topics.accounts", "matching_accounts")
	v.SetDefault("kafka.topics.orders", "matching_orders")
	v.SetDefault("kafka.topics.trades", "matching_trades")
	v.SetDefault("kafka.topics.dead_letter", "matching_dlq")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("store.dir", "data/matching")
	v.SetDefault("engine.pending_queue_size", 100000)
	v.SetDefault("engine.publish_workers", 4)
	v.SetDefault("engine.publish_queue", 4096)
	v.SetDefault("engine.drain_interval", "100ms")
	v.SetDefault("engine.checkpoint_interval", "5s")
	v.SetDefault("engine.l2_publish_interval", "1s")
	v.SetDefault("engine.l2_depth", 50)
	v.SetDefault("engine.l2_sequence_gap", 500)
}
