// Package sink hosts one deployment instance: the source consumer
// feeding the file writer, the worker agent, and, while this instance
// holds the coordinator role, the commit coordinator.
package sink

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ankurbansal-tradedoubler/iceberg/events"
)

type Config struct {
	GroupID string            `mapstructure:"group_id"`
	Kafka   KafkaConfig       `mapstructure:"kafka"`
	Control ControlConfig     `mapstructure:"control"`
	Routes  map[string]string `mapstructure:"routes"`
	Commit  CommitConfig      `mapstructure:"commit"`
	Catalog CatalogConfig     `mapstructure:"catalog"`
	Writer  WriterConfig      `mapstructure:"writer"`
	Etcd    EtcdConfig        `mapstructure:"etcd"`
	Logging LoggingConfig     `mapstructure:"logging"`
}

// KafkaConfig names the source cluster, topics and consumer group. The
// consumer group doubles as the coordinator's completeness target: the
// partitions its members hold are the partitions a round waits for.
type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	Topics        []string `mapstructure:"topics"`
	ConsumerGroup string   `mapstructure:"consumer_group"`
	ClientID      string   `mapstructure:"client_id"`
	PollRecords   int      `mapstructure:"poll_records"`
}

type ControlConfig struct {
	Topic string `mapstructure:"topic"`
}

type CommitConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CatalogTimeout  time.Duration `mapstructure:"catalog_timeout"`
	ConflictRetries int           `mapstructure:"conflict_retries"`
}

type CatalogConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

// WriterConfig picks the file backend. "local" writes under LocalRoot,
// "s3" puts objects into S3Bucket below S3Prefix.
type WriterConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalRoot string `mapstructure:"local_root"`
	S3Bucket  string `mapstructure:"s3_bucket"`
	S3Prefix  string `mapstructure:"s3_prefix"`
}

// EtcdConfig configures leader election. With no endpoints the
// instance runs standalone and always holds the coordinator role.
type EtcdConfig struct {
	Endpoints  []string `mapstructure:"endpoints"`
	SessionTTL int      `mapstructure:"session_ttl_seconds"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("iceberg_sink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("control.topic", "iceberg-control")
	v.SetDefault("kafka.poll_records", 512)
	v.SetDefault("commit.interval", "60s")
	v.SetDefault("commit.timeout", "30s")
	v.SetDefault("commit.catalog_timeout", "10s")
	v.SetDefault("commit.conflict_retries", 4)
	v.SetDefault("writer.backend", "local")
	v.SetDefault("writer.local_root", "./data")
	v.SetDefault("etcd.session_ttl_seconds", 30)
	v.SetDefault("logging.level", "info")
}

func (c Config) Validate() error {
	if c.GroupID == "" {
		return fmt.Errorf("group_id is required")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required")
	}
	if len(c.Kafka.Topics) == 0 {
		return fmt.Errorf("kafka.topics is required")
	}
	if c.Kafka.ConsumerGroup == "" {
		return fmt.Errorf("kafka.consumer_group is required")
	}
	if c.Control.Topic == "" {
		return fmt.Errorf("control.topic is required")
	}
	if c.Catalog.Endpoint == "" {
		return fmt.Errorf("catalog.endpoint is required")
	}
	for _, topic := range c.Kafka.Topics {
		route, ok := c.Routes[topic]
		if !ok {
			return fmt.Errorf("routes: no table for topic %q", topic)
		}
		if _, err := events.ParseTableName(route); err != nil {
			return fmt.Errorf("routes: topic %q: %w", topic, err)
		}
	}
	switch c.Writer.Backend {
	case "local":
		if c.Writer.LocalRoot == "" {
			return fmt.Errorf("writer.local_root is required for the local backend")
		}
	case "s3":
		if c.Writer.S3Bucket == "" {
			return fmt.Errorf("writer.s3_bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("writer.backend must be local or s3, got %q", c.Writer.Backend)
	}
	if c.Commit.Interval <= 0 || c.Commit.Timeout <= 0 || c.Commit.CatalogTimeout <= 0 {
		return fmt.Errorf("commit intervals must be positive")
	}
	if c.Commit.ConflictRetries < 0 {
		return fmt.Errorf("commit.conflict_retries must not be negative")
	}
	return nil
}

// tableRoutes resolves the configured routes for the consumed topics.
func (c Config) tableRoutes() (map[string]events.TableName, error) {
	routes := make(map[string]events.TableName, len(c.Kafka.Topics))
	for _, topic := range c.Kafka.Topics {
		table, err := events.ParseTableName(c.Routes[topic])
		if err != nil {
			return nil, fmt.Errorf("routes: topic %q: %w", topic, err)
		}
		routes[topic] = table
	}
	return routes, nil
}

// tables lists the distinct destination tables, sorted.
func (c Config) tables() ([]events.TableName, error) {
	routes, err := c.tableRoutes()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]events.TableName)
	for _, table := range routes {
		seen[table.String()] = table
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]events.TableName, 0, len(keys))
	for _, k := range keys {
		out = append(out, seen[k])
	}
	return out, nil
}
