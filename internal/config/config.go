package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	MinIO     MinIOConfig     `yaml:"minio"`
	Queue     QueueConfig     `yaml:"queue"`
	Stream    StreamConfig    `yaml:"stream"`
	Server    ServerConfig    `yaml:"server"`
	Peer      PeerConfig      `yaml:"peer"`
	Migration MigrationConfig `yaml:"migration"`
}

type PostgresConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int32  `yaml:"max_conns"`
	MinConns int32  `yaml:"min_conns"`
}

func (c PostgresConfig) DSN() string {
	sslmode := c.SSLMode
	if sslmode == "" {
		sslmode = "disable"
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     c.Database,
		RawQuery: fmt.Sprintf("sslmode=%s", sslmode),
	}
	return u.String()
}

type RedisConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type MinIOConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
}

// QueueConfig controls the relay's delivery queue. A negative
// retry_backoff_ms retries without pausing; rate_interval_ms of zero
// disables rate limiting.
type QueueConfig struct {
	MaxAttempts    int    `yaml:"max_attempts"`
	RetryBackoffMs int    `yaml:"retry_backoff_ms"`
	Device         string `yaml:"device"`
	RateIntervalMs int    `yaml:"rate_interval_ms"`
	Inject         *bool  `yaml:"inject"`
}

func (c QueueConfig) RetryBackoff() time.Duration {
	if c.RetryBackoffMs < 0 {
		return 0
	}
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

func (c QueueConfig) RateInterval() time.Duration {
	return time.Duration(c.RateIntervalMs) * time.Millisecond
}

type StreamConfig struct {
	Attempts    string `yaml:"attempts"`
	Replies     string `yaml:"replies"`
	DeadLetters string `yaml:"dead_letters"`
	Group       string `yaml:"group"`
	BlockMs     int    `yaml:"block_ms"`
}

func (c StreamConfig) Block() time.Duration {
	return time.Duration(c.BlockMs) * time.Millisecond
}

type ServerConfig struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ReadTimeoutSecs  int    `yaml:"read_timeout_secs"`
	WriteTimeoutSecs int    `yaml:"write_timeout_secs"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type PeerConfig struct {
	Name          string  `yaml:"name"`
	Workers       int     `yaml:"workers"`
	PrefetchCount int     `yaml:"prefetch_count"`
	RejectRatio   float64 `yaml:"reject_ratio"`
}

type MigrationConfig struct {
	Path string `yaml:"path"`
}

const (
	defaultPostgresHost     = "localhost"
	defaultPostgresPort     = 5432
	defaultPostgresUser     = "appmsg"
	defaultPostgresDB       = "appmsg"
	defaultPostgresMaxConns = 10
	defaultRedisHost        = "localhost"
	defaultRedisPort        = 6379
	defaultRedisPoolSize    = 20
	defaultRedisMinIdle     = 2
	defaultMinIOEndpoint    = "localhost:9000"
	defaultMinIOBucket      = "appmsg-deadletters"
	defaultMaxAttempts      = 5
	defaultRetryBackoffMs   = 200
	defaultDevice           = "default"
	defaultAttemptStream    = "stream:appmessage"
	defaultReplyStream      = "stream:appmessage:replies"
	defaultDeadLetterStream = "stream:appmessage:dlq"
	defaultPeerGroup        = "appmessage-peers"
	defaultBlockMs          = 5000
	defaultServerHost       = "0.0.0.0"
	defaultServerPort       = 8080
	defaultServerTimeout    = 10
	defaultPeerName         = "peer-1"
	defaultPeerWorkers      = 1
	defaultPrefetchCount    = 10
	defaultMigrationPath    = "file://internal/database/migrations"
)

func LoadFromEnv() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Postgres.Enabled == nil {
		c.Postgres.Enabled = boolPtr(true)
	}
	if c.Postgres.Host == "" {
		c.Postgres.Host = defaultPostgresHost
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = defaultPostgresPort
	}
	if c.Postgres.User == "" {
		c.Postgres.User = defaultPostgresUser
	}
	if c.Postgres.Database == "" {
		c.Postgres.Database = defaultPostgresDB
	}
	if c.Postgres.MaxConns == 0 {
		c.Postgres.MaxConns = defaultPostgresMaxConns
	}
	if c.Redis.Host == "" {
		c.Redis.Host = defaultRedisHost
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = defaultRedisPort
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = defaultRedisPoolSize
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = defaultRedisMinIdle
	}
	if c.MinIO.Enabled == nil {
		c.MinIO.Enabled = boolPtr(true)
	}
	if c.MinIO.Endpoint == "" {
		c.MinIO.Endpoint = defaultMinIOEndpoint
	}
	if c.MinIO.Bucket == "" {
		c.MinIO.Bucket = defaultMinIOBucket
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = defaultMaxAttempts
	}
	if c.Queue.RetryBackoffMs == 0 {
		c.Queue.RetryBackoffMs = defaultRetryBackoffMs
	}
	if c.Queue.Device == "" {
		c.Queue.Device = defaultDevice
	}
	if c.Queue.Inject == nil {
		c.Queue.Inject = boolPtr(true)
	}
	if c.Stream.Attempts == "" {
		c.Stream.Attempts = defaultAttemptStream
	}
	if c.Stream.Replies == "" {
		c.Stream.Replies = defaultReplyStream
	}
	if c.Stream.DeadLetters == "" {
		c.Stream.DeadLetters = defaultDeadLetterStream
	}
	if c.Stream.Group == "" {
		c.Stream.Group = defaultPeerGroup
	}
	if c.Stream.BlockMs == 0 {
		c.Stream.BlockMs = defaultBlockMs
	}
	if c.Server.Host == "" {
		c.Server.Host = defaultServerHost
	}
	if c.Server.Port == 0 {
		c.Server.Port = defaultServerPort
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = defaultServerTimeout
	}
	if c.Server.WriteTimeoutSecs == 0 {
		c.Server.WriteTimeoutSecs = defaultServerTimeout
	}
	if c.Peer.Name == "" {
		c.Peer.Name = defaultPeerName
	}
	if c.Peer.Workers == 0 {
		c.Peer.Workers = defaultPeerWorkers
	}
	if c.Peer.PrefetchCount == 0 {
		c.Peer.PrefetchCount = defaultPrefetchCount
	}
	if c.Migration.Path == "" {
		c.Migration.Path = defaultMigrationPath
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("POSTGRES_ENABLED"); v != "" {
		c.Postgres.Enabled = boolPtr(strings.EqualFold(v, "true"))
	}
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		c.Postgres.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Postgres.Port = p
		}
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		c.Postgres.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		c.Postgres.Database = v
	}
	if v := os.Getenv("POSTGRES_SSLMODE"); v != "" {
		c.Postgres.SSLMode = v
	}
	if v := os.Getenv("REDIS_HOST"); v != "" {
		c.Redis.Host = v
	}
	if v := os.Getenv("REDIS_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Redis.Port = p
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("MINIO_ENABLED"); v != "" {
		c.MinIO.Enabled = boolPtr(strings.EqualFold(v, "true"))
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		c.MinIO.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		c.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		c.MinIO.SecretKey = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		c.MinIO.UseSSL = strings.EqualFold(v, "true")
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		c.MinIO.Bucket = v
	}
	if v := os.Getenv("QUEUE_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxAttempts = n
		}
	}
	if v := os.Getenv("QUEUE_RETRY_BACKOFF_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.RetryBackoffMs = n
		}
	}
	if v := os.Getenv("QUEUE_DEVICE"); v != "" {
		c.Queue.Device = v
	}
	if v := os.Getenv("QUEUE_RATE_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.RateIntervalMs = n
		}
	}
	if v := os.Getenv("QUEUE_INJECT"); v != "" {
		c.Queue.Inject = boolPtr(strings.EqualFold(v, "true"))
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("PEER_NAME"); v != "" {
		c.Peer.Name = v
	}
	if v := os.Getenv("PEER_WORKERS"); v != "" {
		if w, err := strconv.Atoi(v); err == nil {
			c.Peer.Workers = w
		}
	}
	if v := os.Getenv("PEER_REJECT_RATIO"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			c.Peer.RejectRatio = r
		}
	}
	if v := os.Getenv("MIGRATION_PATH"); v != "" {
		c.Migration.Path = v
	}
}

func boolPtr(b bool) *bool {
	return &b
}
