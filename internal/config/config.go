package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/npezzotti/go-chatgateway/internal/logger"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Auth      AuthConfig
	Database  DatabaseConfig
	NATS      NATSConfig `mapstructure:"nats"`
	Kafka     KafkaConfig
	Redis     RedisConfig
	Gateway   GatewayConfig
	Log       logger.Config
}

type ServerConfig struct {
	Addr           string
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
}

type AuthConfig struct {
	// SigningSecret is the base64 encoded HS256 key used for the local token check.
	SigningSecret string `mapstructure:"signing_secret"`
	SigningKey    []byte `mapstructure:"-"`
}

type DatabaseConfig struct {
	DSN string
}

type NATSConfig struct {
	URL            string
	Name           string
	SubjectPrefix  string        `mapstructure:"subject_prefix"`
	RelaySubject   string        `mapstructure:"relay_subject"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type KafkaConfig struct {
	Brokers    []string
	PushTopic  string `mapstructure:"push_topic"`
	IndexTopic string `mapstructure:"index_topic"`
}

type RedisConfig struct {
	// Address is optional, the authorization cache is disabled when empty.
	Address   string
	Password  string
	DB        int
	KeyPrefix string        `mapstructure:"key_prefix"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type GatewayConfig struct {
	HandlerTimeout     time.Duration `mapstructure:"handler_timeout"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	TypingTimeout      time.Duration `mapstructure:"typing_timeout"`
	DedupTokensPerUser int           `mapstructure:"dedup_tokens_per_user"`
	RecoveryLimit      int           `mapstructure:"recovery_limit"`
	RegistryShards     int           `mapstructure:"registry_shards"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "localhost:8000")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("server.shutdown_grace", "10s")
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 4096)
	v.SetDefault("websocket.send_buffer", 256)
	v.SetDefault("auth.signing_secret", "")
	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable")
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "chat-gateway")
	v.SetDefault("nats.subject_prefix", "chat.rpc")
	v.SetDefault("nats.relay_subject", "chat.events.>")
	v.SetDefault("nats.request_timeout", "3s")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.push_topic", "chat.push")
	v.SetDefault("kafka.index_topic", "chat.search-index")
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "chat:graph")
	v.SetDefault("redis.cache_ttl", "30s")
	v.SetDefault("gateway.handler_timeout", "10s")
	v.SetDefault("gateway.handshake_timeout", "5s")
	v.SetDefault("gateway.typing_timeout", "5s")
	v.SetDefault("gateway.dedup_tokens_per_user", 1024)
	v.SetDefault("gateway.recovery_limit", 100)
	v.SetDefault("gateway.registry_shards", 32)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "chat-gateway")
}

// Load reads config.yaml from path (when present), applies defaults and CHAT_*
// environment overrides, then validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.AddConfigPath(".")

	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

// Validate checks required settings and decodes the signing key.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server address cannot be empty")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN cannot be empty")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats url cannot be empty")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka brokers cannot be empty")
	}
	if c.Auth.SigningSecret == "" {
		return fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(c.Auth.SigningSecret)
	if err != nil {
		return fmt.Errorf("decode signing secret: %w", err)
	}
	c.Auth.SigningKey = signingKey

	if c.Gateway.HandlerTimeout <= 0 || c.Gateway.HandshakeTimeout <= 0 || c.Gateway.TypingTimeout <= 0 {
		return fmt.Errorf("gateway timeouts must be positive")
	}
	if c.Gateway.DedupTokensPerUser <= 0 {
		return fmt.Errorf("dedup tokens per user must be positive")
	}
	if c.Gateway.RecoveryLimit <= 0 {
		return fmt.Errorf("recovery limit must be positive")
	}

	return nil
}
