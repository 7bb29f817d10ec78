package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const (
	BusRedis = "redis"
	BusNats  = "nats"
)

type Config struct {
	ServerAddr     string
	AllowedOrigins []string
	DatabaseDSN    string
	SigningKey     []byte

	Migrate       bool
	MigrationsURL string

	BusDriver     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	NatsURL       string

	InstanceId string

	FallbackDedupeTTL   time.Duration
	ParticipantsTTL     time.Duration
	ParticipantsSize    int
	PushEndpoint        string
	PushAccessToken     string
	LogLevel            string
	LogDevelopment      bool
	FallbackConcurrency int
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	// Decode the base64 encoded signing secret
	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		ServerAddr:     serverAddr,
		AllowedOrigins: allowedOrigins,
		DatabaseDSN:    databaseDSN,
		SigningKey:     signingKey,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.migrations", "file://migrations")
	v.SetDefault("bus.driver", BusRedis)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("fallback.dedupe_ttl", 10*time.Minute)
	v.SetDefault("fallback.concurrency", 8)
	v.SetDefault("cache.participants_ttl", 30*time.Second)
	v.SetDefault("cache.participants_size", 1024)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Load reads configuration from path, when given, and from RELAY_*
// environment variables, which take precedence. database.dsn becomes
// RELAY_DATABASE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg, err := NewConfig(
		v.GetString("server.addr"),
		v.GetString("database.dsn"),
		v.GetString("auth.signing_key"),
		v.GetStringSlice("server.allowed_origins"),
	)
	if err != nil {
		return nil, err
	}

	cfg.Migrate = v.GetBool("database.migrate")
	cfg.MigrationsURL = v.GetString("database.migrations")

	cfg.BusDriver = v.GetString("bus.driver")
	switch cfg.BusDriver {
	case BusRedis, BusNats:
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
	cfg.RedisAddr = v.GetString("redis.addr")
	cfg.RedisPassword = v.GetString("redis.password")
	cfg.RedisDB = v.GetInt("redis.db")
	cfg.NatsURL = v.GetString("nats.url")

	cfg.InstanceId = v.GetString("instance.id")
	if cfg.InstanceId == "" {
		cfg.InstanceId = uuid.NewString()
	}

	cfg.FallbackDedupeTTL = v.GetDuration("fallback.dedupe_ttl")
	cfg.FallbackConcurrency = v.GetInt("fallback.concurrency")
	cfg.ParticipantsTTL = v.GetDuration("cache.participants_ttl")
	cfg.ParticipantsSize = v.GetInt("cache.participants_size")
	cfg.PushEndpoint = v.GetString("push.endpoint")
	cfg.PushAccessToken = v.GetString("push.access_token")
	cfg.LogLevel = v.GetString("log.level")
	cfg.LogDevelopment = v.GetBool("log.development")

	return cfg, nil
}
