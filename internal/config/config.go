package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/npezzotti/go-collab/internal/logger"
	"github.com/spf13/viper"
)

const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendMemory   = "memory"

	PolicyConnection = "connection"
	PolicyUser       = "user"
)

type Config struct {
	ServerAddr     string
	AllowedOrigins []string
	SigningKey     []byte
	Storage        StorageConfig
	Collab         CollabConfig
	Log            logger.Config
}

type StorageConfig struct {
	Backend       string `mapstructure:"backend"`
	DSN           string `mapstructure:"dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Migrate       bool   `mapstructure:"migrate"`
}

type CollabConfig struct {
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	BroadcastPolicy   string        `mapstructure:"broadcast_policy"`
}

// Settings mirrors the on-disk and environment layout before validation.
type Settings struct {
	Server struct {
		Addr           string   `mapstructure:"addr"`
		AllowedOrigins []string `mapstructure:"allowed_origins"`
	} `mapstructure:"server"`
	Auth struct {
		SigningKey string `mapstructure:"signing_key"`
	} `mapstructure:"auth"`
	Storage StorageConfig `mapstructure:"storage"`
	Collab  CollabConfig  `mapstructure:"collab"`
	Log     logger.Config `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "localhost:8000")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("auth.signing_key", "")
	v.SetDefault("storage.backend", BackendPostgres)
	v.SetDefault("storage.dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable")
	v.SetDefault("storage.redis_addr", "localhost:6379")
	v.SetDefault("storage.redis_password", "")
	v.SetDefault("storage.redis_db", 0)
	v.SetDefault("storage.migrate", true)
	v.SetDefault("collab.flush_interval", "5s")
	v.SetDefault("collab.heartbeat_interval", "30s")
	v.SetDefault("collab.write_wait", "10s")
	v.SetDefault("collab.max_message_size", 1<<20)
	v.SetDefault("collab.broadcast_policy", PolicyConnection)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads configuration from an optional YAML file and COLLAB_* environment
// variables. A .env file in the working directory is loaded first if present.
func Load(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("collab")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var fc Settings
	if err := v.Unmarshal(&fc); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return NewConfig(fc)
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(fc Settings) (*Config, error) {
	if fc.Server.Addr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if fc.Auth.SigningKey == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(fc.Auth.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	switch fc.Storage.Backend {
	case BackendPostgres, BackendSQLite:
		if fc.Storage.DSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty for %s backend", fc.Storage.Backend)
		}
	case BackendRedis:
		if fc.Storage.RedisAddr == "" {
			return nil, fmt.Errorf("redis address cannot be empty")
		}
		if fc.Storage.DSN == "" {
			return nil, fmt.Errorf("database DSN cannot be empty, chat messages are stored in postgres")
		}
	case BackendMemory:
	default:
		return nil, fmt.Errorf("unknown storage backend %q", fc.Storage.Backend)
	}

	if fc.Collab.FlushInterval <= 0 {
		return nil, fmt.Errorf("flush interval must be positive")
	}
	if fc.Collab.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("heartbeat interval must be positive")
	}
	if fc.Collab.WriteWait <= 0 {
		return nil, fmt.Errorf("write wait must be positive")
	}
	if fc.Collab.MaxMessageSize <= 0 {
		return nil, fmt.Errorf("max message size must be positive")
	}
	if fc.Collab.BroadcastPolicy != PolicyConnection && fc.Collab.BroadcastPolicy != PolicyUser {
		return nil, fmt.Errorf("unknown broadcast policy %q", fc.Collab.BroadcastPolicy)
	}

	return &Config{
		ServerAddr:     fc.Server.Addr,
		AllowedOrigins: fc.Server.AllowedOrigins,
		SigningKey:     signingKey,
		Storage:        fc.Storage,
		Collab:         fc.Collab,
		Log:            fc.Log,
	}, nil
}
