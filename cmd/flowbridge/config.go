package main

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/xraph/flowbridge/codec"
)

// configEnv names the config file when --config is not given.
const configEnv = "FLOWBRIDGE_CONFIG"

const (
	backendMemory   = "memory"
	backendRedis    = "redis"
	backendPostgres = "postgres"
	backendMongo    = "mongo"
)

type fileConfig struct {
	LogLevel    string            `yaml:"log_level"`
	Correlation correlationConfig `yaml:"correlation"`
}

type correlationConfig struct {
	Backend  string         `yaml:"backend"`
	Codec    string         `yaml:"codec"`
	Redis    redisConfig    `yaml:"redis"`
	Postgres postgresConfig `yaml:"postgres"`
	Mongo    mongoConfig    `yaml:"mongo"`
}

type redisConfig struct {
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

type postgresConfig struct {
	DSN string `yaml:"dsn"`
}

type mongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

func defaultFileConfig() fileConfig {
	return fileConfig{
		LogLevel: "warn",
		Correlation: correlationConfig{
			Backend: backendMemory,
			Codec:   codec.NameMsgpack,
			Mongo:   mongoConfig{Database: "flowbridge"},
		},
	}
}

// loadConfig reads path over the defaults. An empty path falls back to
// $FLOWBRIDGE_CONFIG; with neither set the defaults are returned.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	if path == "" {
		path = os.Getenv(configEnv)
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *fileConfig) validate() error {
	c.Correlation.Backend = strings.ToLower(strings.TrimSpace(c.Correlation.Backend))
	switch c.Correlation.Backend {
	case backendMemory:
	case backendRedis:
		if c.Correlation.Redis.URL == "" {
			return fmt.Errorf("correlation.redis.url is required for the redis backend")
		}
	case backendPostgres:
		if c.Correlation.Postgres.DSN == "" {
			return fmt.Errorf("correlation.postgres.dsn is required for the postgres backend")
		}
	case backendMongo:
		if c.Correlation.Mongo.URI == "" {
			return fmt.Errorf("correlation.mongo.uri is required for the mongo backend")
		}
		if c.Correlation.Mongo.Database == "" {
			return fmt.Errorf("correlation.mongo.database is required for the mongo backend")
		}
	default:
		return fmt.Errorf("unknown backend %q (memory, redis, postgres, mongo)", c.Correlation.Backend)
	}
	if _, err := codec.Get(c.Correlation.Codec); err != nil {
		return err
	}
	return nil
}
