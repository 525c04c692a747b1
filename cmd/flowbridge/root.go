package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/xraph/flowbridge/codec"
	"github.com/xraph/flowbridge/store"
	"github.com/xraph/flowbridge/store/memory"
	"github.com/xraph/flowbridge/store/mongo"
	"github.com/xraph/flowbridge/store/postgres"
	"github.com/xraph/flowbridge/store/redis"
)

// cli holds what the persistent flags resolved to.
type cli struct {
	configPath string
	pretty     bool
	noColor    bool

	// Flag overrides; applied only when the flag was set.
	logLevel      string
	backend       string
	codecName     string
	redisURL      string
	keyPrefix     string
	postgresDSN   string
	mongoURI      string
	mongoDatabase string

	cfg    fileConfig
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "flowbridge",
		Short:         "Inspect and maintain flowbridge correlation backends",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "YAML config file (default $"+configEnv+")")
	pf.BoolVar(&c.pretty, "pretty", false, "Indent JSON output")
	pf.BoolVar(&c.noColor, "no-color", false, "Disable colored log output")
	pf.StringVar(&c.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&c.backend, "backend", "", "Correlation backend (memory, redis, postgres, mongo)")
	pf.StringVar(&c.codecName, "codec", "", "Outcome codec (msgpack, json)")
	pf.StringVar(&c.redisURL, "redis-url", "", "Redis URL, e.g. redis://localhost:6379/0")
	pf.StringVar(&c.keyPrefix, "key-prefix", "", "Redis key prefix")
	pf.StringVar(&c.postgresDSN, "postgres-dsn", "", "PostgreSQL connection string")
	pf.StringVar(&c.mongoURI, "mongo-uri", "", "MongoDB connection URI")
	pf.StringVar(&c.mongoDatabase, "mongo-database", "", "MongoDB database name")

	root.AddCommand(
		newMigrateCmd(c),
		newPingCmd(c),
		newMappingsCmd(c),
		newLookupCmd(c),
		newJobCmd(c),
		newResultCmd(c),
		newRemoveCmd(c),
		newPurgeCmd(c),
	)
	return root
}

func (c *cli) setup(cmd *cobra.Command) error {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	override("log-level", &cfg.LogLevel, c.logLevel)
	override("backend", &cfg.Correlation.Backend, c.backend)
	override("codec", &cfg.Correlation.Codec, c.codecName)
	override("redis-url", &cfg.Correlation.Redis.URL, c.redisURL)
	override("key-prefix", &cfg.Correlation.Redis.KeyPrefix, c.keyPrefix)
	override("postgres-dsn", &cfg.Correlation.Postgres.DSN, c.postgresDSN)
	override("mongo-uri", &cfg.Correlation.Mongo.URI, c.mongoURI)
	override("mongo-database", &cfg.Correlation.Mongo.Database, c.mongoDatabase)

	if err = cfg.validate(); err != nil {
		return err
	}
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	c.cfg = cfg
	c.logger = newLogger(cmd.ErrOrStderr(), level, c.noColor)
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelWarn, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return level, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// newLogger writes tinted logs to w. Color is off when w is not a terminal.
func newLogger(w io.Writer, level slog.Level, noColor bool) *slog.Logger {
	if f, ok := w.(*os.File); !ok || !isatty.IsTerminal(f.Fd()) {
		noColor = true
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		NoColor:    noColor,
		TimeFormat: time.Kitchen,
	}))
}

// open connects the configured backend. The caller closes it.
func (c *cli) open(ctx context.Context) (store.Store, error) {
	cc := c.cfg.Correlation
	cd, err := codec.Get(cc.Codec)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("opening correlation backend",
		slog.String("backend", cc.Backend),
		slog.String("codec", cd.Name()),
	)

	switch cc.Backend {
	case backendRedis:
		opts := []redis.Option{redis.WithLogger(c.logger), redis.WithCodec(cd)}
		if cc.Redis.KeyPrefix != "" {
			opts = append(opts, redis.WithKeyPrefix(cc.Redis.KeyPrefix))
		}
		return redis.Open(cc.Redis.URL, opts...)
	case backendPostgres:
		return postgres.New(ctx, cc.Postgres.DSN, postgres.WithLogger(c.logger), postgres.WithCodec(cd))
	case backendMongo:
		return mongo.Open(cc.Mongo.URI, cc.Mongo.Database, mongo.WithLogger(c.logger), mongo.WithCodec(cd))
	default:
		c.logger.Warn("memory backend holds no data across invocations")
		return memory.New(), nil
	}
}

// withStore opens the backend, runs fn and closes it.
func (c *cli) withStore(cmd *cobra.Command, fn func(ctx context.Context, s store.Store) (any, error)) error {
	ctx := cmd.Context()
	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			c.logger.Warn("close backend", slog.String("error", closeErr.Error()))
		}
	}()

	out, err := fn(ctx, s)
	if err != nil {
		return err
	}
	return c.print(cmd.OutOrStdout(), out)
}

func (c *cli) print(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	if c.pretty {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(v)
}
