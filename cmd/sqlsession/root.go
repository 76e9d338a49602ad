package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Morditux/sqlsession"
)

// config is the CLI configuration, read from an optional file and from
// SQLSESSION_* environment variables.
type config struct {
	Driver           string         `mapstructure:"driver"`
	DSN              string         `mapstructure:"dsn"`
	LogLevel         string         `mapstructure:"log_level"`
	Listen           string         `mapstructure:"listen"`
	Locker           string         `mapstructure:"locker"`
	RedisAddr        string         `mapstructure:"redis_addr"`
	MemcachedServers []string       `mapstructure:"memcached_servers"`
	Session          map[string]any `mapstructure:"session"`
}

var (
	cfgFile string
	cfg     config
	logger  zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "sqlsession",
	Short: "Manage an SQL session table",
	Long: `sqlsession creates and garbage-collects the session table used by the
sqlsession package, and runs a small demo server on top of it.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(cmd); err != nil {
			return err
		}
		logger = newLogger(cfg.LogLevel)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")
	rootCmd.PersistentFlags().String("driver", "sqlite", "database driver: mysql, postgres, pgx or sqlite")
	rootCmd.PersistentFlags().String("dsn", "sessions.db", "database DSN")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
}

func loadConfig(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("SQLSESSION")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("locker", "sql")

	flags := cmd.Flags()
	for key, flag := range map[string]string{"driver": "driver", "dsn": "dsn", "log_level": "log-level"} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().Timestamp().Logger()
}

// openStore opens the configured store. reg may be nil.
func openStore(ctx context.Context, reg prometheus.Registerer) (*sqlsession.Store, error) {
	storeCfg, err := sqlsession.DecodeOptions(cfg.Session)
	if err != nil {
		return nil, err
	}
	storeCfg.Logger = &logger
	storeCfg.Registerer = reg

	switch cfg.Locker {
	case "", "sql":
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		storeCfg.Locker = sqlsession.NewRedisLocker(client, sqlsession.RedisLockerConfig{
			Timeout: storeCfg.AdvisoryLockTimeout,
		})
	case "memcached":
		storeCfg.Locker = sqlsession.NewMemcachedLockerWithConfig(sqlsession.MemcachedLockerConfig{
			Servers: cfg.MemcachedServers,
			Timeout: storeCfg.AdvisoryLockTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown locker %q", cfg.Locker)
	}

	switch cfg.Driver {
	case "mysql":
		return sqlsession.NewMySQLStoreWithConfig(ctx, sqlsession.MySQLConfig{DSN: cfg.DSN, Store: storeCfg})
	case "postgres", "pgx":
		return sqlsession.NewPostgreSQLStoreWithConfig(ctx, sqlsession.PostgreSQLConfig{
			DSN:        cfg.DSN,
			DriverName: cfg.Driver,
			Store:      storeCfg,
		})
	case "sqlite":
		return sqlsession.NewSQLiteStoreWithConfig(ctx, sqlsession.SQLiteConfig{DSN: cfg.DSN, Store: storeCfg})
	}
	return nil, fmt.Errorf("%w: %q", sqlsession.ErrUnsupportedDialect, cfg.Driver)
}

// memcacheReachable is used by serve to warn early about a dead locker.
func memcacheReachable(servers []string) error {
	return memcache.New(servers...).Ping()
}
