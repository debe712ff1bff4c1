package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	ServerPort int

	DBDriver         string
	DBDataSourceName string
	MigrationsDir    string
	DBLockTimeout    time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RaffleCacheTTL time.Duration
	SweepInterval  time.Duration

	JWTSecret string

	// LogFile receives every log line; empty means stdout. Verbose also
	// copies info and warning lines to stdout when LogFile is set.
	LogFile string
	Verbose bool
}

// LoadConfig resolves settings from, in increasing precedence: flag
// defaults, an optional config.yaml in the working directory, a .env file,
// SORTEO_* environment variables and explicitly set flags in args.
func LoadConfig(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	flags := pflag.NewFlagSet("sorteo", pflag.ContinueOnError)
	flags.Int("port", 8032, "HTTP listen port")
	flags.String("db-driver", DriverPostgres, "storage backend: postgres or memory")
	flags.String("db-host", "localhost", "Postgres host")
	flags.String("db-port", "5432", "Postgres port")
	flags.String("db-name", "sorteo", "Postgres database name")
	flags.String("db-user", "sorteo", "Postgres user")
	flags.String("db-password", "", "Postgres password")
	flags.String("db-sslmode", "disable", "Postgres sslmode")
	flags.String("migrations-dir", "migrations", "directory holding .sql migrations")
	flags.Duration("db-lock-timeout", 5*time.Second, "maximum wait for a raffle row lock")
	flags.String("redis-host", "localhost", "Redis host")
	flags.String("redis-port", "6379", "Redis port")
	flags.String("redis-password", "", "Redis password")
	flags.Int("redis-db", 0, "Redis database index")
	flags.Duration("raffle-cache-ttl", time.Minute, "lifetime of cached raffle snapshots")
	flags.Duration("sweep-interval", time.Minute, "interval between raffle state sweeps")
	flags.String("jwt-secret", "", "HMAC secret for administrator tokens")
	flags.String("log-file", "", "append logs to this file instead of stdout")
	flags.Bool("verbose", false, "also write info and warning logs to stdout when logging to a file")
	if err := flags.Parse(args); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("SORTEO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{
		ServerPort:     v.GetInt("port"),
		DBDriver:       v.GetString("db-driver"),
		MigrationsDir:  v.GetString("migrations-dir"),
		DBLockTimeout:  v.GetDuration("db-lock-timeout"),
		RedisAddr:      fmt.Sprintf("%s:%s", v.GetString("redis-host"), v.GetString("redis-port")),
		RedisPassword:  v.GetString("redis-password"),
		RedisDB:        v.GetInt("redis-db"),
		RaffleCacheTTL: v.GetDuration("raffle-cache-ttl"),
		SweepInterval:  v.GetDuration("sweep-interval"),
		JWTSecret:      v.GetString("jwt-secret"),
		LogFile:        v.GetString("log-file"),
		Verbose:        v.GetBool("verbose"),
	}
	config.DBDataSourceName = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		v.GetString("db-user"), v.GetString("db-password"), v.GetString("db-host"),
		v.GetString("db-port"), v.GetString("db-name"), v.GetString("db-sslmode"))

	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) validate() error {
	switch {
	case c.ServerPort <= 0:
		return fmt.Errorf("port must be positive, got %d", c.ServerPort)
	case c.DBDriver != DriverPostgres && c.DBDriver != DriverMemory:
		return fmt.Errorf("unknown db driver %q", c.DBDriver)
	case c.DBLockTimeout < 0:
		return fmt.Errorf("db lock timeout must not be negative")
	case c.SweepInterval <= 0:
		return fmt.Errorf("sweep interval must be a positive duration")
	case c.JWTSecret == "":
		return fmt.Errorf("jwt secret is required (SORTEO_JWT_SECRET)")
	}
	return nil
}
