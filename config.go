package entstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const envPrefix = "ENTSTORE_"

// Config selects and configures a driver. Values read from YAML are
// overridden by ENTSTORE_* environment variables.
type Config struct {
	Driver   string       `yaml:"driver"`
	SQLite   SQLiteConfig `yaml:"sqlite"`
	Postgres PGConfig     `yaml:"postgres"`
	MySQL    MySQLConfig  `yaml:"mysql"`
	Mongo    MongoConfig  `yaml:"mongo"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	Counters string `yaml:"counters"`
}

// LoadConfig reads path, applies the environment and validates the result.
// An empty path reads the environment only.
func LoadConfig(path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{Driver: "memory"}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Driver = getEnv("DRIVER", c.Driver)

	c.SQLite.Path = getEnv("SQLITE_PATH", c.SQLite.Path)

	c.Postgres.Host = getEnv("PG_HOST", c.Postgres.Host)
	c.Postgres.Port = getEnv("PG_PORT", c.Postgres.Port)
	c.Postgres.Database = getEnv("PG_DATABASE", c.Postgres.Database)
	c.Postgres.User = getEnv("PG_USER", c.Postgres.User)
	c.Postgres.Password = getEnv("PG_PASSWORD", c.Postgres.Password)
	c.Postgres.SSLMode = getEnv("PG_SSLMODE", c.Postgres.SSLMode)

	c.MySQL.Host = getEnv("MYSQL_HOST", c.MySQL.Host)
	c.MySQL.Port = getEnv("MYSQL_PORT", c.MySQL.Port)
	c.MySQL.Database = getEnv("MYSQL_DATABASE", c.MySQL.Database)
	c.MySQL.User = getEnv("MYSQL_USER", c.MySQL.User)
	c.MySQL.Password = getEnv("MYSQL_PASSWORD", c.MySQL.Password)

	c.Mongo.URI = getEnv("MONGO_URI", c.Mongo.URI)
	c.Mongo.Database = getEnv("MONGO_DATABASE", c.Mongo.Database)
	c.Mongo.Counters = getEnv("MONGO_COUNTERS", c.Mongo.Counters)
}

// Validate checks that the selected driver has what it needs to connect.
func (c *Config) Validate() error {
	var errs []error
	required := func(value, env string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s%s is required for driver %s", envPrefix, env, c.Driver))
		}
	}

	switch strings.ToLower(c.Driver) {
	case "memory", "sqlite":
	case "postgres":
		required(c.Postgres.Host, "PG_HOST")
		required(c.Postgres.Database, "PG_DATABASE")
	case "mysql":
		required(c.MySQL.Host, "MYSQL_HOST")
		required(c.MySQL.Database, "MYSQL_DATABASE")
	case "mongo":
		required(c.Mongo.URI, "MONGO_URI")
		required(c.Mongo.Database, "MONGO_DATABASE")
	default:
		errs = append(errs, fmt.Errorf("%w: %sDRIVER %q", ErrUnsupported, envPrefix, c.Driver))
	}

	return errors.Join(errs...)
}

// Open connects the configured driver.
func Open(ctx context.Context, cfg *Config) (Driver, error) {
	if cfg == nil {
		return nil, nilArgument("cfg")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch strings.ToLower(cfg.Driver) {
	case "memory":
		return NewMemoryDriver(), nil
	case "sqlite":
		db, err := ConnectSqlite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLiteDriver(db)
	case "postgres":
		db, err := ConnectPostgresql(cfg.Postgres)
		if err != nil {
			return nil, err
		}
		return NewPostgresDriver(db)
	case "mysql":
		db, err := ConnectMySQL(cfg.MySQL)
		if err != nil {
			return nil, err
		}
		return NewMySQLDriver(db)
	case "mongo":
		db, err := ConnectMongo(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, err
		}

		var opts []MongoOption
		if cfg.Mongo.Counters != "" {
			opts = append(opts, WithCounterCollection(cfg.Mongo.Counters))
		}
		return NewMongoDriver(db, opts...)
	}

	return nil, fmt.Errorf("%w: driver %q", ErrUnsupported, cfg.Driver)
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(envPrefix + key); ok {
		return value
	}

	return defaultValue
}
