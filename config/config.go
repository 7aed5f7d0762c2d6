package config

import (
	"errors"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type (
	Config struct {
		Server   ServerConfig
		Log      LogConfig
		Storage  StorageConfig
		Presence PresenceConfig
		Lock     LockConfig
	}

	ServerConfig struct {
		Listen         string
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	}

	LogConfig struct {
		Level  string
		Format string // "text" or "json"
	}

	StorageConfig struct {
		Type           string // "memory" or "sqlite"
		DataSourceName string `mapstructure:"dataSourceName"`
	}

	PresenceConfig struct {
		PingInterval     time.Duration `mapstructure:"pingInterval"`
		CoalesceInterval time.Duration `mapstructure:"coalesceInterval"`
		SendBuffer       int           `mapstructure:"sendBuffer"`
	}

	LockConfig struct {
		LeaseDuration time.Duration `mapstructure:"leaseDuration"`
	}
)

// Load resolves the server configuration from, in increasing precedence,
// defaults, an optional YAML file, a .env file, PRESENCE_* environment
// variables and command line flags.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	v := viper.New()

	v.SetDefault("server.listen", ":3002")
	v.SetDefault("server.allowedOrigins", []string{"tauri://localhost"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.dataSourceName", "presence.db")
	v.SetDefault("presence.pingInterval", "15s")
	v.SetDefault("presence.coalesceInterval", "50ms")
	v.SetDefault("presence.sendBuffer", 64)
	v.SetDefault("lock.leaseDuration", "5m")

	fs := pflag.NewFlagSet("presence-hub", pflag.ContinueOnError)
	fs.String("listen", ":3002", "Set the server listen address")
	fs.String("loglevel", "info", "Set the logging level: debug, info, warn, error, fatal, panic")
	configFile := fs.String("config", "", "Path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("server.listen", fs.Lookup("listen")); err != nil {
		return nil, err
	}
	if err := v.BindPFlag("log.level", fs.Lookup("loglevel")); err != nil {
		return nil, err
	}

	v.SetEnvPrefix("PRESENCE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if *configFile != "" {
		v.SetConfigFile(*configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
		logrus.WithField("file", v.ConfigFileUsed()).Info("Loaded config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Type {
	case "memory", "sqlite":
	default:
		return errors.New("storage.type must be memory or sqlite")
	}
	if c.Presence.PingInterval <= 0 {
		return errors.New("presence.pingInterval must be positive")
	}
	if c.Lock.LeaseDuration <= 0 {
		return errors.New("lock.leaseDuration must be positive")
	}
	if c.Presence.SendBuffer <= 0 {
		return errors.New("presence.sendBuffer must be positive")
	}
	return nil
}

// ConfigureLogging applies the log level and format to the logrus standard
// logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	switch c.Log.Format {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
