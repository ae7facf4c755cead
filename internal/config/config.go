package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/cadenceio/cadence/pkg/service"
	"github.com/spf13/viper"
)

// Config holds the configuration for the engine binaries.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	HTTP struct {
		Port string `mapstructure:"port"`
	} `mapstructure:"http"`
	Poller struct {
		IntervalSeconds     int `mapstructure:"interval_seconds"`
		Workers             int `mapstructure:"workers"`
		BatchSize           int `mapstructure:"batch_size"`
		ClaimTTLMinutes     int `mapstructure:"claim_ttl_minutes"`
		StuckThresholdHours int `mapstructure:"stuck_threshold_hours"`
	} `mapstructure:"poller"`
}

// LoadConfig reads config.yaml and environment overrides. A missing config
// file is fine: everything has a default or comes from the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("http.port", "8080")

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// ConnStr builds the Postgres connection string.
func (c *Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// PollerConfig translates the config into the poller's deployment parameters;
// zeroes fall through to the poller defaults.
func (c *Config) PollerConfig() service.PollerConfig {
	return service.PollerConfig{
		Interval:       time.Duration(c.Poller.IntervalSeconds) * time.Second,
		Workers:        c.Poller.Workers,
		BatchSize:      c.Poller.BatchSize,
		ClaimTTL:       time.Duration(c.Poller.ClaimTTLMinutes) * time.Minute,
		StuckThreshold: time.Duration(c.Poller.StuckThresholdHours) * time.Hour,
	}
}
