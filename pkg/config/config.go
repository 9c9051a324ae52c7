// Package config loads and validates the application configuration from a
// YAML file or environment, layered over defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/IBM/sarama"
	"github.com/spf13/viper"

	"github.com/actorkit/kjournal/pkg/broker"
	"github.com/actorkit/kjournal/pkg/fanout"
	"github.com/actorkit/kjournal/pkg/journal"
)

// Config holds application-wide configuration.
type Config struct {
	Broker  broker.Config   `mapstructure:"broker"`
	Journal journal.Options `mapstructure:"journal"`
	Fanout  fanout.Options  `mapstructure:"fanout"`
	Metrics MetricsConfig   `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	return &Config{
		Broker:  *broker.DefaultConfig(),
		Journal: journal.DefaultOptions(),
		Fanout:  fanout.DefaultOptions(),
		Metrics: MetricsConfig{Enabled: true, Addr: ":9100"},
	}
}

// Load reads config from cfgFile, or searches for kjournal.yaml in
// ~/.config and the working directory when cfgFile is empty. A missing
// search-path file falls back to defaults; an explicitly named file must
// exist.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("kjournal")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("KJOURNAL")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the journal cannot run with. Fan-out may
// use fire-and-forget acks; the journal itself may not.
func (c *Config) Validate() error {
	if len(c.Broker.Brokers) == 0 {
		return errors.New("config: at least one broker address is required")
	}
	acks, err := broker.ParseRequiredAcks(c.Journal.RequiredAcks)
	if err != nil {
		return fmt.Errorf("config: journal.requiredAcks: %w", err)
	}
	if acks == sarama.NoResponse {
		return errors.New("config: journal.requiredAcks must be all or local, appends need broker acknowledgment")
	}
	if _, err := broker.ParseRequiredAcks(c.Fanout.RequiredAcks); err != nil {
		return fmt.Errorf("config: fanout.requiredAcks: %w", err)
	}
	if c.Fanout.QueueSize <= 0 {
		return errors.New("config: fanout.queueSize must be positive")
	}
	return nil
}
