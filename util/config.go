package util

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const Name = "fedhub"
const ConfigFileName = "config.yaml"
const EnvPrefix = "FEDHUB"

//go:embed config_default.yaml
var embeddedConfig []byte

type QueueConf struct {
	Backend          string   `yaml:"backend" envconfig:"backend"`
	PostgresDsn      string   `yaml:"postgresDsn" envconfig:"postgres_dsn"`
	MaxWorkers       int      `yaml:"maxWorkers" envconfig:"max_workers"`
	LeaseSeconds     int      `yaml:"leaseSeconds" envconfig:"lease_seconds"`
	LongLeaseSeconds int      `yaml:"longLeaseSeconds" envconfig:"long_lease_seconds"`
	LongRunning      []string `yaml:"longRunning" envconfig:"long_running"`
	PollSeconds      int      `yaml:"pollSeconds" envconfig:"poll_seconds"`
}

type AppConfig struct {
	Conf struct {
		Host                string    `yaml:"host" envconfig:"host"`
		HttpPort            int       `yaml:"httpPort" envconfig:"httpport"`
		SslDomain           string    `yaml:"sslDomain" envconfig:"ssldomain"`
		DbPath              string    `yaml:"dbPath" envconfig:"dbpath"`
		Debug               bool      `yaml:"debug" envconfig:"debug"`
		Queue               QueueConf `yaml:"queue" envconfig:"queue"`
		RedisAddr           string    `yaml:"redisAddr" envconfig:"redis_addr"`
		AmqpUrl             string    `yaml:"amqpUrl" envconfig:"amqp_url"`
		DirectoryNode       bool      `yaml:"directoryNode" envconfig:"directory_node"`
		ActorStaleDays      int       `yaml:"actorStaleDays" envconfig:"actor_stale_days"`
		MaxFetchDepth       int       `yaml:"maxFetchDepth" envconfig:"max_fetch_depth"`
		TombstoneGraceHours int       `yaml:"tombstoneGraceHours" envconfig:"tombstone_grace_hours"`
		MaxRelayRecipients  int       `yaml:"maxRelayRecipients" envconfig:"max_relay_recipients"`
		Language            string    `yaml:"language" envconfig:"language"`
		FetchTimeoutSeconds int       `yaml:"fetchTimeoutSeconds" envconfig:"fetch_timeout_seconds"`
	}
}

func ReadConf() (*AppConfig, error) {

	c := &AppConfig{}

	// Try to resolve config file path (local first, then user dir)
	configPath := ResolveFilePath(ConfigFileName)

	buf, err := os.ReadFile(configPath)
	if err != nil {
		Logger().Info().Msgf("Config file not found at %s, using embedded defaults", configPath)
		buf = embeddedConfig

		configDir, dirErr := GetConfigDir()
		if dirErr == nil {
			userConfigPath := configDir + "/" + ConfigFileName
			if writeErr := os.WriteFile(userConfigPath, embeddedConfig, 0644); writeErr != nil {
				Logger().Warn().Err(writeErr).Msgf("Could not write default config to %s", userConfigPath)
			} else {
				Logger().Info().Msgf("Created default config file at %s", userConfigPath)
			}
		}
	}

	if err = yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("in config file: %w", err)
	}

	// Environment wins over the file; unset variables leave file values alone.
	if err = envconfig.Process(EnvPrefix, &c.Conf); err != nil {
		return nil, fmt.Errorf("in environment: %w", err)
	}

	c.applyDefaults()
	return c, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Conf.Host == "" {
		c.Conf.Host = "127.0.0.1"
	}
	if c.Conf.HttpPort == 0 {
		c.Conf.HttpPort = 9999
	}
	if c.Conf.DbPath == "" {
		c.Conf.DbPath = "database.db"
	}
	if c.Conf.Queue.Backend == "" {
		c.Conf.Queue.Backend = "sqlite"
	}
	if c.Conf.Queue.MaxWorkers <= 0 {
		c.Conf.Queue.MaxWorkers = 4
	}
	if c.Conf.Queue.LeaseSeconds <= 0 {
		c.Conf.Queue.LeaseSeconds = 300
	}
	if c.Conf.Queue.LongLeaseSeconds < c.Conf.Queue.LeaseSeconds {
		c.Conf.Queue.LongLeaseSeconds = 4 * c.Conf.Queue.LeaseSeconds
	}
	if c.Conf.Queue.PollSeconds <= 0 {
		c.Conf.Queue.PollSeconds = 5
	}
	if c.Conf.ActorStaleDays <= 0 {
		c.Conf.ActorStaleDays = 3
	}
	if c.Conf.MaxFetchDepth <= 0 {
		c.Conf.MaxFetchDepth = 5
	}
	if c.Conf.TombstoneGraceHours <= 0 {
		c.Conf.TombstoneGraceHours = 24 * 10
	}
	if c.Conf.MaxRelayRecipients <= 0 {
		c.Conf.MaxRelayRecipients = 500
	}
	if c.Conf.Language == "" {
		c.Conf.Language = "en"
	}
	if c.Conf.FetchTimeoutSeconds <= 0 {
		c.Conf.FetchTimeoutSeconds = 10
	}
}

// BaseURL is the public origin of this hub.
func (c *AppConfig) BaseURL() string {
	if c.Conf.SslDomain != "" {
		return "https://" + c.Conf.SslDomain
	}
	return fmt.Sprintf("http://%s:%d", c.Conf.Host, c.Conf.HttpPort)
}

// Domain is the host part used in addresses (nick@domain).
func (c *AppConfig) Domain() string {
	if c.Conf.SslDomain != "" {
		return c.Conf.SslDomain
	}
	return fmt.Sprintf("%s:%d", c.Conf.Host, c.Conf.HttpPort)
}

func (c *AppConfig) Lease() time.Duration {
	return time.Duration(c.Conf.Queue.LeaseSeconds) * time.Second
}

func (c *AppConfig) LongLease() time.Duration {
	return time.Duration(c.Conf.Queue.LongLeaseSeconds) * time.Second
}

func (c *AppConfig) FetchTimeout() time.Duration {
	return time.Duration(c.Conf.FetchTimeoutSeconds) * time.Second
}

func (c *AppConfig) TombstoneGrace() time.Duration {
	return time.Duration(c.Conf.TombstoneGraceHours) * time.Hour
}

func (c *AppConfig) ActorStale() time.Duration {
	return time.Duration(c.Conf.ActorStaleDays) * 24 * time.Hour
}
