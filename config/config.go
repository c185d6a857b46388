// Package config loads and validates the static configuration file and the
// command line flags of the proxy. Everything that can change at runtime
// lives behind the admin API instead and is intentionally absent here.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const supportedVersion = 1

// Proxy holds the data plane listener and origin policy settings.
type Proxy struct {
	HTTPBindAddrs        []string `yaml:"http_bind_addrs"`
	HTTPSBindAddrs       []string `yaml:"https_bind_addrs"`
	OriginDownTime       int      `yaml:"origin_down_time"`
	ConnectionRetryLimit int      `yaml:"connection_retry_limit"`
}

// Cache holds the response cache settings.
type Cache struct {
	MaxSize int64 `yaml:"max_size"`
}

// API holds the admin listener settings.
type API struct {
	BindAddr   string `yaml:"bind_addr"`
	TLS        bool   `yaml:"tls"`
	Cert       string `yaml:"cert"`
	Key        string `yaml:"key"`
	MutualTLS  bool   `yaml:"mutual_tls"`
	ClientCert string `yaml:"client_cert"`
}

type Config struct {
	ConfigFile string `yaml:"-"`
	TestOnly   bool   `yaml:"-"`
	Upgrade    bool   `yaml:"-"`

	Version     int    `yaml:"version"`
	PidFile     string `yaml:"pid_file"`
	Daemon      bool   `yaml:"daemon"`
	ErrorLog    string `yaml:"error_log"`
	LogLevel    string `yaml:"log_level"`
	UpgradeSock string `yaml:"upgrade_sock"`
	Threads     int    `yaml:"threads"`
	User        string `yaml:"user"`
	Group       string `yaml:"group"`
	CAFile      string `yaml:"ca_file"`

	// The Go runtime scheduler is always work stealing; the key is
	// accepted for compatibility and has no effect.
	WorkStealing bool `yaml:"work_stealing"`

	UpstreamKeepalivePoolSize int `yaml:"upstream_keepalive_pool_size"`

	Proxy Proxy `yaml:"proxy"`
	Cache Cache `yaml:"cache"`
	API   API   `yaml:"api"`

	flags *flag.FlagSet
}

// NewConfig returns a config with all defaults applied and the command line
// flags registered.
func NewConfig() *Config {
	c := &Config{
		Version:                   supportedVersion,
		LogLevel:                  "info",
		Threads:                   1,
		WorkStealing:              true,
		UpstreamKeepalivePoolSize: 128,
		Proxy: Proxy{
			HTTPBindAddrs:        []string{"0.0.0.0:8080"},
			HTTPSBindAddrs:       []string{"0.0.0.0:4433"},
			OriginDownTime:       10,
			ConnectionRetryLimit: 1,
		},
		Cache: Cache{MaxSize: 104857600},
		API:   API{BindAddr: "0.0.0.0:5000"},
	}

	flags := flag.NewFlagSet("granite", flag.ExitOnError)
	flags.StringVar(&c.ConfigFile, "conf", "", "path to the configuration file")
	flags.BoolVar(&c.Daemon, "daemon", false, "detach from the controlling terminal; the process re-executes itself detached before binding its sockets")
	flags.BoolVar(&c.TestOnly, "test", false, "validate the configuration and exit")
	flags.BoolVar(&c.Upgrade, "upgrade", false, "inherit listening sockets from a predecessor process")
	c.flags = flags
	return c
}

// Parse reads the command line and the configuration file, then validates
// the result.
func (c *Config) Parse() error {
	return c.ParseArgs(os.Args[1:])
}

// ParseArgs is Parse with the arguments supplied, for tests.
func (c *Config) ParseArgs(args []string) error {
	if err := c.flags.Parse(args); err != nil {
		return err
	}
	if len(c.flags.Args()) != 0 {
		return fmt.Errorf("invalid arguments: %s", c.flags.Args())
	}

	if c.ConfigFile != "" {
		yamlFile, err := os.ReadFile(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("invalid config file: %v", err)
		}
		if err := yaml.Unmarshal(yamlFile, c); err != nil {
			return fmt.Errorf("unmarshalling config file error: %v", err)
		}

		// flags win over file settings
		c.flags.Parse(args)
	}

	return c.validate()
}

func (c *Config) validate() error {
	if c.Version != supportedVersion {
		return fmt.Errorf("unsupported config version %d, expected %d", c.Version, supportedVersion)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", c.Threads)
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache max_size must be positive, got %d", c.Cache.MaxSize)
	}
	if c.Proxy.OriginDownTime < 0 {
		return fmt.Errorf("origin_down_time must not be negative, got %d", c.Proxy.OriginDownTime)
	}
	if c.Proxy.ConnectionRetryLimit < 0 {
		return fmt.Errorf("connection_retry_limit must not be negative, got %d", c.Proxy.ConnectionRetryLimit)
	}
	for _, addr := range append(append([]string{}, c.Proxy.HTTPBindAddrs...), c.Proxy.HTTPSBindAddrs...) {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("invalid bind address %q: %v", addr, err)
		}
	}
	if c.API.BindAddr != "" {
		if _, _, err := net.SplitHostPort(c.API.BindAddr); err != nil {
			return fmt.Errorf("invalid api bind address %q: %v", c.API.BindAddr, err)
		}
	}
	if c.API.TLS && (c.API.Cert == "" || c.API.Key == "") {
		return fmt.Errorf("api tls requires cert and key")
	}
	if c.API.MutualTLS && !c.API.TLS {
		return fmt.Errorf("api mutual_tls requires tls")
	}
	if c.API.MutualTLS && c.API.ClientCert == "" {
		return fmt.Errorf("api mutual_tls requires client_cert")
	}
	if c.Upgrade && c.UpgradeSock == "" {
		return fmt.Errorf("upgrade requires upgrade_sock")
	}
	return nil
}

// OriginDownTime returns the configured down time as a duration.
func (c *Config) OriginDownTime() time.Duration {
	return time.Duration(c.Proxy.OriginDownTime) * time.Second
}

// ApplicationLogLevel returns the parsed log level. Parse validates it.
func (c *Config) ApplicationLogLevel() log.Level {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return level
}
