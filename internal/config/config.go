// Package config centralizes runtime configuration for dvrd. It loads a
// YAML configuration file, applies DVR_* environment overrides (optionally
// read from a .env file) and fills unset keys with sensible defaults. Development builds run on defaults when no file is
// present. Production operators should place a YAML file at
// /etc/dvr/config.yaml or point DVR_CONFIG_FILE at one.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DVR_"

// Config holds configurable options for the dvr daemon.
type Config struct {
	KeyFile          string `yaml:"key_file"`
	DataFile         string `yaml:"data_file"`
	MaxBackups       int    `yaml:"max_backups"`
	BackupEvery      int64  `yaml:"backup_every"`
	ABCISocket       string `yaml:"abci_socket"`
	TendermintHome   string `yaml:"tendermint_home"`
	TendermintRPC    string `yaml:"tendermint_rpc"`
	ManageTendermint bool   `yaml:"manage_tendermint"`
	HTTPListen       string `yaml:"http_listen"`
	LogLevel         string `yaml:"log_level"`
	LogFormat        string `yaml:"log_format"`
	LogBuffer        int    `yaml:"log_buffer"`
	TTLThreshold     uint32 `yaml:"ttl_threshold"`
	TTLExtendTo      uint32 `yaml:"ttl_extend_to"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		KeyFile:          "dvr_key.pem",
		DataFile:         "registry.db",
		MaxBackups:       20,
		BackupEvery:      100,
		ABCISocket:       "unix://dvr.sock",
		TendermintHome:   "tmhome",
		TendermintRPC:    "http://127.0.0.1:26657",
		ManageTendermint: false,
		HTTPListen:       ":8080",
		LogLevel:         "info",
		LogFormat:        "text",
		LogBuffer:        200,
		TTLThreshold:     5000,
		TTLExtendTo:      5000,
	}
}

// LoadDotEnv reads KEY=value pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ResolvePath picks the config file path: the explicit flag value wins,
// then DVR_CONFIG_FILE.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(EnvPrefix + "CONFIG_FILE")
}

// LoadConfig reads a YAML file at path, fills unset fields from defaults
// and applies environment overrides. A missing file yields defaults. A file
// that cannot be parsed, or an override that cannot be converted, is an
// error.
func LoadConfig(path string) (*Config, error) {
	def := Defaults()
	c := &Config{}

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// defaults only
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(b, c); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	merge(c, def)

	if err := applyEnv(c); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// merge defaults for any zero-value fields
func merge(c, def *Config) {
	if c.KeyFile == "" {
		c.KeyFile = def.KeyFile
	}
	if c.DataFile == "" {
		c.DataFile = def.DataFile
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = def.MaxBackups
	}
	if c.BackupEvery == 0 {
		c.BackupEvery = def.BackupEvery
	}
	if c.ABCISocket == "" {
		c.ABCISocket = def.ABCISocket
	}
	if c.TendermintHome == "" {
		c.TendermintHome = def.TendermintHome
	}
	if c.TendermintRPC == "" {
		c.TendermintRPC = def.TendermintRPC
	}
	if c.HTTPListen == "" {
		c.HTTPListen = def.HTTPListen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.LogBuffer == 0 {
		c.LogBuffer = def.LogBuffer
	}
	if c.TTLThreshold == 0 {
		c.TTLThreshold = def.TTLThreshold
	}
	if c.TTLExtendTo == 0 {
		c.TTLExtendTo = def.TTLExtendTo
	}
}

func applyEnv(c *Config) error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, bits int, set func(int64)) error {
		v, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.ParseInt(v, 10, bits)
		if err != nil || n < 0 {
			return fmt.Errorf("%s%s: invalid number %q", EnvPrefix, name, v)
		}
		set(n)
		return nil
	}

	str("KEY_FILE", &c.KeyFile)
	str("DATA_FILE", &c.DataFile)
	str("ABCI_SOCKET", &c.ABCISocket)
	str("TENDERMINT_HOME", &c.TendermintHome)
	str("TENDERMINT_RPC", &c.TendermintRPC)
	str("HTTP_LISTEN", &c.HTTPListen)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	if v, ok := os.LookupEnv(EnvPrefix + "MANAGE_TENDERMINT"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMANAGE_TENDERMINT: invalid bool %q", EnvPrefix, v)
		}
		c.ManageTendermint = b
	}

	for _, f := range []struct {
		name string
		bits int
		set  func(int64)
	}{
		{"MAX_BACKUPS", 32, func(n int64) { c.MaxBackups = int(n) }},
		{"BACKUP_EVERY", 64, func(n int64) { c.BackupEvery = n }},
		{"LOG_BUFFER", 32, func(n int64) { c.LogBuffer = int(n) }},
		{"TTL_THRESHOLD", 33, func(n int64) { c.TTLThreshold = uint32(n) }},
		{"TTL_EXTEND_TO", 33, func(n int64) { c.TTLExtendTo = uint32(n) }},
	} {
		if err := num(f.name, f.bits, f.set); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks values that defaults cannot repair. Log settings are
// normalized to lower case.
func (c *Config) Validate() error {
	c.LogFormat = strings.ToLower(c.LogFormat)
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format %q: want text or json", c.LogFormat)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	if c.MaxBackups < 0 {
		return fmt.Errorf("max_backups must not be negative")
	}
	if c.BackupEvery < 0 {
		return fmt.Errorf("backup_every must not be negative")
	}
	if !strings.Contains(c.ABCISocket, "://") {
		return fmt.Errorf("abci_socket %q: want a scheme such as unix:// or tcp://", c.ABCISocket)
	}
	return nil
}
