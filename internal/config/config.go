// Package config loads the relay configuration from a TOML, JSON or YAML file with RELAY_* env overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"bridgerelay/internal/log"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const EnvVarPrefix = "RELAY"

type Config struct {
	Log      log.Config      `mapstructure:"Log"`
	HTTP     HTTPConfig      `mapstructure:"HTTP"`
	Store    StoreConfig     `mapstructure:"Store"`
	Lock     LockConfig      `mapstructure:"Lock"`
	Signer   SignerConfig    `mapstructure:"Signer"`
	Bridge   BridgeConfig    `mapstructure:"Bridge"`
	Networks []NetworkConfig `mapstructure:"Networks"`
	Routes   []RouteConfig   `mapstructure:"Routes"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"Addr"`
	ReadTimeout     time.Duration `mapstructure:"ReadTimeout"`
	WriteTimeout    time.Duration `mapstructure:"WriteTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"ShutdownTimeout"`
	// AuthToken guards POST /transfer. Empty disables the check.
	AuthToken string `mapstructure:"AuthToken"`
	// HMACSecret enables request signatures on top of the bearer token.
	HMACSecret    string        `mapstructure:"HMACSecret"`
	HMACClockSkew time.Duration `mapstructure:"HMACClockSkew"`
}

type StoreConfig struct {
	Driver      string `mapstructure:"Driver"`
	SQLitePath  string `mapstructure:"SQLitePath"`
	PostgresDSN string `mapstructure:"PostgresDSN"`
}

type LockConfig struct {
	Driver        string        `mapstructure:"Driver"`
	RedisAddr     string        `mapstructure:"RedisAddr"`
	RedisPassword string        `mapstructure:"RedisPassword"`
	RedisDB       int           `mapstructure:"RedisDB"`
	TTL           time.Duration `mapstructure:"TTL"`
	Poll          time.Duration `mapstructure:"Poll"`
	Prefix        string        `mapstructure:"Prefix"`
}

// SignerConfig selects the payout key: a raw hex key, or an encrypted keystore file.
type SignerConfig struct {
	PrivateKey       string `mapstructure:"PrivateKey"`
	KeystorePath     string `mapstructure:"KeystorePath"`
	KeystorePassword string `mapstructure:"KeystorePassword"`
}

type BridgeConfig struct {
	// TargetAddress receives deposits on networks without their own DepositAddress.
	TargetAddress string        `mapstructure:"TargetAddress"`
	RPCTimeout    time.Duration `mapstructure:"RPCTimeout"`
}

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"

	LockLocal = "local"
	LockRedis = "redis"
)

// Load reads the defaults, then path (when non-empty), then the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewBufferString(DefaultValues)); err != nil {
		return nil, fmt.Errorf("read default config: %w", err)
	}
	if path != "" {
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if ext == "" {
			ext = "toml"
		}
		v.SetConfigType(ext)
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)))
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// secrets usually come from the environment, not the file
	cfg.Signer.PrivateKey = envOr(EnvVarPrefix+"_PRIVATE_KEY", cfg.Signer.PrivateKey)
	cfg.Signer.KeystorePassword = envOr(EnvVarPrefix+"_KEYSTORE_PASSWORD", cfg.Signer.KeystorePassword)
	cfg.HTTP.AuthToken = envOr(EnvVarPrefix+"_AUTH_TOKEN", cfg.HTTP.AuthToken)
	cfg.HTTP.HMACSecret = envOr(EnvVarPrefix+"_HMAC_SECRET", cfg.HTTP.HMACSecret)
	cfg.Store.PostgresDSN = envOr(EnvVarPrefix+"_POSTGRES_DSN", cfg.Store.PostgresDSN)
	cfg.Bridge.TargetAddress = envOr(EnvVarPrefix+"_TARGET_ADDRESS", cfg.Bridge.TargetAddress)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks everything that can be checked without dialing a node.
func (c *Config) Validate() error {
	var errs []error

	if !common.IsHexAddress(c.Bridge.TargetAddress) {
		errs = append(errs, fmt.Errorf("Bridge.TargetAddress %q is not an address", c.Bridge.TargetAddress))
	}

	switch c.Store.Driver {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("Store.SQLitePath is required for the sqlite store"))
		}
	case StorePostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("Store.PostgresDSN is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown Store.Driver %q", c.Store.Driver))
	}

	switch c.Lock.Driver {
	case LockLocal:
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("Lock.RedisAddr is required for the redis locker"))
		}
		if c.Lock.TTL <= c.Bridge.RPCTimeout {
			errs = append(errs, fmt.Errorf("Lock.TTL %s must be longer than Bridge.RPCTimeout %s", c.Lock.TTL, c.Bridge.RPCTimeout))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown Lock.Driver %q", c.Lock.Driver))
	}

	if c.Bridge.RPCTimeout <= 0 {
		errs = append(errs, errors.New("Bridge.RPCTimeout must be positive"))
	}

	if c.Signer.PrivateKey == "" && c.Signer.KeystorePath == "" {
		errs = append(errs, errors.New("a signer key is required: set RELAY_PRIVATE_KEY or Signer.KeystorePath"))
	}

	if len(c.Networks) == 0 {
		errs = append(errs, errors.New("no networks configured"))
	}
	seen := make(map[string]bool, len(c.Networks))
	for _, n := range c.Networks {
		if seen[n.Name] {
			errs = append(errs, fmt.Errorf("network %q configured twice", n.Name))
		}
		seen[n.Name] = true
		if err := n.validate(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(c.Routes) == 0 {
		errs = append(errs, errors.New("no routes configured"))
	}
	for _, r := range c.Routes {
		for _, end := range []string{r.From, r.To} {
			if !seen[end] {
				errs = append(errs, fmt.Errorf("route %s -> %s: network %q is not configured", r.From, r.To, end))
			}
		}
	}
	if _, err := c.Rule(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// Target is the parsed bridge-wide deposit address.
func (c *Config) Target() common.Address {
	return common.HexToAddress(c.Bridge.TargetAddress)
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}
