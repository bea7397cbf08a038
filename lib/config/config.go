// Package config provides helper functionality to read the tracer configuration from JSON config files or OS ENV
// variables. The default configuration is overridden first by:
//
// - a valid JSON config file (see cmd/conf.json for a sample) and then by
//
// - OS ENV variables: prefixed with TRACER_ (ie. TRACER_DBTYPE, TRACER_DBCONN, ...). Nested keys use an underscore
// (ie. TRACER_POOL_MAX, TRACER_CACHE_ENABLED).
//
// There is no default connection string: the database connection must always be configured.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tarancss/dtrace/lib/cache"
	"github.com/tarancss/dtrace/lib/msg"
	"github.com/tarancss/dtrace/lib/store"
	"github.com/tarancss/dtrace/lib/util"
)

// EnvPrefix prefixes the OS ENV variables read.
const EnvPrefix = "TRACER"

// Default configuration values
const (
	DBTypeDefault      = store.POSTGRES
	DBNameDefault      = "defaultdb"
	PortDefault        = "5000"
	PoolModeDefault    = store.Pooled
	PoolMinDefault     = 2
	PoolMaxDefault     = 20
	PoolTimeoutDefault = 5 * time.Second
	MetricsPortDefault = "9100"
	LogLevelDefault    = "info"
)

// Errors returned
var (
	ErrMissingDBConn = errors.New("dbconn is required")
	ErrInvalid       = errors.New("invalid configuration")
)

// PoolConfig defines how connections to the ledger are managed. See store.PoolOptions.
type PoolConfig struct {
	Mode    string        `mapstructure:"mode"`
	Min     int           `mapstructure:"min"`
	Max     int           `mapstructure:"max"`
	Eager   bool          `mapstructure:"eager"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Options returns the pool configuration as ledger options.
func (p PoolConfig) Options() store.PoolOptions {
	return store.PoolOptions{Mode: p.Mode, Min: p.Min, Max: p.Max, Eager: p.Eager, Timeout: p.Timeout}
}

// CacheConfig defines the result cache. When disabled, every request is resolved against the ledger.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Size    int  `mapstructure:"size"`
}

// ServiceConfig contains the required fields for the tracer: ledger database and pool, API endpoint, ports, SSL cert
// and key, result cache, message broker and monitoring.
type ServiceConfig struct {
	DBType          string      `mapstructure:"dbtype"`
	DBConn          string      `mapstructure:"dbconn"`
	DBName          string      `mapstructure:"dbname"`
	RestfulEndpoint string      `mapstructure:"endpoint"`
	Port            string      `mapstructure:"port"`
	SSLPort         string      `mapstructure:"sslport"`
	SSLCert         string      `mapstructure:"sslcert"`
	SSLKey          string      `mapstructure:"sslkey"`
	Pool            PoolConfig  `mapstructure:"pool"`
	Cache           CacheConfig `mapstructure:"cache"`
	MbType          string      `mapstructure:"mbtype"`
	MbConn          string      `mapstructure:"mbconn"`
	MbTopic         string      `mapstructure:"mbtopic"`
	MbUser          string      `mapstructure:"mbuser"`
	MbSecret        string      `mapstructure:"mbsecret"`
	MetricsPort     string      `mapstructure:"metricsport"`
	LogLevel        string      `mapstructure:"loglevel"`
}

// String prints the configuration without secrets so it can be logged.
func (c ServiceConfig) String() string {
	c.DBConn = redact(c.DBConn)
	c.MbConn = redact(c.MbConn)
	c.MbSecret = redact(c.MbSecret)

	type plain ServiceConfig

	return fmt.Sprintf("%+v", plain(c))
}

func redact(s string) string {
	if s == "" {
		return ""
	}

	return "****"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dbtype", DBTypeDefault)
	v.SetDefault("dbconn", "")
	v.SetDefault("dbname", DBNameDefault)
	v.SetDefault("endpoint", "")
	v.SetDefault("port", PortDefault)
	v.SetDefault("sslport", "")
	v.SetDefault("sslcert", "")
	v.SetDefault("sslkey", "")
	v.SetDefault("pool.mode", PoolModeDefault)
	v.SetDefault("pool.min", PoolMinDefault)
	v.SetDefault("pool.max", PoolMaxDefault)
	v.SetDefault("pool.eager", false)
	v.SetDefault("pool.timeout", PoolTimeoutDefault)
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.size", cache.DefaultSize)
	v.SetDefault("mbtype", "")
	v.SetDefault("mbconn", "")
	v.SetDefault("mbtopic", "")
	v.SetDefault("mbuser", "")
	v.SetDefault("mbsecret", "")
	v.SetDefault("metricsport", MetricsPortDefault)
	v.SetDefault("loglevel", LogLevelDefault)
}

// ExtractConfiguration reads from the given JSON filename (if any) and the OS ENV variables and returns the
// ServiceConfig, or an error if the configuration cannot be read or is not valid.
func ExtractConfiguration(filename string) (ServiceConfig, error) {
	var conf ServiceConfig

	v := viper.New()
	setDefaults(v)

	// every key has a default, so all of them can be overridden by OS ENV variables
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filename != "" {
		v.SetConfigFile(filename)
		v.SetConfigType("json")

		if err := v.ReadInConfig(); err != nil {
			return conf, fmt.Errorf("cannot read configuration file %s: %w", filename, err)
		}
	}

	if err := v.Unmarshal(&conf); err != nil {
		return conf, fmt.Errorf("cannot decode configuration: %w", err)
	}

	return conf, conf.Validate()
}

// Validate checks the configuration is complete and consistent.
func (c ServiceConfig) Validate() error {
	if c.DBConn == "" {
		return ErrMissingDBConn
	}

	if !util.In(store.Types, c.DBType) {
		return fmt.Errorf("%w: unknown dbtype %q", ErrInvalid, c.DBType)
	}

	if c.DBType == store.MONGODB && c.DBName == "" {
		return fmt.Errorf("%w: dbname is required for %s", ErrInvalid, store.MONGODB)
	}

	if err := c.Pool.validate(); err != nil {
		return err
	}

	if c.Cache.Enabled && c.Cache.Size < 1 {
		return fmt.Errorf("%w: cache.size must be positive, got %d", ErrInvalid, c.Cache.Size)
	}

	if c.MbType != "" {
		if !util.In(msg.Types, c.MbType) {
			return fmt.Errorf("%w: unknown mbtype %q", ErrInvalid, c.MbType)
		}

		if c.MbConn == "" {
			return fmt.Errorf("%w: mbconn is required for %s", ErrInvalid, c.MbType)
		}
	}

	if c.Port == "" && (c.SSLPort == "" || c.SSLCert == "" || c.SSLKey == "") {
		return fmt.Errorf("%w: either port or sslport, sslcert and sslkey are required", ErrInvalid)
	}

	return nil
}

func (p PoolConfig) validate() error {
	if !util.In([]string{store.PerRequest, store.Pooled}, p.Mode) {
		return fmt.Errorf("%w: unknown pool.mode %q", ErrInvalid, p.Mode)
	}

	if p.Timeout <= 0 {
		return fmt.Errorf("%w: pool.timeout must be positive", ErrInvalid)
	}

	if p.Mode == store.PerRequest {
		return nil
	}

	if p.Max < 1 || p.Min < 0 || p.Min > p.Max {
		return fmt.Errorf("%w: pool bounds must satisfy 0 <= min <= max and max >= 1, got min=%d max=%d",
			ErrInvalid, p.Min, p.Max)
	}

	return nil
}
