// Package config loads the options table that governs a birch store
// from environment variables, a .env file, and command-line flags,
// following the teacher's own godotenv+viper+cobra wiring
// (cmd/util/util.go, rpc/common/config.go) rather than a hand-rolled flag
// parser.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix used for environment-variable configuration,
// e.g. BIRCH_CACHE_SIZE.
const EnvPrefix = "birch"

// Options is the full set of tunables governing a store's cache, batch
// coalescer, and backend connection. Default returns it filled with the
// documented defaults.
type Options struct {
	Cache               bool
	CacheSize           int
	CacheTTL            time.Duration
	CacheMaxMemoryBytes int64

	Batch             bool
	BatchSize         int
	BatchDelay        time.Duration
	OperationTimeout  time.Duration
	KeepConnectionOpen bool
	Timeout           time.Duration
	WALMode           bool
}

// Default returns the Options table's documented defaults.
func Default() Options {
	return Options{
		Cache:               true,
		CacheSize:           1000,
		CacheTTL:            0,
		CacheMaxMemoryBytes: 100 * 1024 * 1024,

		Batch:              true,
		BatchSize:          100,
		BatchDelay:         50 * time.Millisecond,
		OperationTimeout:   30 * time.Second,
		KeepConnectionOpen: true,
		Timeout:            5 * time.Second,
		WALMode:            true,
	}
}

// Validate enforces each Options field's documented constraint.
func (o Options) Validate() error {
	if o.CacheSize <= 0 {
		return fmt.Errorf("cacheSize must be a positive integer, got %d", o.CacheSize)
	}
	if o.CacheTTL < 0 {
		return fmt.Errorf("cacheTTL must be non-negative, got %s", o.CacheTTL)
	}
	if o.CacheMaxMemoryBytes <= 0 {
		return fmt.Errorf("cacheMaxMemoryMB must be positive, got %d bytes", o.CacheMaxMemoryBytes)
	}
	if o.BatchSize <= 0 {
		return fmt.Errorf("batchSize must be a positive integer, got %d", o.BatchSize)
	}
	if o.BatchDelay < 0 {
		return fmt.Errorf("batchDelay must be non-negative, got %s", o.BatchDelay)
	}
	if o.OperationTimeout <= 0 {
		return fmt.Errorf("operationTimeout must be positive, got %s", o.OperationTimeout)
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", o.Timeout)
	}
	return nil
}

// Init loads .env/.env.local (if present) and wires viper to read
// BIRCH_-prefixed environment variables, matching
// cmd/util/util.go's InitClientConfig.
func Init() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindFlags registers the Options table as persistent flags on cmd and
// binds them to viper, following cmd/util/util.go's BindCommandFlags.
func BindFlags(cmd *cobra.Command) error {
	d := Default()
	flags := cmd.PersistentFlags()
	flags.Bool("cache", d.Cache, "enable the LRU+TTL cache")
	flags.Int("cache-size", d.CacheSize, "maximum number of cache entries")
	flags.Duration("cache-ttl", d.CacheTTL, "default cache entry TTL (0 disables expiry)")
	flags.Int64("cache-max-memory-mb", d.CacheMaxMemoryBytes/(1024*1024), "maximum cache memory in MiB")
	flags.Bool("batch", d.Batch, "enable write-batch coalescing")
	flags.Int("batch-size", d.BatchSize, "maximum operations per batch flush")
	flags.Duration("batch-delay", d.BatchDelay, "maximum time a write waits before a deadline flush")
	flags.Duration("operation-timeout", d.OperationTimeout, "timeout for a batch flush")
	flags.Bool("keep-connection-open", d.KeepConnectionOpen, "keep the backend connection open between operations")
	flags.Duration("timeout", d.Timeout, "timeout for a single backend operation")
	flags.Bool("wal-mode", d.WALMode, "enable WAL mode (table backend only)")
	return viper.BindPFlags(flags)
}

// FromViper reads the Options table back out of viper after BindFlags has
// registered the flags and Init has enabled environment overrides.
func FromViper() (Options, error) {
	o := Options{
		Cache:               viper.GetBool("cache"),
		CacheSize:           viper.GetInt("cache-size"),
		CacheTTL:            viper.GetDuration("cache-ttl"),
		CacheMaxMemoryBytes: viper.GetInt64("cache-max-memory-mb") * 1024 * 1024,
		Batch:               viper.GetBool("batch"),
		BatchSize:           viper.GetInt("batch-size"),
		BatchDelay:          viper.GetDuration("batch-delay"),
		OperationTimeout:    viper.GetDuration("operation-timeout"),
		KeepConnectionOpen:  viper.GetBool("keep-connection-open"),
		Timeout:             viper.GetDuration("timeout"),
		WALMode:             viper.GetBool("wal-mode"),
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}
