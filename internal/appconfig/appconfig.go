// Package appconfig loads coldvault's YAML configuration file into an
// immutable Config value, filling defaults and validating before any
// component is constructed.
package appconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"coldvault/internal/cverrors"
	"coldvault/internal/objectstore"
)

// Default tunables, applied when the YAML document omits them.
const (
	DefaultChunkSize  = 8 << 20 // 8 MiB
	DefaultBufferSize = 1 << 20 // 1 MiB
	DefaultS3Max      = 128
	DefaultDBMax      = 64
	DefaultLBMax      = 16
	DefaultS3PoolSize = 32
	DefaultRestoreMax = 64
)

// ObjectStoreConfig mirrors objectstore.Config's YAML shape (§6's
// `s3_config`).
type ObjectStoreConfig struct {
	Backend  string `yaml:"backend"`
	Endpoint string `yaml:"s3_endpoint"`
	Bucket   string `yaml:"s3_bucket"`
	Region   string `yaml:"region"`

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	ProjectID           string `yaml:"project_id"`
	CredentialsFilePath string `yaml:"credentials_file"`

	AccountName string `yaml:"account_name"`
	AccountKey  string `yaml:"account_key"`

	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
}

// Config is the fully-resolved, validated configuration for a coldvault
// run. It is constructed once by Load and passed down to every
// component; nothing downstream mutates it.
type Config struct {
	RootDir         string            `yaml:"root_dir"`
	ExcludePatterns []string          `yaml:"exclude_patterns"`
	S3Config        ObjectStoreConfig `yaml:"s3_config"`

	ChunkSize  int64 `yaml:"chunksize"`
	BufferSize int   `yaml:"buffersize"`
	S3Max      int   `yaml:"s3_max"`
	DBMax      int   `yaml:"db_max"`
	LBMax      int   `yaml:"lb_max"`
	S3PoolSize int   `yaml:"s3_pool_size"`
	RestoreMax int   `yaml:"restore_max"`

	MetadataDBPath string `yaml:"metadata_db_path"`
	MetadataID     string `yaml:"metadata_id"`

	// LogLevels overrides the default log level for named components
	// (e.g. "scan", "upload", "restore"), such as {"upload": "debug"},
	// while leaving every other component at the default level. Unknown
	// level names are rejected by validate.
	LogLevels map[string]string `yaml:"log_levels"`
}

// Load reads and parses the YAML document at path, fills in defaults,
// and validates the result. A malformed document or a failed
// validation is reported as a KindConfigInvalid error, before any
// component is constructed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cverrors.Wrap(cverrors.KindConfigInvalid, fmt.Sprintf("read config %s", path), err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, cverrors.Wrap(cverrors.KindConfigInvalid, fmt.Sprintf("parse config %s", path), err)
	}

	cfg.fillDefaults()

	if err := cfg.validate(); err != nil {
		return nil, cverrors.Wrap(cverrors.KindConfigInvalid, "validate config", err)
	}

	return &cfg, nil
}

func (c *Config) fillDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.S3Max <= 0 {
		c.S3Max = DefaultS3Max
	}
	if c.DBMax <= 0 {
		c.DBMax = DefaultDBMax
	}
	if c.LBMax <= 0 {
		c.LBMax = DefaultLBMax
	}
	if c.S3PoolSize <= 0 {
		c.S3PoolSize = DefaultS3PoolSize
	}
	if c.RestoreMax <= 0 {
		c.RestoreMax = DefaultRestoreMax
	}
	if c.MetadataDBPath == "" {
		if dir, err := DefaultMetadataDir(); err == nil {
			c.MetadataDBPath = filepath.Join(dir, "metadata.db")
		}
	}
}

func (c *Config) validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("root_dir is required")
	}
	if c.S3Config.Bucket == "" {
		return fmt.Errorf("s3_config.s3_bucket is required")
	}
	if c.ChunkSize <= c.BufferSize {
		return fmt.Errorf("chunksize (%d) must be greater than buffersize (%d)", c.ChunkSize, c.BufferSize)
	}
	for name, v := range map[string]int{
		"s3_max":       c.S3Max,
		"db_max":       c.DBMax,
		"lb_max":       c.LBMax,
		"s3_pool_size": c.S3PoolSize,
		"restore_max":  c.RestoreMax,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be greater than zero, got %d", name, v)
		}
	}
	switch c.S3Config.Backend {
	case "", objectstore.BackendS3, objectstore.BackendGCS, objectstore.BackendAzure:
	default:
		return fmt.Errorf("s3_config.backend: unknown backend %q", c.S3Config.Backend)
	}
	if _, err := c.LogLevelMap(); err != nil {
		return err
	}
	return nil
}

// LogLevelMap parses LogLevels into a map keyed by component name,
// ready for logging.NewComponentFilterHandler.
func (c *Config) LogLevelMap() (map[string]slog.Level, error) {
	levels := make(map[string]slog.Level, len(c.LogLevels))
	for component, name := range c.LogLevels {
		var lvl slog.Level
		if err := lvl.UnmarshalText([]byte(name)); err != nil {
			return nil, fmt.Errorf("log_levels.%s: %w", component, err)
		}
		levels[component] = lvl
	}
	return levels, nil
}

// ObjectStore translates the config's object-store section into an
// objectstore.Config ready for objectstore.New.
func (c *Config) ObjectStore() objectstore.Config {
	return objectstore.Config{
		Backend:             objectstore.Backend(c.S3Config.Backend),
		Endpoint:            c.S3Config.Endpoint,
		Bucket:              c.S3Config.Bucket,
		Region:              c.S3Config.Region,
		AccessKeyID:         c.S3Config.AccessKeyID,
		SecretAccessKey:     c.S3Config.SecretAccessKey,
		ProjectID:           c.S3Config.ProjectID,
		CredentialsFilePath: c.S3Config.CredentialsFilePath,
		AccountName:         c.S3Config.AccountName,
		AccountKey:          c.S3Config.AccountKey,
		RateLimitPerSecond:  c.S3Config.RateLimitPerSecond,
	}
}

// DefaultMetadataDir returns the platform-appropriate default directory
// for coldvault's local metadata database, creating it if necessary.
func DefaultMetadataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("determine config directory: %w", err)
	}
	dir := filepath.Join(base, "coldvault")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create metadata directory %s: %w", dir, err)
	}
	return dir, nil
}
