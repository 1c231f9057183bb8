// Package config holds the application configuration surface, populated
// from defaults, an optional yaml file and DEPVET_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	Port          int    `mapstructure:"port"`
	LogLevel      string `mapstructure:"log_level"`
	BodyLimitMB   int    `mapstructure:"body_limit_mb"`
	HumanReadable bool   `mapstructure:"human_readable_output"`

	Database    DatabaseConfig    `mapstructure:"database"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	SourceRepo  RepoConfig        `mapstructure:"source_repo"`
	TargetRepo  RepoConfig        `mapstructure:"target_repo"`
	Scanner     ScannerConfig     `mapstructure:"scanner"`
	Fetcher     FetcherConfig     `mapstructure:"fetcher"`
	Admission   AdmissionConfig   `mapstructure:"admission"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
}

type DatabaseConfig struct {
	// Driver selects "postgres" or "sqlite"
	Driver   string `mapstructure:"driver"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	// Path is the sqlite database file, ":memory:" for ephemeral use
	Path string `mapstructure:"path"`
}

type PersistenceConfig struct {
	// Type selects "filesystem" or "s3"
	Type       string   `mapstructure:"type"`
	StorageDir string   `mapstructure:"storage_dir"`
	S3         S3Config `mapstructure:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Region    string `mapstructure:"region"`
	Bucket    string `mapstructure:"bucket"`
	KeyID     string `mapstructure:"key_id"`
	AccessKey string `mapstructure:"access_key"`
	Timeout   string `mapstructure:"timeout"`
}

type RepoConfig struct {
	// BaseURL substitutes the repository host, e.g. a private mirror.
	// Empty means the lockfile's resolved URLs are used as-is.
	BaseURL string `mapstructure:"base_url"`
}

type ScannerConfig struct {
	Endpoint     string          `mapstructure:"endpoint"`
	Timeout      time.Duration   `mapstructure:"timeout"`
	PollInterval time.Duration   `mapstructure:"poll_interval"`
	Weights      SeverityWeights `mapstructure:"weights"`
}

// SeverityWeights drive the security score penalty per finding. The exact
// mapping from severity counts to score is policy, so it is configurable
// rather than a hidden constant.
type SeverityWeights struct {
	Critical float64 `mapstructure:"critical"`
	High     float64 `mapstructure:"high"`
	Medium   float64 `mapstructure:"medium"`
	Low      float64 `mapstructure:"low"`
	Info     float64 `mapstructure:"info"`
}

type FetcherConfig struct {
	// Attempts bounds retries of transient download failures
	Attempts        int           `mapstructure:"attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	// RequestTimeout bounds one HTTP attempt, so a repository that
	// accepts the connection and never answers cannot hang a download
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type AdmissionConfig struct {
	// Policy is "reject" or "queue" for concurrent same-user uploads
	Policy string `mapstructure:"policy"`
}

type ConcurrencyConfig struct {
	Downloads int64 `mapstructure:"downloads"`
	Scans     int64 `mapstructure:"scans"`
}

// Load populates an AppConfig from defaults, the optional yaml file at
// path, and DEPVET_* environment variables, in increasing precedence.
func Load(path string) (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("body_limit_mb", 50)
	v.SetDefault("human_readable_output", false)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.username", "depvet")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "depvet")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "depvet.db")

	v.SetDefault("persistence.type", "filesystem")
	v.SetDefault("persistence.storage_dir", "artifacts")

	v.SetDefault("source_repo.base_url", "")
	v.SetDefault("target_repo.base_url", "")

	v.SetDefault("scanner.endpoint", "http://localhost:9090")
	v.SetDefault("scanner.timeout", "5m")
	v.SetDefault("scanner.poll_interval", "2s")
	v.SetDefault("scanner.weights.critical", 25.0)
	v.SetDefault("scanner.weights.high", 10.0)
	v.SetDefault("scanner.weights.medium", 4.0)
	v.SetDefault("scanner.weights.low", 1.0)
	v.SetDefault("scanner.weights.info", 0.1)

	v.SetDefault("fetcher.attempts", 3)
	v.SetDefault("fetcher.initial_interval", "500ms")
	v.SetDefault("fetcher.request_timeout", "2m")

	v.SetDefault("admission.policy", "reject")

	v.SetDefault("concurrency.downloads", 4)
	v.SetDefault("concurrency.scans", 2)

	v.SetEnvPrefix("DEPVET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}
