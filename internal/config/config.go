package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultPath is the configuration file read when no path is given.
var DefaultPath = filepath.Join("config", "csv.config.json")

// ErrInvalidConfig marks every configuration problem that must stop a run
// before any extraction work begins.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	PatientIDCSVPath    string              `mapstructure:"patientIdCsvPath"`
	AWSConfig           *AWSConfig          `mapstructure:"awsConfig"`
	NotificationInfo    *NotificationInfo   `mapstructure:"notificationInfo"`
	Extractors          []ExtractorConfig   `mapstructure:"extractors"`
	CommonExtractorArgs CommonExtractorArgs `mapstructure:"commonExtractorArgs"`
	RunLog              RunLogConfig        `mapstructure:"runLog"`
	SkipEmptyBundles    bool                `mapstructure:"skipEmptyBundles"`
	ExtractionWorkers   int                 `mapstructure:"extractionWorkers"`
	Metrics             MetricsConfig       `mapstructure:"metrics"`
	Archive             *ArchiveConfig      `mapstructure:"archive"`
}

// AWSConfig holds the SMART backend-services settings of the ICAREdata
// messaging endpoint.
type AWSConfig struct {
	BaseURL        string `mapstructure:"baseURL"`
	ClientID       string `mapstructure:"clientId"`
	Aud            string `mapstructure:"aud"`
	PrivateKeyPath string `mapstructure:"privateKeyPath"`
	KeyID          string `mapstructure:"keyId"`
	Scope          string `mapstructure:"scope"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

type NotificationInfo struct {
	To       string `mapstructure:"to"`
	From     string `mapstructure:"from"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ExtractorConfig struct {
	Label           string          `mapstructure:"label"`
	Type            string          `mapstructure:"type"`
	ConstructorArgs ConstructorArgs `mapstructure:"constructorArgs"`
}

type ConstructorArgs struct {
	FilePath string `mapstructure:"filePath"`
}

type CommonExtractorArgs struct {
	ClinicalSiteID     string `mapstructure:"clinicalSiteID"`
	ClinicalSiteSystem string `mapstructure:"clinicalSiteSystem"`
}

// RunLogConfig selects the run-history backend. DatabaseURL takes precedence
// over Path when both are set.
type RunLogConfig struct {
	Path        string `mapstructure:"path"`
	DatabaseURL string `mapstructure:"databaseUrl"`
}

type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgatewayUrl"`
	Job            string `mapstructure:"job"`
}

type ArchiveConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	AccessKey string `mapstructure:"accessKey"`
	SecretKey string `mapstructure:"secretKey"`
	UseSSL    bool   `mapstructure:"useSSL"`
}

// Load reads the JSON configuration file at path. Values may be overridden by
// ICARE_-prefixed environment variables, e.g. ICARE_AWSCONFIG_CLIENTID.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvPrefix("ICARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("skipEmptyBundles", true)
	v.SetDefault("extractionWorkers", 1)
	v.SetDefault("metrics.job", "icare-extract")

	if err := v.ReadInConfig(); err != nil {
		abs, _ := filepath.Abs(path)
		return nil, fmt.Errorf("%w: the provided filepath to a configuration file %s, full path %s, did not point to a valid JSON file: %v",
			ErrInvalidConfig, path, abs, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal config: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ExtractionWorkers < 1 {
		c.ExtractionWorkers = 1
	}
	if c.AWSConfig != nil && c.AWSConfig.TimeoutSeconds <= 0 {
		c.AWSConfig.TimeoutSeconds = 30
	}
}

// Validate checks the fields a run needs. AWSConfig is not required for a
// test-extraction run since nothing is posted.
func (c *Config) Validate(testExtraction bool) error {
	if c.PatientIDCSVPath == "" {
		return fmt.Errorf("%w: patientIdCsvPath is required in config file", ErrInvalidConfig)
	}
	if !testExtraction && c.AWSConfig == nil {
		return fmt.Errorf("%w: awsConfig is required in config file", ErrInvalidConfig)
	}
	if c.AWSConfig != nil && !testExtraction {
		if c.AWSConfig.BaseURL == "" {
			return fmt.Errorf("%w: awsConfig.baseURL is required", ErrInvalidConfig)
		}
		if c.AWSConfig.ClientID == "" {
			return fmt.Errorf("%w: awsConfig.clientId is required", ErrInvalidConfig)
		}
		if c.AWSConfig.PrivateKeyPath == "" {
			return fmt.Errorf("%w: awsConfig.privateKeyPath is required", ErrInvalidConfig)
		}
	}
	for i, e := range c.Extractors {
		if e.Type == "" {
			return fmt.Errorf("%w: extractors[%d] has no type", ErrInvalidConfig, i)
		}
	}
	if c.Archive != nil && c.Archive.Bucket == "" {
		return fmt.Errorf("%w: archive.bucket is required when archive is configured", ErrInvalidConfig)
	}
	return nil
}

// UsesDatabaseRunLog reports whether run history is kept in Postgres.
func (c *Config) UsesDatabaseRunLog() bool {
	return c.RunLog.DatabaseURL != ""
}
