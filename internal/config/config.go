package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for pvexport
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Archives map[string]string // archive name -> location (path, s3://, azure://)
	Storage  StorageConfig
	Export   ExportConfig
}

type ServerConfig struct {
	Host                  string
	Port                  int
	ReadTimeout           int
	WriteTimeout          int
	MaxBodySize           int64  // Maximum request body size in bytes
	MaxConcurrentQueries  int    // Data requests allowed to run at once
	QueueTimeoutMS        int    // How long a data request waits for a slot before 429
	MaxChannelsPerRequest int    // 0 = unlimited
	RequestHistory        int    // Finished requests kept for /api/v1/requests/history
	APITokenHash          string // bcrypt hash of the bearer token; empty disables auth
	// TLS Configuration
	TLSEnabled  bool   // Enable HTTPS/TLS
	TLSCertFile string // Path to TLS certificate file (PEM format)
	TLSKeyFile  string // Path to TLS private key file (PEM format)
}

type LogConfig struct {
	Level  string
	Format string
}

type StorageConfig struct {
	TempDir string // Where remote and compressed archives are materialized
	// S3/MinIO configuration
	S3Region    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string // AWS access key (or use AWS_ACCESS_KEY_ID env var)
	S3SecretKey string // AWS secret key (or use AWS_SECRET_ACCESS_KEY env var)
	S3UseSSL    bool   // Use HTTPS for S3 connections
	S3PathStyle bool   // Use path-style addressing (required for MinIO)
	// Azure Blob Storage configuration
	AzureConnectionString   string // Connection string (simplest auth method)
	AzureAccountName        string // Storage account name
	AzureAccountKey         string // Storage account key
	AzureSASToken           string // SAS token for scoped access
	AzureEndpoint           string // Custom endpoint (for Azurite testing)
	AzureUseManagedIdentity bool   // Use managed identity (Azure-hosted deployments)
	// Remote backends fail fast after this many consecutive errors
	BreakerMaxFailures     int
	BreakerCooldownSeconds int
}

// S3Enabled reports whether any S3 setting was given.
func (s *StorageConfig) S3Enabled() bool {
	return s.S3Endpoint != "" || s.S3AccessKey != ""
}

// AzureEnabled reports whether any Azure credential was given.
func (s *StorageConfig) AzureEnabled() bool {
	return s.AzureConnectionString != "" || s.AzureAccountName != ""
}

type ExportConfig struct {
	DefaultFormat string // json, msgpack or arrow
}

// Load loads configuration from environment and config file
func Load() (*Config, error) {
	return load("")
}

// LoadFile loads configuration from an explicit file. Environment variables
// still override file values.
func LoadFile(path string) (*Config, error) {
	return load(path)
}

func load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variables
	v.SetEnvPrefix("PVEXPORT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("pvexport")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pvexport/")
		v.AddConfigPath("$HOME/.pvexport/")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found is OK, use defaults
		}
	}

	maxBodySize, err := ParseSize(v.GetString("server.max_body_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid server.max_body_size: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:                  v.GetString("server.host"),
			Port:                  v.GetInt("server.port"),
			ReadTimeout:           v.GetInt("server.read_timeout"),
			WriteTimeout:          v.GetInt("server.write_timeout"),
			MaxBodySize:           maxBodySize,
			MaxConcurrentQueries:  v.GetInt("server.max_concurrent_queries"),
			QueueTimeoutMS:        v.GetInt("server.queue_timeout_ms"),
			MaxChannelsPerRequest: v.GetInt("server.max_channels_per_request"),
			RequestHistory:        v.GetInt("server.request_history"),
			APITokenHash:          v.GetString("server.api_token_hash"),
			TLSEnabled:            v.GetBool("server.tls_enabled"),
			TLSCertFile:           v.GetString("server.tls_cert_file"),
			TLSKeyFile:            v.GetString("server.tls_key_file"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Archives: v.GetStringMapString("archives"),
		Storage: StorageConfig{
			TempDir:     v.GetString("storage.temp_dir"),
			S3Region:    v.GetString("storage.s3_region"),
			S3Endpoint:  v.GetString("storage.s3_endpoint"),
			S3AccessKey: v.GetString("storage.s3_access_key"),
			S3SecretKey: v.GetString("storage.s3_secret_key"),
			S3UseSSL:    v.GetBool("storage.s3_use_ssl"),
			S3PathStyle: v.GetBool("storage.s3_path_style"),
			// Azure Blob Storage
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
			BreakerMaxFailures:      v.GetInt("storage.breaker_max_failures"),
			BreakerCooldownSeconds:  v.GetInt("storage.breaker_cooldown_seconds"),
		},
		Export: ExportConfig{
			DefaultFormat: strings.ToLower(v.GetString("export.default_format")),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 300) // large exports stream for a while
	v.SetDefault("server.max_body_size", "4MB")
	v.SetDefault("server.max_concurrent_queries", getDefaultMaxConcurrentQueries())
	v.SetDefault("server.queue_timeout_ms", 5000)
	v.SetDefault("server.max_channels_per_request", 0)
	v.SetDefault("server.request_history", 100)
	v.SetDefault("server.api_token_hash", "")
	v.SetDefault("server.tls_enabled", false)
	v.SetDefault("server.tls_cert_file", "")
	v.SetDefault("server.tls_key_file", "")

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("archives", map[string]string{})

	// Storage defaults
	v.SetDefault("storage.temp_dir", os.TempDir())
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false) // set true for MinIO
	v.SetDefault("storage.breaker_max_failures", 5)
	v.SetDefault("storage.breaker_cooldown_seconds", 30)

	// Export defaults
	v.SetDefault("export.default_format", "json")
}

func getDefaultMaxConcurrentQueries() int {
	// Each query holds one SQLite connection and a decoded result in memory
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	if n > 32 {
		return 32
	}
	return n
}

// Validate checks values that Load cannot coerce.
func (cfg *Config) Validate() error {
	switch cfg.Export.DefaultFormat {
	case "json", "msgpack", "arrow":
	default:
		return fmt.Errorf("invalid export.default_format %q (want json, msgpack or arrow)", cfg.Export.DefaultFormat)
	}
	if cfg.Server.MaxConcurrentQueries < 1 {
		return fmt.Errorf("server.max_concurrent_queries must be at least 1, got %d", cfg.Server.MaxConcurrentQueries)
	}
	if cfg.Server.MaxChannelsPerRequest < 0 {
		return fmt.Errorf("server.max_channels_per_request cannot be negative")
	}
	for name, loc := range cfg.Archives {
		if strings.TrimSpace(loc) == "" {
			return fmt.Errorf("archive %q has an empty location", name)
		}
	}
	return nil
}

// ValidateTLS validates TLS configuration when TLS is enabled.
// Returns nil if TLS is disabled or if configuration is valid.
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}

	if cfg.TLSCertFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_cert_file not specified")
	}
	if cfg.TLSKeyFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_key_file not specified")
	}
	if err := checkFile("certificate", cfg.TLSCertFile); err != nil {
		return err
	}
	return checkFile("key", cfg.TLSKeyFile)
}

func checkFile(what, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("TLS %s file not found: %s", what, path)
		}
		return fmt.Errorf("cannot access TLS %s file %s: %w", what, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("TLS %s path is a directory, not a file: %s", what, path)
	}
	return nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))
		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	// Plain number of bytes
	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
