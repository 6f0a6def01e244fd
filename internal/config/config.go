package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// EnvPrefix is the prefix of every environment override, e.g. COMPLIANCE_SERVER_HTTP_PORT
const EnvPrefix = "COMPLIANCE"

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	FHIR       FHIRConfig       `mapstructure:"fhir"`
	Reporting  ReportingConfig  `mapstructure:"reporting"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Security   SecurityConfig   `mapstructure:"security"`
	Currency   CurrencyConfig   `mapstructure:"currency"`
}

// ServerConfig contains HTTP/gRPC server configuration
type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	Host            string        `mapstructure:"host"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the zap configuration
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// DatabaseConfig contains database connection settings. An empty host disables persistence.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	RunMigrations   bool          `mapstructure:"run_migrations"`
}

// RedisConfig contains Redis configuration. An empty host disables the report cache.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	Database int           `mapstructure:"database"`
	PoolSize int           `mapstructure:"pool_size"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// KafkaConfig contains Kafka configuration. No brokers means events are not published.
type KafkaConfig struct {
	Brokers      string        `mapstructure:"brokers"`
	ClientID     string        `mapstructure:"client_id"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Topics       KafkaTopics   `mapstructure:"topics"`
}

// KafkaTopics defines all Kafka topic names
type KafkaTopics struct {
	ReportEvents string `mapstructure:"report_events"`
}

// FHIRConfig points at the FHIR server used for AuditEvent searches
type FHIRConfig struct {
	BaseURL     string        `mapstructure:"base_url"`
	AccessToken string        `mapstructure:"access_token"`
	Timeout     time.Duration `mapstructure:"timeout"`
	PageSize    int           `mapstructure:"page_size"`
}

// ReportingConfig contains reporting engine settings
type ReportingConfig struct {
	DefaultLookback time.Duration    `mapstructure:"default_lookback"`
	Scheduling      SchedulingConfig `mapstructure:"scheduling"`
	PDF             PDFFormatConfig  `mapstructure:"pdf"`
	Excel           ExcelConfig      `mapstructure:"excel"`
}

// SchedulingConfig contains report scheduling settings
type SchedulingConfig struct {
	EnableScheduler     bool             `mapstructure:"enable_scheduler"`
	MaxScheduledReports int              `mapstructure:"max_scheduled_reports"`
	Schedules           []ScheduleConfig `mapstructure:"schedules"`
}

// ScheduleConfig is a recurring report declared in configuration
type ScheduleConfig struct {
	ReportType string        `mapstructure:"report_type"`
	Cron       string        `mapstructure:"cron"`
	Lookback   time.Duration `mapstructure:"lookback"`
}

// PDFFormatConfig contains PDF-specific settings
type PDFFormatConfig struct {
	FontFamily  string `mapstructure:"font_family"`
	Orientation string `mapstructure:"orientation"`
}

// ExcelConfig contains Excel-specific settings
type ExcelConfig struct {
	SheetName string `mapstructure:"sheet_name"`
}

// AuditConfig contains audit trail settings
type AuditConfig struct {
	MaxEntries     int           `mapstructure:"max_entries"`
	SyncOnStart    bool          `mapstructure:"sync_on_start"`
	SyncLookback   time.Duration `mapstructure:"sync_lookback"`
	RecordRequests bool          `mapstructure:"record_requests"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	EnableMetrics bool   `mapstructure:"enable_metrics"`
	MetricsPath   string `mapstructure:"metrics_path"`
}

// SecurityConfig contains security settings. An empty secret disables token checks.
type SecurityConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWTIssuer string `mapstructure:"jwt_issuer"`
}

// CurrencyConfig sets the currency used when none is given
type CurrencyConfig struct {
	Default string `mapstructure:"default"`
}

// LoadConfig loads configuration from an optional file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set default values
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	// Database defaults
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "compliance")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.run_migrations", true)

	// Redis defaults
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.ttl", "24h")

	// Kafka defaults
	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.client_id", "compliance-engine")
	v.SetDefault("kafka.batch_timeout", "10ms")
	v.SetDefault("kafka.topics.report_events", "compliance.reports")

	v.SetDefault("fhir.base_url", "")
	v.SetDefault("fhir.timeout", "30s")
	v.SetDefault("fhir.page_size", 100)

	v.SetDefault("reporting.default_lookback", "720h")
	v.SetDefault("reporting.scheduling.enable_scheduler", true)
	v.SetDefault("reporting.scheduling.max_scheduled_reports", 50)
	v.SetDefault("reporting.pdf.font_family", "Arial")
	v.SetDefault("reporting.pdf.orientation", "P")
	v.SetDefault("reporting.excel.sheet_name", "Report")

	v.SetDefault("audit.max_entries", 10000)
	v.SetDefault("audit.sync_on_start", false)
	v.SetDefault("audit.sync_lookback", "24h")
	v.SetDefault("audit.record_requests", true)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.metrics_path", "/metrics")

	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.jwt_issuer", "")

	v.SetDefault("currency.default", "INR")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.Server.HTTPPort)
	}

	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}

	if c.Database.Host != "" && c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Kafka.Brokers != "" && c.Kafka.Topics.ReportEvents == "" {
		return fmt.Errorf("kafka report events topic is required")
	}

	if c.Audit.MaxEntries <= 0 {
		return fmt.Errorf("audit max entries must be positive: %d", c.Audit.MaxEntries)
	}

	if c.Reporting.DefaultLookback <= 0 {
		return fmt.Errorf("reporting default lookback must be positive")
	}

	switch strings.ToUpper(c.Reporting.PDF.Orientation) {
	case "P", "L":
	default:
		return fmt.Errorf("invalid PDF orientation: %s", c.Reporting.PDF.Orientation)
	}

	return nil
}

// GetDatabaseDSN returns the database connection string
func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.Username,
		c.Database.Password,
		c.Database.Database,
		c.Database.SSLMode,
	)
}

// GetRedisAddr returns the Redis connection address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// KafkaBrokers splits the comma separated broker list
func (c *Config) KafkaBrokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.Kafka.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// InitLogger initializes the logger based on configuration
func (c *Config) InitLogger() (*zap.Logger, error) {
	var config zap.Config

	if c.Logging.Development {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
	}

	level, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	config.Level = level

	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return logger, nil
}
