package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/docmchurch/mailqueue/internal/account"
	"github.com/docmchurch/mailqueue/internal/archive"
	"github.com/docmchurch/mailqueue/internal/dispatch"
	"github.com/docmchurch/mailqueue/internal/events"
	"github.com/docmchurch/mailqueue/internal/logger"
	"github.com/docmchurch/mailqueue/internal/provider"
	"github.com/docmchurch/mailqueue/internal/queue"
	"github.com/docmchurch/mailqueue/internal/storage"
)

// Config holds all application configuration.
type Config struct {
	API        APIConfig        `mapstructure:"api"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Health     HealthConfig     `mapstructure:"health"`
	Accounts   []AccountConfig  `mapstructure:"accounts"`
	Transport  TransportConfig  `mapstructure:"transport"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Events     EventsConfig     `mapstructure:"events"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
}

// APIConfig holds REST API server configuration.
type APIConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns the listen address.
func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds PostgreSQL connection configuration. An empty URL
// selects the in-memory message store.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	PoolMin        int32         `mapstructure:"pool_min"`
	PoolMax        int32         `mapstructure:"pool_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	AutoMigrate    bool          `mapstructure:"auto_migrate"`
}

// PoolConfig converts the section for storage.NewDB.
func (c DatabaseConfig) PoolConfig() storage.PoolConfig {
	return storage.PoolConfig{
		URL:            c.URL,
		MinConns:       c.PoolMin,
		MaxConns:       c.PoolMax,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// RedisConfig holds the health store connection. An empty Addr keeps
// account health in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxFiles   int    `mapstructure:"max_files"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Logger converts the section for logger.NewFromConfig.
func (c LoggingConfig) Logger() logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSizeMB:  c.MaxSizeMB,
		MaxFiles:   c.MaxFiles,
		MaxAgeDays: c.MaxAgeDays,
	}
}

// DispatcherConfig holds worker pool and retry settings.
type DispatcherConfig struct {
	Workers             int           `mapstructure:"workers"`
	IdleBackoff         time.Duration `mapstructure:"idle_backoff"`
	StoreErrorBackoff   time.Duration `mapstructure:"store_error_backoff"`
	SendTimeout         time.Duration `mapstructure:"send_timeout"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	StaleClaimTimeout   time.Duration `mapstructure:"stale_claim_timeout"`
	BaseBackoff         time.Duration `mapstructure:"base_backoff"`
	MaxBackoff          time.Duration `mapstructure:"max_backoff"`
	DefaultMaxAttempts  int           `mapstructure:"default_max_attempts"`
}

// HealthConfig holds the account health policy.
type HealthConfig struct {
	ConsecutiveFailureThreshold int           `mapstructure:"consecutive_failure_threshold"`
	SuccessRateFloor            float64       `mapstructure:"success_rate_floor"`
	MinSampleSize               int64         `mapstructure:"min_sample_size"`
	AutoRecoverAfter            time.Duration `mapstructure:"auto_recover_after"`
	FailureLogSize              int           `mapstructure:"failure_log_size"`
}

// Thresholds converts the section to an account health policy.
func (c HealthConfig) Thresholds() account.Thresholds {
	t := account.DefaultThresholds()
	if c.ConsecutiveFailureThreshold > 0 {
		t.ConsecutiveFailures = c.ConsecutiveFailureThreshold
	}
	if c.SuccessRateFloor > 0 {
		t.SuccessRateFloor = c.SuccessRateFloor
	}
	if c.MinSampleSize > 0 {
		t.MinSampleSize = c.MinSampleSize
	}
	t.AutoRecoverAfter = c.AutoRecoverAfter
	return t
}

// AccountConfig is one sending identity.
type AccountConfig struct {
	Address     string `mapstructure:"address"`
	HourlyLimit int    `mapstructure:"hourly_limit"`
}

// TransportConfig selects the outbound transport.
type TransportConfig struct {
	Type               string            `mapstructure:"type"`
	Timeout            time.Duration     `mapstructure:"timeout"`
	FromName           string            `mapstructure:"from_name"`
	Host               string            `mapstructure:"host"`
	Port               int               `mapstructure:"port"`
	TLSMode            string            `mapstructure:"tls_mode"`
	Password           string            `mapstructure:"password"`
	Passwords          map[string]string `mapstructure:"passwords"`
	LocalName          string            `mapstructure:"local_name"`
	InsecureSkipVerify bool              `mapstructure:"insecure_skip_verify"`
	APIKey             string            `mapstructure:"api_key"`
	Endpoint           string            `mapstructure:"endpoint"`
	Domain             string            `mapstructure:"domain"`
	DKIM               DKIMConfig        `mapstructure:"dkim"`
}

// DKIMConfig holds SMTP message signing settings.
type DKIMConfig struct {
	Selector   string `mapstructure:"selector"`
	Domain     string `mapstructure:"domain"`
	PrivateKey string `mapstructure:"private_key"`
	KeyPath    string `mapstructure:"key_path"`
}

// Provider converts the section for provider.New.
func (c TransportConfig) Provider() provider.Config {
	return provider.Config{
		Type:               c.Type,
		Timeout:            c.Timeout,
		FromName:           c.FromName,
		Host:               c.Host,
		Port:               c.Port,
		TLSMode:            c.TLSMode,
		Password:           c.Password,
		Passwords:          c.Passwords,
		LocalName:          c.LocalName,
		InsecureSkipVerify: c.InsecureSkipVerify,
		APIKey:             c.APIKey,
		Endpoint:           c.Endpoint,
		Domain:             c.Domain,
		DKIM: provider.DKIMConfig{
			Selector:   c.DKIM.Selector,
			Domain:     c.DKIM.Domain,
			PrivateKey: c.DKIM.PrivateKey,
			KeyPath:    c.DKIM.KeyPath,
		},
	}
}

// AuthConfig holds operator token and client API key settings.
type AuthConfig struct {
	SigningKey  string        `mapstructure:"signing_key"`
	Issuer      string        `mapstructure:"issuer"`
	Audience    string        `mapstructure:"audience"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
	// APIKeyHashes are bcrypt hashes of the accepted client API keys.
	APIKeyHashes []string `mapstructure:"api_key_hashes"`
	// WebhookToken, when set, must be presented as ?token= on provider webhooks.
	WebhookToken string `mapstructure:"webhook_token"`
	// EnqueueRateLimit caps enqueues per client per minute. Requires redis;
	// zero disables it.
	EnqueueRateLimit int `mapstructure:"enqueue_rate_limit"`
}

// EventsConfig holds provider callback intake settings.
type EventsConfig struct {
	TrackingBaseURL   string        `mapstructure:"tracking_base_url"`
	SQSQueueURL       string        `mapstructure:"sqs_queue_url"`
	SQSRegion         string        `mapstructure:"sqs_region"`
	SQSWaitTime       time.Duration `mapstructure:"sqs_wait_time"`
	SQSMaxMessages    int32         `mapstructure:"sqs_max_messages"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	// ConfirmSNS makes the SES webhook follow SNS SubscribeURLs itself.
	ConfirmSNS bool `mapstructure:"confirm_sns"`
}

// Poller converts the section for events.NewSQSPoller.
func (c EventsConfig) Poller() events.PollerConfig {
	return events.PollerConfig{
		QueueURL:          c.SQSQueueURL,
		Region:            c.SQSRegion,
		WaitTime:          int32(c.SQSWaitTime / time.Second),
		MaxMessages:       c.SQSMaxMessages,
		VisibilityTimeout: int32(c.VisibilityTimeout / time.Second),
	}
}

// SMTPConfig holds the submission listener run by cmd/smtp-server.
type SMTPConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Domain            string        `mapstructure:"domain"`
	MaxConnections    int           `mapstructure:"max_connections"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes"`
	MaxRecipients     int           `mapstructure:"max_recipients"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	AllowInsecureAuth bool          `mapstructure:"allow_insecure_auth"`
	TLSCertFile       string        `mapstructure:"tls_cert_file"`
	TLSKeyFile        string        `mapstructure:"tls_key_file"`
}

// Addr returns the listen address.
func (c SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ArchiveConfig selects where raw SMTP submissions are kept. An empty type
// disables archiving.
type ArchiveConfig struct {
	Type       string `mapstructure:"type"`
	Path       string `mapstructure:"path"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	S3Region   string `mapstructure:"s3_region"`
}

// Store converts to the archive package's config.
func (c ArchiveConfig) Store() archive.Config {
	return archive.Config{
		Type:       c.Type,
		Path:       c.Path,
		S3Bucket:   c.S3Bucket,
		S3Prefix:   c.S3Prefix,
		S3Endpoint: c.S3Endpoint,
		S3Region:   c.S3Region,
	}
}

// Registry builds the account registry from the accounts list.
func (c *Config) Registry() (*account.Registry, error) {
	accounts := make([]account.SendingAccount, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		accounts = append(accounts, account.SendingAccount{Address: a.Address, HourlyLimit: a.HourlyLimit})
	}
	return account.NewRegistry(accounts)
}

// DispatchConfig converts the dispatcher and events sections.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		Workers:             c.Dispatcher.Workers,
		IdleBackoff:         c.Dispatcher.IdleBackoff,
		StoreErrorBackoff:   c.Dispatcher.StoreErrorBackoff,
		SendTimeout:         c.Dispatcher.SendTimeout,
		ShutdownTimeout:     c.Dispatcher.ShutdownTimeout,
		HealthCheckInterval: c.Dispatcher.HealthCheckInterval,
		StaleClaimTimeout:   c.Dispatcher.StaleClaimTimeout,
		TrackingBaseURL:     c.Events.TrackingBaseURL,
	}
}

// Backoff builds the retry schedule.
func (c *Config) Backoff() *queue.Backoff {
	return queue.NewBackoff(c.Dispatcher.BaseBackoff, c.Dispatcher.MaxBackoff)
}

// Load reads configuration from the given config directory path.
// It looks for a file named "config.yaml" in that directory.
// Environment variables with prefix MAILQUEUE_ override file values.
// For example, MAILQUEUE_DATABASE_URL overrides database.url.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("MAILQUEUE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for i := range cfg.Accounts {
		if cfg.Accounts[i].HourlyLimit == 0 {
			cfg.Accounts[i].HourlyLimit = account.DefaultHourlyLimit
		}
	}

	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.read_timeout", 10*time.Second)
	v.SetDefault("api.write_timeout", 10*time.Second)
	v.SetDefault("api.shutdown_timeout", 15*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.pool_min", 2)
	v.SetDefault("database.pool_max", 10)
	v.SetDefault("database.connect_timeout", 5*time.Second)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)
	v.SetDefault("logging.max_age_days", 0)

	d := dispatch.DefaultConfig()
	v.SetDefault("dispatcher.workers", d.Workers)
	v.SetDefault("dispatcher.idle_backoff", d.IdleBackoff)
	v.SetDefault("dispatcher.store_error_backoff", d.StoreErrorBackoff)
	v.SetDefault("dispatcher.send_timeout", d.SendTimeout)
	v.SetDefault("dispatcher.shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("dispatcher.health_check_interval", d.HealthCheckInterval)
	v.SetDefault("dispatcher.stale_claim_timeout", d.StaleClaimTimeout)
	v.SetDefault("dispatcher.base_backoff", queue.DefaultBaseBackoff)
	v.SetDefault("dispatcher.max_backoff", queue.DefaultMaxBackoff)
	v.SetDefault("dispatcher.default_max_attempts", queue.DefaultMaxAttempts)

	t := account.DefaultThresholds()
	v.SetDefault("health.consecutive_failure_threshold", t.ConsecutiveFailures)
	v.SetDefault("health.success_rate_floor", t.SuccessRateFloor)
	v.SetDefault("health.min_sample_size", t.MinSampleSize)
	v.SetDefault("health.auto_recover_after", t.AutoRecoverAfter)
	v.SetDefault("health.failure_log_size", account.DefaultFailureLogSize)

	v.SetDefault("transport.type", provider.TypeStdout)
	v.SetDefault("transport.timeout", 30*time.Second)

	v.SetDefault("auth.signing_key", "")
	v.SetDefault("auth.issuer", "mailqueue")
	v.SetDefault("auth.audience", "mailqueue-ops")
	v.SetDefault("auth.token_expiry", time.Hour)
	v.SetDefault("auth.webhook_token", "")
	v.SetDefault("auth.enqueue_rate_limit", 0)

	v.SetDefault("events.tracking_base_url", "")
	v.SetDefault("events.sqs_queue_url", "")
	v.SetDefault("events.sqs_region", "us-east-1")
	v.SetDefault("events.sqs_wait_time", 20*time.Second)
	v.SetDefault("events.sqs_max_messages", 10)
	v.SetDefault("events.visibility_timeout", 30*time.Second)
	v.SetDefault("events.confirm_sns", true)

	v.SetDefault("smtp.host", "0.0.0.0")
	v.SetDefault("smtp.port", 2525)
	v.SetDefault("smtp.domain", "localhost")
	v.SetDefault("smtp.max_connections", 100)
	v.SetDefault("smtp.max_message_bytes", 10<<20)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.read_timeout", 60*time.Second)
	v.SetDefault("smtp.write_timeout", 60*time.Second)
	v.SetDefault("smtp.allow_insecure_auth", false)
	v.SetDefault("smtp.tls_cert_file", "")
	v.SetDefault("smtp.tls_key_file", "")

	v.SetDefault("archive.type", "")
	v.SetDefault("archive.path", "./data/archive")
	v.SetDefault("archive.s3_bucket", "")
	v.SetDefault("archive.s3_prefix", "raw/")
	v.SetDefault("archive.s3_endpoint", "")
	v.SetDefault("archive.s3_region", "")
}

// Validate rejects configurations the services cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("accounts: at least one sending account is required"))
	}
	for i, a := range c.Accounts {
		if a.Address == "" {
			errs = append(errs, fmt.Errorf("accounts[%d]: address is required", i))
		}
		if a.HourlyLimit <= 0 {
			errs = append(errs, fmt.Errorf("accounts[%d]: hourly_limit must be positive", i))
		}
	}

	pc := c.Transport.Provider()
	if err := pc.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}

	if c.Dispatcher.Workers < 0 {
		errs = append(errs, errors.New("dispatcher: workers must not be negative"))
	}
	if c.Dispatcher.DefaultMaxAttempts < 0 {
		errs = append(errs, errors.New("dispatcher: default_max_attempts must not be negative"))
	}
	if c.Dispatcher.MaxBackoff > 0 && c.Dispatcher.MaxBackoff < c.Dispatcher.BaseBackoff {
		errs = append(errs, errors.New("dispatcher: max_backoff must not be below base_backoff"))
	}
	if stale := c.Dispatcher.StaleClaimTimeout; stale > 0 {
		send := c.Dispatcher.SendTimeout
		if send <= 0 {
			send = dispatch.DefaultConfig().SendTimeout
		}
		if stale <= send {
			errs = append(errs, fmt.Errorf("dispatcher: stale_claim_timeout (%s) must exceed send_timeout (%s)", stale, send))
		}
	}
	if c.Health.SuccessRateFloor < 0 || c.Health.SuccessRateFloor > 100 {
		errs = append(errs, errors.New("health: success_rate_floor must be within 0-100"))
	}

	if (c.SMTP.TLSCertFile == "") != (c.SMTP.TLSKeyFile == "") {
		errs = append(errs, errors.New("smtp: tls_cert_file and tls_key_file must be set together"))
	}

	switch c.Archive.Type {
	case "", "none", "local":
	case "s3":
		if c.Archive.S3Bucket == "" {
			errs = append(errs, errors.New("archive: s3_bucket is required for type s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("archive: unsupported type %q", c.Archive.Type))
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("logging: unsupported format %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
