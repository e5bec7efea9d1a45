package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/djgnfj-svg/resee/backend/internal/tiers"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "RESEE"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabasePath      = "resee.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "tauth"
	defaultTier              = "free"
	defaultRedisChannel      = "resee.realtime"
	defaultAMQPQueue         = "resee.schedule-events"
	defaultRemindersInterval = time.Hour
	defaultServiceName       = "resee-api"
	defaultSampleRatio       = 1.0
	defaultMaxAttempts       = 3

	// DriverSQLite selects the embedded SQLite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL server.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server and workers.
type AppConfig struct {
	HTTPAddress        string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	LogLevel           string
	TAuthSigningKey    string
	TAuthCookieName    string
	TAuthIssuer        string
	InternalToken      string
	AllowedOrigins     []string
	DefaultTier        tiers.Tier
	ScheduleAttempts   int
	RedisAddr          string
	RedisChannel       string
	AMQPURL            string
	AMQPQueue          string
	RemindersEnabled   bool
	RemindersInterval  time.Duration
	TracingEnabled     bool
	TracingEndpoint    string
	TracingInsecure    bool
	TracingServiceName string
	TracingSampleRatio float64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.signing_secret", "")
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("internal.token", "")
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("tiers.default", defaultTier)
	configViper.SetDefault("schedules.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("redis.addr", "")
	configViper.SetDefault("redis.channel", defaultRedisChannel)
	configViper.SetDefault("amqp.url", "")
	configViper.SetDefault("amqp.queue", defaultAMQPQueue)
	configViper.SetDefault("reminders.enabled", true)
	configViper.SetDefault("reminders.interval", defaultRemindersInterval)
	configViper.SetDefault("otel.enabled", false)
	configViper.SetDefault("otel.endpoint", "")
	configViper.SetDefault("otel.insecure", false)
	configViper.SetDefault("otel.service_name", defaultServiceName)
	configViper.SetDefault("otel.sample_ratio", defaultSampleRatio)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	tier, err := tiers.ParseTier(configViper.GetString("tiers.default"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("tiers.default: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		LogLevel:           configViper.GetString("log.level"),
		TAuthSigningKey:    configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:    configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:        configViper.GetString("tauth.issuer"),
		InternalToken:      configViper.GetString("internal.token"),
		AllowedOrigins:     parseOrigins(configViper.GetStringSlice("cors.allowed_origins")),
		DefaultTier:        tier,
		ScheduleAttempts:   configViper.GetInt("schedules.max_attempts"),
		RedisAddr:          strings.TrimSpace(configViper.GetString("redis.addr")),
		RedisChannel:       configViper.GetString("redis.channel"),
		AMQPURL:            strings.TrimSpace(configViper.GetString("amqp.url")),
		AMQPQueue:          configViper.GetString("amqp.queue"),
		RemindersEnabled:   configViper.GetBool("reminders.enabled"),
		RemindersInterval:  configViper.GetDuration("reminders.interval"),
		TracingEnabled:     configViper.GetBool("otel.enabled"),
		TracingEndpoint:    configViper.GetString("otel.endpoint"),
		TracingInsecure:    configViper.GetBool("otel.insecure"),
		TracingServiceName: configViper.GetString("otel.service_name"),
		TracingSampleRatio: configViper.GetFloat64("otel.sample_ratio"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadDatabase parses only the settings needed to open the store, for maintenance commands.
func LoadDatabase(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabaseDriver:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:     configViper.GetString("database.path"),
		DatabaseDSN:      configViper.GetString("database.dsn"),
		LogLevel:         configViper.GetString("log.level"),
		ScheduleAttempts: configViper.GetInt("schedules.max_attempts"),
	}
	if err := cfg.validateDatabase(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// parseOrigins accepts list values as well as comma separated strings from the environment.
func parseOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			origin = strings.TrimRight(strings.TrimSpace(origin), "/")
			if origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.InternalToken) == "" {
		return fmt.Errorf("internal.token is required")
	}
	for _, origin := range c.AllowedOrigins {
		if !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("cors.allowed_origins entry %q must start with http:// or https://", origin)
		}
	}
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if c.AMQPURL != "" && strings.TrimSpace(c.AMQPQueue) == "" {
		return fmt.Errorf("amqp.queue is required when amqp.url is set")
	}
	if c.RemindersEnabled && c.RemindersInterval <= 0 {
		return fmt.Errorf("reminders.interval must be positive")
	}
	return nil
}

func (c AppConfig) validateDatabase() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.ScheduleAttempts <= 0 {
		return fmt.Errorf("schedules.max_attempts must be positive")
	}
	return nil
}
