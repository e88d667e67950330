/**
 * @description
 * Configuration management for the crowdfunding service. Values come from environment
 * variables, optionally seeded from a .env file, through Viper.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultMaxDurationSeconds = 50400
	defaultRateLimitPrefix    = "crowdfunding:rate_limit"
	defaultEventsExchange     = "crowdfunding.events"
	defaultLaunchPerMinute    = 10
)

// Config holds all the configuration variables for the crowdfunding service.
type Config struct {
	ServerPort                 string `mapstructure:"SERVER_PORT"`
	StorageBackend             string `mapstructure:"STORAGE_BACKEND"`
	DatabaseURL                string `mapstructure:"DATABASE_URL"`
	SQLitePath                 string `mapstructure:"SQLITE_PATH"`
	RabbitMQURL                string `mapstructure:"RABBITMQ_URL"`
	EventsExchange             string `mapstructure:"EVENTS_EXCHANGE"`
	RedisURL                   string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix       string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	WriteRateLimitPerMinute    int    `mapstructure:"WRITE_RATE_LIMIT_PER_MINUTE"`
	LaunchRateLimitPerMinute   int    `mapstructure:"LAUNCH_RATE_LIMIT_PER_MINUTE"`
	JWTSigningKey              string `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer                  string `mapstructure:"JWT_ISSUER"`
	JWTAudience                string `mapstructure:"JWT_AUDIENCE"`
	AdminAccount               string `mapstructure:"ADMIN_ACCOUNT"`
	CustodyAccount             string `mapstructure:"CUSTODY_ACCOUNT"`
	CampaignMaxDurationSeconds int64  `mapstructure:"CAMPAIGN_MAX_DURATION_SECONDS"`
	AutoUpgradeLayout          bool   `mapstructure:"AUTO_UPGRADE_LAYOUT"`
	TokenServiceURL            string `mapstructure:"TOKEN_SERVICE_URL"`
	TokenServiceAPIKey         string `mapstructure:"TOKEN_SERVICE_API_KEY"`
	LocalTokens                string `mapstructure:"LOCAL_TOKENS"`
	LocalTokenGenesis          string `mapstructure:"LOCAL_TOKEN_GENESIS"`
	CustodyAuditSchedule       string `mapstructure:"CUSTODY_AUDIT_SCHEDULE"`
	OTelExporterEndpoint       string `mapstructure:"OTEL_EXPORTER_ENDPOINT"`
	CORSAllowedOrigins         string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// MaxDuration is the campaign window ceiling the ledger is initialized with.
func (c Config) MaxDuration() time.Duration {
	return time.Duration(c.CampaignMaxDurationSeconds) * time.Second
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	return splitList(c.CORSAllowedOrigins)
}

// LocalTokenIDs splits LOCAL_TOKENS on commas.
func (c Config) LocalTokenIDs() []string {
	return splitList(c.LocalTokens)
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// LoadConfig reads configuration from environment variables and an optional .env in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("STORAGE_BACKEND", "memory")
	viper.SetDefault("SQLITE_PATH", "crowdfunding.db")
	viper.SetDefault("EVENTS_EXCHANGE", defaultEventsExchange)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", defaultRateLimitPrefix)
	viper.SetDefault("WRITE_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("LAUNCH_RATE_LIMIT_PER_MINUTE", defaultLaunchPerMinute)
	viper.SetDefault("ADMIN_ACCOUNT", "admin")
	viper.SetDefault("CUSTODY_ACCOUNT", "crowdfunding-escrow")
	viper.SetDefault("CAMPAIGN_MAX_DURATION_SECONDS", defaultMaxDurationSeconds)
	viper.SetDefault("AUTO_UPGRADE_LAYOUT", true)
	viper.SetDefault("CUSTODY_AUDIT_SCHEDULE", "@every 15m")
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("STORAGE_BACKEND")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("SQLITE_PATH")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EVENTS_EXCHANGE")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CROWDFUNDING_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("WRITE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("LAUNCH_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("JWT_SIGNING_KEY")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("ADMIN_ACCOUNT")
	_ = viper.BindEnv("CUSTODY_ACCOUNT")
	_ = viper.BindEnv("CAMPAIGN_MAX_DURATION_SECONDS")
	_ = viper.BindEnv("AUTO_UPGRADE_LAYOUT")
	_ = viper.BindEnv("TOKEN_SERVICE_URL")
	_ = viper.BindEnv("TOKEN_SERVICE_API_KEY", "TOKEN_SERVICE_API_KEY", "TOKEN_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("LOCAL_TOKENS")
	_ = viper.BindEnv("LOCAL_TOKEN_GENESIS")
	_ = viper.BindEnv("CUSTODY_AUDIT_SCHEDULE")
	_ = viper.BindEnv("OTEL_EXPORTER_ENDPOINT", "OTEL_EXPORTER_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.StorageBackend = strings.ToLower(strings.TrimSpace(config.StorageBackend))
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = defaultRateLimitPrefix
	}
	if strings.TrimSpace(config.EventsExchange) == "" {
		config.EventsExchange = defaultEventsExchange
	}
	config.TokenServiceURL = strings.TrimSpace(config.TokenServiceURL)
	config.TokenServiceAPIKey = strings.TrimSpace(config.TokenServiceAPIKey)
	config.AdminAccount = strings.TrimSpace(config.AdminAccount)
	config.CustodyAccount = strings.TrimSpace(config.CustodyAccount)

	if config.WriteRateLimitPerMinute <= 0 {
		config.WriteRateLimitPerMinute = 60
	}
	if config.LaunchRateLimitPerMinute <= 0 {
		config.LaunchRateLimitPerMinute = defaultLaunchPerMinute
	}
	config.LocalTokenGenesis = strings.TrimSpace(config.LocalTokenGenesis)
	if config.CampaignMaxDurationSeconds <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive campaign max duration configured; using default\" value=%d", config.CampaignMaxDurationSeconds)
		config.CampaignMaxDurationSeconds = defaultMaxDurationSeconds
	}
	if strings.TrimSpace(config.JWTSigningKey) == "" {
		log.Printf("level=warn component=config msg=\"JWT_SIGNING_KEY is empty; authenticated routes will reject every request\"")
	}

	return
}
