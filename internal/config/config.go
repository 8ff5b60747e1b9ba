/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables (with an
 * optional .env file), providing a centralized and straightforward way to
 * manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the verification-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`

	DarajaBaseURL            string `mapstructure:"DARAJA_BASE_URL"`
	DarajaConsumerKey        string `mapstructure:"DARAJA_CONSUMER_KEY"`
	DarajaConsumerSecret     string `mapstructure:"DARAJA_CONSUMER_SECRET"`
	DarajaShortCode          string `mapstructure:"DARAJA_SHORTCODE"`
	DarajaPasskey            string `mapstructure:"DARAJA_PASSKEY"`
	DarajaCallbackURL        string `mapstructure:"DARAJA_CALLBACK_URL"`
	DarajaInitiatorName      string `mapstructure:"DARAJA_INITIATOR_NAME"`
	DarajaSecurityCredential string `mapstructure:"DARAJA_SECURITY_CREDENTIAL"`

	VerificationFeeBands string `mapstructure:"VERIFICATION_FEE_BANDS"`
	VerificationFeeMax   int64  `mapstructure:"VERIFICATION_FEE_MAX"`

	// STKPushTimeoutSeconds bounds the synchronous gateway call made during
	// StartVerification. A timed-out call leaves the session PENDING.
	STKPushTimeoutSeconds int `mapstructure:"STK_PUSH_TIMEOUT_SECONDS"`

	// SettlementEnabled turns on the chained merchant payment once a
	// verification is PAID.
	SettlementEnabled bool `mapstructure:"SETTLEMENT_ENABLED"`

	// PendingExpiryMinutes and ExpirySweepSchedule drive the housekeeping job
	// that fails sessions which never received a terminal callback.
	PendingExpiryMinutes int    `mapstructure:"PENDING_EXPIRY_MINUTES"`
	ExpirySweepSchedule  string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`

	// CallbackAllowedCIDRs restricts the gateway callback endpoint to the
	// gateway's published source ranges. Empty disables the check.
	CallbackAllowedCIDRs string `mapstructure:"CALLBACK_ALLOWED_CIDRS"`

	StartRateLimitPerMinute int `mapstructure:"START_RATE_LIMIT_PER_MINUTE"`

	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "konfirmpay:rate_limit")
	viper.SetDefault("VERIFICATION_FEE_BANDS", "1000:1,5000:5,10000:10,20000:15,30000:20,50000:30")
	viper.SetDefault("VERIFICATION_FEE_MAX", 50)
	viper.SetDefault("STK_PUSH_TIMEOUT_SECONDS", 20)
	viper.SetDefault("SETTLEMENT_ENABLED", false)
	viper.SetDefault("PENDING_EXPIRY_MINUTES", 30)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", "*/5 * * * *")
	viper.SetDefault("START_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("CORS_ALLOWED_ORIGINS", "*")

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("DARAJA_BASE_URL")
	_ = viper.BindEnv("DARAJA_CONSUMER_KEY")
	_ = viper.BindEnv("DARAJA_CONSUMER_SECRET")
	_ = viper.BindEnv("DARAJA_SHORTCODE")
	_ = viper.BindEnv("DARAJA_PASSKEY")
	_ = viper.BindEnv("DARAJA_CALLBACK_URL")
	_ = viper.BindEnv("DARAJA_INITIATOR_NAME")
	_ = viper.BindEnv("DARAJA_SECURITY_CREDENTIAL")
	_ = viper.BindEnv("VERIFICATION_FEE_BANDS")
	_ = viper.BindEnv("VERIFICATION_FEE_MAX")
	_ = viper.BindEnv("STK_PUSH_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SETTLEMENT_ENABLED")
	_ = viper.BindEnv("PENDING_EXPIRY_MINUTES")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("CALLBACK_ALLOWED_CIDRS")
	_ = viper.BindEnv("START_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	// Hosting platforms inject PORT; prefer it when present.
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}

	if config.VerificationFeeMax <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive max fee configured; using default\" fee=%d", config.VerificationFeeMax)
		config.VerificationFeeMax = 50
	}
	if config.STKPushTimeoutSeconds <= 0 {
		config.STKPushTimeoutSeconds = 20
	}
	if config.PendingExpiryMinutes <= 0 {
		config.PendingExpiryMinutes = 30
	}
	if strings.TrimSpace(config.ExpirySweepSchedule) == "" {
		config.ExpirySweepSchedule = "*/5 * * * *"
	}
	if config.StartRateLimitPerMinute < 0 {
		config.StartRateLimitPerMinute = 0
	}

	return
}
