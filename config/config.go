package config

import (
	"os"
	"strconv"
	"time"

	"ticket-engine/internal/gateway/kpay"
	"ticket-engine/internal/gateway/vpay"
)

type Config struct {
	// Server configuration
	Port        string
	Environment string

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// PubNub configuration
	PubNubPublishKey   string
	PubNubSubscribeKey string
	PubNubSecretKey    string
	PubNubUUID         string

	// Settlement configuration
	Currency           string
	ReservationTimeout time.Duration
	SweepInterval      time.Duration
	SessionTTL         time.Duration

	// Payment providers
	VPay vpay.Config
	KPay kpay.Config

	// Monitoring
	EnableMetrics bool
	MetricsPort   string
}

func LoadConfig() *Config {
	return &Config{
		// Server
		Port:        getEnv("PORT", "8090"),
		Environment: getEnv("ENVIRONMENT", "development"),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// PubNub
		PubNubPublishKey:   getEnv("PUBNUB_PUBLISH_KEY", ""),
		PubNubSubscribeKey: getEnv("PUBNUB_SUBSCRIBE_KEY", ""),
		PubNubSecretKey:    getEnv("PUBNUB_SECRET_KEY", ""),
		PubNubUUID:         getEnv("PUBNUB_UUID", "ticket-engine"),

		// Settlement
		Currency:           getEnv("CURRENCY", "USD"),
		ReservationTimeout: getEnvAsDuration("RESERVATION_TIMEOUT", "15m"),
		SweepInterval:      getEnvAsDuration("SWEEP_INTERVAL", "5m"),
		SessionTTL:         getEnvAsDuration("SESSION_TTL", "20m"),

		// VPay
		VPay: vpay.Config{
			BaseURL:     getEnv("VPAY_BASE_URL", ""),
			MerchantID:  getEnv("VPAY_MERCHANT_ID", ""),
			SecretKey:   getEnv("VPAY_SECRET_KEY", ""),
			CallbackURL: getEnv("VPAY_CALLBACK_URL", ""),
		},

		// KPay
		KPay: kpay.Config{
			BaseURL:        getEnv("KPAY_BASE_URL", ""),
			AccessTokenURL: getEnv("KPAY_ACCESS_TOKEN_URL", ""),
			ClientID:       getEnv("KPAY_CLIENT_ID", ""),
			ClientSecret:   getEnv("KPAY_CLIENT_SECRET", ""),
			MerchantCode:   getEnv("KPAY_MERCHANT_CODE", ""),
			SignKey:        getEnv("KPAY_SIGN_KEY", ""),
			NotifyURL:      getEnv("KPAY_NOTIFY_URL", ""),
		},

		// Monitoring
		EnableMetrics: getEnvAsBool("ENABLE_METRICS", true),
		MetricsPort:   getEnv("METRICS_PORT", "9090"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// If parsing fails, try to parse default value
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}
