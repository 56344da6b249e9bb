package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Notification sinks
const (
	SinkLog   = "log"
	SinkRedis = "redis"
	SinkKafka = "kafka"
)

type MarketConfig struct {
	Currency string
	// ServerPort is the HTTP listen port.
	ServerPort string
}

type NotificationConfig struct {
	Sink          string
	RedisQueue    string
	KafkaBrokers  []string
	KafkaTopic    string
	DeliveryLimit time.Duration
	ChangeFeed    bool
}

type PaymentsConfig struct {
	WebhookSecret      string
	SignatureTolerance time.Duration
}

type JWTConfig struct {
	SecretKey string
}

// Config groups every setting the server reads at startup.
type Config struct {
	Market        MarketConfig
	Notifications NotificationConfig
	Payments      PaymentsConfig
	JWT           JWTConfig
}

// SetDefaults registers defaults and environment bindings. Safe to call more than once.
func SetDefaults() {
	viper.SetDefault("market.currency", "USD")
	viper.SetDefault("server.port", "8080")

	viper.SetDefault("notifications.sink", SinkLog)
	viper.SetDefault("notifications.redis_queue", "notifications")
	viper.SetDefault("notifications.kafka_brokers", "localhost:9092")
	viper.SetDefault("notifications.kafka_topic", "marketplace.notifications")
	viper.SetDefault("notifications.delivery_limit", 5*time.Second)
	viper.SetDefault("notifications.change_feed", true)

	viper.SetDefault("payments.signature_tolerance", 5*time.Minute)

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("payments.webhook_secret", "PAYMENTS_WEBHOOK_SECRET")
	viper.BindEnv("server.port", "PORT")
	viper.BindEnv("market.currency", "MARKET_CURRENCY")
	viper.BindEnv("notifications.sink", "NOTIFICATIONS_SINK")
	viper.BindEnv("notifications.kafka_brokers", "KAFKA_BROKERS")
}

// Load reads the current viper state into a Config.
func Load() *Config {
	SetDefaults()

	return &Config{
		Market: MarketConfig{
			Currency:   strings.ToUpper(viper.GetString("market.currency")),
			ServerPort: viper.GetString("server.port"),
		},
		Notifications: NotificationConfig{
			Sink:          strings.ToLower(viper.GetString("notifications.sink")),
			RedisQueue:    viper.GetString("notifications.redis_queue"),
			KafkaBrokers:  splitList(viper.GetString("notifications.kafka_brokers")),
			KafkaTopic:    viper.GetString("notifications.kafka_topic"),
			DeliveryLimit: viper.GetDuration("notifications.delivery_limit"),
			ChangeFeed:    viper.GetBool("notifications.change_feed"),
		},
		Payments: PaymentsConfig{
			WebhookSecret:      viper.GetString("payments.webhook_secret"),
			SignatureTolerance: viper.GetDuration("payments.signature_tolerance"),
		},
		JWT: JWTConfig{
			SecretKey: viper.GetString("jwt.secret_key"),
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
