package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port               string
	DatabaseURL        string
	QueueDepth         int
	ClaimRetryLimit    int
	NoShowGrace        time.Duration
	NoShowInterval     time.Duration
	NoShowBatchSize    int
	RateLimitPerMinute int
	RateLimitBurst     int
	AMQPURL            string
	AMQPExchange       string
	OTLPEndpoint       string
	OTLPInsecure       bool
}

func Load() Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	exchange := os.Getenv("AMQP_EXCHANGE")
	if exchange == "" {
		exchange = "queue_snapshots"
	}

	return Config{
		Port:               port,
		DatabaseURL:        os.Getenv("DB_DSN"),
		QueueDepth:         readInt("SNAPSHOT_QUEUE_DEPTH", 5),
		ClaimRetryLimit:    readInt("CLAIM_RETRY_LIMIT", 3),
		NoShowGrace:        readDurationSeconds("NO_SHOW_GRACE_SECONDS", 300),
		NoShowInterval:     readDurationSeconds("NO_SHOW_SCAN_INTERVAL_SECONDS", 30),
		NoShowBatchSize:    readInt("NO_SHOW_BATCH_SIZE", 100),
		RateLimitPerMinute: readInt("RATE_LIMIT_PER_MIN", 120),
		RateLimitBurst:     readInt("RATE_LIMIT_BURST", 30),
		AMQPURL:            os.Getenv("AMQP_URL"),
		AMQPExchange:       exchange,
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:       os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	}
}

func readDurationSeconds(key string, fallback int) time.Duration {
	value := readInt(key, fallback)
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}
