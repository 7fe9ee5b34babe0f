package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	PostgresDSN     string
	MongoURI        string
	RedisAddr       string
	RabbitURL       string
	HTTPAddr        string
	HoldTTL         time.Duration
	ProductCacheTTL time.Duration
	SweepInterval   time.Duration
	OTLPEndpoint    string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	holdTTL, _ := time.ParseDuration(os.Getenv("HOLD_TTL"))
	if holdTTL == 0 {
		holdTTL = 2 * time.Minute
	}

	cacheTTL, _ := time.ParseDuration(os.Getenv("PRODUCT_CACHE_TTL"))
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Second
	}

	sweep, _ := time.ParseDuration(os.Getenv("SWEEP_INTERVAL"))
	if sweep == 0 {
		sweep = 30 * time.Second
	}

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	return &Config{
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
		MongoURI:        os.Getenv("MONGO_URI"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RabbitURL:       os.Getenv("RABBIT_URL"),
		HTTPAddr:        addr,
		HoldTTL:         holdTTL,
		ProductCacheTTL: cacheTTL,
		SweepInterval:   sweep,
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, nil
}
