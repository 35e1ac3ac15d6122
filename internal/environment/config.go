package environment

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
)

// EnvConfig is process-level configuration read from the environment, with
// an optional .env file for interactive use.
type EnvConfig struct {
	NatsURL     string
	SqsQueueURL string
	AwsRegion   string
	LogLevel    slog.Level
}

func ReadEnvConfig() *EnvConfig {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			slog.Warn("failed to load .env file", "err", err)
		}
	}

	result := &EnvConfig{
		NatsURL:     os.Getenv("BSRUN_NATS_URL"),
		SqsQueueURL: os.Getenv("BSRUN_SQS_QUEUE_URL"),
		AwsRegion:   os.Getenv("AWS_REGION"),
		LogLevel:    slog.LevelInfo,
	}
	if result.AwsRegion == "" {
		result.AwsRegion = "us-west-2"
	}

	switch os.Getenv("BSRUN_LOG_LEVEL") {
	case "debug":
		result.LogLevel = slog.LevelDebug
	case "warn":
		result.LogLevel = slog.LevelWarn
	case "error":
		result.LogLevel = slog.LevelError
	}

	return result
}
