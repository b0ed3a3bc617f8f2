package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the deal processor service
type Config struct {
	// Database configuration
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBTLSMode  string

	// Server configuration
	Port string

	// RabbitMQ configuration
	RabbitMQHost                string
	RabbitMQPort                string
	RabbitMQUser                string
	RabbitMQPassword            string
	RabbitMQExchange            string
	RabbitMQQueue               string
	RabbitMQPhotoTextRoutingKey string
	RabbitMQPrefetchCount       int

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables
func Load() *Config {
	// .env is optional; real deployments set env vars directly.
	_ = godotenv.Load()

	config := &Config{
		// Database defaults
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "server"),
		DBPassword: getEnv("DB_PASSWORD", "secret_app"),
		DBName:     getEnv("DB_NAME", "deals"),
		DBTLSMode:  getEnv("DB_TLS_MODE", "false"),

		// Server defaults
		Port: getEnv("PORT", "8080"),

		// RabbitMQ defaults
		RabbitMQHost:                getEnv("AMQP_HOST", "localhost"),
		RabbitMQPort:                getEnv("AMQP_PORT", "5672"),
		RabbitMQUser:                getEnv("AMQP_USER", "guest"),
		RabbitMQPassword:            getEnv("AMQP_PASSWORD", "guest"),
		RabbitMQExchange:            getEnv("RABBITMQ_EXCHANGE", "deal_exchange"),
		RabbitMQQueue:               getEnv("RABBITMQ_QUEUE", "deal_processor_queue"),
		RabbitMQPhotoTextRoutingKey: getEnv("RABBITMQ_PHOTO_TEXT_ROUTING_KEY", "photo.text.detected"),
		RabbitMQPrefetchCount:       getIntEnv("RABBITMQ_PREFETCH_COUNT", 10),

		// Logging defaults
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return config
}

// GetRabbitMQURL constructs the AMQP URL from individual components
func (c *Config) GetRabbitMQURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s", c.RabbitMQUser, c.RabbitMQPassword, c.RabbitMQHost, c.RabbitMQPort)
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable or returns a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
