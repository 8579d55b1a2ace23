package config

import (
	"os"
	"strconv"
)

type Config struct {
	DatabaseURL    string
	APIPort        int
	APIToken       string
	Debug          bool
	ProvidersPath  string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	EmbeddingModel string
}

func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    getEnvOrDefault("TOOLGATE_DATABASE_URL", "toolgate.db"),
		APIPort:        getEnvIntOrDefault("TOOLGATE_API_PORT", 8080),
		APIToken:       os.Getenv("TOOLGATE_API_TOKEN"),
		Debug:          getEnvBoolOrDefault("TOOLGATE_DEBUG", false),
		ProvidersPath:  getEnvOrDefault("TOOLGATE_PROVIDERS", "providers.json"),
		OpenAIAPIKey:   getEnvOrDefault("TOOLGATE_OPENAI_API_KEY", os.Getenv("OPENAI_API_KEY")),
		OpenAIBaseURL:  os.Getenv("TOOLGATE_OPENAI_BASE_URL"),
		EmbeddingModel: os.Getenv("TOOLGATE_EMBEDDING_MODEL"),
	}

	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
