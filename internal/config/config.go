package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	DatabaseURL   string
	SlackBotToken string
	OpenAIAPIKey  string

	// DigestChannel is the destination for posted digests. Empty
	// disables posting.
	DigestChannel string

	// RetentionDays below which raw messages are kept. Zero disables
	// the retention sweep.
	RetentionDays int

	MaxRetries        int
	BaseBackoff       time.Duration
	ScheduleCron      string
	SummaryWindow     time.Duration
	ConversationDelay time.Duration

	LogLevel    string
	LogFormat   string
	Environment string
}

func Load() *Config {
	// Best effort; deployed environments inject real env vars.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnvOrDefault("PORT", "8080"),
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/slacksummarizer?sslmode=disable"),
		SlackBotToken:     os.Getenv("SLACK_BOT_TOKEN"),
		OpenAIAPIKey:      os.Getenv("OPENAI_API_KEY"),
		DigestChannel:     os.Getenv("DIGEST_CHANNEL"),
		RetentionDays:     getEnvInt("RETENTION_DAYS", 0),
		MaxRetries:        getEnvInt("MAX_RETRIES", 3),
		BaseBackoff:       getEnvDuration("BASE_BACKOFF_MS", 500*time.Millisecond),
		ScheduleCron:      getEnvOrDefault("SCHEDULE_CRON", "0 18 * * *"),
		SummaryWindow:     time.Duration(getEnvInt("SUMMARY_WINDOW_HOURS", 24)) * time.Hour,
		ConversationDelay: getEnvDuration("CONVERSATION_DELAY_MS", 1000*time.Millisecond),
		LogLevel:          getEnvOrDefault("LOG_LEVEL", "INFO"),
		LogFormat:         getEnvOrDefault("LOG_FORMAT", "text"),
		Environment:       getEnvOrDefault("ENVIRONMENT", "development"),
	}
}

func (c *Config) Validate() error {
	var problems []string

	if c.SlackBotToken == "" {
		problems = append(problems, "SLACK_BOT_TOKEN is required")
	}

	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}

	if c.SlackBotToken != "" && !strings.HasPrefix(c.SlackBotToken, "xoxb-") {
		problems = append(problems, "SLACK_BOT_TOKEN must start with 'xoxb-'")
	}

	if c.RetentionDays < 0 {
		problems = append(problems, "RETENTION_DAYS must not be negative")
	}

	if c.MaxRetries < 0 {
		problems = append(problems, "MAX_RETRIES must not be negative")
	}

	if c.SummaryWindow <= 0 {
		problems = append(problems, "SUMMARY_WINDOW_HOURS must be positive")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !contains(validLogLevels, strings.ToUpper(c.LogLevel)) {
		problems = append(problems, "LOG_LEVEL must be one of: DEBUG, INFO, WARN, ERROR")
	}

	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, strings.ToLower(c.LogFormat)) {
		problems = append(problems, "LOG_FORMAT must be one of: text, json")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	return nil
}

// PostingEnabled reports whether a digest destination is configured.
func (c *Config) PostingEnabled() bool {
	return c.DigestChannel != ""
}

// ModelEnabled reports whether the model-backed summary path is configured.
func (c *Config) ModelEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// RetentionEnabled reports whether the retention sweep is configured.
func (c *Config) RetentionEnabled() bool {
	return c.RetentionDays > 0
}

func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	ms := getEnvInt(key, -1)
	if ms < 0 {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
