package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnvToConfig populates unset fields of cfg from environment variables.
// Explicit cfg values take precedence over env.
func ApplyEnvToConfig(cfg *Config) {
	if cfg == nil {
		return
	}

	setString := func(dst *string, envKey string) {
		if *dst == "" {
			*dst = os.Getenv(envKey)
		}
	}
	setInt := func(dst *int, envKey string) {
		if *dst != 0 {
			return
		}
		if n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(envKey))); err == nil && n > 0 {
			*dst = n
		}
	}

	setString(&cfg.DBHost, "DB_HOST")
	setInt(&cfg.DBPort, "DB_PORT")
	setString(&cfg.DBName, "DB_NAME")
	setString(&cfg.DBUser, "DB_USER")
	setString(&cfg.DBPassword, "DB_PASSWORD")

	setString(&cfg.RabbitHost, "RABBITMQ_HOST")
	setInt(&cfg.RabbitPort, "RABBITMQ_PORT")
	setString(&cfg.RabbitUser, "RABBITMQ_USER")
	setString(&cfg.RabbitPassword, "RABBITMQ_PASSWORD")
	setString(&cfg.RabbitVHost, "RABBITMQ_VHOST")

	setString(&cfg.GrobidURL, "GROBID_URL")
	setString(&cfg.LLMBaseURL, "LLM_BASE_URL")
	setString(&cfg.LLMModel, "LLM_MODEL")
	setString(&cfg.LLMAPIKey, "LLM_API_KEY")
	setString(&cfg.ArxivURL, "ARXIV_URL")

	setInt(&cfg.LLMRateLimit, "LLM_RATE_LIMIT")
	setInt(&cfg.SearchRateLimit, "SEARCH_RATE_LIMIT")
	setInt(&cfg.ValidationPapers, "GAP_VALIDATION_PAPERS")

	if cfg.OperationDeadline == 0 {
		if s := os.Getenv("OPERATION_DEADLINE"); s != "" {
			if d, err := time.ParseDuration(s); err == nil {
				cfg.OperationDeadline = d
			}
		}
	}

	setString(&cfg.HTTPAddr, "HTTP_ADDR")

	setBool := func(dst *bool, envKey string) {
		if *dst {
			return
		}
		switch strings.ToLower(strings.TrimSpace(os.Getenv(envKey))) {
		case "1", "true", "yes", "on":
			*dst = true
		}
	}
	setBool(&cfg.Debug, "DEBUG")
	setBool(&cfg.Verbose, "VERBOSE")
}
