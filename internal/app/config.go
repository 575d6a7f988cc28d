package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config holds runtime configuration for the worker.
type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string

	// Message broker
	RabbitHost     string
	RabbitPort     int
	RabbitUser     string
	RabbitPassword string
	RabbitVHost    string

	// External services
	GrobidURL  string
	LLMBaseURL string
	LLMModel   string
	LLMAPIKey  string
	ArxivURL   string

	// Budgets
	LLMRateLimit      int           // requests per minute against the model
	SearchRateLimit   int           // requests per minute against the search API
	ValidationPapers  int           // related papers per gap validation
	OperationDeadline time.Duration // per-message processing budget

	// HTTP surface
	HTTPAddr string

	// Behavior
	Debug   bool
	Verbose bool
}

// withDefaults fills the hardcoded operational knobs.
func (c Config) withDefaults() Config {
	if c.DBPort == 0 {
		c.DBPort = 5432
	}
	if c.RabbitHost == "" {
		c.RabbitHost = "localhost"
	}
	if c.RabbitPort == 0 {
		c.RabbitPort = 5672
	}
	if c.RabbitVHost == "" {
		c.RabbitVHost = "/"
	}
	if c.ArxivURL == "" {
		c.ArxivURL = "https://export.arxiv.org/api/query"
	}
	if c.LLMRateLimit == 0 {
		c.LLMRateLimit = 2
	}
	if c.SearchRateLimit == 0 {
		c.SearchRateLimit = 5
	}
	if c.ValidationPapers == 0 {
		c.ValidationPapers = 5
	}
	if c.OperationDeadline == 0 {
		c.OperationDeadline = 5 * time.Minute
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8003"
	}
	return c
}

// Validate rejects configurations that cannot possibly run.
func (c Config) Validate() error {
	var problems []string
	if c.DBHost == "" || c.DBName == "" || c.DBUser == "" || c.DBPassword == "" {
		problems = append(problems, "database configuration is incomplete")
	}
	if c.RabbitUser == "" || c.RabbitPassword == "" {
		problems = append(problems, "broker configuration is incomplete")
	}
	if c.GrobidURL == "" {
		problems = append(problems, "GROBID_URL is required")
	}
	if c.LLMAPIKey == "" {
		problems = append(problems, "LLM_API_KEY is required")
	}
	if c.LLMModel == "" {
		problems = append(problems, "LLM_MODEL is required")
	}
	if len(problems) > 0 {
		return errors.New("configuration errors: " + strings.Join(problems, ", "))
	}
	return nil
}

// DatabaseURL renders the Postgres DSN, escaping credential characters.
func (c Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		url.QueryEscape(c.DBUser), url.QueryEscape(c.DBPassword), c.DBHost, c.DBPort, c.DBName)
}

// BrokerURL renders the AMQP URL.
func (c Config) BrokerURL() string {
	vhost := c.RabbitVHost
	if vhost == "" {
		vhost = "/"
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		url.QueryEscape(c.RabbitUser), url.QueryEscape(c.RabbitPassword), c.RabbitHost, c.RabbitPort, url.PathEscape(vhost))
}
