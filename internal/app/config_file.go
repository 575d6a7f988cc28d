package app

import (
	"fmt"
	"os"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// FileConfig is the single-file configuration schema. Nested sections map
// naturally to the flag/env names.
type FileConfig struct {
	DB struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Name     string `yaml:"name"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
	} `yaml:"db"`

	Rabbit struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		VHost    string `yaml:"vhost"`
	} `yaml:"rabbit"`

	Grobid struct {
		URL string `yaml:"url"`
	} `yaml:"grobid"`

	LLM struct {
		BaseURL   string `yaml:"base"`
		Model     string `yaml:"model"`
		APIKey    string `yaml:"key"`
		RateLimit int    `yaml:"rateLimit"`
	} `yaml:"llm"`

	Search struct {
		ArxivURL  string `yaml:"arxivUrl"`
		RateLimit int    `yaml:"rateLimit"`
	} `yaml:"search"`

	ValidationPapers int `yaml:"validationPapers"`
	// OperationDeadline is a Go duration string, e.g. "300s".
	OperationDeadline string `yaml:"operationDeadline"`
	HTTPAddr          string `yaml:"httpAddr"`
	Debug             bool   `yaml:"debug"`
	Verbose           bool   `yaml:"verbose"`
}

// LoadConfigFile reads and parses a YAML config file.
func LoadConfigFile(path string) (FileConfig, error) {
	var fc FileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config file: %w", err)
	}
	return fc, nil
}

// MergeFileConfig fills unset cfg fields from the file. Flags and env applied
// earlier win.
func MergeFileConfig(cfg *Config, fc FileConfig) {
	setString := func(dst *string, v string) {
		if *dst == "" {
			*dst = v
		}
	}
	setInt := func(dst *int, v int) {
		if *dst == 0 && v > 0 {
			*dst = v
		}
	}

	setString(&cfg.DBHost, fc.DB.Host)
	setInt(&cfg.DBPort, fc.DB.Port)
	setString(&cfg.DBName, fc.DB.Name)
	setString(&cfg.DBUser, fc.DB.User)
	setString(&cfg.DBPassword, fc.DB.Password)

	setString(&cfg.RabbitHost, fc.Rabbit.Host)
	setInt(&cfg.RabbitPort, fc.Rabbit.Port)
	setString(&cfg.RabbitUser, fc.Rabbit.User)
	setString(&cfg.RabbitPassword, fc.Rabbit.Password)
	setString(&cfg.RabbitVHost, fc.Rabbit.VHost)

	setString(&cfg.GrobidURL, fc.Grobid.URL)
	setString(&cfg.LLMBaseURL, fc.LLM.BaseURL)
	setString(&cfg.LLMModel, fc.LLM.Model)
	setString(&cfg.LLMAPIKey, fc.LLM.APIKey)
	setInt(&cfg.LLMRateLimit, fc.LLM.RateLimit)

	setString(&cfg.ArxivURL, fc.Search.ArxivURL)
	setInt(&cfg.SearchRateLimit, fc.Search.RateLimit)

	setInt(&cfg.ValidationPapers, fc.ValidationPapers)
	if cfg.OperationDeadline == 0 && fc.OperationDeadline != "" {
		if d, err := time.ParseDuration(fc.OperationDeadline); err == nil {
			cfg.OperationDeadline = d
		}
	}
	setString(&cfg.HTTPAddr, fc.HTTPAddr)
	if fc.Debug {
		cfg.Debug = true
	}
	if fc.Verbose {
		cfg.Verbose = true
	}
}
