package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/gapanalyzer/internal/app"
)

func main() {
	// Logging setup
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	var (
		cfg        app.Config
		configPath string
	)

	flag.StringVar(&configPath, "config", "", "Path to optional YAML config file")
	flag.StringVar(&cfg.DBHost, "db.host", "", "Postgres host")
	flag.IntVar(&cfg.DBPort, "db.port", 0, "Postgres port")
	flag.StringVar(&cfg.DBName, "db.name", "", "Postgres database name")
	flag.StringVar(&cfg.DBUser, "db.user", "", "Postgres user")
	flag.StringVar(&cfg.DBPassword, "db.password", "", "Postgres password")
	flag.StringVar(&cfg.RabbitHost, "rabbit.host", "", "Broker host")
	flag.IntVar(&cfg.RabbitPort, "rabbit.port", 0, "Broker port")
	flag.StringVar(&cfg.RabbitUser, "rabbit.user", "", "Broker user")
	flag.StringVar(&cfg.RabbitPassword, "rabbit.password", "", "Broker password")
	flag.StringVar(&cfg.RabbitVHost, "rabbit.vhost", "", "Broker virtual host")
	flag.StringVar(&cfg.GrobidURL, "grobid.url", "", "PDF extraction service base URL")
	flag.StringVar(&cfg.LLMBaseURL, "llm.base", "", "OpenAI-compatible base URL")
	flag.StringVar(&cfg.LLMModel, "llm.model", "", "Model name")
	flag.StringVar(&cfg.LLMAPIKey, "llm.key", "", "API key for the text-generation endpoint")
	flag.StringVar(&cfg.ArxivURL, "search.arxiv", "", "arXiv query API base URL")
	flag.IntVar(&cfg.LLMRateLimit, "llm.rate", 0, "LLM requests per minute")
	flag.IntVar(&cfg.SearchRateLimit, "search.rate", 0, "Search requests per minute")
	flag.IntVar(&cfg.ValidationPapers, "validation.papers", 0, "Related papers per gap validation")
	flag.DurationVar(&cfg.OperationDeadline, "deadline", 0, "Per-message processing budget (e.g. 300s)")
	flag.StringVar(&cfg.HTTPAddr, "http.addr", "", "Listen address for the read-only HTTP surface")
	flag.BoolVar(&cfg.Debug, "debug", false, "Continue past startup probe failures")
	flag.BoolVar(&cfg.Verbose, "v", false, "Verbose logging")
	flag.Parse()

	// Precedence: flags > env > config file.
	ApplyConfigSources(&cfg, configPath)

	if cfg.Verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if err := run(cfg); err != nil {
		log.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
}

// ApplyConfigSources layers env and file values under the flag values: env
// fills what flags left unset, the file fills what is still unset after env.
func ApplyConfigSources(cfg *app.Config, configPath string) {
	app.ApplyEnvToConfig(cfg)
	if configPath != "" {
		fc, err := app.LoadConfigFile(configPath)
		if err != nil {
			log.Warn().Err(err).Str("path", configPath).Msg("config file ignored")
		} else {
			app.MergeFileConfig(cfg, fc)
		}
	}
}

func run(cfg app.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	defer a.Close()

	log.Info().Msg("gap analysis worker started")
	return a.Run(ctx)
}
