// Package app supervises the worker process: it validates configuration,
// brings up the store and the external-service clients, probes their
// readiness, runs the consumer and the read-only HTTP surface, and tears
// everything down in order on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"

	"github.com/hyperifyio/gapanalyzer/internal/breaker"
	"github.com/hyperifyio/gapanalyzer/internal/bus"
	"github.com/hyperifyio/gapanalyzer/internal/extract"
	"github.com/hyperifyio/gapanalyzer/internal/limit"
	"github.com/hyperifyio/gapanalyzer/internal/llm"
	"github.com/hyperifyio/gapanalyzer/internal/pipeline"
	"github.com/hyperifyio/gapanalyzer/internal/search"
	"github.com/hyperifyio/gapanalyzer/internal/store"
)

// userAgent identifies this worker to the services it calls.
const userAgent = "gapanalyzer/1.0 (+https://github.com/hyperifyio/gapanalyzer)"

// App owns the worker's long-lived resources.
type App struct {
	cfg      Config
	store    *store.Store
	db       Queries // the store as seen by the HTTP surface; nil in debug mode without a database
	grobid   *extract.Client
	consumer *bus.Consumer
	httpSrv  *http.Server
}

// New wires the worker. Startup probes are fatal unless Debug, in which case
// the worker logs and limps on so local runs work without the full platform.
func New(ctx context.Context, cfg Config) (*App, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		if !cfg.Debug {
			return nil, err
		}
		log.Warn().Err(err).Msg("configuration incomplete, continuing in debug mode")
	}

	a := &App{cfg: cfg}

	st, err := store.Open(ctx, cfg.DatabaseURL())
	if err != nil {
		if !cfg.Debug {
			return nil, fmt.Errorf("init store: %w", err)
		}
		log.Warn().Err(err).Msg("store unavailable, continuing in debug mode")
	}
	a.store = st
	if st != nil {
		a.db = st
	}

	// LLM transport plus a best-effort preflight; downstream calls surface
	// real failures through the breaker and retries.
	transportCfg := openai.DefaultConfig(cfg.LLMAPIKey)
	if cfg.LLMBaseURL != "" {
		transportCfg.BaseURL = cfg.LLMBaseURL
	}
	aiClient := openai.NewClientWithConfig(transportCfg)
	provider := &llm.OpenAIProvider{Inner: aiClient}
	provider.Preflight(ctx, 5*time.Second)

	a.grobid = &extract.Client{
		BaseURL:    cfg.GrobidURL,
		HTTPClient: &http.Client{Timeout: 5 * time.Minute},
		UserAgent:  userAgent,
	}
	{
		probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := a.grobid.IsAlive(probeCtx)
		cancel()
		if err != nil {
			if !cfg.Debug {
				a.Close()
				return nil, fmt.Errorf("extraction service probe: %w", err)
			}
			log.Warn().Err(err).Msg("extraction service unreachable, continuing in debug mode")
		} else {
			log.Info().Str("url", cfg.GrobidURL).Msg("extraction service is alive")
		}
	}

	gapModel := &llm.GapModel{
		Client:  provider,
		Model:   cfg.LLMModel,
		Limiter: limit.New(cfg.LLMRateLimit, time.Minute),
		Breaker: breaker.New(3, 5*time.Minute),
	}
	searcher := &search.Client{
		Provider: &search.Arxiv{
			BaseURL:    cfg.ArxivURL,
			HTTPClient: &http.Client{Timeout: 30 * time.Second},
			UserAgent:  userAgent,
			Limiter:    limit.New(cfg.SearchRateLimit, time.Minute),
		},
	}
	pipe := &pipeline.Pipeline{
		Model:            gapModel,
		Search:           searcher,
		Extractor:        a.grobid,
		ValidationPapers: cfg.ValidationPapers,
	}

	a.consumer = bus.NewConsumer(bus.Config{
		URL:               cfg.BrokerURL(),
		OperationDeadline: cfg.OperationDeadline,
	}, pipe, a.acquireSession)
	if err := a.consumer.Connect(ctx); err != nil {
		if !cfg.Debug {
			a.Close()
			return nil, fmt.Errorf("init broker: %w", err)
		}
		log.Warn().Err(err).Msg("broker unavailable, continuing in debug mode")
	}

	return a, nil
}

func (a *App) acquireSession(ctx context.Context) (bus.Session, error) {
	if a.store == nil {
		return nil, errors.New("store not initialized")
	}
	return a.store.AcquireSession(ctx)
}

// Run serves the HTTP surface and consumes bus deliveries until ctx is
// cancelled, then drains and shuts both down.
func (a *App) Run(ctx context.Context) error {
	a.httpSrv = &http.Server{
		Addr:    a.cfg.HTTPAddr,
		Handler: a.routes(),
	}
	httpErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.cfg.HTTPAddr).Msg("http surface listening")
		if err := a.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	var runErr error
	if a.consumer.Connected() {
		runErr = a.consumer.Run(ctx)
	} else {
		<-ctx.Done()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown failed")
	}

	select {
	case err := <-httpErr:
		if runErr == nil {
			runErr = err
		}
	default:
	}
	return runErr
}

// Close releases the broker and store connections.
func (a *App) Close() {
	if a.consumer != nil {
		a.consumer.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
