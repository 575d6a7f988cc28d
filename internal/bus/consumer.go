// Package bus connects the worker to the message broker: it consumes gap
// analysis requests one at a time (prefetch=1), drives the pipeline for each
// delivery, and publishes exactly one response per request. The handler never
// lets an error escape: handled failures produce a FAILED response and an
// ack; only unhandled infrastructure errors reject the delivery.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/gapanalyzer/internal/pipeline"
	"github.com/hyperifyio/gapanalyzer/internal/store"
)

// Session is the per-message store scope the consumer hands to the pipeline.
type Session interface {
	pipeline.Session
	GetAnalysisByCorrelationID(ctx context.Context, correlationID string) (*store.Analysis, error)
	Close()
}

// Analyzer runs one request to completion.
type Analyzer interface {
	Analyze(ctx context.Context, req pipeline.Request, sess pipeline.Session) (pipeline.Response, error)
}

// Config names the broker topology and the consumer's budgets.
type Config struct {
	URL string

	RequestQueue     string
	RequestExchange  string
	RequestKey       string
	ResponseExchange string
	ResponseKey      string

	// ConnectAttempts bounds the startup connect loop. Default 10.
	ConnectAttempts int
	// OperationDeadline bounds one message's processing. Default 300s.
	OperationDeadline time.Duration
}

func (c Config) withDefaults() Config {
	if c.RequestQueue == "" {
		c.RequestQueue = "gap_analysis_requests"
	}
	if c.RequestExchange == "" {
		c.RequestExchange = "scholarai.exchange"
	}
	if c.RequestKey == "" {
		c.RequestKey = "gap.analysis.request"
	}
	if c.ResponseExchange == "" {
		c.ResponseExchange = "gap_analysis_responses"
	}
	if c.ResponseKey == "" {
		c.ResponseKey = "gap.analysis.response"
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 10
	}
	if c.OperationDeadline <= 0 {
		c.OperationDeadline = 5 * time.Minute
	}
	return c
}

// Consumer owns the broker connection and the per-delivery lifecycle.
type Consumer struct {
	cfg Config

	Analyzer       Analyzer
	AcquireSession func(ctx context.Context) (Session, error)

	conn *amqp.Connection
	ch   *amqp.Channel
	tag  string

	// publishFn is overridable for tests; nil means publishResponse.
	publishFn func(ctx context.Context, resp pipeline.Response) error
}

// NewConsumer prepares a consumer; Connect must be called before Run.
func NewConsumer(cfg Config, analyzer Analyzer, acquire func(ctx context.Context) (Session, error)) *Consumer {
	return &Consumer{
		cfg:            cfg.withDefaults(),
		Analyzer:       analyzer,
		AcquireSession: acquire,
		tag:            "gapanalyzer",
	}
}

// Connect dials the broker with capped exponential backoff and declares the
// topology: topic exchanges for requests and responses and a durable request
// queue bound by the request routing key. QoS prefetch is 1 so processing is
// strictly serial per worker.
func (c *Consumer) Connect(ctx context.Context) error {
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ConnectAttempts; attempt++ {
		conn, err := amqp.Dial(c.cfg.URL)
		if err == nil {
			c.conn = conn
			log.Info().Int("attempt", attempt).Msg("connected to message broker")
			return c.declareTopology()
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Int("max", c.cfg.ConnectAttempts).Dur("retry_in", delay).Msg("broker connect failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > 15*time.Second {
			delay = 15 * time.Second
		}
	}
	return fmt.Errorf("connect broker: %w", lastErr)
}

func (c *Consumer) declareTopology() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	c.ch = ch

	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.RequestExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare request exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(c.cfg.RequestQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare request queue: %w", err)
	}
	if err := ch.QueueBind(c.cfg.RequestQueue, c.cfg.RequestKey, c.cfg.RequestExchange, false, nil); err != nil {
		return fmt.Errorf("bind request queue: %w", err)
	}
	if err := ch.ExchangeDeclare(c.cfg.ResponseExchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare response exchange: %w", err)
	}
	log.Info().Str("queue", c.cfg.RequestQueue).Msg("broker topology declared")
	return nil
}

// Run consumes deliveries until ctx is cancelled, then stops accepting new
// work, drains what the broker already handed over, and returns.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.cfg.RequestQueue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consume: %w", err)
	}
	log.Info().Str("queue", c.cfg.RequestQueue).Msg("consuming gap analysis requests")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown requested, draining in-flight deliveries")
			if err := c.ch.Cancel(c.tag, false); err != nil {
				log.Warn().Err(err).Msg("cancel consumer failed")
			}
			for d := range msgs {
				c.handleDelivery(context.Background(), d)
			}
			return nil
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handleDelivery(ctx, d)
		}
	}
}

// Close tears down the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		log.Info().Msg("disconnected from message broker")
	}
}

// Connected reports whether the broker connection is up, for health checks.
func (c *Consumer) Connected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// handleDelivery runs the full per-message lifecycle. Malformed bodies and
// pipeline failures are handled: a response is published and the message
// acked. Only infrastructure errors (no session, publish failure) reject the
// delivery without requeue so the broker can dead-letter it.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.OperationDeadline)
	defer cancel()

	var req pipeline.Request
	if err := json.Unmarshal(d.Body, &req); err != nil {
		log.Error().Err(err).Msg("invalid JSON in message body")
		resp := malformedResponse(d.Body, err)
		if perr := c.publish(ctx, resp); perr != nil {
			log.Error().Err(perr).Msg("could not publish malformed-body response")
		}
		c.ack(d)
		return
	}
	log.Info().Str("paper", req.PaperID).Str("request", req.RequestID).Msg("received gap analysis request")

	sess, err := c.AcquireSession(ctx)
	if err != nil {
		log.Error().Err(err).Msg("could not acquire store session, rejecting delivery")
		c.reject(d)
		return
	}
	defer sess.Close()

	resp, aerr := c.Analyzer.Analyze(ctx, req, sess)
	if aerr != nil && store.IsDuplicateCorrelation(aerr) {
		// Defensive: the upsert makes this unreachable, but a racing insert
		// elsewhere still gets an idempotent success echo.
		log.Info().Str("correlation", req.CorrelationID).Msg("duplicate correlation id, echoing existing analysis")
		if existing, gerr := sess.GetAnalysisByCorrelationID(ctx, req.CorrelationID); gerr == nil {
			resp = pipeline.Response{
				RequestID:     req.RequestID,
				CorrelationID: req.CorrelationID,
				Status:        "SUCCESS",
				Message:       "Analysis already exists (duplicate request handled)",
				GapAnalysisID: existing.ID.String(),
				TotalGaps:     existing.TotalGapsIdentified,
				ValidGaps:     existing.ValidGapsCount,
				Gaps:          []pipeline.GapDetail{},
			}
		}
	}

	if err := c.publish(ctx, resp); err != nil {
		log.Error().Err(err).Msg("failed to publish response, rejecting delivery")
		c.reject(d)
		return
	}
	log.Info().Str("request", resp.RequestID).Str("status", resp.Status).Msg("published gap analysis response")
	c.ack(d)
}

func (c *Consumer) publish(ctx context.Context, resp pipeline.Response) error {
	if c.publishFn != nil {
		return c.publishFn(ctx, resp)
	}
	return c.publishResponse(ctx, resp)
}

// publishResponse sends the response persistently with the correlation id and
// the request/status headers the orchestrator routes on.
func (c *Consumer) publishResponse(ctx context.Context, resp pipeline.Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return c.ch.PublishWithContext(ctx, c.cfg.ResponseExchange, c.cfg.ResponseKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: resp.CorrelationID,
		Headers: amqp.Table{
			"request_id": resp.RequestID,
			"status":     resp.Status,
		},
		Body: body,
	})
}

func (c *Consumer) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
}

func (c *Consumer) reject(d amqp.Delivery) {
	if err := d.Reject(false); err != nil {
		log.Error().Err(err).Msg("reject failed")
	}
}

// malformedResponse builds a best-effort FAILED response for a body that did
// not parse, salvaging whatever ids a partial decode can recover.
func malformedResponse(body []byte, cause error) pipeline.Response {
	var partial struct {
		RequestID     string `json:"requestId"`
		CorrelationID string `json:"correlationId"`
	}
	_ = json.Unmarshal(body, &partial)
	return pipeline.Response{
		RequestID:     partial.RequestID,
		CorrelationID: partial.CorrelationID,
		Status:        store.StatusFailed,
		Message:       "Failed to process request",
		Gaps:          []pipeline.GapDetail{},
		Error:         "invalid JSON: " + cause.Error(),
	}
}
