// Package export publishes per-iteration summaries and audit records to
// Redis so dashboards can follow a soak run without touching its artifact
// directory. The export path is strictly optional: every failure is absorbed
// by a circuit breaker and the loop continues.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/circuitbreaker"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/journal"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/metrics"
)

// Exporter writes summaries to Redis keys and journal records to a Redis
// stream, both namespaced by environment and exchange.
type Exporter struct {
	client    *redis.Client
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
	keyPrefix string
	stream    string
	ttl       time.Duration
	maxLen    int64
}

// Options configure the exporter.
type Options struct {
	// URL is a redis:// connection string.
	URL string
	// Env and Exchange namespace all keys: soak:{env}:{exchange}:...
	Env      string
	Exchange string
	// TTL for summary keys. Default 48h.
	TTL time.Duration
	// MaxStreamLen caps the journal stream via approximate MAXLEN trimming.
	// Default 10000.
	MaxStreamLen int64
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options, logger *slog.Logger) (*Exporter, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if opts.TTL <= 0 {
		opts.TTL = 48 * time.Hour
	}
	if opts.MaxStreamLen <= 0 {
		opts.MaxStreamLen = 10000
	}
	log := logger.With("component", "export")

	e := &Exporter{
		client:    client,
		logger:    log,
		keyPrefix: fmt.Sprintf("soak:%s:%s", opts.Env, opts.Exchange),
		ttl:       opts.TTL,
		maxLen:    opts.MaxStreamLen,
	}
	e.stream = e.keyPrefix + ":journal"
	e.breaker = circuitbreaker.New(circuitbreaker.Options{
		OnStateChange: func(from, to circuitbreaker.State) {
			log.Warn("export breaker state change", "from", from.String(), "to", to.String())
			metrics.ExportBreakerState.Set(float64(to))
		},
	})
	return e, nil
}

// Close releases the Redis connection.
func (e *Exporter) Close() error {
	return e.client.Close()
}

// PublishSummary stores one iteration summary under a per-iteration key with
// TTL and refreshes the latest-summary key. Breaker-protected; errors are
// logged and swallowed.
func (e *Exporter) PublishSummary(ctx context.Context, iteration int, summary any) {
	payload, err := json.Marshal(summary)
	if err != nil {
		e.logger.Error("marshal summary for export", "error", err)
		return
	}
	e.send(ctx, "summary", func(ctx context.Context) error {
		key := fmt.Sprintf("%s:iter:%d", e.keyPrefix, iteration)
		if err := e.client.Set(ctx, key, payload, e.ttl).Err(); err != nil {
			return err
		}
		return e.client.Set(ctx, e.keyPrefix+":latest", payload, e.ttl).Err()
	})
}

// PublishRecord appends one audit record to the journal stream, trimming it
// to the configured approximate length.
func (e *Exporter) PublishRecord(ctx context.Context, rec journal.Record) {
	e.send(ctx, "record", func(ctx context.Context) error {
		return e.client.XAdd(ctx, &redis.XAddArgs{
			Stream: e.stream,
			MaxLen: e.maxLen,
			Approx: true,
			Values: map[string]any{
				"ts":          rec.Ts,
				"phase":       rec.Phase,
				"region":      rec.Region,
				"status":      rec.Status,
				"action":      rec.Action,
				"reason_code": rec.ReasonCode,
				"hash":        rec.Hash,
			},
		}).Err()
	})
}

func (e *Exporter) send(ctx context.Context, kind string, fn func(context.Context) error) {
	err := e.breaker.Do(func() error {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return fn(sendCtx)
	})
	switch {
	case err == nil:
		metrics.ExportsTotal.WithLabelValues("ok").Inc()
	case err == circuitbreaker.ErrOpen:
		metrics.ExportsTotal.WithLabelValues("breaker_open").Inc()
	default:
		metrics.ExportsTotal.WithLabelValues("error").Inc()
		e.logger.Warn("export send failed", "kind", kind, "error", err)
	}
}
