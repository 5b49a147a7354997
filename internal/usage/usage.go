// Package usage records per-dispatch outcomes so operators can see which
// accounts and models are burning quota. Writes are batched off the
// request path; a full queue drops records rather than blocking dispatch.
package usage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nghyane/antigravity-pool/internal/quota"
)

// Record is one completed (or failed) generation attempt.
type Record struct {
	Email        string
	Permission   quota.Permission
	Model        string
	Failed       bool
	RateLimited  bool
	LatencyMS    int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	RequestedAt  time.Time
}

// AggregatedStats summarizes a time window.
type AggregatedStats struct {
	TotalRequests int64 `json:"total_requests"`
	SuccessCount  int64 `json:"success_count"`
	FailureCount  int64 `json:"failure_count"`
	RateLimited   int64 `json:"rate_limited"`
	TotalTokens   int64 `json:"total_tokens"`
}

// AccountStats aggregates per pool account.
type AccountStats struct {
	Email        string `json:"email"`
	Permission   string `json:"permission"`
	Requests     int64  `json:"requests"`
	SuccessCount int64  `json:"success_count"`
	FailureCount int64  `json:"failure_count"`
	RateLimited  int64  `json:"rate_limited"`
	TotalTokens  int64  `json:"total_tokens"`
}

// ModelStats aggregates per requested model.
type ModelStats struct {
	Model       string `json:"model"`
	Requests    int64  `json:"requests"`
	TotalTokens int64  `json:"total_tokens"`
}

// Backend is the persistence contract. Implementations must be safe for
// concurrent use.
type Backend interface {
	Enqueue(rec Record)
	Flush(ctx context.Context) error
	QueryTotals(ctx context.Context, since time.Time) (*AggregatedStats, error)
	QueryAccountStats(ctx context.Context, since time.Time) ([]AccountStats, error)
	QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error)
	Cleanup(ctx context.Context, before time.Time) (int64, error)
	Start() error
	Stop() error
}

// Config tunes a backend. Zero values use the defaults.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	RetentionDays int
}

const (
	defaultBatchSize     = 100
	defaultFlushInterval = 5 * time.Second
	defaultRetentionDays = 30
	defaultQueueSize     = 1000
)

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = defaultRetentionDays
	}
	return c
}

// NewBackend selects a backend from the DSN: "sqlite:///path/to.db",
// "postgres://...", or empty for the in-memory no-op backend.
func NewBackend(dsn string, cfg Config) (Backend, error) {
	switch {
	case dsn == "":
		return Nop{}, nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteBackend(strings.TrimPrefix(dsn, "sqlite://"), cfg)
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresBackend(dsn, cfg)
	default:
		return nil, fmt.Errorf("unrecognized usage DSN %q (use sqlite:// or postgres://)", dsn)
	}
}

// Nop discards all records. Used when no usage DSN is configured.
type Nop struct{}

func (Nop) Enqueue(Record)              {}
func (Nop) Start() error                { return nil }
func (Nop) Stop() error                 { return nil }
func (Nop) Flush(context.Context) error { return nil }
func (Nop) QueryTotals(context.Context, time.Time) (*AggregatedStats, error) {
	return &AggregatedStats{}, nil
}
func (Nop) QueryAccountStats(context.Context, time.Time) ([]AccountStats, error) { return nil, nil }
func (Nop) QueryModelStats(context.Context, time.Time) ([]ModelStats, error)     { return nil, nil }
func (Nop) Cleanup(context.Context, time.Time) (int64, error)                    { return 0, nil }

// Counters are lock-free live totals, kept alongside the durable backend
// so status queries never touch the database.
type Counters struct {
	totalRequests atomic.Int64
	successCount  atomic.Int64
	failureCount  atomic.Int64
	rateLimited   atomic.Int64
	totalTokens   atomic.Int64
}

// Record folds one outcome into the counters.
func (c *Counters) Record(rec Record) {
	if c == nil {
		return
	}
	c.totalRequests.Add(1)
	if rec.Failed {
		c.failureCount.Add(1)
	} else {
		c.successCount.Add(1)
	}
	if rec.RateLimited {
		c.rateLimited.Add(1)
	}
	c.totalTokens.Add(rec.TotalTokens)
}

// Snapshot returns a point-in-time copy.
func (c *Counters) Snapshot() AggregatedStats {
	if c == nil {
		return AggregatedStats{}
	}
	return AggregatedStats{
		TotalRequests: c.totalRequests.Load(),
		SuccessCount:  c.successCount.Load(),
		FailureCount:  c.failureCount.Load(),
		RateLimited:   c.rateLimited.Load(),
		TotalTokens:   c.totalTokens.Load(),
	}
}
