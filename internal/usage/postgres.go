package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	log "github.com/nghyane/antigravity-pool/internal/logging"
)

// PostgresBackend persists usage rows in PostgreSQL via pgx. Suitable when
// several pool processes share one usage store.
type PostgresBackend struct {
	pool          *pgxpool.Pool
	records       chan Record
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	cfg           Config
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dispatch_usage (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL,
	permission TEXT NOT NULL,
	model TEXT NOT NULL,
	failed BOOLEAN NOT NULL DEFAULT FALSE,
	rate_limited BOOLEAN NOT NULL DEFAULT FALSE,
	latency_ms BIGINT NOT NULL DEFAULT 0,
	input_tokens BIGINT NOT NULL DEFAULT 0,
	output_tokens BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	requested_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatch_usage_requested_at ON dispatch_usage(requested_at);
CREATE INDEX IF NOT EXISTS idx_dispatch_usage_email ON dispatch_usage(email, permission);
`

// NewPostgresBackend connects and ensures the schema. Call Start to begin
// the background writer.
func NewPostgresBackend(dsn string, cfg Config) (*PostgresBackend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create usage pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping usage database: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize usage schema: %w", err)
	}

	cfg = cfg.withDefaults()
	return &PostgresBackend{
		pool:          pool,
		records:       make(chan Record, defaultQueueSize),
		flushTicker:   time.NewTicker(cfg.FlushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		cfg:           cfg,
	}, nil
}

func (b *PostgresBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

func (b *PostgresBackend) Stop() error {
	if b == nil {
		return nil
	}
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		b.pool.Close()
	})
	return nil
}

// Enqueue is non-blocking; a full queue drops the record.
func (b *PostgresBackend) Enqueue(rec Record) {
	select {
	case b.records <- rec:
	default:
		log.Warnf("usage queue full, dropping record for %s/%s", rec.Email, rec.Model)
	}
}

// Flush drains the queue and writes everything pending.
func (b *PostgresBackend) Flush(ctx context.Context) error {
	batch := make([]Record, 0, b.cfg.BatchSize)
	for {
		select {
		case rec := <-b.records:
			batch = append(batch, rec)
			if len(batch) >= b.cfg.BatchSize {
				if err := b.writeBatch(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				return b.writeBatch(ctx, batch)
			}
			return nil
		}
	}
}

func (b *PostgresBackend) writeLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopChan:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := b.Flush(ctx); err != nil {
				log.Errorf("usage final flush: %v", err)
			}
			cancel()
			return
		case <-b.flushTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := b.Flush(ctx); err != nil {
				log.Errorf("usage flush: %v", err)
			}
			cancel()
		}
	}
}

func (b *PostgresBackend) cleanupLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stopChan:
			return
		case <-b.cleanupTicker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			before := time.Now().AddDate(0, 0, -b.cfg.RetentionDays)
			if n, err := b.Cleanup(ctx, before); err != nil {
				log.Errorf("usage cleanup: %v", err)
			} else if n > 0 {
				log.Infof("usage cleanup removed %d records", n)
			}
			cancel()
		}
	}
}

func (b *PostgresBackend) writeBatch(ctx context.Context, batch []Record) error {
	pgBatch := &pgx.Batch{}
	for _, rec := range batch {
		pgBatch.Queue(`
			INSERT INTO dispatch_usage
				(email, permission, model, failed, rate_limited, latency_ms, input_tokens, output_tokens, total_tokens, requested_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			rec.Email, string(rec.Permission), rec.Model, rec.Failed, rec.RateLimited,
			rec.LatencyMS, rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.RequestedAt,
		)
	}
	return b.pool.SendBatch(ctx, pgBatch).Close()
}

func (b *PostgresBackend) QueryTotals(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN rate_limited THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM dispatch_usage
		WHERE requested_at >= $1`, since)

	var stats AggregatedStats
	if err := row.Scan(&stats.TotalRequests, &stats.SuccessCount, &stats.FailureCount, &stats.RateLimited, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	return &stats, nil
}

func (b *PostgresBackend) QueryAccountStats(ctx context.Context, since time.Time) ([]AccountStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT
			email, permission,
			COUNT(*),
			COALESCE(SUM(CASE WHEN failed THEN 0 ELSE 1 END), 0),
			COALESCE(SUM(CASE WHEN failed THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN rate_limited THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(total_tokens), 0)
		FROM dispatch_usage
		WHERE requested_at >= $1
		GROUP BY email, permission
		ORDER BY COUNT(*) DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("query account stats: %w", err)
	}
	defer rows.Close()

	var out []AccountStats
	for rows.Next() {
		var s AccountStats
		if err := rows.Scan(&s.Email, &s.Permission, &s.Requests, &s.SuccessCount, &s.FailureCount, &s.RateLimited, &s.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT model, COUNT(*), COALESCE(SUM(total_tokens), 0)
		FROM dispatch_usage
		WHERE requested_at >= $1
		GROUP BY model
		ORDER BY COUNT(*) DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("query model stats: %w", err)
	}
	defer rows.Close()

	var out []ModelStats
	for rows.Next() {
		var s ModelStats
		if err := rows.Scan(&s.Model, &s.Requests, &s.TotalTokens); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (b *PostgresBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM dispatch_usage WHERE requested_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
