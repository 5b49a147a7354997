package usage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	log "github.com/nghyane/antigravity-pool/internal/logging"
)

// SQLiteBackend persists usage rows in a local SQLite file. Writes go
// through a buffered queue and land in periodic batches.
type SQLiteBackend struct {
	db            *sql.DB
	records       chan Record
	flushTicker   *time.Ticker
	cleanupTicker *time.Ticker
	stopChan      chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
	cfg           Config
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dispatch_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL,
	permission TEXT NOT NULL,
	model TEXT NOT NULL,
	failed BOOLEAN NOT NULL DEFAULT 0,
	rate_limited BOOLEAN NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	requested_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_dispatch_usage_requested_at ON dispatch_usage(requested_at);
CREATE INDEX IF NOT EXISTS idx_dispatch_usage_email ON dispatch_usage(email, permission);
`

// NewSQLiteBackend opens (or creates) the database at path. Call Start to
// begin the background writer.
func NewSQLiteBackend(path string, cfg Config) (*SQLiteBackend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, path[1:])
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}
	// SQLite behaves best single-writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize usage schema: %w", err)
	}

	cfg = cfg.withDefaults()
	return &SQLiteBackend{
		db:            db,
		records:       make(chan Record, defaultQueueSize),
		flushTicker:   time.NewTicker(cfg.FlushInterval),
		cleanupTicker: time.NewTicker(24 * time.Hour),
		stopChan:      make(chan struct{}),
		cfg:           cfg,
	}, nil
}

func (b *SQLiteBackend) Start() error {
	b.wg.Add(2)
	go b.writeLoop()
	go b.cleanupLoop()
	return nil
}

func (b *SQLiteBackend) Stop() error {
	if b == nil {
		return nil
	}
	var err error
	b.stopOnce.Do(func() {
		close(b.stopChan)
		b.flushTicker.Stop()
		b.cleanupTicker.Stop()
		b.wg.Wait()
		err = b.db.Close()
	})
	return err
}

// Enqueue is non-blocking; a full queue drops the record.
func (b *SQLiteBackend) Enqueue(rec Record) {
	select {
	case b.records <- rec:
	default:
		log.Warnf("usage queue full, dropping record for %s/%s", rec.Email, rec.Model)
	}
}

// Flush drains the queue and writes everything pending.
func (b *SQLiteBackend) Flush(ctx context.Context) error {
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

func (b *SQLiteBackend) writeLoop() {
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

func (b *SQLiteBackend) cleanupLoop() {
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

func (b *SQLiteBackend) writeBatch(ctx context.Context, batch []Record) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dispatch_usage
			(email, permission, model, failed, rate_limited, latency_ms, input_tokens, output_tokens, total_tokens, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, rec := range batch {
		if _, err := stmt.ExecContext(ctx,
			rec.Email, string(rec.Permission), rec.Model, rec.Failed, rec.RateLimited,
			rec.LatencyMS, rec.InputTokens, rec.OutputTokens, rec.TotalTokens, rec.RequestedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) QueryTotals(ctx context.Context, since time.Time) (*AggregatedStats, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN rate_limited = 1 THEN 1 ELSE 0 END),
			COALESCE(SUM(total_tokens), 0)
		FROM dispatch_usage
		WHERE requested_at >= ?`, since)

	var stats AggregatedStats
	var success, failure, limited sql.NullInt64
	if err := row.Scan(&stats.TotalRequests, &success, &failure, &limited, &stats.TotalTokens); err != nil {
		return nil, fmt.Errorf("query usage totals: %w", err)
	}
	stats.SuccessCount = success.Int64
	stats.FailureCount = failure.Int64
	stats.RateLimited = limited.Int64
	return &stats, nil
}

func (b *SQLiteBackend) QueryAccountStats(ctx context.Context, since time.Time) ([]AccountStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT
			email, permission,
			COUNT(*),
			SUM(CASE WHEN failed = 0 THEN 1 ELSE 0 END),
			SUM(CASE WHEN failed = 1 THEN 1 ELSE 0 END),
			SUM(CASE WHEN rate_limited = 1 THEN 1 ELSE 0 END),
			COALESCE(SUM(total_tokens), 0)
		FROM dispatch_usage
		WHERE requested_at >= ?
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

func (b *SQLiteBackend) QueryModelStats(ctx context.Context, since time.Time) ([]ModelStats, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT model, COUNT(*), COALESCE(SUM(total_tokens), 0)
		FROM dispatch_usage
		WHERE requested_at >= ?
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

func (b *SQLiteBackend) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM dispatch_usage WHERE requested_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
