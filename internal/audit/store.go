package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const recordColumns = "id, message_id, conversation_id, source, text_hash, redacted_text, categories, has_violation, warned, rule_set, created_at"

// rows per INSERT statement, keeps bind parameters well under the PostgreSQL limit
const insertChunk = 500

var schema = []string{
	`CREATE TABLE IF NOT EXISTS policy_violations (
		id              UUID PRIMARY KEY,
		message_id      TEXT NOT NULL DEFAULT '',
		conversation_id TEXT NOT NULL DEFAULT '',
		source          TEXT NOT NULL,
		text_hash       CHAR(64) NOT NULL,
		redacted_text   TEXT NOT NULL DEFAULT '',
		categories      TEXT[] NOT NULL,
		has_violation   BOOLEAN NOT NULL,
		warned          BOOLEAN NOT NULL,
		rule_set        TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_policy_violations_created_at ON policy_violations (created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_policy_violations_conversation ON policy_violations (conversation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_policy_violations_categories ON policy_violations USING GIN (categories)`,
}

// Store persists policy violations in PostgreSQL
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewStore connects to the database, retrying while it comes up
func NewStore(ctx context.Context, config *Config, logger *zap.Logger) (*Store, error) {
	retries := config.ConnectRetries
	if retries == 0 {
		retries = 5
	}

	var db *sqlx.DB
	backoff := retry.WithMaxRetries(retries, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		conn, err := sqlx.ConnectContext(ctx, "postgres", config.DatabaseURL)
		if err != nil {
			logger.Warn("Database not ready", zap.Error(err))
			return retry.RetryableError(err)
		}
		db = conn
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	logger.Info("Audit store initialized",
		zap.String("database_url", maskDatabaseURL(config.DatabaseURL)),
		zap.Int("max_open_conns", config.MaxOpenConns))

	return NewStoreFromDB(db, logger), nil
}

// NewStoreFromDB wraps an existing connection
func NewStoreFromDB(db *sqlx.DB, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Migrate creates the violations table and its indexes
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Insert stores one record
func (s *Store) Insert(ctx context.Context, record *Record) error {
	query := `INSERT INTO policy_violations (` + recordColumns + `)
		VALUES (:id, :message_id, :conversation_id, :source, :text_hash, :redacted_text,
			:categories, :has_violation, :warned, :rule_set, :created_at)`

	if _, err := s.db.NamedExecContext(ctx, query, record); err != nil {
		s.logger.Error("Failed to insert audit record",
			zap.Error(err),
			zap.String("source", record.Source))
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

// BatchInsert stores records in a single transaction. Records whose id already
// exists are skipped.
func (s *Store) BatchInsert(ctx context.Context, records []*Record) (*BatchInsertResult, error) {
	result := &BatchInsertResult{}
	if len(records) == 0 {
		return result, nil
	}

	start := time.Now()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for lo := 0; lo < len(records); lo += insertChunk {
		hi := lo + insertChunk
		if hi > len(records) {
			hi = len(records)
		}
		query, args := buildBatchInsert(records[lo:hi])

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			s.logger.Error("Batch insert failed", zap.Error(err))
			return &BatchInsertResult{}, fmt.Errorf("batch insert failed: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			result.Inserted += n
		} else {
			result.Inserted += int64(hi - lo)
		}
	}

	if err := tx.Commit(); err != nil {
		return &BatchInsertResult{}, fmt.Errorf("failed to commit batch: %w", err)
	}

	result.Skipped = int64(len(records)) - result.Inserted
	result.Duration = time.Since(start)

	s.logger.Debug("Batch insert completed",
		zap.Int64("inserted", result.Inserted),
		zap.Int64("skipped", result.Skipped),
		zap.Duration("duration", result.Duration))

	return result, nil
}

func buildBatchInsert(records []*Record) (string, []interface{}) {
	const cols = 11
	values := make([]string, 0, len(records))
	args := make([]interface{}, 0, len(records)*cols)

	for i, r := range records {
		placeholders := make([]string, cols)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", i*cols+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.ID, r.MessageID, r.ConversationID, r.Source, r.TextHash, r.RedactedText,
			r.Categories, r.HasViolation, r.Warned, r.RuleSet, r.CreatedAt,
		)
	}

	query := fmt.Sprintf(`INSERT INTO policy_violations (%s) VALUES %s ON CONFLICT (id) DO NOTHING`,
		recordColumns, strings.Join(values, ", "))
	return query, args
}

// CategoryCounts returns the number of audited messages per category since the given time
func (s *Store) CategoryCounts(ctx context.Context, since time.Time) ([]CategoryCount, error) {
	query := `
		SELECT category, COUNT(*) AS count
		FROM policy_violations, unnest(categories) AS category
		WHERE created_at >= $1
		GROUP BY category
		ORDER BY count DESC, category`

	var counts []CategoryCount
	if err := s.db.SelectContext(ctx, &counts, query, since); err != nil {
		return nil, fmt.Errorf("failed to count categories: %w", err)
	}
	return counts, nil
}

// Recent returns the newest records, optionally filtered by category
func (s *Store) Recent(ctx context.Context, opts RecentOptions) ([]Record, error) {
	if opts.Limit <= 0 || opts.Limit > 1000 {
		opts.Limit = 100
	}

	query := `SELECT ` + recordColumns + `
		FROM policy_violations
		WHERE created_at >= $1 AND ($2 = '' OR $2 = ANY(categories))
		ORDER BY created_at DESC
		LIMIT $3`

	var records []Record
	if err := s.db.SelectContext(ctx, &records, query, opts.Since, opts.Category, opts.Limit); err != nil {
		return nil, fmt.Errorf("failed to query recent records: %w", err)
	}
	return records, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// maskDatabaseURL masks the password in a database URL for logging
func maskDatabaseURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	start := 0
	if i := strings.Index(url[:at], "://"); i >= 0 {
		start = i + 3
	}
	colon := strings.LastIndex(url[start:at], ":")
	if colon < 0 {
		return url
	}
	return url[:start+colon+1] + "***" + url[at:]
}
