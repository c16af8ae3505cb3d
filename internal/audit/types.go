package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/donezo/chatguard/internal/policy"
)

// Record is one audited scan. The original message text is never stored;
// only its hash and, for redacted messages, the redacted text.
type Record struct {
	ID             string         `db:"id" json:"id"`
	MessageID      string         `db:"message_id" json:"message_id,omitempty"`
	ConversationID string         `db:"conversation_id" json:"conversation_id,omitempty"`
	Source         string         `db:"source" json:"source"`
	TextHash       string         `db:"text_hash" json:"text_hash"`
	RedactedText   string         `db:"redacted_text" json:"redacted_text,omitempty"`
	Categories     pq.StringArray `db:"categories" json:"categories"`
	HasViolation   bool           `db:"has_violation" json:"has_violation"`
	Warned         bool           `db:"warned" json:"warned"`
	RuleSet        string         `db:"rule_set" json:"rule_set"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// Entry carries what is known about a scanned message
type Entry struct {
	Source         string
	MessageID      string
	ConversationID string
	Text           string
	Result         policy.ScanResult
	RuleSet        string
	Warned         bool
}

// NewRecord builds an audit record from a scanned message
func NewRecord(e Entry) *Record {
	r := &Record{
		ID:             uuid.NewString(),
		MessageID:      e.MessageID,
		ConversationID: e.ConversationID,
		Source:         e.Source,
		TextHash:       HashText(e.Text),
		Categories:     pq.StringArray(e.Result.CategoryLabels()),
		HasViolation:   e.Result.HasViolation,
		Warned:         e.Warned,
		RuleSet:        e.RuleSet,
		CreatedAt:      time.Now().UTC(),
	}
	if e.Result.HasViolation {
		r.RedactedText = e.Result.RedactedText
	}
	return r
}

// ShouldRecord reports whether a result belongs in the audit log.
// Redacted messages always do; flag-only ones when recordFlagged is set.
func ShouldRecord(result policy.ScanResult, recordFlagged bool) bool {
	return result.HasViolation || (recordFlagged && result.Flagged())
}

// HashText returns the hex sha256 of a message text
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Recorder persists audit records
type Recorder interface {
	Insert(ctx context.Context, record *Record) error
	BatchInsert(ctx context.Context, records []*Record) (*BatchInsertResult, error)
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectRetries  uint64
}

// CategoryCount is the number of audited messages per category
type CategoryCount struct {
	Category string `db:"category" json:"category"`
	Count    int64  `db:"count" json:"count"`
}

// RecentOptions filters Recent
type RecentOptions struct {
	Limit    int
	Category string
	Since    time.Time
}

// BatchInsertResult represents the result of a batch insert operation
type BatchInsertResult struct {
	Inserted int64         `json:"inserted"`
	Skipped  int64         `json:"skipped"`
	Duration time.Duration `json:"duration"`
}
