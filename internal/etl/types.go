package etl

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/donezo/chatguard/internal/policy"
)

// MessageRecord is one exported chat message
type MessageRecord struct {
	ID             string `parquet:"id" json:"id"`
	ConversationID string `parquet:"conversation_id" json:"conversation_id"`
	Text           string `parquet:"text" json:"text"`
}

// ScannedRecord is written for every processed message, in input order
type ScannedRecord struct {
	ID             string            `json:"id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	RedactedText   string            `json:"redacted_text"`
	HasViolation   bool              `json:"has_violation"`
	Categories     []policy.Category `json:"categories"`
	Warn           bool              `json:"warn"`
}

// ProcessingResult represents the result of processing a backlog file
type ProcessingResult struct {
	TotalRecords int64            `json:"total_records"`
	Clean        int64            `json:"clean"`
	Flagged      int64            `json:"flagged"`
	Redacted     int64            `json:"redacted"`
	Warned       int64            `json:"warned"`
	Invalid      int64            `json:"invalid"`
	Audited      int64            `json:"audited"`
	AuditFailed  int64            `json:"audit_failed"`
	Categories   map[string]int64 `json:"categories"`
	Duration     time.Duration    `json:"duration"`
	ScanTime     time.Duration    `json:"scan_time"`
	AuditTime    time.Duration    `json:"audit_time"`
	Errors       []string         `json:"errors,omitempty"`
}

// Config contains pipeline configuration
type Config struct {
	BatchSize      int
	WorkerCount    int
	Source         string // audit and metrics label
	MaxTextBytes   int    // larger messages are counted invalid and skipped, 0 disables
	ProgressReport int    // log progress every N records, 0 disables
	RecordFlagged  bool   // audit flag-only results too
}

// FileFormat represents supported file formats
type FileFormat string

const (
	FormatCSV     FileFormat = "csv"
	FormatParquet FileFormat = "parquet"
	FormatJSON    FileFormat = "jsonl"
)

// DetectFileFormat detects file format from extension
func DetectFileFormat(filename string) FileFormat {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".parquet":
		return FormatParquet
	case ".json", ".jsonl", ".ndjson":
		return FormatJSON
	default:
		return FormatCSV
	}
}
