package stream

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/donezo/chatguard/internal/policy"
)

// ChatMessage is an outbound chat message read from the input topic
type ChatMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id,omitempty"`
	Text           string    `json:"text"`
	SentAt         time.Time `json:"sent_at,omitempty"`
}

// ScanEvent is published to the output topic for every consumed message.
// It never carries the original text.
type ScanEvent struct {
	EventID        string            `json:"event_id"`
	MessageID      string            `json:"message_id"`
	ConversationID string            `json:"conversation_id"`
	SenderID       string            `json:"sender_id,omitempty"`
	RedactedText   string            `json:"redacted_text"`
	HasViolation   bool              `json:"has_violation"`
	Categories     []policy.Category `json:"categories"`
	Findings       []policy.Finding  `json:"findings,omitempty"`
	Warn           bool              `json:"warn"`
	RuleSet        string            `json:"rule_set"`
	ScannedAt      time.Time         `json:"scanned_at"`
}

// MessageReader is the subset of *kafka.Reader the consumer needs
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer the consumer needs
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Stats counts what the consumer has done since it started
type Stats struct {
	Consumed  int64 `json:"consumed"`
	Published int64 `json:"published"`
	Malformed int64 `json:"malformed"`
	Flagged   int64 `json:"flagged"`
}

// Header keys set on published events
const (
	HeaderOutcome = "chatguard-outcome"
	HeaderRuleSet = "chatguard-rule-set"
)
