package server

import (
	"context"

	"github.com/donezo/chatguard/internal/policy"
)

// ScanRequest is the body of POST /v1/scan
type ScanRequest struct {
	Text           string `json:"text"`
	MessageID      string `json:"message_id,omitempty" validate:"max=128"`
	ConversationID string `json:"conversation_id,omitempty" validate:"max=128"`
}

// ScanResponse is returned for every scanned message
type ScanResponse struct {
	MessageID    string            `json:"message_id,omitempty"`
	RedactedText string            `json:"redacted_text"`
	HasViolation bool              `json:"has_violation"`
	Categories   []policy.Category `json:"categories"`
	Findings     []policy.Finding  `json:"findings,omitempty"`
	Warn         bool              `json:"warn"`
	RuleSet      string            `json:"rule_set"`
	Cached       bool              `json:"cached,omitempty"`
}

// BatchMessage is one entry of a batch scan
type BatchMessage struct {
	ID             string `json:"id,omitempty" validate:"max=128"`
	ConversationID string `json:"conversation_id,omitempty" validate:"max=128"`
	Text           string `json:"text"`
}

// BatchScanRequest is the body of POST /v1/scan/batch
type BatchScanRequest struct {
	Messages []BatchMessage `json:"messages" validate:"required,min=1,dive"`
}

// BatchScanResponse holds results in request order
type BatchScanResponse struct {
	Results    []ScanResponse `json:"results"`
	Total      int            `json:"total"`
	Violations int            `json:"violations"`
	Warnings   int            `json:"warnings"`
}

// RulesResponse describes the active rule set
type RulesResponse struct {
	RuleSet      string            `json:"rule_set"`
	Rules        []policy.RuleInfo `json:"rules"`
	AllowDomains []string          `json:"allow_domains"`
	Categories   []policy.Category `json:"categories"`
	WarnWhen     string            `json:"warn_when"`
}

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// Cache stores scan results between requests
type Cache interface {
	Get(ctx context.Context, ruleSet, text string) (policy.ScanResult, bool)
	Set(ctx context.Context, ruleSet, text string, result policy.ScanResult) error
}

// HealthCheck probes one dependency
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}
