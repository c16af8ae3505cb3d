package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/donezo/chatguard/internal/policy"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypeViolation is sent when a scanned message matched at least one category
	EventTypeViolation EventType = "policy_violation"
	// EventTypeSystemStatus represents a system status event
	EventTypeSystemStatus EventType = "system_status"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypeSubscribed acknowledges a subscription change
	EventTypeSubscribed EventType = "subscribed"
	EventTypePong       EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// ViolationEvent describes a flagged message. Only the redacted text is sent.
type ViolationEvent struct {
	Source         string            `json:"source"`
	MessageID      string            `json:"message_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	RedactedText   string            `json:"redacted_text,omitempty"`
	HasViolation   bool              `json:"has_violation"`
	Categories     []policy.Category `json:"categories"`
	Findings       []policy.Finding  `json:"findings,omitempty"`
	Warn           bool              `json:"warn"`
	RuleSet        string            `json:"rule_set"`
}

// SystemStatusEvent represents system status information
type SystemStatusEvent struct {
	Status           string `json:"status"`
	Uptime           string `json:"uptime"`
	TotalScans       int64  `json:"total_scans"`
	TotalViolations  int64  `json:"total_violations"`
	ActiveRules      int    `json:"active_rules"`
	RuleSet          string `json:"rule_set"`
	ConnectedClients int    `json:"connected_clients"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscriptionRequest narrows what a client receives. Empty lists mean everything.
type SubscriptionRequest struct {
	Events     []EventType       `json:"events,omitempty"`
	Categories []policy.Category `json:"categories,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	IP          string
	UserAgent   string
	ConnectedAt time.Time

	conn *websocket.Conn
	send chan Event

	mu           sync.RWMutex
	subscription *SubscriptionRequest
}

func (c *Client) setSubscription(sub *SubscriptionRequest) {
	c.mu.Lock()
	c.subscription = sub
	c.mu.Unlock()
}

// wants reports whether the client's subscription accepts the event
func (c *Client) wants(event Event) bool {
	c.mu.RLock()
	sub := c.subscription
	c.mu.RUnlock()

	if sub == nil {
		return true
	}

	if len(sub.Events) > 0 {
		subscribed := false
		for _, t := range sub.Events {
			if t == event.Type {
				subscribed = true
				break
			}
		}
		if !subscribed {
			return false
		}
	}

	v, ok := event.Data.(ViolationEvent)
	if !ok || len(sub.Categories) == 0 {
		return true
	}
	for _, want := range sub.Categories {
		for _, got := range v.Categories {
			if want == got {
				return true
			}
		}
	}
	return false
}
