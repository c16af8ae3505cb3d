package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/donezo/chatguard/internal/audit"
	"github.com/donezo/chatguard/internal/config"
	"github.com/donezo/chatguard/internal/metrics"
	"github.com/donezo/chatguard/internal/policy"
)

const source = "stream"

// Options configures a Consumer
type Options struct {
	Rules          *policy.RuleSet
	Warn           *policy.WarnPolicy
	Recorder       audit.Recorder // optional
	RecordFlagged  bool
	MaxTextBytes   int
	PublishRetries uint64
	RetryBase      time.Duration
	// OnFlagged is called for every event with at least one category
	OnFlagged func(ScanEvent)
}

// Consumer scans chat messages from one topic and publishes scan events to another
type Consumer struct {
	reader MessageReader
	writer MessageWriter
	opts   Options
	logger *zap.Logger

	consumed  atomic.Int64
	published atomic.Int64
	malformed atomic.Int64
	flagged   atomic.Int64
}

// NewKafkaReader creates a consumer-group reader for the input topic
func NewKafkaReader(cfg config.StreamConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.InputTopic,
		GroupID:  cfg.GroupID,
		MinBytes: cfg.MinBytes,
		MaxBytes: cfg.MaxBytes,
	})
}

// NewKafkaWriter creates a synchronous writer for the output topic
func NewKafkaWriter(cfg config.StreamConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.OutputTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

// NewConsumer creates a new consumer
func NewConsumer(reader MessageReader, writer MessageWriter, opts Options, logger *zap.Logger) *Consumer {
	if opts.Rules == nil {
		opts.Rules = policy.DefaultRuleSet()
	}
	if opts.PublishRetries == 0 {
		opts.PublishRetries = 5
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 200 * time.Millisecond
	}

	return &Consumer{
		reader: reader,
		writer: writer,
		opts:   opts,
		logger: logger,
	}
}

// Run consumes until ctx is cancelled or the reader is closed. A message is
// committed only after its event was published; when publishing keeps failing
// Run returns without committing so the message is redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Stream consumer started", zap.String("rule_set", c.opts.Rules.Fingerprint()[:12]))
	defer c.logger.Info("Stream consumer stopped",
		zap.Int64("consumed", c.consumed.Load()),
		zap.Int64("published", c.published.Load()))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("Failed to fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.opts.RetryBase):
			}
			continue
		}
		c.consumed.Add(1)

		if err := c.handle(ctx, msg); err != nil {
			return err
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("Failed to commit message",
				zap.Error(err),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset))
		}
	}
}

// handle scans one message and publishes its event. A nil error means the
// message may be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var chat ChatMessage
	if err := json.Unmarshal(msg.Value, &chat); err != nil {
		c.malformed.Add(1)
		c.logger.Warn("Skipping malformed message",
			zap.Error(err),
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset))
		return nil
	}
	if c.opts.MaxTextBytes > 0 && len(chat.Text) > c.opts.MaxTextBytes {
		c.malformed.Add(1)
		c.logger.Warn("Skipping oversized message",
			zap.String("message_id", chat.ID),
			zap.Int("bytes", len(chat.Text)))
		return nil
	}

	event, result := c.scan(chat)

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal scan event: %w", err)
	}

	key := chat.ConversationID
	if key == "" {
		key = chat.ID
	}
	out := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Headers: []kafka.Header{
			{Key: HeaderOutcome, Value: []byte(outcome(event))},
			{Key: HeaderRuleSet, Value: []byte(event.RuleSet)},
		},
	}

	backoff := retry.WithMaxRetries(c.opts.PublishRetries, retry.NewExponential(c.opts.RetryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.writer.WriteMessages(ctx, out); err != nil {
			c.logger.Warn("Publish failed, retrying", zap.Error(err), zap.String("message_id", chat.ID))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		c.logger.Error("Failed to publish scan event",
			zap.Error(err),
			zap.String("message_id", chat.ID),
			zap.Int64("offset", msg.Offset))
		return fmt.Errorf("failed to publish scan event for offset %d: %w", msg.Offset, err)
	}
	c.published.Add(1)

	// audited after publish so a redelivered message is recorded once
	c.record(chat, result, event.Warn)

	if len(event.Categories) > 0 {
		c.flagged.Add(1)
		if c.opts.OnFlagged != nil {
			c.opts.OnFlagged(event)
		}
	}

	return nil
}

func (c *Consumer) scan(chat ChatMessage) (ScanEvent, policy.ScanResult) {
	start := time.Now()
	result := c.opts.Rules.Scan(chat.Text)
	metrics.RecordScan(source, result, time.Since(start))

	var warn bool
	if c.opts.Warn != nil {
		var err error
		if warn, err = c.opts.Warn.ShouldWarn(result); err != nil {
			c.logger.Warn("Warn policy evaluation failed", zap.Error(err), zap.String("message_id", chat.ID))
		}
	}

	return ScanEvent{
		EventID:        uuid.NewString(),
		MessageID:      chat.ID,
		ConversationID: chat.ConversationID,
		SenderID:       chat.SenderID,
		RedactedText:   result.RedactedText,
		HasViolation:   result.HasViolation,
		Categories:     result.Categories,
		Findings:       result.Findings,
		Warn:           warn,
		RuleSet:        c.opts.Rules.Fingerprint(),
		ScannedAt:      time.Now().UTC(),
	}, result
}

func (c *Consumer) record(chat ChatMessage, result policy.ScanResult, warned bool) {
	if c.opts.Recorder == nil || !audit.ShouldRecord(result, c.opts.RecordFlagged) {
		return
	}

	// background context so a shutdown mid-insert does not lose the record
	err := c.opts.Recorder.Insert(context.Background(), audit.NewRecord(audit.Entry{
		Source:         source,
		MessageID:      chat.ID,
		ConversationID: chat.ConversationID,
		Text:           chat.Text,
		Result:         result,
		RuleSet:        c.opts.Rules.Fingerprint(),
		Warned:         warned,
	}))
	metrics.RecordAuditWrite(1, err)
	if err != nil {
		c.logger.Error("Audit insert failed", zap.Error(err), zap.String("message_id", chat.ID))
	}
}

func outcome(e ScanEvent) string {
	switch {
	case e.HasViolation:
		return metrics.OutcomeRedacted
	case len(e.Categories) > 0:
		return metrics.OutcomeFlagged
	default:
		return metrics.OutcomeClean
	}
}

// Stats returns the consumer counters
func (c *Consumer) Stats() Stats {
	return Stats{
		Consumed:  c.consumed.Load(),
		Published: c.published.Load(),
		Malformed: c.malformed.Load(),
		Flagged:   c.flagged.Load(),
	}
}

// Close closes the reader and writer
func (c *Consumer) Close() error {
	return errors.Join(c.reader.Close(), c.writer.Close())
}
