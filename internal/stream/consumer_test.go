package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/donezo/chatguard/internal/audit"
	"github.com/donezo/chatguard/internal/policy"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return kafka.Message{}, err
	}
	if len(r.messages) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeWriter struct {
	mu       sync.Mutex
	written  []kafka.Message
	failures int
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failures > 0 {
		w.failures--
		return errors.New("leader not available")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeRecorder struct {
	records []*audit.Record
}

func (f *fakeRecorder) Insert(_ context.Context, record *audit.Record) error {
	f.records = append(f.records, record)
	return nil
}

func (f *fakeRecorder) BatchInsert(_ context.Context, records []*audit.Record) (*audit.BatchInsertResult, error) {
	f.records = append(f.records, records...)
	return &audit.BatchInsertResult{Inserted: int64(len(records))}, nil
}

func chatMessage(t *testing.T, offset int64, msg ChatMessage) kafka.Message {
	t.Helper()
	value, err := json.Marshal(msg)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: value}
}

func decodeEvent(t *testing.T, msg kafka.Message) ScanEvent {
	t.Helper()
	var event ScanEvent
	require.NoError(t, json.Unmarshal(msg.Value, &event))
	return event
}

func header(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func newTestConsumer(t *testing.T, reader *fakeReader, writer *fakeWriter, opts Options) *Consumer {
	t.Helper()
	if opts.Warn == nil {
		warn, err := policy.NewWarnPolicy("")
		require.NoError(t, err)
		opts.Warn = warn
	}
	opts.RetryBase = time.Millisecond
	return NewConsumer(reader, writer, opts, zap.NewNop())
}

func TestConsumerRun(t *testing.T) {
	t.Run("ScansAndPublishes", func(t *testing.T) {
		reader := &fakeReader{messages: []kafka.Message{
			chatMessage(t, 1, ChatMessage{ID: "m1", ConversationID: "c1", Text: "mail me at bob@example.org"}),
			chatMessage(t, 2, ChatMessage{ID: "m2", ConversationID: "c1", Text: "see you tomorrow"}),
			chatMessage(t, 3, ChatMessage{ID: "m3", Text: "add me on telegram"}),
		}}
		writer := &fakeWriter{}
		recorder := &fakeRecorder{}

		var flagged []ScanEvent
		c := newTestConsumer(t, reader, writer, Options{
			Recorder:  recorder,
			OnFlagged: func(e ScanEvent) { flagged = append(flagged, e) },
		})

		require.NoError(t, c.Run(context.Background()))

		require.Len(t, writer.written, 3)
		assert.Equal(t, []int64{1, 2, 3}, reader.committed)

		first := decodeEvent(t, writer.written[0])
		assert.Equal(t, "m1", first.MessageID)
		assert.Equal(t, "mail me at ***EMAIL REMOVED***", first.RedactedText)
		assert.True(t, first.HasViolation)
		assert.True(t, first.Warn)
		assert.NotContains(t, string(writer.written[0].Value), "bob@example.org")
		assert.Equal(t, "c1", string(writer.written[0].Key))
		assert.Equal(t, "redacted", header(writer.written[0], HeaderOutcome))
		assert.Equal(t, policy.DefaultRuleSet().Fingerprint(), header(writer.written[0], HeaderRuleSet))

		clean := decodeEvent(t, writer.written[1])
		assert.Equal(t, "see you tomorrow", clean.RedactedText)
		assert.False(t, clean.Warn)
		assert.Equal(t, "clean", header(writer.written[1], HeaderOutcome))

		kw := decodeEvent(t, writer.written[2])
		assert.Equal(t, []policy.Category{policy.CategoryKeyword}, kw.Categories)
		assert.Equal(t, "m3", string(writer.written[2].Key))
		assert.Equal(t, "flagged", header(writer.written[2], HeaderOutcome))

		assert.Len(t, flagged, 2)
		require.Len(t, recorder.records, 1)
		assert.Equal(t, "stream", recorder.records[0].Source)

		assert.Equal(t, Stats{Consumed: 3, Published: 3, Flagged: 2}, c.Stats())
	})

	t.Run("MalformedIsCommittedAndSkipped", func(t *testing.T) {
		reader := &fakeReader{messages: []kafka.Message{
			{Offset: 7, Value: []byte("not json")},
			chatMessage(t, 8, ChatMessage{ID: "ok", Text: "hello"}),
		}}
		writer := &fakeWriter{}
		c := newTestConsumer(t, reader, writer, Options{})

		require.NoError(t, c.Run(context.Background()))
		assert.Equal(t, []int64{7, 8}, reader.committed)
		assert.Len(t, writer.written, 1)
		assert.Equal(t, int64(1), c.Stats().Malformed)
	})

	t.Run("OversizedIsSkipped", func(t *testing.T) {
		reader := &fakeReader{messages: []kafka.Message{
			chatMessage(t, 1, ChatMessage{ID: "big", Text: "0123456789abcdef"}),
		}}
		writer := &fakeWriter{}
		c := newTestConsumer(t, reader, writer, Options{MaxTextBytes: 8})

		require.NoError(t, c.Run(context.Background()))
		assert.Empty(t, writer.written)
		assert.Equal(t, []int64{1}, reader.committed)
	})

	t.Run("RetriesPublish", func(t *testing.T) {
		reader := &fakeReader{messages: []kafka.Message{
			chatMessage(t, 1, ChatMessage{ID: "m1", Text: "hi"}),
		}}
		writer := &fakeWriter{failures: 2}
		c := newTestConsumer(t, reader, writer, Options{PublishRetries: 3})

		require.NoError(t, c.Run(context.Background()))
		assert.Len(t, writer.written, 1)
		assert.Equal(t, []int64{1}, reader.committed)
	})

	t.Run("DoesNotCommitUnpublished", func(t *testing.T) {
		reader := &fakeReader{messages: []kafka.Message{
			chatMessage(t, 1, ChatMessage{ID: "m1", Text: "hi"}),
			chatMessage(t, 2, ChatMessage{ID: "m2", Text: "there"}),
		}}
		writer := &fakeWriter{failures: 100}
		c := newTestConsumer(t, reader, writer, Options{PublishRetries: 2})

		err := c.Run(context.Background())
		assert.ErrorContains(t, err, "failed to publish scan event for offset 1")
		assert.Empty(t, reader.committed)
	})

	t.Run("AuditsOnlyPublished", func(t *testing.T) {
		msg := chatMessage(t, 1, ChatMessage{ID: "m1", Text: "mail bob@example.org"})
		recorder := &fakeRecorder{}

		failing := newTestConsumer(t, &fakeReader{messages: []kafka.Message{msg}}, &fakeWriter{failures: 100},
			Options{Recorder: recorder, PublishRetries: 1})
		assert.Error(t, failing.Run(context.Background()))
		assert.Empty(t, recorder.records)

		// redelivery after the broker recovers
		redelivered := newTestConsumer(t, &fakeReader{messages: []kafka.Message{msg}}, &fakeWriter{},
			Options{Recorder: recorder})
		require.NoError(t, redelivered.Run(context.Background()))
		require.Len(t, recorder.records, 1)
		assert.Equal(t, "m1", recorder.records[0].MessageID)
	})

	t.Run("StopsOnCancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		reader := &fakeReader{messages: []kafka.Message{chatMessage(t, 1, ChatMessage{Text: "x"})}}
		c := newTestConsumer(t, reader, &fakeWriter{}, Options{})
		assert.NoError(t, c.Run(ctx))
		assert.Empty(t, reader.committed)
	})
}

func TestConsumerClose(t *testing.T) {
	reader := &fakeReader{}
	c := newTestConsumer(t, reader, &fakeWriter{}, Options{})
	require.NoError(t, c.Close())
	assert.True(t, reader.closed)
}
