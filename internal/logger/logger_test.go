package logger

import (
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return &Logger{Logger: zap.New(core)}, logs
}

func TestNew(t *testing.T) {
	t.Run("InvalidLevel", func(t *testing.T) {
		_, err := New(Config{Level: "loud", Format: "json"})
		assert.Error(t, err)
	})

	t.Run("FileOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "chatguard.log")
		log, err := New(Config{Level: "info", Format: "console", File: &FileConfig{Enabled: true, Path: path}})
		require.NoError(t, err)
		log.Info("hello")
		assert.FileExists(t, path)
	})
}

func TestLogScan(t *testing.T) {
	t.Run("Violation", func(t *testing.T) {
		log, logs := observed(zapcore.InfoLevel)
		log.LogScan(ScanEntry{
			Source:       "http",
			MessageID:    "m-1",
			Categories:   []string{"email"},
			HasViolation: true,
			Warned:       true,
			RuleSet:      "3f9a6c0d2b7e4f18a5c6d9e0b1f2a3c4d5e6f708192a3b4c5d6e7f8091a2b3c4",
			Elapsed:      time.Millisecond,
		})

		require.Equal(t, 1, logs.Len())
		entry := logs.All()[0]
		assert.Equal(t, "Policy violation detected", entry.Message)

		fields := entry.ContextMap()
		assert.Equal(t, "m-1", fields["message_id"])
		assert.Len(t, fields["rule_set"], 12)
		assert.Equal(t, true, fields["has_violation"])
	})

	t.Run("KeywordOnlyLoggedAtInfo", func(t *testing.T) {
		log, logs := observed(zapcore.InfoLevel)
		log.LogScan(ScanEntry{Source: "http", Categories: []string{"keyword"}, RuleSet: "abc"})
		assert.Equal(t, 1, logs.Len())
	})

	t.Run("CleanAtDebug", func(t *testing.T) {
		log, logs := observed(zapcore.InfoLevel)
		log.LogScan(ScanEntry{Source: "http", Categories: []string{}, RuleSet: "abc", Elapsed: time.Millisecond})
		assert.Equal(t, 0, logs.Len())
	})
}

func TestLogRequestRedactsHeaders(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)

	headers := http.Header{}
	headers.Set("Authorization", "Basic c2VjcmV0")
	headers.Set("User-Agent", "test")
	log.LogRequest("POST", "/v1/scan", headers, 200, time.Millisecond)

	require.Equal(t, 1, logs.Len())
	logged := logs.All()[0].ContextMap()["headers"].(map[string]string)
	assert.Equal(t, "[REDACTED]", logged["Authorization"])
	assert.Equal(t, "test", logged["User-Agent"])
}

func TestWithComponent(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)
	log.WithComponent("etl").WithRequestID("r-1").Info("started")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "etl", fields["component"])
	assert.Equal(t, "r-1", fields["request_id"])
}
