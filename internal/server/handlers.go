package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/donezo/chatguard/internal/audit"
	"github.com/donezo/chatguard/internal/logger"
	"github.com/donezo/chatguard/internal/metrics"
	"github.com/donezo/chatguard/internal/policy"
	"github.com/donezo/chatguard/internal/websocket"
)

// handleScan scans a single message
func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !s.decode(w, r, &req, 1) {
		return
	}
	if len(req.Text) > s.config.Policy.MaxTextBytes {
		s.writeError(w, r, http.StatusBadRequest,
			fmt.Sprintf("text exceeds %d bytes", s.config.Policy.MaxTextBytes))
		return
	}

	eng := s.engine.Load()
	resp, record := s.scan(r.Context(), eng, BatchMessage{
		ID:             req.MessageID,
		ConversationID: req.ConversationID,
		Text:           req.Text,
	})

	if record != nil {
		err := s.opts.Recorder.Insert(r.Context(), record)
		metrics.RecordAuditWrite(1, err)
		if err != nil {
			s.logger.Error("Audit insert failed", zap.Error(err), zap.String("request_id", requestID(r.Context())))
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleBatchScan scans up to policy.max_batch_size messages in request order
func (s *Server) handleBatchScan(w http.ResponseWriter, r *http.Request) {
	var req BatchScanRequest
	if !s.decode(w, r, &req, s.config.Policy.MaxBatchSize) {
		return
	}
	if len(req.Messages) > s.config.Policy.MaxBatchSize {
		s.writeError(w, r, http.StatusBadRequest,
			fmt.Sprintf("batch exceeds %d messages", s.config.Policy.MaxBatchSize))
		return
	}
	for i, m := range req.Messages {
		if len(m.Text) > s.config.Policy.MaxTextBytes {
			s.writeError(w, r, http.StatusBadRequest,
				fmt.Sprintf("messages[%d].text exceeds %d bytes", i, s.config.Policy.MaxTextBytes))
			return
		}
	}

	// one engine for the whole batch so a reload cannot split it
	eng := s.engine.Load()
	resp := BatchScanResponse{Results: make([]ScanResponse, len(req.Messages)), Total: len(req.Messages)}
	var records []*audit.Record

	for i, m := range req.Messages {
		result, record := s.scan(r.Context(), eng, m)
		resp.Results[i] = result
		if result.HasViolation {
			resp.Violations++
		}
		if result.Warn {
			resp.Warnings++
		}
		if record != nil {
			records = append(records, record)
		}
	}

	if len(records) > 0 {
		_, err := s.opts.Recorder.BatchInsert(r.Context(), records)
		metrics.RecordAuditWrite(len(records), err)
		if err != nil {
			s.logger.Error("Audit batch insert failed",
				zap.Error(err),
				zap.Int("records", len(records)),
				zap.String("request_id", requestID(r.Context())))
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// scan runs one message through cache, rule set and warn policy. The returned
// record is non-nil when the result belongs in the audit log.
func (s *Server) scan(ctx context.Context, eng *engine, msg BatchMessage) (ScanResponse, *audit.Record) {
	start := time.Now()
	fingerprint := eng.rules.Fingerprint()

	var (
		result policy.ScanResult
		hit    bool
	)
	if s.opts.Cache != nil {
		result, hit = s.opts.Cache.Get(ctx, fingerprint, msg.Text)
		metrics.RecordCacheLookup(hit)
	}
	if !hit {
		result = eng.rules.Scan(msg.Text)
	}

	warn, err := eng.warn.ShouldWarn(result)
	if err != nil {
		s.logger.Warn("Warn policy evaluation failed", zap.Error(err))
	}

	elapsed := time.Since(start)
	metrics.RecordScan(source, result, elapsed)
	s.scans.Add(1)
	if result.Flagged() {
		s.violations.Add(1)
	}

	reqID := requestID(ctx)
	s.logger.WithRequestID(reqID).LogScan(logger.ScanEntry{
		Source:       source,
		MessageID:    msg.ID,
		Categories:   result.CategoryLabels(),
		HasViolation: result.HasViolation,
		Warned:       warn,
		RuleSet:      fingerprint,
		Elapsed:      elapsed,
	})

	if s.opts.Hub != nil && result.Flagged() {
		s.opts.Hub.BroadcastViolation(reqID,
			websocket.NewViolationEvent(source, msg.ID, msg.ConversationID, result, warn, fingerprint))
	}

	if s.opts.Cache != nil && !hit {
		if err := s.opts.Cache.Set(ctx, fingerprint, msg.Text, result); err != nil {
			s.logger.Debug("Failed to cache scan result", zap.Error(err))
		}
	}

	var record *audit.Record
	if s.opts.Recorder != nil && audit.ShouldRecord(result, s.opts.RecordFlagged) {
		record = audit.NewRecord(audit.Entry{
			Source:         source,
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Text:           msg.Text,
			Result:         result,
			RuleSet:        fingerprint,
			Warned:         warn,
		})
	}

	return ScanResponse{
		MessageID:    msg.ID,
		RedactedText: result.RedactedText,
		HasViolation: result.HasViolation,
		Categories:   result.Categories,
		Findings:     result.Findings,
		Warn:         warn,
		RuleSet:      fingerprint,
		Cached:       hit,
	}, record
}

// handleRules describes the active rule set
func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	eng := s.engine.Load()
	s.writeJSON(w, http.StatusOK, RulesResponse{
		RuleSet:      eng.rules.Fingerprint(),
		Rules:        eng.rules.Describe(),
		AllowDomains: eng.rules.AllowList().Domains(),
		Categories:   policy.Categories(),
		WarnWhen:     eng.warnWhen,
	})
}

// handleHealth reports healthy unless a dependency check fails
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.opts.HealthChecks))
	for _, hc := range s.opts.HealthChecks {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[hc.Name] = "ok"
	}

	body := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	s.writeJSON(w, status, body)
}

// handleInfo handles info requests
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	eng := s.engine.Load()
	info := map[string]interface{}{
		"name":              "chatguard",
		"version":           s.opts.Version,
		"rule_set":          eng.rules.Fingerprint(),
		"rules":             len(eng.rules.Rules()),
		"allow_domains":     eng.rules.AllowList().Domains(),
		"warn_when":         eng.warnWhen,
		"cache_enabled":     s.opts.Cache != nil,
		"audit_enabled":     s.opts.Recorder != nil,
		"rate_limit":        s.config.RateLimit.Enabled,
		"uptime":            time.Since(s.started).Round(time.Second).String(),
		"total_scans":       s.scans.Load(),
		"total_violations":  s.violations.Load(),
		"max_text_bytes":    s.config.Policy.MaxTextBytes,
		"max_batch_size":    s.config.Policy.MaxBatchSize,
		"websocket_enabled": s.opts.Hub != nil && s.config.WebSocket.Enabled,
	}
	if s.opts.Hub != nil {
		info["websocket_clients"] = s.opts.Hub.ClientCount()
	}
	s.writeJSON(w, http.StatusOK, info)
}

// decode reads a JSON body bounded by the configured limits and validates it
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}, messages int) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		s.writeError(w, r, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}

	// escaping can grow JSON text up to six times
	limit := int64(messages)*int64(s.config.Policy.MaxTextBytes)*6 + 64<<10
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		s.writeError(w, r, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag())
			}
			s.writeError(w, r, http.StatusBadRequest, "invalid request: "+strings.Join(fields, ", "))
			return false
		}
		s.writeError(w, r, http.StatusBadRequest, "invalid request: "+err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg, RequestID: requestID(r.Context())})
}
