package etl

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/donezo/chatguard/internal/audit"
	"github.com/donezo/chatguard/internal/metrics"
	"github.com/donezo/chatguard/internal/policy"
)

// Pipeline scans exported message backlogs
type Pipeline struct {
	rules    *policy.RuleSet
	warn     *policy.WarnPolicy
	recorder audit.Recorder
	config   *Config
	logger   *zap.Logger
}

// NewPipeline creates a new backlog pipeline. recorder may be nil.
func NewPipeline(
	rules *policy.RuleSet,
	warn *policy.WarnPolicy,
	recorder audit.Recorder,
	config *Config,
	logger *zap.Logger,
) *Pipeline {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.Source == "" {
		config.Source = "backfill"
	}

	return &Pipeline{
		rules:    rules,
		warn:     warn,
		recorder: recorder,
		config:   config,
		logger:   logger,
	}
}

// ProcessFile scans a CSV, Parquet or JSON-lines file and writes one JSON line per
// message to out
func (p *Pipeline) ProcessFile(ctx context.Context, filePath string, out io.Writer) (*ProcessingResult, error) {
	format := DetectFileFormat(filePath)

	p.logger.Info("Starting backlog scan",
		zap.String("file", filePath),
		zap.String("format", string(format)),
		zap.Int("batch_size", p.config.BatchSize),
		zap.Int("workers", p.config.WorkerCount),
		zap.String("rule_set", p.rules.Fingerprint()[:12]))

	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	defer file.Close()

	var readBatch func() ([]MessageRecord, error)
	switch format {
	case FormatCSV:
		readBatch, err = p.csvBatches(file)
	case FormatParquet:
		readBatch, err = p.parquetBatches(file)
	case FormatJSON:
		readBatch, err = p.jsonBatches(file)
	default:
		err = fmt.Errorf("unsupported file format: %s", format)
	}
	if err != nil {
		return nil, err
	}

	return p.Process(ctx, readBatch, out)
}

// Process drains readBatch until it returns an empty batch
func (p *Pipeline) Process(ctx context.Context, readBatch func() ([]MessageRecord, error), out io.Writer) (*ProcessingResult, error) {
	start := time.Now()
	result := &ProcessingResult{Categories: make(map[string]int64)}
	encoder := json.NewEncoder(out)
	nextReport := int64(p.config.ProgressReport)

	for {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		batch, err := readBatch()
		if err != nil {
			result.Duration = time.Since(start)
			return result, fmt.Errorf("failed to read batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		if err := p.processBatch(ctx, batch, encoder, result); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		if nextReport > 0 && result.TotalRecords >= nextReport {
			p.reportProgress(result, start)
			nextReport += int64(p.config.ProgressReport)
		}
	}

	result.Duration = time.Since(start)

	p.logger.Info("Backlog scan completed",
		zap.Int64("total_records", result.TotalRecords),
		zap.Int64("redacted", result.Redacted),
		zap.Int64("flagged", result.Flagged),
		zap.Int64("invalid", result.Invalid),
		zap.Int64("audited", result.Audited),
		zap.Duration("duration", result.Duration))

	return result, nil
}

type scanned struct {
	record MessageRecord
	result policy.ScanResult
	warn   bool
	valid  bool
}

// processBatch scans a batch on a bounded worker pool and writes the results in order
func (p *Pipeline) processBatch(ctx context.Context, batch []MessageRecord, encoder *json.Encoder, result *ProcessingResult) error {
	out := make([]scanned, len(batch))

	scanStart := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.WorkerCount)

	for i := range batch {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = p.scan(batch[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	result.ScanTime += time.Since(scanStart)

	var records []*audit.Record
	for _, s := range out {
		result.TotalRecords++
		if !s.valid {
			result.Invalid++
			continue
		}

		p.tally(s, result)

		if err := encoder.Encode(ScannedRecord{
			ID:             s.record.ID,
			ConversationID: s.record.ConversationID,
			RedactedText:   s.result.RedactedText,
			HasViolation:   s.result.HasViolation,
			Categories:     s.result.Categories,
			Warn:           s.warn,
		}); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}

		if p.recorder != nil && audit.ShouldRecord(s.result, p.config.RecordFlagged) {
			records = append(records, audit.NewRecord(audit.Entry{
				Source:         p.config.Source,
				MessageID:      s.record.ID,
				ConversationID: s.record.ConversationID,
				Text:           s.record.Text,
				Result:         s.result,
				RuleSet:        p.rules.Fingerprint(),
				Warned:         s.warn,
			}))
		}
	}

	if len(records) > 0 {
		auditStart := time.Now()
		inserted, err := p.recorder.BatchInsert(ctx, records)
		result.AuditTime += time.Since(auditStart)
		metrics.RecordAuditWrite(len(records), err)
		if err != nil {
			p.logger.Error("Audit batch failed", zap.Error(err), zap.Int("records", len(records)))
			result.AuditFailed += int64(len(records))
			result.Errors = append(result.Errors, err.Error())
		} else {
			result.Audited += inserted.Inserted
		}
	}

	return nil
}

func (p *Pipeline) scan(record MessageRecord) scanned {
	if p.config.MaxTextBytes > 0 && len(record.Text) > p.config.MaxTextBytes {
		return scanned{record: record}
	}

	start := time.Now()
	res := p.rules.Scan(record.Text)
	metrics.RecordScan(p.config.Source, res, time.Since(start))

	s := scanned{record: record, result: res, valid: true}
	if p.warn != nil {
		warn, err := p.warn.ShouldWarn(res)
		if err != nil {
			p.logger.Warn("Warn policy evaluation failed", zap.Error(err), zap.String("id", record.ID))
		}
		s.warn = warn
	}
	return s
}

func (p *Pipeline) tally(s scanned, result *ProcessingResult) {
	switch metrics.Outcome(s.result) {
	case metrics.OutcomeRedacted:
		result.Redacted++
	case metrics.OutcomeFlagged:
		result.Flagged++
	default:
		result.Clean++
	}
	if s.warn {
		result.Warned++
	}
	for _, c := range s.result.Categories {
		result.Categories[string(c)]++
	}
}

// csvBatches reads a CSV export with a header row naming at least a text column
func (p *Pipeline) csvBatches(r io.Reader) (func() ([]MessageRecord, error), error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	cols := map[string]int{"id": -1, "conversation_id": -1, "text": -1}
	for i, name := range header {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, ok := cols[name]; ok {
			cols[name] = i
		}
	}
	if cols["text"] < 0 {
		return nil, fmt.Errorf("CSV header has no text column: %v", header)
	}

	field := func(row []string, name string) string {
		i := cols[name]
		if i < 0 || i >= len(row) {
			return ""
		}
		return row[i]
	}

	return func() ([]MessageRecord, error) {
		var batch []MessageRecord
		for len(batch) < p.config.BatchSize {
			row, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				var parseErr *csv.ParseError
				if errors.As(err, &parseErr) {
					p.logger.Warn("Skipping malformed CSV row", zap.Error(err))
					continue
				}
				return nil, err
			}
			if cols["text"] >= len(row) {
				p.logger.Warn("Skipping short CSV row", zap.Int("fields", len(row)))
				continue
			}

			batch = append(batch, MessageRecord{
				ID:             strings.TrimSpace(field(row, "id")),
				ConversationID: strings.TrimSpace(field(row, "conversation_id")),
				Text:           field(row, "text"),
			})
		}
		return batch, nil
	}, nil
}

// parquetBatches reads a Parquet file with id, conversation_id and text columns
func (p *Pipeline) parquetBatches(file *os.File) (func() ([]MessageRecord, error), error) {
	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat Parquet file: %w", err)
	}
	// OpenFile validates the footer; NewReader panics on malformed input
	if _, err := parquet.OpenFile(file, stat.Size()); err != nil {
		return nil, fmt.Errorf("failed to open Parquet file: %w", err)
	}

	reader := parquet.NewReader(file)

	return func() ([]MessageRecord, error) {
		var batch []MessageRecord
		for len(batch) < p.config.BatchSize {
			var record MessageRecord
			err := reader.Read(&record)
			if err == io.EOF {
				reader.Close()
				break
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read Parquet record: %w", err)
			}
			batch = append(batch, record)
		}
		return batch, nil
	}, nil
}

// jsonBatches reads one JSON object per line
func (p *Pipeline) jsonBatches(r io.Reader) (func() ([]MessageRecord, error), error) {
	decoder := json.NewDecoder(r)

	return func() ([]MessageRecord, error) {
		var batch []MessageRecord
		for len(batch) < p.config.BatchSize {
			var record MessageRecord
			err := decoder.Decode(&record)
			if err == io.EOF {
				break
			}
			if err != nil {
				var syntaxErr *json.SyntaxError
				if errors.As(err, &syntaxErr) {
					// the decoder cannot resynchronize after a syntax error
					return nil, fmt.Errorf("invalid JSON at offset %d: %w", syntaxErr.Offset, err)
				}
				p.logger.Warn("Skipping invalid JSON record", zap.Error(err))
				continue
			}
			batch = append(batch, record)
		}
		return batch, nil
	}, nil
}

// reportProgress logs current processing progress
func (p *Pipeline) reportProgress(result *ProcessingResult, start time.Time) {
	elapsed := time.Since(start)
	p.logger.Info("Processing progress",
		zap.Int64("records_processed", result.TotalRecords),
		zap.Int64("redacted", result.Redacted),
		zap.Int64("flagged", result.Flagged),
		zap.Float64("rate_per_sec", float64(result.TotalRecords)/elapsed.Seconds()),
		zap.Duration("elapsed", elapsed))
}
