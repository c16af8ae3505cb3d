package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/donezo/chatguard/internal/audit"
	"github.com/donezo/chatguard/internal/etl"
	"github.com/donezo/chatguard/internal/server"
)

func newBackfillCmd(configPath *string) *cobra.Command {
	var (
		input     string
		output    string
		batchSize int
		workers   int
		noAudit   bool
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Scan an exported message backlog (CSV, Parquet or JSON lines)",
		Example: `  chatguard backfill --input messages.csv
  chatguard backfill --input export.parquet --output scanned.jsonl --workers 8`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			if cmd.Flags().Changed("batch-size") {
				cfg.Batch.BatchSize = batchSize
			}
			if cmd.Flags().Changed("workers") {
				cfg.Batch.WorkerCount = workers
			}
			if output == "" {
				output = input + ".scanned.jsonl"
			}

			rules, warn, err := server.LoadPolicy(cfg.Policy)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			var recorder audit.Recorder
			if !noAudit {
				store, err := openAudit(ctx, cfg, log)
				if err != nil {
					return err
				}
				if store != nil {
					defer store.Close()
					recorder = store
				}
			}

			out, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("failed to create output: %w", err)
			}
			defer out.Close()

			pipeline := etl.NewPipeline(rules, warn, recorder, &etl.Config{
				BatchSize:      cfg.Batch.BatchSize,
				WorkerCount:    cfg.Batch.WorkerCount,
				Source:         cfg.Batch.Source,
				MaxTextBytes:   cfg.Policy.MaxTextBytes,
				ProgressReport: 10 * cfg.Batch.BatchSize,
				RecordFlagged:  cfg.Audit.RecordFlagged,
			}, log.WithComponent("etl").Logger)

			result, err := pipeline.ProcessFile(ctx, input, out)
			if err != nil {
				return err
			}

			log.Info("Backfill finished",
				zap.String("output", output),
				zap.Int64("total", result.TotalRecords),
				zap.Int64("redacted", result.Redacted),
				zap.Int64("flagged", result.Flagged),
				zap.Int64("warned", result.Warned),
				zap.Int64("invalid", result.Invalid),
				zap.Int64("audited", result.Audited),
				zap.Any("categories", result.Categories),
				zap.Duration("duration", result.Duration))

			if result.AuditFailed > 0 {
				return fmt.Errorf("%d audit records could not be written", result.AuditFailed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "input file (.csv, .parquet, .jsonl)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output JSON lines file (default <input>.scanned.jsonl)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per batch, overrides batch.batch_size")
	cmd.Flags().IntVar(&workers, "workers", 0, "scan workers, overrides batch.worker_count")
	cmd.Flags().BoolVar(&noAudit, "no-audit", false, "skip writing violations to the audit store")
	cmd.MarkFlagRequired("input")

	return cmd
}
