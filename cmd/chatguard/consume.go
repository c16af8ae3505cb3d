package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/donezo/chatguard/internal/audit"
	"github.com/donezo/chatguard/internal/server"
	"github.com/donezo/chatguard/internal/stream"
)

func newConsumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Scan chat messages from Kafka and publish scan events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			if !cfg.Stream.Enabled {
				return errors.New("stream.enabled is false")
			}

			rules, warn, err := server.LoadPolicy(cfg.Policy)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			var recorder audit.Recorder
			store, err := openAudit(ctx, cfg, log)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
				recorder = store
			}

			consumer := stream.NewConsumer(
				stream.NewKafkaReader(cfg.Stream),
				stream.NewKafkaWriter(cfg.Stream),
				stream.Options{
					Rules:         rules,
					Warn:          warn,
					Recorder:      recorder,
					RecordFlagged: cfg.Audit.RecordFlagged,
					MaxTextBytes:  cfg.Policy.MaxTextBytes,
				},
				log.WithComponent("stream").Logger,
			)
			defer consumer.Close()

			log.Info("Consuming chat messages",
				zap.Strings("brokers", cfg.Stream.Brokers),
				zap.String("input_topic", cfg.Stream.InputTopic),
				zap.String("output_topic", cfg.Stream.OutputTopic),
				zap.String("group_id", cfg.Stream.GroupID))

			if err := consumer.Run(ctx); err != nil {
				return fmt.Errorf("consumer stopped: %w", err)
			}

			stats := consumer.Stats()
			log.Info("Consumer finished",
				zap.Int64("consumed", stats.Consumed),
				zap.Int64("published", stats.Published),
				zap.Int64("malformed", stats.Malformed),
				zap.Int64("flagged", stats.Flagged))
			return nil
		},
	}
}
