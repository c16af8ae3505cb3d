package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/donezo/chatguard/internal/audit"
	"github.com/donezo/chatguard/internal/policy"
)

func newReportCmd(configPath *string) *cobra.Command {
	var (
		since    time.Duration
		category string
		limit    int
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize audited policy violations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if category != "" {
				if _, err := policy.ParseCategory(category); err != nil {
					return err
				}
			}

			cfg, log, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer log.Sync()

			if !cfg.Audit.Enabled {
				return errors.New("audit store is disabled (set audit.enabled)")
			}

			ctx, cancel := signalContext()
			defer cancel()

			store, err := openAudit(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer store.Close()

			from := time.Now().UTC().Add(-since)
			counts, err := store.CategoryCounts(ctx, from)
			if err != nil {
				return err
			}
			recent, err := store.Recent(ctx, audit.RecentOptions{Limit: limit, Category: category, Since: from})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"since":  from,
					"counts": counts,
					"recent": recent,
				})
			}

			fmt.Fprintf(out, "Violations since %s\n\n", from.Format(time.RFC3339))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CATEGORY\tCOUNT")
			for _, c := range counts {
				fmt.Fprintf(tw, "%s\t%d\n", c.Category, c.Count)
			}
			fmt.Fprintln(tw)
			fmt.Fprintln(tw, "TIME\tSOURCE\tMESSAGE\tCATEGORIES\tWARNED")
			for _, r := range recent {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\n",
					r.CreatedAt.Format(time.RFC3339), r.Source, valueOr(r.MessageID, "-"),
					strings.Join(r.Categories, ","), r.Warned)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "how far back to report")
	cmd.Flags().StringVar(&category, "category", "", "only list records with this category")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of recent records to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
