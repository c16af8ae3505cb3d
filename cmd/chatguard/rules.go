package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/donezo/chatguard/internal/config"
	"github.com/donezo/chatguard/internal/server"
)

func newRulesCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Show the active rule set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			rules, warn, err := server.LoadPolicy(cfg.Policy)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"rule_set":      rules.Fingerprint(),
					"rules":         rules.Describe(),
					"allow_domains": rules.AllowList().Domains(),
					"warn_when":     warn.Expression,
				})
			}

			fmt.Fprintf(out, "Rule set:      %s\n", rules.Fingerprint())
			fmt.Fprintf(out, "Allow-list:    %s\n", strings.Join(rules.AllowList().Domains(), ", "))
			fmt.Fprintf(out, "Warn when:     %s\n\n", warn.Expression)

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCATEGORY\tACTION\tREPLACEMENT")
			for _, r := range rules.Describe() {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Name, r.Category, r.Action, r.Redaction)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
