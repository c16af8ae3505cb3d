package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/donezo/chatguard/internal/config"
	"github.com/donezo/chatguard/internal/policy"
	"github.com/donezo/chatguard/internal/server"
)

type scanOutput struct {
	RedactedText string            `json:"redacted_text"`
	HasViolation bool              `json:"has_violation"`
	Categories   []policy.Category `json:"categories"`
	Warn         bool              `json:"warn"`
}

func newScanCmd(configPath *string) *cobra.Command {
	var (
		rulesFile string
		allow     []string
		warnWhen  string
	)

	cmd := &cobra.Command{
		Use:   "scan [text...]",
		Short: "Scan text given as arguments, or one message per stdin line",
		Example: `  chatguard scan "reach me at jane@example.com"
  cat messages.txt | chatguard scan --allow donezo.com,donezo.app`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if cmd.Flags().Changed("rules") {
				cfg.Policy.RulesFile = rulesFile
			}
			if cmd.Flags().Changed("allow") {
				cfg.Policy.AllowDomains = allow
			}
			if cmd.Flags().Changed("warn-when") {
				cfg.Policy.WarnWhen = warnWhen
			}

			rules, warn, err := server.LoadPolicy(cfg.Policy)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			if len(args) > 0 {
				return scanOne(enc, rules, warn, strings.Join(args, " "))
			}
			return scanLines(cmd.InOrStdin(), enc, rules, warn)
		},
	}

	cmd.Flags().StringVar(&rulesFile, "rules", "", "rule set file, overrides policy.rules_file")
	cmd.Flags().StringSliceVar(&allow, "allow", nil, "allow-listed domains, overrides policy.allow_domains")
	cmd.Flags().StringVar(&warnWhen, "warn-when", "", "CEL warn expression, overrides policy.warn_when")

	return cmd
}

func scanOne(enc *json.Encoder, rules *policy.RuleSet, warn *policy.WarnPolicy, text string) error {
	result := rules.Scan(text)
	w, err := warn.ShouldWarn(result)
	if err != nil {
		return err
	}
	return enc.Encode(scanOutput{
		RedactedText: result.RedactedText,
		HasViolation: result.HasViolation,
		Categories:   result.Categories,
		Warn:         w,
	})
}

func scanLines(r io.Reader, enc *json.Encoder, rules *policy.RuleSet, warn *policy.WarnPolicy) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := scanOne(enc, rules, warn, scanner.Text()); err != nil {
			return err
		}
	}
	return scanner.Err()
}
