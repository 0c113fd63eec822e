package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-dl/config"
	"github.com/dhcgn/mail-dl/filter"
	"github.com/dhcgn/mail-dl/mbox"
	"github.com/dhcgn/mail-dl/rfc822"
)

const reportFileName = "report_rules.csv"

// NewRulesCommand returns the `rules` command group.
func NewRulesCommand() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the configured matching rules",
	}
	rulesCmd.AddCommand(newRulesCheckCommand())
	return rulesCmd
}

func newRulesCheckCommand() *cobra.Command {
	var reportDir string

	checkCmd := &cobra.Command{
		Use:   "check [mbox file]",
		Short: "Evaluate the rules against every message of an mbox file without archiving or deleting anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := config.LoadRules(cmd)
			if err != nil {
				return err
			}
			matcher, err := filter.New(specs)
			if err != nil {
				return fmt.Errorf("create matcher: %w", err)
			}

			report, err := checkMbox(cmd.OutOrStdout(), cmd.ErrOrStderr(), args[0], matcher)
			if err != nil {
				return err
			}

			if reportDir != "" {
				if err := saveCSVReport(report, reportDir); err != nil {
					return fmt.Errorf("error saving CSV report: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nReport saved to: %s\n", filepath.Join(reportDir, reportFileName))
			}
			return nil
		},
	}

	checkCmd.Flags().StringVarP(&reportDir, "output", "o", "", "Directory for a CSV report of all matches")
	return checkCmd
}

type matchRow struct {
	MessageID string
	Rule      string
	From      string
	Subject   string
}

type rulesReport struct {
	Messages int
	Matches  []matchRow
	Hits     map[string]int
	Rules    []string
}

func checkMbox(out, errOut io.Writer, path string, matcher *filter.Matcher) (rulesReport, error) {
	report := rulesReport{
		Hits:  make(map[string]int),
		Rules: matcher.Rules(),
	}

	table := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "RESULT\tRULE\tFROM\tSUBJECT")

	err := mbox.Read(path, func(raw []byte) error {
		report.Messages++
		id := mbox.MessageID(raw)
		msg, parseErr := rfc822.Parse(id, raw)
		if parseErr != nil {
			fmt.Fprintf(errOut, "warning: message %d (%s) is damaged: %v\n", report.Messages, id[:12], parseErr)
		}

		rule, ok := matcher.Match(msg)
		if !ok {
			fmt.Fprintf(table, "skip\t-\t%s\t%s\n", msg.From, msg.Subject)
			return nil
		}

		report.Hits[rule]++
		report.Matches = append(report.Matches, matchRow{
			MessageID: id,
			Rule:      rule,
			From:      msg.From.String(),
			Subject:   msg.Subject,
		})
		fmt.Fprintf(table, "archive\t%s\t%s\t%s\n", rule, msg.From, msg.Subject)
		return nil
	})
	if err != nil {
		return rulesReport{}, fmt.Errorf("error reading mbox file: %w", err)
	}
	if err := table.Flush(); err != nil {
		return rulesReport{}, err
	}

	fmt.Fprintf(out, "\n%d messages, %d would be archived, %d would be deleted\n\n",
		report.Messages, len(report.Matches), report.Messages-len(report.Matches))
	printRuleHits(out, report.Rules, report.Hits)

	return report, nil
}

func printRuleHits(out io.Writer, rules []string, hits map[string]int) {
	type pair struct {
		Rule  string
		Count int
	}
	pairs := make([]pair, 0, len(rules))
	for _, rule := range rules {
		pairs = append(pairs, pair{rule, hits[rule]})
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].Count > pairs[j].Count
	})

	fmt.Fprintln(out, "Rules:")
	for _, p := range pairs {
		if p.Count > 0 {
			fmt.Fprintf(out, "  ✓ %s: %d hits\n", p.Rule, p.Count)
		} else {
			fmt.Fprintf(out, "  ✗ %s: 0 hits\n", p.Rule)
		}
	}
}

func saveCSVReport(report rulesReport, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	file, err := os.Create(filepath.Join(dir, reportFileName))
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"MessageID", "Rule", "From", "Subject"}); err != nil {
		return err
	}
	for _, row := range report.Matches {
		if err := writer.Write([]string{row.MessageID, row.Rule, row.From, row.Subject}); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}
