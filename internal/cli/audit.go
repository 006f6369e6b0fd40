package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trackwatch/internal/audit"
)

var (
	tailLines         int
	auditReplaySess   string
	auditReplayDomain string
	auditReplayFrom   string
	auditReplayTo     string
	auditReplayFormat string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditReplayCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditReplayCmd.Flags().StringVar(&auditReplaySess, "session", "", "Only entries for this session")
	auditReplayCmd.Flags().StringVar(&auditReplayDomain, "domain", "", "Only entries for this domain")
	auditReplayCmd.Flags().StringVar(&auditReplayFrom, "from", "", "Start time filter (RFC3339)")
	auditReplayCmd.Flags().StringVar(&auditReplayTo, "to", "", "End time filter (RFC3339)")
	auditReplayCmd.Flags().StringVarP(&auditReplayFormat, "format", "f", "text", "Output format (text|json)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying and inspecting the hash-chained enforcement log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify hash chain integrity of an audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent audit log entries",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTail,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay <path>",
	Short: "Render an enforcement timeline from the audit log",
	Long:  "Filters the audit log by session, domain and time range and renders\nthe decisions as a timeline with mode counts.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditReplay,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
		if result.Head != "" {
			fmt.Printf("head: %s\n", result.Head)
			for _, typ := range slices.Sorted(maps.Keys(result.Types)) {
				fmt.Printf("  %-20s %d\n", typ, result.Types[typ])
			}
		}
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	start := max(len(lines)-tailLines, 0)
	for _, line := range lines[start:] {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Println(line)
			continue
		}
		out, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(out))
	}
	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{Session: auditReplaySess, Domain: auditReplayDomain}

	if auditReplayFrom != "" {
		from, err := time.Parse(time.RFC3339, auditReplayFrom)
		if err != nil {
			return fmt.Errorf("invalid --from time %q: %w", auditReplayFrom, err)
		}
		filter.From = from
	}
	if auditReplayTo != "" {
		to, err := time.Parse(time.RFC3339, auditReplayTo)
		if err != nil {
			return fmt.Errorf("invalid --to time %q: %w", auditReplayTo, err)
		}
		filter.To = to
	}

	result, err := audit.Replay(args[0], filter)
	if err != nil {
		return err
	}

	switch auditReplayFormat {
	case "json":
		out, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(audit.FormatTimeline(result))
	}
	return nil
}
