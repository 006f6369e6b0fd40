package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trackwatch/internal/filter"
	"github.com/ppiankov/trackwatch/internal/intercept"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/pipeline"
	"github.com/ppiankov/trackwatch/internal/report"
	"github.com/ppiankov/trackwatch/internal/store"
)

var (
	replayInput   string
	replayFormat  string
	replayRuleset string
)

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVarP(&replayInput, "input", "i", "", "JSONL file of request descriptors (- for stdin, required)")
	replayCmd.Flags().StringVarP(&replayFormat, "format", "f", "text", "Output format (text|json)")
	replayCmd.Flags().StringVar(&replayRuleset, "ruleset-out", "", "Write the resulting filter rules as a JSON ruleset")
	replayCmd.MarkFlagRequired("input")
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run recorded requests through an offline pipeline",
	Long: "Reads request descriptors from a JSONL file, processes them in order\n" +
		"with an in-memory store and filter, and prints the resulting report.\n" +
		"Nothing is persisted.",
	RunE: runReplay,
}

// processSink runs each request inline so replay keeps file order.
type processSink struct{ svc *pipeline.Service }

func (p processSink) Submit(ctx context.Context, req model.Request) error {
	p.svc.Process(ctx, req)
	return nil
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, hash, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	rules := filter.NewMemory()
	svc, closeFn, err := pipeline.Build(ctx, cfg, pipeline.BuildOptions{
		Filter:     rules,
		Store:      store.NewMemory(),
		Inline:     true,
		NoAudit:    true,
		ConfigHash: hash,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer closeFn()
	if err := svc.Init(ctx); err != nil {
		return err
	}

	var r io.Reader = os.Stdin
	if replayInput != "-" {
		f, err := os.Open(replayInput)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	src := intercept.NewJSONL(r, nil)
	if err := src.Run(ctx, processSink{svc}); err != nil {
		return err
	}
	if src.Skipped() > 0 {
		fmt.Fprintf(os.Stderr, "skipped %d malformed line(s) of %d\n", src.Skipped(), src.Read())
	}

	rep, err := report.Build(svc, "", time.Now())
	if err != nil {
		return err
	}
	switch replayFormat {
	case "json":
		out, err := report.FormatJSON(rep)
		if err != nil {
			return err
		}
		fmt.Println(out)
	default:
		fmt.Print(report.FormatText(rep))
	}

	if replayRuleset != "" {
		if err := writeRuleset(replayRuleset, rules); err != nil {
			return fmt.Errorf("write ruleset: %w", err)
		}
	}
	return svc.Shutdown(ctx)
}
