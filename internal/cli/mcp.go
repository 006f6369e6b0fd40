package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trackwatch/internal/client"
	twmcp "github.com/ppiankov/trackwatch/internal/mcp"
)

func init() {
	rootCmd.AddCommand(mcpCmd)
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for assistant integration",
	Long: "Runs an MCP (Model Context Protocol) server over stdio backed by the\n" +
		"control server on --addr. Exposes insights, report, trackers,\n" +
		"override, block and feedback tools.",
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	c, err := client.New(controlAddr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "trackwatch MCP server running on stdio (control %s)\n", controlAddr)
	return twmcp.New(c, version, log.Named("mcp")).Run(ctx)
}
