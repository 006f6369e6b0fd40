package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trackwatch/internal/client"
	"github.com/ppiankov/trackwatch/internal/model"
	"github.com/ppiankov/trackwatch/internal/report"
)

var (
	overrideSession  string
	clearSession     string
	reportSession    string
	reportFormat     string
	insightsFormat   string
	observeSession   string
	observeType      string
	observeInitiator string
)

func init() {
	for _, c := range []*cobra.Command{
		sessionsCmd, trackersCmd, statsCmd, overrideCmd, clearOverrideCmd, overridesCmd,
		blockCmd, unblockCmd, reportCmd, insightsCmd, feedbackCmd, clearCmd, observeCmd, navigateCmd,
	} {
		rootCmd.AddCommand(c)
	}
	overrideCmd.Flags().StringVar(&overrideSession, "session", "", "Limit the override to one session (default: global)")
	clearOverrideCmd.Flags().StringVar(&clearSession, "session", "", "Session of the override to clear (default: global)")
	reportCmd.Flags().StringVar(&reportSession, "session", "", "Restrict session sections to one session")
	reportCmd.Flags().StringVarP(&reportFormat, "format", "f", "text", "Output format (text|json)")
	insightsCmd.Flags().StringVarP(&insightsFormat, "format", "f", "text", "Output format (text|json)")
	observeCmd.Flags().StringVar(&observeSession, "session", "cli", "Session id")
	observeCmd.Flags().StringVar(&observeType, "type", "script", "Resource type")
	observeCmd.Flags().StringVar(&observeInitiator, "initiator", "", "Initiating page URL")
}

// withClient dials --addr, runs fn, and closes the connection.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	c, err := client.New(controlAddr)
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, c)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List live browsing sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			sessions, err := c.Sessions(ctx)
			if err != nil {
				return err
			}
			return printJSON(sessions)
		})
	},
}

var trackersCmd = &cobra.Command{
	Use:   "trackers <session>",
	Short: "List the trackers seen in a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			trackers, err := c.Trackers(ctx, model.SessionID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(trackers)
		})
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <session>",
	Short: "Show a session's request counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			stats, err := c.Stats(ctx, model.SessionID(args[0]))
			if err != nil {
				return err
			}
			return printJSON(stats)
		})
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override <domain> <allow|restrict|sandbox|block>",
	Short: "Force an enforcement mode for a domain",
	Long:  "Sets a user override. Overrides take precedence over the risk score\nand are never deferred by sensitive contexts.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.SetOverride(ctx, args[0], model.SessionID(overrideSession), args[1]); err != nil {
				return err
			}
			fmt.Printf("override set: %s -> %s\n", args[0], args[1])
			return nil
		})
	},
}

var clearOverrideCmd = &cobra.Command{
	Use:   "clear-override <domain>",
	Short: "Remove a user override",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.ClearOverride(ctx, args[0], model.SessionID(clearSession)); err != nil {
				return err
			}
			fmt.Printf("override cleared: %s\n", args[0])
			return nil
		})
	},
}

var overridesCmd = &cobra.Command{
	Use:   "overrides",
	Short: "List active user overrides",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			overrides, err := c.Overrides(ctx)
			if err != nil {
				return err
			}
			return printJSON(overrides)
		})
	},
}

var blockCmd = &cobra.Command{
	Use:   "block <domain>",
	Short: "Install a block rule for a domain now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			id, err := c.Block(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("blocked %s (rule %d)\n", args[0], id)
			return nil
		})
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <domain>",
	Short: "Remove a domain's block rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			id, err := c.Unblock(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("unblocked %s (rule %d)\n", args[0], id)
			return nil
		})
	},
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Export a report of sessions, trackers, rules and insights",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			rep, err := c.Report(ctx, model.SessionID(reportSession))
			if err != nil {
				return err
			}
			if reportFormat == "json" {
				out, err := report.FormatJSON(rep)
				if err != nil {
					return err
				}
				fmt.Println(out)
				return nil
			}
			fmt.Print(report.FormatText(rep))
			return nil
		})
	},
}

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Show cross-site tracking, exposure and recommendations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			b, err := c.Insights(ctx)
			if err != nil {
				return err
			}
			if insightsFormat == "json" {
				return printJSON(b)
			}
			fmt.Print(report.FormatInsights(b))
			return nil
		})
	},
}

var feedbackCmd = &cobra.Command{
	Use:   "feedback <domain> <category>",
	Short: "Correct the category of a domain",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.Feedback(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("recorded: %s is %s\n", args[0], args[1])
			return nil
		})
	},
}

var clearCmd = &cobra.Command{
	Use:   "clear <pattern|fingerprint|insights|rules|all>",
	Short: "Wipe stored analysis data or installed filter rules",
	Long: "Wipes one data set. \"rules\" removes every installed filter rule;\n" +
		"\"all\" resets analysis data and rules together.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"pattern", "fingerprint", "insights", "rules", "all"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			if err := c.ClearData(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("cleared %s data\n", args[0])
			return nil
		})
	},
}

var observeCmd = &cobra.Command{
	Use:   "observe <url>",
	Short: "Score and enforce one request on the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			out, err := c.Observe(ctx, model.Request{
				URL:          args[0],
				ResourceType: observeType,
				InitiatorURL: observeInitiator,
				SessionID:    model.SessionID(observeSession),
			})
			if err != nil {
				return err
			}
			return printJSON(out)
		})
	},
}

var navigateCmd = &cobra.Command{
	Use:   "navigate <session> <url>",
	Short: "Report a page navigation and print the detected contexts",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *client.Client) error {
			contexts, err := c.Navigate(ctx, model.SessionID(args[0]), args[1], nil)
			if err != nil {
				return err
			}
			fmt.Println(contexts.String())
			return nil
		})
	},
}
