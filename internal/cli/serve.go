package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/trackwatch/internal/config"
	"github.com/ppiankov/trackwatch/internal/filter"
	"github.com/ppiankov/trackwatch/internal/intercept"
	"github.com/ppiankov/trackwatch/internal/metrics"
	"github.com/ppiankov/trackwatch/internal/pipeline"
	"github.com/ppiankov/trackwatch/internal/server"
)

var (
	serveIngestAddr  string
	serveMetricsAddr string
	serveInput       string
	serveRulesetOut  string
	serveNoReload    bool
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveIngestAddr, "ingest-addr", "", "HTTP address accepting request descriptors on POST /v1/requests")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "Prometheus /metrics address (overrides metrics.addr)")
	serveCmd.Flags().StringVar(&serveInput, "input", "", "JSONL file of request descriptors to feed at startup (- for stdin)")
	serveCmd.Flags().StringVar(&serveRulesetOut, "ruleset-out", "", "Write the active filter rules as a JSON ruleset on shutdown")
	serveCmd.Flags().BoolVar(&serveNoReload, "no-reload", false, "Disable config hot-reload")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the enforcement pipeline and control server",
	Long: "Initializes the pipeline, reconciles filter rules and serves the\n" +
		"control surface over gRPC on --addr. Requests arrive over the ingest\n" +
		"endpoint, a JSONL file, or the Observe RPC. The config file is watched\n" +
		"and its context, risk and policy sections are reloaded on change.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, hash, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	rules := filter.NewMemory()
	svc, closeFn, err := pipeline.Build(ctx, cfg, pipeline.BuildOptions{
		Filter:     rules,
		Metrics:    m,
		Log:        log,
		ConfigHash: hash,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer closeFn()

	if err := svc.Init(ctx); err != nil {
		return err
	}

	srv := server.New(svc, log.Named("control"))

	g, gctx := errgroup.WithContext(ctx)
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()
	served := make(chan error, 1)
	go func() { served <- svc.Serve(serveCtx) }()

	g.Go(func() error { return srv.Run(gctx, controlAddr) })

	if !serveNoReload {
		path := configPath
		if path == "" {
			path = config.DefaultPath()
		}
		reloader, err := server.NewReloader(path, srv.ReloadConfig, log.Named("reload"))
		if err != nil {
			log.Warn("hot-reload disabled", zap.Error(err))
		} else {
			g.Go(func() error { return reloader.Run(gctx) })
		}
	}

	if serveIngestAddr != "" {
		ingest := intercept.NewServer(serveIngestAddr, svc, log.Named("ingest"))
		g.Go(func() error { return ingest.Start(gctx) })
	}

	metricsAddr := cfg.Metrics.Addr
	if serveMetricsAddr != "" {
		metricsAddr = serveMetricsAddr
	}
	if metricsAddr != "" {
		g.Go(func() error { return m.Serve(gctx, metricsAddr, log.Named("metrics")) })
	}

	if serveInput != "" {
		g.Go(func() error { return feedJSONL(gctx, serveInput, svc, log) })
	}

	fmt.Fprintf(os.Stderr, "trackwatch serving control on %s\n", controlAddr)
	if serveIngestAddr != "" {
		fmt.Fprintf(os.Stderr, "Ingest: http://%s/v1/requests\n", serveIngestAddr)
	}
	if metricsAddr != "" {
		fmt.Fprintf(os.Stderr, "Metrics: http://%s/metrics\n", metricsAddr)
	}
	fmt.Fprintln(os.Stderr)

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := svc.Shutdown(shutdownCtx)
	if err := <-served; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("pipeline workers stopped with error", zap.Error(err))
	}

	if serveRulesetOut != "" {
		if err := writeRuleset(serveRulesetOut, rules); err != nil {
			log.Warn("ruleset export failed", zap.Error(err))
		}
	}
	return errors.Join(runErr, shutdownErr)
}

func feedJSONL(ctx context.Context, path string, sink intercept.Sink, log *zap.Logger) error {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	src := intercept.NewJSONL(r, log.Named("jsonl"))
	if err := src.Run(ctx, sink); err != nil {
		return err
	}
	log.Info("input consumed", zap.Int("read", src.Read()), zap.Int("skipped", src.Skipped()))
	return nil
}

func writeRuleset(path string, rules *filter.Memory) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rules.Export(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
