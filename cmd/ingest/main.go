package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	crerr "github.com/cockroachdb/errors"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/fixture-finder/internal/app"
	"github.com/david/fixture-finder/internal/config"
	"github.com/david/fixture-finder/internal/ingest"
)

func main() {
	configPath := flag.String("config", os.Getenv("FIXTURE_CONFIG"), "YAML config file")
	sourcesPath := flag.String("sources", "", "Sources registry file (overrides config)")
	ids := flag.String("ids", "", "Comma-separated source ids to ingest (default: all active)")
	policy := flag.String("policy", "", "Window policy: lookahead or weekend (overrides config)")
	flag.Parse()

	os.Exit(run(*configPath, *sourcesPath, *ids, *policy))
}

func run(configPath, sourcesPath, ids, policy string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}
	if sourcesPath != "" {
		cfg.Registry = sourcesPath
	}
	if policy != "" {
		cfg.Window.Policy = policy
	}
	logger := app.NewLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 2
	}
	defer a.Close()

	var report ingest.RunReport
	if ids != "" {
		report, err = a.Pipeline.IngestSource(ctx, strings.Split(ids, ",")...)
	} else {
		report, err = a.Pipeline.IngestAll(ctx)
	}
	printReport(report)
	if err != nil {
		logger.Error("ingestion failed", "error", err)
		if crerr.Is(err, ingest.ErrPersistence) {
			return 1
		}
		return 2
	}

	if !report.KeptPrevious {
		paths, err := a.WriteMonths(ctx)
		if err != nil {
			logger.Warn("failed to write month files", "error", err)
		} else if len(paths) > 0 {
			logger.Info("month files written", "count", len(paths))
		}
	}
	return 0
}

func printReport(report ingest.RunReport) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Source", "Stop", "Pages", "Fetched", "Kept", "Misses", "Parse fail", "Error"})
	for _, s := range report.Sources {
		errText := ""
		if s.Err != nil {
			errText = s.Err.Error()
		}
		t.AppendRow(table.Row{s.SourceID, string(s.Stop), s.Counters.Pages, s.Counters.Fetched,
			s.Counters.Kept, s.Counters.ExtractionMiss, s.Counters.ParseFail, errText})
	}
	t.AppendFooter(table.Row{"total", report.Status, report.Totals.Pages, report.Totals.Fetched,
		report.Totals.Kept, report.Totals.ExtractionMiss, report.Totals.ParseFail,
		fmt.Sprintf("published %d", report.Published)})
	t.Render()
}
