package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/fixture-finder/internal/config"
	"github.com/david/fixture-finder/internal/db"
)

func main() {
	configPath := flag.String("config", os.Getenv("FIXTURE_CONFIG"), "YAML config file")
	limit := flag.Int("limit", 10, "Number of runs to show")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	runs, err := db.NewStore(pool).ListRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Run", "Status", "Sources", "Fetched", "Kept", "Published", "Fetch errors", "Duration", "Started At"})

	for _, r := range runs {
		duration := "Running..."
		if !r.CompletedAt.IsZero() {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{r.RunID.String()[:8], r.Status, r.Sources, r.Counters["fetched"], r.Kept,
			r.Published, r.FetchErrors, duration, r.StartedAt.Local().Format("2006-01-02 15:04:05")})
	}
	t.Render()
}
