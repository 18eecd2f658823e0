package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/david/fixture-finder/internal/config"
	"github.com/david/fixture-finder/internal/store"
)

// split_months rewrites the per-month files from an existing document without
// running an ingestion.
func main() {
	configPath := flag.String("config", os.Getenv("FIXTURE_CONFIG"), "YAML config file")
	input := flag.String("in", "", "Document to split (default: storage.document)")
	outDir := flag.String("out", "", "Output directory (default: storage.month_dir)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	if *input == "" {
		*input = cfg.Storage.Document
	}
	if *outDir == "" {
		*outDir = cfg.Storage.MonthDir
	}
	if *outDir == "" {
		fmt.Fprintln(os.Stderr, "no output directory: set -out or storage.month_dir")
		os.Exit(2)
	}

	data, err := os.ReadFile(*input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", *input, err)
		os.Exit(1)
	}
	doc, err := store.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	paths, err := store.WriteMonths(*outDir, store.SplitByMonth(doc, cfg.Location()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	for _, p := range paths {
		fmt.Println(p)
	}
}
