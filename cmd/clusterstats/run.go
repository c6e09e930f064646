package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
	"github.com/atlasmap-sc/clusterstats/internal/config"
	"github.com/atlasmap-sc/clusterstats/internal/output"
	"github.com/atlasmap-sc/clusterstats/internal/service"
)

const progressEvery = 1000

var (
	runClusters  []string
	runThreshold float64
	runPrecision int
	runWorkers   int
	runOutDir    string
	runMode      string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Aggregate the expression matrix per cluster and write the result tables",
	Long: `Run reads the cell metadata, streams the expression matrix once and
writes three artifacts: a mean table, a percent-expressing table and a
gene header line. Rows are tab separated and start with the cluster label.

Existing artifacts are an error unless --mode is overwrite or append.`,
	Args: cobra.NoArgs,
	RunE: runAggregate,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.StringSliceVar(&runClusters, "clusters", nil, "Clusters to aggregate, in output order (default: all)")
	f.Float64Var(&runThreshold, "threshold", 1.0, "Expression level a cell must exceed to count as expressing")
	f.IntVar(&runPrecision, "precision", 4, "Decimal digits kept in results")
	f.IntVar(&runWorkers, "workers", 0, "Parsing goroutines (default: number of CPUs)")
	f.StringVar(&runOutDir, "out-dir", "", "Directory for output artifacts")
	f.StringVar(&runMode, "mode", "", "Existing output handling: fail, overwrite or append")
}

func runAggregate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("threshold") {
		cfg.Stats.Threshold = runThreshold
	}
	if flags.Changed("precision") {
		cfg.Stats.Precision = runPrecision
	}
	if flags.Changed("workers") {
		cfg.Stats.Workers = runWorkers
	}
	if runOutDir != "" {
		cfg.Output.Dir = runOutDir
	}
	if runMode != "" {
		cfg.Output.Mode = runMode
	}
	if len(runClusters) > 0 {
		cfg.Data.Datasets[cfg.Data.DefaultDataset].Clusters = runClusters
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	paths := service.OutputPaths(cfg.Output)
	if err := output.Preflight(paths, output.Mode(cfg.Output.Mode)); err != nil {
		return err
	}
	if cfg.Output.Dir != "" {
		if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	svc, err := service.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Aggregating dataset %s", describeDataset(cfg))
	log.Printf("threshold=%g precision=%d workers=%d mode=%s",
		cfg.Stats.Threshold, cfg.Stats.Precision, cfg.Stats.Workers, cfg.Output.Mode)

	start := time.Now()
	logged := 0
	res, err := svc.Aggregate(ctx, service.Request{
		Progress: func(rows int) {
			if rows-logged >= progressEvery {
				log.Printf("  %d genes processed", rows)
				logged = rows
			}
		},
	})
	if err != nil {
		return describeFailure(err)
	}

	if err := service.WriteOutputs(res, cfg.Output); err != nil {
		return describeFailure(err)
	}

	log.Printf("Wrote %d clusters x %d genes in %v", len(res.Rows), len(res.Genes), time.Since(start).Round(time.Millisecond))
	log.Printf("  mean:    %s", paths.Mean)
	log.Printf("  percent: %s", paths.Percent)
	log.Printf("  header:  %s", paths.Header)
	for _, sk := range res.Skipped {
		log.Printf("  skipped: %v", sk)
	}
	if res.MissingCells > 0 {
		log.Printf("  %d metadata cells were not found in the matrix header", res.MissingCells)
	}
	return nil
}

// describeFailure prefixes err with the class of failure.
func describeFailure(err error) error {
	var (
		cfgErr    *aggerr.ConfigError
		schemaErr *aggerr.SchemaError
		parseErr  *aggerr.ParseError
		consErr   *aggerr.ConsistencyError
	)
	switch {
	case errors.As(err, &parseErr):
		return fmt.Errorf("aborting: invalid expression value for gene %q in cluster %q: %w", parseErr.Gene, parseErr.Cluster, err)
	case errors.As(err, &schemaErr):
		return fmt.Errorf("aborting: malformed input table: %w", err)
	case errors.As(err, &consErr):
		return fmt.Errorf("aborting: inconsistent results: %w", err)
	case errors.As(err, &cfgErr):
		return fmt.Errorf("configuration error: %w", err)
	case errors.Is(err, context.Canceled):
		return errors.New("interrupted")
	}
	return err
}
