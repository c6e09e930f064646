// Package main is the entry point for the clusterstats command.
package main

import (
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/clusterstats/internal/config"
)

var (
	configPath string
	datasetID  string

	// Ad-hoc dataset flags, used instead of or on top of a config file.
	matrixPath    string
	metadataPath  string
	cellColumn    string
	clusterColumn string
	barcodeLength int
	delimiter     string
)

var rootCmd = &cobra.Command{
	Use:   "clusterstats",
	Short: "Per-cluster gene expression statistics",
	Long: `clusterstats summarizes a gene-by-cell expression matrix per cluster.

For every gene and every cluster of cells it reports the mean expression
and the percentage of cells whose expression exceeds a threshold. Cluster
assignments come from a cell metadata table.

Examples:
  clusterstats run --config clusterstats.yaml
  clusterstats run --matrix seurat_data.csv.gz --metadata seurat_metadata.csv \
      --cluster-column 26 --barcode-length 20
  clusterstats clusters --config clusterstats.yaml
  clusterstats serve --config clusterstats.yaml`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Path to configuration file")
	pf.StringVar(&datasetID, "dataset", "", "Dataset to use (default: first configured dataset)")
	pf.StringVar(&matrixPath, "matrix", "", "Expression matrix path (genes x cells, optionally .gz/.zst)")
	pf.StringVar(&metadataPath, "metadata", "", "Cell metadata path")
	pf.StringVar(&cellColumn, "cell-column", "", "Metadata cell column (index or header name)")
	pf.StringVar(&clusterColumn, "cluster-column", "", "Metadata cluster column (index or header name)")
	pf.IntVar(&barcodeLength, "barcode-length", config.DefaultBarcodeLength, "Truncate cell identifiers to this length (0 disables)")
	pf.StringVar(&delimiter, "delimiter", "", "Field delimiter of both input tables")
}

func main() {
	log.SetFlags(log.LstdFlags)
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("clusterstats: %v", err)
	}
}

// loadConfig reads the configuration file and applies the dataset flags.
// Matrix and metadata flags define a dataset named "cli" that becomes the
// default unless --dataset is given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if matrixPath != "" || metadataPath != "" {
		ds := &config.DatasetConfig{
			MatrixPath:    matrixPath,
			MetadataPath:  metadataPath,
			BarcodeLength: &barcodeLength,
			Delimiter:     delimiter,
		}
		if cellColumn != "" {
			ds.CellColumn = parseColumn(cellColumn)
		}
		if clusterColumn != "" {
			ds.ClusterColumn = parseColumn(clusterColumn)
		}
		cfg.AddDataset("cli", ds)
		if datasetID == "" {
			cfg.Data.DefaultDataset = "cli"
		}
	} else if ds, err := cfg.Dataset(datasetID); err == nil {
		if flags.Changed("cell-column") {
			ds.CellColumn = parseColumn(cellColumn)
		}
		if flags.Changed("cluster-column") {
			ds.ClusterColumn = parseColumn(clusterColumn)
		}
		if flags.Changed("barcode-length") {
			ds.BarcodeLength = &barcodeLength
		}
		if flags.Changed("delimiter") {
			ds.Delimiter = delimiter
		}
	}
	if datasetID != "" {
		cfg.Data.DefaultDataset = datasetID
	}

	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseColumn(s string) config.ColumnRef {
	if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil && i >= 0 {
		return config.ColumnIndex(i)
	}
	return config.ColumnName(s)
}

func describeDataset(cfg *config.Config) string {
	ds := cfg.Data.Datasets[cfg.Data.DefaultDataset]
	return fmt.Sprintf("%s (matrix=%s, metadata=%s, cell=%s, cluster=%s)",
		cfg.Data.DefaultDataset, ds.MatrixPath, ds.MetadataPath, ds.CellColumn, ds.ClusterColumn)
}
