package service

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
	"github.com/atlasmap-sc/clusterstats/internal/config"
	"github.com/atlasmap-sc/clusterstats/internal/data/matrix"
	"github.com/atlasmap-sc/clusterstats/internal/data/metadata"
	"github.com/atlasmap-sc/clusterstats/internal/metrics"
	"github.com/atlasmap-sc/clusterstats/internal/output"
	"github.com/atlasmap-sc/clusterstats/internal/runstore"
)

// Service runs aggregations over configured datasets. It is safe for
// concurrent use.
type Service struct {
	cfg     *config.Config
	indexes *lru.Cache[string, *metadata.Index]
}

// New creates a service for cfg.
func New(cfg *config.Config) (*Service, error) {
	size := cfg.Cache.IndexCacheSize
	if size <= 0 {
		size = 8
	}
	indexes, err := lru.New[string, *metadata.Index](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create index cache: %w", err)
	}
	return &Service{cfg: cfg, indexes: indexes}, nil
}

// Config returns the service configuration.
func (s *Service) Config() *config.Config {
	return s.cfg
}

// Index returns the metadata index of ds. Indexes are cached until the
// metadata file changes.
func (s *Service) Index(ds *config.DatasetConfig) (*metadata.Index, error) {
	info, err := os.Stat(ds.MetadataPath)
	if err != nil {
		return nil, &aggerr.ConfigError{Field: "metadata_path", Err: err}
	}
	key := fmt.Sprintf("%s|%d|%d|%s|%s|%d|%q",
		ds.MetadataPath, info.Size(), info.ModTime().UnixNano(),
		ds.CellColumn, ds.ClusterColumn, ds.Truncation(), ds.Comma())
	if ix, ok := s.indexes.Get(key); ok {
		return ix, nil
	}

	start := time.Now()
	ix, err := metadata.Load(ds.MetadataPath, metadata.OptionsFor(ds))
	if err != nil {
		return nil, err
	}
	log.Printf("[service] indexed %s: %d cells in %d clusters (%v)",
		ds.MetadataPath, ix.NumCells(), len(ix.Labels()), time.Since(start).Round(time.Millisecond))
	s.indexes.Add(key, ix)
	return ix, nil
}

// ClusterCount is a cluster label with its number of member cells.
type ClusterCount struct {
	Cluster string `json:"cluster"`
	Cells   int    `json:"cells"`
}

// Clusters lists the clusters of a dataset in metadata order.
func (s *Service) Clusters(datasetID string) ([]ClusterCount, error) {
	ds, err := s.cfg.Dataset(datasetID)
	if err != nil {
		return nil, err
	}
	ix, err := s.Index(ds)
	if err != nil {
		return nil, err
	}
	labels := ix.Labels()
	out := make([]ClusterCount, len(labels))
	for i, l := range labels {
		out[i] = ClusterCount{Cluster: l, Cells: ix.Count(l)}
	}
	return out, nil
}

// Request describes one aggregation. Zero fields fall back to the dataset
// and stats configuration.
type Request struct {
	DatasetID string
	Clusters  []string
	Threshold *float64
	Precision *int

	Progress func(rows int)
}

// Aggregate runs a single aggregation pass over a dataset.
func (s *Service) Aggregate(ctx context.Context, req Request) (*Result, error) {
	ds, err := s.cfg.Dataset(req.DatasetID)
	if err != nil {
		return nil, err
	}
	if err := config.CheckInputs(ds); err != nil {
		return nil, err
	}

	ix, err := s.Index(ds)
	if err != nil {
		return nil, err
	}

	plan := Plan{
		Index:     ix,
		Clusters:  ds.Clusters,
		Threshold: s.cfg.Stats.Threshold,
		Precision: s.cfg.Stats.Precision,
		Workers:   s.cfg.Stats.Workers,
		BatchSize: s.cfg.Stats.BatchSize,
		Progress:  req.Progress,
	}
	if len(req.Clusters) > 0 {
		plan.Clusters = req.Clusters
	}
	if req.Threshold != nil {
		plan.Threshold = *req.Threshold
	}
	if req.Precision != nil {
		plan.Precision = *req.Precision
	}

	start := time.Now()
	r, err := matrix.Open(ds.MatrixPath, matrix.Options{Comma: ds.Comma(), BarcodeLength: ds.Truncation()})
	if err != nil {
		return nil, err
	}
	defer r.Close()

	res, err := AggregateReader(ctx, r, plan)
	if err != nil {
		return nil, err
	}
	metrics.RunDuration.Observe(time.Since(start).Seconds())
	return res, nil
}

// OutputPaths returns the artifact paths of an output configuration.
func OutputPaths(out config.OutputConfig) output.Paths {
	return output.Paths{
		Mean:    out.Path(out.MeanFile),
		Percent: out.Path(out.PercentFile),
		Header:  out.Path(out.HeaderFile),
	}
}

// WriteOutputs writes the gene header and every cluster row of res.
func WriteOutputs(res *Result, out config.OutputConfig) error {
	w, err := output.Create(OutputPaths(out), output.Mode(out.Mode), out.HeaderLabel)
	if err != nil {
		return err
	}
	if err := w.WriteHeader(res.Genes); err != nil {
		w.Close()
		return fmt.Errorf("failed to write gene header: %w", err)
	}
	for _, row := range res.Rows {
		if err := w.WriteRow(row.Cluster, row.Mean, row.Percent); err != nil {
			w.Close()
			return err
		}
	}
	return w.Close()
}

// ExecuteJob runs a stored aggregation job (called by JobManager workers).
func (s *Service) ExecuteJob(ctx context.Context, store *runstore.Store, jobID string) error {
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	store.UpdateJobProgress(jobID, "loading_metadata", 0, 0)

	res, err := s.Aggregate(ctx, Request{
		DatasetID: job.Params.DatasetID,
		Clusters:  job.Params.Clusters,
		Threshold: job.Params.Threshold,
		Precision: job.Params.Precision,
		Progress: func(rows int) {
			store.UpdateJobProgress(jobID, "scanning_matrix", rows, 0)
		},
	})
	if err != nil {
		return err
	}

	store.UpdateJobProgress(jobID, "saving_results", len(res.Genes), len(res.Genes))

	rows := make([]runstore.ClusterRows, len(res.Rows))
	for i, r := range res.Rows {
		rows[i] = runstore.ClusterRows{Cluster: r.Cluster, Cells: r.Cells, Mean: r.Mean, Percent: r.Percent}
	}
	if err := store.InsertResults(jobID, res.Genes, rows); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}

	skipped := make([]runstore.SkippedCluster, len(res.Skipped))
	for i, sk := range res.Skipped {
		skipped[i] = runstore.SkippedCluster{Cluster: sk.Cluster, Members: sk.Members}
	}
	if err := store.UpdateJobSummary(jobID, len(res.Genes), len(res.Rows), res.MissingCells, skipped); err != nil {
		return fmt.Errorf("failed to save job summary: %w", err)
	}

	return nil
}
