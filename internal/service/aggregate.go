// Package service provides the aggregation pipeline and its job execution.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
	"github.com/atlasmap-sc/clusterstats/internal/data/matrix"
	"github.com/atlasmap-sc/clusterstats/internal/data/metadata"
	"github.com/atlasmap-sc/clusterstats/internal/metrics"
	"github.com/atlasmap-sc/clusterstats/internal/stats"
)

var errNotFinite = errors.New("value is not finite")

// Plan describes one aggregation run over an expression matrix.
type Plan struct {
	Index *metadata.Index

	// Clusters lists labels in output order. Empty means every label
	// in the index.
	Clusters []string

	Threshold float64
	Precision int

	Workers   int
	BatchSize int

	// Progress, if set, is called with the number of gene rows
	// processed so far after each batch.
	Progress func(rows int)
}

// ClusterRow holds one cluster's statistics in gene header order.
type ClusterRow struct {
	Cluster string
	Cells   int // matrix columns aggregated
	Mean    []float64
	Percent []float64
}

// Result is the outcome of an aggregation run.
type Result struct {
	// Genes is the gene header, in matrix row order.
	Genes []string
	Rows  []ClusterRow

	// Skipped lists clusters with no cells to aggregate.
	Skipped []*aggerr.EmptyClusterError

	// MissingCells counts metadata cells of aggregated clusters that
	// are absent from the matrix header.
	MissingCells int
}

// clusterColumns is the Column Index Set of one cluster, already mapped to
// data row fields.
type clusterColumns struct {
	name   string
	fields []int
}

// rowBatch is a run of consecutive matrix rows. A read error ends the
// batch and is carried along so that it is reported after the rows
// before it.
type rowBatch struct {
	seq   int
	rows  [][]string
	lines []int
	err   error
}

// batchResult holds the statistics of one batch, or the first error on
// or after its rows.
type batchResult struct {
	seq   int
	genes []string
	stats [][]stats.Summary // [cluster][row]
	err   error
}

// AggregateReader computes per-cluster statistics for every gene row of r
// in a single pass. Rows are parsed by plan.Workers goroutines; each
// worker owns its buffers, and a single collector reassembles batches in
// matrix order and captures the gene header. When several rows are bad,
// the error of the earliest one is returned.
func AggregateReader(ctx context.Context, r *matrix.Reader, plan Plan) (*Result, error) {
	if plan.Index == nil {
		return nil, errors.New("aggregate: plan has no metadata index")
	}
	workers := plan.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	batchSize := plan.BatchSize
	if batchSize <= 0 {
		batchSize = 256
	}

	h := r.Header()
	clusters, res := resolveClusters(h, plan)
	needed, owner := neededFields(h, clusters)

	log.Printf("[aggregate] %s: %d cells in header, %d clusters active, %d skipped, %d columns parsed per row",
		r.Name(), h.NumCells(), len(clusters), len(res.Skipped), len(needed))

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan rowBatch, workers)
	results := make(chan batchResult, workers)

	// Reader
	g.Go(func() error {
		defer close(batches)
		cur := rowBatch{}
		send := func() error {
			select {
			case batches <- cur:
			case <-gctx.Done():
				return gctx.Err()
			}
			cur = rowBatch{seq: cur.seq + 1}
			return nil
		}
		for {
			rec, line, err := r.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				cur.err = err
				return send()
			}
			cur.rows = append(cur.rows, rec)
			cur.lines = append(cur.lines, line)
			if len(cur.rows) == batchSize {
				if err := send(); err != nil {
					return err
				}
			}
		}
		if len(cur.rows) > 0 {
			return send()
		}
		return nil
	})

	// Workers
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		w := newRowWorker(h, clusters, needed, owner, plan.Threshold, plan.Precision)
		g.Go(func() error {
			defer wg.Done()
			for b := range batches {
				if err := gctx.Err(); err != nil {
					return err
				}
				out := w.process(b)
				select {
				case results <- out:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// Collector
	rows := make([]ClusterRow, len(clusters))
	for i, c := range clusters {
		rows[i] = ClusterRow{Cluster: c.name, Cells: len(c.fields)}
	}
	g.Go(func() error {
		pending := make(map[int]batchResult)
		next := 0
		for out := range results {
			pending[out.seq] = out
			for {
				p, ok := pending[next]
				if !ok {
					break
				}
				delete(pending, next)
				next++
				if p.err != nil {
					return p.err
				}

				res.Genes = append(res.Genes, p.genes...)
				for c := range rows {
					for _, s := range p.stats[c] {
						rows[c].Mean = append(rows[c].Mean, s.Mean)
						rows[c].Percent = append(rows[c].Percent, s.Percent)
					}
				}
				metrics.RowsScanned.Add(float64(len(p.genes)))
				if plan.Progress != nil {
					plan.Progress(len(res.Genes))
				}
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, row := range rows {
		if len(row.Mean) != len(res.Genes) || len(row.Percent) != len(res.Genes) {
			return nil, &aggerr.ConsistencyError{Cluster: row.Cluster, Want: len(res.Genes), Got: len(row.Mean)}
		}
	}
	res.Rows = rows
	metrics.ClustersAggregated.Add(float64(len(rows)))
	metrics.ClustersSkipped.Add(float64(len(res.Skipped)))

	log.Printf("[aggregate] %s: %d genes x %d clusters", r.Name(), len(res.Genes), len(rows))
	return res, nil
}

// resolveClusters builds the Column Index Set of every requested cluster.
// Clusters without cells are recorded as skipped and logged.
func resolveClusters(h *matrix.Header, plan Plan) ([]clusterColumns, *Result) {
	labels := plan.Clusters
	if len(labels) == 0 {
		labels = plan.Index.Labels()
	}

	res := &Result{}
	clusters := make([]clusterColumns, 0, len(labels))
	for _, label := range labels {
		members := plan.Index.Members(label)
		if len(members) == 0 {
			skip := &aggerr.EmptyClusterError{Cluster: label}
			log.Printf("[aggregate] WARNING: skipping %v", skip)
			res.Skipped = append(res.Skipped, skip)
			continue
		}

		cols := matrix.SelectColumns(h, members)
		if len(cols) == 0 {
			skip := &aggerr.EmptyClusterError{Cluster: label, Members: len(members)}
			log.Printf("[aggregate] WARNING: skipping %v", skip)
			res.Skipped = append(res.Skipped, skip)
			continue
		}
		if missing := len(members) - len(cols); missing > 0 {
			log.Printf("[aggregate] cluster %q: %d of %d cells absent from matrix header", label, missing, len(members))
			res.MissingCells += missing
		}

		fields := make([]int, len(cols))
		for i, pos := range cols {
			fields[i] = h.Field(pos)
		}
		clusters = append(clusters, clusterColumns{name: label, fields: fields})
	}
	return clusters, res
}

// neededFields returns the ascending union of all cluster fields and, per
// field, the index of the first cluster using it.
func neededFields(h *matrix.Header, clusters []clusterColumns) ([]int, []int) {
	owner := make([]int, h.RowWidth())
	for i := range owner {
		owner[i] = -1
	}
	var needed []int
	for c, cc := range clusters {
		for _, f := range cc.fields {
			if owner[f] == -1 {
				owner[f] = c
				needed = append(needed, f)
			}
		}
	}
	sort.Ints(needed)
	return needed, owner
}

// rowWorker computes statistics for batches of gene rows. It is used by a
// single goroutine.
type rowWorker struct {
	header    *matrix.Header
	clusters  []clusterColumns
	needed    []int
	owner     []int
	threshold float64
	precision int

	values []float64 // indexed by row field
	buf    []float64
}

func newRowWorker(h *matrix.Header, clusters []clusterColumns, needed, owner []int, threshold float64, precision int) *rowWorker {
	return &rowWorker{
		header:    h,
		clusters:  clusters,
		needed:    needed,
		owner:     owner,
		threshold: threshold,
		precision: precision,
		values:    make([]float64, h.RowWidth()),
	}
}

// process computes the batch statistics. A parse error stops the batch
// and takes precedence over the read error carried by b.
func (w *rowWorker) process(b rowBatch) batchResult {
	out := batchResult{
		seq:   b.seq,
		genes: make([]string, len(b.rows)),
		stats: make([][]stats.Summary, len(w.clusters)),
	}
	for c := range out.stats {
		out.stats[c] = make([]stats.Summary, len(b.rows))
	}

	for i, rec := range b.rows {
		gene := rec[0]
		out.genes[i] = gene

		for _, f := range w.needed {
			v, err := parseValue(rec[f])
			if err != nil {
				out.err = &aggerr.ParseError{
					Line:    b.lines[i],
					Gene:    gene,
					Cell:    w.header.Cell(w.header.Position(f)),
					Cluster: w.clusters[w.owner[f]].name,
					Value:   rec[f],
					Err:     err,
				}
				return out
			}
			w.values[f] = v
		}

		for c, cc := range w.clusters {
			w.buf = w.buf[:0]
			for _, f := range cc.fields {
				w.buf = append(w.buf, w.values[f])
			}
			out.stats[c][i] = stats.Summarize(w.buf, w.threshold, w.precision)
		}
	}
	out.err = b.err
	return out
}

func parseValue(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q: %w", s, errNotFinite)
	}
	return v, nil
}
