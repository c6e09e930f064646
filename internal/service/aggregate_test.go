package service

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
	"github.com/atlasmap-sc/clusterstats/internal/config"
	"github.com/atlasmap-sc/clusterstats/internal/data/matrix"
	"github.com/atlasmap-sc/clusterstats/internal/data/metadata"
)

const scenarioMeta = `cell,cluster
c1,A
c2,A
c3,A
c4,B
c9,C
`

// c3 is assigned to A but absent from the matrix.
const scenarioMatrix = `c1,c2,c4
g1,0.5,2.0,9
g2,0,0,1
`

func loadIndex(t *testing.T, meta string) *metadata.Index {
	t.Helper()

	ix, err := metadata.Read(strings.NewReader(meta), "meta.csv", metadata.Options{
		CellColumn:    config.ColumnIndex(0),
		ClusterColumn: config.ColumnName("cluster"),
	})
	if err != nil {
		t.Fatalf("metadata.Read: %v", err)
	}
	return ix
}

func aggregateString(t *testing.T, data string, plan Plan) (*Result, error) {
	t.Helper()

	r, err := matrix.NewReader(strings.NewReader(data), "matrix.csv", matrix.Options{Comma: ','})
	if err != nil {
		t.Fatalf("matrix.NewReader: %v", err)
	}
	return AggregateReader(context.Background(), r, plan)
}

func TestAggregateScenario(t *testing.T) {
	ix := loadIndex(t, scenarioMeta)

	var progress []int
	res, err := aggregateString(t, scenarioMatrix, Plan{
		Index:     ix,
		Threshold: 1.0,
		Precision: 4,
		Workers:   2,
		Progress:  func(rows int) { progress = append(progress, rows) },
	})
	if err != nil {
		t.Fatalf("AggregateReader: %v", err)
	}

	if !reflect.DeepEqual(res.Genes, []string{"g1", "g2"}) {
		t.Errorf("unexpected genes: %v", res.Genes)
	}
	want := []ClusterRow{
		{Cluster: "A", Cells: 2, Mean: []float64{1.25, 0}, Percent: []float64{50, 0}},
		{Cluster: "B", Cells: 1, Mean: []float64{9, 1}, Percent: []float64{100, 0}},
	}
	if !reflect.DeepEqual(res.Rows, want) {
		t.Errorf("unexpected rows:\n got %+v\nwant %+v", res.Rows, want)
	}

	if len(res.Skipped) != 1 || res.Skipped[0].Cluster != "C" || res.Skipped[0].Members != 1 {
		t.Errorf("expected cluster C to be skipped, got %+v", res.Skipped)
	}
	if res.MissingCells != 1 {
		t.Errorf("expected 1 missing cell, got %d", res.MissingCells)
	}
	if len(progress) == 0 || progress[len(progress)-1] != 2 {
		t.Errorf("unexpected progress reports: %v", progress)
	}
}

func TestAggregateClusterOrderAndSelection(t *testing.T) {
	ix := loadIndex(t, scenarioMeta)

	res, err := aggregateString(t, scenarioMatrix, Plan{
		Index:     ix,
		Clusters:  []string{"B", "missing", "A"},
		Threshold: 0,
		Precision: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(res.Rows) != 2 || res.Rows[0].Cluster != "B" || res.Rows[1].Cluster != "A" {
		t.Fatalf("expected rows in requested order, got %+v", res.Rows)
	}
	// Threshold 0 counts every strictly positive value.
	if !reflect.DeepEqual(res.Rows[1].Percent, []float64{100, 0}) {
		t.Errorf("unexpected percent for A: %v", res.Rows[1].Percent)
	}
	if len(res.Skipped) != 1 || res.Skipped[0].Cluster != "missing" || res.Skipped[0].Members != 0 {
		t.Errorf("unexpected skipped: %+v", res.Skipped)
	}
}

func TestAggregateLabeledHeader(t *testing.T) {
	ix := loadIndex(t, scenarioMeta)
	data := `"",c1,c2,c4
g1,0.5,2.0,9
g2,0,0,1
`
	res, err := aggregateString(t, data, Plan{Index: ix, Threshold: 1, Precision: 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0].Mean[0] != 1.25 || res.Rows[0].Percent[0] != 50 {
		t.Errorf("unexpected stats for A: %+v", res.Rows[0])
	}
}

func TestAggregateThresholdExcluded(t *testing.T) {
	ix := loadIndex(t, "cell,cluster\nc1,A\nc2,A\n")
	res, err := aggregateString(t, "c1,c2\ng1,1.0,1.0000001\n", Plan{Index: ix, Threshold: 1, Precision: 4})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0].Percent[0] != 50 {
		t.Errorf("value equal to threshold must not count, got %v", res.Rows[0].Percent[0])
	}
}

func TestAggregateParseError(t *testing.T) {
	ix := loadIndex(t, scenarioMeta)
	data := `c1,c2,c4
g1,0.5,2.0,9
g2,NA,0,1
`
	_, err := aggregateString(t, data, Plan{Index: ix, Threshold: 1, Precision: 4})

	var perr *aggerr.ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if perr.Gene != "g2" || perr.Cluster != "A" || perr.Cell != "c1" || perr.Line != 3 || perr.Value != "NA" {
		t.Errorf("unexpected error fields: %+v", perr)
	}
	if !strings.Contains(err.Error(), "g2") || !strings.Contains(err.Error(), "A") {
		t.Errorf("error should name gene and cluster: %v", err)
	}
}

func TestAggregateRejectsNonFinite(t *testing.T) {
	ix := loadIndex(t, scenarioMeta)
	_, err := aggregateString(t, "c1,c2,c4\ng1,NaN,1,1\n", Plan{Index: ix, Threshold: 1, Precision: 4})
	if !errors.Is(err, errNotFinite) {
		t.Fatalf("expected non-finite error, got %v", err)
	}
}

func TestAggregateIgnoresUnselectedColumns(t *testing.T) {
	// Only cluster B is requested, so the bad value in c1 is never parsed.
	ix := loadIndex(t, scenarioMeta)
	res, err := aggregateString(t, "c1,c2,c4\ng1,NA,NA,3\n", Plan{
		Index:     ix,
		Clusters:  []string{"B"},
		Threshold: 1,
		Precision: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Rows[0].Mean[0] != 3 {
		t.Errorf("unexpected mean: %v", res.Rows[0].Mean)
	}
}

func TestAggregateSchemaError(t *testing.T) {
	ix := loadIndex(t, scenarioMeta)
	_, err := aggregateString(t, "c1,c2,c4\ng1,1,2,3\ng2,1,2\n", Plan{Index: ix, Threshold: 1, Precision: 4})

	var serr *aggerr.SchemaError
	if !errors.As(err, &serr) {
		t.Fatalf("expected SchemaError, got %v", err)
	}
	if serr.Gene != "g2" {
		t.Errorf("expected gene g2, got %+v", serr)
	}
}

func TestAggregateReportsEarliestError(t *testing.T) {
	ix := loadIndex(t, scenarioMeta)
	tests := []struct {
		name     string
		data     string
		wantLine int
	}{
		{"parseBeforeShortRow", "c1,c2,c4\ng1,NA,2,3\ng2,1,2,3\ng3,1,2\n", 2},
		{"twoParseErrors", "c1,c2,c4\ng1,1,2,3\ng2,1,x,3\ng3,1,2,3\ng4,NA,2,3\n", 3},
	}
	for _, tt := range tests {
		for _, batch := range []int{1, 2, 256} {
			t.Run(fmt.Sprintf("%s/batch%d", tt.name, batch), func(t *testing.T) {
				_, err := aggregateString(t, tt.data, Plan{
					Index:     ix,
					Threshold: 1,
					Precision: 4,
					Workers:   4,
					BatchSize: batch,
				})
				var perr *aggerr.ParseError
				if !errors.As(err, &perr) {
					t.Fatalf("expected ParseError, got %v", err)
				}
				if perr.Line != tt.wantLine {
					t.Errorf("error line = %d, want %d (%v)", perr.Line, tt.wantLine, err)
				}
			})
		}
	}
}

func TestAggregateNoIndex(t *testing.T) {
	if _, err := aggregateString(t, scenarioMatrix, Plan{}); err == nil {
		t.Fatal("expected error without metadata index")
	}
}

// syntheticDataset builds a matrix of genes x cells with clusters of
// interleaved cells.
func syntheticDataset(genes, cells, clusters int) (meta, data string) {
	var mb, db strings.Builder
	mb.WriteString("cell,cluster\n")
	for c := 0; c < cells; c++ {
		fmt.Fprintf(&mb, "cell%03d,K%d\n", c, c%clusters)
		if c > 0 {
			db.WriteByte(',')
		}
		fmt.Fprintf(&db, "cell%03d", c)
	}
	db.WriteByte('\n')
	for g := 0; g < genes; g++ {
		fmt.Fprintf(&db, "gene%04d", g)
		for c := 0; c < cells; c++ {
			v := float64((g*31+c*17)%23) / 7
			fmt.Fprintf(&db, ",%g", v)
		}
		db.WriteByte('\n')
	}
	return mb.String(), db.String()
}

func TestAggregateWorkersAgree(t *testing.T) {
	meta, data := syntheticDataset(500, 40, 6)
	ix := loadIndex(t, meta)

	base, err := aggregateString(t, data, Plan{Index: ix, Threshold: 1, Precision: 4, Workers: 1, BatchSize: 500})
	if err != nil {
		t.Fatal(err)
	}
	if len(base.Genes) != 500 || len(base.Rows) != 6 {
		t.Fatalf("unexpected dimensions: %d genes, %d rows", len(base.Genes), len(base.Rows))
	}

	for _, tc := range []struct{ workers, batch int }{{2, 1}, {4, 7}, {8, 64}} {
		t.Run(fmt.Sprintf("w%d_b%d", tc.workers, tc.batch), func(t *testing.T) {
			got, err := aggregateString(t, data, Plan{
				Index:     ix,
				Threshold: 1,
				Precision: 4,
				Workers:   tc.workers,
				BatchSize: tc.batch,
			})
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, base) {
				t.Error("parallel result differs from sequential result")
			}
		})
	}
}

func TestAggregateCancelled(t *testing.T) {
	meta, data := syntheticDataset(200, 10, 2)
	ix := loadIndex(t, meta)

	r, err := matrix.NewReader(strings.NewReader(data), "matrix.csv", matrix.Options{Comma: ','})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = AggregateReader(ctx, r, Plan{Index: ix, Threshold: 1, Precision: 4, Workers: 2, BatchSize: 10})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
