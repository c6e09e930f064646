package service

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
	"github.com/atlasmap-sc/clusterstats/internal/config"
	"github.com/atlasmap-sc/clusterstats/internal/data/source"
	"github.com/atlasmap-sc/clusterstats/internal/runstore"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	w, err := source.Create(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

func newTestService(t *testing.T) (*Service, *config.Config) {
	t.Helper()

	dir := t.TempDir()
	matrixPath := filepath.Join(dir, "matrix.csv.gz")
	metaPath := filepath.Join(dir, "meta.csv")
	writeFile(t, matrixPath, scenarioMatrix)
	writeFile(t, metaPath, scenarioMeta)

	cfg := config.DefaultConfig()
	cfg.AddDataset("ovary", &config.DatasetConfig{
		MatrixPath:    matrixPath,
		MetadataPath:  metaPath,
		ClusterColumn: config.ColumnName("cluster"),
	})
	cfg.Output.Dir = filepath.Join(dir, "out")
	if err := os.MkdirAll(cfg.Output.Dir, 0755); err != nil {
		t.Fatal(err)
	}

	svc, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, cfg
}

func TestServiceAggregate(t *testing.T) {
	svc, _ := newTestService(t)

	res, err := svc.Aggregate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(res.Rows) != 2 || res.Rows[0].Mean[0] != 1.25 || res.Rows[0].Percent[0] != 50 {
		t.Fatalf("unexpected result: %+v", res.Rows)
	}

	threshold := 0.0
	precision := 0
	res, err = svc.Aggregate(context.Background(), Request{
		DatasetID: "ovary",
		Clusters:  []string{"A"},
		Threshold: &threshold,
		Precision: &precision,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Rows) != 1 || res.Rows[0].Mean[0] != 1 || res.Rows[0].Percent[0] != 100 {
		t.Errorf("overrides not applied: %+v", res.Rows)
	}

	_, err = svc.Aggregate(context.Background(), Request{DatasetID: "testis"})
	var cerr *aggerr.ConfigError
	if !errors.As(err, &cerr) {
		t.Errorf("expected ConfigError for unknown dataset, got %v", err)
	}
}

func TestServiceMissingInput(t *testing.T) {
	svc, cfg := newTestService(t)
	ds, _ := cfg.Dataset("")
	os.Remove(ds.MatrixPath)

	_, err := svc.Aggregate(context.Background(), Request{})
	var cerr *aggerr.ConfigError
	if !errors.As(err, &cerr) || cerr.Field != "matrix_path" {
		t.Fatalf("expected matrix_path ConfigError, got %v", err)
	}
}

func TestServiceIndexCache(t *testing.T) {
	svc, cfg := newTestService(t)
	ds, _ := cfg.Dataset("")

	a, err := svc.Index(ds)
	if err != nil {
		t.Fatal(err)
	}
	b, err := svc.Index(ds)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("expected cached index")
	}

	writeFile(t, ds.MetadataPath, scenarioMeta+"c5,D\n")
	later := time.Now().Add(time.Minute)
	os.Chtimes(ds.MetadataPath, later, later)

	c, err := svc.Index(ds)
	if err != nil {
		t.Fatal(err)
	}
	if c == a || c.Count("D") != 1 {
		t.Error("expected index to be reloaded after metadata changed")
	}

	clusters, err := svc.Clusters("ovary")
	if err != nil {
		t.Fatal(err)
	}
	if len(clusters) != 4 || clusters[0] != (ClusterCount{Cluster: "A", Cells: 3}) {
		t.Errorf("unexpected clusters: %+v", clusters)
	}
}

func TestWriteOutputsIdempotent(t *testing.T) {
	svc, cfg := newTestService(t)

	run := func(dir string) map[string][]byte {
		t.Helper()

		res, err := svc.Aggregate(context.Background(), Request{})
		if err != nil {
			t.Fatal(err)
		}
		out := cfg.Output
		out.Dir = dir
		if err := WriteOutputs(res, out); err != nil {
			t.Fatalf("WriteOutputs: %v", err)
		}

		files := map[string][]byte{}
		for _, name := range []string{out.MeanFile, out.PercentFile, out.HeaderFile} {
			b, err := os.ReadFile(out.Path(name))
			if err != nil {
				t.Fatal(err)
			}
			files[name] = b
		}
		return files
	}

	first := run(t.TempDir())
	second := run(t.TempDir())
	for name, b := range first {
		if !bytes.Equal(b, second[name]) {
			t.Errorf("%s differs between runs", name)
		}
	}

	if got := string(first[cfg.Output.HeaderFile]); got != "ClusterID\tg1\tg2\n" {
		t.Errorf("unexpected header %q", got)
	}
	if got := string(first[cfg.Output.MeanFile]); got != "A\t1.25\t0.0\nB\t9.0\t1.0\n" {
		t.Errorf("unexpected mean table %q", got)
	}
	if got := string(first[cfg.Output.PercentFile]); got != "A\t50.0\t0.0\nB\t100.0\t0.0\n" {
		t.Errorf("unexpected percent table %q", got)
	}
}

func TestWriteOutputsFailMode(t *testing.T) {
	svc, cfg := newTestService(t)

	res, err := svc.Aggregate(context.Background(), Request{})
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteOutputs(res, cfg.Output); err != nil {
		t.Fatal(err)
	}

	err = WriteOutputs(res, cfg.Output)
	var cerr *aggerr.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigError on existing outputs, got %v", err)
	}

	cfg.Output.Mode = "overwrite"
	if err := WriteOutputs(res, cfg.Output); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestExecuteJob(t *testing.T) {
	svc, _ := newTestService(t)

	store, err := runstore.NewStore(filepath.Join(t.TempDir(), "jobs.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	job := &runstore.Job{
		ID:        "j1",
		DatasetID: "ovary",
		Status:    runstore.JobStatusQueued,
		Params:    runstore.JobParams{DatasetID: "ovary", Clusters: []string{"A", "C"}},
		CreatedAt: time.Now(),
	}
	if err := store.CreateJob(job); err != nil {
		t.Fatal(err)
	}

	if err := svc.ExecuteJob(context.Background(), store, "j1"); err != nil {
		t.Fatalf("ExecuteJob: %v", err)
	}

	got, _ := store.GetJob("j1")
	if got.Genes != 2 || got.Clusters != 1 || got.MissingCells != 1 {
		t.Errorf("unexpected summary: %+v", got)
	}
	if len(got.Skipped) != 1 || got.Skipped[0].Cluster != "C" {
		t.Errorf("unexpected skipped: %+v", got.Skipped)
	}

	page, total, err := store.QueryCluster("j1", "A", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || page[0] != (runstore.GeneStat{Gene: "g1", Mean: 1.25, Percent: 50}) {
		t.Errorf("unexpected stored results: %+v (total %d)", page, total)
	}

	if err := svc.ExecuteJob(context.Background(), store, "nope"); err == nil {
		t.Error("expected error for unknown job")
	}
}
