package metadata

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
	"github.com/atlasmap-sc/clusterstats/internal/config"
)

const sampleMeta = `"","orig.ident","nCount_RNA","cell_type"
"AAACCCAAGAAACCAT-1_1","FRT","1021","A"
"AAACCCAAGAAACCCA-1_1","FRT","988","B"
"AAACCCAAGAAACTGT-1_1","FRT","1530","A"
"AAACCCAAGAAAGCGA-1_1","FRT","734","A"
`

func TestRead_ByIndex(t *testing.T) {
	ix, err := Read(strings.NewReader(sampleMeta), "meta.csv", Options{
		CellColumn:    config.ColumnIndex(0),
		ClusterColumn: config.ColumnIndex(3),
		BarcodeLength: 18,
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	if got := ix.Labels(); len(got) != 2 || got[0] != "A" || got[1] != "B" {
		t.Errorf("unexpected labels: %v", got)
	}
	if ix.Count("A") != 3 || ix.Count("B") != 1 || ix.Count("C") != 0 {
		t.Errorf("unexpected counts: A=%d B=%d C=%d", ix.Count("A"), ix.Count("B"), ix.Count("C"))
	}
	if ix.NumCells() != 4 {
		t.Errorf("expected 4 cells, got %d", ix.NumCells())
	}

	members := ix.Members("A")
	if _, ok := members["AAACCCAAGAAACCAT-1"]; !ok {
		t.Errorf("expected truncated barcode in members, got %v", members)
	}
	if len(ix.Members("C")) != 0 {
		t.Errorf("expected empty set for unknown label")
	}
}

func TestRead_ByName(t *testing.T) {
	ix, err := Read(strings.NewReader(sampleMeta), "meta.csv", Options{
		CellColumn:    config.ColumnIndex(0),
		ClusterColumn: config.ColumnName("cell_type"),
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	cells := ix.Cells("A")
	if len(cells) != 3 || cells[2] != "AAACCCAAGAAAGCGA-1_1" {
		t.Errorf("unexpected cells for A: %v", cells)
	}
}

func TestRead_DuplicateCellsCountedOnce(t *testing.T) {
	data := "cell,cluster\nc1,A\nc1,A\nc1,B\n"
	ix, err := Read(strings.NewReader(data), "meta.csv", Options{
		CellColumn:    config.ColumnIndex(0),
		ClusterColumn: config.ColumnIndex(1),
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if ix.Count("A") != 1 || ix.Count("B") != 1 {
		t.Errorf("unexpected counts: A=%d B=%d", ix.Count("A"), ix.Count("B"))
	}
}

func TestRead_EmptyLabelsSkipped(t *testing.T) {
	data := "cell,cluster\nc1,A\nc2,\nc3,  \nc4,B\n"
	ix, err := Read(strings.NewReader(data), "meta.csv", Options{
		CellColumn:    config.ColumnIndex(0),
		ClusterColumn: config.ColumnIndex(1),
	})
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := ix.Labels(); !reflect.DeepEqual(got, []string{"A", "B"}) {
		t.Errorf("unexpected labels: %q", got)
	}
	if ix.Unlabeled() != 2 {
		t.Errorf("expected 2 unlabeled cells, got %d", ix.Unlabeled())
	}
	if ix.Count("") != 0 {
		t.Errorf("empty label should have no members, got %d", ix.Count(""))
	}
}

func TestRead_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		opts Options
		line int
	}{
		{
			name: "columnOutOfRange",
			data: "cell,x,cluster\nc1,1,A\nc2,2\n",
			opts: Options{CellColumn: config.ColumnIndex(0), ClusterColumn: config.ColumnIndex(2)},
			line: 3,
		},
		{
			name: "noDataRows",
			data: "cell,cluster\n",
			opts: Options{CellColumn: config.ColumnIndex(0), ClusterColumn: config.ColumnIndex(1)},
		},
		{
			name: "empty",
			data: "",
			opts: Options{CellColumn: config.ColumnIndex(0), ClusterColumn: config.ColumnIndex(1)},
		},
		{
			name: "unknownColumnName",
			data: "cell,cluster\nc1,A\n",
			opts: Options{CellColumn: config.ColumnIndex(0), ClusterColumn: config.ColumnName("seurat_clusters")},
			line: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Read(strings.NewReader(tt.data), "meta.csv", tt.opts)
			var serr *aggerr.SchemaError
			if !errors.As(err, &serr) {
				t.Fatalf("expected SchemaError, got %v", err)
			}
			if serr.Line != tt.line {
				t.Errorf("expected line %d, got %d (%v)", tt.line, serr.Line, serr)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.csv"), Options{
		CellColumn:    config.ColumnIndex(0),
		ClusterColumn: config.ColumnIndex(1),
	})
	var cerr *aggerr.ConfigError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
}

func TestLoad_TabDelimited(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.tsv")
	if err := os.WriteFile(path, []byte("cell\tcluster\nc1\tA\r\nc2\tB\r\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ix, err := Load(path, Options{
		CellColumn:    config.ColumnIndex(0),
		ClusterColumn: config.ColumnIndex(1),
		Comma:         '\t',
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ix.Count("B") != 1 {
		t.Errorf("expected trailing CR stripped from label, labels=%q", ix.Labels())
	}
	if ix.Path() != path {
		t.Errorf("unexpected path %q", ix.Path())
	}
}

func TestNormalizeBarcode(t *testing.T) {
	tests := []struct {
		raw    string
		length int
		want   string
	}{
		{"AAACCCAAGAAACCAT-1_1", 20, "AAACCCAAGAAACCAT-1_1"},
		{"AAACCCAAGAAACCAT-1_1\n", 20, "AAACCCAAGAAACCAT-1_1"},
		{" AAACCCAAGAAACCAT-1_1_extra", 20, "AAACCCAAGAAACCAT-1_1"},
		{"short", 20, "short"},
		{"untouched-long-identifier", 0, "untouched-long-identifier"},
	}
	for _, tt := range tests {
		if got := NormalizeBarcode(tt.raw, tt.length); got != tt.want {
			t.Errorf("NormalizeBarcode(%q, %d) = %q, want %q", tt.raw, tt.length, got, tt.want)
		}
	}
}
