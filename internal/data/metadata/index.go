// Package metadata reads the cell to cluster assignment table.
package metadata

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
	"github.com/atlasmap-sc/clusterstats/internal/config"
	"github.com/atlasmap-sc/clusterstats/internal/data/source"
)

// Options controls how the metadata table is interpreted.
type Options struct {
	CellColumn    config.ColumnRef
	ClusterColumn config.ColumnRef
	BarcodeLength int
	Comma         rune
}

// OptionsFor returns the metadata options of a configured dataset.
func OptionsFor(ds *config.DatasetConfig) Options {
	return Options{
		CellColumn:    ds.CellColumn,
		ClusterColumn: ds.ClusterColumn,
		BarcodeLength: ds.Truncation(),
		Comma:         ds.Comma(),
	}
}

// Index maps cluster labels to the cells assigned to them. It is immutable
// once built and safe for concurrent use.
type Index struct {
	path    string
	labels  []string
	members map[string][]string
	cells   int

	unlabeled int
}

// Load reads the metadata table at path.
func Load(path string, opts Options) (*Index, error) {
	r, err := source.Open(path)
	if err != nil {
		return nil, &aggerr.ConfigError{Field: "metadata_path", Err: err}
	}
	defer r.Close()

	return Read(r, path, opts)
}

// Read builds an Index from a metadata table: one header line followed by
// one row per cell. name is used in error messages.
func Read(r io.Reader, name string, opts Options) (*Index, error) {
	cr := csv.NewReader(r)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &aggerr.SchemaError{Path: name, Msg: "missing header line"}
		}
		return nil, &aggerr.SchemaError{Path: name, Line: 1, Msg: err.Error()}
	}

	cellCol, err := opts.CellColumn.Resolve(header)
	if err != nil {
		return nil, &aggerr.SchemaError{Path: name, Line: 1, Msg: "cell column: " + err.Error()}
	}
	clusterCol, err := opts.ClusterColumn.Resolve(header)
	if err != nil {
		return nil, &aggerr.SchemaError{Path: name, Line: 1, Msg: "cluster column: " + err.Error()}
	}
	need := max(cellCol, clusterCol)

	ix := &Index{
		path:    name,
		members: make(map[string][]string),
	}
	seen := make(map[string]map[string]struct{})

	for {
		rec, err := cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				return nil, &aggerr.SchemaError{Path: name, Line: perr.Line, Msg: perr.Err.Error()}
			}
			return nil, err
		}
		line, _ := cr.FieldPos(0)
		if need >= len(rec) {
			return nil, &aggerr.SchemaError{
				Path: name,
				Line: line,
				Msg:  fmt.Sprintf("column %d out of range for row with %d fields", need, len(rec)),
			}
		}
		ix.cells++

		label := strings.TrimSpace(rec[clusterCol])
		if label == "" {
			ix.unlabeled++
			continue
		}
		cell := NormalizeBarcode(rec[cellCol], opts.BarcodeLength)

		set, ok := seen[label]
		if !ok {
			set = make(map[string]struct{})
			seen[label] = set
			ix.labels = append(ix.labels, label)
		}
		if _, dup := set[cell]; dup {
			continue
		}
		set[cell] = struct{}{}
		ix.members[label] = append(ix.members[label], cell)
	}

	if ix.cells == 0 {
		return nil, &aggerr.SchemaError{Path: name, Msg: "metadata has no data rows"}
	}
	if ix.unlabeled > 0 {
		log.Printf("[metadata] WARNING: %s: skipped %d cells with an empty cluster label", name, ix.unlabeled)
	}
	return ix, nil
}

// NormalizeBarcode trims whitespace and line-ending artifacts from a raw
// cell identifier and truncates it to length characters. A length of zero
// disables truncation.
func NormalizeBarcode(raw string, length int) string {
	s := strings.TrimSpace(raw)
	if length > 0 && len(s) > length {
		s = s[:length]
	}
	return s
}

// Members returns the set of cells assigned to label. The set is freshly
// allocated and may be modified by the caller.
func (ix *Index) Members(label string) map[string]struct{} {
	cells := ix.members[label]
	set := make(map[string]struct{}, len(cells))
	for _, c := range cells {
		set[c] = struct{}{}
	}
	return set
}

// Cells returns the cells assigned to label in table order.
func (ix *Index) Cells(label string) []string {
	return ix.members[label]
}

// Labels returns the distinct cluster labels in order of first appearance.
func (ix *Index) Labels() []string {
	return ix.labels
}

// Count returns the number of distinct cells assigned to label.
func (ix *Index) Count(label string) int {
	return len(ix.members[label])
}

// Unlabeled returns the number of rows skipped for an empty cluster label.
func (ix *Index) Unlabeled() int {
	return ix.unlabeled
}

// NumCells returns the number of data rows read.
func (ix *Index) NumCells() int {
	return ix.cells
}

// Path returns the name the index was read from.
func (ix *Index) Path() string {
	return ix.path
}
