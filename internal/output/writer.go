// Package output writes the per-cluster mean and percent-expressing tables
// and the gene header artifact.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
	"github.com/atlasmap-sc/clusterstats/internal/data/source"
	"github.com/atlasmap-sc/clusterstats/internal/stats"
)

// Mode decides what happens to artifacts left by a previous run.
type Mode string

const (
	// ModeFail refuses to start if any artifact exists.
	ModeFail Mode = "fail"
	// ModeOverwrite truncates existing artifacts.
	ModeOverwrite Mode = "overwrite"
	// ModeAppend adds rows after existing content without deduplication.
	ModeAppend Mode = "append"
)

// Paths names the three output artifacts.
type Paths struct {
	Mean    string
	Percent string
	Header  string
}

func (p Paths) all() []string { return []string{p.Mean, p.Percent, p.Header} }

// Writer appends result rows to the mean and percent tables and writes the
// gene header once.
type Writer struct {
	paths   Paths
	label   string
	mean    io.WriteCloser
	percent io.WriteCloser

	genes         int
	headerWritten bool
}

// Preflight checks that artifacts can be created under mode. In fail mode
// any existing artifact is a ConfigError.
func Preflight(paths Paths, mode Mode) error {
	switch mode {
	case ModeFail:
		for _, p := range paths.all() {
			if _, err := os.Stat(p); err == nil {
				return &aggerr.ConfigError{
					Field: "output",
					Err:   fmt.Errorf("%s already exists; remove it or set output mode to overwrite or append", p),
				}
			} else if !errors.Is(err, os.ErrNotExist) {
				return &aggerr.ConfigError{Field: "output", Err: err}
			}
		}
	case ModeOverwrite, ModeAppend:
	default:
		return &aggerr.ConfigError{Field: "output.mode", Err: fmt.Errorf("unknown mode %q", mode)}
	}
	return nil
}

// Create prepares the output artifacts according to mode.
func Create(paths Paths, mode Mode, headerLabel string) (*Writer, error) {
	if err := Preflight(paths, mode); err != nil {
		return nil, err
	}

	appendTo := mode == ModeAppend
	mean, err := source.Create(paths.Mean, appendTo)
	if err != nil {
		return nil, &aggerr.ConfigError{Field: "output.mean_file", Err: err}
	}
	percent, err := source.Create(paths.Percent, appendTo)
	if err != nil {
		mean.Close()
		return nil, &aggerr.ConfigError{Field: "output.percent_file", Err: err}
	}

	return &Writer{
		paths:   paths,
		label:   headerLabel,
		mean:    mean,
		percent: percent,
		genes:   -1,
	}, nil
}

// WriteHeader writes the gene header artifact. It may be called once.
func (w *Writer) WriteHeader(genes []string) error {
	if w.headerWritten {
		return errors.New("output: gene header already written")
	}
	hw, err := source.Create(w.paths.Header, false)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(hw, HeaderLine(w.label, genes)); err != nil {
		hw.Close()
		return err
	}
	if err := hw.Close(); err != nil {
		return err
	}
	w.headerWritten = true
	w.genes = len(genes)
	return nil
}

// WriteRow appends one cluster's row to each table. Once the header is
// written, rows must have one value per gene.
func (w *Writer) WriteRow(cluster string, mean, percent []float64) error {
	if len(mean) != len(percent) {
		return &aggerr.ConsistencyError{Cluster: cluster, Want: len(mean), Got: len(percent)}
	}
	if w.genes >= 0 && len(mean) != w.genes {
		return &aggerr.ConsistencyError{Cluster: cluster, Want: w.genes, Got: len(mean)}
	}
	if _, err := io.WriteString(w.mean, RowLine(cluster, mean)); err != nil {
		return err
	}
	_, err := io.WriteString(w.percent, RowLine(cluster, percent))
	return err
}

// Close flushes and closes both tables.
func (w *Writer) Close() error {
	err := w.mean.Close()
	if perr := w.percent.Close(); err == nil {
		err = perr
	}
	return err
}

// HeaderLine formats the gene header: label followed by gene identifiers.
func HeaderLine(label string, genes []string) string {
	var b strings.Builder
	b.WriteString(label)
	for _, g := range genes {
		b.WriteByte('\t')
		b.WriteString(g)
	}
	b.WriteByte('\n')
	return b.String()
}

// RowLine formats a result row: cluster label followed by one value per gene.
func RowLine(cluster string, values []float64) string {
	var b strings.Builder
	b.WriteString(cluster)
	for _, v := range values {
		b.WriteByte('\t')
		b.WriteString(stats.Format(v))
	}
	b.WriteByte('\n')
	return b.String()
}

// Row is one cluster's values for a single table.
type Row struct {
	Cluster string
	Values  []float64
}

// WriteTable writes a complete table, header first, to w.
func WriteTable(w io.Writer, label string, genes []string, rows []Row) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(HeaderLine(label, genes)); err != nil {
		return err
	}
	for _, r := range rows {
		if len(r.Values) != len(genes) {
			return &aggerr.ConsistencyError{Cluster: r.Cluster, Want: len(genes), Got: len(r.Values)}
		}
		if _, err := bw.WriteString(RowLine(r.Cluster, r.Values)); err != nil {
			return err
		}
	}
	return bw.Flush()
}
