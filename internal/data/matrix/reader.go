package matrix

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/atlasmap-sc/clusterstats/internal/aggerr"
	"github.com/atlasmap-sc/clusterstats/internal/data/source"
)

// Options controls how the matrix is parsed.
type Options struct {
	Comma         rune
	BarcodeLength int
}

// Reader streams gene rows of an expression matrix. It is not safe for
// concurrent use; records it returns are not reused and may be handed to
// other goroutines.
type Reader struct {
	name   string
	cr     *csv.Reader
	closer io.Closer
	header *Header

	first     []string
	firstLine int
}

// Open opens the expression matrix at path and parses its header.
func Open(path string, opts Options) (*Reader, error) {
	rc, err := source.Open(path)
	if err != nil {
		return nil, &aggerr.ConfigError{Field: "matrix_path", Err: err}
	}
	r, err := NewReader(rc, path, opts)
	if err != nil {
		rc.Close()
		return nil, err
	}
	r.closer = rc
	return r, nil
}

// NewReader parses the header from r. The first data row is read ahead to
// determine the header layout.
func NewReader(r io.Reader, name string, opts Options) (*Reader, error) {
	cr := csv.NewReader(r)
	if opts.Comma != 0 {
		cr.Comma = opts.Comma
	}
	cr.FieldsPerRecord = -1

	tokens, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &aggerr.SchemaError{Path: name, Msg: "missing header line"}
		}
		return nil, schemaError(name, err)
	}

	first, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &aggerr.SchemaError{Path: name, Msg: "expression matrix has no gene rows"}
		}
		return nil, schemaError(name, err)
	}
	firstLine, _ := cr.FieldPos(0)

	h, err := NewHeader(tokens, len(first), opts.BarcodeLength)
	if err != nil {
		return nil, &aggerr.SchemaError{Path: name, Line: 1, Msg: err.Error()}
	}

	return &Reader{
		name:      name,
		cr:        cr,
		header:    h,
		first:     first,
		firstLine: firstLine,
	}, nil
}

// Header returns the parsed header.
func (r *Reader) Header() *Header { return r.header }

// Name returns the name of the underlying table.
func (r *Reader) Name() string { return r.name }

// Next returns the next gene row and its line number. It returns io.EOF
// after the last row. A row whose width differs from the header is a
// *aggerr.SchemaError.
func (r *Reader) Next() ([]string, int, error) {
	var (
		rec  []string
		line int
	)
	if r.first != nil {
		rec, line = r.first, r.firstLine
		r.first = nil
	} else {
		var err error
		rec, err = r.cr.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, 0, io.EOF
			}
			return nil, 0, schemaError(r.name, err)
		}
		line, _ = r.cr.FieldPos(0)
	}

	if len(rec) != r.header.RowWidth() {
		return nil, line, &aggerr.SchemaError{
			Path: r.name,
			Line: line,
			Gene: rec[0],
			Msg:  fmt.Sprintf("row has %d fields, header implies %d", len(rec), r.header.RowWidth()),
		}
	}
	return rec, line, nil
}

// Close closes the underlying file, if any.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

func schemaError(name string, err error) error {
	var perr *csv.ParseError
	if errors.As(err, &perr) {
		return &aggerr.SchemaError{Path: name, Line: perr.Line, Msg: perr.Err.Error()}
	}
	return fmt.Errorf("%s: %w", name, err)
}
