// Package matrix streams a gene-by-cell expression matrix and maps cell
// identifiers to matrix columns.
package matrix

import (
	"fmt"

	"github.com/atlasmap-sc/clusterstats/internal/data/metadata"
)

// Header is the parsed header row of an expression matrix.
//
// Two layouts are in use. Tables written with row names carry a
// placeholder at position 0, so header and data rows have the same width.
// Tables without it list only cell identifiers, and every data field is
// shifted one column right by the leading gene identifier.
type Header struct {
	tokens  []string
	labeled bool
}

// NewHeader builds a Header from raw header tokens and the width of the
// first data row. Tokens are normalized like metadata barcodes.
func NewHeader(tokens []string, rowWidth, barcodeLength int) (*Header, error) {
	h := &Header{tokens: make([]string, len(tokens))}
	for i, t := range tokens {
		h.tokens[i] = metadata.NormalizeBarcode(t, barcodeLength)
	}

	switch rowWidth {
	case len(tokens):
		h.labeled = true
		if len(tokens) < 2 {
			return nil, fmt.Errorf("header has no cell columns")
		}
	case len(tokens) + 1:
		h.labeled = false
		if len(tokens) < 1 {
			return nil, fmt.Errorf("header has no cell columns")
		}
	default:
		return nil, fmt.Errorf("header has %d fields but first data row has %d", len(tokens), rowWidth)
	}
	return h, nil
}

// Labeled reports whether position 0 holds a row-label placeholder.
func (h *Header) Labeled() bool { return h.labeled }

// Len returns the number of header tokens.
func (h *Header) Len() int { return len(h.tokens) }

// NumCells returns the number of cell columns.
func (h *Header) NumCells() int {
	if h.labeled {
		return len(h.tokens) - 1
	}
	return len(h.tokens)
}

// RowWidth returns the number of fields every data row must have.
func (h *Header) RowWidth() int {
	if h.labeled {
		return len(h.tokens)
	}
	return len(h.tokens) + 1
}

// Eligible reports whether header position pos is a cell column.
func (h *Header) Eligible(pos int) bool {
	if pos < 0 || pos >= len(h.tokens) {
		return false
	}
	return !h.labeled || pos > 0
}

// Field returns the data row index holding the value for header position pos.
func (h *Header) Field(pos int) int {
	if h.labeled {
		return pos
	}
	return pos + 1
}

// Position is the inverse of Field.
func (h *Header) Position(field int) int {
	if h.labeled {
		return field
	}
	return field - 1
}

// Cell returns the cell identifier at header position pos.
func (h *Header) Cell(pos int) string { return h.tokens[pos] }

// SelectColumns returns the header positions whose cell identifier is in
// members, in ascending order without duplicates. The row-label position
// is never selected and members absent from the header are ignored.
func SelectColumns(h *Header, members map[string]struct{}) []int {
	var cols []int
	for pos, tok := range h.tokens {
		if !h.Eligible(pos) {
			continue
		}
		if _, ok := members[tok]; ok {
			cols = append(cols, pos)
		}
	}
	return cols
}
