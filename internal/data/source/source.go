// Package source opens input tables and creates output artifacts,
// transparently handling gzip and zstd compression.
package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Compression identifies a stream encoding.
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "none"
	}
}

// CompressionFor returns the compression implied by a file name extension.
func CompressionFor(path string) Compression {
	switch {
	case strings.HasSuffix(path, ".gz"):
		return Gzip
	case strings.HasSuffix(path, ".zst"), strings.HasSuffix(path, ".zstd"):
		return Zstd
	default:
		return None
	}
}

// Open opens the file at path for reading. Compressed content is detected
// from the leading magic bytes, not the file name.
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rc, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &multiCloser{Reader: rc, closers: []io.Closer{rc, f}}, nil
}

// NewReader wraps r with a decompressor if its content is gzip or zstd.
// The returned closer does not close r.
func NewReader(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReaderSize(r, 1<<20)
	head, err := br.Peek(4)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	switch {
	case bytes.HasPrefix(head, gzipMagic):
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip stream: %w", err)
		}
		return zr, nil
	case bytes.HasPrefix(head, zstdMagic):
		dec, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		return dec.IOReadCloser(), nil
	default:
		return io.NopCloser(br), nil
	}
}

// Create opens path for writing with compression chosen by extension.
// When appendTo is true existing content is kept and new data is written
// after it; compressed outputs then gain an additional stream member,
// which both gzip and zstd readers concatenate.
func Create(path string, appendTo bool) (io.WriteCloser, error) {
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if appendTo {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 1<<16)

	switch CompressionFor(path) {
	case Gzip:
		zw := gzip.NewWriter(bw)
		return &fileWriter{Writer: zw, enc: zw, buf: bw, f: f}, nil
	case Zstd:
		zw, err := zstd.NewWriter(bw)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		return &fileWriter{Writer: zw, enc: zw, buf: bw, f: f}, nil
	default:
		return &fileWriter{Writer: bw, buf: bw, f: f}, nil
	}
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// fileWriter flushes the encoder, then the buffer, then closes the file.
type fileWriter struct {
	io.Writer
	enc io.Closer
	buf *bufio.Writer
	f   *os.File
}

func (w *fileWriter) Close() error {
	var first error
	if w.enc != nil {
		first = w.enc.Close()
	}
	if err := w.buf.Flush(); err != nil && first == nil {
		first = err
	}
	if err := w.f.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
