package source

import (
	"io"
	"path/filepath"
	"testing"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	const content = "gene,c1,c2\nFBgn1,0.5,2.0\n"

	for _, name := range []string{"plain.csv", "matrix.csv.gz", "matrix.csv.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			w, err := Create(path, false)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if _, err := io.WriteString(w, content); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			got := readAll(t, path)
			if got != content {
				t.Errorf("round trip mismatch: got %q want %q", got, content)
			}
		})
	}
}

func TestCreateAppend(t *testing.T) {
	for _, name := range []string{"rows.txt", "rows.txt.gz", "rows.txt.zst"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			for _, line := range []string{"A\t1.0\n", "B\t2.0\n"} {
				w, err := Create(path, true)
				if err != nil {
					t.Fatalf("Create: %v", err)
				}
				io.WriteString(w, line)
				if err := w.Close(); err != nil {
					t.Fatalf("close: %v", err)
				}
			}
			if got, want := readAll(t, path), "A\t1.0\nB\t2.0\n"; got != want {
				t.Errorf("got %q want %q", got, want)
			}
		})
	}
}

func TestCompressionFor(t *testing.T) {
	tests := map[string]Compression{
		"a.csv":     None,
		"a.csv.gz":  Gzip,
		"a.csv.zst": Zstd,
		"a.zstd":    Zstd,
	}
	for path, want := range tests {
		if got := CompressionFor(path); got != want {
			t.Errorf("CompressionFor(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestOpenEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")
	w, err := Create(path, false)
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	if got := readAll(t, path); got != "" {
		t.Errorf("expected empty content, got %q", got)
	}
}

func readAll(t *testing.T, path string) string {
	t.Helper()

	r, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return string(b)
}
