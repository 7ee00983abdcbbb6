package fingerprint

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestBytes_KnownDigest(t *testing.T) {
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got := Bytes([]byte("abc")); got != want {
		t.Errorf("Bytes(abc) = %q, want %q", got, want)
	}
}

func TestReaderMatchesBytes(t *testing.T) {
	data := strings.Repeat("picture", 10_000)
	got, err := Reader(strings.NewReader(data))
	if err != nil {
		t.Fatalf("Reader: %v", err)
	}
	if want := Bytes([]byte(data)); got != want {
		t.Errorf("Reader = %q, want %q", got, want)
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.jpg")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := File(path)
	if err != nil {
		t.Fatalf("File: %v", err)
	}
	if got != Bytes([]byte("abc")) {
		t.Errorf("File = %q, want digest of file bytes", got)
	}
}

func TestFile_Missing(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "missing.jpg"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist", err)
	}
}
