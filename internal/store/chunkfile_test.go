package store

import (
	"testing"

	"github.com/kenneth/cryptorelay/internal/apperror"
)

func TestWriteReadChunkFileRoundTrip(t *testing.T) {
	root := t.TempDir()
	payload := []byte("ciphertext-bytes")
	if err := writeChunkFile(root, "sess1", "content1", 0, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := readChunkFile(root, "sess1", "content1", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("expected round-tripped bytes to match, got %q want %q", got, payload)
	}
}

func TestReadChunkFileMissingIsGone(t *testing.T) {
	root := t.TempDir()
	_, err := readChunkFile(root, "sess1", "missing", 0)
	if !apperror.Is(err, apperror.KindGone) {
		t.Errorf("expected GONE for a missing chunk file, got %v", err)
	}
}

func TestRemoveContentDirRemovesChunks(t *testing.T) {
	root := t.TempDir()
	writeChunkFile(root, "sess1", "content1", 0, []byte("a"))
	writeChunkFile(root, "sess1", "content1", 1, []byte("b"))

	if err := removeContentDir(root, "sess1", "content1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := readChunkFile(root, "sess1", "content1", 0); !apperror.Is(err, apperror.KindGone) {
		t.Errorf("expected chunk 0 gone after directory removal, got %v", err)
	}
	if _, err := readChunkFile(root, "sess1", "content1", 1); !apperror.Is(err, apperror.KindGone) {
		t.Errorf("expected chunk 1 gone after directory removal, got %v", err)
	}
}
