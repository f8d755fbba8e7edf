package archive

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryArchive(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	key := SnapshotKey("E1", "B1")
	if key != "snapshots/E1/B1.bin" {
		t.Errorf("SnapshotKey() = %q", key)
	}

	if _, err := m.GetSnapshot(ctx, key); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSnapshot() before put error = %v, want ErrNotFound", err)
	}

	blob := []byte{1, 2, 3}
	if err := m.PutSnapshot(ctx, key, blob); err != nil {
		t.Fatalf("PutSnapshot() error = %v", err)
	}
	blob[0] = 9 // the archive keeps its own copy

	got, err := m.GetSnapshot(ctx, key)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("GetSnapshot() = %v", got)
	}
	if url, err := m.PresignDownload(ctx, key, time.Minute); err != nil || url == "" {
		t.Errorf("PresignDownload() = %q, %v", url, err)
	}
}
