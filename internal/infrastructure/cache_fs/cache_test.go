package cache_fs

import (
	"context"
	"os"
	"testing"

	"github.com/davarch/ci-promoter/internal/domain"
)

func TestCache_WriteCreatesFile(t *testing.T) {
	tmp := t.TempDir()
	path := tmp + "/nested/snap.json"

	c := New(path)
	s := domain.Snapshot{
		RunID:     "run-1",
		State:     domain.StateFailed,
		Stage:     domain.StageGating,
		Image:     "registry.example.com/shop/api:43",
		Retrieved: 123,
	}
	if err := c.Write(context.Background(), s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file not created: %v", err)
	}

	got, err := c.Read(context.Background())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if got != s {
		t.Errorf("read back %+v, want %+v", got, s)
	}
}

func TestCache_EmptyPath(t *testing.T) {
	if err := New("").Write(context.Background(), domain.Snapshot{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
