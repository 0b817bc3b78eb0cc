package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDiskPutGetRoundTrip(t *testing.T) {
	disk, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}
	ctx := context.Background()

	if err := disk.Put(ctx, "uploads/abc.wav", strings.NewReader("RIFF-data")); err != nil {
		t.Fatalf("put: %v", err)
	}

	reader, err := disk.Get(ctx, "uploads/abc.wav")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(content) != "RIFF-data" {
		t.Fatalf("content = %q", content)
	}

	ok, err := disk.Exists(ctx, "uploads/abc.wav")
	if err != nil || !ok {
		t.Fatalf("exists = %v, %v", ok, err)
	}
}

func TestDiskGetMissingReturnsNotFound(t *testing.T) {
	disk, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}
	if _, err := disk.Get(context.Background(), "nope.wav"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	ok, err := disk.Exists(context.Background(), "nope.wav")
	if err != nil || ok {
		t.Fatalf("exists = %v, %v, want false", ok, err)
	}
}

func TestDiskDeleteIsIdempotent(t *testing.T) {
	disk, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}
	ctx := context.Background()

	if err := disk.Put(ctx, "a.mp3", strings.NewReader("x")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := disk.Delete(ctx, "a.mp3"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := disk.Delete(ctx, "a.mp3"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if _, err := disk.Get(ctx, "a.mp3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after delete: %v", err)
	}
}

func TestDiskRejectsTraversalKeys(t *testing.T) {
	disk, err := NewDisk(t.TempDir())
	if err != nil {
		t.Fatalf("new disk: %v", err)
	}
	ctx := context.Background()

	for _, key := range []string{"", "../etc/passwd", "a/../../b"} {
		if err := disk.Put(ctx, key, strings.NewReader("x")); err == nil {
			t.Fatalf("put %q should fail", key)
		}
		if _, err := disk.Get(ctx, key); err == nil {
			t.Fatalf("get %q should fail", key)
		}
	}
}
