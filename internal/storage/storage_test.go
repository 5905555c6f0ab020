package storage

import (
	"context"
	"strings"
	"testing"

	"github.com/ItamarBenAri/car-ops-agent/internal/apperr"
	"github.com/ItamarBenAri/car-ops-agent/internal/config"
)

func TestLocalSaveAndRead(t *testing.T) {
	ctx := context.Background()
	files := NewLocal(t.TempDir())

	n, err := files.Save(ctx, "receipts/r1.txt", strings.NewReader("oil change 450"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if n != int64(len("oil change 450")) {
		t.Fatalf("unexpected size %d", n)
	}
	body, err := ReadAll(ctx, files, "receipts/r1.txt", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(body) != "oil change 450" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestLocalMissingFileIsNotFound(t *testing.T) {
	files := NewLocal(t.TempDir())
	_, err := files.Open(context.Background(), "missing.jpg")
	if !apperr.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLocalRejectsTraversal(t *testing.T) {
	files := NewLocal(t.TempDir())
	_, err := files.Save(context.Background(), "../../etc/passwd", strings.NewReader("x"))
	if !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestReadAllLimit(t *testing.T) {
	ctx := context.Background()
	files := NewLocal(t.TempDir())
	if _, err := files.Save(ctx, "big.bin", strings.NewReader(strings.Repeat("a", 64))); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := ReadAll(ctx, files, "big.bin", 16); !apperr.IsValidation(err) {
		t.Fatalf("expected size validation error, got %v", err)
	}
}

func TestFromConfigDefaultsToLocal(t *testing.T) {
	files, err := FromConfig(context.Background(), config.Config{UploadDir: t.TempDir()})
	if err != nil {
		t.Fatalf("from config: %v", err)
	}
	if _, ok := files.(*Local); !ok {
		t.Fatalf("expected local storage without a bucket, got %T", files)
	}
}
