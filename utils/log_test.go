package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading %s: %v", path, err)
	}
	return string(data)
}

// TestLogWriterRotates 验证写入超过大小限制时当前文件被轮转为 _rotated.1
func TestLogWriterRotates(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "latest.log")
	lw, err := NewLogWriter(logPath, 10, 3)
	if err != nil {
		t.Fatalf("NewLogWriter failed: %v", err)
	}
	defer lw.Close()

	for _, line := range []string{"first\n", "second\n", "third\n"} {
		if _, err := lw.Write([]byte(line)); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	if got := readFile(t, logPath); got != "third\n" {
		t.Errorf("current log: expected third, got %q", got)
	}
	if got := readFile(t, filepath.Join(dir, "latest_rotated.1.log")); got != "second\n" {
		t.Errorf("rotated.1: expected second, got %q", got)
	}
	if got := readFile(t, filepath.Join(dir, "latest_rotated.2.log")); got != "first\n" {
		t.Errorf("rotated.2: expected first, got %q", got)
	}
}

// TestLogWriterKeepsBoundedHistory 验证最旧的轮转文件被删除
func TestLogWriterKeepsBoundedHistory(t *testing.T) {
	dir := t.TempDir()
	lw, err := NewLogWriter(filepath.Join(dir, "latest.log"), 4, 2)
	if err != nil {
		t.Fatalf("NewLogWriter failed: %v", err)
	}
	defer lw.Close()
	for i := 0; i < 6; i++ {
		if _, err := lw.Write([]byte("line\n")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	rotated := 0
	for _, entry := range entries {
		if strings.Contains(entry.Name(), "_rotated.") {
			rotated++
		}
	}
	if rotated != 2 {
		t.Errorf("expected 2 historical files, got %d", rotated)
	}
}

// TestLogWriterClosed 验证关闭后写入失败
func TestLogWriterClosed(t *testing.T) {
	lw, err := NewLogWriter(filepath.Join(t.TempDir(), "latest.log"), 1024, 1)
	if err != nil {
		t.Fatalf("NewLogWriter failed: %v", err)
	}
	if err := lw.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := lw.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}
	if _, err := lw.Write([]byte("x")); err == nil {
		t.Error("expected error writing to closed writer")
	}
}
