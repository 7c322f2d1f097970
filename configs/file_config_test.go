package configs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestLoadFileAppliesDurations 验证 YAML 中的时长字段被解析并写入配置项
func TestLoadFileAppliesDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scorepanel.yaml")
	content := `
mode: panel
transport: ws
session:
  ping_interval: 2s
  grace_window: 5s
  disconnect_threshold: 12s
files:
  asset_dir: /tmp/slides
  chunk_size: 2048
  prune_unlisted: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	fc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if fc.Mode != "panel" {
		t.Errorf("Expected mode 'panel', got %q", fc.Mode)
	}
	fc.Apply()
	if GetSessionTransport() != "ws" {
		t.Errorf("Expected transport ws, got %s", GetSessionTransport())
	}
	if GetPingInterval() != 2*time.Second {
		t.Errorf("Expected ping interval 2s, got %v", GetPingInterval())
	}
	if GetGraceWindow() < 5*time.Second {
		t.Errorf("Expected grace window >= 5s, got %v", GetGraceWindow())
	}
	if GetDisconnectThreshold() != 12*time.Second {
		t.Errorf("Expected disconnect threshold 12s, got %v", GetDisconnectThreshold())
	}
	if GetAssetDir() != "/tmp/slides" {
		t.Errorf("Expected asset dir /tmp/slides, got %s", GetAssetDir())
	}
	if GetChunkSize() != 2048 {
		t.Errorf("Expected chunk size 2048, got %d", GetChunkSize())
	}
	if GetPruneUnlisted() {
		t.Errorf("Expected prune_unlisted to be false")
	}
}

// TestLoadFileMissing 验证配置文件不存在时返回错误
func TestLoadFileMissing(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatalf("Expected error for missing config file")
	}
}
