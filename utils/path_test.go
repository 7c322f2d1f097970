package utils

import "testing"

// TestIsPlainFileName 验证哪些清单文件名可以接受
func TestIsPlainFileName(t *testing.T) {
	accepted := []string{"bg.png", "logo 2.jpg", ".hidden", "a..b"}
	rejected := []string{"", ".", "..", "a/b", `a\b`, "/abs", "../up", "nul\x00"}
	for _, name := range accepted {
		if !IsPlainFileName(name) {
			t.Errorf("expected %q to be accepted", name)
		}
	}
	for _, name := range rejected {
		if IsPlainFileName(name) {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

// TestGetBaseNameWithoutExt 验证扩展名的去除
func TestGetBaseNameWithoutExt(t *testing.T) {
	if got := GetBaseNameWithoutExt("logs/latest.log"); got != "latest" {
		t.Errorf("expected latest, got %q", got)
	}
	if got := GetBaseNameWithoutExt("noext"); got != "noext" {
		t.Errorf("expected noext, got %q", got)
	}
}
