package services

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/somebottle/scorepanel-link/entities"
	"go.etcd.io/bbolt"
)

// TestInventoryScan 验证普通文件的指纹，以及临时文件和子目录不计入
func TestInventoryScan(t *testing.T) {
	store := openTestStore(t)
	dir := store.AssetDir()
	os.WriteFile(filepath.Join(dir, "bg.png"), []byte("hello"), 0o644)
	os.WriteFile(filepath.Join(dir, "logo.png.part"), []byte("partial"), 0o644)
	os.Mkdir(filepath.Join(dir, "nested"), 0o755)

	inventory := scanStore(t, store)
	if len(inventory) != 1 {
		t.Fatalf("expected one file, got %v", inventory)
	}
	fingerprint := inventory["bg.png"]
	if fingerprint.Size != 5 || fingerprint.Checksum != checksumOf([]byte("hello")) {
		t.Errorf("unexpected fingerprint %+v", fingerprint)
	}
}

// TestInventoryDetectsChanges 验证改写后的文件得到新指纹，被删除的文件的缓存被清除
func TestInventoryDetectsChanges(t *testing.T) {
	store := openTestStore(t)
	path := filepath.Join(store.AssetDir(), "bg.png")
	os.WriteFile(path, []byte("first"), 0o644)
	scanStore(t, store)

	os.WriteFile(path, []byte("second!"), 0o644)
	later := time.Now().Add(time.Minute)
	os.Chtimes(path, later, later)
	inventory := scanStore(t, store)
	if inventory["bg.png"].Checksum != checksumOf([]byte("second!")) {
		t.Errorf("stale fingerprint after rewrite: %+v", inventory["bg.png"])
	}

	os.Remove(path)
	if inventory := scanStore(t, store); len(inventory) != 0 {
		t.Errorf("expected empty inventory, got %v", inventory)
	}
	err := store.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(fingerprintsBucket).Get([]byte("bg.png")) != nil {
			t.Error("cached fingerprint not removed")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

// TestInventoryUsesCache 验证未变化的文件直接使用缓存的指纹
func TestInventoryUsesCache(t *testing.T) {
	store := openTestStore(t)
	path := filepath.Join(store.AssetDir(), "bg.png")
	os.WriteFile(path, []byte("content"), 0o644)
	if err := store.Record("bg.png", entities.Fingerprint{Size: 7, Checksum: "cached-checksum"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	inventory := scanStore(t, store)
	if inventory["bg.png"].Checksum != "cached-checksum" {
		t.Errorf("expected cached checksum, got %q", inventory["bg.png"].Checksum)
	}
}

// TestFingerprintRecordEncoding 验证缓存记录的编码，包括 1970 年以前的修改时间
func TestFingerprintRecordEncoding(t *testing.T) {
	record := fingerprintRecord{size: 1 << 40, modTimeNs: -12345, checksum: "abc"}
	decoded, err := unmarshalFingerprintRecord(record.marshal())
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded != record {
		t.Errorf("expected %+v, got %+v", record, decoded)
	}
	if _, err := unmarshalFingerprintRecord([]byte{0x08}); err == nil {
		t.Error("expected error for truncated record")
	}
}
