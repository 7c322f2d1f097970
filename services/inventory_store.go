package services

// 本地资源清点模块
// 文件的指纹 (大小 + SHA-256) 缓存在 bbolt 数据库中，文件大小与修改时间都没变时不会重新计算校验和

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
	"go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"
)

var fingerprintsBucket = []byte("fingerprints")

// fingerprintRecord 是数据库中缓存的一条指纹
type fingerprintRecord struct {
	size      int64
	modTimeNs int64
	checksum  string
}

func (fr fingerprintRecord) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(fr.size))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(fr.modTimeNs))
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	b = protowire.AppendString(b, fr.checksum)
	return b
}

func unmarshalFingerprintRecord(b []byte) (fingerprintRecord, error) {
	var fr fingerprintRecord
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fr, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fr, protowire.ParseError(m)
			}
			fr.size = int64(v)
			n = m
		case num == 2 && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fr, protowire.ParseError(m)
			}
			fr.modTimeNs = protowire.DecodeZigZag(v)
			n = m
		case num == 3 && typ == protowire.BytesType:
			v, m := protowire.ConsumeString(b)
			if m < 0 {
				return fr, protowire.ParseError(m)
			}
			fr.checksum = v
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fr, protowire.ParseError(n)
			}
		}
		b = b[n:]
	}
	return fr, nil
}

// InventoryStore 清点资源目录中的文件，并缓存它们的指纹
//
// 可被多个协程并发使用，并发控制由 bbolt 的事务提供
type InventoryStore struct {
	db       *bbolt.DB
	assetDir string
}

// OpenInventoryStore 打开 (或创建) 指纹数据库
//
// dbPath: 数据库文件路径
// assetDir: 资源目录，不存在时会被创建
func OpenInventoryStore(dbPath string, assetDir string) (*InventoryStore, error) {
	if err := os.MkdirAll(assetDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating asset directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: configs.InventoryOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory database: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(fingerprintsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create fingerprints bucket: %w", err)
	}
	return &InventoryStore{db: db, assetDir: assetDir}, nil
}

// Close 关闭数据库
func (is *InventoryStore) Close() error {
	return is.db.Close()
}

// AssetDir 返回资源目录
func (is *InventoryStore) AssetDir() string {
	return is.assetDir
}

// Scan 清点资源目录，返回当前所有文件的指纹
//
// 未完成的临时文件和子目录不计入，已不存在的文件的缓存会被清除
func (is *InventoryStore) Scan() (entities.Inventory, error) {
	dirEntries, err := os.ReadDir(is.assetDir)
	if err != nil {
		return nil, fmt.Errorf("reading asset directory: %w", err)
	}
	inventory := make(entities.Inventory, len(dirEntries))
	err = is.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(fingerprintsBucket)
		for _, dirEntry := range dirEntries {
			name := dirEntry.Name()
			if !dirEntry.Type().IsRegular() || strings.HasSuffix(name, configs.TransferTempSuffix) || !utils.IsPlainFileName(name) {
				continue
			}
			info, err := dirEntry.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return err
			}
			if cached := bucket.Get([]byte(name)); cached != nil {
				record, err := unmarshalFingerprintRecord(cached)
				if err == nil && record.size == info.Size() && record.modTimeNs == info.ModTime().UnixNano() {
					inventory[name] = entities.Fingerprint{Size: record.size, Checksum: record.checksum}
					continue
				}
			}
			fingerprint, err := FingerprintFile(filepath.Join(is.assetDir, name))
			if err != nil {
				return fmt.Errorf("fingerprinting %q: %w", name, err)
			}
			record := fingerprintRecord{size: fingerprint.Size, modTimeNs: info.ModTime().UnixNano(), checksum: fingerprint.Checksum}
			if err := bucket.Put([]byte(name), record.marshal()); err != nil {
				return err
			}
			inventory[name] = fingerprint
		}
		// 清除已不存在的文件的缓存
		var stale [][]byte
		err := bucket.ForEach(func(k, _ []byte) error {
			if _, ok := inventory[string(k)]; !ok {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return inventory, nil
}

// Record 记录一个刚写入资源目录的文件的指纹
func (is *InventoryStore) Record(name string, fingerprint entities.Fingerprint) error {
	info, err := os.Stat(filepath.Join(is.assetDir, name))
	if err != nil {
		return err
	}
	record := fingerprintRecord{size: fingerprint.Size, modTimeNs: info.ModTime().UnixNano(), checksum: fingerprint.Checksum}
	return is.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(fingerprintsBucket).Put([]byte(name), record.marshal())
	})
}

// Forget 清除一个文件的指纹缓存
func (is *InventoryStore) Forget(name string) error {
	return is.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(fingerprintsBucket).Delete([]byte(name))
	})
}

// FingerprintFile 计算文件的大小和 SHA-256 校验和
func FingerprintFile(path string) (entities.Fingerprint, error) {
	file, err := os.Open(path)
	if err != nil {
		return entities.Fingerprint{}, err
	}
	defer file.Close()
	hasher := sha256.New()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return entities.Fingerprint{}, err
	}
	return entities.Fingerprint{Size: size, Checksum: hex.EncodeToString(hasher.Sum(nil))}, nil
}
