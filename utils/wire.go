package utils

// 会话帧载荷的编解码
//
// 载荷采用 protobuf 的线路格式，直接使用 protowire 逐字段编码，
// 未知字段在解码时会被跳过，便于以后扩展字段

import (
	"errors"
	"fmt"

	"github.com/somebottle/scorepanel-link/entities"
	"google.golang.org/protobuf/encoding/protowire"
)

// ErrBadPayload 表示载荷无法解析
var ErrBadPayload = errors.New("bad frame payload")

// Hello 是面板握手时发送的信息
type Hello struct {
	Version      int
	Identity     string
	Capabilities []string
}

// Welcome 是记分台的握手应答
type Welcome struct {
	Version      int
	Identity     string
	Accepted     bool
	Reason       string
	Capabilities []string
}

// walkFields 依次遍历载荷中的每个字段
//
// visit 返回已消费的字节数，返回 0 表示不认识该字段，会被跳过
func walkFields(b []byte, visit func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadPayload, protowire.ParseError(n))
		}
		b = b[n:]
		consumed, err := visit(num, typ, b)
		if err != nil {
			return err
		}
		if consumed == 0 {
			consumed = protowire.ConsumeFieldValue(num, typ, b)
			if consumed < 0 {
				return fmt.Errorf("%w: %v", ErrBadPayload, protowire.ParseError(consumed))
			}
		}
		b = b[consumed:]
	}
	return nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint, got wire type %d", ErrBadPayload, typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrBadPayload, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected bytes, got wire type %d", ErrBadPayload, typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrBadPayload, protowire.ParseError(n))
	}
	return v, n, nil
}

// EncodeHello 编码握手信息
func EncodeHello(h Hello) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(h.Version))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, h.Identity)
	for _, c := range h.Capabilities {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	return b
}

// DecodeHello 解码握手信息
func DecodeHello(payload []byte) (Hello, error) {
	var h Hello
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			h.Version = int(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			h.Identity = string(v)
			return n, err
		case 3:
			v, n, err := consumeBytes(typ, b)
			h.Capabilities = append(h.Capabilities, string(v))
			return n, err
		}
		return 0, nil
	})
	return h, err
}

// EncodeWelcome 编码握手应答
func EncodeWelcome(w Welcome) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(w.Version))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, w.Identity)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(w.Accepted))
	if w.Reason != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, w.Reason)
	}
	for _, c := range w.Capabilities {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	return b
}

// DecodeWelcome 解码握手应答
func DecodeWelcome(payload []byte) (Welcome, error) {
	var w Welcome
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			w.Version = int(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			w.Identity = string(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			w.Accepted = protowire.DecodeBool(v)
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			w.Reason = string(v)
			return n, err
		case 5:
			v, n, err := consumeBytes(typ, b)
			w.Capabilities = append(w.Capabilities, string(v))
			return n, err
		}
		return 0, nil
	})
	return w, err
}

// EncodeManifest 编码文件清单，条目顺序保持不变
func EncodeManifest(m entities.Manifest) []byte {
	var b []byte
	for _, entry := range m.Entries {
		var e []byte
		e = protowire.AppendTag(e, 1, protowire.BytesType)
		e = protowire.AppendString(e, entry.Name)
		e = protowire.AppendTag(e, 2, protowire.VarintType)
		e = protowire.AppendVarint(e, uint64(entry.Fingerprint.Size))
		if entry.Fingerprint.Checksum != "" {
			e = protowire.AppendTag(e, 3, protowire.BytesType)
			e = protowire.AppendString(e, entry.Fingerprint.Checksum)
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b
}

// DecodeManifest 解码文件清单
//
// 文件名为空、含有路径成分或者重复的条目会导致整个清单无效
func DecodeManifest(payload []byte) (entities.Manifest, error) {
	var m entities.Manifest
	seen := make(map[string]bool)
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 {
			return 0, nil
		}
		raw, n, err := consumeBytes(typ, b)
		if err != nil {
			return 0, err
		}
		var entry entities.FileManifestEntry
		err = walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch num {
			case 1:
				v, n, err := consumeBytes(typ, b)
				entry.Name = string(v)
				return n, err
			case 2:
				v, n, err := consumeVarint(typ, b)
				entry.Fingerprint.Size = int64(v)
				return n, err
			case 3:
				v, n, err := consumeBytes(typ, b)
				entry.Fingerprint.Checksum = string(v)
				return n, err
			}
			return 0, nil
		})
		if err != nil {
			return 0, err
		}
		if !IsPlainFileName(entry.Name) {
			return 0, fmt.Errorf("%w: invalid file name %q in manifest", ErrBadPayload, entry.Name)
		}
		if entry.Fingerprint.Size < 0 {
			return 0, fmt.Errorf("%w: negative size for %q", ErrBadPayload, entry.Name)
		}
		if seen[entry.Name] {
			return 0, fmt.Errorf("%w: duplicate file %q in manifest", ErrBadPayload, entry.Name)
		}
		seen[entry.Name] = true
		m.Entries = append(m.Entries, entry)
		return n, nil
	})
	return m, err
}

// EncodeFileRequest 编码文件分块请求
func EncodeFileRequest(r entities.FileRequest) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, r.Name)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Offset))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(r.Length))
	return b
}

// DecodeFileRequest 解码文件分块请求
func DecodeFileRequest(payload []byte) (entities.FileRequest, error) {
	var r entities.FileRequest
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			r.Name = string(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			r.Offset = int64(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			r.Length = int64(v)
			return n, err
		}
		return 0, nil
	})
	return r, err
}

// EncodeFileChunk 编码文件分块
func EncodeFileChunk(c entities.FileChunk) []byte {
	b := make([]byte, 0, len(c.Data)+len(c.Name)+32)
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, c.Name)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.Offset))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(c.TotalSize))
	b = protowire.AppendTag(b, 4, protowire.BytesType)
	b = protowire.AppendBytes(b, c.Data)
	return b
}

// DecodeFileChunk 解码文件分块
//
// 返回的 Data 引用了 payload 的内存
func DecodeFileChunk(payload []byte) (entities.FileChunk, error) {
	var c entities.FileChunk
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			c.Name = string(v)
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			c.Offset = int64(v)
			return n, err
		case 3:
			v, n, err := consumeVarint(typ, b)
			c.TotalSize = int64(v)
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			c.Data = v
			return n, err
		}
		return 0, nil
	})
	return c, err
}

// EncodeFileError 编码文件错误应答
func EncodeFileError(e entities.FileError) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, e.Name)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, e.Reason)
	return b
}

// DecodeFileError 解码文件错误应答
func DecodeFileError(payload []byte) (entities.FileError, error) {
	var e entities.FileError
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			e.Name = string(v)
			return n, err
		case 2:
			v, n, err := consumeBytes(typ, b)
			e.Reason = string(v)
			return n, err
		}
		return 0, nil
	})
	return e, err
}

// EncodeScoreUpdate 编码比分更新，字段按名称排序以保证输出稳定
func EncodeScoreUpdate(u entities.ScoreUpdate) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, u.Sequence)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.Sport))
	snapshot := entities.NewScoreSnapshot("", u.Sequence, u.Sport, u.Fields)
	for _, key := range snapshot.FieldNames() {
		value, _ := snapshot.Field(key)
		var f []byte
		f = protowire.AppendTag(f, 1, protowire.BytesType)
		f = protowire.AppendString(f, key)
		f = protowire.AppendTag(f, 2, protowire.BytesType)
		f = protowire.AppendString(f, value)
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, f)
	}
	return b
}

// DecodeScoreUpdate 解码比分更新
//
// 序号为 0 的更新无效 (序号从 1 开始)
func DecodeScoreUpdate(payload []byte) (entities.ScoreUpdate, error) {
	u := entities.ScoreUpdate{Fields: make(map[string]string)}
	err := walkFields(payload, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			u.Sequence = v
			return n, err
		case 2:
			v, n, err := consumeVarint(typ, b)
			u.Sport = entities.Sport(v)
			return n, err
		case 3:
			raw, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var key, value string
			err = walkFields(raw, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					v, n, err := consumeBytes(typ, b)
					key = string(v)
					return n, err
				case 2:
					v, n, err := consumeBytes(typ, b)
					value = string(v)
					return n, err
				}
				return 0, nil
			})
			if err != nil {
				return 0, err
			}
			if key == "" {
				return 0, fmt.Errorf("%w: empty score field name", ErrBadPayload)
			}
			u.Fields[key] = value
			return n, nil
		}
		return 0, nil
	})
	if err != nil {
		return u, err
	}
	if u.Sequence == 0 {
		return u, fmt.Errorf("%w: missing score sequence", ErrBadPayload)
	}
	return u, nil
}
