package entities

// 文件同步相关实体

// Fingerprint 是文件内容的指纹
type Fingerprint struct {
	// 文件大小，单位为字节
	Size int64
	// 十六进制的 SHA-256 校验和，为空时只比较大小
	Checksum string
}

// Matches 判断本地指纹是否满足清单中的指纹
//
// 清单没有提供校验和时只比较大小
func (fp Fingerprint) Matches(want Fingerprint) bool {
	if fp.Size != want.Size {
		return false
	}
	if want.Checksum == "" {
		return true
	}
	return fp.Checksum == want.Checksum
}

// EntryStatus 表示清单条目相对本地文件的状态
type EntryStatus int

const (
	// 本地不存在
	EntryMissing EntryStatus = iota
	// 本地存在但指纹不同
	EntryStale
	// 本地已是最新
	EntryUpToDate
)

// String 返回条目状态的可读名称
func (s EntryStatus) String() string {
	switch s {
	case EntryMissing:
		return "missing"
	case EntryStale:
		return "stale"
	case EntryUpToDate:
		return "up_to_date"
	default:
		return "unknown"
	}
}

// FileManifestEntry 是清单中的一个文件
type FileManifestEntry struct {
	// 相对资源目录的文件名
	Name        string
	Fingerprint Fingerprint
	Status      EntryStatus
}

// Manifest 是记分台下发的文件清单，保持记分台给出的顺序
type Manifest struct {
	Entries []FileManifestEntry
}

// Names 返回清单中所有文件名构成的集合
func (m Manifest) Names() map[string]bool {
	names := make(map[string]bool, len(m.Entries))
	for _, entry := range m.Entries {
		names[entry.Name] = true
	}
	return names
}

// Inventory 是本地已有文件的指纹表，键为文件名
type Inventory map[string]Fingerprint

// TransferTask 是一个正在进行中的文件传输
type TransferTask struct {
	Entry         FileManifestEntry
	BytesReceived int64
	ExpectedSize  int64
}

// Done 判断传输是否已经收满预期字节数
func (tt *TransferTask) Done() bool {
	return tt.BytesReceived >= tt.ExpectedSize
}

// FileChunk 是记分台返回的一个文件分块
type FileChunk struct {
	Name string
	// 分块在文件中的偏移
	Offset int64
	// 记分台声明的文件总大小
	TotalSize int64
	Data      []byte
}

// FileRequest 是面板请求一个文件分块
type FileRequest struct {
	Name   string
	Offset int64
	Length int64
}

// FileError 是记分台无法提供文件时的应答
type FileError struct {
	Name   string
	Reason string
}

// SyncOutcome 表示单个文件的同步结果
type SyncOutcome int

const (
	OutcomeSkipped SyncOutcome = iota
	OutcomeUpdated
	OutcomeFailed
)

// String 返回同步结果的可读名称
func (o SyncOutcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeUpdated:
		return "updated"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// FileResult 是单个文件的同步结果
type FileResult struct {
	Name    string
	Outcome SyncOutcome
	// 失败原因，只有 OutcomeFailed 时有值
	Reason string
}

// SyncReport 是一次同步的结果，Results 与清单顺序一致
type SyncReport struct {
	Results []FileResult
	// 被删除的本地文件 (清单中已不存在)
	Pruned []string
}

// Transferred 返回本次同步实际传输 (无论成败) 的文件数
func (sr SyncReport) Transferred() int {
	n := 0
	for _, r := range sr.Results {
		if r.Outcome != OutcomeSkipped {
			n++
		}
	}
	return n
}

// Failed 返回同步失败的文件数
func (sr SyncReport) Failed() int {
	n := 0
	for _, r := range sr.Results {
		if r.Outcome == OutcomeFailed {
			n++
		}
	}
	return n
}
