package services

// 文件同步模块
// 根据记分台下发的清单，把缺失或过期的资源文件逐个拉取到本地

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/entities"
)

// ChunkFetcher 可以从记分台获取文件分块，*Session 实现了该接口
type ChunkFetcher interface {
	FetchChunk(ctx context.Context, name string, offset int64, length int64) (entities.FileChunk, error)
}

// PlanTransfers 对比清单与本地文件，标出每个条目的状态
//
// 返回的清单保持原有顺序
func PlanTransfers(manifest entities.Manifest, inventory entities.Inventory) entities.Manifest {
	plan := entities.Manifest{Entries: make([]entities.FileManifestEntry, 0, len(manifest.Entries))}
	for _, entry := range manifest.Entries {
		local, exists := inventory[entry.Name]
		switch {
		case !exists:
			entry.Status = entities.EntryMissing
		case local.Matches(entry.Fingerprint):
			entry.Status = entities.EntryUpToDate
		default:
			entry.Status = entities.EntryStale
		}
		plan.Entries = append(plan.Entries, entry)
	}
	return plan
}

// FileSynchronizer 在一个会话上同步资源文件
//
// 同一时刻只有一个文件在传输，两次同步之间除了本地文件外不共享任何状态
type FileSynchronizer struct {
	fetcher   ChunkFetcher
	store     *InventoryStore
	chunkSize int64
	prune     bool
	// 整次同步期间持有，保证文件写入不会并发进行
	runMutex sync.Mutex

	taskMutex  sync.Mutex
	activeTask *entities.TransferTask
}

// NewFileSynchronizer 创建文件同步器
//
// fetcher: 分块来源，通常是当前会话
// store: 本地资源清点
func NewFileSynchronizer(fetcher ChunkFetcher, store *InventoryStore) *FileSynchronizer {
	return &FileSynchronizer{
		fetcher:   fetcher,
		store:     store,
		chunkSize: configs.GetChunkSize(),
		prune:     configs.GetPruneUnlisted(),
	}
}

// ActiveTransfer 返回正在进行的传输的副本
func (fs *FileSynchronizer) ActiveTransfer() (entities.TransferTask, bool) {
	fs.taskMutex.Lock()
	defer fs.taskMutex.Unlock()
	if fs.activeTask == nil {
		return entities.TransferTask{}, false
	}
	return *fs.activeTask, true
}

func (fs *FileSynchronizer) setActiveTask(task *entities.TransferTask) {
	fs.taskMutex.Lock()
	defer fs.taskMutex.Unlock()
	fs.activeTask = task
}

// Synchronize 按清单同步文件，返回每个文件的结果
//
// 单个文件失败不会中止队列中的其他文件
func (fs *FileSynchronizer) Synchronize(ctx context.Context, manifest entities.Manifest, inventory entities.Inventory) entities.SyncReport {
	fs.runMutex.Lock()
	defer fs.runMutex.Unlock()
	fs.removeLeftoverTempFiles()

	plan := PlanTransfers(manifest, inventory)
	report := entities.SyncReport{Results: make([]entities.FileResult, 0, len(plan.Entries))}
	queued := 0
	for _, entry := range plan.Entries {
		if entry.Status == entities.EntryUpToDate {
			report.Results = append(report.Results, entities.FileResult{Name: entry.Name, Outcome: entities.OutcomeSkipped})
			continue
		}
		queued++
		slog.Info("Transferring file", "name", entry.Name, "size", entry.Fingerprint.Size, "status", entry.Status.String())
		if err := fs.transferFile(ctx, entry); err != nil {
			reason := err.Error()
			var transferErr *TransferError
			if errors.As(err, &transferErr) {
				reason = transferErr.Reason
				if transferErr.Err != nil {
					reason = fmt.Sprintf("%s: %v", transferErr.Reason, transferErr.Err)
				}
			}
			slog.Warn("File transfer failed", "name", entry.Name, "error", err)
			report.Results = append(report.Results, entities.FileResult{Name: entry.Name, Outcome: entities.OutcomeFailed, Reason: reason})
			continue
		}
		report.Results = append(report.Results, entities.FileResult{Name: entry.Name, Outcome: entities.OutcomeUpdated})
	}
	if fs.prune {
		report.Pruned = fs.pruneUnlisted(manifest, inventory)
	}
	if queued == 0 {
		slog.Info("All files are up to date", "files", len(plan.Entries))
	} else {
		slog.Info("File synchronization finished", "transferred", report.Transferred(), "failed", report.Failed(), "pruned", len(report.Pruned))
	}
	return report
}

// transferFile 传输单个文件
//
// 数据先写入临时文件，大小和校验和都通过后才替换正式文件，失败时临时文件会被删除
func (fs *FileSynchronizer) transferFile(ctx context.Context, entry entities.FileManifestEntry) error {
	name := entry.Name
	destPath := filepath.Join(fs.store.AssetDir(), name)
	tempPath := destPath + configs.TransferTempSuffix
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return &TransferError{Name: name, Reason: "creating temp file", Err: err}
	}
	task := &entities.TransferTask{Entry: entry, ExpectedSize: entry.Fingerprint.Size}
	fs.setActiveTask(task)
	committed := false
	defer func() {
		fs.setActiveTask(nil)
		if !committed {
			file.Close()
			os.Remove(tempPath)
		}
	}()

	hasher := sha256.New()
	writer := io.MultiWriter(file, hasher)
	for !task.Done() {
		remaining := task.ExpectedSize - task.BytesReceived
		length := min(fs.chunkSize, remaining)
		chunk, err := fs.fetcher.FetchChunk(ctx, name, task.BytesReceived, length)
		if err != nil {
			var transferErr *TransferError
			if errors.As(err, &transferErr) {
				return transferErr
			}
			return &TransferError{Name: name, Reason: "fetching chunk", Err: err}
		}
		if chunk.TotalSize != task.ExpectedSize {
			return &TransferError{Name: name, Reason: fmt.Sprintf("size mismatch: server has %d bytes, manifest declares %d", chunk.TotalSize, task.ExpectedSize)}
		}
		if len(chunk.Data) == 0 {
			return &TransferError{Name: name, Reason: fmt.Sprintf("short read at offset %d of %d", task.BytesReceived, task.ExpectedSize)}
		}
		if int64(len(chunk.Data)) > remaining {
			return &TransferError{Name: name, Reason: fmt.Sprintf("chunk overruns expected size at offset %d", task.BytesReceived)}
		}
		if _, err := writer.Write(chunk.Data); err != nil {
			return &TransferError{Name: name, Reason: "writing temp file", Err: err}
		}
		fs.taskMutex.Lock()
		task.BytesReceived += int64(len(chunk.Data))
		fs.taskMutex.Unlock()
	}
	checksum := hex.EncodeToString(hasher.Sum(nil))
	if entry.Fingerprint.Checksum != "" && !strings.EqualFold(checksum, entry.Fingerprint.Checksum) {
		return &TransferError{Name: name, Reason: "checksum mismatch"}
	}
	if err := file.Sync(); err != nil {
		return &TransferError{Name: name, Reason: "flushing temp file", Err: err}
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		committed = true
		return &TransferError{Name: name, Reason: "closing temp file", Err: err}
	}
	if err := os.Rename(tempPath, destPath); err != nil {
		os.Remove(tempPath)
		committed = true
		return &TransferError{Name: name, Reason: "replacing file", Err: err}
	}
	committed = true
	if err := fs.store.Record(name, entities.Fingerprint{Size: task.ExpectedSize, Checksum: checksum}); err != nil {
		slog.Warn("Failed to record file fingerprint", "name", name, "error", err)
	}
	return nil
}

// removeLeftoverTempFiles 删除上次中断的传输留下的临时文件
func (fs *FileSynchronizer) removeLeftoverTempFiles() {
	dirEntries, err := os.ReadDir(fs.store.AssetDir())
	if err != nil {
		slog.Debug("Failed to read asset directory", "error", err)
		return
	}
	for _, dirEntry := range dirEntries {
		if dirEntry.Type().IsRegular() && strings.HasSuffix(dirEntry.Name(), configs.TransferTempSuffix) {
			if err := os.Remove(filepath.Join(fs.store.AssetDir(), dirEntry.Name())); err == nil {
				slog.Debug("Removed leftover temp file", "name", dirEntry.Name())
			}
		}
	}
}

// pruneUnlisted 删除清单中已不存在的本地文件，返回被删除的文件名
func (fs *FileSynchronizer) pruneUnlisted(manifest entities.Manifest, inventory entities.Inventory) []string {
	listed := manifest.Names()
	var pruned []string
	for name := range inventory {
		if listed[name] {
			continue
		}
		if err := os.Remove(filepath.Join(fs.store.AssetDir(), name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("Failed to remove unlisted file", "name", name, "error", err)
			continue
		}
		if err := fs.store.Forget(name); err != nil {
			slog.Debug("Failed to forget fingerprint", "name", name, "error", err)
		}
		slog.Info("Removed file no longer in manifest", "name", name)
		pruned = append(pruned, name)
	}
	slices.Sort(pruned)
	return pruned
}
