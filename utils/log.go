package utils

// 日志相关工具

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"sync"

	"github.com/somebottle/scorepanel-link/entities"
)

// rotatedLogFilePattern 用于匹配轮转日志文件名
const rotatedLogFilePattern = `^(.+?)_rotated\.(\d+)\.log$`

// rotatedLogFileFormat 为轮转日志文件名格式
const rotatedLogFileFormat = "%s_rotated.%d.log"

// rotatedLogFileRegex 是用于匹配轮转日志文件名的正则表达式
var rotatedLogFileRegex = regexp.MustCompile(rotatedLogFilePattern)

// LogWriter 是简单的日志写入器，按文件大小轮转，可被多个协程并发使用
type LogWriter struct {
	mutex             sync.Mutex
	filePath          string
	fileName          string
	fileDir           string
	maxSize           int64 // 以字节为单位的最大文件大小
	maxHistoricalLogs int   // 最大历史日志文件数量
	file              *os.File
	size              int64
	closed            bool
}

// NewLogWriter 创建一个新的 LogWriter 实例
//
// filePath: 当前日志文件路径
// maxSize: 单个日志文件的最大字节数
// maxHistoricalLogs: 最多保留的历史日志文件数量，为 0 时轮转不保留历史
func NewLogWriter(filePath string, maxSize int64, maxHistoricalLogs int) (*LogWriter, error) {
	fileDir := filepath.Dir(filePath)
	if err := os.MkdirAll(fileDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	lw := &LogWriter{
		filePath:          filePath,
		fileName:          filepath.Base(filePath),
		fileDir:           fileDir,
		maxSize:           maxSize,
		maxHistoricalLogs: max(maxHistoricalLogs, 0),
	}
	if err := lw.openFile(); err != nil {
		return nil, err
	}
	return lw, nil
}

func (lw *LogWriter) openFile() error {
	file, err := os.OpenFile(lw.filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to get log file info: %w", err)
	}
	lw.file = file
	lw.size = info.Size()
	return nil
}

// historicalLogs 列出目录下属于当前日志的轮转文件，按 ID 升序
func (lw *LogWriter) historicalLogs() ([]entities.RotatedLogFileName, error) {
	files, err := os.ReadDir(lw.fileDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}
	baseName := GetBaseNameWithoutExt(lw.fileName)
	var rotated []entities.RotatedLogFileName
	for _, file := range files {
		submatches := rotatedLogFileRegex.FindStringSubmatch(file.Name())
		if len(submatches) != 3 || submatches[1] != baseName {
			continue
		}
		logId, err := strconv.ParseInt(submatches[2], 10, 32)
		if err != nil {
			continue
		}
		rotated = append(rotated, entities.RotatedLogFileName{
			FullName: file.Name(),
			LogId:    int(logId),
			BaseName: submatches[1],
		})
	}
	slices.SortFunc(rotated, func(a, b entities.RotatedLogFileName) int {
		return cmp.Compare(a.LogId, b.LogId)
	})
	return rotated, nil
}

// rotateLogs 将当前日志文件重命名为 ID 为 1 的轮转文件，已有的轮转文件 ID 依次加 1，
// 超出数量限制的最旧文件会被删除
func (lw *LogWriter) rotateLogs() error {
	lw.file.Close()
	lw.file = nil
	rotated, err := lw.historicalLogs()
	if err != nil {
		return err
	}
	// 轮转后当前文件也成为历史文件之一
	if keep := lw.maxHistoricalLogs - 1; len(rotated) > max(keep, 0) {
		for _, old := range rotated[max(keep, 0):] {
			oldPath := filepath.Join(lw.fileDir, old.FullName)
			if err := os.Remove(oldPath); err != nil {
				return fmt.Errorf("failed to delete old log file '%s': %w", oldPath, err)
			}
		}
		rotated = rotated[:max(keep, 0)]
	}
	for i := len(rotated) - 1; i >= 0; i-- {
		oldPath := filepath.Join(lw.fileDir, rotated[i].FullName)
		newPath := filepath.Join(lw.fileDir, fmt.Sprintf(rotatedLogFileFormat, rotated[i].BaseName, rotated[i].LogId+1))
		if err := os.Rename(oldPath, newPath); err != nil {
			return fmt.Errorf("failed to rename log file '%s' to '%s': %w", oldPath, newPath, err)
		}
	}
	if lw.maxHistoricalLogs > 0 {
		rotatedPath := filepath.Join(lw.fileDir, fmt.Sprintf(rotatedLogFileFormat, GetBaseNameWithoutExt(lw.fileName), 1))
		if err := os.Rename(lw.filePath, rotatedPath); err != nil {
			return fmt.Errorf("failed to rotate current log file to '%s': %w", rotatedPath, err)
		}
	} else if err := os.Remove(lw.filePath); err != nil {
		return fmt.Errorf("failed to truncate current log file: %w", err)
	}
	return lw.openFile()
}

// Write 写入日志数据，写入后会超过最大文件大小时先进行轮转，实现了 io.Writer 接口
func (lw *LogWriter) Write(p []byte) (int, error) {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()
	if lw.closed {
		return 0, errors.New("log writer is closed")
	}
	if lw.file == nil {
		// 上次轮转失败，重新打开文件
		if err := lw.openFile(); err != nil {
			return 0, err
		}
	}
	if lw.size > 0 && lw.size+int64(len(p)) > lw.maxSize {
		if err := lw.rotateLogs(); err != nil {
			return 0, fmt.Errorf("failed to rotate logs: %w", err)
		}
	}
	n, err := lw.file.Write(p)
	lw.size += int64(n)
	return n, err
}

// Close 关闭日志写入器以及相关文件资源
func (lw *LogWriter) Close() error {
	lw.mutex.Lock()
	defer lw.mutex.Unlock()
	if lw.closed {
		return nil
	}
	lw.closed = true
	if lw.file == nil {
		return nil
	}
	return lw.file.Close()
}
