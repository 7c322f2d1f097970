package configs

import "time"

// 文件同步相关默认配置

const (
	// 临时文件后缀，传输完成后才会重命名为正式文件
	TransferTempSuffix = ".part"
	// 单个分块的最大字节数，需要给帧载荷中的其他字段留出空间
	MaxChunkSize = 2 * 1024 * 1024 // 2 MiB
	// 打开指纹数据库时等待文件锁的超时时间
	InventoryOpenTimeout = 3 * time.Second
)

var (
	// 资源文件 (幻灯片图片等) 存放目录
	assetDir = "slides"
	// 本地文件指纹缓存数据库路径
	inventoryDBPath = "scorepanel-inventory.db"
	// 每次请求的分块大小
	chunkSize int64 = 1024 * 1024 // 1 MiB
	// 等待单个分块到达的超时时间
	chunkTimeout = 15 * time.Second
	// 是否删除清单中未列出的本地文件
	pruneUnlisted = true
)

// GetAssetDir 获取资源文件目录
func GetAssetDir() string {
	return assetDir
}

// SetAssetDir 设置资源文件目录
func SetAssetDir(dir string) {
	assetDir = dir
}

// GetInventoryDBPath 获取本地文件指纹缓存数据库路径
func GetInventoryDBPath() string {
	return inventoryDBPath
}

// SetInventoryDBPath 设置本地文件指纹缓存数据库路径
func SetInventoryDBPath(path string) {
	inventoryDBPath = path
}

// GetChunkSize 获取每次请求的分块大小
func GetChunkSize() int64 {
	return chunkSize
}

// SetChunkSize 设置每次请求的分块大小，不会超过 MaxChunkSize
func SetChunkSize(size int64) {
	if size <= 0 {
		return
	}
	chunkSize = min(size, MaxChunkSize)
}

// GetChunkTimeout 获取等待单个分块的超时时间
func GetChunkTimeout() time.Duration {
	return chunkTimeout
}

// SetChunkTimeout 设置等待单个分块的超时时间
func SetChunkTimeout(d time.Duration) {
	chunkTimeout = d
}

// GetPruneUnlisted 获取是否删除清单中未列出的本地文件
func GetPruneUnlisted() bool {
	return pruneUnlisted
}

// SetPruneUnlisted 设置是否删除清单中未列出的本地文件
func SetPruneUnlisted(prune bool) {
	pruneUnlisted = prune
}
