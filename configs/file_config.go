package configs

// YAML 配置文件的读取
//
// 配置优先级: 默认值 < 配置文件 < .env 文件 / 环境变量 < 命令行参数

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig 对应 YAML 配置文件的结构，未出现的字段保持默认值
type FileConfig struct {
	Mode      string `yaml:"mode"`
	Identity  string `yaml:"identity"`
	Server    string `yaml:"server"`
	Transport string `yaml:"transport"`
	Discovery struct {
		Group         string        `yaml:"group"`
		Port          string        `yaml:"port"`
		ProbeInterval time.Duration `yaml:"probe_interval"`
	} `yaml:"discovery"`
	Session struct {
		Port                string        `yaml:"port"`
		PingInterval        time.Duration `yaml:"ping_interval"`
		GraceWindow         time.Duration `yaml:"grace_window"`
		DisconnectThreshold time.Duration `yaml:"disconnect_threshold"`
		ReconnectDelay      time.Duration `yaml:"reconnect_delay"`
	} `yaml:"session"`
	Files struct {
		AssetDir      string        `yaml:"asset_dir"`
		InventoryDB   string        `yaml:"inventory_db"`
		ChunkSize     int64         `yaml:"chunk_size"`
		ChunkTimeout  time.Duration `yaml:"chunk_timeout"`
		PruneUnlisted *bool         `yaml:"prune_unlisted"`
	} `yaml:"files"`
	Log struct {
		File          string `yaml:"file"`
		MaxSize       int64  `yaml:"max_size"`
		MaxHistorical *int   `yaml:"max_historical"`
		Debug         bool   `yaml:"debug"`
	} `yaml:"log"`
}

// LoadFile 读取并解析 YAML 配置文件
//
// path: 配置文件路径
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &fc, nil
}

// Apply 把配置文件中出现的数值类配置写入各个配置项
//
// 字符串类配置 (模式、地址等) 由 main 作为命令行参数的默认值使用
func (fc *FileConfig) Apply() {
	if fc.Transport != "" {
		SetSessionTransport(fc.Transport)
	}
	if fc.Discovery.ProbeInterval > 0 {
		SetProbeInterval(fc.Discovery.ProbeInterval)
	}
	if fc.Session.PingInterval > 0 {
		SetPingInterval(fc.Session.PingInterval)
	}
	if fc.Session.GraceWindow > 0 {
		SetGraceWindow(fc.Session.GraceWindow)
	}
	if fc.Session.DisconnectThreshold > 0 {
		SetDisconnectThreshold(fc.Session.DisconnectThreshold)
	}
	if fc.Session.ReconnectDelay > 0 {
		SetReconnectDelay(fc.Session.ReconnectDelay)
	}
	if fc.Files.AssetDir != "" {
		SetAssetDir(fc.Files.AssetDir)
	}
	if fc.Files.InventoryDB != "" {
		SetInventoryDBPath(fc.Files.InventoryDB)
	}
	if fc.Files.ChunkSize > 0 {
		SetChunkSize(fc.Files.ChunkSize)
	}
	if fc.Files.ChunkTimeout > 0 {
		SetChunkTimeout(fc.Files.ChunkTimeout)
	}
	if fc.Files.PruneUnlisted != nil {
		SetPruneUnlisted(*fc.Files.PruneUnlisted)
	}
	if fc.Log.File != "" {
		SetLogFilePath(fc.Log.File)
	}
	if fc.Log.MaxSize > 0 {
		SetLogMaxSizeBytes(fc.Log.MaxSize)
	}
	if fc.Log.MaxHistorical != nil {
		SetLogMaxHistoricalFiles(*fc.Log.MaxHistorical)
	}
}
