package configs

import (
	"fmt"
	"time"
)

// 网络处理相关默认配置

const (
	// 发现失败 (没有可用网络) 后重新检查网络的间隔
	NetworkCheckInterval = 3 * time.Second
	// 会话连接建立 (拨号 + 握手) 的超时时间
	SessionDialTimeout = 10 * time.Second
	// 写入会话帧的超时时间
	SessionWriteTimeout = 3 * time.Second
	// 单帧载荷的最大字节数，超过则视为损坏的连接
	MaxFramePayloadSize = 4 * 1024 * 1024 // 4 MiB
	// 记分台最多接受的面板连接数
	MaxPanelConnections = 255
	// 每个面板连接的发送通道缓冲区大小
	PanelSendChanSize = 64
	// 记分台 TCP 服务的 Accept 超时时间
	TCPAcceptTimeout = 30 * time.Second
	// 记分台 TCP 服务重启间隔时间
	TCPServerRestartInterval = 3 * time.Second
	// 重试监听发现组播的间隔时间
	DiscoveryListenRetryInterval = 3 * time.Second
	// 发现数据报读取超时时间
	DiscoveryReadTimeout = 15 * time.Second
)

var (
	// 发现探测包的发送间隔，候选服务器超过 3 个间隔未刷新即被剔除
	probeInterval = 2 * time.Second
	// 心跳发送间隔
	pingInterval = 3 * time.Second
	// 超过该时间没有收到 pong，会话进入 Stale 状态 (至少容忍一次心跳丢失)
	graceWindow = 8 * time.Second
	// 超过该时间没有收到 pong，会话被强制关闭
	disconnectThreshold = 30 * time.Second
	// 会话断开后重新连接前的基础等待时间，实际等待时间会加上随机抖动
	reconnectDelay = 3 * time.Second
	// 会话传输方式，tcp 或 ws
	sessionTransport = "tcp"
)

// GetProbeInterval 获取发现探测包的发送间隔
func GetProbeInterval() time.Duration {
	return probeInterval
}

// SetProbeInterval 设置发现探测包的发送间隔
func SetProbeInterval(d time.Duration) {
	probeInterval = d
}

// GetPingInterval 获取心跳发送间隔
func GetPingInterval() time.Duration {
	return pingInterval
}

// SetPingInterval 设置心跳发送间隔
//
// 同时保证宽限时间至少比心跳间隔长一个间隔，断开阈值至少比宽限时间长
func SetPingInterval(d time.Duration) {
	pingInterval = d
	graceWindow = max(graceWindow, 2*d)
	disconnectThreshold = max(disconnectThreshold, graceWindow+d)
}

// GetGraceWindow 获取进入 Stale 状态前的宽限时间
func GetGraceWindow() time.Duration {
	return graceWindow
}

// SetGraceWindow 设置进入 Stale 状态前的宽限时间
func SetGraceWindow(d time.Duration) {
	graceWindow = d
	disconnectThreshold = max(disconnectThreshold, graceWindow+pingInterval)
}

// GetDisconnectThreshold 获取强制断开会话的阈值
func GetDisconnectThreshold() time.Duration {
	return disconnectThreshold
}

// SetDisconnectThreshold 设置强制断开会话的阈值
func SetDisconnectThreshold(d time.Duration) {
	disconnectThreshold = d
}

// ValidateHeartbeatTiming 检查心跳相关的时间设置
//
// 宽限时间至少是两个心跳间隔 (容忍一次心跳丢失)，断开阈值要比宽限时间长
func ValidateHeartbeatTiming() error {
	if pingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %s", pingInterval)
	}
	if graceWindow < 2*pingInterval {
		return fmt.Errorf("grace window %s must be at least twice the ping interval %s", graceWindow, pingInterval)
	}
	if disconnectThreshold <= graceWindow {
		return fmt.Errorf("disconnect threshold %s must be longer than the grace window %s", disconnectThreshold, graceWindow)
	}
	return nil
}

// GetReconnectDelay 获取重新连接前的基础等待时间
func GetReconnectDelay() time.Duration {
	return reconnectDelay
}

// SetReconnectDelay 设置重新连接前的基础等待时间
func SetReconnectDelay(d time.Duration) {
	reconnectDelay = d
}

// GetSessionTransport 获取会话传输方式
func GetSessionTransport() string {
	return sessionTransport
}

// SetSessionTransport 设置会话传输方式
func SetSessionTransport(transport string) {
	sessionTransport = transport
}
