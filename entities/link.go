package entities

// 会话链路相关实体

import (
	"time"
)

// ServerAnnouncement 是发现阶段得到的一个候选记分台
type ServerAnnouncement struct {
	// 记分台的唯一标识
	Identity string
	// 会话服务地址，host:port 形式
	Address string
	// 协议版本
	ProtocolVersion int
	// 会话传输方式 (tcp / ws)
	Transport string
	// 最近一次收到公告的时刻
	SeenAt time.Time
}

// SessionStatus 表示会话的状态
type SessionStatus int

const (
	// 正在拨号、握手
	StatusConnecting SessionStatus = iota
	// 握手成功，等待第一个 pong
	StatusWaiting
	// 链路正常
	StatusLive
	// 超过宽限时间没有 pong，显示端应提示等待连接
	StatusStale
	// 会话已关闭，不会再复活
	StatusClosed
)

// String 返回状态的可读名称
func (s SessionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusWaiting:
		return "waiting"
	case StatusLive:
		return "live"
	case StatusStale:
		return "stale"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sessionTransitions 列出所有合法的状态迁移
var sessionTransitions = map[SessionStatus][]SessionStatus{
	StatusConnecting: {StatusWaiting, StatusClosed},
	StatusWaiting:    {StatusLive, StatusClosed},
	StatusLive:       {StatusStale, StatusClosed},
	StatusStale:      {StatusLive, StatusClosed},
}

// CanTransition 判断状态 from 能否迁移到 to
func CanTransition(from SessionStatus, to SessionStatus) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// LinkState 是提供给显示端的链路状态，显示端据此决定是否展示“等待连接”之类的提示
type LinkState struct {
	// 当前会话状态，没有会话时为 StatusClosed
	Status SessionStatus
	// 是否在等待网络可用
	WaitingForNetwork bool
	// 当前连接的记分台，没有时为空
	Server string
}
