package services

// 心跳 / 超时监视模块

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
)

// HeartbeatSettings 心跳相关的时间设置
type HeartbeatSettings struct {
	// ping 发送间隔
	PingInterval time.Duration
	// 距上次 pong 超过该时间，会话进入 Stale
	GraceWindow time.Duration
	// 距上次 pong 超过该时间，会话被强制关闭
	DisconnectThreshold time.Duration
}

// DefaultHeartbeatSettings 从配置中读取心跳设置
func DefaultHeartbeatSettings() HeartbeatSettings {
	return HeartbeatSettings{
		PingInterval:        configs.GetPingInterval(),
		GraceWindow:         configs.GetGraceWindow(),
		DisconnectThreshold: configs.GetDisconnectThreshold(),
	}
}

// HeartbeatMonitor 在会话的整个生命周期内定时发送 ping，并根据 pong 判断链路状态
type HeartbeatMonitor struct {
	session  *Session
	clock    clockwork.Clock
	settings HeartbeatSettings
	// 收到 pong 时通知监视协程
	pongSignal chan struct{}
}

// NewHeartbeatMonitor 创建心跳监视器
func NewHeartbeatMonitor(session *Session, clock clockwork.Clock, settings HeartbeatSettings) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		session:    session,
		clock:      clock,
		settings:   settings,
		pongSignal: make(chan struct{}, 1),
	}
}

// OnPong 处理收到的 pong
//
// 记录时刻并把会话置为 Live，会话已关闭时 pong 会被忽略
func (hm *HeartbeatMonitor) OnPong(at time.Time) {
	if !hm.session.recordPong(at) {
		slog.Debug("Ignoring pong for closed session", "session", hm.session.ID())
		return
	}
	select {
	case hm.pongSignal <- struct{}{}:
	default:
	}
}

// Run 运行心跳监视，直到会话关闭
//
// 立即发送第一个 ping，之后每隔 PingInterval 发送一次
func (hm *HeartbeatMonitor) Run() {
	ticker := hm.clock.NewTicker(hm.settings.PingInterval)
	staleTimer := hm.clock.NewTimer(hm.settings.GraceWindow)
	deadTimer := hm.clock.NewTimer(hm.settings.DisconnectThreshold)
	defer func() {
		ticker.Stop()
		staleTimer.Stop()
		deadTimer.Stop()
	}()
	// 进入 Stale 后 staleTimer 不再计时，直到下一次 pong
	staleArmed := true
	hm.ping()
	for {
		select {
		case <-hm.session.Done():
			return
		case <-ticker.Chan():
			hm.ping()
		case <-hm.pongSignal:
			if !staleArmed {
				staleTimer.Reset(hm.remaining(hm.settings.GraceWindow))
				staleArmed = true
			}
		case <-staleTimer.Chan():
			remaining := hm.remaining(hm.settings.GraceWindow)
			if remaining > 0 {
				// 期间收到过 pong，按最新的 pong 重新计时
				staleTimer.Reset(remaining)
				continue
			}
			staleArmed = false
			if hm.session.Status() == entities.StatusLive && hm.session.transition(entities.StatusStale) {
				slog.Warn("No pong within grace window, link is stale", "session", hm.session.ID(), "graceWindow", hm.settings.GraceWindow)
			}
		case <-deadTimer.Chan():
			remaining := hm.remaining(hm.settings.DisconnectThreshold)
			if remaining > 0 {
				deadTimer.Reset(remaining)
				continue
			}
			hm.session.Close(fmt.Errorf("%w: no pong for %s", ErrHeartbeatTimeout, hm.settings.DisconnectThreshold))
			return
		}
	}
}

// remaining 返回距离上次 pong 达到 limit 还剩多少时间
func (hm *HeartbeatMonitor) remaining(limit time.Duration) time.Duration {
	return limit - hm.clock.Since(hm.session.LastPong())
}

func (hm *HeartbeatMonitor) ping() {
	if err := hm.session.send(constants.FramePing, utils.NewHeartbeatNonce()); err != nil {
		slog.Debug("Failed to send ping", "session", hm.session.ID(), "error", err)
	}
}
