package services

// 面板连接管理模块 (记分台侧)

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/entities"
)

// panelConn 包含面板连接及其广播发送通道
type panelConn struct {
	Conn     FrameConn
	SendChan chan entities.Frame
}

// PanelHub 管理所有已握手的面板连接
type PanelHub struct {
	// 控制对 conns 的并发访问
	mutex sync.Mutex
	conns map[string]panelConn
}

// NewPanelHub 创建一个新的面板连接管理器
func NewPanelHub() *PanelHub {
	return &PanelHub{
		conns: make(map[string]panelConn),
	}
}

// AddConnection 添加一个面板连接，并创建其广播发送通道
func (hub *PanelHub) AddConnection(conn FrameConn) (<-chan entities.Frame, error) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	// 使用连接发起地址 (含有端口) 作为键
	remoteAddrStr := conn.RemoteAddr().String()
	if _, exists := hub.conns[remoteAddrStr]; exists {
		return nil, errors.New("connection already exists")
	}
	if len(hub.conns) >= configs.MaxPanelConnections {
		return nil, errors.New("maximum panel connections reached")
	}
	sendChan := make(chan entities.Frame, configs.PanelSendChanSize)
	hub.conns[remoteAddrStr] = panelConn{
		Conn:     conn,
		SendChan: sendChan,
	}
	return sendChan, nil
}

// RemoveConnection 从管理器中移除一个面板连接，并关闭其发送通道
func (hub *PanelHub) RemoveConnection(conn FrameConn) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	remoteAddrStr := conn.RemoteAddr().String()
	if pc, exists := hub.conns[remoteAddrStr]; exists && pc.Conn == conn {
		close(pc.SendChan)
		delete(hub.conns, remoteAddrStr)
	}
}

// NumConnections 返回当前管理的连接数
func (hub *PanelHub) NumConnections() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	return len(hub.conns)
}

// Broadcast 把一帧数据放入所有面板的发送通道
//
// 发送通道已满的面板会错过这一帧，它可以之后通过状态请求追上
func (hub *PanelHub) Broadcast(frame entities.Frame) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for addr, pc := range hub.conns {
		select {
		case pc.SendChan <- frame:
		default:
			slog.Debug("Panel send channel full, dropping frame", "remoteAddr", addr)
		}
	}
}

// Close 关闭所有面板连接
func (hub *PanelHub) Close() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	for _, pc := range hub.conns {
		// 连接关闭后，连接 handler 会自动从管理器中移除该连接
		pc.Conn.Close()
	}
}
