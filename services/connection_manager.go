package services

// 连接管理模块，负责建立会话并监督其生命周期

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
)

// PanelCapabilities 是面板在握手时声明的能力
var PanelCapabilities = []string{"score", "files"}

// DialFunc 按传输方式拨号到记分台
type DialFunc func(ctx context.Context, transport string, address string) (FrameConn, error)

// ConnectionManager 负责拨号、握手并启动会话
type ConnectionManager struct {
	identity     string
	clock        clockwork.Clock
	settings     HeartbeatSettings
	chunkTimeout time.Duration
	board        *ScoreBoard
	dial         DialFunc
	// 判断本机是否有可用网络接口
	hasNetwork func() bool
}

// NewConnectionManager 创建连接管理器
//
// identity: 面板标识，握手时发送给记分台
// clock: 时钟
// settings: 心跳设置
// board: 会话接收到的比分会发布到这里
func NewConnectionManager(identity string, clock clockwork.Clock, settings HeartbeatSettings, board *ScoreBoard) *ConnectionManager {
	return &ConnectionManager{
		identity:     identity,
		clock:        clock,
		settings:     settings,
		chunkTimeout: configs.GetChunkTimeout(),
		board:        board,
		dial:         DialFrameConn,
		hasNetwork:   utils.HasUsableInterface,
	}
}

// Connect 连接到记分台，阻塞直到会话进入 Live 或者失败
//
// 连接被拒绝、协议版本不一致或者记分台明确拒绝时返回 ErrHandshakeRejected，不会自动重试。
// 没有可用网络接口或者网络不可达时返回 ErrNetworkUnavailable
func (cm *ConnectionManager) Connect(ctx context.Context, server entities.ServerAnnouncement) (*Session, error) {
	// 回环地址不依赖网络接口
	if !utils.IsLoopbackHost(server.Address) && !cm.hasNetwork() {
		return nil, fmt.Errorf("%w: no usable interface to dial %s", ErrNetworkUnavailable, server.Address)
	}
	dialCtx, cancel := context.WithTimeout(ctx, configs.SessionDialTimeout)
	defer cancel()
	conn, err := cm.dial(dialCtx, server.Transport, server.Address)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s refused connection: %v", ErrHandshakeRejected, server.Address, err)
		}
		if utils.IsNetworkUnreachable(err) {
			return nil, fmt.Errorf("%w: dialing %s: %v", ErrNetworkUnavailable, server.Address, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", server.Address, err)
	}
	session := newSession(server, conn, cm.clock, cm.settings, cm.board, cm.chunkTimeout)
	if err := cm.handshake(dialCtx, session); err != nil {
		session.Close(err)
		return nil, err
	}
	watcher := session.Watch(8)
	session.transition(entities.StatusWaiting)
	slog.Info("Handshake completed, waiting for first pong", "session", session.ID(), "server", server.Address, "identity", server.Identity)
	go session.readLoop()
	go session.heartbeat.Run()
	for {
		select {
		case <-ctx.Done():
			session.Close(ctx.Err())
			return nil, ctx.Err()
		case status, ok := <-watcher:
			if !ok || status == entities.StatusClosed {
				return nil, session.Err()
			}
			if status == entities.StatusLive {
				return session, nil
			}
		}
	}
}

// handshake 发送 Hello 并等待 Welcome
func (cm *ConnectionManager) handshake(ctx context.Context, session *Session) error {
	// 超时或者被取消时关闭连接，以解除阻塞的读取
	stop := context.AfterFunc(ctx, func() {
		session.conn.Close()
	})
	defer stop()
	deadline := time.Now().Add(configs.SessionDialTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := session.conn.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	hello := utils.Hello{
		Version:      constants.ProtocolVersion,
		Identity:     cm.identity,
		Capabilities: PanelCapabilities,
	}
	if err := session.send(constants.FrameHello, utils.EncodeHello(hello)); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	frame, err := session.conn.ReadFrame()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("handshake: %w", ctx.Err())
		}
		return fmt.Errorf("handshake: reading welcome: %w", err)
	}
	if frame.Type != constants.FrameWelcome {
		return fmt.Errorf("%w: expected welcome, got %s", ErrHandshakeRejected, constants.FrameTypeName(frame.Type))
	}
	welcome, err := utils.DecodeWelcome(frame.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	if welcome.Version != constants.ProtocolVersion {
		return fmt.Errorf("%w: protocol version %d, expected %d", ErrHandshakeRejected, welcome.Version, constants.ProtocolVersion)
	}
	if !welcome.Accepted {
		return fmt.Errorf("%w: %s", ErrHandshakeRejected, welcome.Reason)
	}
	session.capabilities = slices.Clone(welcome.Capabilities)
	return nil
}
