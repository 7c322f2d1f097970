package services

// 会话模块
// 会话由 ConnectionManager 创建和销毁，其他组件只持有只读引用并观察状态变化

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
)

// chunkReply 是文件请求的应答，Chunk 和 Failure 二选一
type chunkReply struct {
	Chunk   entities.FileChunk
	Failure *entities.FileError
}

// Session 是面板与一个记分台之间的会话
//
// 状态只能沿 Connecting -> Waiting -> Live -> {Stale -> Live | Closed} 前进，
// 一旦 Closed 就不会再复活，重新连接会创建新的会话
type Session struct {
	id       string
	server   entities.ServerAnnouncement
	conn     FrameConn
	clock    clockwork.Clock
	settings HeartbeatSettings
	// 记分台在握手时声明的能力
	capabilities []string

	mutex    sync.Mutex
	status   entities.SessionStatus
	lastPong time.Time
	watchers []chan entities.SessionStatus
	closeErr error

	closeOnce sync.Once
	done      chan struct{}

	// 按帧类型分发的处理函数表
	handlers  map[byte]func(frame entities.Frame)
	heartbeat *HeartbeatMonitor
	scores    *ScoreReceiver
	// 文件分块应答，同一时刻最多只有一个未完成的请求
	chunkReplies chan chunkReply
	// 最新的文件清单，只保留最后一份
	manifests    chan entities.Manifest
	chunkTimeout time.Duration
}

// newSession 创建一个处于 Connecting 状态的会话
func newSession(server entities.ServerAnnouncement, conn FrameConn, clock clockwork.Clock, settings HeartbeatSettings, board *ScoreBoard, chunkTimeout time.Duration) *Session {
	s := &Session{
		id:           uuid.NewString(),
		server:       server,
		conn:         conn,
		clock:        clock,
		settings:     settings,
		status:       entities.StatusConnecting,
		done:         make(chan struct{}),
		chunkReplies: make(chan chunkReply, 4),
		manifests:    make(chan entities.Manifest, 1),
		chunkTimeout: chunkTimeout,
	}
	s.heartbeat = NewHeartbeatMonitor(s, clock, settings)
	s.scores = NewScoreReceiver(s, board, clock, settings.PingInterval)
	s.handlers = map[byte]func(frame entities.Frame){
		constants.FramePong:      s.handlePong,
		constants.FrameManifest:  s.handleManifest,
		constants.FrameFileChunk: s.handleFileChunk,
		constants.FrameFileError: s.handleFileError,
		constants.FrameScore:     s.handleScore,
	}
	return s
}

// ID 返回会话的唯一标识
func (s *Session) ID() string {
	return s.id
}

// Server 返回会话所连接的记分台
func (s *Session) Server() entities.ServerAnnouncement {
	return s.server
}

// Capabilities 返回记分台在握手时声明的能力
func (s *Session) Capabilities() []string {
	return s.capabilities
}

// Status 返回会话当前状态
func (s *Session) Status() entities.SessionStatus {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.status
}

// LastPong 返回最近一次收到 pong 的时刻，还没收到过时为握手完成的时刻
func (s *Session) LastPong() time.Time {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.lastPong
}

// Done 返回会话关闭时会被关闭的通道
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err 返回会话关闭的原因，会话未关闭时返回 nil
func (s *Session) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.closeErr
}

// Manifests 返回记分台推送的文件清单，只会保留最新的一份
func (s *Session) Manifests() <-chan entities.Manifest {
	return s.manifests
}

// Watch 订阅会话状态变化
//
// 每次状态迁移都会尝试非阻塞地送入通道，缓冲区满时该次通知被丢弃。
// 会话关闭后通道会被关闭
func (s *Session) Watch(buffer int) <-chan entities.SessionStatus {
	ch := make(chan entities.SessionStatus, max(buffer, 1))
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.status == entities.StatusClosed {
		ch <- entities.StatusClosed
		close(ch)
		return ch
	}
	s.watchers = append(s.watchers, ch)
	return ch
}

// transition 迁移会话状态，不合法的迁移会被忽略并返回 false
func (s *Session) transition(to entities.SessionStatus) bool {
	if to == entities.StatusClosed {
		s.Close(nil)
		return true
	}
	s.mutex.Lock()
	if !entities.CanTransition(s.status, to) {
		s.mutex.Unlock()
		return false
	}
	from := s.status
	s.status = to
	if to == entities.StatusWaiting {
		s.lastPong = s.clock.Now()
	}
	s.notifyLocked(to)
	s.mutex.Unlock()
	slog.Debug("Session status changed", "session", s.id, "from", from.String(), "to", to.String())
	if to == entities.StatusLive {
		s.scores.Flush()
	}
	return true
}

// recordPong 记录收到 pong 的时刻，并把会话置为 Live
//
// 会话已关闭时返回 false
func (s *Session) recordPong(at time.Time) bool {
	s.mutex.Lock()
	if s.status == entities.StatusClosed {
		s.mutex.Unlock()
		return false
	}
	if at.After(s.lastPong) {
		s.lastPong = at
	}
	s.mutex.Unlock()
	s.transition(entities.StatusLive)
	return true
}

func (s *Session) notifyLocked(status entities.SessionStatus) {
	for _, watcher := range s.watchers {
		select {
		case watcher <- status:
		default:
		}
	}
}

// Close 关闭会话，可以重复调用，只有第一次调用生效
//
// 关闭会停止心跳、解除阻塞中的读取，并使进行中的文件传输中止
func (s *Session) Close(err error) {
	s.closeOnce.Do(func() {
		if err == nil {
			err = ErrSessionClosed
		}
		s.mutex.Lock()
		s.status = entities.StatusClosed
		s.closeErr = err
		s.notifyLocked(entities.StatusClosed)
		for _, watcher := range s.watchers {
			close(watcher)
		}
		s.watchers = nil
		s.mutex.Unlock()
		close(s.done)
		s.conn.Close()
		slog.Info("Session closed", "session", s.id, "server", s.server.Address, "reason", err)
	})
}

// send 发送一帧数据
func (s *Session) send(frameType byte, payload []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	if err := s.conn.WriteFrame(entities.Frame{Type: frameType, Payload: payload}); err != nil {
		return fmt.Errorf("sending %s frame: %w", constants.FrameTypeName(frameType), err)
	}
	return nil
}

// RequestManifest 请求记分台发送当前的文件清单
func (s *Session) RequestManifest() error {
	return s.send(constants.FrameManifestRequest, nil)
}

// RequestStatus 请求记分台发送当前的比分
func (s *Session) RequestStatus() error {
	return s.send(constants.FrameStatusRequest, nil)
}

// FetchChunk 向记分台请求一个文件分块，并等待应答
//
// 记分台返回错误时得到 *TransferError，会话关闭时得到 ErrSessionClosed
func (s *Session) FetchChunk(ctx context.Context, name string, offset int64, length int64) (entities.FileChunk, error) {
	// 丢掉之前被放弃的请求迟到的应答
	for {
		select {
		case <-s.chunkReplies:
			continue
		default:
		}
		break
	}
	request := entities.FileRequest{Name: name, Offset: offset, Length: length}
	if err := s.send(constants.FrameFileRequest, utils.EncodeFileRequest(request)); err != nil {
		return entities.FileChunk{}, err
	}
	timer := s.clock.NewTimer(s.chunkTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return entities.FileChunk{}, ctx.Err()
		case <-s.done:
			return entities.FileChunk{}, ErrSessionClosed
		case <-timer.Chan():
			return entities.FileChunk{}, &TransferError{Name: name, Reason: "chunk request timed out"}
		case reply := <-s.chunkReplies:
			if reply.Failure != nil {
				if reply.Failure.Name != name {
					continue
				}
				return entities.FileChunk{}, &TransferError{Name: name, Reason: reply.Failure.Reason}
			}
			if reply.Chunk.Name != name || reply.Chunk.Offset != offset {
				continue
			}
			return reply.Chunk, nil
		}
	}
}

// readLoop 持续读取会话帧并分发，直到会话关闭
//
// 每次读取的超时时间都不超过断开阈值，读取不会无限期阻塞
func (s *Session) readLoop() {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.settings.DisconnectThreshold)); err != nil {
			s.Close(fmt.Errorf("setting read deadline: %w", err))
			return
		}
		frame, err := s.conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				slog.Debug("Discarding malformed frame", "session", s.id, "error", err)
				continue
			}
			s.Close(fmt.Errorf("reading frame: %w", err))
			return
		}
		handler, ok := s.handlers[frame.Type]
		if !ok {
			slog.Debug("Ignoring unexpected frame", "session", s.id, "type", constants.FrameTypeName(frame.Type))
			continue
		}
		handler(frame)
	}
}

func (s *Session) handlePong(frame entities.Frame) {
	if len(frame.Payload) != constants.HeartbeatNonceSize {
		slog.Debug("Discarding malformed pong", "session", s.id, "size", len(frame.Payload))
		return
	}
	s.heartbeat.OnPong(s.clock.Now())
}

func (s *Session) handleManifest(frame entities.Frame) {
	manifest, err := utils.DecodeManifest(frame.Payload)
	if err != nil {
		slog.Warn("Discarding malformed manifest", "session", s.id, "error", fmt.Errorf("%w: %v", ErrMalformedFrame, err))
		return
	}
	// 新清单替换还没被处理的旧清单
	for {
		select {
		case s.manifests <- manifest:
			return
		default:
		}
		select {
		case <-s.manifests:
		default:
		}
	}
}

func (s *Session) handleFileChunk(frame entities.Frame) {
	chunk, err := utils.DecodeFileChunk(frame.Payload)
	if err != nil {
		slog.Debug("Discarding malformed file chunk", "session", s.id, "error", err)
		return
	}
	s.deliverChunkReply(chunkReply{Chunk: chunk})
}

func (s *Session) handleFileError(frame entities.Frame) {
	fileErr, err := utils.DecodeFileError(frame.Payload)
	if err != nil {
		slog.Debug("Discarding malformed file error", "session", s.id, "error", err)
		return
	}
	s.deliverChunkReply(chunkReply{Failure: &fileErr})
}

func (s *Session) deliverChunkReply(reply chunkReply) {
	select {
	case s.chunkReplies <- reply:
	default:
		slog.Debug("Dropping unexpected file reply", "session", s.id)
	}
}

func (s *Session) handleScore(frame entities.Frame) {
	if _, err := s.scores.OnMessage(frame.Payload); err != nil {
		slog.Debug("Discarding score frame", "session", s.id, "error", err)
	}
}
