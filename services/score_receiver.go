package services

// 比分接收模块

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
)

// 会话不在 Live 状态时最多缓存的比分帧数
const maxPendingScores = 64

// ScoreBoard 保存最新的比分快照，供显示端读取
//
// 会话重连后仍保留上一次的比分，显示端不会看到空白或错误的数据
type ScoreBoard struct {
	latest atomic.Pointer[entities.ScoreSnapshot]
}

// NewScoreBoard 创建一个空的比分板
func NewScoreBoard() *ScoreBoard {
	return &ScoreBoard{}
}

// Publish 发布一个新的快照
func (sb *ScoreBoard) Publish(snapshot *entities.ScoreSnapshot) {
	sb.latest.Store(snapshot)
}

// Latest 返回最新的快照，还没有任何比分时返回 nil
func (sb *ScoreBoard) Latest() *entities.ScoreSnapshot {
	return sb.latest.Load()
}

// sessionView 是比分接收端需要的会话只读视图
type sessionView interface {
	ID() string
	Status() entities.SessionStatus
}

type pendingScore struct {
	update     entities.ScoreUpdate
	receivedAt time.Time
}

// ScoreReceiver 把会话上收到的比分帧解码成快照
//
// 每个会话一个，序号必须严格递增，序号不大于已接受序号的帧会被丢弃
type ScoreReceiver struct {
	session sessionView
	board   *ScoreBoard
	clock   clockwork.Clock
	// 会话不在 Live 时比分帧最多缓存这么久
	bufferWindow time.Duration

	mutex sync.Mutex
	// 最近接受的序号，0 表示还没有接受过
	lastSequence uint64
	pending      []pendingScore
}

// NewScoreReceiver 创建比分接收端
//
// session: 所属会话
// board: 接受的快照会发布到这里
// clock: 时钟
// bufferWindow: 会话不在 Live 时的缓存时长，通常为一个心跳间隔
func NewScoreReceiver(session sessionView, board *ScoreBoard, clock clockwork.Clock, bufferWindow time.Duration) *ScoreReceiver {
	return &ScoreReceiver{
		session:      session,
		board:        board,
		clock:        clock,
		bufferWindow: bufferWindow,
	}
}

// OnMessage 处理一帧比分数据
//
// 返回新的快照；帧被缓存或因过期、重复而丢弃时返回 (nil, nil)；
// 帧无法解析时返回 ErrMalformedFrame，会话不受影响
func (sr *ScoreReceiver) OnMessage(payload []byte) (*entities.ScoreSnapshot, error) {
	update, err := utils.DecodeScoreUpdate(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	sr.mutex.Lock()
	defer sr.mutex.Unlock()
	if sr.session.Status() != entities.StatusLive {
		now := sr.clock.Now()
		sr.dropExpiredLocked(now)
		if len(sr.pending) >= maxPendingScores {
			sr.pending = sr.pending[1:]
		}
		sr.pending = append(sr.pending, pendingScore{update: update, receivedAt: now})
		return nil, nil
	}
	return sr.applyLocked(update), nil
}

// Flush 应用缓存中尚未过期的比分帧，会话回到 Live 时调用
func (sr *ScoreReceiver) Flush() {
	sr.mutex.Lock()
	defer sr.mutex.Unlock()
	sr.dropExpiredLocked(sr.clock.Now())
	slices.SortStableFunc(sr.pending, func(a, b pendingScore) int {
		switch {
		case a.update.Sequence < b.update.Sequence:
			return -1
		case a.update.Sequence > b.update.Sequence:
			return 1
		}
		return 0
	})
	for _, p := range sr.pending {
		sr.applyLocked(p.update)
	}
	sr.pending = nil
}

// LastSequence 返回最近接受的序号
func (sr *ScoreReceiver) LastSequence() uint64 {
	sr.mutex.Lock()
	defer sr.mutex.Unlock()
	return sr.lastSequence
}

func (sr *ScoreReceiver) applyLocked(update entities.ScoreUpdate) *entities.ScoreSnapshot {
	if update.Sequence <= sr.lastSequence {
		slog.Debug("Discarding stale score update", "session", sr.session.ID(), "sequence", update.Sequence, "last", sr.lastSequence)
		return nil
	}
	snapshot := entities.NewScoreSnapshot(sr.session.ID(), update.Sequence, update.Sport, update.Fields)
	sr.lastSequence = update.Sequence
	sr.board.Publish(snapshot)
	return snapshot
}

// dropExpiredLocked 丢弃缓存超过一个窗口的比分帧
func (sr *ScoreReceiver) dropExpiredLocked(now time.Time) {
	kept := sr.pending[:0]
	for _, p := range sr.pending {
		if now.Sub(p.receivedAt) <= sr.bufferWindow {
			kept = append(kept, p)
		}
	}
	sr.pending = kept
}
