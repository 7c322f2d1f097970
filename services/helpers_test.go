package services

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/entities"
)

// mockFrameConn 是内存中的帧连接，写入的帧被记录下来，读取的帧由测试注入
type mockFrameConn struct {
	mutex   sync.Mutex
	written []entities.Frame
	inbound chan entities.Frame
	closed  chan struct{}
	once    sync.Once
}

func newMockFrameConn() *mockFrameConn {
	return &mockFrameConn{
		inbound: make(chan entities.Frame, 16),
		closed:  make(chan struct{}),
	}
}

func (mc *mockFrameConn) ReadFrame() (entities.Frame, error) {
	select {
	case frame := <-mc.inbound:
		return frame, nil
	case <-mc.closed:
		return entities.Frame{}, net.ErrClosed
	}
}

func (mc *mockFrameConn) WriteFrame(frame entities.Frame) error {
	select {
	case <-mc.closed:
		return net.ErrClosed
	default:
	}
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	mc.written = append(mc.written, frame)
	return nil
}

func (mc *mockFrameConn) SetReadDeadline(t time.Time) error {
	return nil
}

func (mc *mockFrameConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 45454}
}

func (mc *mockFrameConn) Close() error {
	mc.once.Do(func() { close(mc.closed) })
	return nil
}

// countWritten 返回已写出的某种类型的帧数
func (mc *mockFrameConn) countWritten(frameType byte) int {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	n := 0
	for _, frame := range mc.written {
		if frame.Type == frameType {
			n++
		}
	}
	return n
}

// lastWritten 返回最后写出的帧
func (mc *mockFrameConn) lastWritten() (entities.Frame, bool) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	if len(mc.written) == 0 {
		return entities.Frame{}, false
	}
	return mc.written[len(mc.written)-1], true
}

var testHeartbeatSettings = HeartbeatSettings{
	PingInterval:        5 * time.Second,
	GraceWindow:         12 * time.Second,
	DisconnectThreshold: 20 * time.Second,
}

var testServer = entities.ServerAnnouncement{
	Identity:        "console-test",
	Address:         "127.0.0.1:45454",
	ProtocolVersion: 1,
	Transport:       "tcp",
}

// newTestSession 创建一个挂在内存连接上的会话
func newTestSession(clock clockwork.Clock) (*Session, *mockFrameConn, *ScoreBoard) {
	conn := newMockFrameConn()
	board := NewScoreBoard()
	session := newSession(testServer, conn, clock, testHeartbeatSettings, board, 5*time.Second)
	return session, conn, board
}

// waitFor 在 timeout 内反复检查条件，超时则测试失败
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitForStatus 等待会话进入指定状态
func waitForStatus(t *testing.T, session *Session, status entities.SessionStatus) {
	t.Helper()
	waitFor(t, 2*time.Second, "status "+status.String(), func() bool {
		return session.Status() == status
	})
}

var errTestFetch = errors.New("fetch failed")
