package services

import (
	"context"
	"errors"
	"net"
	"os"
	"sync/atomic"
	"syscall"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/entities"
)

// dialError 构造一个和真实拨号失败结构相同的错误
func dialError(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

// newFailingManager 创建拨号总是以给定错误失败的连接管理器，返回拨号次数计数
func newFailingManager(hasNetwork bool, dialErr error) (*ConnectionManager, *atomic.Int32) {
	manager := NewConnectionManager("panel-test", clockwork.NewFakeClock(), testHeartbeatSettings, NewScoreBoard())
	manager.hasNetwork = func() bool { return hasNetwork }
	dials := &atomic.Int32{}
	manager.dial = func(ctx context.Context, transport string, address string) (FrameConn, error) {
		dials.Add(1)
		return nil, dialErr
	}
	return manager, dials
}

// TestConnectWithoutInterface 验证没有可用网络接口时不拨号，直接返回 ErrNetworkUnavailable
func TestConnectWithoutInterface(t *testing.T) {
	manager, dials := newFailingManager(false, dialError(syscall.ECONNREFUSED))
	server := entities.ServerAnnouncement{Identity: "console", Address: "192.0.2.10:45454", ProtocolVersion: 1, Transport: "tcp"}

	_, err := manager.Connect(context.Background(), server)
	if !errors.Is(err, ErrNetworkUnavailable) {
		t.Fatalf("expected ErrNetworkUnavailable, got %v", err)
	}
	if dials.Load() != 0 {
		t.Errorf("expected no dial attempt, got %d", dials.Load())
	}
}

// TestConnectLoopbackWithoutInterface 验证回环地址不受网络接口检查影响
func TestConnectLoopbackWithoutInterface(t *testing.T) {
	manager, dials := newFailingManager(false, dialError(syscall.ECONNREFUSED))

	_, err := manager.Connect(context.Background(), testServer)
	if !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected ErrHandshakeRejected, got %v", err)
	}
	if dials.Load() != 1 {
		t.Errorf("expected one dial attempt, got %d", dials.Load())
	}
}

// TestConnectUnreachable 验证网络不可达的拨号错误被归类为 ErrNetworkUnavailable
func TestConnectUnreachable(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ENETUNREACH, syscall.EHOSTUNREACH, syscall.ENETDOWN} {
		manager, _ := newFailingManager(true, dialError(errno))
		server := entities.ServerAnnouncement{Identity: "console", Address: "[2001:db8::1]:45454", ProtocolVersion: 1, Transport: "tcp"}

		_, err := manager.Connect(context.Background(), server)
		if !errors.Is(err, ErrNetworkUnavailable) {
			t.Errorf("%v: expected ErrNetworkUnavailable, got %v", errno, err)
		}
		if errors.Is(err, ErrHandshakeRejected) {
			t.Errorf("%v: unreachable network should not count as a rejection", errno)
		}
	}
}

// TestConnectOtherDialError 验证其他拨号错误既不是拒绝也不是网络不可用
func TestConnectOtherDialError(t *testing.T) {
	dialErr := errors.New("i/o timeout")
	manager, _ := newFailingManager(true, dialErr)

	_, err := manager.Connect(context.Background(), testServer)
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected wrapped dial error, got %v", err)
	}
	if errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, ErrHandshakeRejected) {
		t.Errorf("unexpected classification of %v", err)
	}
}
