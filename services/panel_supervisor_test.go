package services

import (
	"context"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/constants"
)

// advanceUntil 不断推进假时钟，直到条件成立
func advanceUntil(t *testing.T, clock *clockwork.FakeClock, what string, cond func() bool) {
	t.Helper()
	waitFor(t, 3*time.Second, what, func() bool {
		if cond() {
			return true
		}
		clock.Advance(500 * time.Millisecond)
		return false
	})
}

// runSupervisor 在后台运行总控，测试结束时停止并等待其退出
func runSupervisor(t *testing.T, supervisor *PanelSupervisor) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		supervisor.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Error("supervisor did not stop")
		}
	})
}

// TestSupervisorWaitsForUnreachableNetwork 验证拨号时网络不可达会标记等待网络，能连通后清除
func TestSupervisorWaitsForUnreachableNetwork(t *testing.T) {
	clock := clockwork.NewFakeClock()
	board := NewScoreBoard()
	manager := NewConnectionManager("panel-test", clock, testHeartbeatSettings, board)
	manager.hasNetwork = func() bool { return true }
	var unreachable atomic.Bool
	unreachable.Store(true)
	manager.dial = func(ctx context.Context, transport string, address string) (FrameConn, error) {
		if unreachable.Load() {
			return nil, dialError(syscall.EHOSTUNREACH)
		}
		return nil, dialError(syscall.ECONNREFUSED)
	}
	supervisor := NewPanelSupervisor(nil, manager, openTestStore(t), board, clock)
	supervisor.hasNetwork = func() bool { return true }
	supervisor.SetStaticServer("192.0.2.10:45454", constants.TransportTCP)
	runSupervisor(t, supervisor)

	waitFor(t, 2*time.Second, "waiting for network", func() bool {
		return supervisor.LinkStatus().WaitingForNetwork
	})
	// 主机可达但拒绝连接，说明网络已经恢复
	unreachable.Store(false)
	advanceUntil(t, clock, "network recovered", func() bool {
		return !supervisor.LinkStatus().WaitingForNetwork
	})
}

// TestSupervisorNetworkMonitor 验证定时的网络接口检查会设置并清除等待网络
func TestSupervisorNetworkMonitor(t *testing.T) {
	clock := clockwork.NewFakeClock()
	board := NewScoreBoard()
	manager, _ := newFailingManager(true, dialError(syscall.ECONNREFUSED))
	var hasNetwork atomic.Bool
	supervisor := NewPanelSupervisor(nil, manager, openTestStore(t), board, clock)
	supervisor.hasNetwork = hasNetwork.Load
	supervisor.SetStaticServer(testServer.Address, constants.TransportTCP)
	runSupervisor(t, supervisor)

	waitFor(t, 2*time.Second, "waiting for network", func() bool {
		return supervisor.LinkStatus().WaitingForNetwork
	})
	hasNetwork.Store(true)
	advanceUntil(t, clock, "network available", func() bool {
		return !supervisor.LinkStatus().WaitingForNetwork
	})
	hasNetwork.Store(false)
	advanceUntil(t, clock, "network lost again", func() bool {
		return supervisor.LinkStatus().WaitingForNetwork
	})
}
