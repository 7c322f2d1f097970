package services

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
)

var fastHeartbeatSettings = HeartbeatSettings{
	PingInterval:        50 * time.Millisecond,
	GraceWindow:         300 * time.Millisecond,
	DisconnectThreshold: time.Second,
}

var consoleFiles = map[string]string{
	"bg.png":   strings.Repeat("background ", 200),
	"logo.png": "logo",
}

// newTestConsole 创建一个资源目录中已有文件的记分台
func newTestConsole(t *testing.T, transport string) *ConsoleServer {
	t.Helper()
	store := openTestStore(t)
	for name, content := range consoleFiles {
		if err := os.WriteFile(filepath.Join(store.AssetDir(), name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	console := NewConsoleServer("console-e2e", transport, store)
	if _, err := console.RefreshManifest(); err != nil {
		t.Fatalf("RefreshManifest failed: %v", err)
	}
	return console
}

// serveTCP 在回环地址上启动记分台的 TCP 会话服务，返回服务地址
func serveTCP(t *testing.T, ctx context.Context, console *ConsoleServer) string {
	t.Helper()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	go console.ServeTCPListener(ctx, listener)
	return listener.Addr().String()
}

// exerciseSession 连接记分台并检查比分推送与文件同步
func exerciseSession(t *testing.T, ctx context.Context, console *ConsoleServer, server entities.ServerAnnouncement) {
	t.Helper()
	board := NewScoreBoard()
	manager := NewConnectionManager("panel-e2e", clockwork.NewRealClock(), fastHeartbeatSettings, board)
	session, err := manager.Connect(ctx, server)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer session.Close(nil)
	if session.Status() != entities.StatusLive {
		t.Fatalf("expected live session, got %s", session.Status())
	}
	if len(session.Capabilities()) == 0 {
		t.Error("expected console capabilities")
	}

	waitFor(t, 2*time.Second, "panel registered", func() bool {
		return console.Hub().NumConnections() == 1
	})
	console.PublishScore(entities.SportVolleyball, map[string]string{"team0": "Lions", "score0": "3"})
	waitFor(t, 2*time.Second, "score update", func() bool {
		latest := board.Latest()
		return latest != nil && latest.Sequence() == 1
	})
	if score, _ := board.Latest().Field("score0"); score != "3" {
		t.Errorf("expected score0 3, got %q", score)
	}

	if err := session.RequestManifest(); err != nil {
		t.Fatalf("RequestManifest failed: %v", err)
	}
	var manifest entities.Manifest
	select {
	case manifest = <-session.Manifests():
	case <-time.After(2 * time.Second):
		t.Fatal("no manifest received")
	}
	panelStore := openTestStore(t)
	synchronizer := NewFileSynchronizer(session, panelStore)
	synchronizer.chunkSize = 512
	report := synchronizer.Synchronize(ctx, manifest, scanStore(t, panelStore))
	assertOutcomes(t, report, entities.OutcomeUpdated, entities.OutcomeUpdated)
	for name, content := range consoleFiles {
		got, err := os.ReadFile(filepath.Join(panelStore.AssetDir(), name))
		if err != nil || string(got) != content {
			t.Errorf("%s: content mismatch (%v)", name, err)
		}
	}
	report = synchronizer.Synchronize(ctx, manifest, scanStore(t, panelStore))
	assertOutcomes(t, report, entities.OutcomeSkipped, entities.OutcomeSkipped)

	// 清单之外的文件请求得到错误应答
	if _, err := session.FetchChunk(ctx, "secret.txt", 0, 10); !errors.Is(err, ErrTransferFailed) {
		t.Errorf("expected ErrTransferFailed for unlisted file, got %v", err)
	}
	if session.Status() != entities.StatusLive {
		t.Errorf("session should still be live, got %s", session.Status())
	}
}

// TestEndToEndTCP 在 TCP 上完整运行一次面板与记分台的交互
func TestEndToEndTCP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	console := newTestConsole(t, constants.TransportTCP)
	address := serveTCP(t, ctx, console)
	exerciseSession(t, ctx, console, entities.ServerAnnouncement{
		Identity:        "console-e2e",
		Address:         address,
		ProtocolVersion: constants.ProtocolVersion,
		Transport:       constants.TransportTCP,
	})
}

// TestEndToEndWebSocket 在 WebSocket 上完整运行一次面板与记分台的交互
func TestEndToEndWebSocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	console := newTestConsole(t, constants.TransportWebSocket)
	server := httptest.NewServer(console.WebSocketHandler(ctx))
	defer server.Close()
	exerciseSession(t, ctx, console, entities.ServerAnnouncement{
		Identity:        "console-e2e",
		Address:         strings.TrimPrefix(server.URL, "http://"),
		ProtocolVersion: constants.ProtocolVersion,
		Transport:       constants.TransportWebSocket,
	})
}

// fakeConsole 接受一个连接，读取 Hello 后以给定的 Welcome 应答
func fakeConsole(t *testing.T, welcome utils.Welcome) string {
	t.Helper()
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listening: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		tcpConn, err := listener.AcceptTCP()
		if err != nil {
			return
		}
		conn := NewTCPFrameConn(tcpConn)
		defer conn.Close()
		frame, err := conn.ReadFrame()
		if err != nil || frame.Type != constants.FrameHello {
			return
		}
		conn.WriteFrame(entities.Frame{Type: constants.FrameWelcome, Payload: utils.EncodeWelcome(welcome)})
		// 等待对端关闭
		conn.ReadFrame()
	}()
	return listener.Addr().String()
}

// TestConnectRejected 验证记分台拒绝或版本不一致时得到 ErrHandshakeRejected
func TestConnectRejected(t *testing.T) {
	cases := map[string]utils.Welcome{
		"refused":          {Version: constants.ProtocolVersion, Identity: "console", Reason: "too many panels"},
		"version mismatch": {Version: constants.ProtocolVersion + 1, Identity: "console", Accepted: true},
	}
	for name, welcome := range cases {
		t.Run(name, func(t *testing.T) {
			address := fakeConsole(t, welcome)
			manager := NewConnectionManager("panel", clockwork.NewRealClock(), fastHeartbeatSettings, NewScoreBoard())
			_, err := manager.Connect(context.Background(), entities.ServerAnnouncement{Address: address, Transport: constants.TransportTCP})
			if !errors.Is(err, ErrHandshakeRejected) {
				t.Fatalf("expected ErrHandshakeRejected, got %v", err)
			}
		})
	}
}

// TestConnectRefused 验证端口拒绝连接时视为握手被拒
func TestConnectRefused(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	address := listener.Addr().String()
	listener.Close()
	manager := NewConnectionManager("panel", clockwork.NewRealClock(), fastHeartbeatSettings, NewScoreBoard())
	if _, err := manager.Connect(context.Background(), entities.ServerAnnouncement{Address: address, Transport: constants.TransportTCP}); !errors.Is(err, ErrHandshakeRejected) {
		t.Fatalf("expected ErrHandshakeRejected, got %v", err)
	}
}

// TestConsoleRejectsOldPanel 验证记分台以拒绝应答协议版本不同的 Hello
func TestConsoleRejectsOldPanel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	console := newTestConsole(t, constants.TransportTCP)
	address := serveTCP(t, ctx, console)

	conn, err := DialFrameConn(ctx, constants.TransportTCP, address)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	hello := utils.Hello{Version: constants.ProtocolVersion + 1, Identity: "panel-future"}
	if err := conn.WriteFrame(entities.Frame{Type: constants.FrameHello, Payload: utils.EncodeHello(hello)}); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := conn.ReadFrame()
	if err != nil || frame.Type != constants.FrameWelcome {
		t.Fatalf("expected welcome, got %v %v", frame.Type, err)
	}
	welcome, err := utils.DecodeWelcome(frame.Payload)
	if err != nil || welcome.Accepted || welcome.Reason == "" {
		t.Fatalf("expected refusal with reason, got %+v %v", welcome, err)
	}
	if console.Hub().NumConnections() != 0 {
		t.Error("rejected panel registered in hub")
	}
}

// TestSessionClosesWhenConsoleStops 验证记分台停止后会话被关闭，且关闭可被观察到
func TestSessionClosesWhenConsoleStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	consoleCtx, stopConsole := context.WithCancel(ctx)
	console := newTestConsole(t, constants.TransportTCP)
	address := serveTCP(t, consoleCtx, console)

	manager := NewConnectionManager("panel", clockwork.NewRealClock(), fastHeartbeatSettings, NewScoreBoard())
	session, err := manager.Connect(ctx, entities.ServerAnnouncement{Address: address, Transport: constants.TransportTCP})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	stopConsole()
	select {
	case <-session.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session not closed after console stopped")
	}
	if session.Status() != entities.StatusClosed || session.Err() == nil {
		t.Errorf("expected closed session with reason, got %s %v", session.Status(), session.Err())
	}
}

// TestSupervisorStaticServer 验证总控连接静态配置的记分台，同步文件并收到当前比分
func TestSupervisorStaticServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	console := newTestConsole(t, constants.TransportTCP)
	console.PublishScore(entities.SportBasketball, map[string]string{"score0": "40", "score1": "38"})
	address := serveTCP(t, ctx, console)

	board := NewScoreBoard()
	clock := clockwork.NewRealClock()
	manager := NewConnectionManager("panel", clock, fastHeartbeatSettings, board)
	panelStore := openTestStore(t)
	supervisor := NewPanelSupervisor(nil, manager, panelStore, board, clock)
	supervisor.SetStaticServer(address, constants.TransportTCP)

	done := make(chan struct{})
	go func() {
		defer close(done)
		supervisor.Run(ctx)
	}()

	waitFor(t, 3*time.Second, "live link", func() bool {
		return supervisor.LinkStatus().Status == entities.StatusLive
	})
	if supervisor.LinkStatus().Server != address {
		t.Errorf("unexpected server %q", supervisor.LinkStatus().Server)
	}
	waitFor(t, 3*time.Second, "current score", func() bool {
		latest := supervisor.LatestScore()
		return latest != nil && latest.Sport() == entities.SportBasketball
	})
	waitFor(t, 3*time.Second, "file sync", func() bool {
		report, ok := supervisor.LastSyncReport()
		return ok && len(report.Results) == len(consoleFiles) && report.Failed() == 0
	})

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
