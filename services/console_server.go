package services

// 记分台服务模块，包括会话服务的启动、面板连接的处理和维持、比分与文件清单的推送

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
)

// ConsoleCapabilities 是记分台在握手时声明的能力
var ConsoleCapabilities = []string{"score", "files"}

// ConsoleServer 是记分台一侧的服务
//
// 它应答发现探测，接受面板会话，并向所有面板推送比分和文件清单
type ConsoleServer struct {
	identity  string
	transport string
	store     *InventoryStore
	hub       *PanelHub
	// 公告中声明的会话端口，服务开始监听后才有值
	announcedPort atomic.Uint32

	mutex    sync.Mutex
	sequence uint64
	latest   *entities.ScoreUpdate
	manifest entities.Manifest
}

// NewConsoleServer 创建记分台服务
//
// identity: 记分台标识
// transport: 会话传输方式
// store: 资源目录清点，文件清单由它生成
func NewConsoleServer(identity string, transport string, store *InventoryStore) *ConsoleServer {
	return &ConsoleServer{
		identity:  identity,
		transport: transport,
		store:     store,
		hub:       NewPanelHub(),
	}
}

// Hub 返回面板连接管理器
func (cs *ConsoleServer) Hub() *PanelHub {
	return cs.hub
}

// announcement 返回发现应答中的公告
func (cs *ConsoleServer) announcement() entities.DiscoveryDatagram {
	return entities.DiscoveryDatagram{
		Type:      constants.DiscoveryTypeAnnounce,
		Identity:  cs.identity,
		Version:   constants.ProtocolVersion,
		Port:      uint16(cs.announcedPort.Load()),
		Transport: cs.transport,
	}
}

// Run 启动发现应答和会话服务，阻塞直到 ctx 结束或者出现致命错误
//
// discoveryAddr: 发现组地址
// discoveryPort: 发现端口
// sessionPort: 会话服务端口
func (cs *ConsoleServer) Run(ctx context.Context, discoveryAddr string, discoveryPort string, sessionPort string) error {
	if _, err := cs.RefreshManifest(); err != nil {
		return err
	}
	port, err := strconv.Atoi(sessionPort)
	if err != nil {
		return fmt.Errorf("invalid session port: %v", err)
	}
	// 致命错误通道
	errChan := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if cs.transport == constants.TransportWebSocket {
			cs.setUpWebSocketServer(ctx, port, errChan)
		} else {
			cs.setUpTCPServer(ctx, port, errChan)
		}
	}()
	go func() {
		defer wg.Done()
		cs.runDiscoveryResponder(ctx, discoveryAddr, discoveryPort, errChan)
	}()
	defer func() {
		cs.hub.Close()
		wg.Wait()
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-errChan:
		return err
	}
}

// setUpTCPServer 启动 TCP 会话服务，监听器出错时重启
func (cs *ConsoleServer) setUpTCPServer(ctx context.Context, port int, errChan chan<- error) {
	for {
		tcpListener, err := net.ListenTCP("tcp", &net.TCPAddr{Port: port})
		if err != nil {
			errChan <- fmt.Errorf("listening on session port %d: %w", port, err)
			return
		}
		err = cs.ServeTCPListener(ctx, tcpListener)
		if ctx.Err() != nil {
			return
		}
		slog.Info("Restarting TCP Server", "previousError", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(configs.TCPServerRestartInterval):
		}
	}
}

// ServeTCPListener 在监听器上接受面板连接，直到 ctx 结束
func (cs *ConsoleServer) ServeTCPListener(ctx context.Context, tcpListener *net.TCPListener) error {
	// 用于通知中断监听协程退出的管道
	listenerDone := make(chan struct{})
	defer func() {
		close(listenerDone)
		tcpListener.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			// 接到退出信号，关闭监听器，终止服务
			tcpListener.Close()
		case <-listenerDone:
		}
	}()
	cs.announcedPort.Store(uint32(tcpListener.Addr().(*net.TCPAddr).Port))
	slog.Info("TCP Server listening", "address", tcpListener.Addr().String())
	for {
		tcpListener.SetDeadline(time.Now().Add(configs.TCPAcceptTimeout))
		conn, err := tcpListener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				slog.Debug("TCP Server exiting gracefully")
				return nil
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			return err
		}
		slog.Info("Accepted TCP connection", "remoteAddr", conn.RemoteAddr().String())
		go cs.handlePanel(ctx, NewTCPFrameConn(conn))
	}
}

// WebSocketHandler 返回处理面板 WebSocket 会话的 HTTP 处理器
func (cs *ConsoleServer) WebSocketHandler(ctx context.Context) http.Handler {
	upgrader := websocket.Upgrader{
		HandshakeTimeout: configs.SessionDialTimeout,
		// 面板不是浏览器，不校验来源
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	mux := http.NewServeMux()
	mux.HandleFunc(constants.WebSocketPanelPath, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Debug("WebSocket upgrade failed", "remoteAddr", r.RemoteAddr, "error", err)
			return
		}
		slog.Info("Accepted WebSocket connection", "remoteAddr", conn.RemoteAddr().String())
		cs.handlePanel(ctx, NewWebSocketFrameConn(conn))
	})
	return mux
}

// setUpWebSocketServer 启动 WebSocket 会话服务
func (cs *ConsoleServer) setUpWebSocketServer(ctx context.Context, port int, errChan chan<- error) {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		errChan <- fmt.Errorf("listening on session port %d: %w", port, err)
		return
	}
	cs.announcedPort.Store(uint32(listener.Addr().(*net.TCPAddr).Port))
	server := &http.Server{
		Handler:           cs.WebSocketHandler(ctx),
		ReadHeaderTimeout: configs.SessionDialTimeout,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), configs.SessionWriteTimeout)
		defer cancel()
		server.Shutdown(shutdownCtx)
	})
	defer stop()
	slog.Info("WebSocket Server listening", "address", listener.Addr().String(), "path", constants.WebSocketPanelPath)
	if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- err
	}
}

// handlePanel 处理并维护单个面板连接
func (cs *ConsoleServer) handlePanel(ctx context.Context, conn FrameConn) {
	// 用来向中断信号监听协程发送退出信号的管道
	handlerDone := make(chan struct{})
	defer func() {
		close(handlerDone)
		conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-handlerDone:
		}
	}()
	sendChan, ok := cs.acceptPanel(conn)
	if !ok {
		return
	}
	defer cs.hub.RemoveConnection(conn)
	// 广播发送协程
	go func() {
		for frame := range sendChan {
			if err := conn.WriteFrame(frame); err != nil {
				slog.Debug("Failed to send frame to panel", "remoteAddr", conn.RemoteAddr().String(), "error", err)
				conn.Close()
				return
			}
		}
	}()
	for {
		conn.SetReadDeadline(time.Now().Add(configs.GetDisconnectThreshold()))
		frame, err := conn.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				continue
			}
			if ctx.Err() == nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				slog.Debug("Panel connection read failed", "remoteAddr", conn.RemoteAddr().String(), "error", err)
			}
			slog.Info("Panel disconnected", "remoteAddr", conn.RemoteAddr().String())
			return
		}
		if err := cs.handlePanelFrame(conn, frame); err != nil {
			slog.Debug("Failed to answer panel", "remoteAddr", conn.RemoteAddr().String(), "type", constants.FrameTypeName(frame.Type), "error", err)
		}
	}
}

// acceptPanel 完成握手并把连接加入管理器
func (cs *ConsoleServer) acceptPanel(conn FrameConn) (<-chan entities.Frame, bool) {
	conn.SetReadDeadline(time.Now().Add(configs.SessionDialTimeout))
	frame, err := conn.ReadFrame()
	if err != nil || frame.Type != constants.FrameHello {
		slog.Debug("Panel did not say hello", "remoteAddr", conn.RemoteAddr().String(), "error", err)
		return nil, false
	}
	hello, err := utils.DecodeHello(frame.Payload)
	if err != nil {
		slog.Debug("Malformed hello from panel", "remoteAddr", conn.RemoteAddr().String(), "error", err)
		return nil, false
	}
	reject := func(reason string) {
		slog.Warn("Rejecting panel", "remoteAddr", conn.RemoteAddr().String(), "identity", hello.Identity, "reason", reason)
		welcome := utils.Welcome{Version: constants.ProtocolVersion, Identity: cs.identity, Reason: reason}
		conn.WriteFrame(entities.Frame{Type: constants.FrameWelcome, Payload: utils.EncodeWelcome(welcome)})
	}
	if hello.Version != constants.ProtocolVersion {
		reject(fmt.Sprintf("unsupported protocol version %d", hello.Version))
		return nil, false
	}
	sendChan, err := cs.hub.AddConnection(conn)
	if err != nil {
		reject(err.Error())
		return nil, false
	}
	welcome := utils.Welcome{
		Version:      constants.ProtocolVersion,
		Identity:     cs.identity,
		Accepted:     true,
		Capabilities: ConsoleCapabilities,
	}
	if err := conn.WriteFrame(entities.Frame{Type: constants.FrameWelcome, Payload: utils.EncodeWelcome(welcome)}); err != nil {
		cs.hub.RemoveConnection(conn)
		return nil, false
	}
	slog.Info("Panel joined", "remoteAddr", conn.RemoteAddr().String(), "identity", hello.Identity, "panels", cs.hub.NumConnections())
	return sendChan, true
}

// handlePanelFrame 应答面板发来的一帧
func (cs *ConsoleServer) handlePanelFrame(conn FrameConn, frame entities.Frame) error {
	switch frame.Type {
	case constants.FramePing:
		return conn.WriteFrame(entities.Frame{Type: constants.FramePong, Payload: frame.Payload})
	case constants.FrameManifestRequest:
		return conn.WriteFrame(entities.Frame{Type: constants.FrameManifest, Payload: utils.EncodeManifest(cs.currentManifest())})
	case constants.FrameStatusRequest:
		cs.mutex.Lock()
		latest := cs.latest
		cs.mutex.Unlock()
		if latest == nil {
			return nil
		}
		return conn.WriteFrame(entities.Frame{Type: constants.FrameScore, Payload: utils.EncodeScoreUpdate(*latest)})
	case constants.FrameFileRequest:
		request, err := utils.DecodeFileRequest(frame.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		chunk, err := cs.readChunk(request)
		if err != nil {
			fileErr := entities.FileError{Name: request.Name, Reason: err.Error()}
			return conn.WriteFrame(entities.Frame{Type: constants.FrameFileError, Payload: utils.EncodeFileError(fileErr)})
		}
		return conn.WriteFrame(entities.Frame{Type: constants.FrameFileChunk, Payload: utils.EncodeFileChunk(chunk)})
	default:
		slog.Debug("Ignoring unexpected frame from panel", "type", constants.FrameTypeName(frame.Type))
		return nil
	}
}

// readChunk 读取清单中某个文件的一个分块
func (cs *ConsoleServer) readChunk(request entities.FileRequest) (entities.FileChunk, error) {
	if !utils.IsPlainFileName(request.Name) || !cs.currentManifest().Names()[request.Name] {
		return entities.FileChunk{}, errors.New("file not in manifest")
	}
	if request.Offset < 0 || request.Length <= 0 {
		return entities.FileChunk{}, errors.New("invalid chunk range")
	}
	file, err := os.Open(filepath.Join(cs.store.AssetDir(), request.Name))
	if err != nil {
		return entities.FileChunk{}, errors.New("file unavailable")
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return entities.FileChunk{}, errors.New("file unavailable")
	}
	length := min(request.Length, configs.MaxChunkSize, max(info.Size()-request.Offset, 0))
	data := make([]byte, length)
	n, err := file.ReadAt(data, request.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return entities.FileChunk{}, errors.New("read error")
	}
	return entities.FileChunk{
		Name:      request.Name,
		Offset:    request.Offset,
		TotalSize: info.Size(),
		Data:      data[:n],
	}, nil
}

func (cs *ConsoleServer) currentManifest() entities.Manifest {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()
	return cs.manifest
}

// RefreshManifest 重新清点资源目录，生成按文件名排序的清单
func (cs *ConsoleServer) RefreshManifest() (entities.Manifest, error) {
	inventory, err := cs.store.Scan()
	if err != nil {
		return entities.Manifest{}, err
	}
	names := make([]string, 0, len(inventory))
	for name := range inventory {
		names = append(names, name)
	}
	slices.Sort(names)
	manifest := entities.Manifest{Entries: make([]entities.FileManifestEntry, 0, len(names))}
	for _, name := range names {
		manifest.Entries = append(manifest.Entries, entities.FileManifestEntry{Name: name, Fingerprint: inventory[name]})
	}
	cs.mutex.Lock()
	cs.manifest = manifest
	cs.mutex.Unlock()
	return manifest, nil
}

// PushManifest 重新生成清单并推送给所有面板
func (cs *ConsoleServer) PushManifest() error {
	manifest, err := cs.RefreshManifest()
	if err != nil {
		return err
	}
	cs.hub.Broadcast(entities.Frame{Type: constants.FrameManifest, Payload: utils.EncodeManifest(manifest)})
	slog.Info("Pushed manifest", "files", len(manifest.Entries), "panels", cs.hub.NumConnections())
	return nil
}

// PublishScore 发布一次比分更新，序号自动递增
func (cs *ConsoleServer) PublishScore(sport entities.Sport, fields map[string]string) entities.ScoreUpdate {
	cs.mutex.Lock()
	cs.sequence++
	update := entities.ScoreUpdate{
		Sequence: cs.sequence,
		Sport:    sport,
		Fields:   entities.NewScoreSnapshot("", cs.sequence, sport, fields).Fields(),
	}
	cs.latest = &update
	cs.mutex.Unlock()
	cs.hub.Broadcast(entities.Frame{Type: constants.FrameScore, Payload: utils.EncodeScoreUpdate(update)})
	return update
}
