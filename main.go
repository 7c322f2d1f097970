package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/services"
	"github.com/somebottle/scorepanel-link/utils"
)

const AppVersion = "1.0.0"

const (
	modePanel   = "panel"
	modeConsole = "console"
)

func main() {
	os.Exit(run())
}

// firstNonEmpty 返回第一个非空字符串
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// applyDuration 解析并应用一个时间间隔配置，为空时不做任何事
func applyDuration(name string, value string, set func(time.Duration)) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fmt.Errorf("invalid duration for '%s', should be like 3s or 500ms: %q", name, value)
	}
	set(d)
	return nil
}

func run() int {
	// 中断信号处理
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// 获得进程可执行文件目录，确保如日志的相对路径能正常解析
	executableDir, err := utils.GetExactExecutableDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get executable directory: %v\n", err)
		return 1
	}
	// .env 文件中的值会成为环境变量，已存在的环境变量不会被覆盖
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "Failed to load .env file: %v\n", err)
		return 1
	}

	// ------------ 读取配置，命令行参数 > 环境变量 > 配置文件 > 默认值
	mode := os.Getenv("SCOREPANEL_MODE")
	configPath := os.Getenv("SCOREPANEL_CONFIG")
	identity := os.Getenv("SCOREPANEL_IDENTITY")
	serverAddr := os.Getenv("SCOREPANEL_SERVER")
	transport := os.Getenv("SCOREPANEL_TRANSPORT")
	discoveryAddr := os.Getenv("SCOREPANEL_DISCOVERY_ADDR")
	discoveryPort := os.Getenv("SCOREPANEL_DISCOVERY_PORT")
	sessionPort := os.Getenv("SCOREPANEL_SESSION_PORT")
	probeIntervalStr := os.Getenv("SCOREPANEL_PROBE_INTERVAL")
	pingIntervalStr := os.Getenv("SCOREPANEL_PING_INTERVAL")
	graceWindowStr := os.Getenv("SCOREPANEL_GRACE_WINDOW")
	disconnectThresholdStr := os.Getenv("SCOREPANEL_DISCONNECT_THRESHOLD")
	reconnectDelayStr := os.Getenv("SCOREPANEL_RECONNECT_DELAY")
	assetDir := os.Getenv("SCOREPANEL_ASSET_DIR")
	inventoryDB := os.Getenv("SCOREPANEL_INVENTORY_DB")
	chunkSizeStr := os.Getenv("SCOREPANEL_CHUNK_SIZE")
	chunkTimeoutStr := os.Getenv("SCOREPANEL_CHUNK_TIMEOUT")
	pruneUnlistedStr := os.Getenv("SCOREPANEL_PRUNE_UNLISTED")
	logFilePath := os.Getenv("SCOREPANEL_LOG_FILE_PATH")
	logFileMaxSize := os.Getenv("SCOREPANEL_LOG_FILE_MAX_SIZE")
	logFileMaxHistorical := os.Getenv("SCOREPANEL_LOG_FILE_MAX_HISTORICAL")
	logDebug := os.Getenv("SCOREPANEL_LOG_DEBUG") == "1"
	workingDir := os.Getenv("SCOREPANEL_WORK_DIR")

	flag.StringVar(&mode, "mode", mode, "Run as 'panel' (display client) or 'console' (scoring server)")
	flag.StringVar(&configPath, "config", configPath, "YAML config file path")
	flag.StringVar(&identity, "identity", identity, "Identity announced to the other side (default: hostname for panels, random for consoles)")
	flag.StringVar(&serverAddr, "server", serverAddr, "Connect to this console (host:port) instead of discovering one")
	flag.StringVar(&transport, "transport", transport, "Session transport, 'tcp' or 'ws'")
	flag.StringVar(&discoveryAddr, "discovery-addr", discoveryAddr, "Discovery (multicast) address")
	flag.StringVar(&discoveryPort, "discovery-port", discoveryPort, "Discovery port")
	flag.StringVar(&sessionPort, "session-port", sessionPort, "Console session port")
	flag.StringVar(&probeIntervalStr, "probe-interval", probeIntervalStr, "Interval between discovery probes")
	flag.StringVar(&pingIntervalStr, "ping-interval", pingIntervalStr, "Interval between heartbeat pings")
	flag.StringVar(&graceWindowStr, "grace-window", graceWindowStr, "Time without pong before the link is considered stale")
	flag.StringVar(&disconnectThresholdStr, "disconnect-threshold", disconnectThresholdStr, "Time without pong before the session is closed")
	flag.StringVar(&reconnectDelayStr, "reconnect-delay", reconnectDelayStr, "Base delay before reconnecting")
	flag.StringVar(&assetDir, "asset-dir", assetDir, "Directory of display assets")
	flag.StringVar(&inventoryDB, "inventory-db", inventoryDB, "Fingerprint cache database path")
	flag.StringVar(&chunkSizeStr, "chunk-size", chunkSizeStr, "File transfer chunk size in bytes")
	flag.StringVar(&chunkTimeoutStr, "chunk-timeout", chunkTimeoutStr, "Time to wait for a single file chunk")
	flag.StringVar(&pruneUnlistedStr, "prune-unlisted", pruneUnlistedStr, "Remove local assets not listed in the manifest (true/false)")
	flag.BoolVar(&logDebug, "debug", logDebug, "Enable debug logging")
	flag.StringVar(&logFilePath, "log-file", logFilePath, "Log file path")
	flag.StringVar(&logFileMaxSize, "log-file-max-size", logFileMaxSize, "Log file max size in Bytes before rotation")
	flag.StringVar(&logFileMaxHistorical, "log-file-max-historical", logFileMaxHistorical, "Max number of historical log files to keep")
	flag.StringVar(&workingDir, "work-dir", workingDir, "Working directory (default to executable's directory)")
	// 开机自启选项
	var autoStart string
	flag.StringVar(&autoStart, "autostart", "", "Set auto start on login, options: 'enable', 'disable'")

	flag.Parse()

	// ------------ 切换工作目录
	if workingDir == "" {
		workingDir = executableDir
	}
	if err := os.Chdir(workingDir); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to change working directory to %s: %v\n", workingDir, err)
		return 1
	}

	// ------------ 配置文件
	fileConfig := &configs.FileConfig{}
	if configPath != "" {
		fileConfig, err = configs.LoadFile(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fileConfig.Apply()
		logDebug = logDebug || fileConfig.Log.Debug
	}
	mode = firstNonEmpty(mode, fileConfig.Mode, modePanel)
	identity = firstNonEmpty(identity, fileConfig.Identity)
	serverAddr = firstNonEmpty(serverAddr, fileConfig.Server)
	transport = firstNonEmpty(transport, configs.GetSessionTransport())
	discoveryAddr = firstNonEmpty(discoveryAddr, fileConfig.Discovery.Group, constants.DefaultDiscoveryGroupIPv4)
	discoveryPort = firstNonEmpty(discoveryPort, fileConfig.Discovery.Port, constants.DefaultDiscoveryPort)
	sessionPort = firstNonEmpty(sessionPort, fileConfig.Session.Port, constants.DefaultSessionPort)

	// ------------ 初始化全局日志记录器
	if logFilePath != "" {
		configs.SetLogFilePath(logFilePath)
	}
	if logFileMaxSize != "" {
		size, err := strconv.ParseInt(logFileMaxSize, 10, 64)
		if err != nil || size <= 0 {
			fmt.Fprintf(os.Stderr, "Invalid log file max size, should be a positive integer: %v\n", err)
			return 1
		}
		configs.SetLogMaxSizeBytes(size)
	}
	if logFileMaxHistorical != "" {
		count, err := strconv.ParseInt(logFileMaxHistorical, 10, 32)
		if err != nil || count < 0 {
			fmt.Fprintf(os.Stderr, "Invalid log file max historical count, should be a non-negative integer: %v\n", err)
			return 1
		}
		configs.SetLogMaxHistoricalFiles(int(count))
	}
	logLevel := slog.LevelInfo
	if logDebug {
		logLevel = slog.LevelDebug
	}
	logFileWriter, err := utils.NewLogWriter(configs.GetLogFilePath(), configs.GetLogMaxSizeBytes(), configs.GetLogMaxHistoricalFiles())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to set up log file writer: %v\n", err)
		return 1
	}
	defer logFileWriter.Close()
	// 同时写入 STDOUT 和日志文件
	logger := slog.New(slog.NewTextHandler(
		io.MultiWriter(logFileWriter, os.Stdout),
		&slog.HandlerOptions{
			Level: logLevel,
		},
	))
	slog.SetDefault(logger)

	slog.Info("Score panel link starting...", "version", AppVersion, "mode", mode)
	slog.Info("Working directory", "dir", workingDir)

	// ------------ 开机自启设置
	switch autoStart {
	case "enable", "disable":
		args := []string{"-mode", mode, "-work-dir", workingDir}
		if configPath != "" {
			args = append(args, "-config", configPath)
		}
		if err := utils.SetAutoStart(autoStart == "enable", args); err != nil {
			slog.Error("Failed to change autostart", "autostart", autoStart, "error", err)
			return 1
		}
		slog.Info("Autostart updated successfully", "autostart", autoStart)
		return 0
	case "":
	default:
		slog.Error("Invalid value for autostart option, should be 'enable', 'disable' or empty", "input", autoStart)
		return 1
	}

	// ------------ 数值配置
	for _, d := range []struct {
		name  string
		value string
		set   func(time.Duration)
	}{
		{"probe-interval", probeIntervalStr, configs.SetProbeInterval},
		{"ping-interval", pingIntervalStr, configs.SetPingInterval},
		{"grace-window", graceWindowStr, configs.SetGraceWindow},
		{"disconnect-threshold", disconnectThresholdStr, configs.SetDisconnectThreshold},
		{"reconnect-delay", reconnectDelayStr, configs.SetReconnectDelay},
		{"chunk-timeout", chunkTimeoutStr, configs.SetChunkTimeout},
	} {
		if err := applyDuration(d.name, d.value, d.set); err != nil {
			slog.Error("Invalid configuration", "error", err)
			return 1
		}
	}
	if chunkSizeStr != "" {
		size, err := strconv.ParseInt(chunkSizeStr, 10, 64)
		if err != nil || size <= 0 {
			slog.Error("Invalid value for 'chunk-size', should be a positive integer", "input", chunkSizeStr)
			return 1
		}
		configs.SetChunkSize(size)
	}
	if pruneUnlistedStr != "" {
		prune, err := strconv.ParseBool(pruneUnlistedStr)
		if err != nil {
			slog.Error("Invalid value for 'prune-unlisted', should be true or false", "input", pruneUnlistedStr)
			return 1
		}
		configs.SetPruneUnlisted(prune)
	}
	if assetDir != "" {
		configs.SetAssetDir(assetDir)
	}
	if inventoryDB != "" {
		configs.SetInventoryDBPath(inventoryDB)
	}
	if transport != constants.TransportTCP && transport != constants.TransportWebSocket {
		slog.Error("Invalid session transport, should be 'tcp' or 'ws'", "input", transport)
		return 1
	}
	configs.SetSessionTransport(transport)
	if err := configs.ValidateHeartbeatTiming(); err != nil {
		slog.Error("Invalid heartbeat timing", "error", err)
		return 1
	}
	if _, err := utils.IsIpv6(discoveryAddr); err != nil {
		slog.Error("Error parsing discovery address", "error", err)
		return 1
	}
	slog.Debug("Heartbeat timing", "pingInterval", configs.GetPingInterval(), "graceWindow", configs.GetGraceWindow(), "disconnectThreshold", configs.GetDisconnectThreshold())

	// ------------ 本地资源
	store, err := services.OpenInventoryStore(configs.GetInventoryDBPath(), configs.GetAssetDir())
	if err != nil {
		slog.Error("Failed to open inventory", "error", err)
		return 1
	}
	defer store.Close()

	switch mode {
	case modeConsole:
		if identity == "" {
			identity = "console-" + uuid.NewString()[:8]
		}
		slog.Info("Console identity", "identity", identity, "transport", transport, "sessionPort", sessionPort)
		consoleServer := services.NewConsoleServer(identity, transport, store)
		go func() {
			if err := services.FeedConsole(sigCtx, os.Stdin, consoleServer); err != nil {
				slog.Warn("Console input closed", "error", err)
			}
		}()
		if err := consoleServer.Run(sigCtx, discoveryAddr, discoveryPort, sessionPort); err != nil {
			slog.Error("Console exited with error", "error", err)
			return 1
		}
	case modePanel:
		if identity == "" {
			identity, _ = os.Hostname()
			identity = firstNonEmpty(identity, "panel-"+uuid.NewString()[:8])
		}
		slog.Info("Panel identity", "identity", identity)
		clock := clockwork.NewRealClock()
		board := services.NewScoreBoard()
		discoverer := services.NewDiscoverer(identity, discoveryAddr, discoveryPort, configs.GetProbeInterval(), clock)
		manager := services.NewConnectionManager(identity, clock, services.DefaultHeartbeatSettings(), board)
		supervisor := services.NewPanelSupervisor(discoverer, manager, store, board, clock)
		if serverAddr != "" {
			if _, _, err := net.SplitHostPort(serverAddr); err != nil {
				slog.Error("Invalid server address, should be host:port", "input", serverAddr, "error", err)
				return 1
			}
			supervisor.SetStaticServer(serverAddr, transport)
		}
		go reportPanelState(sigCtx, supervisor)
		if err := supervisor.Run(sigCtx); err != nil {
			slog.Error("Panel exited with error", "error", err)
			return 1
		}
	default:
		slog.Error("Invalid mode, should be 'panel' or 'console'", "input", mode)
		return 1
	}
	slog.Info("Shutting down gracefully...")
	return 0
}

// reportPanelState 在链路状态或比分变化时输出日志，显示端同样通过这几个只读接口获取状态
func reportPanelState(ctx context.Context, supervisor *services.PanelSupervisor) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastState entities.LinkState
	var lastSequence uint64
	var lastSession string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		state := supervisor.LinkStatus()
		if state != lastState {
			switch {
			case state.WaitingForNetwork:
				slog.Info("Display: waiting for a network connection")
			case state.Status == entities.StatusStale || state.Status == entities.StatusClosed:
				slog.Info("Display: waiting for connection", "status", state.Status.String(), "server", state.Server)
			default:
				slog.Info("Display: link status", "status", state.Status.String(), "server", state.Server)
			}
			lastState = state
		}
		snapshot := supervisor.LatestScore()
		if snapshot == nil || (snapshot.Sequence() == lastSequence && snapshot.SessionID() == lastSession) {
			continue
		}
		lastSequence, lastSession = snapshot.Sequence(), snapshot.SessionID()
		pairs := make([]string, 0, len(snapshot.FieldNames()))
		for _, name := range snapshot.FieldNames() {
			value, _ := snapshot.Field(name)
			pairs = append(pairs, name+"="+value)
		}
		slog.Info("Display: score", "sport", snapshot.Sport().String(), "sequence", snapshot.Sequence(), "fields", strings.Join(pairs, " "))
	}
}
