package services

// 面板侧的总控模块
// 发现记分台、建立会话、同步文件、接收比分，会话断开后自动从头再来

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
)

// PanelSupervisor 持有面板当前的会话，并向显示端提供只读的状态
type PanelSupervisor struct {
	discoverer *Discoverer
	manager    *ConnectionManager
	store      *InventoryStore
	board      *ScoreBoard
	clock      clockwork.Clock
	// 静态配置的记分台，设置后不再进行发现
	staticServer *entities.ServerAnnouncement
	// 有新的候选记分台时通知主循环
	candidateSignal chan struct{}
	// 判断本机是否有可用网络接口
	hasNetwork func() bool

	mutex   sync.Mutex
	session *Session
	// 定时检查或者发现时发现没有可用网络接口
	networkDown bool
	// 最近一次拨号因网络不可达失败
	dialUnreachable bool
	lastReport      *entities.SyncReport
}

// NewPanelSupervisor 创建面板总控
func NewPanelSupervisor(discoverer *Discoverer, manager *ConnectionManager, store *InventoryStore, board *ScoreBoard, clock clockwork.Clock) *PanelSupervisor {
	return &PanelSupervisor{
		discoverer:      discoverer,
		manager:         manager,
		store:           store,
		board:           board,
		clock:           clock,
		candidateSignal: make(chan struct{}, 1),
		hasNetwork:      utils.HasUsableInterface,
	}
}

// SetStaticServer 指定固定的记分台地址，跳过发现
//
// address: host:port 形式的会话服务地址
// transport: 会话传输方式
func (ps *PanelSupervisor) SetStaticServer(address string, transport string) {
	ps.staticServer = &entities.ServerAnnouncement{
		Identity:        address,
		Address:         address,
		ProtocolVersion: constants.ProtocolVersion,
		Transport:       transport,
	}
}

// LinkStatus 返回当前的链路状态
//
// 会话 Live 时网络显然可用，此时不报告等待网络
func (ps *PanelSupervisor) LinkStatus() entities.LinkState {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	state := entities.LinkState{Status: entities.StatusClosed}
	if ps.session != nil {
		state.Status = ps.session.Status()
		state.Server = ps.session.Server().Address
	}
	state.WaitingForNetwork = (ps.networkDown || ps.dialUnreachable) && state.Status != entities.StatusLive
	return state
}

// LatestScore 返回最新的比分快照，还没有时返回 nil
func (ps *PanelSupervisor) LatestScore() *entities.ScoreSnapshot {
	return ps.board.Latest()
}

// LastSyncReport 返回最近一次文件同步的结果
func (ps *PanelSupervisor) LastSyncReport() (entities.SyncReport, bool) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	if ps.lastReport == nil {
		return entities.SyncReport{}, false
	}
	return *ps.lastReport, true
}

// Session 返回当前会话，没有时返回 nil
func (ps *PanelSupervisor) Session() *Session {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	return ps.session
}

// setNetworkDown 记录网络接口是否可用，返回状态是否有变化
func (ps *PanelSupervisor) setNetworkDown(down bool) bool {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	changed := ps.networkDown != down
	ps.networkDown = down
	return changed
}

func (ps *PanelSupervisor) setDialUnreachable(unreachable bool) {
	ps.mutex.Lock()
	defer ps.mutex.Unlock()
	ps.dialUnreachable = unreachable
}

// Run 运行面板，直到 ctx 结束
func (ps *PanelSupervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ps.runNetworkMonitor(ctx)
	}()
	if ps.staticServer == nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ps.runDiscovery(ctx)
		}()
	}
	defer wg.Wait()
	for ctx.Err() == nil {
		candidates := ps.candidates()
		if len(candidates) == 0 {
			select {
			case <-ctx.Done():
			case <-ps.candidateSignal:
			case <-ps.clock.After(configs.GetProbeInterval()):
			}
			continue
		}
		for _, candidate := range candidates {
			session, err := ps.manager.Connect(ctx, candidate)
			ps.setDialUnreachable(errors.Is(err, ErrNetworkUnavailable))
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, ErrNetworkUnavailable) {
					// 换一个候选也无济于事
					slog.Info("Waiting for a network connection", "address", candidate.Address, "error", err)
					break
				}
				if errors.Is(err, ErrHandshakeRejected) {
					slog.Warn("Score console rejected the panel, trying next candidate", "identity", candidate.Identity, "address", candidate.Address, "error", err)
				} else {
					slog.Warn("Failed to connect to score console", "identity", candidate.Identity, "address", candidate.Address, "error", err)
				}
				continue
			}
			ps.runSession(ctx, session)
			break
		}
		delay := utils.Jitter(configs.GetReconnectDelay())
		slog.Info("Reconnecting", "delay", delay)
		select {
		case <-ctx.Done():
		case <-ps.clock.After(delay):
		}
	}
	return nil
}

// candidates 返回本轮要尝试的记分台
func (ps *PanelSupervisor) candidates() []entities.ServerAnnouncement {
	if ps.staticServer != nil {
		return []entities.ServerAnnouncement{*ps.staticServer}
	}
	return ps.discoverer.Candidates().Candidates()
}

// runDiscovery 在整个进程生命周期内持续发现记分台，会话 Live 时也不停止
func (ps *PanelSupervisor) runDiscovery(ctx context.Context) {
	for ctx.Err() == nil {
		announcements, err := ps.discoverer.Discover(ctx)
		if err != nil {
			if errors.Is(err, ErrNetworkUnavailable) {
				ps.setNetworkDown(true)
				slog.Info("Waiting for a network connection", "error", err)
			} else {
				slog.Error("Discovery failed", "error", err)
			}
			select {
			case <-ctx.Done():
			case <-ps.clock.After(configs.NetworkCheckInterval):
			}
			continue
		}
		for range announcements {
			select {
			case ps.candidateSignal <- struct{}{}:
			default:
			}
		}
		// 通道关闭但 ctx 未结束，说明套接字出错，稍后重新开始
		select {
		case <-ctx.Done():
		case <-ps.clock.After(configs.NetworkCheckInterval):
		}
	}
}

// runNetworkMonitor 定时检查本机网络接口，网络断开或恢复时更新链路状态
func (ps *PanelSupervisor) runNetworkMonitor(ctx context.Context) {
	ticker := ps.clock.NewTicker(configs.NetworkCheckInterval)
	defer ticker.Stop()
	for {
		down := !ps.hasNetwork()
		if ps.setNetworkDown(down) {
			if down {
				slog.Info("No usable network interface, waiting for a network connection")
			} else {
				slog.Info("Network connection is available")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

// runSession 在会话的生命周期内处理清单推送，直到会话关闭
func (ps *PanelSupervisor) runSession(ctx context.Context, session *Session) {
	ps.mutex.Lock()
	ps.session = session
	ps.mutex.Unlock()
	slog.Info("Session is live", "session", session.ID(), "server", session.Server().Address, "identity", session.Server().Identity)
	if err := session.RequestStatus(); err != nil {
		slog.Debug("Failed to request score status", "error", err)
	}
	if err := session.RequestManifest(); err != nil {
		slog.Debug("Failed to request manifest", "error", err)
	}
	synchronizer := NewFileSynchronizer(session, ps.store)
	startedAt := ps.clock.Now()
	for {
		select {
		case <-ctx.Done():
			session.Close(ctx.Err())
			return
		case <-session.Done():
			slog.Warn("Session ended", "session", session.ID(), "duration", ps.clock.Since(startedAt).Round(time.Second), "error", session.Err())
			return
		case manifest := <-session.Manifests():
			inventory, err := ps.store.Scan()
			if err != nil {
				slog.Error("Failed to scan local files", "error", err)
				continue
			}
			report := synchronizer.Synchronize(ctx, manifest, inventory)
			ps.mutex.Lock()
			ps.lastReport = &report
			ps.mutex.Unlock()
		}
	}
}
