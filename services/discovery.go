package services

// 记分台发现模块
// 面板定时向发现组播组发送探测包，记分台以单播公告应答

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
)

// Discoverer 负责在局域网中发现记分台
type Discoverer struct {
	// 面板自身的标识，写在探测包中
	identity string
	// 发现组地址，可以是组播地址，也可以是单播地址 (例如测试时的回环地址)
	groupAddr string
	groupPort string
	// 探测包发送间隔
	probeInterval time.Duration
	clock         clockwork.Clock
	candidates    *CandidateSet

	warnMutex sync.Mutex
	// 已经警告过的不兼容记分台 identity -> 协议版本
	warnedIncompatible map[string]int
}

// NewDiscoverer 创建发现器
//
// identity: 面板标识
// groupAddr: 发现组地址
// groupPort: 发现端口
// probeInterval: 探测包发送间隔
// clock: 时钟
func NewDiscoverer(identity string, groupAddr string, groupPort string, probeInterval time.Duration, clock clockwork.Clock) *Discoverer {
	return &Discoverer{
		identity:      identity,
		groupAddr:     groupAddr,
		groupPort:     groupPort,
		probeInterval: probeInterval,
		clock:         clock,
		candidates:    NewCandidateSet(clock, 3*probeInterval),

		warnedIncompatible: make(map[string]int),
	}
}

// Candidates 返回发现器维护的候选集合
func (d *Discoverer) Candidates() *CandidateSet {
	return d.candidates
}

// Discover 开始发现记分台，新出现或信息有变化的候选会从返回的通道中送出
//
// 通道在 ctx 结束或者套接字出错时关闭，之后可以再次调用 Discover 重新开始。
// 没有可用网络接口或者套接字无法打开时返回 ErrNetworkUnavailable
func (d *Discoverer) Discover(ctx context.Context) (<-chan entities.ServerAnnouncement, error) {
	groupIP := net.ParseIP(d.groupAddr)
	if groupIP == nil {
		return nil, fmt.Errorf("invalid discovery address %q", d.groupAddr)
	}
	port, err := strconv.Atoi(d.groupPort)
	if err != nil {
		return nil, fmt.Errorf("invalid discovery port %q: %w", d.groupPort, err)
	}
	groupUDPAddr := &net.UDPAddr{IP: groupIP, Port: port}
	isIPv6 := groupIP.To4() == nil
	multicast := groupIP.IsMulticast()
	if multicast {
		interfaces, err := utils.GetMulticastInterfaces()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		if len(interfaces) == 0 {
			return nil, fmt.Errorf("%w: no multicast capable interface", ErrNetworkUnavailable)
		}
	}
	network, listenAddr := "udp4", "0.0.0.0:0"
	if isIPv6 {
		network, listenAddr = "udp6", "[::]:0"
	}
	udpConn, err := net.ListenPacket(network, listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	packetConn := entities.NewPacketConn(udpConn, isIPv6)
	if multicast {
		if err := packetConn.SetMulticastTTL(constants.DiscoveryMulticastTTL); err != nil {
			packetConn.Close()
			return nil, fmt.Errorf("%w: setting multicast ttl: %v", ErrNetworkUnavailable, err)
		}
		// 记分台和面板可能跑在同一台机器上
		_ = packetConn.SetMulticastLoopback(true)
	}
	probe, err := json.Marshal(entities.DiscoveryDatagram{
		Type:     constants.DiscoveryTypeProbe,
		Identity: d.identity,
		Version:  constants.ProtocolVersion,
	})
	if err != nil {
		packetConn.Close()
		return nil, err
	}

	announcements := make(chan entities.ServerAnnouncement, 16)
	// 通知协程停止的通道
	readerDone := make(chan struct{})
	// 发送探测包的协程，同时负责在 ctx 结束时关闭套接字
	go func() {
		ticker := d.clock.NewTicker(d.probeInterval)
		defer ticker.Stop()
		for {
			d.sendProbe(packetConn, probe, groupUDPAddr, multicast)
			select {
			case <-ctx.Done():
				packetConn.Close()
				return
			case <-readerDone:
				return
			case <-ticker.Chan():
			}
		}
	}()
	// 接收公告的协程
	go func() {
		defer func() {
			close(readerDone)
			packetConn.Close()
			close(announcements)
		}()
		buf := make([]byte, constants.DiscoveryReadBufferSize)
		for {
			// 设置超时时间防止阻塞过久
			if err := packetConn.SetReadDeadline(time.Now().Add(configs.DiscoveryReadTimeout)); err != nil {
				slog.Debug("Failed to set discovery read deadline", "error", err)
				return
			}
			n, remoteAddr, err := packetConn.ReadFrom(buf)
			if err != nil {
				var nerr net.Error
				if errors.As(err, &nerr) && nerr.Timeout() {
					// 读取超时罢了，继续等待
					continue
				}
				if ctx.Err() == nil {
					slog.Warn("Discovery socket failed", "error", err)
				}
				return
			}
			announcement, ok := d.parseAnnouncement(buf[:n], remoteAddr)
			if !ok {
				continue
			}
			if !d.candidates.Observe(announcement) {
				continue
			}
			slog.Debug("Discovered score console", "identity", announcement.Identity, "address", announcement.Address, "transport", announcement.Transport)
			select {
			case announcements <- announcement:
			case <-ctx.Done():
				return
			}
		}
	}()
	return announcements, nil
}

// sendProbe 发送一轮探测包
//
// 组播时在每个可用网络接口上各发一次，单播时直接发送
func (d *Discoverer) sendProbe(packetConn *entities.PacketConn, probe []byte, groupUDPAddr *net.UDPAddr, multicast bool) {
	if !multicast {
		if _, err := packetConn.WriteTo(probe, groupUDPAddr); err != nil {
			slog.Debug("Failed to send discovery probe", "address", groupUDPAddr.String(), "error", err)
		}
		return
	}
	interfaces, err := utils.GetMulticastInterfaces()
	if err != nil || len(interfaces) == 0 {
		slog.Debug("No interface available for discovery probe", "error", err)
		return
	}
	for _, iFace := range interfaces {
		if err := packetConn.SetMulticastInterface(&iFace); err != nil {
			slog.Debug("Failed to select multicast interface", "interface", iFace.Name, "error", err)
			continue
		}
		if _, err := packetConn.WriteTo(probe, groupUDPAddr); err != nil {
			slog.Debug("Failed to send discovery probe", "interface", iFace.Name, "error", err)
		}
	}
}

// parseAnnouncement 解析一条公告数据报，协议版本不兼容的公告会被丢弃并记录警告
func (d *Discoverer) parseAnnouncement(data []byte, remoteAddr net.Addr) (entities.ServerAnnouncement, bool) {
	var datagram entities.DiscoveryDatagram
	if err := json.Unmarshal(data, &datagram); err != nil {
		slog.Debug("Failed to unmarshal discovery datagram, ignored", "from", remoteAddr.String(), "error", err)
		return entities.ServerAnnouncement{}, false
	}
	if datagram.Type != constants.DiscoveryTypeAnnounce || datagram.Identity == "" || datagram.Port == 0 {
		return entities.ServerAnnouncement{}, false
	}
	if datagram.Version != constants.ProtocolVersion {
		d.logIncompatible(datagram, remoteAddr)
		return entities.ServerAnnouncement{}, false
	}
	udpAddr, ok := remoteAddr.(*net.UDPAddr)
	if !ok {
		return entities.ServerAnnouncement{}, false
	}
	transport := datagram.Transport
	if transport == "" {
		transport = constants.TransportTCP
	}
	return entities.ServerAnnouncement{
		Identity:        datagram.Identity,
		Address:         (&net.UDPAddr{IP: udpAddr.IP, Port: int(datagram.Port), Zone: udpAddr.Zone}).String(),
		ProtocolVersion: datagram.Version,
		Transport:       transport,
	}, true
}

// logIncompatible 对每个不兼容的记分台只警告一次，之后的公告只记调试日志
func (d *Discoverer) logIncompatible(datagram entities.DiscoveryDatagram, remoteAddr net.Addr) {
	d.warnMutex.Lock()
	version, warned := d.warnedIncompatible[datagram.Identity]
	d.warnedIncompatible[datagram.Identity] = datagram.Version
	d.warnMutex.Unlock()
	if warned && version == datagram.Version {
		slog.Debug("Ignoring score console with incompatible protocol version", "identity", datagram.Identity, "version", datagram.Version)
		return
	}
	slog.Warn("Ignoring score console with incompatible protocol version", "identity", datagram.Identity, "from", remoteAddr.String(), "version", datagram.Version, "expected", constants.ProtocolVersion)
}
