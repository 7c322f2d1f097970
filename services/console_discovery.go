package services

// 记分台发现应答模块
// 监听发现组 (组播或单播)，对每个有效的探测包以单播公告应答

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
)

// ListenDiscovery 打开发现组监听套接字
//
// 组播地址需要先绑定 0.0.0.0:port (或 [::]:port)，再在每个可用网络接口上加入组播组，
// 直接用 net.ListenMulticastUDP 收不到 UDP 包
//
// groupAddr: 发现组地址
// groupPort: 发现端口
func ListenDiscovery(groupAddr string, groupPort string) (*entities.PacketConn, error) {
	isIPv6, err := utils.IsIpv6(groupAddr)
	if err != nil {
		return nil, err
	}
	network := "udp4"
	if isIPv6 {
		network = "udp6"
	}
	if !utils.IsMulticastAddress(groupAddr) {
		conn, err := net.ListenPacket(network, net.JoinHostPort(groupAddr, groupPort))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
		}
		return entities.NewPacketConn(conn, isIPv6), nil
	}
	listenAddr := ":" + groupPort
	if isIPv6 {
		listenAddr = "[::]:" + groupPort
	}
	conn, err := utils.ListenPacketWithREUSEADDR(network, listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	packetConn := entities.NewPacketConn(conn, isIPv6)
	group := &net.UDPAddr{IP: net.ParseIP(groupAddr)}
	interfaces, err := utils.GetMulticastInterfaces()
	if err != nil {
		packetConn.Close()
		return nil, fmt.Errorf("%w: %v", ErrNetworkUnavailable, err)
	}
	joined := 0
	for _, iFace := range interfaces {
		if err := packetConn.JoinGroup(&iFace, group); err != nil {
			slog.Debug("Failed to join discovery group", "interface", iFace.Name, "error", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		// 没有可用接口时交给系统选择，至少本机的面板能够发现
		if err := packetConn.JoinGroup(nil, group); err != nil {
			packetConn.Close()
			return nil, fmt.Errorf("%w: joining multicast group: %v", ErrNetworkUnavailable, err)
		}
	}
	return packetConn, nil
}

// runDiscoveryResponder 维持发现应答服务，套接字出错时重启
//
// errChan: 传递异常的通道，一旦传递，进程即将退出
func (cs *ConsoleServer) runDiscoveryResponder(ctx context.Context, groupAddr string, groupPort string, errChan chan<- error) {
	for {
		packetConn, err := ListenDiscovery(groupAddr, groupPort)
		if err != nil {
			if !errors.Is(err, ErrNetworkUnavailable) {
				errChan <- err
				return
			}
			slog.Info("Discovery responder waiting for network", "error", err)
		} else {
			slog.Info("Listening for discovery probes", "address", groupAddr, "port", groupPort)
			err = cs.ServeDiscovery(ctx, packetConn)
			if err == nil {
				return
			}
			slog.Info("Restarting discovery responder", "previousError", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(configs.DiscoveryListenRetryInterval):
		}
	}
}

// ServeDiscovery 在 packetConn 上应答探测包，直到 ctx 结束 (返回 nil) 或套接字出错
func (cs *ConsoleServer) ServeDiscovery(ctx context.Context, packetConn *entities.PacketConn) error {
	// 通知协程停止的通道
	listenerDone := make(chan struct{})
	defer func() {
		close(listenerDone)
		packetConn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			// 接到退出信号，关闭连接，终止服务
			packetConn.Close()
		case <-listenerDone:
		}
	}()
	buf := make([]byte, constants.DiscoveryReadBufferSize)
	for {
		// 设置超时时间防止阻塞过久
		if err := packetConn.SetReadDeadline(time.Now().Add(configs.DiscoveryReadTimeout)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("setting read deadline: %w", err)
		}
		// UDP 中一次会读取整个数据报，直接 ReadFrom 即可
		n, remoteAddr, err := packetConn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				slog.Debug("Discovery responder exiting gracefully")
				return nil
			}
			return err
		}
		var probe entities.DiscoveryDatagram
		if err := json.Unmarshal(buf[:n], &probe); err != nil || probe.Type != constants.DiscoveryTypeProbe {
			slog.Debug("Ignoring invalid discovery datagram", "from", remoteAddr.String())
			continue
		}
		if probe.Version != constants.ProtocolVersion {
			// 仍然应答，由面板决定是否忽略并记录警告
			slog.Debug("Probe from panel with different protocol version", "from", remoteAddr.String(), "identity", probe.Identity, "version", probe.Version)
		}
		reply, err := json.Marshal(cs.announcement())
		if err != nil {
			return err
		}
		if _, err := packetConn.WriteTo(reply, remoteAddr); err != nil {
			slog.Debug("Failed to send announcement", "to", remoteAddr.String(), "error", err)
		}
	}
}
