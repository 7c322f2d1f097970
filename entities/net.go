package entities

// 网络处理相关实体

import (
	"net"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// PacketConn 封装了 IPv4 和 IPv6 的数据包连接，包括有 ReadFrom, WriteTo 和 Close 方法
type PacketConn struct {
	IPv4Conn *ipv4.PacketConn
	IPv6Conn *ipv6.PacketConn
}

// ReadFrom 从连接中读取数据包
func (pc *PacketConn) ReadFrom(b []byte) (n int, addr net.Addr, err error) {
	if pc.IPv4Conn != nil {
		n, _, addr, err := pc.IPv4Conn.ReadFrom(b)
		return n, addr, err
	}
	if pc.IPv6Conn != nil {
		n, _, addr, err := pc.IPv6Conn.ReadFrom(b)
		return n, addr, err
	}
	return 0, nil, net.ErrClosed
}

// WriteTo 向指定地址写入数据包
func (pc *PacketConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	if pc.IPv4Conn != nil {
		return pc.IPv4Conn.WriteTo(b, nil, addr)
	}
	if pc.IPv6Conn != nil {
		return pc.IPv6Conn.WriteTo(b, nil, addr)
	}
	return 0, net.ErrClosed
}

// SetReadDeadline 设置读取超时时刻
func (pc *PacketConn) SetReadDeadline(t time.Time) error {
	if pc.IPv4Conn != nil {
		if err := pc.IPv4Conn.SetReadDeadline(t); err != nil {
			return err
		}
	}
	if pc.IPv6Conn != nil {
		if err := pc.IPv6Conn.SetReadDeadline(t); err != nil {
			return err
		}
	}
	return nil
}

// Close 关闭连接
func (pc *PacketConn) Close() error {
	if pc.IPv4Conn != nil {
		if err := pc.IPv4Conn.Close(); err != nil {
			return err
		}
	}
	if pc.IPv6Conn != nil {
		if err := pc.IPv6Conn.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Frame 是会话连接上传输的一帧数据
type Frame struct {
	// 帧类型，见 constants 包中的 Frame* 常量
	Type byte
	// 载荷，格式由帧类型决定
	Payload []byte
}

// DiscoveryDatagram 是发现阶段 UDP 数据报的 JSON 结构
//
// 探测包 (面板 -> 组播) 只会填写 Type, Identity, Version
// 公告包 (记分台 -> 面板) 会额外填写 Port 和 Transport
type DiscoveryDatagram struct {
	Type      string `json:"type"`
	Identity  string `json:"identity"`
	Version   int    `json:"version"`
	Port      uint16 `json:"port,omitempty"`
	Transport string `json:"transport,omitempty"`
}

// JoinGroup 在指定网络接口上加入组播组，iFace 为 nil 时由系统选择接口
func (pc *PacketConn) JoinGroup(iFace *net.Interface, group net.Addr) error {
	if pc.IPv4Conn != nil {
		return pc.IPv4Conn.JoinGroup(iFace, group)
	}
	if pc.IPv6Conn != nil {
		return pc.IPv6Conn.JoinGroup(iFace, group)
	}
	return net.ErrClosed
}

// SetMulticastInterface 设置发出组播包所用的网络接口
func (pc *PacketConn) SetMulticastInterface(iFace *net.Interface) error {
	if pc.IPv4Conn != nil {
		return pc.IPv4Conn.SetMulticastInterface(iFace)
	}
	if pc.IPv6Conn != nil {
		return pc.IPv6Conn.SetMulticastInterface(iFace)
	}
	return net.ErrClosed
}

// SetMulticastTTL 设置组播包的 TTL (IPv6 中为 hop limit)
func (pc *PacketConn) SetMulticastTTL(ttl int) error {
	if pc.IPv4Conn != nil {
		return pc.IPv4Conn.SetMulticastTTL(ttl)
	}
	if pc.IPv6Conn != nil {
		return pc.IPv6Conn.SetMulticastHopLimit(ttl)
	}
	return net.ErrClosed
}

// SetMulticastLoopback 设置本机发出的组播包是否回送给本机
func (pc *PacketConn) SetMulticastLoopback(on bool) error {
	if pc.IPv4Conn != nil {
		return pc.IPv4Conn.SetMulticastLoopback(on)
	}
	if pc.IPv6Conn != nil {
		return pc.IPv6Conn.SetMulticastLoopback(on)
	}
	return net.ErrClosed
}

// NewPacketConn 按地址族包装一个 UDP 连接
func NewPacketConn(conn net.PacketConn, isIPv6 bool) *PacketConn {
	if isIPv6 {
		return &PacketConn{IPv6Conn: ipv6.NewPacketConn(conn)}
	}
	return &PacketConn{IPv4Conn: ipv4.NewPacketConn(conn)}
}
