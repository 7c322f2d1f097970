package constants

// 协议 / 网络相关常量，这些值由面板与记分台双方共同约定，不可通过配置修改

const (
	// 面板与记分台之间的协议版本，握手及发现阶段都会校验
	ProtocolVersion = 1
	// 默认的 IPv4 发现组播地址
	DefaultDiscoveryGroupIPv4 = "224.0.0.1"
	// 默认的发现端口
	DefaultDiscoveryPort = "45453"
	// 默认的会话服务端口
	DefaultSessionPort = "45454"
	// WebSocket 传输下的会话路径
	WebSocketPanelPath = "/panel"
	// 发现数据报读取时字节缓冲区大小
	DiscoveryReadBufferSize = 8192
	// 组播 TTL，只在本地网段内传播
	DiscoveryMulticastTTL = 1
	// 心跳帧载荷长度 (8 字节的随机数)
	HeartbeatNonceSize = 8
)

// 发现数据报中的消息类型
const (
	DiscoveryTypeProbe    = "probe"
	DiscoveryTypeAnnounce = "announce"
)

// 会话传输方式
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
)
