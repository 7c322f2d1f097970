package constants

// 会话帧类型
//
// TCP 传输下每帧格式: [ 1 字节的帧类型 | 4 字节的大端载荷长度 | 载荷 ]
// WebSocket 传输下每帧是一个二进制消息: [ 1 字节的帧类型 | 载荷 ]
const (
	FrameHello           byte = 0x01 // 面板 -> 记分台，握手
	FrameWelcome         byte = 0x02 // 记分台 -> 面板，握手应答
	FramePing            byte = 0x03 // 面板 -> 记分台，心跳
	FramePong            byte = 0x04 // 记分台 -> 面板，心跳应答
	FrameManifestRequest byte = 0x05 // 面板 -> 记分台，请求文件清单
	FrameManifest        byte = 0x06 // 记分台 -> 面板，文件清单
	FrameFileRequest     byte = 0x07 // 面板 -> 记分台，请求文件分块
	FrameFileChunk       byte = 0x08 // 记分台 -> 面板，文件分块
	FrameFileError       byte = 0x09 // 记分台 -> 面板，无法提供文件
	FrameStatusRequest   byte = 0x0A // 面板 -> 记分台，请求当前比分
	FrameScore           byte = 0x0B // 记分台 -> 面板，比分更新
)

// FrameTypeName 返回帧类型的可读名称，用于日志
func FrameTypeName(frameType byte) string {
	switch frameType {
	case FrameHello:
		return "hello"
	case FrameWelcome:
		return "welcome"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameManifestRequest:
		return "manifest_request"
	case FrameManifest:
		return "manifest"
	case FrameFileRequest:
		return "file_request"
	case FrameFileChunk:
		return "file_chunk"
	case FrameFileError:
		return "file_error"
	case FrameStatusRequest:
		return "status_request"
	case FrameScore:
		return "score"
	default:
		return "unknown"
	}
}
