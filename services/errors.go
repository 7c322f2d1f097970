package services

// 网络核心的错误分类

import (
	"errors"
	"fmt"
)

var (
	// ErrNetworkUnavailable 没有可用于发现或拨号的网络接口，可稍后重试
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrHandshakeRejected 对端不兼容或拒绝连接，应换一个候选服务器
	ErrHandshakeRejected = errors.New("handshake rejected")
	// ErrHeartbeatTimeout 链路被认为已经断开，需要完整的重新连接
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
	// ErrTransferFailed 单个文件传输失败，队列中其他文件不受影响
	ErrTransferFailed = errors.New("transfer failed")
	// ErrMalformedFrame 单帧数据无法解析，会话不受影响
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrSessionClosed 会话已经关闭
	ErrSessionClosed = errors.New("session closed")
)

// TransferError 描述单个文件的传输失败
type TransferError struct {
	Name   string
	Reason string
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer of %q failed: %s: %v", e.Name, e.Reason, e.Err)
	}
	return fmt.Sprintf("transfer of %q failed: %s", e.Name, e.Reason)
}

// Is 使 errors.Is(err, ErrTransferFailed) 成立
func (e *TransferError) Is(target error) bool {
	return target == ErrTransferFailed
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
