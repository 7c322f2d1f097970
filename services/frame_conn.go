package services

// 会话帧传输层，支持 TCP 和 WebSocket 两种方式

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/somebottle/scorepanel-link/configs"
	"github.com/somebottle/scorepanel-link/constants"
	"github.com/somebottle/scorepanel-link/entities"
	"github.com/somebottle/scorepanel-link/utils"
)

// errFrameTooLarge 表示对端声明的载荷长度超过上限
var errFrameTooLarge = errors.New("frame payload too large")

// FrameConn 是可以收发会话帧的连接
//
// ReadFrame 只允许一个协程调用，WriteFrame 可以被多个协程并发调用
type FrameConn interface {
	ReadFrame() (entities.Frame, error)
	WriteFrame(frame entities.Frame) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// tcpFrameConn 在 TCP 流上传输帧
//
// 每帧格式: [ 1 字节的帧类型 | 4 字节的大端载荷长度 | 载荷 ]
type tcpFrameConn struct {
	conn *net.TCPConn
	// 保证帧不会交错写入
	writeMutex sync.Mutex
}

// NewTCPFrameConn 把 TCP 连接包装成帧连接
func NewTCPFrameConn(conn *net.TCPConn) FrameConn {
	conn.SetKeepAlive(true)
	conn.SetKeepAlivePeriod(configs.GetPingInterval())
	return &tcpFrameConn{conn: conn}
}

func (tc *tcpFrameConn) ReadFrame() (entities.Frame, error) {
	var header [5]byte
	if _, err := io.ReadFull(tc.conn, header[:]); err != nil {
		return entities.Frame{}, err
	}
	dataLength := binary.BigEndian.Uint32(header[1:])
	if dataLength > configs.MaxFramePayloadSize {
		return entities.Frame{}, fmt.Errorf("%w: %d bytes", errFrameTooLarge, dataLength)
	}
	// 每帧单独分配，载荷可能会被交给其他协程
	payload := make([]byte, dataLength)
	if _, err := io.ReadFull(tc.conn, payload); err != nil {
		return entities.Frame{}, err
	}
	return entities.Frame{Type: header[0], Payload: payload}, nil
}

func (tc *tcpFrameConn) WriteFrame(frame entities.Frame) error {
	if len(frame.Payload) > configs.MaxFramePayloadSize {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(frame.Payload))
	}
	data := make([]byte, 5, 5+len(frame.Payload))
	data[0] = frame.Type
	binary.BigEndian.PutUint32(data[1:], uint32(len(frame.Payload)))
	data = append(data, frame.Payload...)
	tc.writeMutex.Lock()
	defer tc.writeMutex.Unlock()
	tc.conn.SetWriteDeadline(time.Now().Add(configs.SessionWriteTimeout))
	return utils.WriteAllBytes(tc.conn, data)
}

func (tc *tcpFrameConn) SetReadDeadline(t time.Time) error {
	return tc.conn.SetReadDeadline(t)
}

func (tc *tcpFrameConn) RemoteAddr() net.Addr {
	return tc.conn.RemoteAddr()
}

func (tc *tcpFrameConn) Close() error {
	return tc.conn.Close()
}

// wsFrameConn 在 WebSocket 上传输帧，每帧是一条二进制消息: [ 1 字节的帧类型 | 载荷 ]
type wsFrameConn struct {
	conn       *websocket.Conn
	writeMutex sync.Mutex
}

// NewWebSocketFrameConn 把 WebSocket 连接包装成帧连接
func NewWebSocketFrameConn(conn *websocket.Conn) FrameConn {
	conn.SetReadLimit(configs.MaxFramePayloadSize + 1)
	return &wsFrameConn{conn: conn}
}

func (wc *wsFrameConn) ReadFrame() (entities.Frame, error) {
	for {
		messageType, data, err := wc.conn.ReadMessage()
		if err != nil {
			return entities.Frame{}, err
		}
		if messageType != websocket.BinaryMessage {
			// 文本消息不属于协议的一部分
			continue
		}
		if len(data) == 0 {
			return entities.Frame{}, fmt.Errorf("%w: empty websocket message", ErrMalformedFrame)
		}
		return entities.Frame{Type: data[0], Payload: data[1:]}, nil
	}
}

func (wc *wsFrameConn) WriteFrame(frame entities.Frame) error {
	if len(frame.Payload) > configs.MaxFramePayloadSize {
		return fmt.Errorf("%w: %d bytes", errFrameTooLarge, len(frame.Payload))
	}
	data := make([]byte, 0, 1+len(frame.Payload))
	data = append(data, frame.Type)
	data = append(data, frame.Payload...)
	wc.writeMutex.Lock()
	defer wc.writeMutex.Unlock()
	wc.conn.SetWriteDeadline(time.Now().Add(configs.SessionWriteTimeout))
	return wc.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (wc *wsFrameConn) SetReadDeadline(t time.Time) error {
	return wc.conn.SetReadDeadline(t)
}

func (wc *wsFrameConn) RemoteAddr() net.Addr {
	return wc.conn.RemoteAddr()
}

func (wc *wsFrameConn) Close() error {
	return wc.conn.Close()
}

// DialFrameConn 按传输方式拨号到记分台
//
// transport: constants.TransportTCP 或 constants.TransportWebSocket
// address: 记分台会话服务地址，host:port 形式
func DialFrameConn(ctx context.Context, transport string, address string) (FrameConn, error) {
	switch transport {
	case constants.TransportTCP, "":
		dialer := net.Dialer{Timeout: configs.SessionDialTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return NewTCPFrameConn(conn.(*net.TCPConn)), nil
	case constants.TransportWebSocket:
		dialer := websocket.Dialer{HandshakeTimeout: configs.SessionDialTimeout}
		wsURL := url.URL{Scheme: "ws", Host: address, Path: constants.WebSocketPanelPath}
		conn, resp, err := dialer.DialContext(ctx, wsURL.String(), nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return NewWebSocketFrameConn(conn), nil
	default:
		return nil, fmt.Errorf("unknown session transport %q", transport)
	}
}
