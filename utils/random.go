package utils

// 随机数相关的工具函数

import (
	"crypto/rand"
	mathrand "math/rand/v2"
	"time"

	"github.com/somebottle/scorepanel-link/constants"
)

// NewHeartbeatNonce 生成一个随机的心跳随机数，pong 需要原样带回
func NewHeartbeatNonce() []byte {
	nonce := make([]byte, constants.HeartbeatNonceSize)
	_, _ = rand.Read(nonce)
	return nonce
}

// Jitter 在 base 的基础上加上 [0, base/2) 的随机抖动
//
// 多个面板同时掉线时，错开它们重新连接的时刻
func Jitter(base time.Duration) time.Duration {
	if base <= 1 {
		return base
	}
	return base + mathrand.N(base/2)
}
