package configs

import (
	"testing"
	"time"
)

// setHeartbeatTiming 直接设置心跳时间并在测试结束后恢复
func setHeartbeatTiming(t *testing.T, ping, grace, disconnect time.Duration) {
	t.Helper()
	oldPing, oldGrace, oldDisconnect := pingInterval, graceWindow, disconnectThreshold
	t.Cleanup(func() {
		pingInterval, graceWindow, disconnectThreshold = oldPing, oldGrace, oldDisconnect
	})
	pingInterval, graceWindow, disconnectThreshold = ping, grace, disconnect
}

// TestValidateHeartbeatTiming 验证宽限时间必须容忍一次心跳丢失
func TestValidateHeartbeatTiming(t *testing.T) {
	cases := []struct {
		ping, grace, disconnect time.Duration
		valid                   bool
	}{
		{5 * time.Second, 12 * time.Second, 20 * time.Second, true},
		{5 * time.Second, 10 * time.Second, 20 * time.Second, true},
		{5 * time.Second, 6 * time.Second, 20 * time.Second, false},
		{5 * time.Second, 12 * time.Second, 12 * time.Second, false},
		{0, 12 * time.Second, 20 * time.Second, false},
	}
	for _, c := range cases {
		setHeartbeatTiming(t, c.ping, c.grace, c.disconnect)
		err := ValidateHeartbeatTiming()
		if (err == nil) != c.valid {
			t.Errorf("ping=%s grace=%s disconnect=%s: expected valid=%v, got %v", c.ping, c.grace, c.disconnect, c.valid, err)
		}
	}
}

// TestSetGraceWindowBelowFloor 验证覆盖掉心跳间隔下限的宽限时间会被检查出来
func TestSetGraceWindowBelowFloor(t *testing.T) {
	setHeartbeatTiming(t, pingInterval, graceWindow, disconnectThreshold)
	SetPingInterval(5 * time.Second)
	SetGraceWindow(6 * time.Second)
	if err := ValidateHeartbeatTiming(); err == nil {
		t.Fatal("grace window of 6s with a 5s ping interval should be rejected")
	}
	SetGraceWindow(10 * time.Second)
	if err := ValidateHeartbeatTiming(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
