//go:build windows

package utils

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

// Windows 注册表中用于设置开机自启的键路径
const autostartKeyPath = `Software\Microsoft\Windows\CurrentVersion\Run`

// 值名称
const autostartValueName = "ScorePanelLink"

// SetAutoStart 在 Windows 系统上设置登录后自启
//
// enable: 是否启用自启动
// args: 自启动时附带的命令行参数
func SetAutoStart(enable bool, args []string) error {
	key, err := registry.OpenKey(registry.CURRENT_USER, autostartKeyPath, registry.QUERY_VALUE|registry.SET_VALUE)
	if err != nil {
		return fmt.Errorf("unable to open autostart registry key: %w", err)
	}
	defer key.Close()
	if enable {
		exePath, err := GetExactExecutablePath()
		if err != nil {
			return fmt.Errorf("unable to set autostart, failed to get executable path: %w", err)
		}
		command := make([]string, 0, len(args)+1)
		command = append(command, windows.EscapeArg(exePath))
		for _, arg := range args {
			command = append(command, windows.EscapeArg(arg))
		}
		if err := key.SetStringValue(autostartValueName, strings.Join(command, " ")); err != nil {
			return fmt.Errorf("unable to write autostart registry value: %w", err)
		}
		return nil
	}
	// 如果要禁用自启且值存在，则删除值
	if _, _, err := key.GetStringValue(autostartValueName); err != nil {
		if errors.Is(err, registry.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("unable to check autostart registry value: %w", err)
	}
	if err := key.DeleteValue(autostartValueName); err != nil {
		return fmt.Errorf("unable to delete autostart registry value: %w", err)
	}
	return nil
}
