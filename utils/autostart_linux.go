//go:build linux

package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// entryFormat 是条目的模板
const entryFormat = `[Desktop Entry]
Type=Application
Name=Score Panel
Exec=%s
X-GNOME-Autostart-enabled=true
NoDisplay=true
Comment=Start the score panel on login
Terminal=false
`

// entryFileName 是条目文件名
const entryFileName = "scorepanel-link.desktop"

// quoteExecArg 按 Desktop Entry 规范给 Exec 中的参数加引号
func quoteExecArg(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\n\"'\\$`") {
		return arg
	}
	replacer := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`", `$`, `\$`)
	return `"` + replacer.Replace(arg) + `"`
}

// SetAutoStart 在 Linux 系统上设置登录后自启
//
// 根据 XDG Autostart 规范实现, 文档: https://specifications.freedesktop.org/desktop-entry/latest/recognized-keys.html
//
// enable: 是否启用自启动
// args: 自启动时附带的命令行参数
func SetAutoStart(enable bool, args []string) error {
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return fmt.Errorf("unable to get user config directory: %w", err)
	}
	autostartDir := filepath.Join(userConfigDir, "autostart")
	desktopEntryPath := filepath.Join(autostartDir, entryFileName)
	if !enable {
		// 删除桌面条目文件（如果存在）
		if err := os.Remove(desktopEntryPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("unable to remove autostart desktop entry: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(autostartDir, 0o755); err != nil {
		return fmt.Errorf("unable to create autostart directory: %w", err)
	}
	exePath, err := GetExactExecutablePath()
	if err != nil {
		return fmt.Errorf("unable to get executable path: %w", err)
	}
	execLine := make([]string, 0, len(args)+1)
	execLine = append(execLine, quoteExecArg(exePath))
	for _, arg := range args {
		execLine = append(execLine, quoteExecArg(arg))
	}
	entryContent := fmt.Sprintf(entryFormat, strings.Join(execLine, " "))
	if err := os.WriteFile(desktopEntryPath, []byte(entryContent), 0o644); err != nil {
		return fmt.Errorf("unable to write autostart desktop entry: %w", err)
	}
	return nil
}
