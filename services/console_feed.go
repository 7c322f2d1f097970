package services

// 记分台的简易文本输入
// 每行一条命令: "manifest" 重新推送文件清单，其余的行由 key=value 组成，作为一次比分更新发布

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/somebottle/scorepanel-link/entities"
)

// ParseScoreLine 解析一行 key=value 形式的比分输入
//
// sport 键用于切换运动项目，不会作为比分字段发布
func ParseScoreLine(line string, current entities.Sport) (entities.Sport, map[string]string, error) {
	fields := make(map[string]string)
	sport := current
	for _, token := range strings.Fields(line) {
		key, value, ok := strings.Cut(token, "=")
		if !ok || key == "" {
			return sport, nil, fmt.Errorf("expected key=value, got %q", token)
		}
		if key == "sport" {
			sport = entities.ParseSport(value)
			if sport == entities.SportUnknown {
				return current, nil, fmt.Errorf("unknown sport %q", value)
			}
			continue
		}
		fields[key] = value
	}
	return sport, fields, nil
}

// FeedConsole 从 r 中逐行读取命令并驱动记分台，直到输入结束或 ctx 结束
//
// 比分字段是累积的，每行只需要给出变化的字段
func FeedConsole(ctx context.Context, r io.Reader, cs *ConsoleServer) error {
	scanner := bufio.NewScanner(r)
	sport := entities.SportVolleyball
	state := make(map[string]string)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case line == "manifest":
			if err := cs.PushManifest(); err != nil {
				slog.Warn("Failed to push manifest", "error", err)
			}
			continue
		}
		nextSport, fields, err := ParseScoreLine(line, sport)
		if err != nil {
			slog.Warn("Ignoring console input", "line", line, "error", err)
			continue
		}
		if nextSport != sport {
			// 换了运动项目，之前的字段不再适用
			state = make(map[string]string)
			sport = nextSport
		}
		for key, value := range fields {
			state[key] = value
		}
		update := cs.PublishScore(sport, state)
		slog.Info("Published score", "sequence", update.Sequence, "sport", sport.String(), "panels", cs.Hub().NumConnections())
	}
	return scanner.Err()
}
