// =============================================================================
// 文件: internal/logging/level.go
// 描述: 日志级别与组件级别规则解析
// =============================================================================
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level 日志级别, debug 至 error 与 slog 取值一致
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// ParseLevel 解析级别字符串 (不区分大小写)
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "err":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %q", s)
	}
}

// ToSlog 转换为 slog.Level
func (l Level) ToSlog() slog.Level {
	return slog.Level(l)
}

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("Level(%d)", l)
	}
}

// Spec 基础级别加组件覆盖, 例如 "info,congestion=debug,fabric=trace"
type Spec struct {
	BaseLevel  Level
	Components map[string]Level
}

// ParseSpec 解析级别规则
func ParseSpec(s string) (Spec, error) {
	spec := Spec{BaseLevel: LevelInfo, Components: map[string]Level{}}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, lvl, found := strings.Cut(part, "=")
		if !found {
			l, err := ParseLevel(name)
			if err != nil {
				return spec, err
			}
			spec.BaseLevel = l
			continue
		}
		name = strings.TrimSpace(name)
		if name == "" {
			return spec, fmt.Errorf("empty component in %q", part)
		}
		l, err := ParseLevel(lvl)
		if err != nil {
			return spec, fmt.Errorf("component %s: %w", name, err)
		}
		spec.Components[name] = l
	}
	return spec, nil
}

// LevelFor 组件生效级别
func (s *Spec) LevelFor(component string) Level {
	if l, ok := s.Components[component]; ok {
		return l
	}
	return s.BaseLevel
}
