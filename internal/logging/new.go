// =============================================================================
// 文件: internal/logging/new.go
// 描述: Logger 构建
// =============================================================================
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format 输出格式
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat 解析输出格式
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Options Logger 选项, CLISpec 优先于 ConfigSpec
type Options struct {
	CLISpec    string
	ConfigSpec string
	Format     Format
	Output     io.Writer
}

// New 创建带组件过滤的 Logger
func New(opts Options) (*slog.Logger, error) {
	specStr := opts.ConfigSpec
	if opts.CLISpec != "" {
		specStr = opts.CLISpec
	}
	spec, err := ParseSpec(specStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	hopts := &slog.HandlerOptions{Level: LevelTrace.ToSlog()}
	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(out, hopts)
	default:
		inner = slog.NewTextHandler(out, hopts)
	}
	return slog.New(NewFilteringHandler(inner, &spec)), nil
}

// Discard 丢弃所有输出, 用于测试与未配置日志的组件
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelError.ToSlog() + 1}))
}

// Component 返回带组件属性的子 Logger, nil 时使用 Discard
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = Discard()
	}
	return l.With(ComponentKey, name)
}
