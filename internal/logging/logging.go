package logging

import (
	"context"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Options 日志配置
type Options struct {
	Service string
	Level   string // DEBUG / INFO / WARN / ERROR
	// 告警 webhook，WARN 及以上的日志会推送到这里
	AlertWebhook string
	// 交易追踪 webhook，带 signature 字段的日志会推送到这里
	TraceWebhook string
	Output       io.Writer
}

// Setup 配置 JSON 结构化日志并桥接标准库 log，返回 logger 和关闭 webhook 推送的函数
func Setup(opts Options) (*slog.Logger, func()) {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	base := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: ParseLevel(opts.Level),
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			}
			if attr.Key == slog.MessageKey {
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	handlers := []slog.Handler{base}
	var notifiers []*Notifier
	if opts.AlertWebhook != "" {
		n := NewNotifier(opts.AlertWebhook)
		notifiers = append(notifiers, n)
		handlers = append(handlers, NewWebhookHandler(n, slog.LevelWarn, nil))
	}
	if opts.TraceWebhook != "" {
		n := NewNotifier(opts.TraceWebhook)
		notifiers = append(notifiers, n)
		handlers = append(handlers, NewWebhookHandler(n, slog.LevelInfo, hasSignature))
	}

	var handler slog.Handler = base
	if len(handlers) > 1 {
		handler = fanout(handlers)
	}

	service := strings.TrimSpace(opts.Service)
	logger := slog.New(handler).With(slog.String("service", service))
	slog.SetDefault(logger)

	// 标准库 log 也输出为 JSON
	bridge := slog.NewLogLogger(base.WithAttrs([]slog.Attr{slog.String("service", service)}), slog.LevelInfo)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return logger, func() {
		for _, n := range notifiers {
			n.Close()
		}
	}
}

// ParseLevel 解析日志级别，无法识别时使用 INFO
func ParseLevel(level string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "ALERT":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func hasSignature(r slog.Record) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "signature" && a.Value.String() != "" {
			found = true
			return false
		}
		return true
	})
	return found
}

type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var first error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
