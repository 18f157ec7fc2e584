package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	queueSize  = 256
	maxRetries = 3
)

// Notifier 异步推送消息到 Slack 兼容的 webhook ({"text": ...})。
// 推送失败只打印到 stderr，不会阻塞调用方。
type Notifier struct {
	url     string
	client  *http.Client
	queue   chan string
	backoff time.Duration
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewNotifier(url string) *Notifier {
	n := &Notifier{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		queue:   make(chan string, queueSize),
		backoff: time.Second,
		done:    make(chan struct{}),
	}
	go n.run()
	return n
}

// Notify 放入发送队列，队列满或已关闭时丢弃
func (n *Notifier) Notify(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		fmt.Fprintf(os.Stderr, "webhook 已关闭，丢弃消息: %s\n", text)
		return
	}
	select {
	case n.queue <- text:
	default:
		fmt.Fprintf(os.Stderr, "webhook 队列已满，丢弃消息: %s\n", text)
	}
}

// Close 发送完队列中剩余的消息后退出，可重复调用
func (n *Notifier) Close() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for text := range n.queue {
		if err := n.sendWithRetry(text); err != nil {
			fmt.Fprintf(os.Stderr, "webhook 推送失败: %v\n", err)
		}
	}
}

func (n *Notifier) send(text string) error {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("发送消息失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("webhook 返回 HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// sendWithRetry 指数退避重试
func (n *Notifier) sendWithRetry(text string) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := n.send(text); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(n.backoff * time.Duration(1<<uint(i)))
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("重试 %d 次后仍失败: %w", maxRetries+1, lastErr)
}

// WebhookHandler 把日志记录格式化成一行文本推送到 webhook
type WebhookHandler struct {
	notifier *Notifier
	level    slog.Level
	filter   func(slog.Record) bool
	attrs    []slog.Attr
	group    string
}

func NewWebhookHandler(n *Notifier, level slog.Level, filter func(slog.Record) bool) *WebhookHandler {
	return &WebhookHandler{notifier: n, level: level, filter: filter}
}

func (h *WebhookHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *WebhookHandler) Handle(_ context.Context, r slog.Record) error {
	if h.filter != nil && !h.filter(r) {
		return nil
	}
	h.notifier.Notify(h.format(r))
	return nil
}

func (h *WebhookHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, h.qualify(a))
	}
	return &clone
}

func (h *WebhookHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}
	return &clone
}

func (h *WebhookHandler) qualify(a slog.Attr) slog.Attr {
	if h.group == "" {
		return a
	}
	return slog.Attr{Key: h.group + "." + a.Key, Value: a.Value}
}

func (h *WebhookHandler) format(r slog.Record) string {
	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(r.Level.String())
	sb.WriteString("] ")
	sb.WriteString(r.Message)
	write := func(a slog.Attr) {
		sb.WriteString(" ")
		sb.WriteString(a.Key)
		sb.WriteString("=")
		sb.WriteString(a.Value.String())
	}
	for _, a := range h.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(h.qualify(a))
		return true
	})
	return sb.String()
}
