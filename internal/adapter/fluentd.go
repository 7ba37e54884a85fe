package adapter

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fluent/fluent-logger-golang/fluent"
	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
)

const fluentBufferLimit = 1 << 20

// fluentdAdapter 以 forward 协议发送到 fluentd，tag 为 logger 名称
type fluentdAdapter struct {
	f *fluent.Fluent

	mu     sync.Mutex
	closed bool
}

func newFluentdAdapter(cfg config.FluentdConfig) (*fluentdAdapter, error) {
	fc := fluent.Config{
		FluentNetwork: cfg.Network,
		FluentHost:    cfg.Host,
		FluentPort:    cfg.Port,
		TagPrefix:     cfg.TagPrefix,
		Async:         cfg.Async,
		BufferLimit:   fluentBufferLimit,
		MaxRetry:      3,
		Timeout:       3 * time.Second,
	}
	if cfg.Network == "unix" {
		fc.FluentSocketPath = cfg.Host
	}
	f, err := fluent.New(fc)
	if err != nil {
		return nil, fmt.Errorf("fluentd %s: %w", net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)), err)
	}
	return &fluentdAdapter{f: f}, nil
}

func fluentTag(logger string) string {
	if logger == "" {
		return "root"
	}
	return logger
}

func fluentRecord(event *core.LogEvent) map[string]any {
	rec := make(map[string]any, len(event.Fields)+6)
	for k, v := range event.Fields {
		rec[k] = v
	}
	rec["message"] = event.Body()
	rec["level"] = event.Level
	rec["levelno"] = event.Levelno
	if event.Host != "" {
		rec["host"] = event.Host
	}
	if event.Caller != "" {
		rec["caller"] = event.Caller
	}
	if event.PID != 0 {
		rec["pid"] = event.PID
	}
	if event.Stack != "" {
		rec["stack"] = event.Stack
	}
	return rec
}

func (a *fluentdAdapter) WriteEvent(event *core.LogEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return net.ErrClosed
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return a.f.PostWithTime(fluentTag(event.Logger), ts, fluentRecord(event))
}

// Write 非结构化写入，tag 为 root
func (a *fluentdAdapter) Write(p []byte) (int, error) {
	event := &core.LogEvent{
		Timestamp: time.Now(),
		Level:     config.Info.String(),
		Levelno:   int(config.Info),
		Message:   strings.TrimRight(string(p), "\n"),
	}
	if err := a.WriteEvent(event); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (a *fluentdAdapter) Sync() error { return nil }

// Close 异步模式下会先发送缓冲中的数据
func (a *fluentdAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.f.Close()
}
