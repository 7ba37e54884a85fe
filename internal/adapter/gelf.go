package adapter

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
)

// gelfAdapter 以 GELF 1.1 发送到 Graylog
type gelfAdapter struct {
	w        gelf.Writer
	facility string
	hostname string

	mu     sync.Mutex
	closed bool
}

func newGELFAdapter(cfg config.GELFConfig) (*gelfAdapter, error) {
	var (
		w   gelf.Writer
		err error
	)
	switch cfg.Network {
	case "tcp":
		var tw *gelf.TCPWriter
		tw, err = gelf.NewTCPWriter(cfg.Address)
		if err == nil {
			tw.MaxReconnect = 3
			tw.ReconnectDelay = 1
			w = tw
		}
	default:
		w, err = gelf.NewUDPWriter(cfg.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("gelf %s %s: %w", cfg.Network, cfg.Address, err)
	}

	host, _ := generateHostname("")
	return &gelfAdapter{w: w, facility: cfg.Facility, hostname: host}, nil
}

func (a *gelfAdapter) WriteEvent(event *core.LogEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return net.ErrClosed
	}
	return a.w.WriteMessage(a.message(event))
}

func (a *gelfAdapter) message(event *core.LogEvent) *gelf.Message {
	body := event.Body()
	short, _, multiline := strings.Cut(body, "\n")
	full := ""
	if multiline {
		full = body
	}
	if event.Stack != "" {
		full = body + "\n" + event.Stack
	}

	host := event.Host
	if host == "" {
		host = a.hostname
	}
	facility := a.facility
	if facility == "" {
		facility = event.Logger
	}

	extra := map[string]any{"_logger": event.Logger}
	if event.Caller != "" {
		extra["_caller"] = event.Caller
	}
	if event.PID != 0 {
		extra["_pid"] = event.PID
	}
	for k, v := range event.Fields {
		// _id 为 GELF 保留字段
		if k == "id" {
			continue
		}
		extra["_"+k] = v
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return &gelf.Message{
		Version:  "1.1",
		Host:     host,
		Short:    short,
		Full:     full,
		TimeUnix: float64(ts.UnixNano()) / float64(time.Second),
		Level:    int32(levelToSeverity(event.Levelno)),
		Facility: facility,
		Extra:    extra,
	}
}

// Write 非结构化写入，整段字节作为 INFO 消息
func (a *gelfAdapter) Write(p []byte) (int, error) {
	event := &core.LogEvent{
		Timestamp: time.Now(),
		Levelno:   int(config.Info),
		Message:   strings.TrimRight(string(p), "\n"),
	}
	if err := a.WriteEvent(event); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (a *gelfAdapter) Sync() error { return nil }

func (a *gelfAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return a.w.Close()
}
