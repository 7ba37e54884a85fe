package core

import (
	"sync"
	"time"
)

// LogEvent 结构化输出（syslog/数据库/GELF/fluentd）使用的事件
type LogEvent struct {
	Timestamp time.Time      `json:"time"`
	Logger    string         `json:"logger"`
	Level     string         `json:"level"`
	Levelno   int            `json:"levelno"`
	Message   string         `json:"msg"`
	Text      string         `json:"text,omitempty"` // formatter 的输出
	Caller    string         `json:"caller,omitempty"`
	Function  string         `json:"func,omitempty"`
	Stack     string         `json:"stack,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
	Host      string         `json:"host,omitempty"`
	PID       int64          `json:"pid,omitempty"`
	Process   string         `json:"process,omitempty"`
	Thread    string         `json:"thread,omitempty"`
}

// Body 优先使用格式化后的文本
func (e *LogEvent) Body() string {
	if e.Text != "" {
		return e.Text
	}
	return e.Message
}

type EventWriteSyncer interface {
	WriteEvent(event *LogEvent) error
	Sync() error
	Close() error
}

type WriteSyncer interface {
	Sync() error
	Close() error
	Write(p []byte) (n int, err error)
}

type lockedEventWriter struct {
	sync.Mutex
	ws EventWriteSyncer
}

// lockedEvents 串行化对事件处理器的访问，与 zapcore.Lock 对应
func lockedEvents(ws EventWriteSyncer) EventWriteSyncer {
	if _, ok := ws.(*lockedEventWriter); ok {
		return ws
	}
	return &lockedEventWriter{ws: ws}
}

func (l *lockedEventWriter) WriteEvent(event *LogEvent) error {
	l.Lock()
	defer l.Unlock()
	return l.ws.WriteEvent(event)
}

func (l *lockedEventWriter) Sync() error {
	l.Lock()
	defer l.Unlock()
	return l.ws.Sync()
}

func (l *lockedEventWriter) Close() error {
	l.Lock()
	defer l.Unlock()
	return l.ws.Close()
}
