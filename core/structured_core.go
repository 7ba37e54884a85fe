package core

import (
	"fmt"
	"maps"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var hostname, _ = os.Hostname()

// StructuredCore 实现 zapcore.Core
// 先用 formatter 的编码器渲染文本，再把记录连同文本作为结构化事件
// 交给事件处理器（DB/Syslog/GELF/fluentd）
type StructuredCore struct {
	encoder     zapcore.Encoder
	levelEnab   zapcore.LevelEnabler
	eventWriter EventWriteSyncer

	fields []zap.Field
}

func NewStructuredCore(
	encoder zapcore.Encoder,
	levelEnab zapcore.LevelEnabler,
	eventWriter EventWriteSyncer,
) zapcore.Core {
	return &StructuredCore{
		encoder:     encoder,
		levelEnab:   levelEnab,
		eventWriter: eventWriter,
	}
}

func (c *StructuredCore) Enabled(level zapcore.Level) bool {
	return c.levelEnab.Enabled(level)
}

func (c *StructuredCore) With(fields []zapcore.Field) zapcore.Core {
	clone := c.clone()
	clone.fields = append(clone.fields, fields...)
	return clone
}

func (c *StructuredCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.levelEnab.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *StructuredCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	combined := fields
	if len(c.fields) > 0 {
		combined = append(append([]zapcore.Field(nil), c.fields...), fields...)
	}
	rec := recordFromFields(combined)
	if rec == nil {
		rec = recordFromEntry(ent, combined)
	}

	text, err := c.render(ent, combined)
	if err != nil {
		return err
	}
	if err := c.eventWriter.WriteEvent(toLogEvent(rec, text)); err != nil {
		return fmt.Errorf("event_output_failed: %w", err)
	}
	return nil
}

func (c *StructuredCore) Sync() error {
	return c.eventWriter.Sync()
}

// render 编码器输出去掉行尾换行后作为事件文本
func (c *StructuredCore) render(ent zapcore.Entry, fields []zapcore.Field) (string, error) {
	if c.encoder == nil {
		return "", nil
	}
	buf, err := c.encoder.EncodeEntry(ent, fields)
	if err != nil {
		return "", fmt.Errorf("encode entry failed: %w", err)
	}
	defer buf.Free()
	return strings.TrimRight(buf.String(), "\n"), nil
}

// toLogEvent 构建结构化事件
func toLogEvent(rec *Record, text string) *LogEvent {
	event := &LogEvent{
		Timestamp: rec.Created,
		Logger:    rec.Name,
		Level:     rec.Levelname,
		Levelno:   rec.Levelno,
		Message:   rec.Message(),
		Text:      text,
		Function:  rec.FuncName,
		Stack:     rec.stack(),
		Host:      hostname,
		PID:       rec.Process,
		Process:   rec.ProcessName,
		Thread:    rec.ThreadName,
		Fields:    maps.Clone(rec.Extra),
	}
	if rec.Pathname != "" {
		event.Caller = rec.Pathname + ":" + strconv.Itoa(rec.Lineno)
	}
	return event
}

func (c *StructuredCore) clone() *StructuredCore {
	var enc zapcore.Encoder
	if c.encoder != nil {
		enc = c.encoder.Clone()
	}
	return &StructuredCore{
		encoder:     enc,
		levelEnab:   c.levelEnab,
		eventWriter: c.eventWriter,
		fields:      append([]zap.Field(nil), c.fields...),
	}
}
