package core

import (
	"sort"
	"sync"
	"time"

	"github.com/iuboy/hedgelog/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Record 一条从网络帧还原出的日志记录，构造后只读
type Record struct {
	Name      string
	Levelno   int
	Levelname string
	Msg       string
	Args      []any          // 位置参数
	Mapping   map[string]any // 单个映射参数，对应 %(key)s
	Created   time.Time

	Pathname        string
	Filename        string
	Module          string
	FuncName        string
	Lineno          int
	RelativeCreated float64

	ExcText   string
	StackInfo string

	Process     int64
	ProcessName string
	Thread      uint64
	ThreadName  string

	Extra map[string]any

	message func() string
}

// Seal 启用消息的惰性缓存；解码器在返回记录前调用
func (r *Record) Seal() *Record {
	r.message = sync.OnceValue(r.formatMessage)
	return r
}

// Message 返回套用参数后的消息
func (r *Record) Message() string {
	if r.message != nil {
		return r.message()
	}
	return r.formatMessage()
}

func (r *Record) formatMessage() string {
	if len(r.Args) == 0 && len(r.Mapping) == 0 {
		return r.Msg
	}
	s, err := percentFormat(r.Msg, r.Args, lookupMap(r.Mapping))
	if err != nil {
		// 与其丢弃记录，不如保留原始内容
		if len(r.Mapping) > 0 {
			return r.Msg + " " + pyRepr(r.Mapping)
		}
		return r.Msg + " " + pyTuple(r.Args)
	}
	return s
}

// LevelName 未携带 levelname 时按数值推导
func LevelName(levelno int) string {
	return config.Level(levelno).String()
}

// ZapLevel 把数值级别映射到 zap 级别，仅用于编码
func ZapLevel(levelno int) zapcore.Level {
	switch {
	case levelno < int(config.Info):
		return zapcore.DebugLevel
	case levelno < int(config.Warning):
		return zapcore.InfoLevel
	case levelno < int(config.Error):
		return zapcore.WarnLevel
	case levelno < int(config.Critical):
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}

// Entry 转换成 zap entry
func (r *Record) Entry() zapcore.Entry {
	ent := zapcore.Entry{
		LoggerName: r.Name,
		Time:       r.Created,
		Level:      ZapLevel(r.Levelno),
		Message:    r.Message(),
		Stack:      r.stack(),
	}
	if r.Pathname != "" {
		ent.Caller = zapcore.EntryCaller{
			Defined:  true,
			File:     r.Pathname,
			Line:     r.Lineno,
			Function: r.FuncName,
		}
	}
	return ent
}

func (r *Record) stack() string {
	switch {
	case r.ExcText != "" && r.StackInfo != "":
		return r.ExcText + "\n" + r.StackInfo
	case r.ExcText != "":
		return r.ExcText
	default:
		return r.StackInfo
	}
}

const recordFieldKey = "hedgelog.record"

// Fields 额外字段按键排序输出，第一个字段携带记录本身供模式编码器使用
func (r *Record) Fields() []zapcore.Field {
	fields := make([]zapcore.Field, 0, len(r.Extra)+1)
	fields = append(fields, zapcore.Field{Key: recordFieldKey, Type: zapcore.SkipType, Interface: r})
	keys := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, r.Extra[k]))
	}
	return fields
}

// recordFromFields 取回 Fields 中携带的记录
func recordFromFields(fields []zapcore.Field) *Record {
	for _, f := range fields {
		if f.Key == recordFieldKey && f.Type == zapcore.SkipType {
			if r, ok := f.Interface.(*Record); ok {
				return r
			}
		}
	}
	return nil
}

// recordFromEntry 没有原始记录时（例如诊断日志）由 entry 构造
func recordFromEntry(ent zapcore.Entry, fields []zapcore.Field) *Record {
	r := &Record{
		Name:    ent.LoggerName,
		Msg:     ent.Message,
		Created: ent.Time,
		ExcText: ent.Stack,
	}
	switch ent.Level {
	case zapcore.DebugLevel:
		r.Levelno = int(config.Debug)
	case zapcore.InfoLevel:
		r.Levelno = int(config.Info)
	case zapcore.WarnLevel:
		r.Levelno = int(config.Warning)
	case zapcore.ErrorLevel:
		r.Levelno = int(config.Error)
	default:
		r.Levelno = int(config.Critical)
	}
	r.Levelname = LevelName(r.Levelno)
	if ent.Caller.Defined {
		r.Pathname = ent.Caller.File
		r.Lineno = ent.Caller.Line
		r.FuncName = ent.Caller.Function
	}
	if len(fields) > 0 {
		enc := zapcore.NewMapObjectEncoder()
		for _, f := range fields {
			f.AddTo(enc)
		}
		r.Extra = enc.Fields
	}
	return r
}
