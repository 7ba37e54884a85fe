package core

import (
	"fmt"
	"strings"

	"github.com/iuboy/hedgelog/config"
	"github.com/lestrrat-go/strftime"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

var patternPool = buffer.NewPool()

// patternEncoder 按 %(attr)s 模式串渲染记录，每条记录一行
type patternEncoder struct {
	zapcore.Encoder // 仅用于承接 With 字段，渲染时不输出

	format   string
	date     *strftime.Strftime // nil 表示默认格式
	usesTime bool
}

// newPatternEncoder datefmt 无法解析时退回默认格式；NewHandler 会先拒绝这类配置
func newPatternEncoder(format, datefmt string) zapcore.Encoder {
	if format == "" {
		format = config.DefaultFormat
	}
	var date *strftime.Strftime
	if datefmt != "" {
		date, _ = compileDate(datefmt)
	}
	return &patternEncoder{
		Encoder:  zapcore.NewJSONEncoder(zapcore.EncoderConfig{}),
		format:   format,
		date:     date,
		usesTime: strings.Contains(format, "%(asctime)"),
	}
}

func (e *patternEncoder) Clone() zapcore.Encoder {
	return &patternEncoder{
		Encoder:  e.Encoder.Clone(),
		format:   e.format,
		date:     e.date,
		usesTime: e.usesTime,
	}
}

func (e *patternEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	rec := recordFromFields(fields)
	if rec == nil {
		rec = recordFromEntry(ent, fields)
	}
	s, err := e.render(rec)
	if err != nil {
		return nil, err
	}
	buf := patternPool.Get()
	buf.AppendString(s)
	buf.AppendByte('\n')
	return buf, nil
}

func (e *patternEncoder) render(rec *Record) (string, error) {
	var asctime string
	if e.usesTime {
		asctime = formatTime(rec, e.date)
	}
	s, err := percentFormat(e.format, nil, func(key string) (any, bool) {
		if key == "asctime" {
			return asctime, true
		}
		return rec.attr(key)
	})
	if err != nil {
		return "", fmt.Errorf("format record: %w", err)
	}
	if rec.ExcText != "" {
		if !strings.HasSuffix(s, "\n") {
			s += "\n"
		}
		s += rec.ExcText
	}
	if rec.StackInfo != "" {
		if !strings.HasSuffix(s, "\n") {
			s += "\n"
		}
		s += rec.StackInfo
	}
	return s, nil
}

type tupleValue []any

func (t tupleValue) String() string { return pyTuple(t) }

// attr 模式串中可引用的记录属性
func (r *Record) attr(key string) (any, bool) {
	switch key {
	case "name":
		return r.Name, true
	case "levelno":
		return int64(r.Levelno), true
	case "levelname":
		return r.Levelname, true
	case "message":
		return r.Message(), true
	case "msg":
		return r.Msg, true
	case "args":
		if len(r.Mapping) > 0 {
			return r.Mapping, true
		}
		return tupleValue(r.Args), true
	case "created":
		return float64(r.Created.UnixNano()) / 1e9, true
	case "msecs":
		return float64(r.Created.Nanosecond()) / 1e6, true
	case "relativeCreated":
		return r.RelativeCreated, true
	case "pathname":
		return r.Pathname, true
	case "filename":
		return r.Filename, true
	case "module":
		return r.Module, true
	case "funcName":
		return r.FuncName, true
	case "lineno":
		return int64(r.Lineno), true
	case "exc_text":
		return optional(r.ExcText), true
	case "stack_info":
		return optional(r.StackInfo), true
	case "process":
		return r.Process, true
	case "processName":
		return r.ProcessName, true
	case "thread":
		return r.Thread, true
	case "threadName":
		return r.ThreadName, true
	}
	v, ok := r.Extra[key]
	return v, ok
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}
