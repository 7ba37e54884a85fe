package protocol

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
	"github.com/valyala/fastjson"
)

// SchemaVersion 当前记录格式版本
const SchemaVersion = 1

// created 允许的范围：公元 1 年至 9999 年
const (
	minCreated = -62135596800
	maxCreated = 253402300799
)

// ErrDecode 负载不是合法的记录
var ErrDecode = errors.New("decode error")

// ignoredKeys 由其他字段推导或仅在生产者一侧有意义
var ignoredKeys = map[string]struct{}{
	"v":        {},
	"msecs":    {},
	"exc_info": {},
	"message":  {},
	"asctime":  {},
}

// Decoder 把负载还原为记录，可并发使用
type Decoder struct {
	parsers fastjson.ParserPool
	now     func() time.Time
}

func NewDecoder() *Decoder {
	return &Decoder{now: time.Now}
}

func decodeErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDecode, fmt.Sprintf(format, args...))
}

// Decode 解析一帧负载；出错时不影响后续帧
func (d *Decoder) Decode(payload []byte) (*core.Record, error) {
	p := d.parsers.Get()
	defer d.parsers.Put(p)

	v, err := p.ParseBytes(payload)
	if err != nil {
		return nil, decodeErr("%v", err)
	}
	obj, err := v.Object()
	if err != nil {
		return nil, decodeErr("payload is a %s, not an object", v.Type())
	}

	if ver := obj.Get("v"); ver != nil {
		n, err := ver.Int()
		if err != nil || n != SchemaVersion {
			return nil, decodeErr("unsupported schema version %s", ver)
		}
	}

	rec := &core.Record{}
	var (
		hasName, hasMsg, hasLevelno bool
		levelname                   string
		created                     float64
		hasCreated                  bool
		fieldErr                    error
	)
	fail := func(key string, want string, v *fastjson.Value) {
		if fieldErr == nil {
			fieldErr = decodeErr("%s: expected %s, got %s", key, want, v.Type())
		}
	}

	obj.Visit(func(k []byte, v *fastjson.Value) {
		if fieldErr != nil {
			return
		}
		key := string(k)
		switch key {
		case "name":
			s, ok := stringValue(v)
			if !ok {
				fail(key, "string", v)
				return
			}
			rec.Name, hasName = s, true
		case "msg":
			s, ok := msgValue(v)
			if !ok {
				fail(key, "scalar", v)
				return
			}
			rec.Msg, hasMsg = s, true
		case "args":
			switch v.Type() {
			case fastjson.TypeNull:
			case fastjson.TypeArray:
				items, _ := v.Array()
				rec.Args = make([]any, len(items))
				for i, item := range items {
					rec.Args[i] = toGo(item)
				}
			case fastjson.TypeObject:
				rec.Mapping, _ = toGo(v).(map[string]any)
			default:
				fail(key, "array or object", v)
			}
		case "levelno":
			n, err := v.Int()
			if err != nil {
				fail(key, "integer", v)
				return
			}
			rec.Levelno, hasLevelno = n, true
		case "levelname":
			s, ok := stringValue(v)
			if !ok {
				fail(key, "string", v)
				return
			}
			levelname = s
		case "created":
			f, err := v.Float64()
			if err != nil {
				fail(key, "number", v)
				return
			}
			created, hasCreated = f, true
		case "relativeCreated":
			if f, err := v.Float64(); err == nil {
				rec.RelativeCreated = f
			}
		case "pathname":
			optionalString(key, v, &rec.Pathname, fail)
		case "filename":
			optionalString(key, v, &rec.Filename, fail)
		case "module":
			optionalString(key, v, &rec.Module, fail)
		case "funcName":
			optionalString(key, v, &rec.FuncName, fail)
		case "exc_text":
			optionalString(key, v, &rec.ExcText, fail)
		case "stack_info":
			optionalString(key, v, &rec.StackInfo, fail)
		case "processName":
			optionalString(key, v, &rec.ProcessName, fail)
		case "threadName":
			optionalString(key, v, &rec.ThreadName, fail)
		case "lineno":
			if v.Type() == fastjson.TypeNull {
				return
			}
			n, err := v.Int()
			if err != nil {
				fail(key, "integer", v)
				return
			}
			rec.Lineno = n
		case "process":
			if v.Type() == fastjson.TypeNull {
				return
			}
			n, err := v.Int64()
			if err != nil {
				fail(key, "integer", v)
				return
			}
			rec.Process = n
		case "thread":
			if v.Type() == fastjson.TypeNull {
				return
			}
			n, err := v.Uint64()
			if err != nil {
				fail(key, "integer", v)
				return
			}
			rec.Thread = n
		default:
			if _, ok := ignoredKeys[key]; ok {
				return
			}
			if rec.Extra == nil {
				rec.Extra = make(map[string]any)
			}
			rec.Extra[key] = toGo(v)
		}
	})
	if fieldErr != nil {
		return nil, fieldErr
	}

	switch {
	case !hasName:
		return nil, decodeErr("missing name")
	case !hasMsg:
		return nil, decodeErr("missing msg")
	}

	switch {
	case hasLevelno:
		rec.Levelname = levelname
		if rec.Levelname == "" {
			rec.Levelname = core.LevelName(rec.Levelno)
		}
	case levelname != "":
		lvl, err := config.ParseLevel(levelname)
		if err != nil {
			return nil, decodeErr("unknown levelname %q", levelname)
		}
		rec.Levelno, rec.Levelname = int(lvl), levelname
	default:
		return nil, decodeErr("missing levelno and levelname")
	}

	if hasCreated {
		if !(created >= minCreated && created <= maxCreated) {
			return nil, decodeErr("created %g out of range", created)
		}
		sec, frac := math.Modf(created)
		rec.Created = time.Unix(int64(sec), int64(math.Round(frac*1e6))*1e3)
	} else {
		rec.Created = d.now()
	}
	return rec.Seal(), nil
}

func stringValue(v *fastjson.Value) (string, bool) {
	b, err := v.StringBytes()
	if err != nil {
		return "", false
	}
	return string(b), true
}

func optionalString(key string, v *fastjson.Value, dst *string, fail func(string, string, *fastjson.Value)) {
	if v.Type() == fastjson.TypeNull {
		return
	}
	s, ok := stringValue(v)
	if !ok {
		fail(key, "string or null", v)
		return
	}
	*dst = s
}

// msgValue 非字符串的消息按 str() 的结果呈现
func msgValue(v *fastjson.Value) (string, bool) {
	switch v.Type() {
	case fastjson.TypeString:
		return stringValue(v)
	case fastjson.TypeNumber:
		return string(v.MarshalTo(nil)), true
	case fastjson.TypeTrue:
		return "True", true
	case fastjson.TypeFalse:
		return "False", true
	case fastjson.TypeNull:
		return "None", true
	default:
		return "", false
	}
}

// toGo 转换为普通 Go 值；整数优先保留为 int64
func toGo(v *fastjson.Value) any {
	switch v.Type() {
	case fastjson.TypeNull:
		return nil
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeNumber:
		if n, err := v.Int64(); err == nil {
			return n
		}
		f, _ := v.Float64()
		return f
	case fastjson.TypeArray:
		items, _ := v.Array()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = toGo(item)
		}
		return out
	case fastjson.TypeObject:
		obj, _ := v.Object()
		out := make(map[string]any, obj.Len())
		obj.Visit(func(k []byte, item *fastjson.Value) {
			out[string(k)] = toGo(item)
		})
		return out
	}
	return nil
}
