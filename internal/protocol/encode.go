package protocol

import (
	"fmt"
	"io"
	"sort"

	"github.com/iuboy/hedgelog/core"
	"github.com/valyala/fastjson"
)

var arenas fastjson.ArenaPool

// EncodeRecord 按当前版本编码记录，Extra 中与已知字段同名的键被忽略
func EncodeRecord(rec *core.Record) []byte {
	a := arenas.Get()
	defer arenas.Put(a)

	o := a.NewObject()
	o.Set("v", a.NewNumberInt(SchemaVersion))
	o.Set("name", a.NewString(rec.Name))
	o.Set("msg", a.NewString(rec.Msg))
	switch {
	case len(rec.Mapping) > 0:
		o.Set("args", arenaValue(a, rec.Mapping))
	case len(rec.Args) > 0:
		o.Set("args", arenaValue(a, rec.Args))
	}
	o.Set("levelno", a.NewNumberInt(rec.Levelno))
	levelname := rec.Levelname
	if levelname == "" {
		levelname = core.LevelName(rec.Levelno)
	}
	o.Set("levelname", a.NewString(levelname))
	if !rec.Created.IsZero() {
		o.Set("created", a.NewNumberFloat64(float64(rec.Created.UnixMicro())/1e6))
	}

	setString := func(key, s string) {
		if s != "" {
			o.Set(key, a.NewString(s))
		}
	}
	setString("pathname", rec.Pathname)
	setString("filename", rec.Filename)
	setString("module", rec.Module)
	setString("funcName", rec.FuncName)
	if rec.Lineno != 0 {
		o.Set("lineno", a.NewNumberInt(rec.Lineno))
	}
	setString("exc_text", rec.ExcText)
	setString("stack_info", rec.StackInfo)
	if rec.Process != 0 {
		o.Set("process", a.NewNumberString(fmt.Sprint(rec.Process)))
	}
	setString("processName", rec.ProcessName)
	if rec.Thread != 0 {
		o.Set("thread", a.NewNumberString(fmt.Sprint(rec.Thread)))
	}
	setString("threadName", rec.ThreadName)

	keys := make([]string, 0, len(rec.Extra))
	for k := range rec.Extra {
		if o.Get(k) == nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		o.Set(k, arenaValue(a, rec.Extra[k]))
	}
	return o.MarshalTo(nil)
}

// WriteRecord 编码并写出一帧
func WriteRecord(w io.Writer, rec *core.Record) error {
	return WriteFrame(w, EncodeRecord(rec))
}

func arenaValue(a *fastjson.Arena, v any) *fastjson.Value {
	switch x := v.(type) {
	case nil:
		return a.NewNull()
	case bool:
		if x {
			return a.NewTrue()
		}
		return a.NewFalse()
	case string:
		return a.NewString(x)
	case int:
		return a.NewNumberInt(x)
	case int64:
		return a.NewNumberString(fmt.Sprint(x))
	case uint64:
		return a.NewNumberString(fmt.Sprint(x))
	case float64:
		return a.NewNumberFloat64(x)
	case []any:
		arr := a.NewArray()
		for i, item := range x {
			arr.SetArrayItem(i, arenaValue(a, item))
		}
		return arr
	case map[string]any:
		obj := a.NewObject()
		for k, item := range x {
			obj.Set(k, arenaValue(a, item))
		}
		return obj
	default:
		return a.NewString(fmt.Sprint(x))
	}
}
