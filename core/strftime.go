package core

import (
	"fmt"
	"time"

	"github.com/iuboy/hedgelog/config"
	"github.com/lestrrat-go/strftime"
)

// 在 C strftime 指令之外支持 %f（微秒）与 %s（Unix 秒）
var dateOptions = []strftime.Option{
	strftime.WithMicroseconds('f'),
	strftime.WithUnixSeconds('s'),
}

// defaultDate 2006-01-02 15:04:05,000
var defaultDate = mustCompileDate("%Y-%m-%d %H:%M:%S,%L", strftime.WithMilliseconds('L'))

func compileDate(datefmt string) (*strftime.Strftime, error) {
	f, err := strftime.New(datefmt, dateOptions...)
	if err != nil {
		return nil, fmt.Errorf("%w: datefmt %q: %v", config.ErrInvalidConfig, datefmt, err)
	}
	return f, nil
}

func mustCompileDate(datefmt string, extra ...strftime.Option) *strftime.Strftime {
	f, err := strftime.New(datefmt, append(extra, dateOptions...)...)
	if err != nil {
		panic(err)
	}
	return f
}

// formatTime 记录时间按本地时区渲染，未配置 datefmt 时使用 defaultDate
func formatTime(rec *Record, date *strftime.Strftime) string {
	if date == nil {
		date = defaultDate
	}
	return date.FormatString(rec.Created.In(time.Local))
}
