package adapter

import (
	"fmt"
	"io"
	"os"
)

// streamAdapter 写入进程的标准输出或标准错误
type streamAdapter struct {
	f *os.File
}

func newStreamAdapter(stream string) (*streamAdapter, error) {
	switch stream {
	case "stdout":
		return &streamAdapter{f: os.Stdout}, nil
	case "", "stderr":
		return &streamAdapter{f: os.Stderr}, nil
	default:
		return nil, fmt.Errorf("unsupported stream %q", stream)
	}
}

func (s *streamAdapter) Write(p []byte) (int, error) {
	return s.f.Write(p)
}

// Sync 终端和管道不支持 fsync，忽略该错误
func (s *streamAdapter) Sync() error {
	_ = s.f.Sync()
	return nil
}

// Close 不关闭进程级的流
func (s *streamAdapter) Close() error { return nil }

// nullAdapter 丢弃所有输出
type nullAdapter struct{}

var _ io.Writer = nullAdapter{}

func (nullAdapter) Write(p []byte) (int, error) { return len(p), nil }
func (nullAdapter) Sync() error                 { return nil }
func (nullAdapter) Close() error                { return nil }
