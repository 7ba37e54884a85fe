package adapter

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/iuboy/hedgelog/config"
	"github.com/natefinch/lumberjack"
)

// fileAdapter 普通文件或按大小轮转的文件
type fileAdapter struct {
	mu     sync.Mutex
	w      io.WriteCloser
	f      *os.File // 非轮转模式下用于 Sync
	closed bool
}

func newFileAdapter(cfg config.FileConfig) (*fileAdapter, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("文件路径不能为空")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if cfg.RotateOnStartup {
		if err := rotateLogFileOnStartup(cfg.Path); err != nil {
			return nil, err
		}
	}

	if !cfg.Rotate {
		flags := os.O_WRONLY | os.O_CREATE
		if cfg.Append {
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
		f, err := os.OpenFile(cfg.Path, flags, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		return &fileAdapter{w: f, f: f}, nil
	}

	// lumberjack 总是追加写入
	if !cfg.Append {
		if err := os.Truncate(cfg.Path, 0); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("truncate log file: %w", err)
		}
	}
	return &fileAdapter{
		w: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  cfg.LocalTime,
		},
	}, nil
}

func (f *fileAdapter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, os.ErrClosed
	}
	return f.w.Write(p)
}

func (f *fileAdapter) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.f == nil {
		// Lumberjack 在 Write 时已写入文件
		return nil
	}
	return f.f.Sync()
}

func (f *fileAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if err := f.w.Close(); err != nil {
		return fmt.Errorf("file close failed: %w", err)
	}
	return nil
}

func rotateLogFileOnStartup(logPath string) error {
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return fmt.Errorf("检查日志文件状态失败: %w", err)
	}

	backup := fmt.Sprintf("%s.%s", logPath, time.Now().Format("20060102_150405"))

	var lastErr error
	for i := range 3 {
		if err := os.Rename(logPath, backup); err != nil {
			// 可能已被其他进程处理
			if os.IsNotExist(err) {
				return nil
			}
			lastErr = err
			time.Sleep(100 * time.Millisecond * time.Duration(i+1))
			continue
		}
		return nil
	}
	return fmt.Errorf("日志重命名失败（已重试）: %w", lastErr)
}
