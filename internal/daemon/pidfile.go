package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

const pidDirMode = 0o751

// ReadPID 读取 PID 文件；文件不存在时返回 ErrNoPidFile
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", ErrNoPidFile, path)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", ErrSignalDelivery, path, err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: invalid pid %q in %s", ErrSignalDelivery, strings.TrimSpace(string(data)), path)
	}
	return pid, nil
}

// WritePID 先写临时文件再改名，读者不会看到半个 pid
func WritePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), pidDirMode); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// RemovePID 文件已不存在时不报错
func RemovePID(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// lockPIDFile 对 <pidfile>.lock 加排他锁，防止两个守护进程同时启动
func lockPIDFile(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), pidDirMode); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s is locked by another instance", ErrAlreadyRunning, lock.Path())
	}
	return lock, nil
}
