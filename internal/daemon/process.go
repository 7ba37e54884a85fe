package daemon

import (
	"errors"

	"golang.org/x/sys/unix"
)

// Signaler 向进程发送信号，测试中可替换
type Signaler interface {
	Signal(pid int, sig unix.Signal) error
	Alive(pid int) bool
}

type unixSignaler struct{}

func (unixSignaler) Signal(pid int, sig unix.Signal) error {
	return unix.Kill(pid, sig)
}

// Alive 用 0 号信号探测；EPERM 说明进程存在但属于其他用户
func (unixSignaler) Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
