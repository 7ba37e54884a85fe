package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
	"github.com/iuboy/hedgelog/internal/server"
	"github.com/moby/sys/reexec"
	"go.uber.org/zap"
)

const (
	daemonCommand = "hedgelog-daemon"
	configEnv     = "HEDGELOG_DAEMON_CONFIG"
	readyFD       = 3
)

// Detacher 在后台启动中继并等待其就绪
type Detacher interface {
	Detach(ctx context.Context, cfg config.ServerConfig) (pid int, err error)
}

// DaemonMain 子进程入口，由 RegisterDaemon 注册
type DaemonMain func(ctx context.Context, cfg config.ServerConfig, ready io.WriteCloser) error

// RegisterDaemon 注册守护进程入口；main 必须先调用 reexec.Init()
func RegisterDaemon(run DaemonMain) {
	reexec.Register(daemonCommand, func() {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer stop()

		ready := os.NewFile(readyFD, "ready")
		var cfg config.ServerConfig
		if err := json.Unmarshal([]byte(os.Getenv(configEnv)), &cfg); err != nil {
			reportError(ready, err)
			os.Exit(1)
		}
		if err := run(ctx, cfg, ready); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	})
}

// reexecDetacher 以新会话重新执行当前程序，标准输入输出指向 /dev/null，
// 通过 fd 3 上的管道接收 "ready <pid>" 或 "error <kind> <message>"
type reexecDetacher struct{}

func (reexecDetacher) Detach(ctx context.Context, cfg config.ServerConfig) (int, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return 0, err
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devnull.Close()
	r, w, err := os.Pipe()
	if err != nil {
		return 0, err
	}
	defer r.Close()

	cmd := reexec.Command(daemonCommand)
	// 替换掉 Pdeathsig，子进程不能随父进程退出
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = devnull, devnull, devnull
	cmd.ExtraFiles = []*os.File{w}
	cmd.Env = append(os.Environ(), configEnv+"="+string(data))
	cmd.Dir = "/"
	if err := cmd.Start(); err != nil {
		w.Close()
		return 0, fmt.Errorf("start daemon: %w", err)
	}
	w.Close()

	deadline := time.Now().Add(cfg.ReadyTimeout.Std())
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = r.SetReadDeadline(deadline)

	line, readErr := bufio.NewReader(r).ReadString('\n')
	pid, err := parseReadiness(strings.TrimSpace(line), readErr)
	if err != nil {
		// 子进程没有就绪：回收或终止它，不留下孤儿
		if errors.Is(readErr, os.ErrDeadlineExceeded) {
			_ = cmd.Process.Kill()
		}
		_ = cmd.Wait()
		return 0, err
	}
	// 启动方若继续运行，需要回收退出的子进程，否则僵尸进程在 Alive 看来仍然存活
	go func() { _ = cmd.Wait() }()
	return pid, nil
}

func parseReadiness(line string, readErr error) (int, error) {
	if line == "" {
		if errors.Is(readErr, os.ErrDeadlineExceeded) {
			return 0, errors.New("daemon did not report readiness in time")
		}
		return 0, errors.New("daemon exited before reporting readiness")
	}
	kind, rest, _ := strings.Cut(line, " ")
	switch kind {
	case "ready":
		pid, err := strconv.Atoi(rest)
		if err != nil {
			return 0, fmt.Errorf("bad readiness report %q", line)
		}
		return pid, nil
	case "error":
		code, msg, _ := strings.Cut(rest, " ")
		switch code {
		case "running":
			return 0, fmt.Errorf("%w: %s", ErrAlreadyRunning, msg)
		case "bind":
			return 0, fmt.Errorf("%w: %s", server.ErrBind, msg)
		case "config":
			return 0, fmt.Errorf("%w: %s", config.ErrInvalidConfig, msg)
		default:
			return 0, errors.New(msg)
		}
	default:
		return 0, fmt.Errorf("bad readiness report %q", line)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		return "running"
	case errors.Is(err, server.ErrBind):
		return "bind"
	case errors.Is(err, config.ErrInvalidConfig):
		return "config"
	default:
		return "start"
	}
}

func reportError(w io.WriteCloser, err error) {
	msg := strings.ReplaceAll(err.Error(), "\n", " ")
	fmt.Fprintf(w, "error %s %s\n", errorKind(err), msg)
	_ = w.Close()
}

// RunDaemon 守护进程主体：加锁、复查 PID 文件、绑定端口后写入 PID 文件并报告就绪，
// 服务到 ctx 取消后删除 PID 文件。启动失败时不会留下 PID 文件。
func RunDaemon(ctx context.Context, cfg config.ServerConfig, ready io.WriteCloser, factory core.SyncerFactory, log *zap.Logger) error {
	reported := false
	fail := func(err error) error {
		if !reported {
			reportError(ready, err)
		}
		log.Error("daemon failed", zap.Error(err))
		return err
	}

	c, err := New(cfg, factory, WithLogger(log), WithOutput(io.Discard))
	if err != nil {
		return fail(err)
	}
	lock, err := lockPIDFile(c.cfg.PIDFile)
	if err != nil {
		return fail(err)
	}
	defer lock.Unlock()

	lc, err := c.loadLogging()
	if err != nil {
		return fail(err)
	}
	if err := c.checkNotRunning(); err != nil {
		return fail(err)
	}

	pidWritten := false
	defer func() {
		if pidWritten {
			if err := RemovePID(c.cfg.PIDFile); err != nil {
				log.Warn("remove pid file", zap.Error(err))
			}
		}
	}()

	err = c.run(ctx, lc, func(addr net.Addr) error {
		if err := WritePID(c.cfg.PIDFile, os.Getpid()); err != nil {
			return err
		}
		pidWritten = true
		log.Info("daemon ready", zap.Stringer("addr", addr), zap.Int("pid", os.Getpid()))
		_, err := fmt.Fprintf(ready, "ready %d\n", os.Getpid())
		reported = true
		_ = ready.Close()
		return err
	})
	if err != nil {
		return fail(err)
	}
	log.Info("daemon stopped")
	return nil
}
