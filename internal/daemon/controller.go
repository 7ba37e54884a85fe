// Package daemon 管理中继进程的生命周期：前台运行、脱离终端的守护进程、
// PID 文件以及基于信号的停止流程。
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
	"github.com/iuboy/hedgelog/internal/server"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var (
	ErrAlreadyRunning = errors.New("already running")
	ErrNoPidFile      = errors.New("no pid file")
	ErrSignalDelivery = errors.New("signal delivery failed")
	ErrStillRunning   = errors.New("still running")
)

// State 生命周期状态
type State int32

const (
	NotRunning State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case NotRunning:
		return "not running"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

type Option func(*Controller)

func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) { c.log = log }
}

func WithDetacher(d Detacher) Option {
	return func(c *Controller) { c.detacher = d }
}

func WithSignaler(s Signaler) Option {
	return func(c *Controller) { c.signaler = s }
}

// WithSyncerFactory 替换输出的创建方式
func WithSyncerFactory(f core.SyncerFactory) Option {
	return func(c *Controller) { c.factory = f }
}

// WithOutput 操作员提示的输出位置，缺省为标准输出
func WithOutput(w io.Writer) Option {
	return func(c *Controller) { c.out = w }
}

// WithReadyHook 服务开始接收连接前调用
func WithReadyHook(fn func(net.Addr) error) Option {
	return func(c *Controller) { c.ready = fn }
}

// Controller NotRunning → Starting → Running → Stopping → NotRunning
type Controller struct {
	cfg      config.ServerConfig
	log      *zap.Logger
	detacher Detacher
	signaler Signaler
	factory  core.SyncerFactory
	out      io.Writer
	ready    func(net.Addr) error

	state atomic.Int32
}

// New 验证并固定服务配置
func New(cfg config.ServerConfig, factory core.SyncerFactory, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:      cfg,
		log:      zap.NewNop(),
		detacher: reexecDetacher{},
		signaler: unixSignaler{},
		factory:  factory,
		out:      os.Stdout,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("daemon")
	return c, nil
}

func (c *Controller) Config() config.ServerConfig { return c.cfg }

func (c *Controller) State() State { return State(c.state.Load()) }

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug("state changed", zap.Stringer("from", old), zap.Stringer("to", s))
	}
}

// Start 前台模式阻塞到 ctx 取消；守护模式在子进程就绪后返回
func (c *Controller) Start(ctx context.Context) error {
	lc, err := c.loadLogging()
	if err != nil {
		return err
	}
	if err := c.checkNotRunning(); err != nil {
		return err
	}

	if c.cfg.Foreground {
		return c.run(ctx, lc, c.ready)
	}

	if err := os.MkdirAll(filepath.Dir(c.cfg.PIDFile), pidDirMode); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	c.setState(Starting)
	pid, err := c.detacher.Detach(ctx, c.cfg)
	if err != nil {
		c.setState(NotRunning)
		return err
	}
	c.setState(Running)
	c.log.Info("daemon started", zap.Int("pid", pid), zap.String("pidFile", c.cfg.PIDFile))
	fmt.Fprintln(c.out, "HedgeLog started...")
	return nil
}

func (c *Controller) loadLogging() (*config.LoggingConfig, error) {
	if c.cfg.LoggingConfig == "" {
		return nil, fmt.Errorf("%w: logging config path is required", config.ErrInvalidConfig)
	}
	return config.LoadLogging(c.cfg.LoggingConfig)
}

// checkNotRunning 指向已退出进程的 PID 文件视为过期并忽略
func (c *Controller) checkNotRunning() error {
	pid, err := ReadPID(c.cfg.PIDFile)
	switch {
	case errors.Is(err, ErrNoPidFile):
		return nil
	case err != nil:
		c.log.Warn("ignoring unreadable pid file", zap.Error(err))
		return nil
	case pid != os.Getpid() && c.signaler.Alive(pid):
		return fmt.Errorf("%w: pid %d (%s)", ErrAlreadyRunning, pid, c.cfg.PIDFile)
	default:
		c.log.Info("ignoring stale pid file", zap.Int("pid", pid))
		return nil
	}
}

// run 构造输出、绑定端口并服务到 ctx 取消。ready 在绑定成功后、开始服务前调用。
func (c *Controller) run(ctx context.Context, lc *config.LoggingConfig, ready func(net.Addr) error) (err error) {
	c.setState(Starting)
	defer c.setState(NotRunning)

	reg, err := core.NewRegistry(lc, c.factory)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, reg.Close())
	}()

	metrics := server.NewMetrics()
	srv, err := server.Listen(c.cfg, server.NewDispatcher(reg, metrics), server.WithLogger(c.log))
	if err != nil {
		return err
	}
	if ready != nil {
		if err := ready(srv.Addr()); err != nil {
			return multierr.Append(err, srv.Shutdown(context.Background()))
		}
	}
	fmt.Fprintf(c.out, "Starting TCP server - %s\n", srv.Addr())

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	metricsDone := make(chan error, 1)
	if c.cfg.MetricsAddr != "" {
		go func() { metricsDone <- server.ServeMetrics(serveCtx, c.cfg.MetricsAddr, metrics, c.log) }()
	} else {
		metricsDone <- nil
	}

	c.setState(Running)
	serveErr := srv.Serve(serveCtx)

	c.setState(Stopping)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout.Std())
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		c.log.Warn("connections abandoned at shutdown", zap.Error(err))
	}
	cancel()
	if err := <-metricsDone; err != nil {
		c.log.Warn("metrics endpoint failed", zap.Error(err))
	}
	return serveErr
}

// Stop 发送 SIGTERM 并按固定间隔探测，最多 StopAttempts 次
func (c *Controller) Stop(ctx context.Context) error {
	pid, err := ReadPID(c.cfg.PIDFile)
	if err != nil {
		return err
	}
	if err := c.signaler.Signal(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("%w: pid %d: %v", ErrSignalDelivery, pid, err)
	}
	c.setState(Stopping)
	fmt.Fprintln(c.out, "Trying to shutdown HedgeLog")

	ticker := time.NewTicker(c.cfg.StopInterval.Std())
	defer ticker.Stop()
	for range c.cfg.StopAttempts {
		if !c.signaler.Alive(pid) {
			c.setState(NotRunning)
			fmt.Fprintln(c.out, "HedgeLog stopped.")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	if !c.signaler.Alive(pid) {
		c.setState(NotRunning)
		fmt.Fprintln(c.out, "HedgeLog stopped.")
		return nil
	}
	return fmt.Errorf("%w: pid %d after %d attempts", ErrStillRunning, pid, c.cfg.StopAttempts)
}
