package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/iuboy/hedgelog"
	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/internal/daemon"
	"github.com/iuboy/hedgelog/internal/server"
	"github.com/moby/sys/reexec"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// 退出码
const (
	exitOK = iota
	exitFailure
	exitUsage
	exitAlreadyRunning
	exitNoPidFile
	exitSignal
	exitStillRunning
)

// statusError 携带退出码，Status 为空时只退出不打印
type statusError struct {
	Status     string
	StatusCode int
}

func (e statusError) Error() string {
	return fmt.Sprintf("status: %s, code: %d", e.Status, e.StatusCode)
}

func init() {
	daemon.RegisterDaemon(func(ctx context.Context, cfg config.ServerConfig, ready io.WriteCloser) error {
		if err := hedgelog.Init(daemonDiagnostics(cfg)); err != nil {
			// 诊断日志不可用时退回到丢弃
			hedgelog.SetLogger(zap.NewNop())
		}
		defer hedgelog.Sync()
		return daemon.RunDaemon(ctx, cfg, ready, hedgelog.SyncerFactory, hedgelog.Logger())
	})
}

func daemonDiagnostics(cfg config.ServerConfig) config.DiagnosticsConfig {
	return config.DiagnosticsConfig{
		Level:    config.Info,
		Encoding: config.JSON,
		Output: config.OutputConfig{
			Type: config.File,
			File: &config.FileConfig{Path: cfg.LogFile, Append: true, Rotate: true, MaxSizeMB: 50, MaxBackups: 3},
		},
	}
}

// cliDiagnostics 命令行进程的诊断输出，非调试模式只报告警告
func cliDiagnostics(debug bool) config.DiagnosticsConfig {
	level := config.Warning
	if debug {
		level = config.Debug
	}
	return config.DiagnosticsConfig{
		Level:    level,
		Encoding: config.Console,
		Output:   config.OutputConfig{Type: config.Stdout, Stream: "stderr"},
	}
}

type options struct {
	cfg   config.ServerConfig
	debug bool
}

func newRootCommand() *cobra.Command {
	opts := &options{cfg: config.DefaultServerConfig()}

	cmd := &cobra.Command{
		Use:           "hedgelog <start|stop> [OPTIONS]",
		Short:         "Relay log records received over TCP to local handlers",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          unknownCommand,
		RunE: func(cmd *cobra.Command, args []string) error {
			return statusError{Status: "Don't know what to do.", StatusCode: exitUsage}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfg.LoggingConfig, "config", "", "Logging configuration document")
	flags.StringVar(&opts.cfg.Host, "host", opts.cfg.Host, "Address to listen on")
	flags.IntVar(&opts.cfg.Port, "port", opts.cfg.Port, "Port to listen on")
	flags.BoolVar(&opts.debug, "debug", false, "Run in the foreground with debug diagnostics on stderr")
	flags.StringVar(&opts.cfg.PIDFile, "pid-file", "", "PID file path (default ~/.hedgelog/hedgelog.pid)")
	flags.StringVar(&opts.cfg.LogFile, "log-file", "", "Daemon diagnostics log (default next to the PID file)")
	flags.StringVar(&opts.cfg.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return statusError{Status: err.Error(), StatusCode: exitUsage}
	})
	cmd.AddCommand(newStartCommand(opts), newStopCommand(opts))
	return cmd
}

func unknownCommand(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return nil
	}
	return statusError{Status: "Don't know what to do.", StatusCode: exitUsage}
}

func newStartCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.cfg.Foreground = opts.debug
			if err := hedgelog.Init(cliDiagnostics(opts.debug)); err != nil {
				return err
			}
			defer hedgelog.Sync()
			c, err := daemon.New(opts.cfg, hedgelog.SyncerFactory,
				daemon.WithLogger(hedgelog.Logger()),
				daemon.WithOutput(cmd.OutOrStdout()))
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()
			return c.Start(ctx)
		},
	}
}

func newStopCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := daemon.New(opts.cfg, nil, daemon.WithOutput(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			return c.Stop(cmd.Context())
		},
	}
}

func exitCode(err error) int {
	var sterr statusError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &sterr):
		if sterr.StatusCode == 0 {
			return exitFailure
		}
		return sterr.StatusCode
	case errors.Is(err, daemon.ErrAlreadyRunning), errors.Is(err, server.ErrBind):
		return exitAlreadyRunning
	case errors.Is(err, daemon.ErrNoPidFile):
		return exitNoPidFile
	case errors.Is(err, daemon.ErrSignalDelivery):
		return exitSignal
	case errors.Is(err, daemon.ErrStillRunning):
		return exitStillRunning
	default:
		return exitFailure
	}
}

func main() {
	if reexec.Init() {
		return
	}

	cmd := newRootCommand()
	err := cmd.ExecuteContext(context.Background())
	if err != nil {
		var sterr statusError
		if errors.As(err, &sterr) {
			if sterr.Status != "" {
				fmt.Fprintln(os.Stderr, sterr.Status)
			}
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
	}
	os.Exit(exitCode(err))
}
