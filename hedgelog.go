// Package hedgelog 是一个日志中继：通过 TCP 接收远端生产者推送的日志记录，
// 按 logger 名称分发到本地配置的输出（控制台、文件、syslog、数据库、GELF、fluentd）。
//
// 本包持有中继自身的诊断日志器：
//
//	err := hedgelog.Init(config.DiagnosticsConfig{
//	    Level:    config.Info,
//	    Encoding: config.JSON,
//	    Output:   config.OutputConfig{Type: config.File, File: &config.FileConfig{Path: logFile, Append: true}},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer hedgelog.Sync()
//	hedgelog.Logger().Named("server").Info("listening")
package hedgelog

import (
	"sync"
	"sync/atomic"

	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
	"github.com/iuboy/hedgelog/internal/adapter"
	"go.uber.org/zap"
)

// 全局诊断日志器（并发安全）
var globalLogger atomic.Pointer[zap.Logger]

// Init 按诊断配置构造日志器并设为全局
func Init(cfg config.DiagnosticsConfig) error {
	logger, err := core.NewLogger(cfg, SyncerFactory)
	if err != nil {
		return err
	}
	SetLogger(logger)
	return nil
}

// SyncerFactory 按输出配置创建同步器，供 Registry 与诊断日志器使用
func SyncerFactory(out config.OutputConfig) (core.WriteSyncer, error) {
	return adapter.CreateSyncer(out)
}

// SetLogger 同时替换 zap 的全局日志器，输出适配器通过 zap.L() 记录自身问题
func SetLogger(logger *zap.Logger) {
	globalLogger.Store(logger)
	zap.ReplaceGlobals(logger)
}

// Logger 获取日志器实例
func Logger() *zap.Logger {
	if logger := globalLogger.Load(); logger != nil {
		return logger
	}
	return fallbackLogger()
}

// Sync 刷新诊断输出，应在进程退出前调用
func Sync() error {
	if logger := globalLogger.Load(); logger != nil {
		return logger.Sync()
	}
	return nil
}

// fallbackLogger 未初始化时使用，只构造一次
var fallbackLogger = sync.OnceValue(func() *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	c, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return c
})
