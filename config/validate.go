package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidConfig 所有配置错误都包装此错误
var ErrInvalidConfig = errors.New("invalid configuration")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// DefaultPIDPath 返回 ~/.hedgelog/hedgelog.pid
func DefaultPIDPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, DefaultPIDDir, DefaultPIDName), nil
}

// DefaultServerConfig 返回带默认值的服务配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:            DefaultHost,
		Port:            DefaultPort,
		PollInterval:    Duration(DefaultPollInterval),
		ShutdownTimeout: Duration(DefaultShutdownTimeout),
		StopAttempts:    DefaultStopAttempts,
		StopInterval:    Duration(DefaultStopInterval),
		ReadyTimeout:    Duration(DefaultReadyTimeout),
		MaxFrameSize:    DefaultMaxFrameSize,
	}
}

// Addr 监听地址
func (sc *ServerConfig) Addr() string {
	return net.JoinHostPort(sc.Host, strconv.Itoa(sc.Port))
}

// Validate 填充默认值并验证服务配置
func (sc *ServerConfig) Validate() error {
	if sc.Host == "" {
		sc.Host = DefaultHost
	}
	if sc.Port == 0 {
		sc.Port = DefaultPort
	}
	if sc.Port < 0 || sc.Port > 65535 {
		return invalid("port %d out of range", sc.Port)
	}
	if sc.PIDFile == "" {
		p, err := DefaultPIDPath()
		if err != nil {
			return err
		}
		sc.PIDFile = p
	}
	if sc.LogFile == "" {
		sc.LogFile = filepath.Join(filepath.Dir(sc.PIDFile), DefaultLogName)
	}
	// 守护进程的工作目录为 /，路径一律转为绝对路径
	for _, p := range []*string{&sc.PIDFile, &sc.LogFile, &sc.LoggingConfig} {
		if *p == "" {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return invalid("path %q: %v", *p, err)
		}
		*p = abs
	}
	if sc.PollInterval <= 0 {
		sc.PollInterval = Duration(DefaultPollInterval)
	}
	if sc.ShutdownTimeout <= 0 {
		sc.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}
	if sc.StopAttempts <= 0 {
		sc.StopAttempts = DefaultStopAttempts
	}
	if sc.StopInterval <= 0 {
		sc.StopInterval = Duration(DefaultStopInterval)
	}
	if sc.ReadyTimeout <= 0 {
		sc.ReadyTimeout = Duration(DefaultReadyTimeout)
	}
	if sc.MaxFrameSize == 0 {
		sc.MaxFrameSize = DefaultMaxFrameSize
	}
	return nil
}

// Validate 验证日志配置文档
func (lc *LoggingConfig) Validate() error {
	if lc.Version != 1 {
		return invalid("unsupported version: %d", lc.Version)
	}
	if lc.Incremental {
		return invalid("incremental configuration is not supported")
	}
	for name, fc := range lc.Formatters {
		if err := fc.Validate(); err != nil {
			return fmt.Errorf("formatter %q: %w", name, err)
		}
	}
	for name, hc := range lc.Handlers {
		if hc.Formatter != "" {
			if _, ok := lc.Formatters[hc.Formatter]; !ok {
				return invalid("handler %q: unknown formatter %q", name, hc.Formatter)
			}
		}
		if err := lc.checkFilters(hc.Filters); err != nil {
			return fmt.Errorf("handler %q: %w", name, err)
		}
		if _, err := hc.Output(); err != nil {
			return fmt.Errorf("handler %q: %w", name, err)
		}
		if hc.Sampling != nil {
			if err := hc.Sampling.Validate(); err != nil {
				return fmt.Errorf("handler %q: %w", name, err)
			}
		}
	}
	for name, l := range lc.Loggers {
		if name == "" {
			return invalid("logger name must not be empty, use root")
		}
		if err := lc.checkLogger(l); err != nil {
			return fmt.Errorf("logger %q: %w", name, err)
		}
	}
	if lc.Root != nil {
		if err := lc.checkLogger(*lc.Root); err != nil {
			return fmt.Errorf("root logger: %w", err)
		}
	}
	return nil
}

func (lc *LoggingConfig) checkLogger(l LoggerConfig) error {
	for _, h := range l.Handlers {
		if _, ok := lc.Handlers[h]; !ok {
			return invalid("unknown handler %q", h)
		}
	}
	return lc.checkFilters(l.Filters)
}

func (lc *LoggingConfig) checkFilters(names []string) error {
	for _, f := range names {
		if _, ok := lc.Filters[f]; !ok {
			return invalid("unknown filter %q", f)
		}
	}
	return nil
}

// Validate 验证格式化器配置
func (fc *FormatterConfig) Validate() error {
	if fc.Style != "" && fc.Style != "%" {
		return invalid("unsupported format style %q", fc.Style)
	}
	switch fc.Encoding {
	case "", Pattern, JSON, Console:
	default:
		return invalid("unsupported encoding %q", fc.Encoding)
	}
	return nil
}

// EffectiveEncoding 未指定时使用模式串
func (fc FormatterConfig) EffectiveEncoding() EncodingType {
	if fc.Encoding == "" {
		return Pattern
	}
	return fc.Encoding
}

var handlerClasses = map[string]OutputType{
	"logging.StreamHandler":                     Stdout,
	"console":                                   Stdout,
	"stream":                                    Stdout,
	"logging.FileHandler":                       File,
	"file":                                      File,
	"logging.handlers.RotatingFileHandler":      File,
	"logging.handlers.TimedRotatingFileHandler": File,
	"rotating_file":                             File,
	"logging.handlers.SysLogHandler":            Syslog,
	"syslog":                                    Syslog,
	"hedgelog.DatabaseHandler":                  DB,
	"database":                                  DB,
	"hedgelog.GELFHandler":                      GELF,
	"gelf":                                      GELF,
	"hedgelog.FluentHandler":                    Fluentd,
	"fluentd":                                   Fluentd,
	"logging.NullHandler":                       Null,
	"null":                                      Null,
}

func isRotatingClass(class string) bool {
	return class == "rotating_file" || strings.HasPrefix(class, "logging.handlers.") && strings.HasSuffix(class, "RotatingFileHandler")
}

// Output 把 handler 条目解析为具体输出配置
func (hc HandlerConfig) Output() (OutputConfig, error) {
	typ, ok := handlerClasses[hc.Class]
	if !ok {
		return OutputConfig{}, invalid("unsupported handler class %q", hc.Class)
	}
	out := OutputConfig{Type: typ}

	switch typ {
	case Stdout:
		switch hc.Stream {
		case "", "ext://sys.stderr", "stderr":
			out.Stream = "stderr"
		case "ext://sys.stdout", "stdout":
			out.Stream = "stdout"
		default:
			return out, invalid("unsupported stream %q", hc.Stream)
		}
	case File:
		fc := &FileConfig{
			Path:            hc.Filename,
			MaxBackups:      hc.BackupCount,
			MaxAgeDays:      hc.MaxAgeDays,
			Compress:        hc.Compress,
			LocalTime:       hc.LocalTime,
			RotateOnStartup: hc.RotateOnStartup,
		}
		switch hc.Mode {
		case "", "a":
			fc.Append = true
		case "w":
		default:
			return out, invalid("unsupported file mode %q", hc.Mode)
		}
		if isRotatingClass(hc.Class) && (hc.MaxBytes > 0 || hc.MaxAgeDays > 0) {
			fc.Rotate = true
			fc.MaxSizeMB = int((hc.MaxBytes + (1<<20 - 1)) >> 20)
		}
		if err := fc.Validate(); err != nil {
			return out, err
		}
		out.File = fc
	case Syslog:
		sc := &SyslogConfig{
			Network:       hc.SockType,
			Address:       string(hc.Address),
			Tag:           hc.Tag,
			Facility:      1,
			RetryDelay:    hc.RetryDelay,
			TLSSkipVerify: hc.TLSSkipVerify,
			StaticHost:    hc.StaticHost,
			Secure:        hc.Secure,
			RFC5424:       hc.RFC5424,
			BufferSize:    hc.BufferSize,
			TimeZone:      hc.TimeZone,
			JSONInMessage: hc.JSONInMessage,
		}
		if hc.Facility.Set {
			sc.Facility = hc.Facility.Code
		}
		if sc.Network == "" && hc.Address.IsPath() {
			sc.Network = "unixgram"
		}
		if err := sc.Validate(); err != nil {
			return out, err
		}
		out.Syslog = sc
	case DB:
		dc := &DatabaseConfig{
			DriverName:      hc.Driver,
			DataSourceName:  hc.DSN,
			TableName:       hc.Table,
			BatchSize:       hc.BatchSize,
			BatchInterval:   hc.BatchInterval,
			MaxConnLifetime: hc.ConnMaxLifetime,
			MaxOpenConns:    hc.MaxOpenConns,
			MaxIdleConns:    hc.MaxIdleConns,
			RetryDelay:      hc.RetryDelay,
			TimeSeries:      hc.TimeSeries,
		}
		if err := dc.Validate(); err != nil {
			return out, err
		}
		out.Database = dc
	case GELF:
		gc := &GELFConfig{
			Network:  hc.SockType,
			Address:  string(hc.Address),
			Facility: hc.Facility.Name,
		}
		if err := gc.Validate(); err != nil {
			return out, err
		}
		out.GELF = gc
	case Fluentd:
		fc := &FluentdConfig{
			Network:   hc.SockType,
			Host:      hc.Host,
			Port:      hc.Port,
			TagPrefix: hc.TagPrefix,
			Async:     hc.Async,
		}
		if err := fc.Validate(); err != nil {
			return out, err
		}
		out.Fluentd = fc
	}
	return out, nil
}

// Validate 验证文件配置
func (fc *FileConfig) Validate() error {
	if fc.Path == "" {
		return invalid("file path is required")
	}
	if !filepath.IsAbs(fc.Path) {
		abs, err := filepath.Abs(fc.Path)
		if err != nil {
			return invalid("file path %q: %v", fc.Path, err)
		}
		fc.Path = abs
	}
	if !fc.Rotate {
		return nil
	}
	if fc.MaxSizeMB == 0 {
		fc.MaxSizeMB = DefaultFileMaxSizeMB
	}
	if fc.MaxBackups == 0 {
		fc.MaxBackups = DefaultMaxBackups
	}
	return nil
}

// Validate 验证数据库配置
func (dc *DatabaseConfig) Validate() error {
	if dc.BatchSize == 0 {
		dc.BatchSize = DefaultBatchSize
	}
	if dc.BatchInterval == 0 {
		dc.BatchInterval = Duration(DefaultBatchInterval)
	}
	if dc.MaxOpenConns == 0 {
		dc.MaxOpenConns = DefaultMaxOpenConns
	}
	if dc.MaxIdleConns == 0 {
		dc.MaxIdleConns = DefaultMaxIdleConns
	}
	if dc.RetryDelay == 0 {
		dc.RetryDelay = Duration(DefaultRetryDelay)
	}

	switch dc.DriverName {
	case "mysql", "postgres":
		if dc.DataSourceName == "" {
			return invalid("data source name is required for SQL databases")
		}
		if dc.TableName == "" {
			return invalid("table name is required for SQL databases")
		}
	case TimeSeriesDriver:
		if dc.TimeSeries == nil {
			return invalid("time series configuration required for driver: %s", TimeSeriesDriver)
		}
		if err := dc.TimeSeries.Validate(); err != nil {
			return fmt.Errorf("time series config validation failed: %w", err)
		}
	default:
		return invalid("unsupported driver: %q", dc.DriverName)
	}
	return nil
}

// Validate 验证时序配置
func (ts *TimeSeriesConfig) Validate() error {
	if ts.URL == "" {
		return invalid("URL is required for time series database")
	}
	if ts.Bucket == "" {
		return invalid("bucket is required for time series database")
	}
	if ts.Token == "" {
		return invalid("token is required for time series database")
	}
	return nil
}

// Validate 验证Syslog配置
func (sc *SyslogConfig) Validate() error {
	if sc.Network == "" {
		sc.Network = "udp"
	}
	switch sc.Network {
	case "tcp", "udp", "unix", "unixgram":
	default:
		return invalid("unsupported syslog socktype %q", sc.Network)
	}
	if sc.Address == "" {
		sc.Address = net.JoinHostPort("localhost", strconv.Itoa(DefaultSyslogPort))
	}
	if sc.Tag == "" {
		sc.Tag = "hedgelog"
	}
	if sc.RetryDelay == 0 {
		sc.RetryDelay = Duration(DefaultRetryDelay)
	}
	if sc.Facility < 0 || sc.Facility > 23 {
		return invalid("invalid syslog facility: %d, must be 0-23", sc.Facility)
	}
	if sc.TimeZone != "" {
		if _, err := time.LoadLocation(sc.TimeZone); err != nil {
			return invalid("invalid time zone: %s", sc.TimeZone)
		}
	}
	return nil
}

// Validate 验证 GELF 配置
func (gc *GELFConfig) Validate() error {
	if gc.Network == "" {
		gc.Network = "udp"
	}
	if gc.Network != "udp" && gc.Network != "tcp" {
		return invalid("unsupported gelf socktype %q", gc.Network)
	}
	if gc.Address == "" {
		gc.Address = net.JoinHostPort("localhost", strconv.Itoa(DefaultGELFPort))
	}
	return nil
}

// Validate 验证 fluentd 配置
func (fc *FluentdConfig) Validate() error {
	if fc.Network == "" {
		fc.Network = "tcp"
	}
	if fc.Network != "tcp" && fc.Network != "unix" {
		return invalid("unsupported fluentd socktype %q", fc.Network)
	}
	if fc.Host == "" {
		fc.Host = "localhost"
	}
	if fc.Port == 0 {
		fc.Port = DefaultFluentPort
	}
	return nil
}

// ApplyDefaults 设置编码器默认值
func (ec *EncoderConfig) ApplyDefaults() *EncoderConfig {
	if ec.TimeFormat == "" {
		ec.TimeFormat = DefaultTimeFormat
	}
	if ec.TimeZone == "" {
		ec.TimeZone = "Local"
	}
	if ec.MessageKey == "" {
		ec.MessageKey = "msg"
	}
	if ec.LevelKey == "" {
		ec.LevelKey = "level"
	}
	if ec.TimeKey == "" {
		ec.TimeKey = "time"
	}
	if ec.NameKey == "" {
		ec.NameKey = "logger"
	}
	if ec.CallerKey == "" {
		ec.CallerKey = "caller"
	}
	if ec.StacktraceKey == "" {
		ec.StacktraceKey = "stacktrace"
	}
	return ec
}

// Validate 验证采样配置
func (sc *SamplingConfig) Validate() error {
	if !sc.Enabled {
		return nil
	}
	if sc.Initial <= 0 || sc.Thereafter <= 0 || sc.Window <= 0 {
		return invalid("sampling requires positive initial, thereafter and window values")
	}
	return nil
}
