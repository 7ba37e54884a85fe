package config

import (
	"encoding/json"
	"time"
)

const (
	DefaultHost            = "localhost"
	DefaultPort            = 9020 // 标准 logging TCP 端口
	DefaultPIDDir          = ".hedgelog"
	DefaultPIDName         = "hedgelog.pid"
	DefaultLogName         = "hedgelog.log"
	DefaultPollInterval    = time.Second
	DefaultShutdownTimeout = 5 * time.Second
	DefaultStopAttempts    = 50
	DefaultStopInterval    = 200 * time.Millisecond
	DefaultReadyTimeout    = 10 * time.Second
	DefaultMaxFrameSize    = 16 << 20

	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultBatchSize     = 100
	DefaultBatchInterval = 5 * time.Second
	DefaultMaxOpenConns  = 10
	DefaultMaxIdleConns  = 5
	DefaultFileMaxSizeMB = 100
	DefaultMaxBackups    = 5
	DefaultMaxAgeDays    = 30
	DefaultTimeFormat    = time.RFC3339Nano
	DefaultFormat        = "%(message)s"
	DefaultSyslogPort    = 514
	DefaultGELFPort      = 12201
	DefaultFluentPort    = 24224
	TimeSeriesDriver     = "influxdb"
)

// ServerConfig 中继进程的启动参数，校验后不可变
type ServerConfig struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	LoggingConfig   string   `json:"loggingConfig"` // 日志配置文档路径
	Foreground      bool     `json:"foreground"`
	PIDFile         string   `json:"pidFile"`
	LogFile         string   `json:"logFile"` // 守护进程自身的诊断日志
	MetricsAddr     string   `json:"metricsAddr"`
	PollInterval    Duration `json:"pollInterval"`
	ShutdownTimeout Duration `json:"shutdownTimeout"`
	StopAttempts    int      `json:"stopAttempts"`
	StopInterval    Duration `json:"stopInterval"`
	ReadyTimeout    Duration `json:"readyTimeout"`
	MaxFrameSize    uint32   `json:"maxFrameSize"`
}

// OutputType 定义支持的输出类型
type OutputType string

const (
	Stdout  OutputType = "console"
	File    OutputType = "file"
	DB      OutputType = "database"
	Syslog  OutputType = "syslog"
	GELF    OutputType = "gelf"
	Fluentd OutputType = "fluentd"
	Null    OutputType = "null"
)

// OutputConfig 由 HandlerConfig 解析得到的具体输出配置
type OutputConfig struct {
	Type     OutputType
	Stream   string // stdout / stderr
	File     *FileConfig
	Database *DatabaseConfig
	Syslog   *SyslogConfig
	GELF     *GELFConfig
	Fluentd  *FluentdConfig
}

// FileConfig 定义文件日志配置
type FileConfig struct {
	Path            string `json:"path"`
	Append          bool   `json:"append"`
	Rotate          bool   `json:"rotate"`
	MaxSizeMB       int    `json:"maxSizeMB"`
	MaxBackups      int    `json:"maxBackups"`
	MaxAgeDays      int    `json:"maxAgeDays"`
	Compress        bool   `json:"compress"`
	RotateOnStartup bool   `json:"rotateOnStartup"`
	LocalTime       bool   `json:"localTime"`
}

// DatabaseConfig 定义数据库日志配置
type DatabaseConfig struct {
	DriverName      string            `json:"driver"`
	DataSourceName  string            `json:"dsn"`
	TableName       string            `json:"table"`
	BatchSize       int               `json:"batchSize"`
	BatchInterval   Duration          `json:"batchInterval"`
	MaxConnLifetime Duration          `json:"connMaxLifetime"`
	MaxOpenConns    int               `json:"maxOpenConns"`
	MaxIdleConns    int               `json:"maxIdleConns"`
	RetryDelay      Duration          `json:"retryDelay"`
	TimeSeries      *TimeSeriesConfig `json:"timeSeries"`
}

// TimeSeriesConfig 定义时序数据库配置
type TimeSeriesConfig struct {
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
	Token  string `json:"token"`
	URL    string `json:"url"`
}

// SyslogConfig 定义Syslog配置
type SyslogConfig struct {
	Network       string   // 网络协议
	Address       string   // 服务器地址
	Tag           string   // 应用标识
	Facility      int      // 系统设施
	RetryDelay    Duration // 重试延迟
	TLSSkipVerify bool     // 跳过TLS验证
	StaticHost    string   // 静态主机名
	Secure        bool     // 使用TLS
	RFC5424       bool     // 使用RFC5424格式
	BufferSize    int      // 缓冲区大小
	TimeZone      string   // 时区
	JSONInMessage bool     // JSON数据嵌入消息中
}

// GELFConfig Graylog 输出
type GELFConfig struct {
	Network  string
	Address  string
	Facility string
}

// FluentdConfig fluentd 输出
type FluentdConfig struct {
	Network   string
	Host      string
	Port      int
	TagPrefix string
	Async     bool
}

// EncodingType 定义编码类型
type EncodingType string

const (
	Pattern EncodingType = "pattern"
	JSON    EncodingType = "json"
	Console EncodingType = "console"
)

// EncoderConfig 定义 zap 编码器配置，仅在 encoding 为 json/console 时生效
type EncoderConfig struct {
	TimeFormat    string `json:"timeFormat"`    // 时间格式（Go layout）
	TimeZone      string `json:"timeZone"`      // 时区
	MessageKey    string `json:"messageKey"`    // 消息键
	LevelKey      string `json:"levelKey"`      // 级别键
	TimeKey       string `json:"timeKey"`       // 时间键
	NameKey       string `json:"nameKey"`       // logger 名称键
	CallerKey     string `json:"callerKey"`     // 调用者键
	StacktraceKey string `json:"stacktraceKey"` // 堆栈跟踪键
	ShortCaller   bool   `json:"shortCaller"`   // 简短调用路径
}

// SamplingConfig 定义日志采样配置
type SamplingConfig struct {
	Enabled    bool     `json:"enabled"`
	Initial    int      `json:"initial"`
	Thereafter int      `json:"thereafter"`
	Window     Duration `json:"window"`
}

// FormatterConfig 对应日志配置文档中的 formatters 条目
type FormatterConfig struct {
	Format   string        `json:"format,omitempty"`
	DateFmt  string        `json:"datefmt,omitempty"`
	Style    string        `json:"style,omitempty"`
	Encoding EncodingType  `json:"encoding,omitempty"`
	Encoder  EncoderConfig `json:"encoder,omitzero"`
}

// FilterConfig 按 logger 名称前缀放行
type FilterConfig struct {
	Name string `json:"name"`
}

// HandlerConfig 对应 handlers 条目；不同 class 使用不同的字段子集
type HandlerConfig struct {
	Class     string   `json:"class"`
	Level     Level    `json:"level,omitempty"`
	Formatter string   `json:"formatter,omitempty"`
	Filters   []string `json:"filters,omitempty"`

	// StreamHandler
	Stream string `json:"stream,omitempty"`

	// FileHandler / RotatingFileHandler
	Filename        string `json:"filename,omitempty"`
	Mode            string `json:"mode,omitempty"`
	MaxBytes        int64  `json:"maxBytes,omitempty"`
	BackupCount     int    `json:"backupCount,omitempty"`
	MaxAgeDays      int    `json:"maxAgeDays,omitempty"`
	Compress        bool   `json:"compress,omitempty"`
	LocalTime       bool   `json:"localTime,omitempty"`
	RotateOnStartup bool   `json:"rotateOnStartup,omitempty"`

	// SysLogHandler / GELF / fluentd
	Address       Address  `json:"address,omitempty"`
	Facility      Facility `json:"facility,omitzero"`
	SockType      string   `json:"socktype,omitempty"`
	Tag           string   `json:"tag,omitempty"`
	RFC5424       bool     `json:"rfc5424,omitempty"`
	Secure        bool     `json:"secure,omitempty"`
	TLSSkipVerify bool     `json:"tlsSkipVerify,omitempty"`
	JSONInMessage bool     `json:"jsonInMessage,omitempty"`
	BufferSize    int      `json:"bufferSize,omitempty"`
	RetryDelay    Duration `json:"retryDelay,omitempty"`
	StaticHost    string   `json:"staticHost,omitempty"`
	TimeZone      string   `json:"timeZone,omitempty"`
	Host          string   `json:"host,omitempty"`
	Port          int      `json:"port,omitempty"`
	TagPrefix     string   `json:"tagPrefix,omitempty"`
	Async         bool     `json:"async,omitempty"`

	// DatabaseHandler
	Driver          string            `json:"driver,omitempty"`
	DSN             string            `json:"dsn,omitempty"`
	Table           string            `json:"table,omitempty"`
	BatchSize       int               `json:"batchSize,omitempty"`
	BatchInterval   Duration          `json:"batchInterval,omitempty"`
	MaxOpenConns    int               `json:"maxOpenConns,omitempty"`
	MaxIdleConns    int               `json:"maxIdleConns,omitempty"`
	ConnMaxLifetime Duration          `json:"connMaxLifetime,omitempty"`
	TimeSeries      *TimeSeriesConfig `json:"timeSeries,omitempty"`

	Sampling *SamplingConfig `json:"sampling,omitempty"`
}

// LoggerConfig 对应 loggers 条目以及 root
type LoggerConfig struct {
	Level     Level    `json:"level,omitempty"`
	Handlers  []string `json:"handlers,omitempty"`
	Filters   []string `json:"filters,omitempty"`
	Propagate *bool    `json:"propagate,omitempty"`
}

// ShouldPropagate propagate 缺省为 true
func (lc LoggerConfig) ShouldPropagate() bool {
	return lc.Propagate == nil || *lc.Propagate
}

// LoggingConfig 日志配置文档（字典式 logging 配置的 JSON 形态）
type LoggingConfig struct {
	Version                int                        `json:"version"`
	DisableExistingLoggers *bool                      `json:"disable_existing_loggers,omitempty"`
	Incremental            bool                       `json:"incremental,omitempty"`
	Formatters             map[string]FormatterConfig `json:"formatters,omitempty"`
	Filters                map[string]FilterConfig    `json:"filters,omitempty"`
	Handlers               map[string]HandlerConfig   `json:"handlers,omitempty"`
	Loggers                map[string]LoggerConfig    `json:"loggers,omitempty"`
	Root                   *LoggerConfig              `json:"root,omitempty"`
}

// DiagnosticsConfig 中继自身诊断日志的输出配置
type DiagnosticsConfig struct {
	Level    Level
	Encoding EncodingType
	Output   OutputConfig
}

// Duration 接受 "5s" 形式的字符串或纳秒整数
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}
