package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultFormatterName = "hedgelog_formatter"
	defaultHandlerName   = "hedgelog_handler"
)

// LoadLogging 读取并验证日志配置文档
func LoadLogging(path string) (*LoggingConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read logging config: %w", err)
	}
	return ParseLogging(data)
}

// ParseLogging 解析并验证日志配置文档
func ParseLogging(data []byte) (*LoggingConfig, error) {
	var lc LoggingConfig
	if err := json.Unmarshal(data, &lc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	return &lc, nil
}

// BuildLoggingConfig 用单个 formatter/handler/logger 片段拼出完整文档。
// 片段自带的名称原样保留：handler 登记在 logger 引用的第一个名称下，
// formatter 登记在 handler 引用的名称下。片段未引用时使用
// hedgelog_handler 与 hedgelog_formatter。
func BuildLoggingConfig(formatter FormatterConfig, logger LoggerConfig, handler HandlerConfig, loggerName string) LoggingConfig {
	disable := true
	if handler.Formatter == "" {
		handler.Formatter = defaultFormatterName
	}
	if len(logger.Handlers) == 0 {
		logger.Handlers = []string{defaultHandlerName}
	}
	return LoggingConfig{
		Version:                1,
		DisableExistingLoggers: &disable,
		Formatters:             map[string]FormatterConfig{handler.Formatter: formatter},
		Handlers:               map[string]HandlerConfig{logger.Handlers[0]: handler},
		Loggers:                map[string]LoggerConfig{loggerName: logger},
	}
}

// WriteLoggingConfig 以 4 空格缩进写出文档
func WriteLoggingConfig(path string, lc LoggingConfig) error {
	data, err := json.MarshalIndent(lc, "", "    ")
	if err != nil {
		return fmt.Errorf("encode logging config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
