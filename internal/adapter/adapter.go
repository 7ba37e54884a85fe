package adapter

import (
	"errors"
	"fmt"

	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
)

// CreateSyncer 根据输出配置创建同步器
func CreateSyncer(out config.OutputConfig) (core.WriteSyncer, error) {
	switch out.Type {
	case config.Stdout:
		return newStreamAdapter(out.Stream)
	case config.File:
		if out.File == nil {
			return nil, errors.New("文件配置缺失")
		}
		return newFileAdapter(*out.File)
	case config.DB:
		if out.Database == nil {
			return nil, errors.New("数据库配置缺失")
		}
		return newDBAdapter(*out.Database)
	case config.Syslog:
		if out.Syslog == nil {
			return nil, errors.New("Syslog配置缺失")
		}
		return newSyslogAdapter(*out.Syslog)
	case config.GELF:
		if out.GELF == nil {
			return nil, errors.New("GELF配置缺失")
		}
		return newGELFAdapter(*out.GELF)
	case config.Fluentd:
		if out.Fluentd == nil {
			return nil, errors.New("fluentd配置缺失")
		}
		return newFluentdAdapter(*out.Fluentd)
	case config.Null:
		return nullAdapter{}, nil
	default:
		return nil, fmt.Errorf("不支持的输出类型: %s", out.Type)
	}
}
