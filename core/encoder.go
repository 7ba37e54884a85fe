package core

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/iuboy/hedgelog/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	encoderMu    sync.Mutex
	encoderCache = make(map[string]zapcore.Encoder)
)

const (
	maxEncoderCacheSize = 10
)

// SyncerFactory 根据输出配置创建同步器
type SyncerFactory func(config.OutputConfig) (WriteSyncer, error)

// NewLogger 创建中继自身的诊断日志器
func NewLogger(cfg config.DiagnosticsConfig, factory SyncerFactory) (*zap.Logger, error) {
	syncer, err := factory(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("创建同步器失败: %w", err)
	}

	encoding := cfg.Encoding
	if encoding == "" || encoding == config.Pattern {
		encoding = config.Console
	}
	encoder := getEncoder(config.EncoderConfig{ShortCaller: true}, encoding)
	c := zapcore.NewCore(encoder, zapcore.Lock(syncer), ZapLevel(int(cfg.Level)))

	return zap.New(c, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// newFormatterEncoder 按 formatter 配置选择模式编码器或 zap 编码器
func newFormatterEncoder(fc config.FormatterConfig) zapcore.Encoder {
	switch fc.EffectiveEncoding() {
	case config.JSON, config.Console:
		return getEncoder(fc.Encoder, fc.EffectiveEncoding())
	default:
		return newPatternEncoder(fc.Format, fc.DateFmt)
	}
}

func getEncoder(encCfg config.EncoderConfig, encoding config.EncodingType) zapcore.Encoder {
	defaultCfg := *encCfg.ApplyDefaults()

	// 只包含影响 encoder 的字段
	var b strings.Builder
	b.Grow(256)
	for _, s := range []string{
		string(encoding),
		defaultCfg.TimeFormat,
		defaultCfg.TimeZone,
		defaultCfg.MessageKey,
		defaultCfg.LevelKey,
		defaultCfg.TimeKey,
		defaultCfg.NameKey,
		defaultCfg.CallerKey,
		defaultCfg.StacktraceKey,
		strconv.FormatBool(defaultCfg.ShortCaller),
	} {
		b.WriteString(s)
		b.WriteByte('|')
	}
	sum := sha1.Sum([]byte(b.String()))
	cacheKey := hex.EncodeToString(sum[:])

	encoderMu.Lock()
	defer encoderMu.Unlock()

	if encoder, ok := encoderCache[cacheKey]; ok {
		return encoder.Clone()
	}

	// 清理缓存（如果超过最大大小）
	if len(encoderCache) >= maxEncoderCacheSize {
		for k := range encoderCache {
			delete(encoderCache, k)
			break
		}
	}

	encoder := createEncoder(defaultCfg, encoding)
	encoderCache[cacheKey] = encoder
	return encoder.Clone()
}

func createEncoder(cfg config.EncoderConfig, encoding config.EncodingType) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		MessageKey:     cfg.MessageKey,
		LevelKey:       cfg.LevelKey,
		TimeKey:        cfg.TimeKey,
		NameKey:        cfg.NameKey,
		CallerKey:      cfg.CallerKey,
		StacktraceKey:  cfg.StacktraceKey,
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    levelNameEncoder,
		EncodeTime:     createTimeEncoder(cfg),
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   createCallerEncoder(cfg),
		EncodeName:     zapcore.FullNameEncoder,
	}

	switch encoding {
	case config.Console:
		return zapcore.NewConsoleEncoder(encoderConfig)
	default: // JSON
		jsonEnc := zapcore.NewJSONEncoder(encoderConfig)
		if enc, ok := jsonEnc.(interface{ SetEscapeHTML(bool) }); ok {
			enc.SetEscapeHTML(false)
		}
		return jsonEnc
	}
}

// levelNameEncoder 输出 DEBUG/INFO/WARNING/ERROR/CRITICAL
func levelNameEncoder(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	switch l {
	case zapcore.DebugLevel:
		enc.AppendString(config.Debug.String())
	case zapcore.InfoLevel:
		enc.AppendString(config.Info.String())
	case zapcore.WarnLevel:
		enc.AppendString(config.Warning.String())
	case zapcore.ErrorLevel:
		enc.AppendString(config.Error.String())
	default:
		enc.AppendString(config.Critical.String())
	}
}

func createTimeEncoder(cfg config.EncoderConfig) zapcore.TimeEncoder {
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		loc = time.UTC
	}

	return func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.In(loc).Format(cfg.TimeFormat))
	}
}

func createCallerEncoder(cfg config.EncoderConfig) zapcore.CallerEncoder {
	if cfg.ShortCaller {
		return zapcore.ShortCallerEncoder
	}
	return zapcore.FullCallerEncoder
}
