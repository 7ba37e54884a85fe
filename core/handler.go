package core

import (
	"fmt"

	"github.com/iuboy/hedgelog/config"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

// Handler 一个已配置的输出：级别 + 过滤器 + 编码器 + 同步器
type Handler struct {
	name    string
	level   config.Level
	filters []Filter
	core    zapcore.Core
	sampler *dynamicSampler
	closer  WriteSyncer
}

// NewHandler 由 handler 与 formatter 配置构造输出
func NewHandler(name string, hc config.HandlerConfig, fc config.FormatterConfig, filters []Filter, factory SyncerFactory) (*Handler, error) {
	out, err := hc.Output()
	if err != nil {
		return nil, err
	}
	if fc.DateFmt != "" && fc.EffectiveEncoding() == config.Pattern {
		if _, err := compileDate(fc.DateFmt); err != nil {
			return nil, fmt.Errorf("handler %q: %w", name, err)
		}
	}
	syncer, err := factory(out)
	if err != nil {
		return nil, fmt.Errorf("handler %q: %w", name, err)
	}

	h := newHandler(name, hc.Level, filters, newFormatterEncoder(fc), syncer)
	if hc.Sampling != nil && hc.Sampling.Enabled {
		h.sampler = newSampler(h.core, *hc.Sampling)
		h.core = h.sampler
	}
	return h, nil
}

func newHandler(name string, level config.Level, filters []Filter, enc zapcore.Encoder, syncer WriteSyncer) *Handler {
	// 级别由 Handle 判断，core 对所有级别开放
	var c zapcore.Core
	if ev, ok := syncer.(EventWriteSyncer); ok {
		c = NewStructuredCore(enc, zapcore.DebugLevel, lockedEvents(ev))
	} else {
		c = zapcore.NewCore(enc, zapcore.Lock(syncer), zapcore.DebugLevel)
	}
	return &Handler{
		name:    name,
		level:   level,
		filters: filters,
		core:    c,
		closer:  syncer,
	}
}

func (h *Handler) Name() string { return h.name }

func (h *Handler) Level() config.Level { return h.level }

// Handle 级别不足或被过滤器拒绝时静默返回
func (h *Handler) Handle(rec *Record) error {
	if rec.Levelno < int(h.level) || !allowAll(h.filters, rec.Name) {
		return nil
	}
	ent := rec.Entry()
	if h.sampler != nil && !h.sampler.allow(ent.Level) {
		return nil
	}
	if err := h.core.Write(ent, rec.Fields()); err != nil {
		return fmt.Errorf("handler %q: %w", h.name, err)
	}
	return nil
}

func (h *Handler) Sync() error {
	return h.core.Sync()
}

func (h *Handler) Close() error {
	if h.sampler != nil {
		h.sampler.Close()
	}
	return multierr.Append(h.core.Sync(), h.closer.Close())
}
