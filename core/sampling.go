package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/iuboy/hedgelog/config"
	"go.uber.org/zap/zapcore"
)

type dynamicSampler struct {
	zapcore.Core
	settings *atomic.Value
	counter  *samplerCounter
}

type samplerCounter struct {
	count  atomic.Int64
	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once
}

type samplingSettings struct {
	initial    int64
	thereafter int64
	window     time.Duration
}

// newSampler 创建动态采样器；ERROR 及以上级别不参与采样
func newSampler(core zapcore.Core, cfg config.SamplingConfig) *dynamicSampler {
	s := &dynamicSampler{
		Core:     core,
		settings: new(atomic.Value),
		counter: &samplerCounter{
			ticker: time.NewTicker(cfg.Window.Std()),
			done:   make(chan struct{}),
		},
	}
	s.updateSettings(cfg)

	// 定期重置计数器
	go s.counter.resetLoop()

	return s
}

func (s *dynamicSampler) updateSettings(cfg config.SamplingConfig) {
	s.settings.Store(samplingSettings{
		initial:    int64(cfg.Initial),
		thereafter: int64(cfg.Thereafter),
		window:     cfg.Window.Std(),
	})
}

func (c *samplerCounter) resetLoop() {
	for {
		select {
		case <-c.ticker.C:
			c.count.Store(0)
		case <-c.done:
			return
		}
	}
}

func (s *dynamicSampler) Close() {
	s.counter.once.Do(func() {
		s.counter.ticker.Stop()
		close(s.counter.done)
	})
}

func (s *dynamicSampler) With(fields []zapcore.Field) zapcore.Core {
	return &dynamicSampler{
		Core:     s.Core.With(fields),
		settings: s.settings,
		counter:  s.counter,
	}
}

// allow 判断本窗口内的这条记录是否保留
func (s *dynamicSampler) allow(lvl zapcore.Level) bool {
	if lvl >= zapcore.ErrorLevel {
		return true
	}
	settings := s.settings.Load().(samplingSettings)
	count := s.counter.count.Add(1)
	return count <= settings.initial ||
		(count-settings.initial)%settings.thereafter == 0
}

func (s *dynamicSampler) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !s.allow(ent.Level) {
		return ce
	}
	return s.Core.Check(ent, ce)
}
