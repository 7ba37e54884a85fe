package server

import (
	"github.com/iuboy/hedgelog/core"
	"go.uber.org/multierr"
)

// Dispatcher 按 logger 名称把记录交给对应的输出
type Dispatcher struct {
	registry *core.Registry
	metrics  *Metrics
}

// NewDispatcher metrics 为 nil 时使用不对外暴露的指标集
func NewDispatcher(reg *core.Registry, m *Metrics) *Dispatcher {
	if m == nil {
		m = NewMetrics()
	}
	return &Dispatcher{registry: reg, metrics: m}
}

func (d *Dispatcher) Metrics() *Metrics { return d.metrics }

// Dispatch 依次调用每个输出；单个输出失败不影响其余输出
func (d *Dispatcher) Dispatch(rec *core.Record) error {
	route := d.registry.Route(rec.Name)
	if route.Unrouted {
		d.metrics.unrouted.Inc()
	}

	var errs error
	for _, h := range route.Handlers {
		if err := h.Handle(rec); err != nil {
			d.metrics.sinkErrors.WithLabelValues(h.Name()).Inc()
			errs = multierr.Append(errs, err)
			continue
		}
		d.metrics.dispatched.WithLabelValues(h.Name()).Inc()
	}
	return errs
}
