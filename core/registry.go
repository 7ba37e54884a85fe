package core

import (
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/iuboy/hedgelog/config"
	"go.uber.org/multierr"
)

const rootLoggerName = "root"

type loggerNode struct {
	name      string
	level     config.Level
	handlers  []*Handler
	filters   []Filter
	propagate bool
}

// Registry logger 名称到输出的映射，构造完成后只读
type Registry struct {
	handlers map[string]*Handler
	order    []string
	loggers  map[string]*loggerNode
	root     *loggerNode
	fallback *Handler
}

type RegistryOption func(*Registry)

// WithFallback 替换兜底输出；传入 nil 表示不使用兜底
func WithFallback(h *Handler) RegistryOption {
	return func(r *Registry) {
		if r.fallback != nil && r.fallback != h {
			_ = r.fallback.Close()
		}
		r.fallback = h
	}
}

// NewRegistry 按日志配置文档构造所有输出、过滤器和 logger 树
func NewRegistry(lc *config.LoggingConfig, factory SyncerFactory, opts ...RegistryOption) (reg *Registry, err error) {
	if err := lc.Validate(); err != nil {
		return nil, err
	}

	reg = &Registry{
		handlers: make(map[string]*Handler, len(lc.Handlers)),
		loggers:  make(map[string]*loggerNode, len(lc.Loggers)),
		fallback: lastResort(),
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, reg.Close())
			reg = nil
		}
	}()

	filters := make(map[string]Filter, len(lc.Filters))
	for name, fc := range lc.Filters {
		filters[name] = NewFilter(fc.Name)
	}
	pick := func(names []string) []Filter {
		out := make([]Filter, 0, len(names))
		for _, n := range names {
			out = append(out, filters[n])
		}
		return out
	}

	// 未被任何 logger 引用的 handler 也会被构造
	reg.order = slices.Sorted(maps.Keys(lc.Handlers))
	for _, name := range reg.order {
		hc := lc.Handlers[name]
		var fc config.FormatterConfig
		if hc.Formatter != "" {
			fc = lc.Formatters[hc.Formatter]
		}
		h, err := NewHandler(name, hc, fc, pick(hc.Filters), factory)
		if err != nil {
			return reg, err
		}
		reg.handlers[name] = h
	}

	node := func(name string, l config.LoggerConfig) *loggerNode {
		n := &loggerNode{
			name:      name,
			level:     l.Level,
			filters:   pick(l.Filters),
			propagate: l.ShouldPropagate(),
		}
		for _, h := range l.Handlers {
			n.handlers = append(n.handlers, reg.handlers[h])
		}
		return n
	}
	for name, l := range lc.Loggers {
		if name == rootLoggerName {
			continue
		}
		reg.loggers[name] = node(name, l)
	}
	if lc.Root != nil {
		reg.root = node(rootLoggerName, *lc.Root)
	} else if l, ok := lc.Loggers[rootLoggerName]; ok {
		reg.root = node(rootLoggerName, l)
	} else {
		reg.root = &loggerNode{name: rootLoggerName, level: config.Warning}
	}
	reg.root.propagate = false

	for _, opt := range opts {
		opt(reg)
	}
	return reg, nil
}

// Route 一次路由的结果
type Route struct {
	Handlers []*Handler // 按 propagate 链从近到远排列
	Rejected bool       // 被 logger 过滤器拒绝
	Unrouted bool       // 链上没有任何输出，Handlers 为兜底输出或为空
}

// Route 解析处理该名称记录的输出
func (r *Registry) Route(name string) Route {
	start := r.nearest(name)
	if start.name == name || (start == r.root && (name == "" || name == rootLoggerName)) {
		if !allowAll(start.filters, name) {
			return Route{Rejected: true}
		}
	}

	var out []*Handler
	for n := start; n != nil; n = r.parent(n) {
		out = append(out, n.handlers...)
		if !n.propagate {
			break
		}
	}
	if len(out) > 0 {
		return Route{Handlers: out}
	}
	if r.fallback != nil {
		return Route{Handlers: []*Handler{r.fallback}, Unrouted: true}
	}
	return Route{Unrouted: true}
}

// Resolve 返回处理该名称记录的全部输出。
// 链上没有任何输出时返回兜底输出；被 logger 过滤器拒绝时返回 nil。
func (r *Registry) Resolve(name string) []*Handler {
	return r.Route(name).Handlers
}

// nearest 精确匹配，否则最近的已配置祖先，否则 root
func (r *Registry) nearest(name string) *loggerNode {
	if name == "" || name == rootLoggerName {
		return r.root
	}
	for n := name; ; {
		if node, ok := r.loggers[n]; ok {
			return node
		}
		i := strings.LastIndexByte(n, '.')
		if i < 0 {
			return r.root
		}
		n = n[:i]
	}
}

func (r *Registry) parent(n *loggerNode) *loggerNode {
	if n == r.root {
		return nil
	}
	i := strings.LastIndexByte(n.name, '.')
	if i < 0 {
		return r.root
	}
	return r.nearest(n.name[:i])
}

// Handler 按名称查找已配置的输出
func (r *Registry) Handler(name string) (*Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Handlers 按名称排序的全部输出
func (r *Registry) Handlers() []*Handler {
	out := make([]*Handler, 0, len(r.order))
	for _, name := range r.order {
		if h, ok := r.handlers[name]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (r *Registry) Fallback() *Handler {
	return r.fallback
}

// Sync 刷新全部输出
func (r *Registry) Sync() error {
	var err error
	for _, h := range r.Handlers() {
		err = multierr.Append(err, h.Sync())
	}
	return err
}

// Close 刷新并关闭全部输出
func (r *Registry) Close() error {
	var err error
	for _, h := range r.Handlers() {
		err = multierr.Append(err, h.Close())
	}
	if r.fallback != nil {
		err = multierr.Append(err, r.fallback.Close())
	}
	return err
}

// lastResort 没有任何输出时使用：stderr，WARNING，仅输出消息
func lastResort() *Handler {
	return newHandler("lastResort", config.Warning, nil,
		newPatternEncoder(config.DefaultFormat, ""), stderrSyncer{})
}

type stderrSyncer struct{}

func (stderrSyncer) Write(p []byte) (int, error) { return os.Stderr.Write(p) }
func (stderrSyncer) Sync() error                 { return nil }
func (stderrSyncer) Close() error                { return nil }
