package core

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iuboy/hedgelog/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSyncer struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
	err    error
}

func (m *memSyncer) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.buf.Write(p)
}

func (m *memSyncer) Sync() error { return nil }

func (m *memSyncer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memSyncer) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := strings.TrimRight(m.buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// memFactory 按文件名把每个 file 输出映射到内存
type memFactory struct {
	mu    sync.Mutex
	sinks map[string]*memSyncer
}

func newMemFactory() *memFactory {
	return &memFactory{sinks: make(map[string]*memSyncer)}
}

func (f *memFactory) create(out config.OutputConfig) (WriteSyncer, error) {
	if out.Type != config.File {
		return nil, errors.New("only file outputs in tests")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &memSyncer{}
	f.sinks[out.File.Path] = s
	return s, nil
}

func (f *memFactory) sink(path string) *memSyncer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[path]
}

func fileHandler(path string, extra ...func(*config.HandlerConfig)) config.HandlerConfig {
	hc := config.HandlerConfig{Class: "logging.FileHandler", Filename: path, Formatter: "plain"}
	for _, fn := range extra {
		fn(&hc)
	}
	return hc
}

func testDoc() *config.LoggingConfig {
	no := false
	return &config.LoggingConfig{
		Version: 1,
		Formatters: map[string]config.FormatterConfig{
			"plain": {Format: "%(levelname)s:%(name)s:%(message)s"},
		},
		Filters: map[string]config.FilterConfig{
			"only_app_web": {Name: "app.web"},
		},
		Handlers: map[string]config.HandlerConfig{
			"app":   fileHandler("/mem/app"),
			"db":    fileHandler("/mem/db"),
			"audit": fileHandler("/mem/audit"),
			"root":  fileHandler("/mem/root", func(hc *config.HandlerConfig) { hc.Level = config.Warning }),
		},
		Loggers: map[string]config.LoggerConfig{
			"app":       {Level: config.Debug, Handlers: []string{"app"}},
			"app.db":    {Handlers: []string{"db"}},
			"audit":     {Handlers: []string{"audit"}, Propagate: &no},
			"app.web":   {Filters: []string{"only_app_web"}},
			"app.quiet": {Filters: []string{"only_app_web"}},
		},
		Root: &config.LoggerConfig{Handlers: []string{"root"}},
	}
}

func names(hs []*Handler) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Name()
	}
	return out
}

func TestRegistryResolve(t *testing.T) {
	f := newMemFactory()
	reg, err := NewRegistry(testDoc(), f.create)
	require.NoError(t, err)
	defer reg.Close()

	tests := []struct {
		logger string
		want   []string
	}{
		{"app.db", []string{"db", "app", "root"}},
		{"app.db.pool", []string{"db", "app", "root"}},
		{"app", []string{"app", "root"}},
		{"app.web", []string{"app", "root"}},
		{"audit", []string{"audit"}},
		{"audit.login", []string{"audit"}},
		{"other", []string{"root"}},
		{"", []string{"root"}},
		{"root", []string{"root"}},
		{"app.quiet", nil},
	}
	for _, tt := range tests {
		t.Run(tt.logger, func(t *testing.T) {
			got := reg.Resolve(tt.logger)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, names(got))
		})
	}
}

func TestRegistryFallback(t *testing.T) {
	doc := &config.LoggingConfig{
		Version:  1,
		Handlers: map[string]config.HandlerConfig{"x": {Class: "logging.FileHandler", Filename: "/mem/x"}},
		Loggers:  map[string]config.LoggerConfig{"x": {Handlers: []string{"x"}}},
	}

	fallback := &memSyncer{}
	f := newMemFactory()
	reg, err := NewRegistry(doc, f.create, WithFallback(newHandler("lastResort", config.Warning, nil,
		newPatternEncoder("", ""), fallback)))
	require.NoError(t, err)
	defer reg.Close()

	hs := reg.Resolve("unconfigured")
	require.Len(t, hs, 1)
	assert.Same(t, reg.Fallback(), hs[0])

	require.NoError(t, hs[0].Handle(testRecord("unconfigured", 20, "quiet")))
	require.NoError(t, hs[0].Handle(testRecord("unconfigured", 30, "loud")))
	assert.Equal(t, []string{"loud"}, fallback.Lines())

	reg2, err := NewRegistry(doc, newMemFactory().create, WithFallback(nil))
	require.NoError(t, err)
	defer reg2.Close()
	assert.Empty(t, reg2.Resolve("unconfigured"))
}

func TestRegistryRoute(t *testing.T) {
	doc := &config.LoggingConfig{
		Version:  1,
		Filters:  map[string]config.FilterConfig{"primary": {Name: "x.primary"}},
		Handlers: map[string]config.HandlerConfig{"x": {Class: "logging.FileHandler", Filename: "/mem/x"}},
		Loggers:  map[string]config.LoggerConfig{"x": {Handlers: []string{"x"}, Filters: []string{"primary"}}},
	}
	reg, err := NewRegistry(doc, newMemFactory().create, WithFallback(nil))
	require.NoError(t, err)
	defer reg.Close()

	rt := reg.Route("x")
	assert.True(t, rt.Rejected)
	assert.False(t, rt.Unrouted)
	assert.Empty(t, rt.Handlers)

	rt = reg.Route("x.primary")
	assert.False(t, rt.Rejected)
	assert.False(t, rt.Unrouted)
	require.Len(t, rt.Handlers, 1)

	rt = reg.Route("elsewhere")
	assert.True(t, rt.Unrouted)
	assert.Empty(t, rt.Handlers)
}

func TestRegistryDeliversThroughChain(t *testing.T) {
	f := newMemFactory()
	reg, err := NewRegistry(testDoc(), f.create)
	require.NoError(t, err)

	for _, rec := range []*Record{
		testRecord("app.db", 20, "connected"),
		testRecord("app.db", 30, "slow query"),
		testRecord("audit.login", 40, "denied"),
	} {
		for _, h := range reg.Resolve(rec.Name) {
			require.NoError(t, h.Handle(rec))
		}
	}
	require.NoError(t, reg.Close())

	assert.Equal(t, []string{"INFO:app.db:connected", "WARNING:app.db:slow query"}, f.sink("/mem/db").Lines())
	assert.Equal(t, []string{"INFO:app.db:connected", "WARNING:app.db:slow query"}, f.sink("/mem/app").Lines())
	assert.Equal(t, []string{"WARNING:app.db:slow query"}, f.sink("/mem/root").Lines(), "root handler 级别为 WARNING")
	assert.Equal(t, []string{"ERROR:audit.login:denied"}, f.sink("/mem/audit").Lines())
	assert.True(t, f.sink("/mem/app").closed)
}

func TestRegistryBuildFailureClosesHandlers(t *testing.T) {
	doc := testDoc()
	doc.Handlers["zz_console"] = config.HandlerConfig{Class: "console"}

	f := newMemFactory()
	_, err := NewRegistry(doc, f.create)
	require.Error(t, err)
	for path, s := range f.sinks {
		assert.True(t, s.closed, path)
	}
}

func TestHandlerFilterAndLevel(t *testing.T) {
	sink := &memSyncer{}
	h := newHandler("h", config.Info, []Filter{NewFilter("app")}, newPatternEncoder("%(message)s", ""), sink)

	require.NoError(t, h.Handle(testRecord("app.db", 10, "debug dropped")))
	require.NoError(t, h.Handle(testRecord("application", 20, "prefix is not a parent")))
	require.NoError(t, h.Handle(testRecord("app.db", 20, "kept")))
	require.NoError(t, h.Handle(testRecord("app", 55, "custom level kept")))
	assert.Equal(t, []string{"kept", "custom level kept"}, sink.Lines())

	sink.err = errors.New("disk full")
	err := h.Handle(testRecord("app", 20, "lost"))
	assert.ErrorContains(t, err, "disk full")
}

func TestHandlerSampling(t *testing.T) {
	sink := &memSyncer{}
	h := newHandler("sampled", config.NotSet, nil, newPatternEncoder("", ""), sink)
	h.sampler = newSampler(h.core, config.SamplingConfig{Enabled: true, Initial: 2, Thereafter: 3, Window: config.Duration(time.Hour)})
	h.core = h.sampler
	defer h.Close()

	for range 8 {
		require.NoError(t, h.Handle(testRecord("x", 20, "info")))
	}
	require.NoError(t, h.Handle(testRecord("x", 40, "error")))
	// 前 2 条 + 第 5、8 条 + ERROR 不参与采样
	assert.Len(t, sink.Lines(), 5)
}

func testRecord(name string, levelno int, msg string) *Record {
	return (&Record{
		Name:      name,
		Levelno:   levelno,
		Levelname: LevelName(levelno),
		Msg:       msg,
		Created:   time.Date(2024, 5, 1, 12, 30, 45, 123456000, time.Local),
	}).Seal()
}
