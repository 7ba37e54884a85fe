package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
	"github.com/iuboy/hedgelog/internal/protocol"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (m *memSink) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.buf.Write(p)
}

func (m *memSink) Sync() error  { return nil }
func (m *memSink) Close() error { return nil }

func (m *memSink) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := strings.TrimRight(m.buf.String(), "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type sinks struct {
	mu    sync.Mutex
	byKey map[string]*memSink
}

func (s *sinks) factory(out config.OutputConfig) (core.WriteSyncer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byKey == nil {
		s.byKey = make(map[string]*memSink)
	}
	key := string(out.Type)
	if out.File != nil {
		key = out.File.Path
	}
	if out.Type == config.Null {
		return nil, fmt.Errorf("sink unavailable")
	}
	m := &memSink{}
	s.byKey[key] = m
	return m, nil
}

func (s *sinks) get(key string) *memSink {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byKey[key]
}

const routingDoc = `{
	"version": 1,
	"formatters": {
		"plain": {"format": "%(name)s %(levelname)s %(message)s"},
		"json": {"encoding": "json"}
	},
	"handlers": {
		"db":     {"class": "logging.FileHandler", "filename": "/mem/db", "formatter": "json"},
		"api":    {"class": "logging.FileHandler", "filename": "/mem/api", "formatter": "plain"},
		"audit":  {"class": "logging.FileHandler", "filename": "/mem/audit", "formatter": "plain", "level": "ERROR"}
	},
	"loggers": {
		"app.db":  {"handlers": ["db"], "propagate": false},
		"app.api": {"handlers": ["api"]},
		"app":     {"handlers": ["audit"]}
	}
}`

func newTestDispatcher(t *testing.T) (*Dispatcher, *sinks) {
	t.Helper()
	lc, err := config.ParseLogging([]byte(routingDoc))
	require.NoError(t, err)
	s := &sinks{}
	reg, err := core.NewRegistry(lc, s.factory, core.WithFallback(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return NewDispatcher(reg, nil), s
}

func newTestServer(t *testing.T, d *Dispatcher) *Server {
	t.Helper()
	srv, err := Listen(config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		PollInterval: config.Duration(20 * time.Millisecond),
		MaxFrameSize: 1 << 20,
	}, d)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-errCh
	})
	return srv
}

func record(name string, levelno int, msg string, args ...any) *core.Record {
	return &core.Record{
		Name:    name,
		Levelno: levelno,
		Msg:     msg,
		Args:    args,
		Created: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDispatchKeepsFields(t *testing.T) {
	d, s := newTestDispatcher(t)

	rec := record("app.db", 40, "lost %s", "connection")
	rec.Pathname = "/srv/db.py"
	rec.Lineno = 12
	rec.Extra = map[string]any{"shard": int64(3)}
	rec.Seal()
	require.NoError(t, d.Dispatch(rec))

	lines := s.get("/mem/db").Lines()
	require.Len(t, lines, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
	assert.Equal(t, "app.db", got["logger"])
	assert.Equal(t, "ERROR", got["level"])
	assert.Equal(t, "lost connection", got["msg"])
	assert.Equal(t, float64(3), got["shard"])
	assert.Contains(t, got["caller"], "db.py:12")

	assert.Empty(t, s.get("/mem/audit").Lines(), "propagate=false 不向上传递")
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.dispatched.WithLabelValues("db")))
}

func TestDispatchPropagation(t *testing.T) {
	d, s := newTestDispatcher(t)

	require.NoError(t, d.Dispatch(record("app.api.v2", 40, "boom").Seal()))
	require.NoError(t, d.Dispatch(record("app.api", 20, "ok").Seal()))

	assert.Equal(t, []string{"app.api.v2 ERROR boom", "app.api INFO ok"}, s.get("/mem/api").Lines())
	assert.Equal(t, []string{"app.api.v2 ERROR boom"}, s.get("/mem/audit").Lines(), "audit 只接收 ERROR 以上")

	require.NoError(t, d.Dispatch(record("other", 50, "nobody").Seal()))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.unrouted))
}

func TestDispatchFilteredIsNotUnrouted(t *testing.T) {
	lc, err := config.ParseLogging([]byte(`{
		"version": 1,
		"filters": {"primary": {"name": "app.db.primary"}},
		"handlers": {"db": {"class": "logging.FileHandler", "filename": "/mem/db"}},
		"loggers": {"app.db": {"handlers": ["db"], "filters": ["primary"]}}
	}`))
	require.NoError(t, err)
	s := &sinks{}
	reg, err := core.NewRegistry(lc, s.factory, core.WithFallback(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	d := NewDispatcher(reg, nil)

	require.NoError(t, d.Dispatch(record("app.db", 20, "rejected").Seal()))
	assert.Equal(t, 0.0, testutil.ToFloat64(d.metrics.unrouted), "被过滤器拒绝不算未路由")
	assert.Empty(t, s.get("/mem/db").Lines())

	require.NoError(t, d.Dispatch(record("other", 20, "nobody").Seal()))
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.unrouted))
}

type failingSink struct{ memSink }

func (f *failingSink) Write([]byte) (int, error) { return 0, fmt.Errorf("disk full") }

func TestDispatchContinuesAfterSinkError(t *testing.T) {
	lc, err := config.ParseLogging([]byte(`{
		"version": 1,
		"handlers": {
			"a": {"class": "file", "filename": "/mem/a"},
			"b": {"class": "file", "filename": "/mem/b"}
		},
		"root": {"handlers": ["a", "b"]}
	}`))
	require.NoError(t, err)
	good := &memSink{}
	reg, err := core.NewRegistry(lc, func(out config.OutputConfig) (core.WriteSyncer, error) {
		if out.File.Path == "/mem/a" {
			return &failingSink{}, nil
		}
		return good, nil
	})
	require.NoError(t, err)
	defer reg.Close()

	d := NewDispatcher(reg, nil)
	err = d.Dispatch(record("x", 30, "still delivered").Seal())
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []string{"still delivered"}, good.Lines())
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.sinkErrors.WithLabelValues("a")))
}

func send(t *testing.T, conn net.Conn, recs ...*core.Record) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, protocol.WriteRecord(conn, rec))
	}
}

func TestServerDeliversFrames(t *testing.T) {
	d, s := newTestDispatcher(t)
	srv := newTestServer(t, d)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	send(t, conn, record("app.api", 20, "first"))
	require.NoError(t, protocol.WriteFrame(conn, []byte("not a record")))
	send(t, conn, record("app.api", 20, "user %s", "bob"))

	assert.Eventually(t, func() bool { return len(s.get("/mem/api").Lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"app.api INFO first", "app.api INFO user bob"}, s.get("/mem/api").Lines())
	assert.Equal(t, 1.0, testutil.ToFloat64(d.metrics.decodeErrors))
	assert.Equal(t, 3.0, testutil.ToFloat64(d.metrics.frames))
}

func TestServerTruncatedFrame(t *testing.T) {
	disp, store := newTestDispatcher(t)
	srv := newTestServer(t, disp)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte{0, 0})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(disp.metrics.truncatedFrames) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, store.get("/mem/api").Lines())
	assert.Equal(t, 0.0, testutil.ToFloat64(disp.metrics.frames))
}

func TestServerConnectionsIndependent(t *testing.T) {
	d, s := newTestDispatcher(t)
	srv := newTestServer(t, d)

	const n = 200
	var wg sync.WaitGroup
	for _, name := range []string{"app.api", "app.db"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := net.Dial("tcp", srv.Addr().String())
			if !assert.NoError(t, err) {
				return
			}
			defer conn.Close()
			for i := range n {
				if !assert.NoError(t, protocol.WriteRecord(conn, record(name, 20, "%d", int64(i)))) {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return len(s.get("/mem/api").Lines()) == n && len(s.get("/mem/db").Lines()) == n
	}, 5*time.Second, 20*time.Millisecond)

	for i, line := range s.get("/mem/api").Lines() {
		assert.Equal(t, fmt.Sprintf("app.api INFO %d", i), line)
	}
	for i, line := range s.get("/mem/db").Lines() {
		var got map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &got))
		assert.Equal(t, fmt.Sprint(i), got["msg"])
	}
}

func TestListenPortBusy(t *testing.T) {
	d, s := newTestDispatcher(t)
	first := newTestServer(t, d)

	port := first.Addr().(*net.TCPAddr).Port
	_, err := Listen(config.ServerConfig{Host: "127.0.0.1", Port: port}, d)
	assert.ErrorIs(t, err, ErrBind)

	conn, err := net.Dial("tcp", first.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	send(t, conn, record("app.api", 20, "still serving"))
	assert.Eventually(t, func() bool { return len(s.get("/mem/api").Lines()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestStopObservedWithinPoll(t *testing.T) {
	d, _ := newTestDispatcher(t)
	srv, err := Listen(config.ServerConfig{Host: "127.0.0.1", PollInterval: config.Duration(50 * time.Millisecond)}, d)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	srv.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve 未在轮询周期内返回")
	}
	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "监听已关闭")
}

func TestShutdownWaitsThenAbandons(t *testing.T) {
	d, s := newTestDispatcher(t)
	srv, err := Listen(config.ServerConfig{Host: "127.0.0.1", PollInterval: config.Duration(20 * time.Millisecond)}, d)
	require.NoError(t, err)
	go func() { _ = srv.Serve(context.Background()) }()

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	send(t, conn, record("app.api", 20, "in flight"))
	assert.Eventually(t, func() bool { return len(s.get("/mem/api").Lines()) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, srv.Shutdown(ctx), context.DeadlineExceeded)

	// 被放弃的连接由服务端关闭
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(d.metrics.activeConnections))
}

func TestShutdownIdle(t *testing.T) {
	d, _ := newTestDispatcher(t)
	srv, err := Listen(config.ServerConfig{Host: "127.0.0.1"}, d)
	require.NoError(t, err)
	assert.NoError(t, srv.Shutdown(context.Background()), "未开始服务时直接关闭监听")
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.frames.Add(3)
	m.dispatched.WithLabelValues("db").Inc()

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	assert.Contains(t, body, "hedgelog_frames_total 3")
	assert.Contains(t, body, `hedgelog_records_dispatched_total{handler="db"} 1`)
	assert.Contains(t, body, "go_goroutines")
}

func TestServeMetricsStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ServeMetrics(ctx, "127.0.0.1:0", NewMetrics(), zap.NewNop()) }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics 服务未停止")
	}
}
