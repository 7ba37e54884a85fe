package adapter

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSyncer(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		out     config.OutputConfig
		wantErr bool
	}{
		{"stderr", config.OutputConfig{Type: config.Stdout, Stream: "stderr"}, false},
		{"stdout", config.OutputConfig{Type: config.Stdout, Stream: "stdout"}, false},
		{"bad stream", config.OutputConfig{Type: config.Stdout, Stream: "stdin"}, true},
		{"file", config.OutputConfig{Type: config.File, File: &config.FileConfig{Path: filepath.Join(dir, "a.log"), Append: true}}, false},
		{"file missing", config.OutputConfig{Type: config.File}, true},
		{"database missing", config.OutputConfig{Type: config.DB}, true},
		{"syslog missing", config.OutputConfig{Type: config.Syslog}, true},
		{"gelf missing", config.OutputConfig{Type: config.GELF}, true},
		{"fluentd missing", config.OutputConfig{Type: config.Fluentd}, true},
		{"null", config.OutputConfig{Type: config.Null}, false},
		{"unknown", config.OutputConfig{Type: "kafka"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws, err := CreateSyncer(tt.out)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, ws.Sync())
			assert.NoError(t, ws.Close())
		})
	}
}

func TestStreamCloseKeepsProcessStream(t *testing.T) {
	ws, err := newStreamAdapter("stderr")
	require.NoError(t, err)
	require.NoError(t, ws.Close())
	// 关闭后标准错误仍然可用
	_, err = os.Stderr.Write(nil)
	assert.NoError(t, err)
}

func TestNullAdapter(t *testing.T) {
	n, err := nullAdapter{}.Write([]byte("dropped"))
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestFileAdapterModes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")

	write := func(cfg config.FileConfig, line string) {
		t.Helper()
		ws, err := newFileAdapter(cfg)
		require.NoError(t, err)
		_, err = ws.Write([]byte(line))
		require.NoError(t, err)
		require.NoError(t, ws.Sync())
		require.NoError(t, ws.Close())

		_, err = ws.Write([]byte("late\n"))
		assert.ErrorIs(t, err, os.ErrClosed)
		assert.NoError(t, ws.Close(), "重复关闭")
	}

	write(config.FileConfig{Path: path, Append: true}, "one\n")
	write(config.FileConfig{Path: path, Append: true}, "two\n")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data), "追加模式")

	write(config.FileConfig{Path: path}, "three\n")
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "three\n", string(data), "覆盖模式")

	write(config.FileConfig{Path: path, Append: true, Rotate: true, MaxSizeMB: 1, MaxBackups: 2}, "four\n")
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "three\nfour\n", string(data), "轮转文件同样追加")
}

func TestFileAdapterRotateOnStartup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.log")
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))

	ws, err := newFileAdapter(config.FileConfig{Path: path, Append: true, RotateOnStartup: true})
	require.NoError(t, err)
	_, err = ws.Write([]byte("new\n"))
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "旧文件被重命名保留")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new\n", string(data))
}

func TestGELFAdapter(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	ws, err := newGELFAdapter(config.GELFConfig{Network: "udp", Address: pc.LocalAddr().String(), Facility: "relay"})
	require.NoError(t, err)
	ws.w.(*gelf.UDPWriter).CompressionType = gelf.CompressNone
	defer ws.Close()

	ev := sampleEvent(40, "disk full")
	ev.Text = "ERROR app.db disk full\non /var"
	ev.Caller = "/srv/db.py:7"
	require.NoError(t, ws.WriteEvent(ev))

	buf := make([]byte, 8192)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf[:n], &got))
	assert.Equal(t, "1.1", got["version"])
	assert.Equal(t, "producer-1", got["host"])
	assert.Equal(t, "ERROR app.db disk full", got["short_message"])
	assert.Equal(t, "ERROR app.db disk full\non /var", got["full_message"])
	assert.Equal(t, float64(3), got["level"])
	assert.Equal(t, "relay", got["facility"])
	assert.Equal(t, "app.db", got["_logger"])
	assert.Equal(t, "/srv/db.py:7", got["_caller"])
	assert.Equal(t, "/var/log", got["_path"])

	require.NoError(t, ws.Close())
	assert.ErrorIs(t, ws.WriteEvent(ev), net.ErrClosed)
}

func TestFluentdAdapter(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	received := make(chan []byte, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, conn)
		received <- buf.Bytes()
	}()

	host, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port)
	require.NoError(t, err)

	ws, err := newFluentdAdapter(config.FluentdConfig{Network: "tcp", Host: host, Port: portNum, TagPrefix: "hedgelog"})
	require.NoError(t, err)
	require.NoError(t, ws.WriteEvent(sampleEvent(30, "disk full")))
	require.NoError(t, ws.Close())

	select {
	case data := <-received:
		assert.Contains(t, string(data), "hedgelog.app.db")
		assert.Contains(t, string(data), "disk full")
		assert.Contains(t, string(data), "WARNING")
	case <-time.After(5 * time.Second):
		t.Fatal("fluentd 未收到数据")
	}
	assert.ErrorIs(t, ws.WriteEvent(sampleEvent(30, "late")), net.ErrClosed)
}

func TestFluentRecord(t *testing.T) {
	ev := sampleEvent(20, "ok")
	ev.Text = "INFO ok"
	rec := fluentRecord(ev)
	assert.Equal(t, "INFO ok", rec["message"])
	assert.Equal(t, 20, rec["levelno"])
	assert.Equal(t, "/var/log", rec["path"])
	assert.Equal(t, "root", fluentTag(""))

	var _ core.EventWriteSyncer = (*fluentdAdapter)(nil)
	var _ core.EventWriteSyncer = (*gelfAdapter)(nil)
	var _ core.EventWriteSyncer = (*syslogAdapter)(nil)
	var _ core.EventWriteSyncer = (*asyncWriter)(nil)
}
