package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const flushTimeout = 10 * time.Second

// LogStore 批量写入后端
type LogStore interface {
	InsertBatch(ctx context.Context, entries []LogEntry) error
	Close() error
}

func newDBAdapter(cfg config.DatabaseConfig) (*asyncWriter, error) {
	var backend LogStore

	switch cfg.DriverName {
	case "mysql", "postgres":
		var dialector gorm.Dialector
		if cfg.DriverName == "mysql" {
			dialector = mysql.Open(cfg.DataSourceName)
		} else {
			dialector = postgres.Open(cfg.DataSourceName)
		}

		gdb, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Discard})
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.DriverName, err)
		}
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(cfg.MaxConnLifetime.Std())

		backend = &sqlStore{
			db:        gdb,
			table:     cfg.TableName,
			batchSize: cfg.BatchSize,
		}

	case config.TimeSeriesDriver:
		backend = newInfluxBackend(cfg)

	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.DriverName)
	}

	return newAsyncWriter(cfg, backend), nil
}

// LogEntry 数据库中的一行日志
type LogEntry struct {
	Time    time.Time       `json:"time" gorm:"column:time"`
	Logger  string          `json:"logger" gorm:"column:logger"`
	Level   string          `json:"level" gorm:"column:level"`
	Levelno int             `json:"levelno" gorm:"column:levelno"`
	Message string          `json:"msg" gorm:"column:msg"`
	Text    string          `json:"text" gorm:"column:text"`
	Caller  string          `json:"caller" gorm:"column:caller"`
	Stack   string          `json:"stack" gorm:"column:stack"`
	Host    string          `json:"host" gorm:"column:host"`
	PID     int64           `json:"pid" gorm:"column:pid"`
	Fields  json.RawMessage `json:"fields" gorm:"type:json"`
}

func newLogEntry(event *core.LogEvent) LogEntry {
	fieldsBytes, err := json.Marshal(event.Fields)
	if err != nil || event.Fields == nil {
		fieldsBytes = []byte("{}")
	}
	return LogEntry{
		Time:    event.Timestamp,
		Logger:  event.Logger,
		Level:   event.Level,
		Levelno: event.Levelno,
		Message: event.Message,
		Text:    event.Text,
		Caller:  event.Caller,
		Stack:   event.Stack,
		Host:    event.Host,
		PID:     event.PID,
		Fields:  json.RawMessage(fieldsBytes),
	}
}

type sqlStore struct {
	db        *gorm.DB
	table     string
	batchSize int
}

func (s *sqlStore) InsertBatch(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Table(s.table).CreateInBatches(entries, s.batchSize).Error
}

func (s *sqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type influxDBBackend struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI // 非阻塞 API，由客户端负责批量发送
	done     chan struct{}

	mu      sync.Mutex
	lastErr error
}

func newInfluxBackend(cfg config.DatabaseConfig) *influxDBBackend {
	options := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		options.SetBatchSize(uint(cfg.BatchSize))
	}
	if cfg.BatchInterval > 0 {
		options.SetFlushInterval(uint(cfg.BatchInterval.Std().Milliseconds()))
	}
	ts := cfg.TimeSeries
	client := influxdb2.NewClientWithOptions(ts.URL, ts.Token, options)
	b := &influxDBBackend{
		client:   client,
		writeAPI: client.WriteAPI(ts.Org, ts.Bucket),
		done:     make(chan struct{}),
	}
	go b.watchErrors()
	return b
}

func (b *influxDBBackend) watchErrors() {
	log := zap.L().Named("influxdb")
	errCh := b.writeAPI.Errors()
	for {
		select {
		case err, ok := <-errCh:
			if !ok {
				return
			}
			b.mu.Lock()
			b.lastErr = err
			b.mu.Unlock()
			log.Warn("influxdb write error", zap.Error(err))
		case <-b.done:
			return
		}
	}
}

// InsertBatch 把日志条目转换为 point 写入缓冲区
func (b *influxDBBackend) InsertBatch(_ context.Context, entries []LogEntry) error {
	for _, entry := range entries {
		b.writeAPI.WritePoint(influxPoint(entry))
	}
	// 写入是异步的，这里只能报告上一批次的错误
	b.mu.Lock()
	err := b.lastErr
	b.lastErr = nil
	b.mu.Unlock()
	return err
}

func influxPoint(entry LogEntry) *write.Point {
	tags := map[string]string{
		"logger": entry.Logger,
		"level":  entry.Level,
	}
	if entry.Host != "" {
		tags["host"] = entry.Host
	}
	fields := map[string]any{
		"message": entry.Message,
		"levelno": entry.Levelno,
	}
	if entry.Text != "" {
		fields["text"] = entry.Text
	}
	if entry.Caller != "" {
		fields["caller"] = entry.Caller
	}
	if entry.Stack != "" {
		fields["stack"] = entry.Stack
	}
	var extra map[string]any
	if err := json.Unmarshal(entry.Fields, &extra); err == nil {
		for k, v := range extra {
			if _, ok := fields[k]; ok {
				continue
			}
			switch v.(type) {
			case string, float64, bool:
				fields[k] = v
			default:
				raw, _ := json.Marshal(v)
				fields[k] = string(raw)
			}
		}
	}
	return influxdb2.NewPoint("logs", tags, fields, entry.Time)
}

// Close 发送剩余数据后关闭客户端
func (b *influxDBBackend) Close() error {
	b.writeAPI.Flush()
	close(b.done)
	b.client.Close()
	return nil
}

// asyncWriter 后台协程按批次或定时写入后端
type asyncWriter struct {
	config  config.DatabaseConfig
	backend LogStore
	log     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	entries chan *core.LogEvent
	done    chan struct{}
}

func newAsyncWriter(cfg config.DatabaseConfig, backend LogStore) *asyncWriter {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = config.Duration(config.DefaultBatchInterval)
	}
	aw := &asyncWriter{
		config:  cfg,
		backend: backend,
		log:     zap.L().Named("database"),
		entries: make(chan *core.LogEvent, cfg.BatchSize*10),
		done:    make(chan struct{}),
	}
	go aw.run()
	return aw
}

func (w *asyncWriter) WriteEvent(event *core.LogEvent) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return net.ErrClosed
	}
	select {
	case w.entries <- event:
		return nil
	default:
		return fmt.Errorf("database: %w", ErrBufferFull)
	}
}

// Write 非结构化写入，整段字节作为消息
func (w *asyncWriter) Write(p []byte) (int, error) {
	event := &core.LogEvent{
		Timestamp: time.Now().UTC(),
		Level:     config.Info.String(),
		Levelno:   int(config.Info),
		Message:   strings.TrimRight(string(p), "\n"),
	}
	if err := w.WriteEvent(event); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *asyncWriter) Sync() error { return nil }

// Close 停止接收，写完剩余批次后关闭后端
func (w *asyncWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.entries)
	w.mu.Unlock()

	<-w.done
	return w.backend.Close()
}

func (w *asyncWriter) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.config.BatchInterval.Std())
	defer ticker.Stop()

	batch := make([]LogEntry, 0, w.config.BatchSize)
	for {
		select {
		case event, ok := <-w.entries:
			if !ok {
				w.flush(batch, 3)
				return
			}
			batch = append(batch, newLogEntry(event))
			if len(batch) >= w.config.BatchSize {
				w.flush(batch, 1)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch, 1)
				batch = batch[:0]
			}
		}
	}
}

func (w *asyncWriter) flush(batch []LogEntry, attempts int) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	var err error
	for i := 0; i < attempts; i++ {
		if err = w.backend.InsertBatch(ctx, batch); err == nil {
			return
		}
		if i+1 < attempts {
			time.Sleep(w.config.RetryDelay.Std())
		}
	}
	w.log.Warn("failed to flush batch to database", zap.Int("entries", len(batch)), zap.Error(err))
}
