package adapter

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/core"
	"go.uber.org/zap"
)

var (
	// ErrSyslogUnavailable 初始连接失败
	ErrSyslogUnavailable = errors.New("syslog server unavailable")
	// ErrBufferFull 发送队列已满，记录被丢弃
	ErrBufferFull = errors.New("output buffer full")
)

const (
	maxRetries        = 5
	writeTimeout      = 3 * time.Second
	dialTimeout       = 5 * time.Second
	maxHostnameLength = 255
	maxMessageLength  = 4 * 1024
	defaultBufferSize = 1000  // 默认缓冲大小
	maxBufferSize     = 10000 // 最大缓冲限制
	flockRetryDelay   = 100 * time.Millisecond
	maxReconnectDelay = 5 * time.Minute
)

var spaceRe = regexp.MustCompile(`\s+`)

type syslogAdapter struct {
	config    config.SyslogConfig // Syslog配置
	conn      net.Conn            // Syslog连接
	connMu    sync.RWMutex        // 用于锁定连接
	dialer    net.Dialer
	tlsConfig *tls.Config
	hostname  string
	location  *time.Location
	log       *zap.Logger

	sendMu      sync.RWMutex // 保护 buffer 的发送与关闭
	closing     atomic.Bool
	buffer      chan []byte
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	fileLock    *flock.Flock // 多进程重连时互斥
	lastSuccess atomic.Value // 最后成功时间
	retryCount  atomic.Int32
}

func newSyslogAdapter(cfg config.SyslogConfig) (*syslogAdapter, error) {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	} else if cfg.BufferSize > maxBufferSize {
		cfg.BufferSize = maxBufferSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = config.Duration(config.DefaultRetryDelay)
	}

	hostname, err := generateHostname(cfg.StaticHost)
	if err != nil {
		return nil, fmt.Errorf("hostname generation failed: %w", err)
	}
	loc := time.Local
	if cfg.TimeZone != "" {
		if l, err := time.LoadLocation(cfg.TimeZone); err == nil {
			loc = l
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &syslogAdapter{
		config:   cfg,
		dialer:   net.Dialer{Timeout: dialTimeout},
		hostname: hostname,
		location: loc,
		log:      zap.L().Named("syslog"),
		buffer:   make(chan []byte, cfg.BufferSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.Secure {
		a.tlsConfig = &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
			MinVersion:         tls.VersionTLS12,
		}
	}

	lockKey := fmt.Sprintf("%s-%s-%s", cfg.Network, cfg.Address, cfg.Tag)
	a.fileLock = flock.New(filepath.Join(os.TempDir(),
		fmt.Sprintf("hedgelog-syslog-%x.lock", sha256.Sum256([]byte(lockKey)))))
	a.lastSuccess.Store(time.Time{})

	if err := a.connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrSyslogUnavailable, err)
	}
	a.wg.Add(1)
	go a.processQueue()

	return a, nil
}

func (a *syslogAdapter) dial() (net.Conn, error) {
	if a.tlsConfig != nil {
		return tls.DialWithDialer(&a.dialer, a.config.Network, a.config.Address, a.tlsConfig)
	}
	return a.dialer.Dial(a.config.Network, a.config.Address)
}

// connect 建立或重建连接
func (a *syslogAdapter) connect() error {
	a.connMu.Lock()
	defer a.connMu.Unlock()

	if a.conn != nil {
		_ = a.conn.Close()
		a.conn = nil
	}
	conn, err := a.dial()
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(3 * time.Minute)
	}
	a.conn = conn
	return nil
}

func (a *syslogAdapter) isStream() bool {
	return a.config.Network == "tcp" || a.config.Network == "unix"
}

func (a *syslogAdapter) processQueue() {
	defer a.wg.Done()

	reconnector := time.NewTicker(a.config.RetryDelay.Std())
	defer reconnector.Stop()

	for {
		select {
		case msg, ok := <-a.buffer:
			if !ok {
				return // 通道关闭且已排空
			}
			a.writeWithRetry(msg)

		case <-reconnector.C:
			if a.isConnected() {
				a.retryCount.Store(0)
				continue
			}
			delay := time.Second << min(a.retryCount.Load(), 16)
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			if !a.sleep(delay) {
				continue
			}
			a.reconnect()
			a.retryCount.Add(1)
		}
	}
}

// sleep 关闭时立即返回 false
func (a *syslogAdapter) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-a.ctx.Done():
		return false
	}
}

func (a *syslogAdapter) writeWithRetry(msg []byte) {
	if !a.isConnected() {
		a.reconnect()
	}
	var err error
	for i := 0; i < maxRetries; i++ {
		if err = a.write(msg); err == nil {
			a.lastSuccess.Store(time.Now())
			return
		}
		if i == 0 {
			a.reconnect()
			continue
		}
		if !a.sleep(a.config.RetryDelay.Std()) {
			break
		}
	}
	a.log.Warn("syslog write failed", zap.Int("attempts", maxRetries), zap.Error(err))
}

func (a *syslogAdapter) reconnect() {
	// 获取文件锁（防止多进程同时重连）
	locked, err := a.fileLock.TryLockContext(a.ctx, flockRetryDelay)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.log.Debug("syslog reconnect lock failed", zap.Error(err))
	}
	if locked {
		defer func() { _ = a.fileLock.Unlock() }()
	}
	if err := a.connect(); err != nil {
		a.log.Debug("syslog reconnect failed", zap.String("address", a.config.Address), zap.Error(err))
	}
}

func (a *syslogAdapter) write(p []byte) error {
	a.connMu.RLock()
	defer a.connMu.RUnlock()

	if a.conn == nil {
		return net.ErrClosed
	}
	if err := a.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := a.conn.Write(p)
	return err
}

// WriteEvent 组装 syslog 报文并放入发送队列
func (a *syslogAdapter) WriteEvent(event *core.LogEvent) error {
	return a.enqueue([]byte(a.format(event)))
}

func (a *syslogAdapter) enqueue(msg []byte) error {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.closing.Load() {
		return net.ErrClosed
	}
	select {
	case a.buffer <- msg:
		return nil
	default:
		return fmt.Errorf("syslog: %w", ErrBufferFull)
	}
}

func (a *syslogAdapter) format(event *core.LogEvent) string {
	timestamp := event.Timestamp.In(a.location)
	priority := a.config.Facility*8 + levelToSeverity(event.Levelno)
	procid := os.Getpid()
	host := a.hostname

	var body, sd string
	if a.config.JSONInMessage {
		body = a.jsonBody(event, timestamp)
		sd = "-"
	} else {
		body = safeMessageForLog(event.Body())
		sd = fmt.Sprintf(`[meta logger="%s"]`, escapeSDParam(event.Logger))
	}

	var msg string
	if a.config.RFC5424 {
		msg = fmt.Sprintf(`<%d>1 %s %s %s %d - %s %s`,
			priority, timestamp.Format(time.RFC3339Nano), host, a.config.Tag, procid, sd, body)
	} else {
		msg = fmt.Sprintf(`<%d>%s %s %s[%d]: %s`,
			priority, timestamp.Format(time.Stamp), host, a.config.Tag, procid, body)
	}
	if a.isStream() {
		msg += "\n" // 流式传输以换行分帧
	}
	return msg
}

// jsonBody 把结构化事件序列化为紧凑 JSON 作为消息体
func (a *syslogAdapter) jsonBody(event *core.LogEvent, ts time.Time) string {
	logData := map[string]any{
		"time":    ts.Format(time.RFC3339Nano),
		"logger":  event.Logger,
		"level":   event.Level,
		"levelno": event.Levelno,
		"msg":     event.Message,
		"host":    event.Host,
	}
	if event.PID != 0 {
		logData["pid"] = event.PID
	}
	if event.Caller != "" {
		logData["caller"] = event.Caller
	}
	if event.Stack != "" {
		logData["stack"] = event.Stack
	}
	for k, v := range event.Fields {
		if _, ok := logData[k]; !ok {
			logData[k] = v
		}
	}
	jsonBytes, err := json.Marshal(logData)
	if err != nil {
		jsonBytes = []byte(`{"msg":"log marshaling failed","level":"ERROR"}`)
	}
	s := string(jsonBytes)
	if len(s) > maxMessageLength {
		s = s[:maxMessageLength-3] + "..."
	}
	return s
}

// Write 非结构化写入，整段字节作为消息正文
func (a *syslogAdapter) Write(p []byte) (int, error) {
	event := &core.LogEvent{
		Timestamp: time.Now(),
		Level:     config.Info.String(),
		Levelno:   int(config.Info),
		Text:      strings.TrimRight(string(p), "\n"),
	}
	if err := a.WriteEvent(event); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (a *syslogAdapter) Sync() error {
	return nil
}

// Close 停止接收新记录，发送完队列中剩余的报文后关闭连接
func (a *syslogAdapter) Close() error {
	a.sendMu.Lock()
	if !a.closing.CompareAndSwap(false, true) {
		a.sendMu.Unlock()
		return nil
	}
	close(a.buffer)
	a.sendMu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(writeTimeout * maxRetries):
		a.cancel()
		<-done
	}
	a.cancel()

	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn != nil {
		err := a.conn.Close()
		a.conn = nil
		return err
	}
	return nil
}

// generateHostname 获取或生成主机名
func generateHostname(staticHostname string) (string, error) {
	if staticHostname != "" {
		staticHostname = cleanHostname(strings.TrimSpace(staticHostname))
		if staticHostname == "" {
			return "", errors.New("invalid static hostname")
		}
		if len(staticHostname) > maxHostnameLength {
			staticHostname = staticHostname[:maxHostnameLength]
		}
		return staticHostname, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown", nil
	}
	hostname = cleanHostname(hostname)
	if hostname == "" {
		return "localhost", nil
	}
	if len(hostname) > maxHostnameLength {
		hostname = hostname[:maxHostnameLength]
	}
	return hostname, nil
}

// cleanHostname 清理主机名非法字符
func cleanHostname(hostname string) string {
	var clean strings.Builder
	for _, r := range hostname {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '.':
			clean.WriteRune(r)
		default:
			clean.WriteRune('-')
		}
	}
	if ip := net.ParseIP(clean.String()); ip != nil {
		return ip.String()
	}
	return clean.String()
}

// safeMessageForLog 控制字符替换为空格并压缩空白
func safeMessageForLog(msg string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r >= 0 && r <= 31 {
			return ' '
		}
		return r
	}, msg)
	return strings.TrimSpace(spaceRe.ReplaceAllString(cleaned, " "))
}

func escapeSDParam(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`).Replace(s)
}

func (a *syslogAdapter) isConnected() bool {
	a.connMu.RLock()
	defer a.connMu.RUnlock()
	return a.conn != nil
}

// levelToSeverity 数值级别映射到 syslog severity
func levelToSeverity(levelno int) int {
	switch {
	case levelno >= int(config.Critical):
		return 2
	case levelno >= int(config.Error):
		return 3
	case levelno >= int(config.Warning):
		return 4
	case levelno >= int(config.Info):
		return 6
	default:
		return 7
	}
}
