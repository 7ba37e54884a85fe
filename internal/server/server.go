// Package server 接收生产者的连接，解码每一帧并分发到已配置的输出。
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iuboy/hedgelog/config"
	"github.com/iuboy/hedgelog/internal/protocol"
	"go.uber.org/zap"
)

const (
	readBufferSize = 64 << 10
	acceptBackoff  = 50 * time.Millisecond
)

// ErrBind 端口被占用或地址不可用
var ErrBind = errors.New("bind failed")

type Option func(*Server)

func WithLogger(log *zap.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server 轮询式的 accept 循环，每个连接一个 goroutine
type Server struct {
	cfg        config.ServerConfig
	ln         *net.TCPListener
	dispatcher *Dispatcher
	decoder    *protocol.Decoder
	metrics    *Metrics
	log        *zap.Logger

	stopping atomic.Bool
	started  atomic.Bool
	done     chan struct{} // Serve 返回时关闭

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// Listen 绑定监听地址；失败时错误包装 ErrBind
func Listen(cfg config.ServerConfig, d *Dispatcher, opts ...Option) (*Server, error) {
	addr := cfg.Addr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, addr, err)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = config.Duration(config.DefaultPollInterval)
	}

	s := &Server{
		cfg:        cfg,
		ln:         ln.(*net.TCPListener),
		dispatcher: d,
		decoder:    protocol.NewDecoder(),
		metrics:    d.Metrics(),
		log:        zap.NewNop(),
		done:       make(chan struct{}),
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("server")
	return s, nil
}

func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Serve 阻塞直到 Stop 被调用或 ctx 取消，最迟一个轮询周期后返回。
// 进行中的连接不受影响。
func (s *Server) Serve(ctx context.Context) error {
	if s.started.Swap(true) {
		return errors.New("server already serving")
	}
	defer close(s.done)
	defer s.ln.Close()

	s.log.Info("accepting connections", zap.Stringer("addr", s.ln.Addr()))
	poll := s.cfg.PollInterval.Std()
	for !s.stopping.Load() && ctx.Err() == nil {
		if err := s.ln.SetDeadline(time.Now().Add(poll)); err != nil {
			return fmt.Errorf("set accept deadline: %w", err)
		}
		conn, err := s.ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if s.stopping.Load() || errors.Is(err, net.ErrClosed) {
				break
			}
			s.log.Warn("accept failed", zap.Error(err))
			time.Sleep(acceptBackoff)
			continue
		}
		s.track(conn)
		go s.handleConn(conn)
	}
	s.log.Info("stopped accepting connections")
	return nil
}

// Stop 设置停止标志，不等待
func (s *Server) Stop() {
	s.stopping.Store(true)
}

// Shutdown 停止接收并等待进行中的连接结束；ctx 先到期时关闭剩余连接并返回 ctx 的错误
func (s *Server) Shutdown(ctx context.Context) error {
	s.Stop()
	if s.started.Load() {
		select {
		case <-s.done:
		case <-ctx.Done():
			_ = s.ln.Close()
			<-s.done
		}
	} else {
		_ = s.ln.Close()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
	}

	s.mu.Lock()
	n := len(s.conns)
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()
	s.log.Warn("abandoning connections", zap.Int("connections", n))
	<-drained
	return ctx.Err()
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	s.wg.Add(1)
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.wg.Done()
}

// handleConn 读帧、解码、分发，直到对端关闭
func (s *Server) handleConn(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	s.metrics.connections.Inc()
	s.metrics.activeConnections.Inc()
	defer s.metrics.activeConnections.Dec()

	log := s.log.With(zap.Stringer("remote", conn.RemoteAddr()))
	log.Debug("connection accepted")

	fr := protocol.NewFrameReader(bufio.NewReaderSize(conn, readBufferSize), s.cfg.MaxFrameSize)
	for payload := range fr.All() {
		s.metrics.frames.Inc()
		rec, err := s.decoder.Decode(payload)
		if err != nil {
			s.metrics.decodeErrors.Inc()
			log.Warn("dropping undecodable frame", zap.Int("bytes", len(payload)), zap.Error(err))
			continue
		}
		if err := s.dispatcher.Dispatch(rec); err != nil {
			log.Warn("handler write failed", zap.String("logger", rec.Name), zap.Error(err))
		}
	}

	switch err := fr.Err(); {
	case err == nil:
		log.Debug("connection closed")
	case errors.Is(err, protocol.ErrTruncatedFrame):
		s.metrics.truncatedFrames.Inc()
		log.Debug("connection closed mid-frame", zap.Error(err))
	case errors.Is(err, protocol.ErrFrameTooLarge):
		log.Warn("closing connection", zap.Error(err))
	default:
		log.Info("connection ended", zap.Error(err))
	}
}
