// Package protocol 实现中继的线上格式：4 字节大端长度前缀加一个 JSON 记录。
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
)

const prefixSize = 4

var (
	// ErrTruncatedFrame 连接在长度前缀或负载中途关闭
	ErrTruncatedFrame = errors.New("truncated frame")
	// ErrFrameTooLarge 声明的长度超过上限
	ErrFrameTooLarge = errors.New("frame too large")
)

// FrameReader 从字节流中逐个取出负载，不可重启
type FrameReader struct {
	r       io.Reader
	maxSize uint32
	prefix  [prefixSize]byte
	err     error
}

// NewFrameReader maxSize 为 0 时不限制帧大小
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	return &FrameReader{r: r, maxSize: maxSize}
}

// Next 返回下一帧的负载。流在帧边界结束时返回 io.EOF。
func (fr *FrameReader) Next() ([]byte, error) {
	if fr.err != nil {
		return nil, fr.err
	}
	payload, err := fr.next()
	if err != nil {
		fr.err = err
	}
	return payload, err
}

func (fr *FrameReader) next() ([]byte, error) {
	n, err := io.ReadFull(fr.r, fr.prefix[:])
	switch {
	case err == io.EOF && n == 0:
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return nil, fmt.Errorf("%w: %d of %d prefix bytes", ErrTruncatedFrame, n, prefixSize)
	case err != nil:
		return nil, err
	}

	size := binary.BigEndian.Uint32(fr.prefix[:])
	if fr.maxSize > 0 && size > fr.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, fr.maxSize)
	}

	// 每帧独立分配，调用方可以长期持有
	payload := make([]byte, size)
	n, err = io.ReadFull(fr.r, payload)
	if err != nil {
		if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: %d of %d payload bytes", ErrTruncatedFrame, n, size)
		}
		return nil, err
	}
	return payload, nil
}

// All 惰性序列，结束后由 Err 报告原因
func (fr *FrameReader) All() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			payload, err := fr.Next()
			if err != nil {
				return
			}
			if !yield(payload) {
				return
			}
		}
	}
}

// Err 流正常结束时为 nil
func (fr *FrameReader) Err() error {
	if fr.err == io.EOF {
		return nil
	}
	return fr.err
}

// WriteFrame 写出一帧，供生产者和测试使用
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	buf := make([]byte, prefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[prefixSize:], payload)
	_, err := w.Write(buf)
	return err
}
