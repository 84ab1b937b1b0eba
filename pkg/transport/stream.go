package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrame bounds the size of a single frame read from a stream.
const MaxFrame = 16 << 20

// Stream carries frames over a net.Conn, each prefixed with its length as
// a protobuf varint.
type Stream struct {
	conn net.Conn
	r    *bufio.Reader
	out  outbound
	log  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

func NewStream(conn net.Conn, opts ...Option) *Stream {
	o := buildOptions(opts)
	s := &Stream{
		conn: conn,
		r:    bufio.NewReader(conn),
		log:  o.log.With(zap.String("remote", conn.RemoteAddr().String())),
	}
	s.out = newOutbound("stream", s.log, s.send)
	return s
}

// Dial connects to a peer listening with Serve.
func Dial(ctx context.Context, addr string, opts ...Option) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewStream(conn, opts...), nil
}

// Serve accepts connections on ln until ctx is done or ln fails, handing
// each one to accept as a Stream.
func Serve(ctx context.Context, ln net.Listener, accept func(*Stream), opts ...Option) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		accept(NewStream(conn, opts...))
	}
}

func (s *Stream) Read() ([]byte, bool) {
	n, err := binary.ReadUvarint(s.r)
	if err != nil {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("read frame length", zap.Error(err))
		}
		return nil, false
	}
	if n > MaxFrame {
		s.log.Warn("frame too large, dropping connection", zap.Uint64("size", n))
		_ = s.conn.Close()
		return nil, false
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(s.r, frame); err != nil {
		s.log.Debug("read frame", zap.Error(err))
		return nil, false
	}
	return frame, true
}

func (s *Stream) Write(frame []byte) error {
	return s.out.write(frame)
}

func (s *Stream) send(frame []byte) error {
	buf := protowire.AppendVarint(make([]byte, 0, len(frame)+binary.MaxVarintLen64), uint64(len(frame)))
	buf = append(buf, frame...)
	_, err := s.conn.Write(buf)
	return err
}

// Close sends queued frames and closes the connection.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.out.flush()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
