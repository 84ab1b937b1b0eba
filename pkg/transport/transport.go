// Package transport provides frame transports for gossip.NetworkBus: an
// in-process hub, length-prefixed streams over net.Conn, WebSocket
// connections, Redis pub/sub and a multiplexer combining several of them.
//
// Every transport queues writes on its own outbound pipe, so Write never
// waits on the network.
package transport

import (
	"errors"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/pipe"
)

var ErrClosed = errors.New("transport: closed")

type options struct {
	log *zap.Logger
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// outbound feeds frames to send on a dedicated goroutine.
type outbound struct {
	p *pipe.Pipe[[]byte]
}

func newOutbound(name string, log *zap.Logger, send func([]byte) error) outbound {
	return outbound{p: pipe.New(func(frame []byte) {
		if err := send(frame); err != nil {
			log.Warn("send frame", zap.String("transport", name), zap.Error(err))
		}
	}, pipe.WithName(name), pipe.WithLogger(log))}
}

func (o outbound) write(frame []byte) error {
	if err := o.p.Write(frame); err != nil {
		return ErrClosed
	}
	return nil
}

// flush sends what is queued and stops the sender.
func (o outbound) flush() {
	o.p.Close()
}
