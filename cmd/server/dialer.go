package main

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/ryandielhenn/zephyrbus/internal/config"
	"github.com/ryandielhenn/zephyrbus/pkg/node"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
)

// dialer keeps one outbound link per peer address in the mux and redials
// a link once its stream ends.
type dialer struct {
	mux     *transport.Mux
	cfg     config.Config
	log     *zap.Logger
	mu      sync.Mutex
	dialing map[string]bool
}

func newDialer(m *transport.Mux, cfg config.Config, logger *zap.Logger) *dialer {
	return &dialer{mux: m, cfg: cfg, log: logger, dialing: make(map[string]bool)}
}

// tracked reports when the mux closes a connection.
type tracked struct {
	transport.Conn
	once sync.Once
	done chan struct{}
}

func (t *tracked) Close() error {
	t.once.Do(func() { close(t.done) })
	return t.Conn.Close()
}

func (d *dialer) connect(ctx context.Context, g *errgroup.Group, addr string) {
	port := "7946"
	if d.cfg.Transport == config.TransportWebSocket {
		port = "8080"
	}
	hp := node.NormalizeHostPort(addr, port)
	if hp == node.NormalizeHostPort(d.cfg.AdvertiseAddr, port) {
		return
	}

	d.mu.Lock()
	if d.dialing[hp] {
		d.mu.Unlock()
		return
	}
	d.dialing[hp] = true
	d.mu.Unlock()

	g.Go(func() error {
		defer func() {
			d.mu.Lock()
			delete(d.dialing, hp)
			d.mu.Unlock()
		}()
		d.hold(ctx, hp)
		return nil
	})
}

// hold dials hp, at most once a second, until ctx is done.
func (d *dialer) hold(ctx context.Context, hp string) {
	log := d.log.With(zap.String("peer", hp))
	limit := rate.NewLimiter(rate.Every(time.Second), 1)
	for {
		if err := limit.Wait(ctx); err != nil {
			return
		}
		c, err := d.dial(ctx, hp)
		if err != nil {
			log.Debug("dial failed", zap.Error(err))
			continue
		}
		t := &tracked{Conn: c, done: make(chan struct{})}
		if err := d.mux.Add(t); err != nil {
			_ = t.Close()
			return
		}
		log.Info("peer linked")
		select {
		case <-t.done:
			log.Info("peer link lost")
		case <-ctx.Done():
			return
		}
	}
}

func (d *dialer) dial(ctx context.Context, hp string) (transport.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	opts := transport.WithLogger(d.log)
	if d.cfg.Transport == config.TransportWebSocket {
		return transport.DialWebSocket(dctx, "ws://"+hp+"/bus", opts)
	}
	return transport.Dial(dctx, hp, opts)
}
