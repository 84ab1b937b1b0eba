package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrbus/internal/config"
	"github.com/ryandielhenn/zephyrbus/internal/logging"
	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/gossip"
	"github.com/ryandielhenn/zephyrbus/pkg/kv"
	"github.com/ryandielhenn/zephyrbus/pkg/message"
	"github.com/ryandielhenn/zephyrbus/pkg/node"
	"github.com/ryandielhenn/zephyrbus/pkg/registry"
	"github.com/ryandielhenn/zephyrbus/pkg/transport"
)

var (
	version = "dev"
	gitSHA  = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	telemetry.SetBuildInfo(version, gitSHA)
	if err := run(cfg, logger); err != nil {
		logger.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	logger = logger.With(zap.String("node", cfg.NodeID))
	mux := http.NewServeMux()

	// 1. Open the transport peers talk over
	logger.Info("boot", zap.String("transport", cfg.Transport), zap.String("codec", cfg.Codec))
	conn, d, release, err := openTransport(ctx, g, cfg, logger, mux)
	if err != nil {
		return err
	}
	defer release()

	// 2. Join the network bus
	nb, err := gossip.New(gossip.Config{
		NodeID:      cfg.NodeID,
		Interval:    cfg.HeartbeatInterval,
		PeerTimeout: cfg.PeerTimeout,
		Replay:      cfg.Replay,
	}, conn, gossip.WithLogger(logger), gossip.WithCodec(codecFor(cfg.Codec)))
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := nb.Start(); err != nil {
		return err
	}
	defer nb.Stop()

	// 3. HTTP node on top of the bus
	n, err := node.NewNode(nb, kv.NewStore(cfg.CacheBytes, cfg.CacheTTL), logger)
	if err != nil {
		return err
	}
	defer func() { _ = n.Close() }()
	n.Routes(mux)

	// 4. Find peers: static list, then etcd if configured
	if d != nil {
		for _, p := range cfg.Peers {
			d.connect(ctx, g, p)
		}
	}
	if len(cfg.EtcdEndpoints) > 0 {
		cli, err := registry.NewClient(cfg.EtcdEndpoints)
		if err != nil {
			return fmt.Errorf("etcd client: %w", err)
		}
		defer cli.Close()
		if err := register(ctx, g, cli, cfg, d, logger); err != nil {
			return err
		}
	}

	// 5. Serve HTTP until a signal or a fatal error
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	g.Go(func() error {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info("shutting down", zap.Error(err))
	return err
}

// openTransport returns the connection the bus runs over and, for
// point-to-point transports, a dialer for reaching peers. release runs
// after the bus has stopped.
func openTransport(ctx context.Context, g *errgroup.Group, cfg config.Config, logger *zap.Logger, mux *http.ServeMux) (transport.Conn, *dialer, func(), error) {
	topts := []transport.Option{transport.WithLogger(logger)}
	switch cfg.Transport {
	case config.TransportRedis:
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis url: %w", err)
		}
		client := redis.NewClient(opt)
		r, err := transport.NewRedis(ctx, client, cfg.RedisChannel, topts...)
		if err != nil {
			_ = client.Close()
			return nil, nil, nil, err
		}
		return r, nil, func() { _ = client.Close() }, nil

	case config.TransportWebSocket:
		m := transport.NewMux(topts...)
		mux.Handle("GET /bus", transport.WebSocketHandler(func(ws *transport.WebSocket) {
			if err := m.Add(ws); err != nil {
				_ = ws.Close()
			}
		}, topts...))
		return m, newDialer(m, cfg, logger), func() {}, nil

	default:
		ln, err := net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
		}
		m := transport.NewMux(topts...)
		g.Go(func() error {
			logger.Info("bus listening", zap.String("addr", cfg.ListenAddr))
			return transport.Serve(ctx, ln, func(s *transport.Stream) {
				if err := m.Add(s); err != nil {
					_ = s.Close()
				}
			}, topts...)
		})
		return m, newDialer(m, cfg, logger), func() {}, nil
	}
}

// register publishes this node in etcd and dials registered peers with a
// lower id, so each pair of nodes holds one link.
func register(ctx context.Context, g *errgroup.Group, cli *clientv3.Client, cfg config.Config, d *dialer, logger *zap.Logger) error {
	logger.Info("registering with etcd", zap.String("addr", cfg.AdvertiseAddr), zap.Strings("endpoints", cli.Endpoints()))
	leaseID, cancel, err := registry.RegisterNode(cli, cfg.NodeID, cfg.AdvertiseAddr, 10)
	if err != nil {
		return err
	}
	g.Go(func() error {
		<-ctx.Done()
		cancel()
		rctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_, _ = cli.Revoke(rctx, leaseID)
		return nil
	})
	if d == nil {
		return nil
	}
	g.Go(func() error {
		err := registry.WatchPeers(ctx, cli, logger, func(peers map[string]string) {
			for id, addr := range peers {
				if id < cfg.NodeID {
					d.connect(ctx, g, addr)
				}
			}
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	return nil
}

func codecFor(name string) message.Codec {
	if name == config.CodecCBOR {
		return message.CBORCodec{}
	}
	return message.ProtoCodec{}
}
