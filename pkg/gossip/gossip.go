package gossip

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/bus"
	"github.com/ryandielhenn/zephyrbus/pkg/message"
	"github.com/ryandielhenn/zephyrbus/pkg/pipe"
	"github.com/ryandielhenn/zephyrbus/pkg/worker"
)

const DefaultInterval = time.Second

var (
	ErrNoNodeID    = errors.New("gossip: node id required")
	ErrNoTransport = errors.New("gossip: transport required")
	ErrStarted     = errors.New("gossip: already started")
)

type Config struct {
	NodeID string
	// Interval between heartbeats.
	Interval time.Duration
	// PeerTimeout is how long a silent peer is kept. Defaults to 3 intervals.
	PeerTimeout time.Duration
	// Replay is the local bus replay depth.
	Replay int
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = 3 * c.Interval
	}
	if c.Replay <= 0 {
		c.Replay = bus.DefaultReplay
	}
}

type options struct {
	log   *zap.Logger
	codec message.Codec
}

type Option func(*options)

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithCodec sets the message encoding. All nodes must agree on it.
func WithCodec(c message.Codec) Option {
	return func(o *options) { o.codec = c }
}

type view struct {
	self  message.NodeInfo
	peers []message.NodeInfo
}

// NetworkBus is a local bus joined to other nodes through a Transport.
type NetworkBus struct {
	cfg   Config
	log   *zap.Logger
	codec message.Codec
	t     Transport
	bus   *bus.Bus

	exec     *pipe.Executor
	outbound *pipe.Pipe[[]byte]
	reader   *worker.Thread
	ticker   *worker.Thread

	// executor-owned
	state   message.NodeState
	master  string
	members *memberlist
	created time.Time
	updated time.Time

	// last state published by the executor, for readers on other goroutines
	view atomic.Pointer[view]

	mu       sync.Mutex
	started  bool
	stopOnce sync.Once
}

func New(cfg Config, t Transport, opts ...Option) (*NetworkBus, error) {
	if cfg.NodeID == "" {
		return nil, ErrNoNodeID
	}
	if t == nil {
		return nil, ErrNoTransport
	}
	cfg.setDefaults()
	o := options{log: zap.NewNop(), codec: message.ProtoCodec{}}
	for _, opt := range opts {
		opt(&o)
	}
	log := o.log.With(zap.String("component", "gossip"), zap.String("node", cfg.NodeID))
	now := time.Now()
	n := &NetworkBus{
		cfg:     cfg,
		log:     log,
		codec:   o.codec,
		t:       t,
		state:   message.NodeNew,
		members: newMemberlist(cfg.PeerTimeout),
		created: now,
		updated: now,
	}
	n.exec = pipe.NewExecutor("gossip", pipe.WithLogger(log))
	n.outbound = pipe.New(n.send, pipe.WithName("outbound"), pipe.WithLogger(log))
	n.bus = bus.New(cfg.NodeID,
		bus.WithReplay(cfg.Replay),
		bus.WithLogger(o.log),
		bus.WithForwarder(n.forward),
		bus.WithNodeInfo(n.nodeInfo),
	)
	n.publishView()
	return n, nil
}

// Start launches the reader and heartbeat loops. The first heartbeat is
// sent immediately.
func (n *NetworkBus) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return ErrStarted
	}
	reader, err := worker.Go(n.readLoop)
	if err != nil {
		return fmt.Errorf("gossip: start reader: %w", err)
	}
	ticker, err := worker.Go(n.heartbeatLoop)
	if err != nil {
		_ = n.t.Close()
		_ = reader.Close()
		return fmt.Errorf("gossip: start heartbeat: %w", err)
	}
	n.reader, n.ticker = reader, ticker
	n.started = true
	n.log.Info("network bus started",
		zap.Duration("interval", n.cfg.Interval),
		zap.Duration("peer_timeout", n.cfg.PeerTimeout),
	)
	return nil
}

func (n *NetworkBus) ID() string { return n.cfg.NodeID }

// Bus returns the local bus.
func (n *NetworkBus) Bus() *bus.Bus { return n.bus }

func (n *NetworkBus) Open(name string, opts ...bus.HandleOption) (*bus.Handle, error) {
	return n.bus.Open(name, opts...)
}

func (n *NetworkBus) Close(h *bus.Handle) error {
	return n.bus.CloseHandle(h)
}

// Self returns this node's current description.
func (n *NetworkBus) Self() message.NodeInfo {
	return n.view.Load().self
}

// Peers returns the live peers, sorted by identifier.
func (n *NetworkBus) Peers() []message.NodeInfo {
	return slices.Clone(n.view.Load().peers)
}

func (n *NetworkBus) nodeInfo() (message.NodeInfo, []message.NodeInfo) {
	v := n.view.Load()
	return v.self, slices.Clone(v.peers)
}

// publishView snapshots executor state. Executor only, or before Start.
func (n *NetworkBus) publishView() {
	n.view.Store(&view{
		self: message.NodeInfo{
			Identifier:       n.cfg.NodeID,
			State:            n.state,
			MasterIdentifier: n.master,
			InitializedAt:    n.created,
			UpdatedAt:        n.updated,
		},
		peers: n.members.list(),
	})
	telemetry.Peers.Set(float64(n.members.len()))
	telemetry.NodeState.Set(float64(n.state))
}

// forward runs on the bus executor for every locally accepted message.
func (n *NetworkBus) forward(m message.Message) {
	body, err := n.codec.Encode(m)
	if err != nil {
		n.log.Error("encode outbound message", zap.String("identifier", m.Identifier), zap.Error(err))
		return
	}
	frame := appendEnvelope(nil, envelope{Node: n.cfg.NodeID, Body: body})
	if err := n.outbound.Write(frame); err != nil {
		n.log.Debug("outbound closed, dropping message", zap.String("identifier", m.Identifier))
	}
}

func (n *NetworkBus) send(frame []byte) {
	if err := n.t.Write(frame); err != nil {
		n.log.Warn("transport write", zap.Error(err))
	}
}

func (n *NetworkBus) readLoop(ctx context.Context) error {
	for {
		frame, ok := n.t.Read()
		if !ok {
			n.log.Info("transport closed, reader stopping")
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n.receive(frame)
	}
}

func (n *NetworkBus) receive(frame []byte) {
	env, err := decodeEnvelope(frame)
	if err != nil {
		telemetry.DecodeErrors.Inc()
		n.log.Warn("dropping undecodable frame", zap.Error(err))
		return
	}
	if env.Node == n.cfg.NodeID {
		return
	}
	m, err := n.codec.Decode(env.Body)
	if err != nil {
		telemetry.DecodeErrors.Inc()
		n.log.Warn("dropping undecodable message", zap.String("from", env.Node), zap.Error(err))
		return
	}
	if m.IsSystem() {
		telemetry.Heartbeats.WithLabelValues("received").Inc()
		if m.Self.Identifier != "" {
			info := m.Self
			if err := n.exec.Sync(func() { n.observe(info) }); err != nil {
				return
			}
		}
	}
	if err := n.bus.Inject(m); err != nil {
		if errors.Is(err, bus.ErrStale) {
			n.log.Debug("stale remote message",
				zap.String("from", env.Node),
				zap.String("identifier", m.Identifier),
				zap.Uint64("sequence", m.Sequence),
			)
			return
		}
		n.log.Debug("inject remote message", zap.Error(err))
	}
}

// observe applies a peer's heartbeat to the member list. Executor only.
func (n *NetworkBus) observe(info message.NodeInfo) {
	if info.Identifier == n.cfg.NodeID {
		return
	}
	changed := false
	if info.State == message.NodeDestroyed {
		if n.members.remove(info.Identifier) {
			n.log.Info("peer left", zap.String("peer", info.Identifier))
			n.bus.Forget(message.SystemIdentifier(info.Identifier))
			changed = true
		}
	} else {
		// A joining or restarted peer may number its system stream from 1
		// again, below what an earlier incarnation left in the ledger.
		switch n.members.observe(info, time.Now()) {
		case peerJoined:
			n.log.Info("peer joined", zap.String("peer", info.Identifier), zap.Stringer("state", info.State))
			n.bus.Forget(message.SystemIdentifier(info.Identifier))
			changed = true
		case peerRestarted:
			n.log.Info("peer restarted", zap.String("peer", info.Identifier))
			n.bus.Forget(message.SystemIdentifier(info.Identifier))
		}
	}
	if !changed {
		n.publishView()
		return
	}
	n.touch()
	if n.state == message.NodeReady && n.elect() {
		n.heartbeat()
		return
	}
	n.publishView()
}

// elect sets the master to the lowest identifier among this node and its
// peers and reports whether it changed. Executor only.
func (n *NetworkBus) elect() bool {
	master := n.members.lowest(n.cfg.NodeID)
	if master == n.master {
		return false
	}
	n.log.Info("master elected", zap.String("master", master), zap.String("previous", n.master))
	n.master = master
	n.touch()
	return true
}

func (n *NetworkBus) touch() { n.updated = time.Now() }

func (n *NetworkBus) heartbeatLoop(ctx context.Context) error {
	_ = n.exec.Submit(n.tick)
	t := time.NewTicker(n.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if err := n.exec.Submit(n.tick); err != nil {
				return nil
			}
		}
	}
}

// tick advances the election state and sends a heartbeat. Executor only.
func (n *NetworkBus) tick() {
	if n.state == message.NodeDestroyed {
		return
	}
	for _, id := range n.members.expire(time.Now()) {
		n.log.Info("peer timed out", zap.String("peer", id))
		n.bus.Forget(message.SystemIdentifier(id))
		n.touch()
	}
	switch n.state {
	case message.NodeNew:
		n.state = message.NodeMasterPending
		n.touch()
	case message.NodeMasterPending:
		n.state = message.NodeReady
		n.touch()
		n.elect()
	case message.NodeReady:
		n.elect()
	}
	n.heartbeat()
}

// heartbeat publishes this node's state on the local bus, which forwards it
// to the transport. Executor only.
func (n *NetworkBus) heartbeat() {
	n.publishView()
	v := n.view.Load()
	m := message.NewSystem(message.SystemIdentifier(n.cfg.NodeID), v.self, slices.Clone(v.peers))
	if _, err := n.bus.Publish(m); err != nil {
		n.log.Debug("heartbeat not published", zap.Error(err))
		return
	}
	telemetry.Heartbeats.WithLabelValues("sent").Inc()
}

// Stop announces this node as destroyed, flushes outbound frames and tears
// everything down. Handles still open are closed by the bus.
func (n *NetworkBus) Stop() {
	n.stopOnce.Do(func() {
		n.mu.Lock()
		started := n.started
		n.mu.Unlock()

		if started {
			n.ticker.Cancel()
			if err := n.ticker.Join(); err != nil {
				n.log.Warn("heartbeat loop", zap.Error(err))
			}
			_ = n.ticker.Close()
		}
		_ = n.exec.Sync(func() {
			n.state = message.NodeDestroyed
			n.master = ""
			n.touch()
			if started {
				n.heartbeat()
			} else {
				n.publishView()
			}
		})
		n.bus.Flush()
		n.outbound.WaitForDrain()
		n.outbound.Close()
		if err := n.t.Close(); err != nil {
			n.log.Warn("close transport", zap.Error(err))
		}
		if started {
			if err := n.reader.Join(); err != nil {
				n.log.Warn("reader loop", zap.Error(err))
			}
			_ = n.reader.Close()
		}
		n.bus.Shutdown()
		n.exec.Close()
		n.log.Info("network bus stopped")
	})
}
