package node

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/internal/telemetry"
	"github.com/ryandielhenn/zephyrbus/pkg/bus"
	"github.com/ryandielhenn/zephyrbus/pkg/gossip"
	"github.com/ryandielhenn/zephyrbus/pkg/kv"
	"github.com/ryandielhenn/zephyrbus/pkg/message"
)

// Handle names carry the node id so that peers' handles never share them.
func writerName(id string) string { return "http@" + id }
func cacheName(id string) string  { return "cache@" + id }

// Node is the HTTP face of a NetworkBus: it writes through one handle and
// serves the latest message per identifier from a cache fed by another.
type Node struct {
	nb      *gossip.NetworkBus
	kv      *kv.Store
	started time.Time
	log     *zap.Logger

	writer *bus.Handle
	cache  *bus.Handle
}

func NewNode(nb *gossip.NetworkBus, store *kv.Store, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{
		nb:      nb,
		kv:      store,
		started: time.Now(),
		log:     log.With(zap.String("component", "node")),
	}
	cache, err := nb.Open(cacheName(nb.ID()), bus.WithProcessor(store.Observe))
	if err != nil {
		return nil, fmt.Errorf("node: open cache handle: %w", err)
	}
	// The writer only tracks sequences; user messages are served by the cache.
	writer, err := nb.Open(writerName(nb.ID()),
		bus.WithFilter(func(message.Message) bool { return false }),
		bus.WithConflictHandler(n.onConflict),
	)
	if err != nil {
		_ = nb.Close(cache)
		return nil, fmt.Errorf("node: open writer handle: %w", err)
	}
	n.cache, n.writer = cache, writer
	return n, nil
}

func (n *Node) onConflict(_ *bus.Handle, m message.Message) {
	n.log.Warn("write conflicted; POST /resolve to accept writes again",
		zap.String("identifier", m.Identifier),
		zap.Uint64("sequence", m.Sequence),
	)
}

// Routes registers the node endpoints on mux.
func (n *Node) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.Handle("GET /info", telemetry.Instrument("info", http.HandlerFunc(n.Info)))
	mux.Handle("POST /msg/{identifier}", telemetry.Instrument("write", http.HandlerFunc(n.Write)))
	mux.Handle("GET /msg/{identifier}", telemetry.Instrument("read", http.HandlerFunc(n.Read)))
	mux.Handle("POST /resolve", telemetry.Instrument("resolve", http.HandlerFunc(n.Resolve)))
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
}

// Close closes the node's handles. The NetworkBus is left running.
func (n *Node) Close() error {
	werr := n.nb.Close(n.writer)
	cerr := n.nb.Close(n.cache)
	if werr != nil {
		return werr
	}
	return cerr
}
