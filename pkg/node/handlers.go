package node

import (
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrbus/pkg/bus"
	"github.com/ryandielhenn/zephyrbus/pkg/message"
)

// MaxBody bounds the payload accepted by Write.
const MaxBody = 1 << 20

type nodeView struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Master    string    `json:"master,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func viewOf(info message.NodeInfo) nodeView {
	return nodeView{
		ID:        info.Identifier,
		State:     info.State.String(),
		Master:    info.MasterIdentifier,
		UpdatedAt: info.UpdatedAt,
	}
}

// Healthz returns 200 OK to indicate the node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Info writes this node's election state, its peers and cache size.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		nodeView
		PID        int        `json:"pid"`
		Now        time.Time  `json:"now"`
		Uptime     string     `json:"uptime"`
		Peers      []nodeView `json:"peers"`
		Handles    []string   `json:"handles"`
		Items      int        `json:"items"`
		Conflicted bool       `json:"conflicted"`
	}
	r := resp{
		nodeView:   viewOf(n.nb.Self()),
		PID:        os.Getpid(),
		Now:        time.Now(),
		Uptime:     time.Since(n.started).Round(time.Second).String(),
		Peers:      []nodeView{},
		Handles:    n.nb.Bus().Handles(),
		Items:      n.kv.Len(),
		Conflicted: n.writer.Conflicted(),
	}
	for _, p := range n.nb.Peers() {
		r.Peers = append(r.Peers, viewOf(p))
	}
	writeJSON(w, http.StatusOK, r)
}

// Write publishes the request body under the path identifier. An optional
// seq query parameter pins the sequence; a stale one answers 409 and leaves
// the writer conflicted until Resolve.
func (n *Node) Write(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("identifier")
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, MaxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	m := message.NewUser(id, body)
	if s := req.URL.Query().Get("seq"); s != "" {
		seq, err := strconv.ParseUint(s, 10, 64)
		if err != nil || seq == 0 {
			http.Error(w, "invalid seq", http.StatusBadRequest)
			return
		}
		m.Sequence = seq
	}

	// Bring the writer's view up to what the bus has accepted, remote
	// writes included, so an unpinned write takes the next sequence.
	n.nb.Bus().Flush()
	seq, err := n.writer.Write(m)
	if err != nil {
		status := statusFor(err)
		if status >= 500 {
			n.log.Error("write", zap.String("identifier", id), zap.Error(err))
		}
		http.Error(w, err.Error(), status)
		return
	}
	// The cache handle has stored the write once the bus is flushed.
	n.nb.Bus().Flush()
	writeJSON(w, http.StatusOK, map[string]any{"identifier": id, "sequence": seq})
}

// Read returns the latest cached payload for the path identifier.
func (n *Node) Read(w http.ResponseWriter, req *http.Request) {
	m, ok := n.kv.Get(req.PathValue("identifier"))
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Sequence", strconv.FormatUint(m.Sequence, 10))
	w.Header().Set("X-Source", m.Source)
	w.Header().Set("X-Timestamp", m.Timestamp.UTC().Format(time.RFC3339Nano))
	_, _ = w.Write(m.Payload)
}

// Resolve clears the writer's conflict.
func (n *Node) Resolve(w http.ResponseWriter, _ *http.Request) {
	if err := n.writer.ResolveConflict(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, bus.ErrConflict), errors.Is(err, bus.ErrConflicted):
		return http.StatusConflict
	case errors.Is(err, bus.ErrReserved):
		return http.StatusBadRequest
	case errors.Is(err, bus.ErrClosed), errors.Is(err, bus.ErrHandleClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
