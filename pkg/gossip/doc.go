// Package gossip runs a message bus across nodes. A NetworkBus wraps a local
// bus.Bus with a Transport: messages accepted locally are framed and written
// out, frames read from the transport are injected into the local bus.
// Periodic heartbeats (system messages) carry each node's state and drive
// membership and master election.
//
// Typical usage:
//
//	nb, _ := gossip.New(gossip.Config{NodeID: "node1"}, t)
//	nb.Start()
//	defer nb.Stop()
//	h, _ := nb.Open("writer")
package gossip
