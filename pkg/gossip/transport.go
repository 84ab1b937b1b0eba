package gossip

// Transport moves opaque frames between nodes. Read blocks until a frame
// arrives and reports false once the stream is closed. Write must not block
// on the network. Close unblocks a pending Read.
type Transport interface {
	Read() ([]byte, bool)
	Write(frame []byte) error
	Close() error
}
