// Package registry publishes nodes in etcd under a lease and tells each node
// where its peers listen.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Prefix is the etcd key prefix nodes register under.
const Prefix = "/zephyrbus/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

func key(id string) string { return Prefix + id }

// RegisterNode stores addr for id under a lease of ttl seconds and keeps the
// lease alive until cancel is called.
func RegisterNode(cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("registry: grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, key(id), addr, clientv3.WithLease(lease.ID)); err != nil {
		cancel()
		return 0, nil, fmt.Errorf("registry: put %s: %w", id, err)
	}
	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// ListPeers returns every registered node, keyed by id, and the revision
// the listing was taken at.
func ListPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, fmt.Errorf("registry: list: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers[strings.TrimPrefix(string(kv.Key), Prefix)] = string(kv.Value)
	}
	return peers, resp.Header.Revision, nil
}

// WatchPeers calls onChange with the full peer set after the initial
// listing and after every change, until ctx is done.
func WatchPeers(ctx context.Context, cli *clientv3.Client, log *zap.Logger, onChange func(map[string]string)) error {
	peers, rev, err := ListPeers(ctx, cli)
	if err != nil {
		return err
	}
	onChange(clonePeers(peers))

	wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for resp := range wch {
		if err := resp.Err(); err != nil {
			log.Warn("registry watch", zap.Error(err))
			continue
		}
		if applyEvents(peers, resp.Events) {
			onChange(clonePeers(peers))
		}
	}
	return ctx.Err()
}

// applyEvents updates peers in place and reports whether it changed.
func applyEvents(peers map[string]string, events []*clientv3.Event) bool {
	changed := false
	for _, ev := range events {
		id := strings.TrimPrefix(string(ev.Kv.Key), Prefix)
		switch ev.Type {
		case mvccpb.PUT:
			if peers[id] != string(ev.Kv.Value) {
				peers[id] = string(ev.Kv.Value)
				changed = true
			}
		case mvccpb.DELETE:
			if _, ok := peers[id]; ok {
				delete(peers, id)
				changed = true
			}
		}
	}
	return changed
}

func clonePeers(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
