package raft

import (
	"context"
	"time"
)

// pingLoop makes the leader ping every peer each ping interval. Lagging
// peers are caught up by the same exchange.
func (r *ClusterRuntime) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.pingWake:
		}
		if r.IsLeader() {
			r.pingPeers(ctx)
		}
	}
}

func (r *ClusterRuntime) wakePing() {
	select {
	case r.pingWake <- struct{}{}:
	default:
	}
}

// pingPeers starts one exchange per peer, a peer with an exchange still in
// flight is skipped
func (r *ClusterRuntime) pingPeers(ctx context.Context) {
	r.mu.Lock()
	r.st.lastPingSendTime = r.opts.Now()
	r.mu.Unlock()

	r.peers.Range(func(_ string, p *peer) bool {
		if !p.busy.CompareAndSwap(false, true) {
			return true
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			defer p.busy.Store(false)
			pctx, cancel := context.WithTimeout(ctx, r.opts.ElectionTimeout)
			defer cancel()
			if err := r.syncPeer(pctx, p, 0); err != nil {
				log.Debugf("ping of %s: %v", p.name, err)
			}
		}()
		return true
	})
}
