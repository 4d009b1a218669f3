package raft

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
)

// PeerState is the leader side bookkeeping of a peer as reported by State
type PeerState struct {
	Name                      string  `json:"name" yaml:"name"`
	Endpoint                  string  `json:"endpoint" yaml:"endpoint"`
	NextIndex                 uint64  `json:"nextIndex" yaml:"nextIndex"`
	MatchIndex                uint64  `json:"matchIndex" yaml:"matchIndex"`
	ConsecutiveFailedAttempts uint64  `json:"consecutiveFailedAttempts" yaml:"consecutiveFailedAttempts"`
	LastError                 string  `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	RPCs                      int64   `json:"rpcs" yaml:"rpcs"`
	LatencyMeanMS             float64 `json:"latencyMeanMs" yaml:"latencyMeanMs"`
	LatencyP99MS              float64 `json:"latencyP99Ms" yaml:"latencyP99Ms"`
	FailureRate1m             float64 `json:"failureRate1m" yaml:"failureRate1m"`
}

// peer wraps the client of one member. Only one AppendEntries exchange runs
// per peer at any time (syncMu), nextIndex and matchIndex are owned by it.
type peer struct {
	name     string
	endpoint string
	client   Peer

	syncMu     sync.Mutex
	busy       atomic.Bool // a ping is in flight
	nextIndex  atomic.Uint64
	matchIndex atomic.Uint64

	failedAttempts atomic.Uint64
	lastErr        atomic.Pointer[string]

	latency  gometrics.Timer
	failures gometrics.Meter
}

func newPeer(name, endpoint string, client Peer, registry gometrics.Registry) *peer {
	p := &peer{
		name:     name,
		endpoint: endpoint,
		client:   client,
		latency:  gometrics.NewTimer(),
		failures: gometrics.NewMeter(),
	}
	_ = registry.Register(peerMetric(metricLatency, name), p.latency)
	_ = registry.Register(peerMetric(metricFailures, name), p.failures)
	return p
}

// observe records the outcome of one RPC. Failures are never fatal, they
// only exclude the peer from the current round.
func (p *peer) observe(start time.Time, err error) {
	p.latency.UpdateSince(start)
	if err == nil {
		p.failedAttempts.Store(0)
		return
	}
	p.failures.Mark(1)
	n := p.failedAttempts.Add(1)
	msg := err.Error()
	p.lastErr.Store(&msg)
	if n == 1 || n%10 == 0 {
		log.Warningf("peer %s: %d consecutive failed attempt(s): %v", p.name, n, err)
	}
}

func (p *peer) requestVote(ctx context.Context, req *VoteRequest) (*VoteReply, error) {
	start := time.Now()
	reply, err := p.client.RequestVote(ctx, req)
	p.observe(start, err)
	return reply, err
}

func (p *peer) appendEntries(ctx context.Context, req *AppendRequest) (*AppendReply, error) {
	start := time.Now()
	reply, err := p.client.AppendEntries(ctx, req)
	p.observe(start, err)
	return reply, err
}

func (p *peer) state() PeerState {
	s := PeerState{
		Name:                      p.name,
		Endpoint:                  p.endpoint,
		NextIndex:                 p.nextIndex.Load(),
		MatchIndex:                p.matchIndex.Load(),
		ConsecutiveFailedAttempts: p.failedAttempts.Load(),
	}
	if msg := p.lastErr.Load(); msg != nil {
		s.LastError = *msg
	}
	snap := p.latency.Snapshot()
	s.RPCs = snap.Count()
	s.LatencyMeanMS = snap.Mean() / float64(time.Millisecond)
	s.LatencyP99MS = snap.Percentile(0.99) / float64(time.Millisecond)
	s.FailureRate1m = p.failures.Snapshot().Rate1()
	return s
}

func (p *peer) stop(registry gometrics.Registry) {
	p.latency.Stop()
	p.failures.Stop()
	registry.Unregister(peerMetric(metricLatency, p.name))
	registry.Unregister(peerMetric(metricFailures, p.name))
}
