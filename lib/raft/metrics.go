package raft

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// names of the per peer metrics in the rcrowley registry, "<kind>/<peer>"
const (
	metricLatency  = "latency"
	metricFailures = "failures"
)

func peerMetric(kind, peer string) string {
	return kind + "/" + peer
}

func (r *ClusterRuntime) initMetrics() {
	r.metrics = metrics.NewSet()
	r.elections = r.metrics.NewCounter("ddir_raft_elections_total")
	r.leaderChanges = r.metrics.NewCounter("ddir_raft_leader_changes_total")
	r.applied = r.metrics.NewCounter("ddir_raft_applied_total")
	r.applyFailures = r.metrics.NewCounter("ddir_raft_apply_failures_total")
	r.commitFails = r.metrics.NewCounter("ddir_raft_commit_failures_total")

	gauge := func(name string, value func(s *raftState) uint64) {
		r.metrics.NewGauge(name, func() float64 {
			r.mu.Lock()
			defer r.mu.Unlock()
			return float64(value(&r.st))
		})
	}
	gauge("ddir_raft_term", func(s *raftState) uint64 { return s.currentTerm })
	gauge("ddir_raft_commit_index", func(s *raftState) uint64 { return s.commitIndex })
	gauge("ddir_raft_last_applied", func(s *raftState) uint64 { return s.lastApplied })
	gauge("ddir_raft_last_log_index", func(s *raftState) uint64 { return s.lastLogIndex })
	gauge("ddir_raft_role", func(s *raftState) uint64 { return uint64(s.role) })
	gauge("ddir_raft_cluster_size", func(s *raftState) uint64 { return uint64(s.clusterSize) })
	r.metrics.NewGauge("ddir_raft_peers", func() float64 { return float64(r.peers.Size()) })
}

// writePeerMetrics renders the peer timers and meters of the registry in
// Prometheus text format, sorted by metric and peer
func (r *ClusterRuntime) writePeerMetrics(w io.Writer) {
	var lines []string
	r.registry.Each(func(name string, m interface{}) {
		kind, peer, ok := strings.Cut(name, "/")
		if !ok {
			return
		}
		switch v := m.(type) {
		case gometrics.Timer:
			if kind != metricLatency {
				return
			}
			snap := v.Snapshot()
			lines = append(lines,
				fmt.Sprintf("ddir_raft_peer_rpcs_total{peer=%q} %d", peer, snap.Count()),
				fmt.Sprintf("ddir_raft_peer_rpc_seconds{peer=%q,quantile=\"0.5\"} %g", peer, snap.Percentile(0.5)/float64(time.Second)),
				fmt.Sprintf("ddir_raft_peer_rpc_seconds{peer=%q,quantile=\"0.99\"} %g", peer, snap.Percentile(0.99)/float64(time.Second)),
			)
		case gometrics.Meter:
			if kind != metricFailures {
				return
			}
			snap := v.Snapshot()
			lines = append(lines,
				fmt.Sprintf("ddir_raft_peer_failures_total{peer=%q} %d", peer, snap.Count()),
				fmt.Sprintf("ddir_raft_peer_failure_rate_1m{peer=%q} %g", peer, snap.Rate1()),
			)
		}
	})
	sort.Strings(lines)
	for _, line := range lines {
		fmt.Fprintln(w, line)
	}
}
