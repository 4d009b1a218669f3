package common

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/ValentinKolb/dDir/lib/errs"
	"github.com/ValentinKolb/dDir/lib/raft"
)

// --------------------------------------------------------------------------
// Transport configuration (shared by client and server)
// --------------------------------------------------------------------------

// SocketConf holds the socket buffer sizes (0 keeps the OS default)
type SocketConf struct {
	WriteBufferSize int
	ReadBufferSize  int
}

// TCPConf holds the TCP specific socket options
type TCPConf struct {
	TCPNoDelay      bool
	TCPKeepAliveSec int
	TCPLingerSec    int // < 0 keeps the OS default
}

// ServerTransportConfig configures the listener of a node
type ServerTransportConfig struct {
	// Endpoint the node listens on (host:port, socket path or http address)
	Endpoint string
	// WorkersPerConn limits the requests handled concurrently per connection
	WorkersPerConn int
	// BufferSize of the pooled request buffers
	BufferSize int
	SocketConf
	TCPConf
}

// ClientTransportConfig configures the connections of a client
type ClientTransportConfig struct {
	Endpoints              []string
	RetryCount             int
	ConnectionsPerEndpoint int
	SocketConf
	TCPConf
}

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// ServerConfig holds all configuration parameters of a directory node.
type ServerConfig struct {
	// Node identity
	NodeID         string
	ClusterMembers []string // name=endpoint

	// Raft timings
	RaftPingIntervalMS     int64
	RaftElectionTimeoutMS  int64
	RaftStartupDelayMS     int64
	RaftLogRetain          int
	SnapshotIntervalSecond int64

	// Storage
	DataDir     string
	RestoreFrom string

	// Event ledger
	EventMaxReady int

	// Multi master replication
	ReplPartners   []string // name=endpoint
	ReplIntervalMS int64

	// timeout of a single request
	TimeoutSecond int64

	Transport ServerTransportConfig

	MetricsEndpoint string
	LogLevel        string
}

// ParseMembers parses a list of name=endpoint pairs
func ParseMembers(pairs []string) ([]raft.Member, error) {
	members := make([]raft.Member, 0, len(pairs))
	seen := make(map[string]bool, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, endpoint, ok := strings.Cut(pair, "=")
		name, endpoint = strings.TrimSpace(name), strings.TrimSpace(endpoint)
		if !ok || name == "" || endpoint == "" {
			return nil, errs.Newf(errs.RetCInvalidParameter, "invalid member %q (expected name=endpoint)", pair)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return nil, errs.Newf(errs.RetCInvalidParameter, "member %s listed twice", name)
		}
		seen[key] = true
		members = append(members, raft.Member{Name: name, Endpoint: endpoint})
	}
	return members, nil
}

// Members returns the parsed cluster members
func (c *ServerConfig) Members() ([]raft.Member, error) {
	return ParseMembers(c.ClusterMembers)
}

// Partners returns the parsed replication partners
func (c *ServerConfig) Partners() ([]raft.Member, error) {
	return ParseMembers(c.ReplPartners)
}

// PingInterval returns the raft ping interval
func (c *ServerConfig) PingInterval() time.Duration {
	return time.Duration(c.RaftPingIntervalMS) * time.Millisecond
}

// ElectionTimeout returns the raft election timeout, 5 ping intervals if unset
func (c *ServerConfig) ElectionTimeout() time.Duration {
	if c.RaftElectionTimeoutMS <= 0 {
		return 5 * c.PingInterval()
	}
	return time.Duration(c.RaftElectionTimeoutMS) * time.Millisecond
}

// Timeout returns the request timeout
func (c *ServerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// Validate checks the configuration and fills in the endpoint of this node
// from the cluster members if none is given
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.NodeID) == "" {
		return errs.New(errs.RetCInvalidParameter, "node id is required")
	}
	members, err := c.Members()
	if err != nil {
		return fmt.Errorf("cluster members: %w", err)
	}
	if _, err := c.Partners(); err != nil {
		return fmt.Errorf("replication partners: %w", err)
	}

	var self *raft.Member
	for i := range members {
		if strings.EqualFold(members[i].Name, c.NodeID) {
			self = &members[i]
		}
	}
	if len(members) > 0 && self == nil {
		return errs.Newf(errs.RetCInvalidParameter, "node %s is not one of the cluster members", c.NodeID)
	}
	if c.Transport.Endpoint == "" && self != nil {
		c.Transport.Endpoint = self.Endpoint
	}
	if c.Transport.Endpoint == "" {
		return errs.New(errs.RetCInvalidParameter, "endpoint is required")
	}

	if c.PingInterval() < raft.MinPingInterval {
		return errs.Newf(errs.RetCInvalidParameter, "raft ping interval %s is below the minimum of %s",
			c.PingInterval(), raft.MinPingInterval)
	}
	if c.ElectionTimeout() <= 2*c.PingInterval() {
		return errs.Newf(errs.RetCInvalidParameter, "raft election timeout %s must exceed twice the ping interval %s",
			c.ElectionTimeout(), c.PingInterval())
	}
	if c.RaftStartupDelayMS < 0 {
		return errs.New(errs.RetCInvalidParameter, "raft startup delay must not be negative")
	}
	if c.TimeoutSecond <= 0 {
		return errs.New(errs.RetCInvalidParameter, "timeout must be positive")
	}
	if c.SnapshotIntervalSecond < 0 || c.EventMaxReady < 0 || c.ReplIntervalMS < 0 {
		return errs.New(errs.RetCInvalidParameter, "intervals and sizes must not be negative")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// Node Identity
	addSection("Node Identity")
	addField("Node ID", c.NodeID)
	addField("Endpoint", c.Transport.Endpoint)

	// RPC settings
	addSection("RPC Server")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Workers Per Conn", strconv.Itoa(int(math.Max(1, float64(c.Transport.WorkersPerConn)))))
	addField("Metrics Endpoint", orNone(c.MetricsEndpoint))

	// RAFT parameters
	addSection("RAFT Parameters")
	addField("Ping Interval", c.PingInterval().String())
	addField("Election Timeout", c.ElectionTimeout().String())
	addField("Startup Delay", (time.Duration(c.RaftStartupDelayMS) * time.Millisecond).String())
	addField("Log Retain", strconv.Itoa(c.RaftLogRetain))

	// Storage
	addSection("Storage")
	addField("Data Directory", orNone(c.DataDir))
	addField("Snapshot Interval", fmt.Sprintf("%d sec", c.SnapshotIntervalSecond))
	addField("Restore From", orNone(c.RestoreFrom))
	addField("Event Max Ready", strconv.Itoa(c.EventMaxReady))

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	// Cluster members
	addSection("Cluster")
	if members, err := c.Members(); err == nil && len(members) > 0 {
		for _, m := range members {
			addField(m.Name, m.Endpoint)
		}
	} else {
		sb.WriteString("  standalone\n")
	}

	// Replication partners
	addSection("Replication")
	addField("Interval", (time.Duration(c.ReplIntervalMS) * time.Millisecond).String())
	if partners, err := c.Partners(); err == nil {
		for _, p := range partners {
			addField(p.Name, p.Endpoint)
		}
	}
	return sb.String()
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	TimeoutSecond int
	Transport     ClientTransportConfig
}

// Timeout returns the request timeout
func (c *ClientConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecond) * time.Second
}

// WithEndpoints returns a copy of the configuration for other endpoints
func (c ClientConfig) WithEndpoints(endpoints ...string) ClientConfig {
	c.Transport.Endpoints = endpoints
	return c
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.Transport.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(int(math.Max(1, float64(c.Transport.ConnectionsPerEndpoint)))))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Transport.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
