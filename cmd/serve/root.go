package serve

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	cmdUtil "github.com/ValentinKolb/dDir/cmd/util"
	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/ValentinKolb/dDir/rpc/server"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serveCmdConfig = &common.ServerConfig{}
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start a directory node",
		Long:    `Start a directory node with the specified configuration. The configuration can be set via command line flags or environment variables. The format of the environment variables is DDIR_<flag> (e.g. DDIR_NODE_ID=node-1)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(initConfig)

	// add flags
	key := "node-id"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("NodeID is the unique name of this node (e.g. 'node-1'), it must be one of the cluster members"))

	key = "cluster-members"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("ClusterMembers is a comma-separated list of the raft members including this node in the format 'node-1=localhost:63001,node-2=localhost:63002,...'. Empty starts a standalone node"))

	key = "endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("The address on which the node will listen (e.g. localhost:8080, /tmp/ddir.sock, ...). Defaults to the address of this node in the cluster members"))

	key = "data-dir"
	ServeCmd.PersistentFlags().String(key, "data", cmdUtil.WrapString("DataDir is the directory used for storing the snapshots, empty keeps the directory in memory only"))

	key = "raft-ping-interval-ms"
	ServeCmd.PersistentFlags().Int64(key, 2000, cmdUtil.WrapString("Interval in milliseconds between two pings of the leader (at least 200)"))

	key = "raft-election-timeout-ms"
	ServeCmd.PersistentFlags().Int64(key, 0, cmdUtil.WrapString("Time in milliseconds without a ping after which a follower starts an election. It must exceed twice the ping interval, 0 uses 5 ping intervals"))

	key = "raft-startup-delay-ms"
	ServeCmd.PersistentFlags().Int64(key, 5000, cmdUtil.WrapString("Delay in milliseconds added to the first election wait after start-up"))

	key = "raft-log-retain"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("Number of applied raft log entries kept for lagging followers, 0 uses the default"))

	key = "snapshot-interval"
	ServeCmd.PersistentFlags().Int64(key, 300, cmdUtil.WrapString("Interval in seconds between two snapshots written to the data directory, 0 only writes one on shutdown"))

	key = "event-max-ready"
	ServeCmd.PersistentFlags().Int(key, 1024, cmdUtil.WrapString("Number of unreferenced ready events kept for watchers"))

	key = "repl-partners"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Comma-separated list of replication partners in the format 'node-a=host:port,...'. Their changes are pulled by the leader"))

	key = "repl-interval-ms"
	ServeCmd.PersistentFlags().Int64(key, 5000, cmdUtil.WrapString("Interval in milliseconds between two replication cycles"))

	key = "metrics-endpoint"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Address of the Prometheus /metrics endpoint (e.g. localhost:9100), empty disables it"))

	key = "timeout"
	ServeCmd.PersistentFlags().Int64(key, 5, cmdUtil.WrapString("Timeout in seconds of a single request"))

	key = "log-level"
	ServeCmd.PersistentFlags().String(key, "info", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))

	key = "restore-from"
	ServeCmd.PersistentFlags().String(key, "", cmdUtil.WrapString("Snapshot file of another node to restore from before serving. The node becomes the single member of a new cluster"))

	key = "workers-per-conn"
	ServeCmd.PersistentFlags().Int(key, 4, cmdUtil.WrapString("Requests handled concurrently per connection (ignored for http)"))

	key = "transport-tcp-nodelay"
	ServeCmd.PersistentFlags().Bool(key, true, cmdUtil.WrapString("Whether to enable TCP_NODELAY (only for tcp)"))

	key = "transport-tcp-keepalive"
	ServeCmd.PersistentFlags().Int(key, 0, cmdUtil.WrapString("The keepalive interval in seconds (only for tcp)"))

	key = "transport-tcp-linger"
	ServeCmd.PersistentFlags().Int(key, -1, cmdUtil.WrapString("The linger time in seconds (only for tcp, -1 keeps the OS default)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// read the configuration from the command line flags and environment variables
	*serveCmdConfig = readConfig()
	return serveCmdConfig.Validate()
}

// readConfig converts the viper values to a server configuration
func readConfig() common.ServerConfig {
	return common.ServerConfig{
		NodeID:                 strings.TrimSpace(viper.GetString("node-id")),
		ClusterMembers:         cmdUtil.SplitList(viper.GetString("cluster-members")),
		RaftPingIntervalMS:     viper.GetInt64("raft-ping-interval-ms"),
		RaftElectionTimeoutMS:  viper.GetInt64("raft-election-timeout-ms"),
		RaftStartupDelayMS:     viper.GetInt64("raft-startup-delay-ms"),
		RaftLogRetain:          viper.GetInt("raft-log-retain"),
		SnapshotIntervalSecond: viper.GetInt64("snapshot-interval"),
		DataDir:                viper.GetString("data-dir"),
		RestoreFrom:            viper.GetString("restore-from"),
		EventMaxReady:          viper.GetInt("event-max-ready"),
		ReplPartners:           cmdUtil.SplitList(viper.GetString("repl-partners")),
		ReplIntervalMS:         viper.GetInt64("repl-interval-ms"),
		TimeoutSecond:          viper.GetInt64("timeout"),
		MetricsEndpoint:        viper.GetString("metrics-endpoint"),
		LogLevel:               viper.GetString("log-level"),
		Transport: common.ServerTransportConfig{
			Endpoint:       viper.GetString("endpoint"),
			WorkersPerConn: viper.GetInt("workers-per-conn"),
			TCPConf: common.TCPConf{
				TCPNoDelay:      viper.GetBool("transport-tcp-nodelay"),
				TCPKeepAliveSec: viper.GetInt("transport-tcp-keepalive"),
				TCPLingerSec:    viper.GetInt("transport-tcp-linger"),
			},
		},
	}
}

// run starts the node and serves until SIGINT or SIGTERM
func run(_ *cobra.Command, _ []string) error {
	common.InitLoggers(serveCmdConfig.LogLevel)

	s, err := cmdUtil.GetSerializer()
	if err != nil {
		return err
	}
	t, err := cmdUtil.GetServerTransport()
	if err != nil {
		return err
	}
	newClientTransport, err := cmdUtil.GetTransportFactory()
	if err != nil {
		return err
	}

	fmt.Println(serveCmdConfig.String())

	node, err := server.NewNode(*serveCmdConfig, t, newClientTransport, s)
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		_ = node.Close()
	}()

	if err := node.Serve(); err != nil {
		_ = node.Close()
		return err
	}
	return node.Close()
}

// initConfig reads in serveCmdConfig file and ENV variables if set.
func initConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix(cmdUtil.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}
