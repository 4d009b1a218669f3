package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ValentinKolb/dDir/cmd/util"
	"github.com/ValentinKolb/dDir/lib/raft"
	"github.com/ValentinKolb/dDir/rpc/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var (
	rpcClient *client.DirectoryClient

	// ClusterCommands represents the cluster command group
	ClusterCommands = &cobra.Command{
		Use:               "cluster",
		Short:             "Inspect and control the raft cluster of a node",
		PersistentPreRunE: setupClusterClient,
		PersistentPostRun: func(*cobra.Command, []string) {
			if rpcClient != nil {
				_ = rpcClient.Close()
			}
		},
	}

	stateCmd = &cobra.Command{
		Use:   "state",
		Short: "Prints the raft state of the node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := rpcClient.State()
			if err != nil {
				return err
			}
			return PrintState(os.Stdout, state, viper.GetString("output"))
		},
	}

	voteCmd = &cobra.Command{
		Use:   "vote",
		Short: "Asks the node to start an election",
		Long:  "Asks the node to start an election. A leader hands its role over to one of its followers.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			follower, err := rpcClient.Vote()
			if err != nil {
				return err
			}
			if follower != "" {
				fmt.Printf("election started on %s\n", follower)
			} else {
				fmt.Println("election started")
			}
			return nil
		},
	}

	restoreCmd = &cobra.Command{
		Use:   "restore",
		Short: "Restores the node from a snapshot file",
		Long:  "Restores the node from a snapshot file. The path is read on the node. The node becomes the single member of a new cluster.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("from")
			if path == "" {
				return fmt.Errorf("--from is required")
			}
			if err := rpcClient.Restore(path); err != nil {
				return err
			}
			fmt.Println("restored successfully")
			return nil
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the cluster command
	util.SetupRPCClientFlags(ClusterCommands)

	stateCmd.Flags().StringP("output", "o", "text", util.WrapString("Output format (text, json, yaml)"))
	restoreCmd.Flags().String("from", "", util.WrapString("Path of the snapshot file on the node"))

	// Add subcommands
	ClusterCommands.AddCommand(stateCmd)
	ClusterCommands.AddCommand(voteCmd)
	ClusterCommands.AddCommand(restoreCmd)
}

// setupClusterClient initializes the RPC directory client
func setupClusterClient(cmd *cobra.Command, _ []string) error {
	var err error
	rpcClient, err = util.NewDirectoryClient(cmd)
	return err
}

// PrintState writes the raft state in the given format (text, json or yaml)
func PrintState(w io.Writer, state *raft.State, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(state)
	case "text", "":
		return printStateText(w, state)
	default:
		return fmt.Errorf("invalid output format %s (expected text, json or yaml)", format)
	}
}

func printStateText(w io.Writer, s *raft.State) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	field := func(name string, value any) {
		fmt.Fprintf(tw, "%s:\t%v\n", name, value)
	}
	field("Hostname", s.Hostname)
	field("Role", s.Role)
	field("Leader", orNone(s.Leader))
	field("Current Term", s.CurrentTerm)
	field("Voted For", fmt.Sprintf("%s (term %d)", orNone(s.VotedFor), s.VotedForTerm))
	field("Cluster Size", s.ClusterSize)
	field("Votes", fmt.Sprintf("%d granted, %d denied", s.VoteConsensusCnt, s.VoteDeniedCnt))
	field("Last Ping Sent", formatTime(s.LastPingSendTime))
	field("Last Ping Received", formatTime(s.LastPingRecvTime))
	field("Log", fmt.Sprintf("first %d, last %d (term %d)", s.FirstLogIndex, s.LastLogIndex, s.LastLogTerm))
	field("Commit Index", s.CommitIndex)
	field("Last Applied", s.LastApplied)
	field("Invocation ID", s.InvocationID)
	if err := tw.Flush(); err != nil {
		return err
	}

	if len(s.Peers) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tENDPOINT\tNEXT\tMATCH\tFAILED\tRPCS\tMEAN\tP99\tFAIL/MIN\tLAST ERROR")
	for _, p := range s.Peers {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\t%.1fms\t%.1fms\t%.2f\t%s\n",
			p.Name, p.Endpoint, p.NextIndex, p.MatchIndex, p.ConsecutiveFailedAttempts,
			p.RPCs, p.LatencyMeanMS, p.LatencyP99MS, p.FailureRate1m, orNone(p.LastError))
	}
	return tw.Flush()
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}
