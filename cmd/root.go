package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/dDir/cmd/cluster"
	"github.com/ValentinKolb/dDir/cmd/entry"
	"github.com/ValentinKolb/dDir/cmd/serve"
	"github.com/ValentinKolb/dDir/cmd/util"
	"github.com/ValentinKolb/dDir/cmd/watch"
	"github.com/spf13/cobra"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "ddir",
		Short: "replicated directory service",
		Long: fmt.Sprintf(`dDir (v%s)

A replicated directory service written in Go. The nodes of a cluster keep
their entries consistent with RAFT consensus, clusters exchange changes
through multi master replication with per attribute conflict resolution.`, Version),
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dDir",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dDir v%s\n", Version)
		},
	}
)

func init() {
	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(cluster.ClusterCommands)
	RootCmd.AddCommand(entry.EntryCommands)
	RootCmd.AddCommand(watch.WatchCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (json, gob, binary)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix, http)"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
