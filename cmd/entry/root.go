package entry

import (
	"github.com/ValentinKolb/dDir/cmd/util"
	"github.com/ValentinKolb/dDir/rpc/client"
	"github.com/spf13/cobra"
)

var (
	rpcClient *client.DirectoryClient

	// EntryCommands represents the entry command group
	EntryCommands = &cobra.Command{
		Use:               "entry",
		Short:             "Read and write directory entries",
		PersistentPreRunE: setupEntryClient,
		PersistentPostRun: func(*cobra.Command, []string) {
			if rpcClient != nil {
				_ = rpcClient.Close()
			}
		},
	}
)

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the entry command
	util.SetupRPCClientFlags(EntryCommands)

	// Add subcommands
	EntryCommands.AddCommand(addCmd)
	EntryCommands.AddCommand(getCmd)
	EntryCommands.AddCommand(deleteCmd)
	EntryCommands.AddCommand(modifyCmd)
	EntryCommands.AddCommand(searchCmd)
	EntryCommands.AddCommand(perfTestCmd)
}

// setupEntryClient initializes the RPC directory client
func setupEntryClient(cmd *cobra.Command, _ []string) error {
	var err error
	rpcClient, err = util.NewDirectoryClient(cmd)
	return err
}
