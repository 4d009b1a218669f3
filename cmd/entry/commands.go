package entry

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	addCmd = &cobra.Command{
		Use:   "add [dn] [type=value]...",
		Short: "Adds an entry",
		Long:  "Adds an entry. Every type=value argument adds one value, repeat a type for multiple values.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := ParseEntry(args[0], args[1:])
			if err != nil {
				return err
			}
			usn, err := rpcClient.Add(e)
			if err != nil {
				return err
			}
			fmt.Printf("added %s (usn %d)\n", e.DN, usn)
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [dn]",
		Short: "Reads an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := rpcClient.Get(args[0])
			if err != nil {
				return err
			}
			return PrintEntry(os.Stdout, e, viper.GetBool("metadata"))
		},
	}
	deleteCmd = &cobra.Command{
		Use:   "delete [dn]",
		Short: "Deletes an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			usn, err := rpcClient.Delete(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("deleted %s (usn %d)\n", args[0], usn)
			return nil
		},
	}
	modifyCmd = &cobra.Command{
		Use:   "modify [dn] [op:type[=value]]...",
		Short: "Modifies an entry",
		Long: `Modifies an entry. Every argument is one modification, op is one of add, delete or replace:

  ddir entry modify cn=alice,dc=example replace:cn=Alice add:mail=alice@example.org delete:description`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mods, err := ParseModifications(args[1:])
			if err != nil {
				return err
			}
			usn, err := rpcClient.Modify(args[0], mods)
			if err != nil {
				return err
			}
			fmt.Printf("modified %s (usn %d)\n", args[0], usn)
			return nil
		},
	}
	searchCmd = &cobra.Command{
		Use:   "search [base] [filter]",
		Short: "Searches the entries below base",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := "(objectClass=*)"
			if len(args) == 2 {
				filter = args[1]
			}
			entries, err := rpcClient.Search(args[0], filter, viper.GetUint64("limit"))
			if err != nil {
				return err
			}
			for i, e := range entries {
				if i > 0 {
					fmt.Println()
				}
				if err := PrintEntry(os.Stdout, e, viper.GetBool("metadata")); err != nil {
					return err
				}
			}
			fmt.Printf("\n%d entries\n", len(entries))
			return nil
		},
	}
)

func init() {
	for _, cmd := range []*cobra.Command{getCmd, searchCmd} {
		cmd.Flags().Bool("metadata", false, "Print the replication metadata of every attribute")
	}
	searchCmd.Flags().Uint64("limit", 0, "Maximum number of entries returned, 0 means no limit")
}
