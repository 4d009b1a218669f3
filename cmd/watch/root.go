package watch

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ValentinKolb/dDir/cmd/util"
	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// WatchCmd streams the changes of the entries matching a filter
var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Streams the changes of directory entries",
	Long:  "Streams the changes of the entries matching a filter until interrupted. With --since the changes after that revision are replayed first, as far as the node still holds them.",
	Args:  cobra.NoArgs,
	RunE:  run,
}

func init() {
	// Initialize viper
	cobra.OnInitialize(util.InitClientConfig)

	// Add common RPC flags to the watch command
	util.SetupRPCClientFlags(WatchCmd)

	key := "filter"
	WatchCmd.Flags().String(key, "(objectClass=*)", util.WrapString("Only changes of entries matching this filter are shown"))
	key = "since"
	WatchCmd.Flags().Int64(key, -1, util.WrapString("Replay the changes after this revision, -1 only shows new changes"))
	key = "limit"
	WatchCmd.Flags().Uint64(key, 100, util.WrapString("Maximum number of events fetched per poll"))
	key = "wait-ms"
	WatchCmd.Flags().Int64(key, 2000, util.WrapString("How long a poll waits for new events (in milliseconds)"))
}

func run(cmd *cobra.Command, _ []string) error {
	c, err := util.NewDirectoryClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	since := viper.GetInt64("since")
	handle, err := c.OpenWatch(viper.GetString("filter"), uint64(max(0, since)), since < 0)
	if err != nil {
		return err
	}
	defer func() { _ = c.CloseWatch(handle.ID) }()
	fmt.Fprintf(os.Stderr, "watching from revision %d (session %s)\n", handle.StartRevision, handle.ID)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	limit := viper.GetUint64("limit")
	wait := time.Duration(viper.GetInt64("wait-ms")) * time.Millisecond
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		events, _, err := c.PollWatch(handle.ID, limit, wait)
		if err != nil {
			return err
		}
		for _, ev := range events {
			PrintEvent(os.Stdout, ev)
		}
	}
}

// PrintEvent writes one event per line
func PrintEvent(w io.Writer, ev common.WatchEvent) {
	fmt.Fprintf(w, "%d\t%s\t%s\n", ev.Revision, ev.Op, ev.DN)
}
