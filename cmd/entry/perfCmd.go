package entry

import (
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/dDir/cmd/util"
	direntry "github.com/ValentinKolb/dDir/lib/entry"
	"github.com/ValentinKolb/dDir/lib/store"
	"github.com/ValentinKolb/dDir/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for directory nodes",
		Long:    "Runs parallel add, get, modify, search and delete benchmarks against a cluster. The entries are created below ou=perf and removed afterwards.",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfBase       = "ou=perf"
	perfNumThreads = 10
	perfEntries    = 100
	perfSkip       = make([]string, 0)
)

// perfBenchmark is one benchmark, op is called with the dn of a prepared entry
type perfBenchmark struct {
	name    string
	prepare bool // add the entries before the benchmark
	op      func(counter int, dn string) error
}

func init() {
	// add flags
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. add,search)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "entries"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different entries to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	perfEntries = max(1, viper.GetInt("entries"))
	perfNumThreads = max(1, viper.GetInt("threads"))
	perfSkip = util.SplitList(viper.GetString("skip"))

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {

	fmt.Println("Performance testing tool for directory nodes")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(util.GetClientConfig().String())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("staring tests...")

	benchmarks := []perfBenchmark{
		{name: "add", op: func(_ int, dn string) error {
			_, err := rpcClient.Add(perfEntry(dn))
			return err
		}},
		{name: "get", prepare: true, op: func(_ int, dn string) error {
			_, err := rpcClient.Get(dn)
			return err
		}},
		{name: "modify", prepare: true, op: func(counter int, dn string) error {
			_, err := rpcClient.Modify(dn, []store.Modification{
				{Op: store.ModReplace, Type: "description", Values: []string{strconv.Itoa(counter)}},
			})
			return err
		}},
		{name: "search", prepare: true, op: func(_ int, _ string) error {
			_, err := rpcClient.Search(perfBase, "(objectClass=person)", 10)
			return err
		}},
		{name: "delete", prepare: true, op: func(_ int, dn string) error {
			_, err := rpcClient.Delete(dn)
			return err
		}},
		{name: "mixed", prepare: true, op: func(counter int, dn string) error {
			var err error
			switch counter % 4 {
			case 0: // get
				_, err = rpcClient.Get(dn)
			case 1: // modify
				_, err = rpcClient.Modify(dn, []store.Modification{
					{Op: store.ModReplace, Type: "description", Values: []string{"mixed"}},
				})
			case 2: // search
				_, err = rpcClient.Search(perfBase, "(cn=*)", 10)
			case 3: // delete and add again
				if _, err = rpcClient.Delete(dn); err == nil {
					_, err = rpcClient.Add(perfEntry(dn))
				}
			}
			return err
		}},
	}

	// Create results map
	results := make(map[string]testing.BenchmarkResult)

	for _, bm := range benchmarks {
		result := testing.Benchmark(func(b *testing.B) {
			if shouldSkip(bm.name) {
				return
			}

			// prepare dns
			getDN, iter := getDNs(bm.name)

			// set entries
			if bm.prepare {
				iter(func(dn string) {
					if _, err := rpcClient.Add(perfEntry(dn)); err != nil {
						log.Printf("(%s) - error adding entry: %v\n", bm.name, err)
					}
				})
			}

			// cleanup
			b.Cleanup(func() {
				iter(func(dn string) {
					_, _ = rpcClient.Delete(dn) // not found is expected after delete
				})
			})

			b.SetParallelism(perfNumThreads)

			b.ResetTimer()

			b.RunParallel(func(pb *testing.PB) {
				counter := 0
				for pb.Next() {
					if err := bm.op(counter, getDN(counter)); err != nil {
						log.Printf("(%s) - error: %v\n", bm.name, err)
					}
					counter++
				}
			})
		})

		results[bm.name] = result
		printResult(bm.name, result)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, util.GetClientConfig()); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	return slices.Contains(perfSkip, test)
}

func perfEntry(dn string) *direntry.Entry {
	rdn, _, _ := strings.Cut(dn, ",")
	e := direntry.New(dn)
	e.Set(direntry.AttrObjectClass, "top", "person")
	e.Set("cn", strings.TrimPrefix(rdn, "cn="))
	return e
}

// creates an array of test dns and functions to work with them
func getDNs(prefix string) (func(int) string, func(func(string))) {
	dns := make([]string, perfEntries)
	for i := 0; i < perfEntries; i++ {
		dns[i] = fmt.Sprintf("cn=__test-%s-%d,%s", prefix, i, perfBase)
	}

	// Function to get a dn by index (with wraparound)
	getDN := func(i int) string {
		return dns[i%perfEntries]
	}

	// Function to iterate over all dns and apply a function to each
	iterateDNs := func(fn func(string)) {
		for _, dn := range dns {
			fn(dn)
		}
	}

	return getDN, iterateDNs
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config *common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	// Write header
	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Endpoints", "TimeoutSec", "RetryCount", "ConnectionsPerEndpoint",
		"Serializer", "Transport", "Threads", "Entries",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	// Write test results
	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strings.Join(config.Transport.Endpoints, ";"),
			strconv.Itoa(config.TimeoutSecond),
			strconv.Itoa(config.Transport.RetryCount),
			strconv.Itoa(config.Transport.ConnectionsPerEndpoint),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfEntries),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
