// Package cmd implements the command-line interface of dDir. It provides a
// hierarchical command structure with operations for running a directory
// node and interacting with a cluster as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts and configures a directory node
//   - cluster: Raft state, elections and restore of a node
//   - entry: Entry operations (add, get, modify, delete, search) and a benchmark
//   - watch: Streams the changes of the entries matching a filter
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set with an environment variable DDIR_<FLAG>, dashes
// replaced by underscores. See ddir -help for a list of all commands.
package cmd
