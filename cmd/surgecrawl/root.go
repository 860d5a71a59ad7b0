// Package main is surgecrawl's CLI: a thin cobra harness over the library
// packages under internal/. It demonstrates the pieces wired together; it
// is not itself part of the specification's package surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/surgecrawl/surgecrawl/internal/utils"
)

var debugLog bool

var rootCmd = &cobra.Command{
	Use:   "surgecrawl",
	Short: "surgecrawl crawls a seed list with a durable, autoscaled worker pool",
	Long: `surgecrawl drives RequestList/RequestQueue sources through an
autoscaled, retrying worker pool, backed by a SQLite request queue.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugLog {
			utils.SetLevel(utils.LevelDebug)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "enable debug-level logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
