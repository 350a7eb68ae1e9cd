// Command procpoold is the supervisor daemon: it starts a Pool Manager,
// serves the admin/introspection channel, exposes Prometheus metrics, and
// runs until terminated.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "procpoold",
	Short:   "Supervises a warm pool of worker subprocesses",
	Long:    `procpoold starts and maintains a pool of worker subprocesses, routing compute tasks to them over per-handle Unix domain sockets.`,
	Version: "0.1.0",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: search . ./config /etc/procpool)")
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
