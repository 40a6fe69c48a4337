// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/opsched/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the opsched daemon in foreground",
	Long: `Run the opsched daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Restore tasks from the persisted snapshot and start the dispatch loop
  4. Start the UDS server for CLI control
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon()
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "/var/run/opsched.pid",
		"PID file path")
}

func runDaemon() {
	fmt.Println("Starting opsched daemon...")
	fmt.Printf("Config: %s\n", configFile)
	fmt.Printf("Socket: %s\n", socketPath)
	fmt.Printf("PID file: %s\n", pidFile)

	d, err := daemon.New(configFile, socketPath, pidFile)
	if err != nil {
		exitWithError("failed to initialise daemon", err)
	}

	if err := d.Start(); err != nil {
		exitWithError("failed to start daemon", err)
	}

	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon exited with error: %v\n", err)
		os.Exit(1)
	}
}


