// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/opsched/internal/command"
)

// dispatcherCmd represents the dispatcher command group
var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Control the dispatch loop",
	Long: `Start, stop, or inspect the dispatch loop that pulls due tasks and runs them.

Stopping the dispatcher does not abort a run already in flight; it only
suspends the pull of new work.`,
}

var dispatcherStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Resume the dispatcher's pull of new work",
	Run: func(cmd *cobra.Command, args []string) {
		runDispatcherCommand("dispatcher_start", func(ctx context.Context, c *command.UDSClient) (*command.Response, error) {
			return c.DispatcherStart(ctx)
		})
	},
}

var dispatcherStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Suspend the dispatcher's pull of new work",
	Run: func(cmd *cobra.Command, args []string) {
		runDispatcherCommand("dispatcher_stop", func(ctx context.Context, c *command.UDSClient) (*command.Response, error) {
			return c.DispatcherStop(ctx)
		})
	},
}

var dispatcherStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the dispatcher's enabled state, running task, and per-status counts",
	Run: func(cmd *cobra.Command, args []string) {
		runDispatcherCommand("dispatcher_status", func(ctx context.Context, c *command.UDSClient) (*command.Response, error) {
			return c.DispatcherStatus(ctx)
		})
	},
}

func init() {
	dispatcherCmd.AddCommand(dispatcherStartCmd)
	dispatcherCmd.AddCommand(dispatcherStopCmd)
	dispatcherCmd.AddCommand(dispatcherStatusCmd)
}

func runDispatcherCommand(method string, call func(context.Context, *command.UDSClient) (*command.Response, error)) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := call(context.Background(), client)
	if err != nil {
		exitWithError(fmt.Sprintf("failed to send %s command", method), err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("%s failed: %s", method, resp.Error.Message), nil)
	}
	printResult(resp.Result)
}


