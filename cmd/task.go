// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/opsched/internal/command"
	"firestige.xyz/opsched/internal/config"
)

// taskCmd represents the task command group
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage scheduled tasks",
	Long: `Manage operator tasks on the opsched daemon.

Subcommands:
  create      - Create a new task
  update      - Update a task's mutable fields
  delete      - Delete a task
  pause       - Suspend a pending task
  resume      - Reactivate a paused task
  reorder     - Shift a task's next execution time
  execute-now - Run a task immediately, blocking until it finishes
  list        - List all tasks
  get         - Get a single task
  by-account  - Look up the task for (task-type, account-id)`,
}

var taskConfigFile string

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new task",
	Long: `Create a new task from a JSON or YAML configuration file.

Example configuration:
  {
    "account_id": "acct-1",
    "account_name": "some operator",
    "task_type": "social-account-operator",
    "interval_seconds": 3600,
    "valid_hour_range": {"start_hour": 8, "end_hour": 22},
    "end_date": "2026-12-31",
    "mode": "standard",
    "agent_params": {"topic": "daily update", "style": "casual", "note_count": 1}
  }`,
	Run: func(cmd *cobra.Command, args []string) {
		runTaskCreate()
	},
}

var taskUpdateCmd = &cobra.Command{
	Use:   "update <task-id>",
	Short: "Update a task's mutable fields",
	Long:  `Update a task from a JSON patch file. Fields absent from the file are left unchanged.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskUpdate(args[0])
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskDelete(args[0])
	},
}

var taskPauseCmd = &cobra.Command{
	Use:   "pause <task-id>",
	Short: "Suspend a pending task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskPause(args[0])
	},
}

var taskResumeCmd = &cobra.Command{
	Use:   "resume <task-id>",
	Short: "Reactivate a paused task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskResume(args[0])
	},
}

var reorderOffsetSeconds int

var taskReorderCmd = &cobra.Command{
	Use:   "reorder <task-id>",
	Short: "Shift a task's next execution time",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskReorder(args[0], reorderOffsetSeconds)
	},
}

var taskExecuteNowCmd = &cobra.Command{
	Use:   "execute-now <task-id>",
	Short: "Run a task immediately, blocking until it finishes",
	Long:  `Run a task immediately. Disabled on the free trial license. Blocks the caller until the run completes.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskExecuteNow(args[0])
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all tasks",
	Run: func(cmd *cobra.Command, args []string) {
		runTaskList()
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Get a single task",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskGet(args[0])
	},
}

var byAccountTaskType string

var taskByAccountCmd = &cobra.Command{
	Use:   "by-account <account-id>",
	Short: "Look up the task for (task-type, account-id)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runTaskByAccount(byAccountTaskType, args[0])
	},
}

func init() {
	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskUpdateCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskPauseCmd)
	taskCmd.AddCommand(taskResumeCmd)
	taskCmd.AddCommand(taskReorderCmd)
	taskCmd.AddCommand(taskExecuteNowCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskByAccountCmd)

	taskCreateCmd.Flags().StringVarP(&taskConfigFile, "file", "f", "",
		"task configuration file (JSON or YAML) (required)")
	taskCreateCmd.MarkFlagRequired("file")

	taskUpdateCmd.Flags().StringVarP(&taskConfigFile, "file", "f", "",
		"task patch file (JSON) (required)")
	taskUpdateCmd.MarkFlagRequired("file")

	taskReorderCmd.Flags().IntVarP(&reorderOffsetSeconds, "offset", "o", 0,
		"seconds to shift next_execution_time by, positive or negative")

	taskByAccountCmd.Flags().StringVarP(&byAccountTaskType, "task-type", "t", config.DefaultTaskType,
		"task type to look up")
}

func runTaskCreate() {
	data, err := os.ReadFile(taskConfigFile)
	if err != nil {
		exitWithError(fmt.Sprintf("failed to read config file %s", taskConfigFile), err)
	}

	tc, err := config.ParseTaskConfigAuto(data, taskConfigFile)
	if err != nil {
		exitWithError("invalid task config", err)
	}

	client := command.NewUDSClient(socketPath, 30*time.Second)
	ctx := context.Background()

	fmt.Printf("Creating task for account %s...\n", tc.AccountID)
	resp, err := client.TaskCreate(ctx, command.TaskCreateParams{
		AccountID:       tc.AccountID,
		AccountName:     tc.AccountName,
		TaskType:        tc.TaskType,
		IntervalSeconds: tc.IntervalSeconds,
		ValidHourRange:  tc.ValidHourRange,
		EndDate:         tc.EndDate,
		Mode:            tc.Mode,
		AgentParams:     tc.AgentParams,
	})
	if err != nil {
		exitWithError("failed to send create command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_create failed: %s", resp.Error.Message), nil)
	}

	printResult(resp.Result)
}

func runTaskUpdate(taskID string) {
	data, err := os.ReadFile(taskConfigFile)
	if err != nil {
		exitWithError(fmt.Sprintf("failed to read patch file %s", taskConfigFile), err)
	}

	var params command.TaskUpdateParams
	if err := json.Unmarshal(data, &params); err != nil {
		exitWithError("invalid task patch", err)
	}
	params.TaskID = taskID

	client := command.NewUDSClient(socketPath, 30*time.Second)
	resp, err := client.TaskUpdate(context.Background(), params)
	if err != nil {
		exitWithError("failed to send update command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_update failed: %s", resp.Error.Message), nil)
	}

	printResult(resp.Result)
}

func runTaskDelete(taskID string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	fmt.Printf("Deleting task %s...\n", taskID)
	resp, err := client.TaskDelete(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send delete command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_delete failed: %s", resp.Error.Message), nil)
	}
	fmt.Printf("Task %s deleted successfully.\n", taskID)
}

func runTaskPause(taskID string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.TaskPause(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send pause command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_pause failed: %s", resp.Error.Message), nil)
	}
	printResult(resp.Result)
}

func runTaskResume(taskID string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.TaskResume(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send resume command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_resume failed: %s", resp.Error.Message), nil)
	}
	printResult(resp.Result)
}

func runTaskReorder(taskID string, offsetSeconds int) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.TaskReorder(context.Background(), taskID, offsetSeconds)
	if err != nil {
		exitWithError("failed to send reorder command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_reorder failed: %s", resp.Error.Message), nil)
	}
	printResult(resp.Result)
}

func runTaskExecuteNow(taskID string) {
	client := command.NewUDSClient(socketPath, 2*time.Minute)
	fmt.Printf("Running task %s now...\n", taskID)
	resp, err := client.TaskExecuteNow(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send execute-now command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_execute_now failed: %s", resp.Error.Message), nil)
	}
	printResult(resp.Result)
}

func runTaskList() {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.TaskList(context.Background())
	if err != nil {
		exitWithError("failed to send list command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_list failed: %s", resp.Error.Message), nil)
	}
	printResult(resp.Result)
}

func runTaskGet(taskID string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.TaskGet(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send get command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_get failed: %s", resp.Error.Message), nil)
	}
	printResult(resp.Result)
}

func runTaskByAccount(taskType, accountID string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.TaskByAccount(context.Background(), taskType, accountID)
	if err != nil {
		exitWithError("failed to send by-account command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_by_account failed: %s", resp.Error.Message), nil)
	}
	printResult(resp.Result)
}

// printResult pretty-prints a command result as indented JSON.
func printResult(result interface{}) {
	resultJSON, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		exitWithError("failed to format result", err)
	}
	fmt.Println(string(resultJSON))
}


