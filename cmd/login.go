// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/opsched/internal/command"
)

// loginCmd represents the login command group
var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Drive a task's credential-exchange flow",
	Long: `Begin, probe, and confirm a task's agent login.

These operations bypass the global execution lock: they talk to the same
external operator process a run would, but don't themselves execute one.`,
}

var loginQRCodeOutFile string

var loginQRCodeCmd = &cobra.Command{
	Use:   "qrcode <task-id>",
	Short: "Begin a credential-exchange attempt and fetch the login QR code",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runLoginQRCode(args[0])
	},
}

var loginStatusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Probe a task's current login state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runLoginStatus(args[0])
	},
}

var loginConfirmCmd = &cobra.Command{
	Use:   "confirm <task-id>",
	Short: "Finalize a credential-exchange attempt",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runLoginConfirm(args[0])
	},
}

func init() {
	loginCmd.AddCommand(loginQRCodeCmd)
	loginCmd.AddCommand(loginStatusCmd)
	loginCmd.AddCommand(loginConfirmCmd)

	loginQRCodeCmd.Flags().StringVarP(&loginQRCodeOutFile, "out", "o", "",
		"write the raw QR code bytes to this file instead of printing the response as JSON")
}

func runLoginQRCode(taskID string) {
	client := command.NewUDSClient(socketPath, 30*time.Second)
	resp, err := client.LoginQRCode(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send login_qrcode command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("login_qrcode failed: %s", resp.Error.Message), nil)
	}

	if loginQRCodeOutFile == "" {
		printResult(resp.Result)
		return
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		exitWithError("invalid response format", nil)
	}
	encoded, ok := result["qrcode"].(string)
	if !ok {
		exitWithError("response missing qrcode field", nil)
	}
	qr, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		exitWithError("qrcode field is not valid base64", err)
	}
	if err := os.WriteFile(loginQRCodeOutFile, qr, 0644); err != nil {
		exitWithError(fmt.Sprintf("failed to write %s", loginQRCodeOutFile), err)
	}
	fmt.Printf("QR code written to %s\n", loginQRCodeOutFile)
}

func runLoginStatus(taskID string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.LoginStatus(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send login_status command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("login_status failed: %s", resp.Error.Message), nil)
	}
	printResult(resp.Result)
}

func runLoginConfirm(taskID string) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	resp, err := client.LoginConfirm(context.Background(), taskID)
	if err != nil {
		exitWithError("failed to send login_confirm command", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("login_confirm failed: %s", resp.Error.Message), nil)
	}
	printResult(resp.Result)
}


