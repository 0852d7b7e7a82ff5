package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"nodekeeper/internal/daemonctl"
	"nodekeeper/internal/deps"
	"nodekeeper/internal/ipc"
)

const (
	daemonStartTimeout = 10 * time.Second
	daemonStopGrace    = 10 * time.Second
)

func newNodeCommands(ctx *commandContext) []*cobra.Command {
	var startLogLevel string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the node, launching the daemon first if needed",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			exe, err := daemonExecutable()
			if err != nil {
				return err
			}

			result, err := daemonctl.EnsureStarted(
				ctx.socketPath(),
				exe,
				daemonLaunchOptions(ctx, startLogLevel),
				daemonStartTimeout,
			)
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launched it")
			}
			switch result.State {
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Node already running")
			default:
				fmt.Fprintln(stdout, "Node starting")
			}
			return nil
		},
	}
	startCmd.Flags().StringVar(&startLogLevel, "log-level", "", "Log level for a newly launched daemon")

	var terminate bool
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the node (and optionally the daemon)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			if terminate {
				result, err := daemonctl.Terminate(ctx.socketPath(), ctx.configValue(), daemonStopGrace)
				if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
					fmt.Fprintln(stdout, "Daemon is not running")
					return nil
				}
				if err != nil {
					return err
				}
				if result.ForcedKill {
					fmt.Fprintf(stdout, "Daemon did not exit in time; killed pid %d\n", result.PID)
				}
				fmt.Fprintln(stdout, "Node stopped")
				fmt.Fprintln(stdout, "Daemon stopped")
				return nil
			}
			return ctx.withClient(func(client *ipc.Client) error {
				if _, err := client.Stop(); err != nil {
					return err
				}
				fmt.Fprintln(stdout, "Node stopped")
				return nil
			})
		},
	}
	stopCmd.Flags().BoolVar(&terminate, "daemon", false, "Also terminate the daemon process")

	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and node status",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			colorize := shouldColorize(stdout)

			client, err := ipc.Dial(ctx.socketPath())
			if err != nil {
				if !daemonctl.IsDaemonUnavailable(err) {
					return wrapDialError(err, ctx.socketPath())
				}
				if statusJSON {
					return writeJSON(cmd, ipc.StatusResponse{State: "stopped"})
				}
				for _, line := range renderSectionHeader("Daemon", colorize) {
					fmt.Fprintln(stdout, line)
				}
				fmt.Fprintln(stdout, renderStatusLine("Daemon", statusWarn, "Not running (run `nodekeeper start`)", colorize))
				printBinaries(stdout, ctx, colorize)
				return nil
			}
			defer client.Close()

			status, err := client.Status()
			if err != nil {
				return err
			}
			if statusJSON {
				return writeJSON(cmd, status)
			}
			for _, line := range renderStatus(status, colorize) {
				fmt.Fprintln(stdout, line)
			}
			printBinaries(stdout, ctx, colorize)
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print status as JSON")

	return []*cobra.Command{startCmd, stopCmd, statusCmd}
}

func printBinaries(w io.Writer, ctx *commandContext, colorize bool) {
	statuses := deps.CheckBinaries(deps.NodeRequirements(ctx.configValue()))
	if len(statuses) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, line := range binaryLines(statuses, colorize) {
		fmt.Fprintln(w, line)
	}
}

func daemonExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	return exe, nil
}

func daemonLaunchOptions(ctx *commandContext, logLevel string) daemonctl.LaunchOptions {
	return daemonctl.LaunchOptions{
		SocketPath: ctx.socketOverride(),
		ConfigPath: ctx.configPath(),
		LogLevel:   logLevel,
	}
}
