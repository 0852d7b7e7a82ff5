package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"nodekeeper/internal/ipc"
)

func newWorkerCommands(ctx *commandContext) []*cobra.Command {
	var (
		asArgs  bool
		asJSON  bool
		timeout time.Duration
	)
	commandCmd := &cobra.Command{
		Use:   "command <cli command...>",
		Short: "Send a command to the running node and print its reply",
		Long: "Send a command to the running node and print its reply.\n\n" +
			"By default the arguments are joined with spaces and sent as one command.\n" +
			"With --args they are passed as an argument vector; with --json the single\n" +
			"argument is a JSON request ({\"method\": ..., \"params\": [...]}).",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if asArgs && asJSON {
				return errors.New("--args and --json are mutually exclusive")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				var (
					reply []byte
					err   error
				)
				switch {
				case asJSON:
					if len(args) != 1 {
						return errors.New("--json takes exactly one argument")
					}
					reply, err = client.CommandJSON(args[0], timeout)
				case asArgs:
					reply, err = client.CommandArgs(args, timeout)
				default:
					reply, err = client.Command([]byte(strings.Join(args, " ")), timeout)
				}
				if err != nil {
					return err
				}
				return writeReply(cmd.OutOrStdout(), reply)
			})
		},
	}
	commandCmd.Flags().BoolVar(&asArgs, "args", false, "Send arguments as a vector instead of one string")
	commandCmd.Flags().BoolVar(&asJSON, "json", false, "Send a JSON request")
	commandCmd.Flags().DurationVar(&timeout, "timeout", 0, "Maximum time to wait for a free command slot (0 waits indefinitely)")

	configureCmd := &cobra.Command{
		Use:   "configure <config tool args...>",
		Short: "Run the node configuration tool against the working directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				out, err := client.Configure(strings.Join(args, " "))
				if err != nil {
					return err
				}
				return writeReply(cmd.OutOrStdout(), []byte(out))
			})
		},
	}

	var fromScratch bool
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Provision the working directory from the asset bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				if err := client.Setup(fromScratch); err != nil {
					return err
				}
				if fromScratch {
					fmt.Fprintln(cmd.OutOrStdout(), "Working directory provisioned from scratch")
				} else {
					fmt.Fprintln(cmd.OutOrStdout(), "Working directory provisioned")
				}
				return nil
			})
		},
	}
	setupCmd.Flags().BoolVar(&fromScratch, "from-scratch", false, "Remove etc/ and share/ before copying the bundle")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the node version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				version, err := client.Version()
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			})
		},
	}

	return []*cobra.Command{commandCmd, configureCmd, setupCmd, versionCmd}
}

// writeReply prints reply bytes unmodified, terminating the line if needed.
func writeReply(w io.Writer, reply []byte) error {
	if _, err := w.Write(reply); err != nil {
		return err
	}
	if len(reply) > 0 && reply[len(reply)-1] != '\n' {
		_, err := io.WriteString(w, "\n")
		return err
	}
	return nil
}
