package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"nodekeeper/internal/ipc"
	"nodekeeper/internal/notify"
)

func newNotificationCommands(ctx *commandContext) []*cobra.Command {
	var (
		listenJSON  bool
		listenCount int
	)
	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Stream node notifications until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				streamCtx, cancel := context.WithCancel(cmd.Context())
				defer cancel()
				stream, err := client.Notifications(streamCtx)
				if err != nil {
					return err
				}
				stdout := cmd.OutOrStdout()
				seen := 0
				for n := range stream.C() {
					if err := printNotification(cmd, stdout, n, listenJSON); err != nil {
						return err
					}
					seen++
					if listenCount > 0 && seen >= listenCount {
						return nil
					}
				}
				if err := stream.Err(); err != nil {
					if errors.Is(err, ipc.ErrSubscriptionDropped) {
						return fmt.Errorf("listen: %w (the listener fell behind)", err)
					}
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			})
		},
	}
	listenCmd.Flags().BoolVar(&listenJSON, "json", false, "Print one JSON object per notification")
	listenCmd.Flags().IntVarP(&listenCount, "count", "n", 0, "Exit after this many notifications")

	var (
		historyLimit    int
		historySession  string
		historySessions int
		historyJSON     bool
	)
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded notifications and node sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.History(ipc.HistoryRequest{
					Limit:    historyLimit,
					Session:  historySession,
					Sessions: historySessions,
				})
				if err != nil {
					return err
				}
				if historyJSON {
					return writeJSON(cmd, resp)
				}
				stdout := cmd.OutOrStdout()
				if len(resp.Sessions) > 0 {
					rows := make([][]string, 0, len(resp.Sessions))
					for _, s := range resp.Sessions {
						rows = append(rows, []string{
							s.ID,
							formatTime(s.StartedAt),
							formatTime(s.EndedAt),
							strconv.Itoa(s.Status),
							s.Error,
						})
					}
					fmt.Fprint(stdout, renderTable(
						[]string{"Session", "Started", "Ended", "Status", "Error"},
						rows,
						[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
					))
				}
				if len(resp.Notifications) == 0 {
					fmt.Fprintln(stdout, "No notifications recorded")
					return nil
				}
				rows := make([][]string, 0, len(resp.Notifications))
				for _, n := range resp.Notifications {
					rows = append(rows, []string{
						strconv.FormatUint(n.Seq, 10),
						n.Time.Local().Format("2006-01-02 15:04:05.000"),
						shortID(n.Session),
						n.Message,
					})
				}
				fmt.Fprint(stdout, renderTable(
					[]string{"Seq", "Time", "Session", "Message"},
					rows,
					[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft},
				))
				return nil
			})
		},
	}
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "Maximum notifications to show")
	historyCmd.Flags().StringVar(&historySession, "session", "", "Only show notifications from this session id")
	historyCmd.Flags().IntVar(&historySessions, "sessions", 0, "Also list this many recent node sessions")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print history as JSON")

	var clientsJSON bool
	clientsCmd := &cobra.Command{
		Use:   "clients",
		Short: "List clients connected to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				clients, err := client.Clients()
				if err != nil {
					return err
				}
				if clientsJSON {
					return writeJSON(cmd, clients)
				}
				rows := make([][]string, 0, len(clients))
				for _, c := range clients {
					rows = append(rows, []string{
						c.ID,
						c.Transport,
						c.Remote,
						formatTime(c.ConnectedAt),
						yesNo(c.Subscribed),
					})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Transport", "Remote", "Connected", "Subscribed"},
					rows,
					nil,
				))
				return nil
			})
		},
	}
	clientsCmd.Flags().BoolVar(&clientsJSON, "json", false, "Print clients as JSON")

	return []*cobra.Command{listenCmd, historyCmd, clientsCmd}
}

func printNotification(cmd *cobra.Command, w io.Writer, n notify.Notification, asJSON bool) error {
	if asJSON {
		return writeJSON(cmd, n)
	}
	_, err := fmt.Fprintf(w, "%s [%s] %s\n", n.Time.Local().Format(time.TimeOnly), shortID(n.Session), n.Message)
	return err
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	if id == "" {
		return "-"
	}
	return id
}
