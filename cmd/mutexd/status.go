package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pixperk/mutexd/pkg/admin"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var (
		addr    string
		timeout time.Duration
		locks   bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running mutexd through its admin endpoint",
		Example: `
  mutexd status --admin-addr 127.0.0.1:7071 --locks`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := admin.Dial(addr)
			if err != nil {
				return err
			}
			defer c.Close()

			return printStatus(ctx, cmd.OutOrStdout(), c, locks)
		},
	}

	cmd.Flags().StringVar(&addr, "admin-addr", "127.0.0.1:7071", "admin gRPC address of the server")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "request timeout")
	cmd.Flags().BoolVar(&locks, "locks", false, "also list held locks")
	return cmd
}

func printStatus(ctx context.Context, out io.Writer, c *admin.Client, withLocks bool) error {
	st, err := c.Status(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "version\t%s\n", st.Version)
	fmt.Fprintf(tw, "health\t%s\n", st.ServingHealth)
	fmt.Fprintf(tw, "draining\t%t\n", st.Draining)
	fmt.Fprintf(tw, "started\t%s\n", humanize.Time(now.Add(-st.Uptime)))
	fmt.Fprintf(tw, "sessions\t%s\n", humanize.Comma(int64(st.Sessions)))
	fmt.Fprintf(tw, "locks\t%s\n", humanize.Comma(int64(st.Locks)))
	fmt.Fprintf(tw, "owners\t%s\n", humanize.Comma(int64(st.Owners)))
	if err := tw.Flush(); err != nil {
		return err
	}

	if !withLocks {
		return nil
	}

	held, err := c.ListLocks(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	tw = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOWNER\tHELD")
	for _, l := range held {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", l.ID, l.Owner, humanize.RelTime(now.Add(-l.Held), now, "", ""))
	}
	return tw.Flush()
}
