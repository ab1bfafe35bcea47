package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/go-tangra/go-tangra-audit/internal/inventory"
	"github.com/go-tangra/go-tangra-audit/internal/store"
)

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage audit targets",
}

var hostsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Import hosts, defaults and overrides from the inventory file",
	RunE:  runHostsSync,
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured hosts",
	RunE:  runHostsList,
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List recent audit sessions",
	RunE:  runSessions,
}

func init() {
	hostsSyncCmd.Flags().String("file", "", "inventory file (default from config: hosts.yaml)")
	sessionsCmd.Flags().Int("limit", 20, "number of sessions to show")

	hostsCmd.AddCommand(hostsSyncCmd)
	hostsCmd.AddCommand(hostsListCmd)
}

func runHostsSync(cmd *cobra.Command, args []string) error {
	cfg, log, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	path := cfg.Inventory
	if v, _ := cmd.Flags().GetString("file"); v != "" {
		path = v
	}

	inv, err := inventory.LoadFile(path)
	if err != nil {
		return err
	}
	res, err := inv.Sync(context.Background(), db)
	if err != nil {
		return err
	}

	log.WithField("file", path).Infof("synced %d hosts (%d with overrides)", res.Hosts, res.Overrides)
	return nil
}

func runHostsList(cmd *cobra.Command, args []string) error {
	_, _, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	hosts, err := db.ListHosts(context.Background())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tHOSTNAME\tENDPOINT\tUSER\tSUDO\tADDED")
	for _, h := range hosts {
		fmt.Fprintf(tw, "%d\t%s\t%s:%d\t%s\t%t\t%s\n",
			h.ID, h.Hostname, h.Endpoint(), h.Port, h.User, h.UseSudo, humanize.Time(h.CreatedAt))
	}
	return tw.Flush()
}

func runSessions(cmd *cobra.Command, args []string) error {
	_, _, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	limit, _ := cmd.Flags().GetInt("limit")
	sessions, total, err := db.ListSessions(context.Background(), store.ListFilter{PageSize: limit, Page: 1})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRUN ID\tMODE\tSTARTED\tSTATE")
	for _, s := range sessions {
		state := "open"
		switch {
		case s.Incomplete:
			state = "abandoned"
		case s.Finished():
			state = "finished " + humanize.Time(*s.FinishedAt)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.ID, s.RunID, s.Mode, humanize.Time(s.StartedAt), state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if total > len(sessions) {
		fmt.Printf("(%d of %d sessions)\n", len(sessions), total)
	}
	return nil
}
