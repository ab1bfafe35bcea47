package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/go-tangra/go-tangra-audit/internal/audit"
	"github.com/go-tangra/go-tangra-audit/internal/check"
	"github.com/go-tangra/go-tangra-audit/internal/remote"
	"github.com/go-tangra/go-tangra-audit/internal/store"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Audit every configured host",
	Long: `Audit every configured host, one host and one check at a time.

If an earlier session was interrupted, pass --resume to continue it or --new
to abandon it and start over.`,
	RunE: runAudit,
}

func init() {
	f := runCmd.Flags()
	f.Bool("resume", false, "continue the unfinished session")
	f.Bool("new", false, "abandon the unfinished session and start a new one")
	f.StringSlice("host", nil, "audit only these hostnames (session stays open)")
	f.StringSlice("skip", nil, "mark these checks SKIP without running them")
	f.Duration("timeout", 0, "per-command timeout, overrides host and global limits")
	f.String("known-hosts", "", "known_hosts file (default ~/.ssh/known_hosts)")
	f.Bool("insecure-ignore-host-key", false, "do not verify SSH host keys")
	runCmd.MarkFlagsMutuallyExclusive("resume", "new")
}

func runAudit(cmd *cobra.Command, args []string) error {
	cfg, log, db, err := setup(cmd)
	if err != nil {
		return err
	}
	defer db.Close()

	f := cmd.Flags()
	if v, _ := f.GetString("known-hosts"); v != "" {
		cfg.SSH.KnownHosts = v
	}
	if v, _ := f.GetBool("insecure-ignore-host-key"); v {
		cfg.SSH.InsecureIgnoreHostKey = true
	}

	mode := audit.ModeAuto
	if v, _ := f.GetBool("resume"); v {
		mode = audit.ModeResume
	}
	if v, _ := f.GetBool("new"); v {
		mode = audit.ModeNew
	}

	opts := audit.Options{Timeout: cfg.CommandTimeout}
	opts.Hosts, _ = f.GetStringSlice("host")
	opts.Skip, _ = f.GetStringSlice("skip")
	if v, _ := f.GetDuration("timeout"); v > 0 {
		opts.Timeout = v
	}

	registry := check.Default()
	for _, name := range opts.Skip {
		if _, ok := registry.Lookup(name); !ok {
			return fmt.Errorf("unknown check %q (known: %s)", name, strings.Join(registry.Names(), ", "))
		}
	}

	entry := log.WithField("component", "audit")
	dialer := remote.NewSSHDialer(remote.DialOptions{
		Timeout:               cfg.SSH.DialTimeout,
		Attempts:              cfg.SSH.DialAttempts,
		KnownHostsFile:        cfg.SSH.KnownHosts,
		InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
		KeepAlive:             cfg.SSH.KeepAlive,
	}, entry)
	defer dialer.Close()
	orch := audit.New(db, registry, dialer, entry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sess, err := orch.Begin(ctx, mode)
	if errors.Is(err, audit.ErrUnfinishedSession) {
		return fmt.Errorf("%w; rerun with --resume or --new", err)
	}
	if err != nil {
		return err
	}

	start := time.Now()
	report, err := orch.Run(ctx, sess.ID, opts)
	if report != nil {
		if report.Hosts == nil {
			report.Hosts, _ = db.Tally(context.Background(), sess.ID)
		}
		printReport(report, time.Since(start))
		printSnapshotUsage(db)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("interrupted; session %d left open, rerun with --resume", sess.ID)
	}
	return err
}

func printReport(r *audit.Report, elapsed time.Duration) {
	fmt.Printf("Session %d (%s, %s) started %s, %d checks executed in %s\n",
		r.Session.ID, r.Session.RunID, r.Session.Mode,
		humanize.Time(r.Session.StartedAt), r.Executed, elapsed.Round(time.Second))

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HOST\tSUCCESS\tSKIP\tERROR\tPENDING")
	for _, t := range r.Hosts {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", t.Hostname, t.Success, t.Skip, t.Error, t.Pending)
	}
	tw.Flush()

	if r.Finalized {
		fmt.Println("Session finished.")
	} else {
		fmt.Println("Session left open.")
	}
}

func printSnapshotUsage(db *store.Store) {
	u, err := db.SnapshotUsage(context.Background())
	if err != nil || u.Count == 0 {
		return
	}
	fmt.Printf("Snapshots: %s stored (%s of content) in %s blobs\n",
		humanize.Bytes(uint64(u.StoredBytes)), humanize.Bytes(uint64(u.ContentBytes)), humanize.Comma(u.Count))
}
