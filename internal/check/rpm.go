package check

import (
	"context"
	"strconv"
	"strings"

	"github.com/go-tangra/go-tangra-audit/internal/remote"
	"github.com/go-tangra/go-tangra-audit/internal/snapshot"
	"github.com/go-tangra/go-tangra-audit/internal/store"
)

const (
	rpmQueryCmd  = `rpm -qa --qf '%{NAME}|%{EPOCH}|%{VERSION}|%{RELEASE}|%{ARCH}|%{INSTALLTIME}\n'`
	rpmVerifyCmd = "rpm -Va"
)

// RPMInventory records every installed package.
type RPMInventory struct{}

func (RPMInventory) Name() string       { return "rpm_inventory" }
func (RPMInventory) Requires() []string { return []string{"rpm"} }

func (RPMInventory) Probe(ctx context.Context, env *Env) Probe {
	return ProbeTools(ctx, env, "rpm")
}

func (RPMInventory) Execute(ctx context.Context, env *Env) Outcome {
	res, fail := run(ctx, env, rpmQueryCmd, false)
	if fail != nil {
		return *fail
	}
	if !res.OK() {
		return CommandFailed("rpm -qa", res)
	}

	pkgs, err := parseRPMQuery(res.Stdout)
	if err != nil {
		return ErrorOutcome(store.StageParse, err)
	}
	if err := env.Results.InsertPackages(ctx, pkgs); err != nil {
		return ErrorOutcome(store.StageStore, err)
	}
	env.Log.WithField("packages", len(pkgs)).Debug("rpm inventory collected")
	return Succeeded()
}

// RPMVerify records files that differ from the RPM database and snapshots
// the modified config files.
type RPMVerify struct{}

func (RPMVerify) Name() string       { return "rpm_verify" }
func (RPMVerify) Requires() []string { return []string{"rpm"} }

func (RPMVerify) Probe(ctx context.Context, env *Env) Probe {
	return ProbeTools(ctx, env, "rpm")
}

func (RPMVerify) Execute(ctx context.Context, env *Env) Outcome {
	// rpm -Va exits non-zero whenever a file differs; only an empty report
	// with a failure status is an error.
	res, fail := run(ctx, env, rpmVerifyCmd, true)
	if fail != nil {
		return *fail
	}
	if res.TimedOut || (res.ExitCode != 0 && strings.TrimSpace(res.Stdout) == "") {
		return CommandFailed(rpmVerifyCmd, res)
	}

	files, err := parseRPMVerify(res.Stdout)
	if err != nil {
		return ErrorOutcome(store.StageParse, err)
	}
	for i := range files {
		f := &files[i]
		if f.FileType != "c" || f.Flags == "missing" {
			continue
		}
		ref, outcome := captureFile(ctx, env, f.Path)
		if outcome != nil {
			return *outcome
		}
		f.Snapshot = ref
	}

	if err := env.Results.InsertVerifiedFiles(ctx, files); err != nil {
		return ErrorOutcome(store.StageStore, err)
	}
	return Succeeded()
}

// captureFile stores the content of path as a snapshot. A file that cannot
// be read yields a nil ref, not a failure.
func captureFile(ctx context.Context, env *Env, path string) (*store.SnapshotRef, *Outcome) {
	limit := env.Limits.MaxSnapshotBytes
	if limit <= 0 {
		limit = snapshot.DefaultCap
	}
	// One byte past the cap so truncation is still detected.
	cmd := "head -c " + strconv.FormatInt(limit+1, 10) + " -- " + remote.Quote(path)

	res, fail := run(ctx, env, cmd, true)
	if fail != nil {
		return nil, fail
	}
	if !res.OK() {
		env.Log.WithField("path", path).Warnf("cannot read file for snapshot: %s", strings.TrimSpace(res.Stderr))
		return nil, nil
	}

	ref, err := env.Results.PutSnapshot(ctx, []byte(res.Stdout))
	if err != nil {
		o := ErrorOutcome(store.StageStore, err)
		return nil, &o
	}
	return &ref, nil
}
