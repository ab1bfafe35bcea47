package check

import (
	"context"
	"strings"

	"github.com/go-tangra/go-tangra-audit/internal/store"
)

const psCmd = "LC_ALL=C ps -eo pid,ppid,user,lstart,etime,cmd --no-headers"

// Processes records the process table.
type Processes struct{}

func (Processes) Name() string       { return "processes" }
func (Processes) Requires() []string { return []string{"ps"} }

func (Processes) Probe(ctx context.Context, env *Env) Probe {
	return ProbeTools(ctx, env, "ps")
}

func (Processes) Execute(ctx context.Context, env *Env) Outcome {
	res, fail := run(ctx, env, psCmd, false)
	if fail != nil {
		return *fail
	}
	// ps may exit non-zero when a process vanishes mid-listing.
	if res.TimedOut || (res.ExitCode != 0 && strings.TrimSpace(res.Stdout) == "") {
		return CommandFailed("ps", res)
	}

	procs, err := parsePS(res.Stdout)
	if err != nil {
		return ErrorOutcome(store.StageParse, err)
	}
	if err := env.Results.InsertProcesses(ctx, procs); err != nil {
		return ErrorOutcome(store.StageStore, err)
	}
	return Succeeded()
}
