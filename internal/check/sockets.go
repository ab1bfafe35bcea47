package check

import (
	"context"

	"github.com/go-tangra/go-tangra-audit/internal/store"
)

const (
	ssCmd      = "ss -lntup"
	netstatCmd = "netstat -lntup"
)

// Sockets records listening TCP and UDP sockets. It prefers ss and falls
// back to netstat.
type Sockets struct{}

func (Sockets) Name() string       { return "sockets" }
func (Sockets) Requires() []string { return []string{"ss", "netstat"} }

func (Sockets) Probe(ctx context.Context, env *Env) Probe {
	return ProbeAny(ctx, env, "ss", "netstat")
}

func (Sockets) Execute(ctx context.Context, env *Env) Outcome {
	hasSS, err := env.Exec.Which(ctx, "ss")
	if err != nil {
		return ErrorOutcome(store.StageExecute, err)
	}

	cmd, parse := ssCmd, parseSS
	if !hasSS {
		cmd, parse = netstatCmd, parseNetstat
	}

	res, fail := run(ctx, env, cmd, true)
	if fail != nil {
		return *fail
	}
	if !res.OK() {
		return CommandFailed(cmd, res)
	}

	sockets, err := parse(res.Stdout)
	if err != nil {
		return ErrorOutcome(store.StageParse, err)
	}
	if err := env.Results.InsertSockets(ctx, sockets); err != nil {
		return ErrorOutcome(store.StageStore, err)
	}
	return Succeeded()
}
