package check

import (
	"context"
	"strings"

	"github.com/go-tangra/go-tangra-audit/internal/store"
)

const (
	osReleaseCmd = "if [ -f /etc/os-release ]; then cat /etc/os-release; else cat /etc/centos-release /etc/redhat-release 2>/dev/null | head -n 1; fi"
	unameCmd     = "uname -r; uname -m"
)

// OSInfo records the distribution, kernel and architecture.
type OSInfo struct{}

func (OSInfo) Name() string       { return "osinfo" }
func (OSInfo) Requires() []string { return []string{"uname"} }

func (OSInfo) Probe(ctx context.Context, env *Env) Probe {
	return ProbeTools(ctx, env, "uname")
}

func (OSInfo) Execute(ctx context.Context, env *Env) Outcome {
	rel, fail := run(ctx, env, osReleaseCmd, false)
	if fail != nil {
		return *fail
	}
	if !rel.OK() {
		return CommandFailed("os-release", rel)
	}

	uname, fail := run(ctx, env, unameCmd, false)
	if fail != nil {
		return *fail
	}
	if !uname.OK() {
		return CommandFailed("uname", uname)
	}

	info, err := parseOSRelease(rel.Stdout)
	if err != nil {
		return ErrorOutcome(store.StageParse, err)
	}
	if info.Name == "" {
		return Failed(store.StageParse, "no distribution name in os-release", rel.Stdout, nil)
	}
	kernel, err := lines(uname.Stdout)
	if err != nil {
		return ErrorOutcome(store.StageParse, err)
	}
	if len(kernel) > 0 {
		info.Kernel = strings.TrimSpace(kernel[0])
	}
	if len(kernel) > 1 {
		info.Arch = strings.TrimSpace(kernel[1])
	}

	if err := env.Results.InsertOSInfo(ctx, info); err != nil {
		return ErrorOutcome(store.StageStore, err)
	}
	return Succeeded()
}
