package check

import (
	"context"
	"strings"

	"github.com/go-tangra/go-tangra-audit/internal/store"
)

const (
	ipRouteCmd   = "ip route show"
	ipRuleCmd    = "ip rule show"
	routeFileCmd = `for f in /etc/sysconfig/network-scripts/route-*; do [ -f "$f" ] && printf '\n## %s\n' "$f" && cat "$f"; done 2>/dev/null; true`
	ifcfgCmd     = `for f in /etc/sysconfig/network-scripts/ifcfg-*; do [ -f "$f" ] && printf '\n## %s\n' "$f" && grep -E '^(NAME|DEVICE|BOOTPROTO|IPADDR|GATEWAY|PREFIX|ONBOOT)=' "$f"; done 2>/dev/null; true`
	nmcliCmd     = "nmcli -t -f connection.id,connection.type,ipv4.method,ipv4.addresses,ipv4.gateway,ipv4.routes connection show"
)

// Routing state kinds.
const (
	RouteKindCurrent = "current"
	RouteKindRules   = "rules"
	RouteKindConfig  = "config"
)

// Routes snapshots the routing table, policy rules and the on-disk network
// configuration.
type Routes struct{}

func (Routes) Name() string       { return "routes" }
func (Routes) Requires() []string { return []string{"ip"} }

func (Routes) Probe(ctx context.Context, env *Env) Probe {
	return ProbeTools(ctx, env, "ip")
}

func (Routes) Execute(ctx context.Context, env *Env) Outcome {
	routes, fail := run(ctx, env, ipRouteCmd, false)
	if fail != nil {
		return *fail
	}
	if !routes.OK() {
		return CommandFailed(ipRouteCmd, routes)
	}

	rules, fail := run(ctx, env, ipRuleCmd, false)
	if fail != nil {
		return *fail
	}
	if !rules.OK() {
		return CommandFailed(ipRuleCmd, rules)
	}

	var config []string
	for _, cmd := range []string{routeFileCmd, ifcfgCmd} {
		res, fail := run(ctx, env, cmd, true)
		if fail != nil {
			return *fail
		}
		if res.OK() && res.Stdout != "" {
			config = append(config, res.Stdout)
		}
	}

	hasNM, err := env.Exec.Which(ctx, "nmcli")
	if err != nil {
		return ErrorOutcome(store.StageExecute, err)
	}
	if hasNM {
		res, fail := run(ctx, env, nmcliCmd, false)
		if fail != nil {
			return *fail
		}
		if res.OK() && res.Stdout != "" {
			config = append(config, "## nmcli\n"+res.Stdout)
		}
	}

	captures := []struct {
		kind    string
		content string
	}{
		{RouteKindCurrent, routes.Stdout},
		{RouteKindRules, rules.Stdout},
		{RouteKindConfig, strings.Join(config, "\n")},
	}
	for _, c := range captures {
		ref, err := env.Results.PutSnapshot(ctx, []byte(c.content))
		if err != nil {
			return ErrorOutcome(store.StageStore, err)
		}
		if err := env.Results.InsertRoutingState(ctx, store.RoutingState{Kind: c.kind, Snapshot: ref}); err != nil {
			return ErrorOutcome(store.StageStore, err)
		}
	}
	return Succeeded()
}
