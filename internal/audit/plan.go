package audit

import (
	"time"

	"github.com/go-tangra/go-tangra-audit/internal/check"
	"github.com/go-tangra/go-tangra-audit/internal/store"
)

// Plan is the effective configuration of one host for one run.
type Plan struct {
	Limits store.Limits
	Checks []check.Check
}

// effectivePlan merges global defaults with host overrides. A non-nil
// override wins; nil inherits. Checks without a global row are enabled.
// A positive timeout replaces both.
func effectivePlan(reg *check.Registry, d store.Defaults, o store.Overrides, timeout time.Duration) Plan {
	limits := d.Limits
	if o.MaxSnapshotBytes != nil {
		limits.MaxSnapshotBytes = *o.MaxSnapshotBytes
	}
	if o.CompressSnapshots != nil {
		limits.CompressSnapshots = *o.CompressSnapshots
	}
	if o.CommandTimeout != nil {
		limits.CommandTimeout = *o.CommandTimeout
	}
	if timeout > 0 {
		limits.CommandTimeout = timeout
	}

	var checks []check.Check
	for _, c := range reg.Checks() {
		if checkEnabled(c.Name(), d, o) {
			checks = append(checks, c)
		}
	}
	return Plan{Limits: limits, Checks: checks}
}

func checkEnabled(name string, d store.Defaults, o store.Overrides) bool {
	if v, ok := o.Checks[name]; ok && v != nil {
		return *v
	}
	if v, ok := d.Checks[name]; ok {
		return v
	}
	return true
}
