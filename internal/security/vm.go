package security

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// IsVirtualMachine runs the source's virtualization checks concurrently and
// reports whether any of them found a hypervisor. A check that errors or
// panics counts as a miss, so the result is false when detection fails.
func (g *Generator) IsVirtualMachine(ctx context.Context) bool {
	checks := g.source.VMChecks()
	if len(checks) == 0 {
		return false
	}

	var detected atomic.Bool
	grp, gctx := errgroup.WithContext(ctx)
	for _, check := range checks {
		grp.Go(func() error {
			if g.runCheck(gctx, check) {
				detected.Store(true)
			}
			// Never fail the group: one broken probe must not cancel the others.
			return nil
		})
	}
	_ = grp.Wait()

	return detected.Load()
}

func (g *Generator) runCheck(ctx context.Context, check VMCheck) (hit bool) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.DebugContext(ctx, "VM check panicked",
				slog.String("check", check.Name),
				slog.String("panic", fmt.Sprint(r)))
			hit = false
		}
	}()

	if check.Check == nil {
		return false
	}
	ok, err := check.Check(ctx)
	if err != nil {
		g.logger.DebugContext(ctx, "VM check failed",
			slog.String("check", check.Name),
			slog.String("error", err.Error()))
		return false
	}
	if ok {
		g.logger.DebugContext(ctx, "VM marker detected", slog.String("check", check.Name))
	}
	return ok
}
