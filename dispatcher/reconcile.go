package dispatcher

import (
	"context"

	"github.com/goliatone/go-service-command"
)

// ReconcileReport lists what a Reconcile pass found for one environment.
type ReconcileReport struct {
	Environment string            `json:"environment"`
	DryRun      bool              `json:"dryRun"`
	Live        []string          `json:"live"`
	Pruned      []string          `json:"pruned"`
	Unverified  []string          `json:"unverified"`
	Errors      map[string]string `json:"errors,omitempty"`
}

// Reconcile walks the saved records of env and clears those whose resource
// is no longer alive. Records of platforms without a registered prober are
// left untouched, and unreadable records are reported in Errors. In dry-run
// nothing is cleared.
func (d *Dispatcher) Reconcile(ctx context.Context, env string, opts command.Options) (ReconcileReport, error) {
	report := ReconcileReport{Environment: env, DryRun: opts.DryRun}

	entries, err := d.store.List(ctx, env)
	if err != nil {
		return report, err
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if entry.Err != nil {
			d.logger.Warn("resource state %s/%s unreadable: %v", env, entry.Service, entry.Err)
			report.addError(entry.Service, entry.Err)
			continue
		}
		if !d.liveness.Supports(entry.State.Platform) {
			report.Unverified = append(report.Unverified, entry.Service)
			continue
		}

		alive, err := d.liveness.IsAlive(ctx, entry.State)
		if err != nil {
			d.logger.Warn("liveness probe for %s/%s failed: %v", env, entry.Service, err)
			report.addError(entry.Service, err)
			continue
		}
		if alive {
			report.Live = append(report.Live, entry.Service)
			continue
		}

		if !opts.DryRun {
			if err := d.store.Clear(ctx, env, entry.Service); err != nil {
				report.addError(entry.Service, err)
				continue
			}
			d.logger.Info("pruned stale resource state %s/%s", env, entry.Service)
		}
		report.Pruned = append(report.Pruned, entry.Service)
	}
	return report, nil
}

func (r *ReconcileReport) addError(service string, err error) {
	if r.Errors == nil {
		r.Errors = make(map[string]string)
	}
	r.Errors[service] = command.ErrorMessage(err)
}
