package respcache

import (
	"context"

	"encore.dev/cron"
	"encore.dev/rlog"

	"encore.app/policystore"
)

// The hourly-stale-sweep job removes stale and uncovered entries even while policies are
// quiet, so expired responses do not accumulate between policy updates.
var _ = cron.NewJob("hourly-stale-sweep", cron.JobConfig{
	Title:    "Hourly stale response sweep",
	Schedule: "0 * * * *",
	Endpoint: SweepStale,
})

//encore:api private
func SweepStale(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	deleted, err := svc.DeleteStale(ctx, policystore.Instance(), nil)
	if err != nil {
		return err
	}
	rlog.Info("scheduled stale sweep completed", "deleted", deleted)
	return nil
}
