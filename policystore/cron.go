package policystore

import (
	"context"
	"time"

	"encore.dev/cron"
	"encore.dev/rlog"
)

// auditRetention bounds the policy audit trail.
const auditRetention = 30 * 24 * time.Hour

// The daily-audit-cleanup job trims old policy transitions so the audit table does not
// grow without bound.
var _ = cron.NewJob("daily-audit-cleanup", cron.JobConfig{
	Title:    "Daily policy audit cleanup",
	Schedule: "0 3 * * *",
	Endpoint: CleanupAudit,
})

//encore:api private
func CleanupAudit(ctx context.Context) error {
	if svc == nil {
		return nil
	}
	removed, err := svc.audit.Cleanup(ctx, auditRetention)
	if err != nil {
		return err
	}
	rlog.Info("policy audit cleanup completed", "removed", removed)
	return nil
}
