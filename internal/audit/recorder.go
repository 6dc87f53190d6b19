package audit

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/soyvural/dbpool"
	"github.com/soyvural/dbpool/internal/dialer"
)

const (
	insertAuditLog = `INSERT INTO audit_logs (employee_id, employee_name, action, details)
SELECT ?, name, ?, ? FROM employees WHERE employee_id = ?`

	// pgx sends statements as is, so postgres needs numbered parameters.
	insertAuditLogPostgres = `INSERT INTO audit_logs (employee_id, employee_name, action, details)
SELECT $1::integer, name, $2::text, $3::text FROM employees WHERE employee_id = $4`

	defaultStatementTimeout = 5 * time.Second
)

// Recorder writes employee activity to the audit_logs table.
type Recorder struct {
	runner  *Runner
	insert  string
	timeout time.Duration
	logger  *zap.Logger
}

type RecorderOption func(rc *Recorder)

// WithDriver picks the placeholder style of the configured database driver.
// Unknown drivers keep the default "?" style.
func WithDriver(driver string) RecorderOption {
	return func(rc *Recorder) {
		if name, err := dialer.DriverName(driver); err == nil && name == "pgx" {
			rc.insert = insertAuditLogPostgres
		}
	}
}

func NewRecorder(r *Runner, logger *zap.Logger, opts ...RecorderOption) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	rc := &Recorder{
		runner:  r,
		insert:  insertAuditLog,
		timeout: defaultStatementTimeout,
		logger:  logger.With(zap.String("component", "audit")),
	}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// Log records the action in the background. It does not wait for the insert and a
// failed insert is only logged. The entry outlives a cancelled ctx.
func (rc *Recorder) Log(ctx context.Context, employeeID int64, action, details string) {
	rc.runner.Submit(context.WithoutCancel(ctx), func(ctx context.Context, s dbpool.Session) error {
		return rc.Record(ctx, s, employeeID, action, details)
	}, func(err error) {
		rc.logger.Warn("async audit log failed",
			zap.Int64("employee_id", employeeID),
			zap.String("action", action),
			zap.Error(err),
		)
	})
}

// Record inserts one entry on s. The employee name is copied from the employees table,
// so an unknown employee inserts nothing.
func (rc *Recorder) Record(ctx context.Context, s dbpool.Session, employeeID int64, action, details string) error {
	ctx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()

	res, err := s.ExecContext(ctx, rc.insert, employeeID, action, details, employeeID)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		rc.logger.Debug("audit entry skipped for unknown employee", zap.Int64("employee_id", employeeID))
	}
	return nil
}
