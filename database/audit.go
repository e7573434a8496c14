package database

import (
	"context"
	"database/sql"

	"github.com/heraldhq/herald/internal/apierror"
	"github.com/heraldhq/herald/model"
)

func (d Datasource) RecordAuditLog(ctx context.Context, record *model.AuditRecord) error {
	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO herald.audit_logs(audit_id,notification_id,action,actor,reason,created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		record.AuditID, record.NotificationID, record.Action, record.Actor, record.Reason, record.CreatedAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record audit log", err)
	}
	return nil
}

func (d Datasource) GetAuditLogs(ctx context.Context, notificationID string) ([]model.AuditRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT audit_id, notification_id, action, actor, reason, created_at
		FROM herald.audit_logs
		WHERE notification_id = $1
		ORDER BY created_at ASC
	`, notificationID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve audit logs", err)
	}
	defer rows.Close()

	records := []model.AuditRecord{}
	for rows.Next() {
		var r model.AuditRecord
		var nid, actor, reason sql.NullString
		if err := rows.Scan(&r.AuditID, &nid, &r.Action, &actor, &reason, &r.CreatedAt); err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan audit log", err)
		}
		r.NotificationID = nid.String
		r.Actor = actor.String
		r.Reason = reason.String
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve audit logs", err)
	}
	return records, nil
}
