package database

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/heraldhq/herald/internal/apierror"
	"github.com/heraldhq/herald/model"
)

func (d Datasource) RecordCost(ctx context.Context, record *model.CostRecord) error {
	ctx, span := otel.Tracer("notification.database").Start(ctx, "Recording cost ledger entry")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO herald.cost_records(record_id,tenant_id,service_origin,channel,unit_cost,units,total_cost,occurred_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		record.RecordID, record.TenantID, record.ServiceOrigin, record.Channel,
		record.UnitCost, record.Units, record.TotalCost, record.OccurredAt,
	)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record cost entry", err)
	}
	return nil
}

func (d Datasource) GetCostRecords(ctx context.Context, tenantID string, from, to time.Time) ([]model.CostRecord, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT record_id, tenant_id, service_origin, channel, unit_cost, units, total_cost, occurred_at
		FROM herald.cost_records
		WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3
		ORDER BY occurred_at ASC
	`, tenantID, from, to)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve cost records", err)
	}
	defer rows.Close()

	records := []model.CostRecord{}
	for rows.Next() {
		var r model.CostRecord
		err := rows.Scan(&r.RecordID, &r.TenantID, &r.ServiceOrigin, &r.Channel, &r.UnitCost, &r.Units, &r.TotalCost, &r.OccurredAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan cost record", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve cost records", err)
	}
	return records, nil
}
