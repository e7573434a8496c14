package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/heraldhq/herald/internal/apierror"
	"github.com/heraldhq/herald/model"
)

const notificationColumns = `notification_id, tenant_id, user_id, service_origin, channel, priority, status,
		recipient, template_key, template_vars, locale, subject, body, scheduled_for, correlation_id,
		meta_data, created_at, updated_at, sent_at, delivered_at`

func (d Datasource) CreateNotification(ctx context.Context, n *model.Notification) (*model.Notification, error) {
	ctx, span := otel.Tracer("notification.database").Start(ctx, "Saving notification to db")
	defer span.End()

	metaDataJSON, err := json.Marshal(n.MetaData)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal metadata", err)
	}
	templateVarsJSON, err := json.Marshal(n.TemplateVars)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to marshal template vars", err)
	}

	_, err = d.Conn.ExecContext(ctx,
		`INSERT INTO herald.notifications(notification_id,tenant_id,user_id,service_origin,channel,priority,status,recipient,template_key,template_vars,locale,subject,body,scheduled_for,correlation_id,meta_data,created_at,updated_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$17)`,
		n.NotificationID, n.TenantID, n.UserID, n.ServiceOrigin, n.Channel, n.Priority, n.Status,
		n.Recipient, n.TemplateKey, templateVarsJSON, n.Locale, n.Subject, n.Body,
		nullTime(n.ScheduledFor), n.CorrelationID, metaDataJSON, n.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record notification", err)
	}
	return n, nil
}

func (d Datasource) GetNotification(ctx context.Context, id string) (*model.Notification, error) {
	ctx, span := otel.Tracer("notification.database").Start(ctx, "Getting notification from db")
	defer span.End()

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+notificationColumns+`
		FROM herald.notifications
		WHERE notification_id = $1
	`, id)

	n, err := scanNotification(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Notification with ID '%s' not found", id), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve notification", err)
	}

	n.Attempts, err = d.GetAttempts(ctx, n.NotificationID)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Delivery reports can lag the send by hours, so the provider message id
// mapping stays cached for a full day.
const providerMessageCacheTTL = 24 * time.Hour

func providerMessageCacheKey(providerMessageID string) string {
	return fmt.Sprintf("notifications:provider_message_id:%s", providerMessageID)
}

// CacheProviderMessageID primes the lookup cache once a gateway hands back
// its message id, so the delivery-report callback can skip the attempt join.
func (d Datasource) CacheProviderMessageID(ctx context.Context, providerMessageID, notificationID string) {
	if d.Cache == nil || providerMessageID == "" {
		return
	}
	err := d.Cache.Set(ctx, providerMessageCacheKey(providerMessageID), notificationID, providerMessageCacheTTL)
	if err != nil {
		// Log the error, but don't return it: the join below still resolves the id
		log.Printf("Failed to cache provider message id: %v", err)
	}
}

// GetNotificationByProviderMessageID resolves a delivery-report callback to
// its notification through the attempt that carried the provider's id. The
// cached mapping is tried first; a miss falls through to the join and
// backfills the cache.
func (d Datasource) GetNotificationByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Notification, error) {
	ctx, span := otel.Tracer("notification.database").Start(ctx, "Getting notification by provider message id")
	defer span.End()

	cacheKey := providerMessageCacheKey(providerMessageID)
	if d.Cache != nil {
		var notificationID string
		err := d.Cache.Get(ctx, cacheKey, &notificationID)
		if err == nil && notificationID != "" {
			return d.GetNotification(ctx, notificationID)
		}
	}

	row := d.Conn.QueryRowContext(ctx, `
		SELECT `+prefixColumns("n.", notificationColumns)+`
		FROM herald.notifications n
		JOIN herald.provider_attempts a ON a.notification_id = n.notification_id
		WHERE a.provider_message_id = $1
	`, providerMessageID)

	n, err := scanNotification(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("No notification for provider message ID '%s'", providerMessageID), err)
		}
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve notification", err)
	}

	n.Attempts, err = d.GetAttempts(ctx, n.NotificationID)
	if err != nil {
		return nil, err
	}

	d.CacheProviderMessageID(ctx, providerMessageID, n.NotificationID)
	return n, nil
}

// UpdateNotificationStatus moves a notification forward in its lifecycle.
// The guard rides in the statement itself: terminal rows never match, so a
// late status write after DELIVERED or CANCELLED is a no-op reported as a
// conflict rather than a silent regression.
func (d Datasource) UpdateNotificationStatus(ctx context.Context, id string, status string) error {
	ctx, span := otel.Tracer("notification.database").Start(ctx, "Updating notification status")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE herald.notifications
		SET status = $2,
		    updated_at = NOW(),
		    sent_at = CASE WHEN $2 = 'SENT' AND sent_at IS NULL THEN NOW() ELSE sent_at END,
		    delivered_at = CASE WHEN $2 = 'DELIVERED' THEN NOW() ELSE delivered_at END
		WHERE notification_id = $1
		  AND status NOT IN ('DELIVERED', 'CANCELLED', 'FAILED')
	`, id, status)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update notification status", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update notification status", err)
	}
	if rows == 0 {
		var current string
		err := d.Conn.QueryRowContext(ctx, `SELECT status FROM herald.notifications WHERE notification_id = $1`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Notification with ID '%s' not found", id), err)
		}
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update notification status", err)
		}
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Notification '%s' is already %s, cannot move to %s", id, current, status), nil)
	}
	return nil
}

// ReviveNotification is the privileged escape hatch from FAILED and
// TIMED_OUT for admin retries. Any other current status leaves the row
// untouched and reports a conflict.
func (d Datasource) ReviveNotification(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("notification.database").Start(ctx, "Reviving notification")
	defer span.End()

	result, err := d.Conn.ExecContext(ctx, `
		UPDATE herald.notifications
		SET status = 'RETRYING', updated_at = NOW()
		WHERE notification_id = $1
		  AND status IN ('FAILED', 'TIMED_OUT')
	`, id)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to revive notification", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to revive notification", err)
	}
	if rows == 0 {
		var current string
		err := d.Conn.QueryRowContext(ctx, `SELECT status FROM herald.notifications WHERE notification_id = $1`, id).Scan(&current)
		if err == sql.ErrNoRows {
			return apierror.NewAPIError(apierror.ErrNotFound, fmt.Sprintf("Notification with ID '%s' not found", id), err)
		}
		if err != nil {
			return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to revive notification", err)
		}
		return apierror.NewAPIError(apierror.ErrConflict,
			fmt.Sprintf("Notification '%s' is %s, only failed notifications can be revived", id, current), nil)
	}
	return nil
}

// UpdateRenderedContent stores the rendered subject and body so retries do
// not re-render and webhook consumers see what was actually sent.
func (d Datasource) UpdateRenderedContent(ctx context.Context, id, subject, body string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE herald.notifications SET subject = $2, body = $3, updated_at = NOW()
		WHERE notification_id = $1
	`, id, subject, body)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update rendered content", err)
	}
	return nil
}

func (d Datasource) GetAllNotifications(ctx context.Context, tenantID string, limit, offset int) ([]model.Notification, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM herald.notifications
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve notifications", err)
	}
	defer rows.Close()

	notifications := []model.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan notification", err)
		}
		notifications = append(notifications, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve notifications", err)
	}
	return notifications, nil
}

func (d Datasource) GetStuckNotifications(ctx context.Context, olderThan time.Duration, limit int) ([]*model.Notification, error) {
	ctx, span := otel.Tracer("notification.database").Start(ctx, "Getting stuck notifications")
	defer span.End()

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM herald.notifications
		WHERE status = 'SENDING'
		  AND updated_at < NOW() - $1::interval
		ORDER BY updated_at ASC
		LIMIT $2
	`, fmt.Sprintf("%d seconds", int(olderThan.Seconds())), limit)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck notifications", err)
	}
	defer rows.Close()

	var notifications []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan notification", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve stuck notifications", err)
	}
	return notifications, nil
}

func (d Datasource) RecordAttempt(ctx context.Context, a *model.ProviderAttempt) (*model.ProviderAttempt, error) {
	ctx, span := otel.Tracer("notification.database").Start(ctx, "Recording provider attempt")
	defer span.End()

	_, err := d.Conn.ExecContext(ctx,
		`INSERT INTO herald.provider_attempts(attempt_id,notification_id,provider,provider_message_id,number,outcome,error_code,error_message,created_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		a.AttemptID, a.NotificationID, a.Provider, a.ProviderMessageID, a.Number, a.Outcome, a.ErrorCode, a.ErrorMessage, a.CreatedAt,
	)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to record provider attempt", err)
	}
	return a, nil
}

func (d Datasource) UpdateAttemptOutcome(ctx context.Context, attemptID, outcome, errorCode, errorMessage string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE herald.provider_attempts
		SET outcome = $2, error_code = $3, error_message = $4
		WHERE attempt_id = $1
	`, attemptID, outcome, errorCode, errorMessage)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to update attempt outcome", err)
	}
	return nil
}

func (d Datasource) SetAttemptProviderMessageID(ctx context.Context, attemptID, providerMessageID string) error {
	_, err := d.Conn.ExecContext(ctx, `
		UPDATE herald.provider_attempts SET provider_message_id = $2 WHERE attempt_id = $1
	`, attemptID, providerMessageID)
	if err != nil {
		return apierror.NewAPIError(apierror.ErrInternalServer, "Failed to set provider message id", err)
	}
	return nil
}

func (d Datasource) GetAttempts(ctx context.Context, notificationID string) ([]model.ProviderAttempt, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT attempt_id, notification_id, provider, provider_message_id, number, outcome, error_code, error_message, created_at
		FROM herald.provider_attempts
		WHERE notification_id = $1
		ORDER BY id ASC
	`, notificationID)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve attempts", err)
	}
	defer rows.Close()

	attempts := []model.ProviderAttempt{}
	for rows.Next() {
		var a model.ProviderAttempt
		var providerMessageID, errorCode, errorMessage sql.NullString
		err := rows.Scan(&a.AttemptID, &a.NotificationID, &a.Provider, &providerMessageID, &a.Number, &a.Outcome, &errorCode, &errorMessage, &a.CreatedAt)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to scan attempt", err)
		}
		a.ProviderMessageID = providerMessageID.String
		a.ErrorCode = errorCode.String
		a.ErrorMessage = errorMessage.String
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, apierror.NewAPIError(apierror.ErrInternalServer, "Failed to retrieve attempts", err)
	}
	return attempts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanNotification(row rowScanner) (*model.Notification, error) {
	n := &model.Notification{}
	var templateKey, locale, subject, body, correlationID sql.NullString
	var scheduledFor, sentAt, deliveredAt sql.NullTime
	var templateVarsJSON, metaDataJSON []byte

	err := row.Scan(
		&n.NotificationID, &n.TenantID, &n.UserID, &n.ServiceOrigin, &n.Channel, &n.Priority, &n.Status,
		&n.Recipient, &templateKey, &templateVarsJSON, &locale, &subject, &body, &scheduledFor, &correlationID,
		&metaDataJSON, &n.CreatedAt, &n.UpdatedAt, &sentAt, &deliveredAt,
	)
	if err != nil {
		return nil, err
	}

	n.TemplateKey = templateKey.String
	n.Locale = locale.String
	n.Subject = subject.String
	n.Body = body.String
	n.CorrelationID = correlationID.String
	n.ScheduledFor = scheduledFor.Time
	n.SentAt = sentAt.Time
	n.DeliveredAt = deliveredAt.Time

	if len(templateVarsJSON) > 0 {
		if err := json.Unmarshal(templateVarsJSON, &n.TemplateVars); err != nil {
			return nil, err
		}
	}
	if len(metaDataJSON) > 0 {
		if err := json.Unmarshal(metaDataJSON, &n.MetaData); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// prefixColumns qualifies every column in a comma-separated list with a
// table alias.
func prefixColumns(prefix, columns string) string {
	out := ""
	for i, c := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += prefix + c
	}
	return out
}

func splitColumns(columns string) []string {
	var cols []string
	field := ""
	for _, r := range columns {
		switch r {
		case ',':
			cols = append(cols, field)
			field = ""
		case ' ', '\n', '\t':
		default:
			field += string(r)
		}
	}
	if field != "" {
		cols = append(cols, field)
	}
	return cols
}
