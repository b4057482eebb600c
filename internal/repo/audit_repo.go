package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/relaybus/cmdbus/internal/domain"
	"github.com/relaybus/cmdbus/internal/pgqueue"
)

// AuditRepo appends and reads the command lifecycle trail.
type AuditRepo struct{}

// NewAuditRepo returns a stateless AuditRepo.
func NewAuditRepo() *AuditRepo {
	return &AuditRepo{}
}

// Log appends one audit event outside of the fused Finish path, used for
// events that are not also a terminal transition (SENT, RECEIVED,
// RETRY_SCHEDULED, RETRY_EXHAUSTED, MOVED_TO_TSQ, OPERATOR_*).
func (r *AuditRepo) Log(ctx context.Context, q pgqueue.Querier, dom string, commandID uuid.UUID, eventType domain.AuditEventType, details json.RawMessage) error {
	_, err := q.Exec(ctx, `
		INSERT INTO command_bus_audit (domain, command_id, event_type, details)
		VALUES ($1, $2, $3, $4)
	`, dom, commandID, string(eventType), details)
	if err != nil {
		return fmt.Errorf("log audit event: %w", err)
	}
	return nil
}

// LogBatch appends one audit event per command in a single multi-row insert,
// the batched counterpart to Log used wherever a chunked send would
// otherwise log one row at a time. commandIDs and details must be the same
// length and line up by index; eventType is shared by every row.
func (r *AuditRepo) LogBatch(ctx context.Context, q pgqueue.Querier, dom string, commandIDs []uuid.UUID, eventType domain.AuditEventType, details []json.RawMessage) error {
	if len(commandIDs) == 0 {
		return nil
	}

	n := len(commandIDs)
	domains := make([]string, n)
	eventTypes := make([]string, n)
	for i := range commandIDs {
		domains[i] = dom
		eventTypes[i] = string(eventType)
	}

	_, err := q.Exec(ctx, `
		INSERT INTO command_bus_audit (domain, command_id, event_type, details)
		SELECT * FROM unnest($1::text[], $2::uuid[], $3::text[], $4::jsonb[])
	`, domains, commandIDs, eventTypes, details)
	if err != nil {
		return fmt.Errorf("log audit event batch: %w", err)
	}
	return nil
}

// GetTrail returns every audit event for a command, oldest first.
func (r *AuditRepo) GetTrail(ctx context.Context, q pgqueue.Querier, dom string, commandID uuid.UUID) ([]domain.AuditEvent, error) {
	rows, err := q.Query(ctx, `
		SELECT audit_id, domain, command_id, event_type, ts, details
		FROM command_bus_audit
		WHERE domain = $1 AND command_id = $2
		ORDER BY audit_id ASC
	`, dom, commandID)
	if err != nil {
		return nil, fmt.Errorf("get audit trail: %w", err)
	}
	defer rows.Close()

	var events []domain.AuditEvent
	for rows.Next() {
		var e domain.AuditEvent
		if err := rows.Scan(&e.AuditID, &e.Domain, &e.CommandID, &e.EventType, &e.Timestamp, &e.Details); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
