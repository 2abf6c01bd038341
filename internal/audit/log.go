package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mapportal.org/internal/auth"
	"mapportal.org/internal/ids"
	"mapportal.org/internal/obs"
)

// Actions written by the portal. The set is open; these are the ones the
// services emit.
const (
	ActionCreateObject     = "create_object"
	ActionUpdateObject     = "update_object"
	ActionDeleteObject     = "delete_object"
	ActionMoveToTrash      = "move_to_trash"
	ActionRestoreFromTrash = "restore_from_trash"
	ActionPermanentDelete  = "permanent_delete"
	ActionEmptyTrash       = "empty_trash"
	ActionUpdateRole       = "update_role"
	ActionUpdateStatus     = "update_status"
	ActionAssignCompany    = "assign_company"
	ActionImportCompany    = "import_company"
	ActionGrantPermission  = "grant_permission"
	ActionRevokePermission = "revoke_permission"
	ActionDeletePermission = "delete_permission"
	ActionCreateAttribute  = "create_attribute"
	ActionUpdateAttribute  = "update_attribute"
	ActionReorderAttribute = "reorder_attributes"
	ActionDeleteAttribute  = "delete_attribute"
	ActionReplaceSegments  = "replace_segments"
)

// Entry is one immutable audit record.
type Entry struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Action       string            `json:"action"`
	ResourceType auth.ResourceKind `json:"resource_type"`
	ResourceID   *string           `json:"resource_id"`
	Details      string            `json:"details,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`

	// joined from users by admin listings
	UserEmail string `json:"user_email,omitempty"`
	UserName  string `json:"user_name,omitempty"`
}

// Appender persists entries. Implementations write through the transaction
// of the operation being audited.
type Appender interface {
	AppendAudit(ctx context.Context, e Entry) error
}

// Record appends an entry for actor acting on res. A failed append is
// returned to the caller, who must roll back.
func Record(ctx context.Context, app Appender, actor, action string, res auth.Resource, details string) (Entry, error) {
	actor = strings.TrimSpace(actor)
	action = strings.TrimSpace(action)
	if actor == "" || action == "" {
		return Entry{}, errors.New("audit: actor and action are required")
	}
	e := Entry{
		ID:           ids.New(),
		UserID:       actor,
		Action:       action,
		ResourceType: res.Kind,
		ResourceID:   res.IDPtr(),
		Details:      details,
		CreatedAt:    time.Now().UTC(),
	}
	if err := app.AppendAudit(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("audit: append %s: %w", action, err)
	}
	return e, nil
}

// Emit mirrors committed entries to the structured log. Call it after the
// surrounding transaction commits so rolled-back work leaves no trace.
func Emit(ctx context.Context, entries ...Entry) {
	for _, e := range entries {
		fields := map[string]any{
			"resource_type": string(e.ResourceType),
		}
		if e.ResourceID != nil {
			fields["resource_id"] = *e.ResourceID
		}
		if e.Details != "" {
			fields["details"] = e.Details
		}
		_ = LogEvent(ctx, e.Action, e.UserID, fields)
	}
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent writes an audit log line enriched with request context.
func LogEvent(ctx context.Context, event, actor string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if actor != "" {
		entry["user_id"] = actor
	}
	copyFields := make(map[string]any, len(fields))
	for k, v := range fields {
		copyFields[k] = v
	}
	entry["fields"] = copyFields

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
