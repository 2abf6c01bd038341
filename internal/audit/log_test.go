package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"mapportal.org/internal/auth"
	"mapportal.org/internal/obs"
)

type sliceAppender struct {
	entries []Entry
	err     error
}

func (s *sliceAppender) AppendAudit(_ context.Context, e Entry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, e)
	return nil
}

func TestRecordAppends(t *testing.T) {
	app := &sliceAppender{}
	e, err := Record(context.Background(), app, "adm", ActionCreateObject, auth.Company("c1"), "Created company Acme")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(app.entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(app.entries))
	}
	got := app.entries[0]
	if got.ID == "" || got.ID != e.ID {
		t.Fatalf("unexpected id %q", got.ID)
	}
	if got.ResourceType != auth.KindCompany || got.ResourceID == nil || *got.ResourceID != "c1" {
		t.Fatalf("unexpected resource: %s %v", got.ResourceType, got.ResourceID)
	}
}

func TestRecordKindWideHasNullResource(t *testing.T) {
	app := &sliceAppender{}
	e, err := Record(context.Background(), app, "adm", ActionEmptyTrash, auth.KindWide(auth.KindPolygon), "3 items deleted")
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if e.ResourceID != nil {
		t.Fatalf("expected null resource id, got %q", *e.ResourceID)
	}
}

func TestRecordFailurePropagates(t *testing.T) {
	boom := errors.New("disk full")
	if _, err := Record(context.Background(), &sliceAppender{err: boom}, "adm", ActionUpdateRole, auth.UserResource("u"), ""); !errors.Is(err, boom) {
		t.Fatalf("expected append error, got %v", err)
	}
	if _, err := Record(context.Background(), &sliceAppender{}, "", ActionUpdateRole, auth.UserResource("u"), ""); err == nil {
		t.Fatal("expected error for missing actor")
	}
}

func TestEmitLogsEntry(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := WithRequestID(context.Background(), "req-123")
	rid := "p1"
	Emit(ctx, Entry{UserID: "user-42", Action: ActionMoveToTrash, ResourceType: auth.KindPolygon, ResourceID: &rid})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" || entry["event"] != ActionMoveToTrash {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["user_id"] != "user-42" {
		t.Fatalf("unexpected user id: %v", entry["user_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["resource_id"] != "p1" || fields["resource_type"] != "polygon" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}
