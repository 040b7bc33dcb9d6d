package store

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestExportProducesValidJSON(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProjectAndIssue(t, s)

	var buf bytes.Buffer
	if err := s.Export(ctx, &buf); err != nil {
		t.Fatalf("Export() error: %v", err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("Export produced invalid JSON: %v", err)
	}
	if _, ok := doc["projects"]; !ok {
		t.Error("exported document missing \"projects\"")
	}
	if _, ok := doc["issues"]; !ok {
		t.Error("exported document missing \"issues\"")
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := setupTestStore(t)
	ctx := context.Background()
	_, issue := seedProjectAndIssue(t, src)

	tx, err := src.BeginWriter(ctx)
	if err != nil {
		t.Fatalf("BeginWriter() error: %v", err)
	}
	if err := tx.EnsureFieldExists(ctx, "summary"); err != nil {
		tx.Rollback()
		t.Fatalf("EnsureFieldExists() error: %v", err)
	}
	if err := tx.UpsertIssueField(ctx, IssueField{IssueID: issue.JiraID, FieldID: "summary", FieldValue: `"hello"`}); err != nil {
		tx.Rollback()
		t.Fatalf("UpsertIssueField() error: %v", err)
	}
	if err := tx.UpsertPerson(ctx, Person{AccountID: "acct-1"}); err != nil {
		tx.Rollback()
		t.Fatalf("UpsertPerson() error: %v", err)
	}
	if err := tx.UpsertComment(ctx, Comment{ID: 1, IssueID: issue.JiraID, PositionInArray: 0, ContentData: `{"type":"doc"}`, Author: "acct-1"}); err != nil {
		tx.Rollback()
		t.Fatalf("UpsertComment() error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error: %v", err)
	}

	var buf bytes.Buffer
	if err := src.Export(ctx, &buf); err != nil {
		t.Fatalf("Export() error: %v", err)
	}

	dst := setupTestStore(t)
	if err := dst.Import(ctx, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("Import() error: %v", err)
	}

	got, err := dst.GetIssueByKey(ctx, issue.Key)
	if err != nil {
		t.Fatalf("GetIssueByKey() error after import: %v", err)
	}
	if got.Key != issue.Key {
		t.Errorf("imported issue Key = %q, want %q", got.Key, issue.Key)
	}

	fields, err := dst.GetFields(ctx, issue.Key)
	if err != nil {
		t.Fatalf("GetFields() error: %v", err)
	}
	if len(fields) != 1 || fields[0].FieldID != "summary" {
		t.Errorf("GetFields() = %+v, want one \"summary\" field", fields)
	}

	comments, err := dst.ListComments(ctx, issue.Key)
	if err != nil {
		t.Fatalf("ListComments() error: %v", err)
	}
	if len(comments) != 1 {
		t.Errorf("ListComments() returned %d comments, want 1", len(comments))
	}

	// Import is safe to run twice: every write is an upsert.
	if err := dst.Import(ctx, bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("second Import() error: %v", err)
	}
}

func TestImportRejectsInvalidJSON(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.Import(ctx, bytes.NewReader([]byte("not json"))); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
