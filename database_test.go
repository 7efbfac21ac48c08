package main

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testDocument(key, hash string, issuerID int64) *Document {
	return &Document{
		AccessKey:     key,
		ContentHash:   hash,
		IssuerID:      issuerID,
		ProcessedDate: "2024-11-06",
		EmissionDate:  "2024-11-06",
		Kind:          "NFE",
		ArchivePath:   "/archive/x/" + key + ".xml",
	}
}

func TestUpsertIssuer(t *testing.T) {
	store := newTestStore(t)

	id, err := store.UpsertIssuer("12345678000190", "EMPRESA TESTE LTDA")
	if err != nil {
		t.Fatalf("UpsertIssuer: %v", err)
	}
	again, err := store.UpsertIssuer("12345678000190", "EMPRESA TESTE LTDA")
	if err != nil {
		t.Fatalf("UpsertIssuer again: %v", err)
	}
	if id != again {
		t.Errorf("same tax id produced two ids: %d, %d", id, again)
	}

	// A later document spelling the name differently refreshes it.
	renamed, err := store.UpsertIssuer("12345678000190", "EMPRESA TESTE SA")
	if err != nil {
		t.Fatalf("UpsertIssuer rename: %v", err)
	}
	if renamed != id {
		t.Errorf("rename changed issuer id: %d -> %d", id, renamed)
	}
	var name string
	if err := store.db.QueryRow("SELECT name FROM issuers WHERE id = ?", id).Scan(&name); err != nil {
		t.Fatal(err)
	}
	if name != "EMPRESA TESTE SA" {
		t.Errorf("issuer name after rename = %q", name)
	}
}

func TestInsertDocumentDuplicates(t *testing.T) {
	store := newTestStore(t)
	issuerID, err := store.UpsertIssuer("12345678000190", "EMPRESA TESTE LTDA")
	if err != nil {
		t.Fatal(err)
	}

	res, err := store.InsertDocument(testDocument("key-1", "hash-1", issuerID))
	if err != nil || res != InsertOK {
		t.Fatalf("first insert: res=%v err=%v", res, err)
	}

	res, err = store.InsertDocument(testDocument("key-1", "hash-2", issuerID))
	if err != nil || res != InsertDuplicate {
		t.Fatalf("same access key: res=%v err=%v", res, err)
	}
	res, err = store.InsertDocument(testDocument("key-2", "hash-1", issuerID))
	if err != nil || res != InsertDuplicate {
		t.Fatalf("same content hash: res=%v err=%v", res, err)
	}

	n, err := store.CountDocuments()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("document count = %d, want 1", n)
	}
}

func TestDeleteDocument(t *testing.T) {
	store := newTestStore(t)
	issuerID, _ := store.UpsertIssuer("12345678000190", "EMPRESA TESTE LTDA")
	if _, err := store.InsertDocument(testDocument("key-1", "hash-1", issuerID)); err != nil {
		t.Fatal(err)
	}
	if err := store.DeleteDocument("key-1"); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}
	doc, err := store.DocumentByAccessKey("key-1")
	if err != nil {
		t.Fatal(err)
	}
	if doc != nil {
		t.Error("document still present after rollback delete")
	}

	// Rolled-back rows free both unique columns for a retry.
	res, err := store.InsertDocument(testDocument("key-1", "hash-1", issuerID))
	if err != nil || res != InsertOK {
		t.Fatalf("reinsert after delete: res=%v err=%v", res, err)
	}
}

func TestAuditLifecycle(t *testing.T) {
	store := newTestStore(t)

	id, err := store.CreateAudit("hash-1", "nota.xml", "/inbox/nota.xml")
	if err != nil {
		t.Fatalf("CreateAudit: %v", err)
	}
	a, err := store.Audit(id)
	if err != nil {
		t.Fatal(err)
	}
	if a.CurrentStatus != "PENDING" || a.AttemptCount != 0 {
		t.Errorf("fresh audit: status=%s attempts=%d", a.CurrentStatus, a.AttemptCount)
	}

	if err := store.UpdateAudit(id, StatusQuarantined, nil, nil); err != nil {
		t.Fatalf("UpdateAudit: %v", err)
	}
	perr := failDB(ErrDBConnection, "insert document", errDatabaseDown)
	if err := store.RecordAttempt(id, 1, StatusFailedDB, perr, "stack", 12); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}
	if err := store.RecordAttempt(id, 2, StatusSuccess, nil, "", 7); err != nil {
		t.Fatalf("RecordAttempt 2: %v", err)
	}
	if err := store.UpdateAudit(id, StatusSuccess, nil, map[string]any{
		"final_destination": "/archive/nota.xml",
		"access_key":        "key-1",
		"completed_at":      nowStamp(),
		"total_duration_ms": 19,
	}); err != nil {
		t.Fatalf("UpdateAudit terminal: %v", err)
	}

	a, err = store.Audit(id)
	if err != nil {
		t.Fatal(err)
	}
	if a.CurrentStatus != "SUCCESS" {
		t.Errorf("status = %s", a.CurrentStatus)
	}
	if a.AttemptCount != 2 {
		t.Errorf("attempt count = %d, want 2", a.AttemptCount)
	}
	if !a.FinalDestination.Valid || a.FinalDestination.String != "/archive/nota.xml" {
		t.Errorf("final destination = %+v", a.FinalDestination)
	}
	if !a.AccessKey.Valid || a.AccessKey.String != "key-1" {
		t.Errorf("access key = %+v", a.AccessKey)
	}
	if !a.CompletedAt.Valid {
		t.Error("completed_at not set")
	}

	attempts, err := store.AuditAttempts(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 2 {
		t.Fatalf("attempt rows = %d, want 2", len(attempts))
	}
	if attempts[0].Number != 1 || attempts[0].Status != "FAILED_DB" {
		t.Errorf("first attempt = %+v", attempts[0])
	}
	if !attempts[0].ErrorKind.Valid || attempts[0].ErrorKind.String != "DB_CONNECTION_ERROR" {
		t.Errorf("first attempt kind = %+v", attempts[0].ErrorKind)
	}
	if attempts[1].Number != 2 || attempts[1].Status != "SUCCESS" {
		t.Errorf("second attempt = %+v", attempts[1])
	}
}

var errDatabaseDown = &PipelineError{Kind: ErrDBConnection, Status: StatusFailedDB, Op: "probe"}

func TestUpdateAuditRejectsUnknownColumn(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateAudit("hash-1", "nota.xml", "/inbox/nota.xml")
	if err != nil {
		t.Fatal(err)
	}
	err = store.UpdateAudit(id, StatusSuccess, nil, map[string]any{"current_status": "SUCCESS"})
	if err == nil {
		t.Fatal("update with non-whitelisted column succeeded")
	}
}

func TestUpdateAuditTruncatesErrorMessage(t *testing.T) {
	store := newTestStore(t)
	id, err := store.CreateAudit("hash-1", "nota.xml", "/inbox/nota.xml")
	if err != nil {
		t.Fatal(err)
	}
	perr := failParsing(ErrXMLParse, strings.Repeat("x", 600), nil)
	if err := store.UpdateAudit(id, StatusFailedPermanent, perr, nil); err != nil {
		t.Fatal(err)
	}
	a, err := store.Audit(id)
	if err != nil {
		t.Fatal(err)
	}
	if !a.LastErrorMessage.Valid || len(a.LastErrorMessage.String) != 500 {
		t.Errorf("error message length = %d, want 500", len(a.LastErrorMessage.String))
	}
	if a.LastErrorKind.String != "XML_PARSE_ERROR" {
		t.Errorf("error kind = %q", a.LastErrorKind.String)
	}
}

func TestFindStuckAudits(t *testing.T) {
	store := newTestStore(t)

	stuckID, err := store.CreateAudit("hash-1", "stuck.xml", "/inbox/stuck.xml")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateAudit(stuckID, StatusProcessing, nil, nil); err != nil {
		t.Fatal(err)
	}
	backdate(t, store, stuckID, time.Hour)

	freshID, err := store.CreateAudit("hash-2", "fresh.xml", "/inbox/fresh.xml")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateAudit(freshID, StatusProcessing, nil, nil); err != nil {
		t.Fatal(err)
	}

	doneID, err := store.CreateAudit("hash-3", "done.xml", "/inbox/done.xml")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateAudit(doneID, StatusSuccess, nil, nil); err != nil {
		t.Fatal(err)
	}
	backdate(t, store, doneID, time.Hour)

	stuck, err := store.FindStuckAudits(30 * time.Minute)
	if err != nil {
		t.Fatalf("FindStuckAudits: %v", err)
	}
	if len(stuck) != 1 {
		t.Fatalf("stuck rows = %d, want 1: %+v", len(stuck), stuck)
	}
	if stuck[0].ID != stuckID || stuck[0].Filename != "stuck.xml" || stuck[0].Status != "PROCESSING" {
		t.Errorf("stuck row = %+v", stuck[0])
	}

	if err := store.MarkAuditLost(stuckID); err != nil {
		t.Fatalf("MarkAuditLost: %v", err)
	}
	a, err := store.Audit(stuckID)
	if err != nil {
		t.Fatal(err)
	}
	if a.CurrentStatus != "FAILED_PERMANENT" {
		t.Errorf("lost audit status = %s", a.CurrentStatus)
	}
}

// backdate pushes an audit row's discovery time into the past so the stale
// threshold trips.
func backdate(t *testing.T, store *Store, auditID int64, by time.Duration) {
	t.Helper()
	past := time.Now().UTC().Add(-by).Format(time.RFC3339)
	if _, err := store.db.Exec(
		"UPDATE processing_audit SET discovered_at = ?, last_attempt_at = NULL WHERE id = ?",
		past, auditID); err != nil {
		t.Fatal(err)
	}
}

func TestRecordReconciliation(t *testing.T) {
	store := newTestStore(t)
	if err := store.RecordReconciliation(3, 2, 1, `["quarantine stuck: a.xml"]`); err != nil {
		t.Fatalf("RecordReconciliation: %v", err)
	}
	n, err := store.CountReconciliations()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("reconciliation rows = %d, want 1", n)
	}
}

func TestHydrateCaches(t *testing.T) {
	store := newTestStore(t)
	issuerID, err := store.UpsertIssuer("12345678000190", "EMPRESA TESTE LTDA")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.InsertDocument(testDocument("key-1", "hash-1", issuerID)); err != nil {
		t.Fatal(err)
	}

	idem := NewIdempotencyCache()
	issuers := NewIssuerCache()
	if err := store.HydrateCaches(idem, issuers); err != nil {
		t.Fatalf("HydrateCaches: %v", err)
	}
	if !idem.HasHash("hash-1") || !idem.HasKey("key-1") {
		t.Error("idempotency cache missing hydrated document")
	}
	e, ok := issuers.Get("12345678000190")
	if !ok || e.ID != issuerID || e.Name != "EMPRESA TESTE LTDA" {
		t.Errorf("issuer cache entry = %+v ok=%v", e, ok)
	}
}
