// xmlorganizer: durable catalog of issuers, documents and processing audits
package main

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const schema = `
CREATE TABLE IF NOT EXISTS issuers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	tax_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	access_key TEXT NOT NULL UNIQUE,
	content_hash TEXT NOT NULL UNIQUE,
	issuer_id INTEGER NOT NULL,
	processed_date TEXT NOT NULL,
	emission_date TEXT NOT NULL,
	kind TEXT NOT NULL,
	archive_path TEXT NOT NULL,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (issuer_id) REFERENCES issuers (id)
);
CREATE TABLE IF NOT EXISTS processing_audit (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	content_hash TEXT NOT NULL,
	filename TEXT NOT NULL,
	original_path TEXT NOT NULL,
	discovered_at TEXT NOT NULL,
	current_status TEXT NOT NULL,
	attempt_count INTEGER DEFAULT 0,
	last_attempt_at TEXT,
	last_error_kind TEXT,
	last_error_message TEXT,
	final_destination TEXT,
	access_key TEXT,
	issuer_id INTEGER,
	completed_at TEXT,
	total_duration_ms INTEGER,
	created_at TEXT DEFAULT CURRENT_TIMESTAMP,
	updated_at TEXT DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS processing_attempts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	audit_id INTEGER NOT NULL,
	attempt_number INTEGER NOT NULL,
	status TEXT NOT NULL,
	error_kind TEXT,
	error_message TEXT,
	stack_trace TEXT,
	duration_ms INTEGER,
	timestamp TEXT DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (audit_id) REFERENCES processing_audit (id)
);
CREATE TABLE IF NOT EXISTS reconciliation_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_at TEXT DEFAULT CURRENT_TIMESTAMP,
	files_checked INTEGER,
	issues_found INTEGER,
	issues_fixed INTEGER,
	details TEXT
);
CREATE INDEX IF NOT EXISTS idx_documents_access_key ON documents(access_key);
CREATE INDEX IF NOT EXISTS idx_documents_content_hash ON documents(content_hash);
CREATE INDEX IF NOT EXISTS idx_documents_issuer ON documents(issuer_id);
CREATE INDEX IF NOT EXISTS idx_issuers_tax_id ON issuers(tax_id);
CREATE INDEX IF NOT EXISTS idx_audit_hash ON processing_audit(content_hash);
CREATE INDEX IF NOT EXISTS idx_audit_status ON processing_audit(current_status);
CREATE INDEX IF NOT EXISTS idx_attempts_audit ON processing_attempts(audit_id);
`

// Store is the transactional catalog. All writes are serialized behind a
// single process-wide mutex; reads go straight to the connection pool.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Document is one committed catalog row. Rows are inserted exactly once and
// never mutated; the only delete is the rollback of the same transaction.
type Document struct {
	ID            int64
	AccessKey     string
	ContentHash   string
	IssuerID      int64
	ProcessedDate string
	EmissionDate  string
	Kind          string
	ArchivePath   string
}

// AuditRow mirrors one processing_audit record.
type AuditRow struct {
	ID               int64
	ContentHash      string
	Filename         string
	OriginalPath     string
	CurrentStatus    string
	AttemptCount     int
	LastErrorKind    sql.NullString
	LastErrorMessage sql.NullString
	FinalDestination sql.NullString
	AccessKey        sql.NullString
	IssuerID         sql.NullInt64
	CompletedAt      sql.NullString
	TotalDurationMS  sql.NullInt64
}

// InsertResult distinguishes a uniqueness violation from a real failure on
// the document insert. Duplicates are a result value, not an error.
type InsertResult int

const (
	InsertOK InsertResult = iota
	InsertDuplicate
)

func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// Single writer; readers share the pool.
	db.SetMaxOpenConns(4)
	pragmas := `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = FULL;
	PRAGMA busy_timeout = 30000;
	PRAGMA foreign_keys = ON;
	`
	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure catalog: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize catalog schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func isConstraintViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339) }

// UpsertIssuer creates the issuer on first sight and refreshes the display
// name when a later document spells it differently. The name must already
// be in canonical form.
func (s *Store) UpsertIssuer(taxID, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	var current string
	err := s.db.QueryRow("SELECT id, name FROM issuers WHERE tax_id = ?", taxID).Scan(&id, &current)
	switch {
	case err == sql.ErrNoRows:
		res, err := s.db.Exec("INSERT INTO issuers (tax_id, name) VALUES (?, ?)", taxID, name)
		if err != nil {
			return 0, fmt.Errorf("insert issuer %s: %w", taxID, err)
		}
		return res.LastInsertId()
	case err != nil:
		return 0, fmt.Errorf("lookup issuer %s: %w", taxID, err)
	}
	if current != name {
		_, err := s.db.Exec("UPDATE issuers SET name = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?", name, id)
		if err != nil {
			return 0, fmt.Errorf("rename issuer %s: %w", taxID, err)
		}
	}
	return id, nil
}

// InsertDocument commits one document row. A UNIQUE violation on either the
// access key or the content hash reports InsertDuplicate; everything else
// is a real error.
func (s *Store) InsertDocument(doc *Document) (InsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO documents
		(access_key, content_hash, issuer_id, processed_date, emission_date, kind, archive_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.AccessKey, doc.ContentHash, doc.IssuerID,
		doc.ProcessedDate, doc.EmissionDate, doc.Kind, doc.ArchivePath)
	if err != nil {
		if isConstraintViolation(err) {
			return InsertDuplicate, nil
		}
		return 0, fmt.Errorf("insert document %s: %w", doc.AccessKey, err)
	}
	doc.ID, _ = res.LastInsertId()
	return InsertOK, nil
}

// DeleteDocument removes a just-inserted row. Only the file-move rollback
// path calls this.
func (s *Store) DeleteDocument(accessKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("DELETE FROM documents WHERE access_key = ?", accessKey)
	if err != nil {
		return fmt.Errorf("rollback document %s: %w", accessKey, err)
	}
	return nil
}

func (s *Store) DocumentByAccessKey(key string) (*Document, error) {
	return s.documentBy("access_key", key)
}

func (s *Store) DocumentByHash(hash string) (*Document, error) {
	return s.documentBy("content_hash", hash)
}

func (s *Store) documentBy(column, value string) (*Document, error) {
	var d Document
	err := s.db.QueryRow(fmt.Sprintf(`
		SELECT id, access_key, content_hash, issuer_id, processed_date, emission_date, kind, archive_path
		FROM documents WHERE %s = ?`, column), value).
		Scan(&d.ID, &d.AccessKey, &d.ContentHash, &d.IssuerID,
			&d.ProcessedDate, &d.EmissionDate, &d.Kind, &d.ArchivePath)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup document by %s: %w", column, err)
	}
	return &d, nil
}

func (s *Store) CountDocuments() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&n)
	return n, err
}

// CreateAudit opens the audit trail for a discovered file, keyed by the
// content hash at discovery time.
func (s *Store) CreateAudit(hash, filename, originalPath string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		INSERT INTO processing_audit
		(content_hash, filename, original_path, discovered_at, current_status, attempt_count)
		VALUES (?, ?, ?, ?, ?, 0)`,
		hash, filename, originalPath, nowStamp(), StatusPending.String())
	if err != nil {
		return 0, fmt.Errorf("create audit for %s: %w", filename, err)
	}
	return res.LastInsertId()
}

// auditUpdateColumns is the closed set of columns UpdateAudit may touch.
var auditUpdateColumns = map[string]bool{
	"final_destination": true,
	"access_key":        true,
	"issuer_id":         true,
	"completed_at":      true,
	"total_duration_ms": true,
}

// UpdateAudit advances the audit row to status and applies any extra
// columns from fields. Error text is truncated to its column limit.
func (s *Store) UpdateAudit(auditID int64, status ProcessingStatus, perr *PipelineError, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cols := []string{"current_status = ?", "updated_at = ?"}
	args := []any{status.String(), nowStamp()}
	if perr != nil {
		cols = append(cols, "last_error_kind = ?", "last_error_message = ?")
		args = append(args, perr.Kind.String(), truncate(perr.Error(), 500))
	}
	for col, v := range fields {
		if !auditUpdateColumns[col] {
			return fmt.Errorf("update audit %d: column %q not updatable", auditID, col)
		}
		cols = append(cols, col+" = ?")
		args = append(args, v)
	}
	args = append(args, auditID)

	_, err := s.db.Exec("UPDATE processing_audit SET "+strings.Join(cols, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("update audit %d: %w", auditID, err)
	}
	return nil
}

// RecordAttempt appends one attempt row and bumps the parent counters.
func (s *Store) RecordAttempt(auditID int64, number int, status ProcessingStatus, perr *PipelineError, stack string, durationMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kind, message any
	if perr != nil {
		kind = perr.Kind.String()
		message = truncate(perr.Error(), 500)
	}
	var stackCol any
	if stack != "" {
		stackCol = truncate(stack, 2000)
	}
	_, err := s.db.Exec(`
		INSERT INTO processing_attempts
		(audit_id, attempt_number, status, error_kind, error_message, stack_trace, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		auditID, number, status.String(), kind, message, stackCol, durationMS, nowStamp())
	if err != nil {
		return fmt.Errorf("record attempt %d for audit %d: %w", number, auditID, err)
	}
	_, err = s.db.Exec(`
		UPDATE processing_audit
		SET attempt_count = attempt_count + 1, last_attempt_at = ?, updated_at = ?
		WHERE id = ?`, nowStamp(), nowStamp(), auditID)
	if err != nil {
		return fmt.Errorf("bump attempt count for audit %d: %w", auditID, err)
	}
	return nil
}

func (s *Store) Audit(auditID int64) (*AuditRow, error) {
	var a AuditRow
	err := s.db.QueryRow(`
		SELECT id, content_hash, filename, original_path, current_status, attempt_count,
		       last_error_kind, last_error_message, final_destination, access_key,
		       issuer_id, completed_at, total_duration_ms
		FROM processing_audit WHERE id = ?`, auditID).
		Scan(&a.ID, &a.ContentHash, &a.Filename, &a.OriginalPath, &a.CurrentStatus,
			&a.AttemptCount, &a.LastErrorKind, &a.LastErrorMessage, &a.FinalDestination,
			&a.AccessKey, &a.IssuerID, &a.CompletedAt, &a.TotalDurationMS)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup audit %d: %w", auditID, err)
	}
	return &a, nil
}

// AuditAttempts returns the attempt ordinals and statuses for one audit row,
// ordered by attempt number.
func (s *Store) AuditAttempts(auditID int64) ([]AttemptRow, error) {
	rows, err := s.db.Query(`
		SELECT attempt_number, status, error_kind, duration_ms, timestamp
		FROM processing_attempts WHERE audit_id = ? ORDER BY attempt_number`, auditID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for audit %d: %w", auditID, err)
	}
	defer rows.Close()
	var out []AttemptRow
	for rows.Next() {
		var a AttemptRow
		if err := rows.Scan(&a.Number, &a.Status, &a.ErrorKind, &a.DurationMS, &a.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type AttemptRow struct {
	Number     int
	Status     string
	ErrorKind  sql.NullString
	DurationMS sql.NullInt64
	Timestamp  string
}

// StuckAudit is a row the reconciler flagged: intermediate status, no
// activity past the stale threshold.
type StuckAudit struct {
	ID           int64
	Filename     string
	Status       string
	AttemptCount int
}

// FindStuckAudits returns audit rows sitting in an intermediate status with
// no attempt activity for olderThan. Rows that never recorded an attempt
// age from their discovery timestamp.
func (s *Store) FindStuckAudits(olderThan time.Duration) ([]StuckAudit, error) {
	placeholders := make([]string, len(intermediateStatuses))
	args := make([]any, 0, len(intermediateStatuses)+1)
	for i, st := range intermediateStatuses {
		placeholders[i] = "?"
		args = append(args, st.String())
	}
	args = append(args, fmt.Sprintf("-%d seconds", int(olderThan.Seconds())))

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT id, filename, current_status, attempt_count
		FROM processing_audit
		WHERE current_status IN (%s)
		AND datetime(COALESCE(last_attempt_at, discovered_at)) < datetime('now', ?)`,
		strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("query stuck audits: %w", err)
	}
	defer rows.Close()

	var out []StuckAudit
	for rows.Next() {
		var a StuckAudit
		if err := rows.Scan(&a.ID, &a.Filename, &a.Status, &a.AttemptCount); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MarkAuditLost terminates an audit row whose file cannot be found in any
// staging area.
func (s *Store) MarkAuditLost(auditID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE processing_audit
		SET current_status = ?, last_error_message = 'file lost during reconciliation', updated_at = ?
		WHERE id = ?`, StatusFailedPermanent.String(), nowStamp(), auditID)
	if err != nil {
		return fmt.Errorf("mark audit %d lost: %w", auditID, err)
	}
	return nil
}

// RecordReconciliation appends one reconciliation run summary.
func (s *Store) RecordReconciliation(filesChecked, issuesFound, issuesFixed int, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO reconciliation_log (run_at, files_checked, issues_found, issues_fixed, details)
		VALUES (?, ?, ?, ?, ?)`, nowStamp(), filesChecked, issuesFound, issuesFixed, details)
	if err != nil {
		return fmt.Errorf("record reconciliation: %w", err)
	}
	return nil
}

func (s *Store) CountReconciliations() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM reconciliation_log").Scan(&n)
	return n, err
}

// HydrateCaches loads the idempotency and issuer caches from the catalog.
// Called once at startup; reconciliation is the safety net for anything the
// caches miss afterwards.
func (s *Store) HydrateCaches(idem *IdempotencyCache, issuers *IssuerCache) error {
	rows, err := s.db.Query("SELECT tax_id, id, name FROM issuers")
	if err != nil {
		return fmt.Errorf("hydrate issuer cache: %w", err)
	}
	for rows.Next() {
		var taxID, name string
		var id int64
		if err := rows.Scan(&taxID, &id, &name); err != nil {
			rows.Close()
			return err
		}
		issuers.Put(taxID, id, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.Query("SELECT content_hash, access_key FROM documents")
	if err != nil {
		return fmt.Errorf("hydrate idempotency cache: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var hash, key string
		if err := rows.Scan(&hash, &key); err != nil {
			return err
		}
		idem.Add(hash, key)
	}
	return rows.Err()
}
