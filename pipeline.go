// xmlorganizer: the durable single-file processing pipeline
package main

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"xmlorganizer/extractor"
)

// Pipeline drives one file through quarantine → parse → catalog insert →
// move, with bounded retries, rollback on move failure and full auditing.
type Pipeline struct {
	cfg     Config
	areas   Areas
	store   *Store
	idem    *IdempotencyCache
	issuers *IssuerCache
	audit   AuditSink
	log     *zap.SugaredLogger
}

func NewPipeline(cfg Config, areas Areas, store *Store, idem *IdempotencyCache, issuers *IssuerCache, audit AuditSink, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		areas:   areas,
		store:   store,
		idem:    idem,
		issuers: issuers,
		audit:   audit,
		log:     log,
	}
}

// FileResult is the terminal outcome of one discovered file.
type FileResult struct {
	File     string
	AuditID  int64
	Status   ProcessingStatus
	Attempts int
	Err      error
}

// ProcessFile runs the full journey for one candidate path: hash, audit row,
// quarantine, then the retry loop around the atomic attempt. The path may
// already live in quarantine (reconciler re-feeds); it just picks up a
// fresh timestamp prefix.
func (p *Pipeline) ProcessFile(ctx context.Context, sourcePath string) FileResult {
	res := FileResult{File: sourcePath}
	start := time.Now()

	hash, err := hashFile(sourcePath)
	if err != nil {
		p.log.Errorw("cannot hash candidate file", "file", sourcePath, "error", err)
		res.Err = err
		return res
	}

	auditID, err := p.store.CreateAudit(hash, originalFilename(filepath.Base(sourcePath)), sourcePath)
	if err != nil {
		p.log.Errorw("cannot create audit record", "file", sourcePath, "error", err)
		res.Err = err
		return res
	}
	res.AuditID = auditID
	p.audit.Event(evFileDiscovered,
		zap.Int64("audit_id", auditID),
		zap.String("filename", filepath.Base(sourcePath)),
		zap.String("hash", hash))

	qpath := filepath.Join(p.areas.Quarantine, quarantineName(filepath.Base(sourcePath), time.Now()))
	if err := moveFile(sourcePath, qpath); err != nil {
		p.log.Errorw("CRITICAL: failed to move file into quarantine", "file", sourcePath, "error", err)
		p.audit.Event(evQuarantineFailed, zap.String("file", sourcePath), zap.String("error", err.Error()))
		perr := failMove(classifyFileError(err), "quarantine", err)
		p.updateAudit(auditID, StatusFailedPermanent, perr, nil)
		res.Err = perr
		return res
	}
	p.audit.Event(evFileQuarantined, zap.String("original", sourcePath), zap.String("quarantine", qpath))
	p.updateAudit(auditID, StatusQuarantined, nil, nil)

	originalName := originalFilename(filepath.Base(qpath))

	var last *PipelineError
	var terminal ProcessingStatus
	err = retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		res.Attempts++
		p.log.Infow("processing file",
			"file", originalName, "attempt", res.Attempts, "max_attempts", p.cfg.MaxRetryAttempts)
		p.updateAudit(auditID, StatusProcessing, nil, nil)

		began := time.Now()
		status, perr := p.attempt(qpath, originalName, auditID, start)
		durationMS := time.Since(began).Milliseconds()

		if perr == nil {
			p.recordAttempt(auditID, res.Attempts, status, nil, "", durationMS)
			terminal = status
			return nil
		}
		last = perr
		p.recordAttempt(auditID, res.Attempts, perr.Status, perr, string(debug.Stack()), durationMS)
		p.log.Warnw("attempt failed",
			"file", originalName, "attempt", res.Attempts, "kind", perr.Kind.String(), "error", perr.Err)
		return retry.RetryableError(perr)
	})
	if err == nil {
		res.Status = terminal
		return res
	}

	res.Err = err
	if ctx.Err() != nil {
		// Timed out or shutting down mid-file. The quarantined copy stays
		// where it is; the reconciler owns it from here.
		p.log.Warnw("processing interrupted, leaving file in quarantine", "file", originalName, "error", ctx.Err())
		return res
	}

	p.deadLetter(qpath, originalName, auditID, res.Attempts, last)
	res.Status = StatusFailedPermanent
	return res
}

// backoff sleeps base^k seconds between attempt k and k+1, stopping after
// MaxRetryAttempts attempts.
func (p *Pipeline) backoff() retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		if attempt >= p.cfg.MaxRetryAttempts {
			return 0, true
		}
		return time.Duration(math.Pow(p.cfg.RetryDelayBase, float64(attempt)) * float64(time.Second)), false
	})
}

// attempt is one pass of the atomic transaction: hash, duplicate checks,
// extract, issuer upsert, catalog insert, file move. Committing the row and
// failing the move rolls the row back; the inverse never happens.
func (p *Pipeline) attempt(qpath, originalName string, auditID int64, startedAt time.Time) (ProcessingStatus, *PipelineError) {
	hash, err := hashFile(qpath)
	if err != nil {
		return 0, failMove(classifyFileError(err), "hash quarantined file", err)
	}

	if p.idem.HasHash(hash) {
		return p.resolveDuplicate(qpath, auditID, "hash", hash, "", startedAt, nil)
	}

	inv, err := extractor.Extract(qpath)
	if err != nil {
		var pe *extractor.ParseError
		if errors.As(err, &pe) {
			kind := ErrXMLInvalidStructure
			if pe.Malformed {
				kind = ErrXMLParse
			}
			return 0, failParsing(kind, "extract fields", err)
		}
		return 0, failMove(classifyFileError(err), "open for extraction", err)
	}
	p.updateAudit(auditID, StatusParsed, nil, map[string]any{"access_key": inv.AccessKey})

	if p.idem.HasKey(inv.AccessKey) {
		return p.resolveDuplicate(qpath, auditID, "key", hash, inv.AccessKey, startedAt, nil)
	}

	issuerID, issuerName, perr := p.upsertIssuer(inv)
	if perr != nil {
		return 0, perr
	}

	dest := archivePath(p.cfg.ArchiveRoot, inv, issuerName, originalName)
	if fileExists(dest) {
		// The archive already holds this path. Stash the quarantined copy
		// for operator inspection instead of silently discarding it.
		stash := filepath.Join(p.areas.Duplicates, filepath.Base(qpath))
		if err := moveFile(qpath, stash); err != nil {
			return 0, failMove(ErrFilePermission, "stash duplicate", err)
		}
		p.updateAudit(auditID, StatusDuplicate, nil, map[string]any{
			"access_key": inv.AccessKey, "issuer_id": issuerID, "final_destination": stash})
		p.audit.Event(evFileDuplicate,
			zap.Int64("audit_id", auditID),
			zap.String("reason", "destination exists"),
			zap.String("existing", dest),
			zap.String("stashed", stash))
		return StatusDuplicate, nil
	}

	doc := &Document{
		AccessKey:     inv.AccessKey,
		ContentHash:   hash,
		IssuerID:      issuerID,
		ProcessedDate: inv.ProcessedDate.Format("2006-01-02"),
		EmissionDate:  inv.EmissionDate.Format("2006-01-02"),
		Kind:          inv.Kind,
		ArchivePath:   dest,
	}
	result, err := p.store.InsertDocument(doc)
	if err != nil {
		return 0, failDB(ErrDBConnection, "insert document", err)
	}
	if result == InsertDuplicate {
		return p.resolveDuplicate(qpath, auditID, "catalog", hash, inv.AccessKey, startedAt,
			map[string]any{"issuer_id": issuerID})
	}
	p.updateAudit(auditID, StatusDBInserted, nil, map[string]any{
		"access_key": inv.AccessKey, "issuer_id": issuerID})

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		p.rollbackInsert(inv.AccessKey, err)
		return 0, failMove(ErrFilePermission, "create archive directory", err)
	}
	if err := moveFile(qpath, dest); err != nil {
		p.rollbackInsert(inv.AccessKey, err)
		return 0, failMove(ErrFilePermission, "move to archive", err)
	}
	p.updateAudit(auditID, StatusFileMoved, nil, map[string]any{"final_destination": dest})

	p.idem.Add(hash, inv.AccessKey)
	durationMS := time.Since(startedAt).Milliseconds()
	p.updateAudit(auditID, StatusSuccess, nil, map[string]any{
		"final_destination": dest,
		"completed_at":      nowStamp(),
		"total_duration_ms": durationMS,
	})
	p.audit.Event(evFileSuccess,
		zap.Int64("audit_id", auditID),
		zap.String("access_key", inv.AccessKey),
		zap.Int64("issuer_id", issuerID),
		zap.String("destination", dest),
		zap.Int64("duration_ms", durationMS))
	return StatusSuccess, nil
}

// rollbackInsert undoes the catalog commit after a failed move. Its own
// failure is swallowed: the retry and the reconciler are the safety nets.
func (p *Pipeline) rollbackInsert(accessKey string, cause error) {
	p.log.Errorw("CRITICAL: file move failed after catalog commit, rolling back insert",
		"access_key", accessKey, "error", cause)
	if err := p.store.DeleteDocument(accessKey); err != nil {
		p.log.Errorw("CRITICAL: catalog rollback failed, reconciliation will recover",
			"access_key", accessKey, "error", err)
	}
}

// resolveDuplicate terminates an attempt whose hash or key is already
// catalogued. If the committed row's archived file is missing (crash
// between catalog commit and move), the quarantined copy completes the
// interrupted move instead of being discarded.
func (p *Pipeline) resolveDuplicate(qpath string, auditID int64, reason, hash, key string, startedAt time.Time, fields map[string]any) (ProcessingStatus, *PipelineError) {
	var doc *Document
	var err error
	if key != "" {
		doc, err = p.store.DocumentByAccessKey(key)
	}
	if doc == nil && err == nil {
		doc, err = p.store.DocumentByHash(hash)
	}
	if err != nil {
		return 0, failDB(ErrDBConnection, "duplicate lookup", err)
	}
	if doc != nil && !fileExists(doc.ArchivePath) {
		return p.repairDocument(qpath, auditID, doc, startedAt)
	}

	if err := os.Remove(qpath); err != nil && !os.IsNotExist(err) {
		return 0, failMove(classifyFileError(err), "remove duplicate", err)
	}
	if fields == nil {
		fields = map[string]any{}
	}
	if key != "" {
		fields["access_key"] = key
	}
	p.updateAudit(auditID, StatusDuplicate, nil, fields)
	p.audit.Event(evFileDuplicate,
		zap.Int64("audit_id", auditID),
		zap.String("reason", reason),
		zap.String("hash", hash))
	return StatusDuplicate, nil
}

// repairDocument finishes the move for a committed row whose file never
// arrived.
func (p *Pipeline) repairDocument(qpath string, auditID int64, doc *Document, startedAt time.Time) (ProcessingStatus, *PipelineError) {
	if err := os.MkdirAll(filepath.Dir(doc.ArchivePath), 0755); err != nil {
		return 0, failMove(ErrFilePermission, "create archive directory", err)
	}
	if err := moveFile(qpath, doc.ArchivePath); err != nil {
		return 0, failMove(ErrFilePermission, "repair move to archive", err)
	}
	p.idem.Add(doc.ContentHash, doc.AccessKey)
	durationMS := time.Since(startedAt).Milliseconds()
	p.updateAudit(auditID, StatusSuccess, nil, map[string]any{
		"final_destination": doc.ArchivePath,
		"access_key":        doc.AccessKey,
		"issuer_id":         doc.IssuerID,
		"completed_at":      nowStamp(),
		"total_duration_ms": durationMS,
	})
	p.audit.Event(evFileSuccess,
		zap.Int64("audit_id", auditID),
		zap.String("access_key", doc.AccessKey),
		zap.String("destination", doc.ArchivePath),
		zap.Bool("repaired", true))
	return StatusSuccess, nil
}

func (p *Pipeline) upsertIssuer(inv *extractor.Invoice) (int64, string, *PipelineError) {
	canonical := standardizeIssuerName(inv.IssuerName)
	if e, ok := p.issuers.Get(inv.TaxID); ok && e.Name == canonical {
		return e.ID, e.Name, nil
	}
	id, err := p.store.UpsertIssuer(inv.TaxID, canonical)
	if err != nil {
		return 0, "", failDB(ErrDBConnection, "upsert issuer", err)
	}
	p.issuers.Put(inv.TaxID, id, canonical)
	return id, canonical, nil
}

func (p *Pipeline) deadLetter(qpath, originalName string, auditID int64, attempts int, last *PipelineError) {
	dest := filepath.Join(p.areas.DeadLetter, filepath.Base(qpath))
	if err := moveFile(qpath, dest); err != nil {
		p.log.Errorw("CRITICAL: failed to move file to dead letter", "file", originalName, "error", err)
	}
	p.updateAudit(auditID, StatusFailedPermanent, last, map[string]any{"final_destination": dest})
	var finalError string
	if last != nil {
		finalError = last.Error()
	}
	p.audit.Event(evFileDeadLetter,
		zap.Int64("audit_id", auditID),
		zap.String("file", originalName),
		zap.Int("attempts", attempts),
		zap.String("final_error", finalError))
	p.log.Errorw("permanent failure, file dead-lettered",
		"file", originalName, "attempts", attempts, "dead_letter", dest)
}

// updateAudit and recordAttempt swallow catalog errors: auditing never
// fails the processing path.
func (p *Pipeline) updateAudit(auditID int64, status ProcessingStatus, perr *PipelineError, fields map[string]any) {
	if err := p.store.UpdateAudit(auditID, status, perr, fields); err != nil {
		p.log.Errorw("audit update failed", "audit_id", auditID, "status", status.String(), "error", err)
	}
}

func (p *Pipeline) recordAttempt(auditID int64, number int, status ProcessingStatus, perr *PipelineError, stack string, durationMS int64) {
	if err := p.store.RecordAttempt(auditID, number, status, perr, stack, durationMS); err != nil {
		p.log.Errorw("attempt record failed", "audit_id", auditID, "attempt", number, "error", err)
	}
	var kind string
	if perr != nil {
		kind = perr.Kind.String()
	}
	p.audit.Event(evProcessingAttempt,
		zap.Int64("audit_id", auditID),
		zap.Int("attempt", number),
		zap.String("status", status.String()),
		zap.String("error_kind", kind))
}

func classifyFileError(err error) ErrorKind {
	switch {
	case os.IsNotExist(err):
		return ErrFileNotFound
	case os.IsPermission(err):
		return ErrFilePermission
	default:
		return ErrUnknown
	}
}
