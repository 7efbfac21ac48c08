// xmlorganizer: periodic recovery of stranded files and stranded audit rows
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Reconciler is the safety net: anything a crash or timeout strands in
// quarantine or in an intermediate audit status is either re-fed through
// the pipeline or terminated as lost.
type Reconciler struct {
	cfg      Config
	areas    Areas
	store    *Store
	pipeline *Pipeline
	audit    AuditSink
	log      *zap.SugaredLogger
}

func NewReconciler(cfg Config, areas Areas, store *Store, pipeline *Pipeline, audit AuditSink, log *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		areas:    areas,
		store:    store,
		pipeline: pipeline,
		audit:    audit,
		log:      log,
	}
}

// ReconcileStats summarizes one run.
type ReconcileStats struct {
	FilesChecked int
	IssuesFound  int
	IssuesFixed  int
}

// Run executes one reconciliation sweep.
func (r *Reconciler) Run(ctx context.Context) (ReconcileStats, error) {
	r.log.Infow("reconciliation started")
	var issues []string
	fixed := 0

	// 1. Stale quarantine files get the full pipeline again. Success counts
	// as a fix regardless of whether the outcome is archive or duplicate.
	stale := r.staleQuarantineFiles()
	for _, qfile := range stale {
		if ctx.Err() != nil {
			break
		}
		issues = append(issues, "quarantine stuck: "+filepath.Base(qfile))
		r.log.Warnw("stale file in quarantine, reprocessing", "file", qfile)
		res := r.pipeline.ProcessFile(ctx, qfile)
		if res.Status == StatusSuccess || res.Status == StatusDuplicate {
			fixed++
		}
	}

	// 2. Audit rows stuck in an intermediate status. If the file is nowhere
	// in the staging areas the row is terminated as lost.
	stuck, err := r.store.FindStuckAudits(r.cfg.StuckAuditAge)
	if err != nil {
		r.log.Errorw("stuck audit query failed", "error", err)
	}
	for _, a := range stuck {
		issues = append(issues, fmt.Sprintf("audit stuck: %s (%s)", a.Filename, a.Status))
		if r.findInStaging(a.Filename) {
			// Present in a staging area; the quarantine sweep or a later run
			// will pick it up once it crosses the age threshold.
			continue
		}
		r.log.Errorw("file lost, terminating audit", "audit_id", a.ID, "filename", a.Filename)
		if err := r.store.MarkAuditLost(a.ID); err != nil {
			r.log.Errorw("cannot mark audit lost", "audit_id", a.ID, "error", err)
		}
	}

	// 3. Dead letter population is observational only.
	deadLetters, _ := filepath.Glob(filepath.Join(r.areas.DeadLetter, "*.xml"))
	if len(deadLetters) > 0 {
		issues = append(issues, fmt.Sprintf("dead letter: %d files", len(deadLetters)))
	}

	stats := ReconcileStats{
		FilesChecked: len(stale) + len(stuck),
		IssuesFound:  len(issues),
		IssuesFixed:  fixed,
	}
	details, _ := json.Marshal(issues)
	if err := r.store.RecordReconciliation(stats.FilesChecked, stats.IssuesFound, stats.IssuesFixed, string(details)); err != nil {
		r.log.Errorw("cannot record reconciliation", "error", err)
	}
	r.audit.Event(evReconcileCompleted,
		zap.Int("files_checked", stats.FilesChecked),
		zap.Int("issues_found", stats.IssuesFound),
		zap.Int("issues_fixed", stats.IssuesFixed))

	if stats.IssuesFound > 0 {
		r.log.Warnw("reconciliation finished",
			"issues_found", stats.IssuesFound, "issues_fixed", stats.IssuesFixed)
	} else {
		r.log.Infow("reconciliation finished, no issues")
	}
	return stats, ctx.Err()
}

// staleQuarantineFiles lists quarantine entries older than the stale
// threshold. Freshly quarantined files belong to in-flight workers and are
// left alone.
func (r *Reconciler) staleQuarantineFiles() []string {
	entries, err := filepath.Glob(filepath.Join(r.areas.Quarantine, "*.xml"))
	if err != nil {
		r.log.Errorw("quarantine listing failed", "error", err)
		return nil
	}
	var stale []string
	cutoff := time.Now().Add(-r.cfg.QuarantineStaleAge)
	for _, path := range entries {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			stale = append(stale, path)
		}
	}
	return stale
}

// findInStaging reports whether any staging area holds a file whose
// original name (quarantine prefixes stripped) matches filename.
func (r *Reconciler) findInStaging(filename string) bool {
	for _, dir := range []string{r.areas.Quarantine, r.areas.Processing, r.areas.Failed} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if e.Name() == filename || originalFilename(e.Name()) == filename {
				return true
			}
		}
	}
	return false
}
