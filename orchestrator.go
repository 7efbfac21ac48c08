// xmlorganizer: top-level scan → batch → worker-pool loop
package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Orchestrator owns the main loop: scan the inbox, process batches through
// the bounded worker pool, reconcile on its own interval, repeat.
type Orchestrator struct {
	cfg        Config
	pipeline   *Pipeline
	reconciler *Reconciler
	audit      AuditSink
	log        *zap.SugaredLogger
}

func NewOrchestrator(cfg Config, pipeline *Pipeline, reconciler *Reconciler, audit AuditSink, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		pipeline:   pipeline,
		reconciler: reconciler,
		audit:      audit,
		log:        log,
	}
}

// BatchStats aggregates terminal outcomes across files.
type BatchStats struct {
	Success   int
	Duplicate int
	Failed    int
	Attempts  int
}

func (s *BatchStats) add(o BatchStats) {
	s.Success += o.Success
	s.Duplicate += o.Duplicate
	s.Failed += o.Failed
	s.Attempts += o.Attempts
}

func (s BatchStats) total() int { return s.Success + s.Duplicate + s.Failed }

// Run loops until ctx is cancelled. An unexpected cycle failure is logged
// and audited, then the loop backs off briefly and continues; the daemon
// only exits on shutdown.
func (o *Orchestrator) Run(ctx context.Context) {
	o.audit.Event(evSystemStarted,
		zap.Int("max_workers", o.cfg.MaxWorkers),
		zap.Int("batch_size", o.cfg.BatchSize),
		zap.Int("max_retry_attempts", o.cfg.MaxRetryAttempts))
	o.log.Infow("orchestrator started",
		"inbox", o.cfg.SourceDir,
		"archive", o.cfg.ArchiveRoot,
		"workers", o.cfg.MaxWorkers,
		"batch_size", o.cfg.BatchSize,
		"scan_interval", o.cfg.ScanInterval)

	lastReconcile := time.Now()
	cycle := 0
	for {
		select {
		case <-ctx.Done():
			o.audit.Event(evSystemStopped, zap.String("reason", "shutdown"), zap.Int("cycles", cycle))
			o.log.Infow("orchestrator stopped", "cycles", cycle)
			return
		default:
		}

		cycle++
		if err := o.cycle(ctx); err != nil && ctx.Err() == nil {
			o.log.Errorw("scan cycle failed", "cycle", cycle, "error", err)
			o.audit.Event(evSystemError, zap.Int("cycle", cycle), zap.String("error", err.Error()))
			sleepCtx(ctx, 10*time.Second)
			continue
		}

		if time.Since(lastReconcile) >= o.cfg.ReconciliationInterval {
			if _, err := o.reconciler.Run(ctx); err != nil && ctx.Err() == nil {
				o.log.Errorw("reconciliation failed", "error", err)
			}
			lastReconcile = time.Now()
		}

		sleepCtx(ctx, o.cfg.ScanInterval)
	}
}

// cycle scans the inbox once and drives every batch to completion.
func (o *Orchestrator) cycle(ctx context.Context) error {
	files, walkErrs := scanInbox(o.cfg.SourceDir)
	for _, werr := range walkErrs {
		o.log.Warnw("inbox walk error", "error", werr)
	}
	if len(files) == 0 {
		return ctx.Err()
	}
	o.log.Infow("candidates found", "count", len(files))

	start := time.Now()
	var total BatchStats
	batches := (len(files) + o.cfg.BatchSize - 1) / o.cfg.BatchSize
	for i := 0; i < len(files); i += o.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := i + o.cfg.BatchSize
		if end > len(files) {
			end = len(files)
		}
		stats := o.processBatch(ctx, files[i:end], nil)
		total.add(stats)

		elapsed := time.Since(start).Seconds()
		rate := 0.0
		if elapsed > 0 {
			rate = float64(total.total()) / elapsed
		}
		o.log.Infof("batch %d/%d: %d ok | %d dup | %d err | %d attempts | %d/%d (%.1f files/s)",
			i/o.cfg.BatchSize+1, batches,
			stats.Success, stats.Duplicate, stats.Failed, stats.Attempts,
			total.total(), len(files), rate)
	}

	o.printSummary(total, len(files), time.Since(start))
	return ctx.Err()
}

// processBatch runs one batch through the bounded pool. Each file gets its
// own deadline covering the retry schedule; a timed-out file stays in
// quarantine for the reconciler.
func (o *Orchestrator) processBatch(ctx context.Context, files []string, bar *progressbar.ProgressBar) BatchStats {
	var mu sync.Mutex
	var stats BatchStats

	g := new(errgroup.Group)
	g.SetLimit(o.cfg.MaxWorkers)
	for _, file := range files {
		file := file
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(ctx, o.cfg.perFileTimeout())
			res := o.pipeline.ProcessFile(fctx, file)
			cancel()

			mu.Lock()
			stats.Attempts += res.Attempts
			switch res.Status {
			case StatusSuccess:
				stats.Success++
			case StatusDuplicate:
				stats.Duplicate++
			default:
				stats.Failed++
			}
			mu.Unlock()
			if bar != nil {
				bar.Add(1)
			}
			return nil
		})
	}
	g.Wait()
	return stats
}

// DrainOnce processes the current inbox contents a single time, with a
// progress bar and an HTML report, then returns. Used by the --once flag.
func (o *Orchestrator) DrainOnce(ctx context.Context, reportPath string) (BatchStats, error) {
	files, walkErrs := scanInbox(o.cfg.SourceDir)
	for _, werr := range walkErrs {
		o.log.Warnw("inbox walk error", "error", werr)
	}
	var total BatchStats
	if len(files) == 0 {
		o.log.Infow("inbox empty, nothing to drain")
		return total, nil
	}

	bar := progressbar.NewOptions(
		len(files),
		progressbar.OptionSetDescription("Processing"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionSetElapsedTime(true),
		progressbar.OptionClearOnFinish(),
	)

	start := time.Now()
	collector := newRunCollector()
	prev := o.pipeline.audit
	o.pipeline.audit = teeAuditSink{prev, collector}
	defer func() { o.pipeline.audit = prev }()

	for i := 0; i < len(files); i += o.cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		end := i + o.cfg.BatchSize
		if end > len(files) {
			end = len(files)
		}
		total.add(o.processBatch(ctx, files[i:end], bar))
	}
	elapsed := time.Since(start)

	if reportPath != "" {
		if err := writeRunReport(reportPath, collector, total, elapsed); err != nil {
			o.log.Errorw("cannot write run report", "path", reportPath, "error", err)
		}
	}
	o.printSummary(total, len(files), elapsed)
	if reportPath != "" {
		abs, err := filepath.Abs(reportPath)
		if err == nil {
			color.New(color.FgCyan).Printf("Run report: file://%s\n", abs)
		}
	}
	return total, ctx.Err()
}

func (o *Orchestrator) printSummary(stats BatchStats, found int, elapsed time.Duration) {
	fmt.Println()
	color.New(color.FgGreen).Printf("Archived: %d, ", stats.Success)
	color.New(color.FgYellow).Printf("Duplicates: %d, ", stats.Duplicate)
	color.New(color.FgRed).Printf("Errors: %d, ", stats.Failed)
	fmt.Printf("Attempts: %d, Found: %d, Elapsed: %s\n", stats.Attempts, found, elapsed.Round(time.Millisecond))
	if stats.total() == found {
		color.New(color.FgGreen, color.Bold).Println("✔ All files accounted for")
	} else {
		color.New(color.FgRed, color.Bold).Printf("✖ Mismatch! Accounted: %d, Found: %d\n", stats.total(), found)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
