// xmlorganizer: append-only audit event log and operational logging
package main

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AuditSink appends one self-describing event. Sinks are non-throwing by
// contract: a failure to audit must never reach the processing path.
type AuditSink interface {
	Event(name string, fields ...zap.Field)
}

// fileAuditSink writes one JSON event per line to the audit log. Every
// entry carries "event" and "timestamp" plus the event-specific fields.
type fileAuditSink struct {
	log *zap.Logger
}

func newFileAuditSink(path string) (*fileAuditSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	enc := zapcore.EncoderConfig{
		MessageKey: "event",
		TimeKey:    "timestamp",
		LevelKey:   zapcore.OmitKey,
		EncodeTime: zapcore.ISO8601TimeEncoder,
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(enc), zapcore.AddSync(f), zapcore.InfoLevel)
	return &fileAuditSink{log: zap.New(core)}, nil
}

func (s *fileAuditSink) Event(name string, fields ...zap.Field) {
	s.log.Info(name, fields...)
}

func (s *fileAuditSink) Sync() { _ = s.log.Sync() }

// nopAuditSink drops events. Used when the audit log cannot be opened and
// in tests that do not assert on events.
type nopAuditSink struct{}

func (nopAuditSink) Event(string, ...zap.Field) {}

// Audit event names. These are part of the operational contract; the
// reconciler and operators grep for them.
const (
	evFileDiscovered     = "FILE_DISCOVERED"
	evFileQuarantined    = "FILE_QUARANTINED"
	evQuarantineFailed   = "QUARANTINE_FAILED"
	evProcessingAttempt  = "PROCESSING_ATTEMPT"
	evFileSuccess        = "FILE_PROCESSED_SUCCESS"
	evFileDuplicate      = "FILE_DUPLICATE"
	evFileDeadLetter     = "FILE_DEAD_LETTER"
	evReconcileCompleted = "RECONCILIATION_COMPLETED"
	evSystemStarted      = "SYSTEM_STARTED"
	evSystemStopped      = "SYSTEM_STOPPED"
	evSystemError        = "SYSTEM_ERROR"
)

// newOperationalLogger builds the human-readable timestamped log, written
// to stdout and mirrored into the data root.
func newOperationalLogger(logPath string) (*zap.SugaredLogger, error) {
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	enc.EncodeLevel = zapcore.CapitalLevelEncoder
	ws := zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), zapcore.AddSync(f))
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), ws, zapcore.InfoLevel)
	return zap.New(core).Sugar(), nil
}
