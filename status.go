// xmlorganizer: processing state machine states and error taxonomy
package main

import "fmt"

// ProcessingStatus is the explicit state of a file inside the pipeline.
// A file advances PENDING → QUARANTINED → PROCESSING → PARSED → DB_INSERTED
// → FILE_MOVED → SUCCESS; SUCCESS, DUPLICATE and FAILED_PERMANENT are
// terminal. The FAILED_* transient states are only ever recorded on
// individual attempts.
type ProcessingStatus int

const (
	StatusPending ProcessingStatus = iota
	StatusQuarantined
	StatusProcessing
	StatusParsed
	StatusDBInserted
	StatusFileMoved
	StatusSuccess
	StatusDuplicate
	StatusFailedParsing
	StatusFailedDB
	StatusFailedMove
	StatusFailedPermanent
)

func (s ProcessingStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusQuarantined:
		return "QUARANTINED"
	case StatusProcessing:
		return "PROCESSING"
	case StatusParsed:
		return "PARSED"
	case StatusDBInserted:
		return "DB_INSERTED"
	case StatusFileMoved:
		return "FILE_MOVED"
	case StatusSuccess:
		return "SUCCESS"
	case StatusDuplicate:
		return "DUPLICATE"
	case StatusFailedParsing:
		return "FAILED_PARSING"
	case StatusFailedDB:
		return "FAILED_DB"
	case StatusFailedMove:
		return "FAILED_MOVE"
	case StatusFailedPermanent:
		return "FAILED_PERMANENT"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether no further attempts will touch this file.
func (s ProcessingStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusDuplicate, StatusFailedPermanent:
		return true
	default:
		return false
	}
}

// intermediateStatuses is the set the reconciler treats as "stuck" when a
// row sits in one of them past the stale threshold.
var intermediateStatuses = []ProcessingStatus{
	StatusPending,
	StatusQuarantined,
	StatusProcessing,
	StatusParsed,
	StatusDBInserted,
}

// ErrorKind classifies a pipeline failure for auditing and retry policy.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrXMLParse
	ErrXMLInvalidStructure
	ErrDBConnection
	ErrDBIntegrity
	ErrFileNotFound
	ErrFilePermission
	ErrNetwork
)

func (k ErrorKind) String() string {
	switch k {
	case ErrXMLParse:
		return "XML_PARSE_ERROR"
	case ErrXMLInvalidStructure:
		return "XML_INVALID_STRUCTURE"
	case ErrDBConnection:
		return "DB_CONNECTION_ERROR"
	case ErrDBIntegrity:
		return "DB_INTEGRITY_ERROR"
	case ErrFileNotFound:
		return "FILE_NOT_FOUND"
	case ErrFilePermission:
		return "FILE_PERMISSION_ERROR"
	case ErrNetwork:
		return "NETWORK_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// PipelineError is the typed failure carried through an attempt. Status is
// the transient attempt state the failure maps to (FAILED_PARSING,
// FAILED_DB or FAILED_MOVE).
type PipelineError struct {
	Kind   ErrorKind
	Status ProcessingStatus
	Op     string
	Err    error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func failParsing(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Status: StatusFailedParsing, Op: op, Err: err}
}

func failDB(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Status: StatusFailedDB, Op: op, Err: err}
}

func failMove(kind ErrorKind, op string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Status: StatusFailedMove, Op: op, Err: err}
}

// truncate limits audit text columns; error messages are capped at 500
// characters and stack traces at 2000.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
