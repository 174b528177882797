package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("no print job matches this code")
	ErrJobNotFound         = errors.New("job not found")
	ErrAlreadyConsumed     = errors.New("confirmation code already used")
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrCodeSpaceExhausted  = errors.New("no free confirmation codes")
	ErrTooManyCopies       = errors.New("you have asked too many copies")
	ErrTooManyPages        = errors.New("too many pages to print")
	ErrInvalidCopies       = errors.New("copies must be a positive integer")
	ErrNotRedispatchable   = errors.New("only failed jobs can be dispatched again")
	ErrAlreadyRedispatched = errors.New("job was already dispatched again")
	ErrNotPDF              = errors.New("file is not a PDF document")
	ErrFileTooLarge        = errors.New("file too large")
	ErrShuttingDown        = errors.New("server is shutting down")
)

type StorageErrorKind string

const (
	StorageQuota       StorageErrorKind = "quota"
	StorageIOFault     StorageErrorKind = "io_fault"
	StorageInvalidName StorageErrorKind = "invalid_name"
	StorageEmpty       StorageErrorKind = "empty"
)

type StorageError struct {
	Kind StorageErrorKind
	Msg  string
	Err  error
}

func NewStorageError(kind StorageErrorKind, msg string, err error) *StorageError {
	return &StorageError{Kind: kind, Msg: msg, Err: err}
}

func (e *StorageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

type TransitionError struct {
	JobID string
	From  JobState
	To    JobState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.JobID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type DispatchErrorKind string

const (
	DispatchMechanismAbsent    DispatchErrorKind = "mechanism_absent"
	DispatchFileUnreadable     DispatchErrorKind = "file_unreadable"
	DispatchPrinterUnreachable DispatchErrorKind = "printer_unreachable"
	DispatchCapability         DispatchErrorKind = "capability"
	DispatchTimeout            DispatchErrorKind = "timeout"
	DispatchFailed             DispatchErrorKind = "failed"
)

// DispatchError carries the print mechanism's detail verbatim; Error returns
// Detail so it can be surfaced to clients unchanged.
type DispatchError struct {
	Kind   DispatchErrorKind
	Detail string
	Err    error
}

func NewDispatchError(kind DispatchErrorKind, detail string, err error) *DispatchError {
	return &DispatchError{Kind: kind, Detail: detail, Err: err}
}

func (e *DispatchError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return string(e.Kind)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
