package common

import (
	"errors"
	"fmt"
)

type ServerIndex int
type ChunkID string
type Path string
type ConnID string
type ErrorCode int
type FileStatus int
type Event string

const (
	Creating FileStatus = iota
	Committed
	Aborted
	Deleted
)

func (s FileStatus) String() string {
	switch s {
	case Creating:
		return "CREATING"
	case Committed:
		return "COMMITTED"
	case Aborted:
		return "ABORTED"
	case Deleted:
		return "DELETED"
	default:
		return fmt.Sprintf("FileStatus(%d)", int(s))
	}
}

func (s FileStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	Success ErrorCode = iota
	NotFound
	Conflict
	NotCommitted
	LockViolation
	TransportError
	ProbeFailure
	PruneFailure
	ProtocolError
	InvalidArgument
	Unavailable
)

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "Success"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case NotCommitted:
		return "NotCommitted"
	case LockViolation:
		return "LockViolation"
	case TransportError:
		return "TransportError"
	case ProbeFailure:
		return "ProbeFailure"
	case PruneFailure:
		return "PruneFailure"
	case ProtocolError:
		return "ProtocolError"
	case InvalidArgument:
		return "InvalidArgument"
	case Unavailable:
		return "Unavailable"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

type Error struct {
	Code ErrorCode
	Err  string
}

func (e Error) Error() string {
	return e.Err
}

// Errorf builds a common.Error whose message is the formatted string.
func Errorf(code ErrorCode, format string, args ...any) error {
	return Error{Code: code, Err: fmt.Sprintf(format, args...)}
}

// CodeOf reports the code carried by err, or UnknownCode when err does not
// wrap a common.Error.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return Success
	}
	var cerr Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}
	return UnknownCode
}

// UnknownCode marks errors that did not originate from this module.
const UnknownCode ErrorCode = -1

// Reply status values carried in every status frame.
const (
	StatusOK     = 0
	StatusDone   = 1
	StatusFailed = -1
)

type ChunkLocation struct {
	ID       ChunkID       `json:"chunk_id"`
	Replicas []ServerIndex `json:"replicas"`
}

type FileInfo struct {
	Name   string          `json:"name"`
	Path   Path            `json:"path"`
	Status FileStatus      `json:"status"`
	Chunks []ChunkLocation `json:"chunks"`
}

type LockInfo struct {
	Conn ConnID `json:"conn"`
	Path Path   `json:"path"`
}

type BranchInfo struct {
	Event Event
	Err   error
}
