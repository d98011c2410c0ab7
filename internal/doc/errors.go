package doc

import (
	"errors"
	"fmt"

	"github.com/roach88/docsync/internal/revision"
)

// ErrorCode categorizes docsync errors.
type ErrorCode string

const (
	// ErrCodeNotFound: no such document id (tombstoned documents included).
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeConflict: revision mismatch. Recoverable by re-fetch and retry.
	ErrCodeConflict ErrorCode = "CONFLICT"

	// ErrCodeTransientNetwork: transport failure, retried by the sync engine.
	ErrCodeTransientNetwork ErrorCode = "TRANSIENT_NETWORK"

	// ErrCodeCorruptCheckpoint: a replication checkpoint failed validation.
	// Fatal to the session; forces a full resync.
	ErrCodeCorruptCheckpoint ErrorCode = "CORRUPT_CHECKPOINT"

	// ErrCodeObserverOverflow: an observer queue dropped entries.
	ErrCodeObserverOverflow ErrorCode = "OBSERVER_OVERFLOW"

	// ErrCodeFeedTruncated: a consumer asked for entries that were already
	// pruned from the change feed.
	ErrCodeFeedTruncated ErrorCode = "FEED_TRUNCATED"
)

// Error is the structured error returned across docsync package boundaries.
type Error struct {
	Code    ErrorCode
	Message string

	// DocID identifies the affected document, when there is one.
	DocID string

	// Current and Expected describe a conflicting write.
	Current  revision.Revision
	Expected revision.Revision

	// Err is the underlying cause, if any.
	Err error
}

// Sentinel values for errors.Is matching on the code alone.
var (
	ErrNotFound          = &Error{Code: ErrCodeNotFound, Message: "document not found"}
	ErrConflict          = &Error{Code: ErrCodeConflict, Message: "revision conflict"}
	ErrTransientNetwork  = &Error{Code: ErrCodeTransientNetwork, Message: "transient network failure"}
	ErrCorruptCheckpoint = &Error{Code: ErrCodeCorruptCheckpoint, Message: "corrupt replication checkpoint"}
	ErrObserverOverflow  = &Error{Code: ErrCodeObserverOverflow, Message: "observer queue overflow"}
	ErrFeedTruncated     = &Error{Code: ErrCodeFeedTruncated, Message: "change feed truncated"}
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.DocID != "" {
		msg += fmt.Sprintf(" (id=%s)", e.DocID)
	}
	if e.Code == ErrCodeConflict && (!e.Current.IsZero() || !e.Expected.IsZero()) {
		msg += fmt.Sprintf(" current=%q expected=%q", e.Current.String(), e.Expected.String())
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, doc.ErrConflict).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// NotFound creates a NOT_FOUND error for a document.
func NotFound(id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: "document not found", DocID: id}
}

// ConflictError creates a CONFLICT error for a stale write.
func ConflictError(id string, current, expected revision.Revision) *Error {
	return &Error{
		Code:     ErrCodeConflict,
		Message:  "revision does not match current revision",
		DocID:    id,
		Current:  current,
		Expected: expected,
	}
}

// TransientNetwork wraps a transport failure.
func TransientNetwork(err error) *Error {
	return &Error{Code: ErrCodeTransientNetwork, Message: "transport failure", Err: err}
}

// CorruptCheckpoint reports an unusable checkpoint for an endpoint.
func CorruptCheckpoint(endpoint string, err error) *Error {
	return &Error{
		Code:    ErrCodeCorruptCheckpoint,
		Message: fmt.Sprintf("checkpoint for %s is corrupt", endpoint),
		Err:     err,
	}
}

// FeedTruncated reports that entries before from are gone.
func FeedTruncated(from, prunedThrough int64) *Error {
	return &Error{
		Code:    ErrCodeFeedTruncated,
		Message: fmt.Sprintf("requested seq %d but entries through %d were pruned", from, prunedThrough),
	}
}

// ObserverOverflow reports the number of entries an observer missed.
func ObserverOverflow(missed int) *Error {
	return &Error{
		Code:    ErrCodeObserverOverflow,
		Message: fmt.Sprintf("%d change(s) dropped", missed),
	}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a NOT_FOUND error.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsConflict reports whether err is a CONFLICT error.
func IsConflict(err error) bool { return CodeOf(err) == ErrCodeConflict }

// IsTransient reports whether err is a TRANSIENT_NETWORK error.
func IsTransient(err error) bool { return CodeOf(err) == ErrCodeTransientNetwork }

// IsCorruptCheckpoint reports whether err is a CORRUPT_CHECKPOINT error.
func IsCorruptCheckpoint(err error) bool { return CodeOf(err) == ErrCodeCorruptCheckpoint }

// IsFeedTruncated reports whether err is a FEED_TRUNCATED error.
func IsFeedTruncated(err error) bool { return CodeOf(err) == ErrCodeFeedTruncated }
