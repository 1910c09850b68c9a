package beatsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the beatsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed session.
	ErrClosed = errors.New("session is closed")

	// ErrOffline is returned when a network operation is requested while the
	// device has no connectivity.
	ErrOffline = errors.New("device is offline")

	// ErrSyncInFlight is returned when a sync is requested while another is
	// already running for the session.
	ErrSyncInFlight = errors.New("sync already in flight")

	// ErrSyncThrottled is returned when a sync is requested inside the
	// minimum sync interval without forcing freshness.
	ErrSyncThrottled = errors.New("sync throttled")

	// ErrStaleDate is returned when a fetch completed for a date the session
	// has since navigated away from; its results are discarded.
	ErrStaleDate = errors.New("selected date changed during fetch")

	// ErrStoreClosed is returned when a local store is used after Close.
	ErrStoreClosed = errors.New("local store is closed")

	// ErrSnapshotNotFound is returned when no snapshot exists for a
	// (user, date) pair.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// SyncErrorPhase categorizes where a sync round failed.
type SyncErrorPhase int

const (
	// SyncPhaseUnknown is an unclassified sync failure.
	SyncPhaseUnknown SyncErrorPhase = iota
	// SyncPhaseFetch indicates the network fetch failed or timed out.
	SyncPhaseFetch
	// SyncPhaseApply indicates the merge step aborted, usually because the
	// selected date changed while the fetch ran.
	SyncPhaseApply
)

// SyncError provides detail about a failed sync round. Expected failure
// modes (offline, throttled, timeout) degrade gracefully and are never
// surfaced to the UI path as errors.
type SyncError struct {
	Phase   SyncErrorPhase
	UserID  string
	Date    string
	Message string
	Cause   error
}

func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (user=%s date=%s): %v", e.Message, e.UserID, e.Date, e.Cause)
	}
	return fmt.Sprintf("%s (user=%s date=%s)", e.Message, e.UserID, e.Date)
}

func (e *SyncError) Unwrap() error {
	return e.Cause
}

// newSyncError creates a new SyncError.
func newSyncError(phase SyncErrorPhase, userID, date, message string, cause error) *SyncError {
	return &SyncError{
		Phase:   phase,
		UserID:  userID,
		Date:    date,
		Message: message,
		Cause:   cause,
	}
}

// StoreErrorOp categorizes local store failures.
type StoreErrorOp int

const (
	// StoreOpUnknown is an unclassified store error.
	StoreOpUnknown StoreErrorOp = iota
	// StoreOpRead indicates a read failure.
	StoreOpRead
	// StoreOpWrite indicates a write failure.
	StoreOpWrite
	// StoreOpMerge indicates a batch merge failure.
	StoreOpMerge
)

// StoreError provides detail about a local store failure. Read failures
// cause fallback to the next load tier; write failures never roll back
// in-memory state.
type StoreError struct {
	Op      StoreErrorOp
	Store   string
	Message string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Store != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %v", e.Message, e.Store, e.Cause)
		}
		return fmt.Sprintf("%s [%s]", e.Message, e.Store)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// newStoreError creates a new StoreError.
func newStoreError(op StoreErrorOp, store, message string, cause error) *StoreError {
	return &StoreError{
		Op:      op,
		Store:   store,
		Message: message,
		Cause:   cause,
	}
}
