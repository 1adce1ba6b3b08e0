package syncer

import (
	"errors"
	"fmt"
)

// ErrorKind tags a SyncError.
type ErrorKind int

const (
	// KindNotStarted means the engine or domain has not synced since start.
	KindNotStarted ErrorKind = iota + 1
	// KindNoNetworkConnection means the connectivity monitor reports the ledger unreachable.
	KindNoNetworkConnection
	// KindRemote wraps a failure returned by the remote ledger client.
	KindRemote
)

func (k ErrorKind) String() string {
	switch k {
	case KindNotStarted:
		return "not_started"
	case KindNoNetworkConnection:
		return "no_network_connection"
	case KindRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// SyncError is the error carried by NotSynced and NotReady states.
// Two SyncErrors match under errors.Is when their kinds are equal.
type SyncError struct {
	Kind ErrorKind
	Err  error
}

var (
	ErrNotStarted          = &SyncError{Kind: KindNotStarted}
	ErrNoNetworkConnection = &SyncError{Kind: KindNoNetworkConnection}
)

// RemoteError wraps a remote ledger failure.
func RemoteError(err error) error {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	return &SyncError{Kind: KindRemote, Err: err}
}

func (e *SyncError) Error() string {
	switch e.Kind {
	case KindNotStarted:
		return "sync not started"
	case KindNoNetworkConnection:
		return "no network connection"
	case KindRemote:
		if e.Err != nil {
			return fmt.Sprintf("remote call failed: %v", e.Err)
		}
		return "remote call failed"
	default:
		if e.Err != nil {
			return e.Err.Error()
		}
		return "sync error"
	}
}

func (e *SyncError) Unwrap() error { return e.Err }

func (e *SyncError) Is(target error) bool {
	t, ok := target.(*SyncError)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first SyncError in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
