package upstream

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by calls made while the link is not connected.
	ErrNotConnected = errors.New("upstream not connected")
	// ErrDisconnected is returned for requests that were in flight when the connection dropped.
	ErrDisconnected = errors.New("upstream connection lost")
	// ErrRetriesExhausted is returned by Run once the bounded retry budget is spent.
	ErrRetriesExhausted = errors.New("upstream retries exhausted")
	// ErrAlreadySubscribed is returned when Subscribe is called a second time.
	ErrAlreadySubscribed = errors.New("upstream link already subscribed")
	// ErrNoSubscription is returned by Run when Subscribe was never called.
	ErrNoSubscription = errors.New("upstream link has no subscription")
)

// Connect stages reported by ConnectError.
const (
	StageDial      = "dial"
	StageSubscribe = "subscribe"
	StageQuery     = "query"
)

// ConnectError reports a failed connect attempt and the step it failed at.
type ConnectError struct {
	Stage string
	Err   error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("upstream %s failed: %v", e.Stage, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RemoteCallError reports a failed reducer or query call.
type RemoteCallError struct {
	Name string
	Err  error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("call %s failed: %v", e.Name, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

// RemoteError carries an error message returned by the backing store itself.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "backing store: " + e.Message
}
