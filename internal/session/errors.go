package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest           = errors.New("invalid session request")
	ErrTooManySessions          = errors.New("too many active sessions")
	ErrUnknownSession           = errors.New("unknown session")
	ErrNodeAssignmentTimeout    = errors.New("timed out waiting for a compute node")
	ErrTaskCompletedPrematurely = errors.New("task completed before the session could use it")
	ErrServerReadyTimeout       = errors.New("timed out waiting for the visualization server")
	ErrAwaitInProgress          = errors.New("session is already waiting for readiness")
	ErrTerminated               = errors.New("session terminated")
	ErrCanceled                 = errors.New("session canceled")
	ErrRemoteTerminateFailed    = errors.New("remote terminate failed")
)

// RemoteError reports a failed call to the job service. Op names the call.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("batch %s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// Submit reports whether the failure happened while creating the job.
func (e *RemoteError) Submit() bool {
	switch e.Op {
	case opAddJob, opAddTask, opSetAutoTerminate:
		return true
	}
	return false
}

const (
	opAddJob           = "AddJob"
	opAddTask          = "AddTask"
	opSetAutoTerminate = "SetAutoTerminate"
	opGetTask          = "GetTask"
	opGetNode          = "GetNode"
	opListTaskFiles    = "ListTaskFiles"
	opTerminateTask    = "TerminateTask"
	opTerminateJob     = "TerminateJob"
)
