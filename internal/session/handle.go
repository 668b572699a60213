package session

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

type State string

const (
	StateSubmitted     State = "Submitted"
	StateNodeAssigning State = "NodeAssigning"
	StateNodeAssigned  State = "NodeAssigned"
	StateServerReady   State = "ServerReady"
	StateProxying      State = "Proxying"
	StateTerminating   State = "Terminating"
	StateTerminated    State = "Terminated"
	StateFailed        State = "Failed"
	StateTimedOut      State = "TimedOut"
)

// Terminal states are final: no transition leaves them.
func (s State) Terminal() bool {
	switch s {
	case StateTerminated, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Routable states have an endpoint the proxy may forward to.
func (s State) Routable() bool {
	return s == StateServerReady || s == StateProxying
}

// Endpoint is the private address of a ready session.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Path is the gateway route that reaches the endpoint.
func (e Endpoint) Path() string {
	return fmt.Sprintf("/proxy/%s/", e.String())
}

// Handle tracks one orchestration attempt. Its identity fields are immutable;
// state is owned by the Orchestrator.
type Handle struct {
	JobID     string
	TaskID    string
	PoolID    string
	Port      int
	Dataset   string
	Container string
	Token     string
	Created   time.Time

	mu       sync.Mutex
	state    State
	endpoint Endpoint
	lastErr  error
	finished time.Time
	awaiting bool
	canceled bool
	released bool
	seq      uint64

	ctx  context.Context
	stop context.CancelFunc
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Endpoint returns the resolved endpoint once the handle has reached ServerReady.
func (h *Handle) Endpoint() (Endpoint, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endpoint, h.state.Routable()
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// Summary is the client-facing description of a handle.
type Summary struct {
	PoolID    string    `json:"poolId"`
	JobID     string    `json:"jobId"`
	TaskID    string    `json:"taskId"`
	Port      int       `json:"port"`
	Token     string    `json:"token,omitempty"`
	State     State     `json:"state"`
	Dataset   string    `json:"dataset,omitempty"`
	Container string    `json:"container,omitempty"`
	Created   time.Time `json:"created"`
	Error     string    `json:"error,omitempty"`
}

func (h *Handle) Summary() Summary {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := Summary{
		PoolID:    h.PoolID,
		JobID:     h.JobID,
		TaskID:    h.TaskID,
		Port:      h.Port,
		Token:     h.Token,
		State:     h.state,
		Dataset:   h.Dataset,
		Container: h.Container,
		Created:   h.Created,
	}
	if h.lastErr != nil {
		s.Error = h.lastErr.Error()
	}
	return s
}

// change records the move from from to the current state. Callers hold h.mu.
func (h *Handle) change(from State) Change {
	h.seq++
	return Change{From: from, To: h.state, Seq: h.seq, Err: h.lastErr}
}

// stoppedErr reports why a handle no longer accepts work. Callers hold h.mu.
func (h *Handle) stoppedErr() error {
	if h.canceled {
		return ErrCanceled
	}
	switch h.state {
	case StateTerminating, StateTerminated:
		return ErrTerminated
	case StateFailed, StateTimedOut:
		if h.lastErr != nil {
			return h.lastErr
		}
	}
	return fmt.Errorf("%w: state %s", ErrTerminated, h.state)
}
