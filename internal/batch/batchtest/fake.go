// Package batchtest provides a scriptable in-memory batch.Service for tests.
package batchtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/utkarshayachit/simplified-batch/internal/batch"
)

// Fake records every call and answers task polls from a script.
//
// Task state is driven by AssignAfter: the first AssignAfter GetTask calls report
// the task as active, later calls report it running on NodeID. CompleteImmediately
// makes every GetTask report completed without a node. ReadyAfter controls how many
// ListTaskFiles calls return nothing before the sentinel appears; a negative value
// means the sentinel never appears.
type Fake struct {
	mu sync.Mutex

	AssignAfter         int
	NeverAssign         bool
	CompleteImmediately bool
	ReadyAfter          int
	NodeID              string
	NodeIP              string

	// Errors injects a failure for the named method ("AddJob", "GetTask", ...).
	Errors map[string]error

	Jobs       map[string]batch.JobSpec
	Tasks      map[string]batch.TaskSpec
	Terminated map[string]bool
	Pools      map[string]batch.Pool

	taskPolls int
	filePolls int
	calls     []string
}

func New() *Fake {
	return &Fake{
		NodeID:     "tvmps_0001",
		NodeIP:     "10.0.0.5",
		Errors:     map[string]error{},
		Jobs:       map[string]batch.JobSpec{},
		Tasks:      map[string]batch.TaskSpec{},
		Terminated: map[string]bool{},
		Pools: map[string]batch.Pool{
			"trame-pool": {ID: "trame-pool", State: "active", AllocationState: "steady", VMSize: "standard_d2s_v3"},
		},
	}
}

func (f *Fake) record(name string) error {
	f.calls = append(f.calls, name)
	return f.Errors[name]
}

// Calls returns the method names invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) CallCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (f *Fake) TaskPolls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.taskPolls
}

func (f *Fake) FilePolls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filePolls
}

func (f *Fake) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[method] = err
}

func (f *Fake) AddJob(_ context.Context, job batch.JobSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddJob"); err != nil {
		return err
	}
	if _, exists := f.Jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	f.Jobs[job.ID] = job
	return nil
}

func (f *Fake) AddTask(_ context.Context, jobID string, task batch.TaskSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("AddTask"); err != nil {
		return err
	}
	if _, ok := f.Jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, batch.ErrNotFound)
	}
	f.Tasks[jobID+"/"+task.ID] = task
	return nil
}

func (f *Fake) SetAutoTerminate(_ context.Context, jobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SetAutoTerminate"); err != nil {
		return err
	}
	if _, ok := f.Jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, batch.ErrNotFound)
	}
	return nil
}

func (f *Fake) GetTask(_ context.Context, jobID, taskID string) (batch.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetTask"); err != nil {
		return batch.Task{}, err
	}
	if _, ok := f.Tasks[jobID+"/"+taskID]; !ok {
		return batch.Task{}, fmt.Errorf("task %s/%s: %w", jobID, taskID, batch.ErrNotFound)
	}
	f.taskPolls++
	switch {
	case f.Terminated[jobID] || f.CompleteImmediately:
		return batch.Task{ID: taskID, State: batch.TaskCompleted}, nil
	case f.NeverAssign || f.taskPolls <= f.AssignAfter:
		return batch.Task{ID: taskID, State: batch.TaskActive}, nil
	default:
		return batch.Task{
			ID:       taskID,
			State:    batch.TaskRunning,
			NodeInfo: &batch.NodeInfo{PoolID: f.Jobs[jobID].PoolID, NodeID: f.NodeID},
		}, nil
	}
}

func (f *Fake) GetNode(_ context.Context, poolID, nodeID string) (batch.Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetNode"); err != nil {
		return batch.Node{}, err
	}
	if nodeID != f.NodeID {
		return batch.Node{}, fmt.Errorf("node %s/%s: %w", poolID, nodeID, batch.ErrNotFound)
	}
	return batch.Node{ID: nodeID, State: "running", IPAddress: f.NodeIP}, nil
}

func (f *Fake) ListTaskFiles(_ context.Context, jobID, taskID, prefix string) ([]batch.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListTaskFiles"); err != nil {
		return nil, err
	}
	f.filePolls++
	if f.ReadyAfter < 0 || f.filePolls <= f.ReadyAfter {
		return nil, nil
	}
	name := "wd/server-ready.txt"
	if !strings.HasPrefix(name, prefix) {
		return nil, nil
	}
	return []batch.File{{Name: name, URL: fmt.Sprintf("https://fake/jobs/%s/tasks/%s/files/%s", jobID, taskID, name)}}, nil
}

func (f *Fake) TerminateTask(_ context.Context, jobID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("TerminateTask")
}

func (f *Fake) TerminateJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("TerminateJob"); err != nil {
		return err
	}
	f.Terminated[jobID] = true
	return nil
}

func (f *Fake) ListPools(_ context.Context) ([]batch.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListPools"); err != nil {
		return nil, err
	}
	out := make([]batch.Pool, 0, len(f.Pools))
	for _, p := range f.Pools {
		out = append(out, p)
	}
	return out, nil
}

func (f *Fake) GetPool(_ context.Context, poolID string) (batch.Pool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("GetPool"); err != nil {
		return batch.Pool{}, err
	}
	p, ok := f.Pools[poolID]
	if !ok {
		return batch.Pool{}, fmt.Errorf("pool %s: %w", poolID, batch.ErrNotFound)
	}
	return p, nil
}

func (f *Fake) ResizePool(_ context.Context, poolID string, targetDedicated int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ResizePool"); err != nil {
		return err
	}
	p, ok := f.Pools[poolID]
	if !ok {
		return fmt.Errorf("pool %s: %w", poolID, batch.ErrNotFound)
	}
	p.TargetDedicatedNodes = targetDedicated
	p.AllocationState = "resizing"
	f.Pools[poolID] = p
	return nil
}

var _ batch.Service = (*Fake)(nil)
