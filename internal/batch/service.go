package batch

import (
	"context"
	"errors"
)

// TaskState mirrors the Batch task lifecycle.
type TaskState string

const (
	TaskActive    TaskState = "active"
	TaskPreparing TaskState = "preparing"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
)

// ErrNotFound is returned when the addressed job, task, node or pool does not exist.
var ErrNotFound = errors.New("batch resource not found")

type JobSpec struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	PoolID      string `json:"-"`
}

type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// TaskSpec describes the single container task run for a session.
type TaskSpec struct {
	ID          string
	DisplayName string
	Image       string
	Ports       PortMapping
	CommandLine string
	// ElevatedAutoUser runs the task as the pool-scoped admin auto user.
	ElevatedAutoUser bool
}

type NodeInfo struct {
	PoolID string `json:"poolId"`
	NodeID string `json:"nodeId"`
}

type Task struct {
	ID       string    `json:"id"`
	State    TaskState `json:"state"`
	NodeInfo *NodeInfo `json:"nodeInfo,omitempty"`
}

// Assigned reports whether the scheduler has placed the task on a node.
func (t Task) Assigned() bool {
	return t.NodeInfo != nil && t.NodeInfo.NodeID != ""
}

type Node struct {
	ID        string `json:"id"`
	State     string `json:"state"`
	IPAddress string `json:"ipAddress"`
}

type File struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	IsDirectory bool   `json:"isDirectory"`
}

type Pool struct {
	ID                      string `json:"id"`
	State                   string `json:"state"`
	AllocationState         string `json:"allocationState"`
	VMSize                  string `json:"vmSize"`
	CurrentDedicatedNodes   int    `json:"currentDedicatedNodes"`
	TargetDedicatedNodes    int    `json:"targetDedicatedNodes"`
	CurrentLowPriorityNodes int    `json:"currentLowPriorityNodes"`
}

// Service is the subset of the remote job-execution API the gateway drives.
// Implementations must be safe for concurrent use.
type Service interface {
	AddJob(ctx context.Context, job JobSpec) error
	AddTask(ctx context.Context, jobID string, task TaskSpec) error
	// SetAutoTerminate makes the job terminate once all of its tasks complete.
	SetAutoTerminate(ctx context.Context, jobID, poolID string) error
	GetTask(ctx context.Context, jobID, taskID string) (Task, error)
	GetNode(ctx context.Context, poolID, nodeID string) (Node, error)
	// ListTaskFiles lists files produced by a task whose name starts with prefix.
	ListTaskFiles(ctx context.Context, jobID, taskID, prefix string) ([]File, error)
	TerminateTask(ctx context.Context, jobID, taskID string) error
	TerminateJob(ctx context.Context, jobID string) error

	ListPools(ctx context.Context) ([]Pool, error)
	GetPool(ctx context.Context, poolID string) (Pool, error)
	ResizePool(ctx context.Context, poolID string, targetDedicated int) error
}
