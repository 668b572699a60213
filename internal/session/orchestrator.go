package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kballard/go-shellquote"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/utkarshayachit/simplified-batch/internal/batch"
	"github.com/utkarshayachit/simplified-batch/internal/ports"
)

const (
	TaskID       = "task-0"
	SentinelFile = "server-ready.txt"

	// sentinelPrefix is the sentinel's name relative to the task directory.
	sentinelPrefix = "wd/" + SentinelFile

	maxJobIDLength   = 64
	terminateTimeout = 30 * time.Second
	retention        = 10 * time.Minute
)

// Config drives job construction and polling.
type Config struct {
	PoolID        string
	Registry      string
	Image         string
	ContainerPort int
	JobPrefix     string
	PollInterval  time.Duration
	NodeTimeout   time.Duration
	ReadyTimeout  time.Duration
	// MaxSessions bounds non-terminal sessions. Zero means unlimited.
	MaxSessions int
}

func DefaultConfig() Config {
	return Config{
		PoolID:        "trame-pool",
		Image:         "trame/trame-paraview:latest",
		ContainerPort: 8080,
		JobPrefix:     "trame",
		PollInterval:  time.Second,
		NodeTimeout:   5 * time.Minute,
		ReadyTimeout:  time.Minute,
	}
}

// Change describes one state change of a handle. Seq increases by one per
// change of the same handle; observers may see changes of one handle out of
// order and use Seq to discard stale ones.
type Change struct {
	From State
	To   State
	Seq  uint64
	Err  error
}

// Observer is told about every state change. Calls happen outside handle locks
// and must not block.
type Observer interface {
	Transition(h *Handle, c Change)
}

type ObserverFunc func(h *Handle, c Change)

func (f ObserverFunc) Transition(h *Handle, c Change) {
	f(h, c)
}

type Option func(*Orchestrator)

func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		o.observers = append(o.observers, obs)
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator drives jobs from submission to a reachable endpoint and back down.
type Orchestrator struct {
	svc       batch.Service
	ports     *ports.Pool
	cfg       Config
	logger    zerolog.Logger
	observers []Observer
	slots     *semaphore.Weighted
	now       func() time.Time

	mu        sync.RWMutex
	handles   map[string]*Handle
	lastStamp time.Time
}

func New(svc batch.Service, pool *ports.Pool, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.PoolID == "" {
		cfg.PoolID = def.PoolID
	}
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.ContainerPort <= 0 {
		cfg.ContainerPort = def.ContainerPort
	}
	if cfg.JobPrefix == "" {
		cfg.JobPrefix = def.JobPrefix
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.NodeTimeout <= 0 {
		cfg.NodeTimeout = def.NodeTimeout
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = def.ReadyTimeout
	}
	o := &Orchestrator{
		svc:     svc,
		ports:   pool,
		cfg:     cfg,
		logger:  zerolog.Nop(),
		now:     time.Now,
		handles: make(map[string]*Handle),
	}
	if cfg.MaxSessions > 0 {
		o.slots = semaphore.NewWeighted(int64(cfg.MaxSessions))
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Request asks for one visualization session over a dataset.
type Request struct {
	Dataset   string
	Container string
	Token     string
	Options   map[string]string
}

// Submit creates the remote job and its single task. The port is reserved
// before the task is built so the mapping can be embedded in it.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (*Handle, error) {
	if strings.TrimSpace(req.Dataset) == "" || strings.TrimSpace(req.Container) == "" {
		return nil, fmt.Errorf("%w: dataset and container are required", ErrInvalidRequest)
	}
	if o.slots != nil && !o.slots.TryAcquire(1) {
		return nil, ErrTooManySessions
	}
	port, err := o.ports.Allocate()
	if err != nil {
		o.releaseSlot()
		return nil, err
	}

	hctx, stop := context.WithCancel(context.Background())
	h := &Handle{
		JobID:     o.newJobID(req.Options["prefix"]),
		TaskID:    TaskID,
		PoolID:    o.cfg.PoolID,
		Port:      port,
		Dataset:   req.Dataset,
		Container: req.Container,
		Token:     req.Token,
		Created:   o.now().UTC(),
		ctx:       hctx,
		stop:      stop,
	}
	logger := o.logger.With().Str("job_id", h.JobID).Int("port", port).Logger()

	jobCreated := false
	fail := func(op string, err error) (*Handle, error) {
		if jobCreated && ctx.Err() != nil {
			// canceled mid-submit: unwind the job we already created
			_ = o.terminateRemote(ctx, h)
		}
		remote := &RemoteError{Op: op, Err: err}
		o.transition(h, StateFailed, remote, "")
		logger.Error().Err(err).Str("op", op).Msg("job submission failed")
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrCanceled, remote)
		}
		return nil, remote
	}

	display := fmt.Sprintf("trame (%s:%s)", req.Dataset, req.Container)
	if err := o.svc.AddJob(ctx, batch.JobSpec{ID: h.JobID, DisplayName: display, PoolID: h.PoolID}); err != nil {
		return fail(opAddJob, err)
	}
	jobCreated = true

	task := batch.TaskSpec{
		ID:               h.TaskID,
		DisplayName:      fmt.Sprintf("%s on %d", display, port),
		Image:            o.image(req.Options["image"]),
		Ports:            batch.PortMapping{HostPort: port, ContainerPort: o.cfg.ContainerPort},
		CommandLine:      o.commandLine(req.Dataset, req.Container),
		ElevatedAutoUser: true,
	}
	if err := o.svc.AddTask(ctx, h.JobID, task); err != nil {
		return fail(opAddTask, err)
	}
	if err := o.svc.SetAutoTerminate(ctx, h.JobID, h.PoolID); err != nil {
		return fail(opSetAutoTerminate, err)
	}

	o.register(h)
	o.transition(h, StateSubmitted, nil, "")
	logger.Info().Str("dataset", req.Dataset).Str("container", req.Container).Msg("job submitted")
	return h, nil
}

// AwaitReady polls until the task runs on a node and its server has written the
// sentinel file. nodeTimeout bounds node assignment; zero uses the configured default.
func (o *Orchestrator) AwaitReady(ctx context.Context, h *Handle, nodeTimeout time.Duration) (Endpoint, error) {
	h.mu.Lock()
	switch {
	case h.state.Routable():
		ep := h.endpoint
		h.mu.Unlock()
		return ep, nil
	case h.canceled || h.state == StateTerminating || h.state.Terminal():
		err := h.stoppedErr()
		h.mu.Unlock()
		return Endpoint{}, err
	case h.awaiting:
		h.mu.Unlock()
		return Endpoint{}, ErrAwaitInProgress
	}
	h.awaiting = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.awaiting = false
		h.mu.Unlock()
	}()

	if nodeTimeout <= 0 {
		nodeTimeout = o.cfg.NodeTimeout
	}
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	detach := context.AfterFunc(h.ctx, cancel)
	defer detach()

	logger := o.logger.With().Str("job_id", h.JobID).Logger()
	started := o.now()
	o.transition(h, StateNodeAssigning, nil, StateSubmitted)

	var node batch.Node
	err := o.poll(pollCtx, nodeTimeout, ErrNodeAssignmentTimeout, func(ctx context.Context) (bool, error) {
		task, err := o.svc.GetTask(ctx, h.JobID, h.TaskID)
		if err != nil {
			return false, &RemoteError{Op: opGetTask, Err: err}
		}
		switch task.State {
		case batch.TaskCompleted:
			return false, ErrTaskCompletedPrematurely
		case batch.TaskActive, batch.TaskPreparing:
			return false, nil
		}
		if !task.Assigned() {
			return false, nil
		}
		node, err = o.svc.GetNode(ctx, task.NodeInfo.PoolID, task.NodeInfo.NodeID)
		if err != nil {
			return false, &RemoteError{Op: opGetNode, Err: err}
		}
		return node.IPAddress != "", nil
	})
	if err != nil {
		return Endpoint{}, o.abort(h, err)
	}
	if !o.transition(h, StateNodeAssigned, nil, StateNodeAssigning, StateNodeAssigned) {
		return Endpoint{}, o.abort(h, ErrTerminated)
	}
	logger.Info().Str("node", node.ID).Str("host", node.IPAddress).Msg("compute node assigned")

	err = o.poll(pollCtx, o.cfg.ReadyTimeout, ErrServerReadyTimeout, func(ctx context.Context) (bool, error) {
		files, err := o.svc.ListTaskFiles(ctx, h.JobID, h.TaskID, sentinelPrefix)
		if err != nil {
			return false, &RemoteError{Op: opListTaskFiles, Err: err}
		}
		return len(files) > 0, nil
	})
	if err != nil {
		return Endpoint{}, o.abort(h, err)
	}

	ep := Endpoint{Host: node.IPAddress, Port: h.Port}
	ok := o.advance(h, StateServerReady, func(h *Handle) { h.endpoint = ep }, StateNodeAssigned)
	if !ok {
		return Endpoint{}, o.abort(h, ErrTerminated)
	}
	logger.Info().
		Str("endpoint", ep.String()).
		Dur("waited", o.now().Sub(started)).
		Msg("visualization server ready")
	return ep, nil
}

// abort maps a polling failure onto the handle. Termination that raced with
// polling wins: the handle is left as Terminate set it.
func (o *Orchestrator) abort(h *Handle, err error) error {
	h.mu.Lock()
	stopped := h.canceled || h.state == StateTerminating || h.state.Terminal()
	var stoppedErr error
	if stopped {
		stoppedErr = h.stoppedErr()
	}
	h.mu.Unlock()
	if stopped {
		return stoppedErr
	}

	logger := o.logger.With().Str("job_id", h.JobID).Logger()
	switch {
	case errors.Is(err, ErrNodeAssignmentTimeout), errors.Is(err, ErrServerReadyTimeout):
		o.transition(h, StateTimedOut, err, StateSubmitted, StateNodeAssigning, StateNodeAssigned)
		logger.Warn().Err(err).Msg("session timed out")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		// the caller went away; the handle stays where it was and may be awaited again
		logger.Debug().Err(err).Msg("await abandoned by caller")
		return fmt.Errorf("await ready: %w", err)
	default:
		o.transition(h, StateFailed, err, StateSubmitted, StateNodeAssigning, StateNodeAssigned)
		logger.Error().Err(err).Msg("session failed")
	}
	return err
}

// poll runs check every PollInterval until it reports done, fails, ctx ends,
// or timeout elapses. The timeout holds even if ctx is never canceled.
func (o *Orchestrator) poll(ctx context.Context, timeout time.Duration, timeoutErr error, check func(context.Context) (bool, error)) error {
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	expired := func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return timeoutErr
	}
	for {
		done, err := check(deadline)
		if err != nil {
			if deadline.Err() != nil {
				return expired()
			}
			return err
		}
		if done {
			return nil
		}
		select {
		case <-deadline.Done():
			return expired()
		case <-ticker.C:
		}
	}
}

// Terminate stops the remote task and job and always releases local resources.
// Remote failures are logged and returned wrapped in ErrRemoteTerminateFailed.
func (o *Orchestrator) Terminate(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	from := h.state
	switch {
	case from == StateTerminating || from == StateTerminated:
		h.mu.Unlock()
		return nil
	case from.Terminal():
		// failed or timed out: the port is already back, but the job may still run
		h.mu.Unlock()
		return o.terminateRemote(ctx, h)
	}
	h.state = StateTerminating
	change := h.change(from)
	h.mu.Unlock()
	h.stop()
	o.notify(h, change)

	err := o.terminateRemote(ctx, h)
	o.transition(h, StateTerminated, nil, StateTerminating)
	o.logger.Info().Str("job_id", h.JobID).Int("port", h.Port).Msg("session terminated")
	return err
}

// Cancel aborts a session that may still be polling. Pollers observe the
// cancellation at once and the handle ends Terminated.
func (o *Orchestrator) Cancel(ctx context.Context, h *Handle) error {
	h.mu.Lock()
	if !h.state.Terminal() {
		h.canceled = true
	}
	h.mu.Unlock()
	return o.Terminate(ctx, h)
}

// TerminateDetached stops a remote job this process holds no handle for, e.g.
// one submitted before a restart.
func (o *Orchestrator) TerminateDetached(ctx context.Context, jobID, taskID string) error {
	if jobID == "" {
		return fmt.Errorf("%w: job id required", ErrInvalidRequest)
	}
	if taskID == "" {
		taskID = TaskID
	}
	return o.terminateRemote(ctx, &Handle{JobID: jobID, TaskID: taskID})
}

func (o *Orchestrator) terminateRemote(ctx context.Context, h *Handle) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminateTimeout)
	defer cancel()

	var result *multierror.Error
	// the task goes first: terminating only the job leaves an active task's status unchanged
	if err := o.svc.TerminateTask(ctx, h.JobID, h.TaskID); err != nil && !errors.Is(err, batch.ErrNotFound) {
		result = multierror.Append(result, &RemoteError{Op: opTerminateTask, Err: err})
	}
	if err := o.svc.TerminateJob(ctx, h.JobID); err != nil && !errors.Is(err, batch.ErrNotFound) {
		result = multierror.Append(result, &RemoteError{Op: opTerminateJob, Err: err})
	}
	if err := result.ErrorOrNil(); err != nil {
		o.logger.Warn().Err(err).Str("job_id", h.JobID).Msg("remote terminate failed")
		return fmt.Errorf("%w: %w", ErrRemoteTerminateFailed, err)
	}
	return nil
}

// MarkProxying records the first proxied exchange for a ready session.
func (o *Orchestrator) MarkProxying(h *Handle) {
	o.transition(h, StateProxying, nil, StateServerReady)
}

func (o *Orchestrator) Get(jobID string) (*Handle, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, ok := o.handles[jobID]
	return h, ok
}

// Lookup finds the routable session bound to host:port.
func (o *Orchestrator) Lookup(host string, port int) (*Handle, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, h := range o.handles {
		if h.Port != port {
			continue
		}
		if ep, ok := h.Endpoint(); ok && ep.Host == host {
			return h, true
		}
	}
	return nil, false
}

// List returns summaries of all tracked handles, newest first.
func (o *Orchestrator) List() []Summary {
	o.mu.RLock()
	out := make([]Summary, 0, len(o.handles))
	for _, h := range o.handles {
		out = append(out, h.Summary())
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.After(out[j].Created)
	})
	return out
}

// Shutdown terminates every live session.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.RLock()
	live := make([]*Handle, 0, len(o.handles))
	for _, h := range o.handles {
		if !h.State().Terminal() {
			live = append(live, h)
		}
	}
	o.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(8)
	for _, h := range live {
		h := h
		g.Go(func() error {
			return o.Terminate(ctx, h)
		})
	}
	return g.Wait()
}

func (o *Orchestrator) transition(h *Handle, next State, cause error, allowed ...State) bool {
	return o.advance(h, next, func(h *Handle) {
		if cause != nil {
			h.lastErr = cause
		}
	}, allowed...)
}

// advance moves h to next when its current state is one of allowed, applying
// mutate under the handle lock. Entering a terminal state releases the port
// and the session slot exactly once.
func (o *Orchestrator) advance(h *Handle, next State, mutate func(*Handle), allowed ...State) bool {
	h.mu.Lock()
	from := h.state
	if !slices.Contains(allowed, from) {
		h.mu.Unlock()
		return false
	}
	h.state = next
	if mutate != nil {
		mutate(h)
	}
	var change Change
	if from != next {
		change = h.change(from)
	}
	release := next.Terminal() && !h.released
	if release {
		h.released = true
		h.finished = o.now()
	}
	h.mu.Unlock()

	if release {
		o.ports.Release(h.Port)
		o.releaseSlot()
		h.stop()
	}
	if from != next {
		o.notify(h, change)
	}
	return true
}

func (o *Orchestrator) notify(h *Handle, c Change) {
	for _, obs := range o.observers {
		obs.Transition(h, c)
	}
}

func (o *Orchestrator) releaseSlot() {
	if o.slots != nil {
		o.slots.Release(1)
	}
}

func (o *Orchestrator) register(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cutoff := o.now().Add(-retention)
	for id, old := range o.handles {
		old.mu.Lock()
		stale := old.state.Terminal() && old.finished.Before(cutoff)
		old.mu.Unlock()
		if stale {
			delete(o.handles, id)
		}
	}
	o.handles[h.JobID] = h
}

// newJobID derives a job id from the current time. Batch ids allow only
// alphanumerics, '-' and '_'.
func (o *Orchestrator) newJobID(prefix string) string {
	o.mu.Lock()
	stamp := o.now().UTC()
	if !stamp.After(o.lastStamp) {
		stamp = o.lastStamp.Add(time.Nanosecond)
	}
	o.lastStamp = stamp
	o.mu.Unlock()

	if prefix = sanitizeID(prefix); prefix == "" {
		prefix = o.cfg.JobPrefix
	}
	id := sanitizeID(prefix + "-" + stamp.Format(time.RFC3339Nano))
	if len(id) > maxJobIDLength {
		id = id[:maxJobIDLength]
	}
	return id
}

func sanitizeID(raw string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, strings.TrimSpace(raw))
}

func (o *Orchestrator) image(override string) string {
	image := o.cfg.Image
	if override = strings.TrimSpace(override); override != "" {
		image = override
	}
	if o.cfg.Registry == "" {
		return image
	}
	return strings.TrimSuffix(o.cfg.Registry, "/") + "/" + image
}

// commandLine builds the task command. The dataset path is quoted for the
// inner shell, and the whole script is quoted again as the single -c argument.
func (o *Orchestrator) commandLine(dataset, container string) string {
	script := fmt.Sprintf(`/opt/paraview/bin/pvpython /opt/data_viewer/app.py --server `+
		`--venv /opt/trame/env -i 0.0.0.0 -p %d `+
		`--create-on-server-ready "$AZ_BATCH_TASK_WORKING_DIR"/%s `+
		`--dataset "$AZ_BATCH_NODE_MOUNTS_DIR"/%s`,
		o.cfg.ContainerPort, SentinelFile, shellquote.Join(container+"/"+dataset))
	return shellquote.Join("/bin/sh", "-c", script)
}
