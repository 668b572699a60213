package ports

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

const (
	DefaultMin = 8000
	DefaultMax = 9000

	// maxProbes caps random probing. The probe assumes low occupancy and is not
	// meant for pools running close to saturation.
	maxProbes = 100
)

// ErrPoolExhausted is returned when no free port was found within maxProbes draws.
var ErrPoolExhausted = errors.New("port pool exhausted")

// Pool hands out locally unique ports from [min, max).
type Pool struct {
	min, max int

	mu    sync.Mutex
	inUse map[int]struct{}
	intn  func(n int) int
}

// NewPool builds a pool over [min, max). The range must be non-empty.
func NewPool(min, max int) (*Pool, error) {
	if min <= 0 || max > 65536 || min >= max {
		return nil, fmt.Errorf("invalid port range [%d, %d)", min, max)
	}
	return &Pool{
		min:   min,
		max:   max,
		inUse: make(map[int]struct{}),
		intn:  rand.Intn,
	}, nil
}

// Allocate reserves a port that is not currently held.
func (p *Pool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for attempt := 0; attempt < maxProbes; attempt++ {
		port := p.min + p.intn(p.max-p.min)
		if _, taken := p.inUse[port]; taken {
			continue
		}
		p.inUse[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("%w: %d of %d ports in use", ErrPoolExhausted, len(p.inUse), p.max-p.min)
}

// Release returns port to the pool. Releasing a port that is not held is a no-op.
func (p *Pool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inUse, port)
}

func (p *Pool) Held(port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inUse[port]
	return ok
}

func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

// Size is the number of ports in the range.
func (p *Pool) Size() int {
	return p.max - p.min
}

func (p *Pool) Range() (int, int) {
	return p.min, p.max
}
